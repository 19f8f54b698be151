package sensor

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Reading
		wantErr error
	}{
		{name: "valid", line: "24.5,61.0,512\r\n", want: Reading{Temperature: 24.5, Humidity: 61, SoilMoisture: 512}},
		{name: "spaces", line: " 20 , 55.5 , 300 ", want: Reading{Temperature: 20, Humidity: 55.5, SoilMoisture: 300}},
		{name: "warm-up", line: "NaN,NaN,512", wantErr: ErrWarmup},
		{name: "too few fields", line: "24.5,61.0", wantErr: ErrIgnored},
		{name: "banner", line: "DHT11 ready", wantErr: ErrIgnored},
		{name: "empty", line: "   ", wantErr: ErrIgnored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLine(tt.line)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLineMalformed(t *testing.T) {
	for _, line := range []string{"hot,61,512", "24.5,wet,512", "24.5,61,51.2"} {
		_, err := ParseLine(line)
		require.Error(t, err, line)
		assert.False(t, errors.Is(err, ErrIgnored) || errors.Is(err, ErrWarmup), line)
	}
}

func TestLatestStartsAtZero(t *testing.T) {
	var latest Latest
	assert.Equal(t, Reading{}, latest.Get())

	latest.Set(Reading{Temperature: 21, Humidity: 40, SoilMoisture: 300})
	latest.Set(Reading{Temperature: 22, Humidity: 41, SoilMoisture: 301})
	assert.Equal(t, Reading{Temperature: 22, Humidity: 41, SoilMoisture: 301}, latest.Get())
}

func TestLatestConcurrentAccess(t *testing.T) {
	var latest Latest
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			latest.Set(Reading{Temperature: float64(i), Humidity: float64(i), SoilMoisture: i})
		}(i)
		go func() {
			defer wg.Done()
			r := latest.Get()
			// A reading is never observed half-written.
			if r.Temperature != r.Humidity || int(r.Temperature) != r.SoilMoisture {
				t.Errorf("torn reading %+v", r)
			}
		}()
	}
	wg.Wait()
}

func TestReaderPublishesReadings(t *testing.T) {
	var opens atomic.Int32
	opener := func(port string, baud int) (io.ReadCloser, error) {
		if opens.Add(1) > 1 {
			return nil, errors.New("no such device")
		}
		assert.Equal(t, "/dev/ttyTEST", port)
		assert.Equal(t, 9600, baud)
		return io.NopCloser(strings.NewReader("booting\nNaN,NaN,0\n23.1,58.0,420\nbad,line,1\n24.0,57.5,415\n")), nil
	}

	latest := &Latest{}
	reader := NewReader(ReaderConfig{Port: "/dev/ttyTEST", ReconnectInterval: 10 * time.Millisecond},
		latest, zap.NewNop(), WithOpener(opener))

	var mu sync.Mutex
	var got []Reading
	reader.Subscribe(func(r Reading) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reader.Run(ctx) }()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return opens.Load() > 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	current := latest.Get()
	assert.Equal(t, 24.0, current.Temperature)
	assert.Equal(t, 415, current.SoilMoisture)
	assert.False(t, current.ReceivedAt.IsZero())
}

func TestReaderStopsBlockedRead(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	opener := func(string, int) (io.ReadCloser, error) { return pr, nil }

	latest := &Latest{}
	reader := NewReader(ReaderConfig{Port: "/dev/ttyTEST"}, latest, zap.NewNop(), WithOpener(opener))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reader.Run(ctx) }()

	_, err := pw.Write([]byte("25.0,60.0,500\n"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return latest.Get().SoilMoisture == 500 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop after cancellation")
	}
}
