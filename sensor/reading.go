// Package sensor reads field measurements from the serial-attached sensor board.
package sensor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Reading is one sample from the sensor board. The JSON shape matches what
// the dashboard polls from /sensor-data.
type Reading struct {
	Temperature  float64   `json:"temperature"`
	Humidity     float64   `json:"humidity"`
	SoilMoisture int       `json:"soilMoisture"`
	ReceivedAt   time.Time `json:"-"`
}

var (
	// ErrWarmup marks a line sent before the temperature probe is ready.
	ErrWarmup = errors.New("sensor warming up")
	// ErrIgnored marks a line that is not a reading at all.
	ErrIgnored = errors.New("not a reading")
)

// ParseLine parses "temperature,humidity,soilMoisture". Lines with another
// field count are ErrIgnored; a NaN temperature is ErrWarmup. Any other
// failure is a malformed reading.
func ParseLine(line string) (Reading, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Reading{}, ErrIgnored
	}
	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return Reading{}, ErrIgnored
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if parts[0] == "NaN" {
		return Reading{}, ErrWarmup
	}

	var r Reading
	var err error
	if r.Temperature, err = strconv.ParseFloat(parts[0], 64); err != nil {
		return Reading{}, fmt.Errorf("temperature %q: %w", parts[0], err)
	}
	if r.Humidity, err = strconv.ParseFloat(parts[1], 64); err != nil {
		return Reading{}, fmt.Errorf("humidity %q: %w", parts[1], err)
	}
	if r.SoilMoisture, err = strconv.Atoi(parts[2]); err != nil {
		return Reading{}, fmt.Errorf("soil moisture %q: %w", parts[2], err)
	}
	return r, nil
}

// Latest holds the most recent reading. Readers never block each other and
// a write always replaces the whole reading.
type Latest struct {
	mu      sync.RWMutex
	reading Reading
}

func (l *Latest) Set(r Reading) {
	l.mu.Lock()
	l.reading = r
	l.mu.Unlock()
}

// Get returns the zero reading until the first sample arrives.
func (l *Latest) Get() Reading {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reading
}
