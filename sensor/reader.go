package sensor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"time"

	"croprec/monitoring"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

// Opener opens the serial device. Tests substitute an in-memory stream.
type Opener func(port string, baudRate int) (io.ReadCloser, error)

// SerialOpener opens a real serial port in 8N1 mode.
func SerialOpener(port string, baudRate int) (io.ReadCloser, error) {
	return serial.Open(port, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

// ReaderConfig 串口配置
type ReaderConfig struct {
	Port              string
	BaudRate          int
	ReconnectInterval time.Duration
}

// Reader 串口读取器. It keeps the port open, parses each line into a
// Reading and hands it to the latest-reading cache and every subscriber.
type Reader struct {
	config      ReaderConfig
	open        Opener
	latest      *Latest
	subscribers []func(Reading)
	logger      *zap.Logger
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

func WithOpener(open Opener) ReaderOption {
	return func(r *Reader) { r.open = open }
}

func NewReader(config ReaderConfig, latest *Latest, logger *zap.Logger, opts ...ReaderOption) *Reader {
	if config.BaudRate == 0 {
		config.BaudRate = 9600
	}
	if config.ReconnectInterval == 0 {
		config.ReconnectInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reader{
		config: config,
		open:   SerialOpener,
		latest: latest,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers fn for every accepted reading. It must be called before
// Run; fn runs on the reader goroutine and should not block.
func (r *Reader) Subscribe(fn func(Reading)) {
	r.subscribers = append(r.subscribers, fn)
}

// Run reads until ctx is done, reopening the port after every failure.
func (r *Reader) Run(ctx context.Context) error {
	for {
		port, err := r.open(r.config.Port, r.config.BaudRate)
		if err != nil {
			r.logger.Warn("could not open serial port, is the board connected?",
				zap.String("port", r.config.Port), zap.Error(err))
		} else {
			r.logger.Info("connected to sensor board", zap.String("port", r.config.Port))
			monitoring.SerialConnected.Set(1)
			err = r.readLines(ctx, port)
			monitoring.SerialConnected.Set(0)
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("serial link lost", zap.String("port", r.config.Port), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.config.ReconnectInterval):
		}
	}
}

func (r *Reader) readLines(ctx context.Context, port io.ReadCloser) error {
	// Closing the port is the only way to unblock a pending Read.
	stop := context.AfterFunc(ctx, func() { port.Close() })
	defer func() {
		if stop() {
			port.Close()
		}
	}()

	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		r.handleLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (r *Reader) handleLine(line string) {
	reading, err := ParseLine(line)
	switch {
	case err == nil:
	case errors.Is(err, ErrIgnored):
		monitoring.SensorReadingsTotal.WithLabelValues("ignored").Inc()
		return
	case errors.Is(err, ErrWarmup):
		monitoring.SensorReadingsTotal.WithLabelValues("warmup").Inc()
		return
	default:
		monitoring.SensorReadingsTotal.WithLabelValues("malformed").Inc()
		r.logger.Warn("error reading serial", zap.String("line", line), zap.Error(err))
		return
	}

	reading.ReceivedAt = time.Now().UTC()
	monitoring.SensorReadingsTotal.WithLabelValues("ok").Inc()
	r.latest.Set(reading)
	r.logger.Debug("sensor reading",
		zap.Float64("temperature", reading.Temperature),
		zap.Float64("humidity", reading.Humidity),
		zap.Int("soil_moisture", reading.SoilMoisture))
	for _, fn := range r.subscribers {
		fn(reading)
	}
}
