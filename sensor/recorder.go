package sensor

import (
	"context"
	"sync"
	"time"

	"croprec/monitoring"
	"go.uber.org/zap"
)

// ReadingStore persists batches of readings.
type ReadingStore interface {
	SaveReadings(ctx context.Context, readings []Reading) error
}

// RecorderConfig 批量写入配置
type RecorderConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
}

// RecorderStats 写入统计
type RecorderStats struct {
	TotalReadings  int64     `json:"total_readings"`
	FailedReadings int64     `json:"failed_readings"`
	BatchesWritten int64     `json:"batches_written"`
	LastFlush      time.Time `json:"last_flush"`
}

// Recorder buffers readings and writes them in batches, either when the
// buffer is full or when the flush interval elapses.
type Recorder struct {
	config RecorderConfig
	store  ReadingStore
	logger *zap.Logger

	buffer     []Reading
	bufferLock sync.Mutex
	full       chan struct{}

	stats     RecorderStats
	statsLock sync.RWMutex
}

// NewRecorder 创建批量写入器
func NewRecorder(config RecorderConfig, store ReadingStore, logger *zap.Logger) *Recorder {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 10 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		config: config,
		store:  store,
		logger: logger,
		buffer: make([]Reading, 0, config.BatchSize),
		full:   make(chan struct{}, 1),
	}
}

// Add queues a reading. It never blocks on the store.
func (r *Recorder) Add(reading Reading) {
	r.bufferLock.Lock()
	r.buffer = append(r.buffer, reading)
	full := len(r.buffer) >= r.config.BatchSize
	r.bufferLock.Unlock()

	r.statsLock.Lock()
	r.stats.TotalReadings++
	r.statsLock.Unlock()

	if full {
		select {
		case r.full <- struct{}{}:
		default:
		}
	}
}

// Run flushes until ctx is done, then writes whatever is left.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := r.Flush(final)
			cancel()
			if err != nil {
				r.logger.Error("final flush failed", zap.Error(err))
			}
			return nil
		case <-ticker.C:
		case <-r.full:
		}
		if err := r.Flush(ctx); err != nil {
			r.logger.Error("failed to save sensor readings", zap.Error(err))
		}
	}
}

// Flush writes the buffered readings, retrying with a linear backoff.
// Readings from a batch that still fails are dropped and counted.
func (r *Recorder) Flush(ctx context.Context) error {
	r.bufferLock.Lock()
	batch := r.buffer
	r.buffer = make([]Reading, 0, r.config.BatchSize)
	r.bufferLock.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := r.save(ctx, batch)
	if err != nil {
		monitoring.RecorderFlushesTotal.WithLabelValues(monitoring.OutcomeError).Inc()
		r.statsLock.Lock()
		r.stats.FailedReadings += int64(len(batch))
		r.statsLock.Unlock()
		return err
	}

	monitoring.RecorderFlushesTotal.WithLabelValues(monitoring.OutcomeOK).Inc()
	r.statsLock.Lock()
	r.stats.BatchesWritten++
	r.stats.LastFlush = time.Now()
	r.statsLock.Unlock()

	r.logger.Debug("flushed sensor readings", zap.Int("count", len(batch)))
	return nil
}

func (r *Recorder) save(ctx context.Context, batch []Reading) error {
	for retry := 0; ; retry++ {
		err := r.store.SaveReadings(ctx, batch)
		if err == nil || retry == r.config.MaxRetries-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(retry+1) * r.config.RetryDelay):
		}
	}
}

// GetStats 获取统计信息
func (r *Recorder) GetStats() RecorderStats {
	r.statsLock.RLock()
	defer r.statsLock.RUnlock()
	return r.stats
}
