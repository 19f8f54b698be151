package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"croprec/ml"
	"croprec/monitoring"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce absorbs the burst of rename events a single artifact swap
// produces.
const reloadDebounce = 500 * time.Millisecond

// BuildFunc turns a freshly loaded artifact set into a predictor.
type BuildFunc func(*ml.Artifacts) (*Predictor, error)

// Reloader 模型热加载. It serves requests from the current predictor and
// swaps in a new one when the artifact directory is replaced. Requests
// already running keep the predictor they started with.
type Reloader struct {
	dir     string
	build   BuildFunc
	current atomic.Pointer[Predictor]
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewReloader loads dir once. A failure here is fatal for the caller; later
// reload failures keep the previous predictor.
func NewReloader(dir string, build BuildFunc, logger *zap.Logger) (*Reloader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reloader{
		dir:    filepath.Clean(dir),
		build:  build,
		logger: logger,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reloader) Predict(ctx context.Context, req PredictRequest) ([]Recommendation, error) {
	return r.current.Load().Predict(ctx, req)
}

func (r *Reloader) Current() *Predictor {
	return r.current.Load()
}

// Reload loads the artifact directory and publishes a new predictor.
func (r *Reloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	artifacts, err := ml.LoadArtifacts(r.dir)
	if err != nil {
		monitoring.ArtifactReloadsTotal.WithLabelValues(monitoring.OutcomeError).Inc()
		return fmt.Errorf("load artifacts from %s: %w", r.dir, err)
	}
	predictor, err := r.build(artifacts)
	if err != nil {
		monitoring.ArtifactReloadsTotal.WithLabelValues(monitoring.OutcomeError).Inc()
		return err
	}
	r.current.Store(predictor)
	monitoring.ArtifactReloadsTotal.WithLabelValues(monitoring.OutcomeOK).Inc()
	r.logger.Info("artifacts loaded",
		zap.String("dir", r.dir),
		zap.Int("classes", artifacts.Codec.Len()))
	return nil
}

// Watch reloads after the artifact directory is swapped until ctx is done.
// The parent directory is watched because a training run replaces dir with
// a rename.
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(r.dir)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(r.dir), err)
	}
	r.logger.Info("watching artifacts", zap.String("dir", r.dir))

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != r.dir || !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			reload = time.After(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("artifact watcher error", zap.Error(err))
		case <-reload:
			reload = nil
			if err := r.Reload(); err != nil {
				r.logger.Error("artifact reload failed, keeping previous model", zap.Error(err))
			}
		}
	}
}
