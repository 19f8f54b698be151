// Package pipeline 训练与推理流水线
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"croprec/ml"
	"croprec/monitoring"
	"go.uber.org/zap"
)

// Stage names one step of a training run.
type Stage string

const (
	StageLoadDataset   Stage = "LOAD_DATASET"
	StageEncodeLabels  Stage = "ENCODE_LABELS"
	StageSplit         Stage = "SPLIT"
	StageFitNormalizer Stage = "FIT_NORMALIZER"
	StageFitModel      Stage = "FIT_MODEL"
	StagePersist       Stage = "PERSIST"
	StageDone          Stage = "DONE"
)

// StageError wraps the failure that aborted a training run.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("training stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ValidationError 数据集校验失败
type ValidationError struct {
	Issues []QualityIssue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return e.Issues[0].Error()
	}
	return fmt.Sprintf("%s (and %d more issues)", e.Issues[0].Error(), len(e.Issues)-1)
}

// TrainingConfig 训练配置
type TrainingConfig struct {
	DatasetPath string
	ArtifactDir string
	TestRatio   float64
	Model       ml.ModelConfig
}

// TrainingReport 训练结果
type TrainingReport struct {
	ModelKind    string        `json:"model_kind"`
	Seed         int64         `json:"seed"`
	Samples      int           `json:"samples"`
	TrainSamples int           `json:"train_samples"`
	TestSamples  int           `json:"test_samples"`
	Classes      int           `json:"classes"`
	Accuracy     float64       `json:"accuracy"`
	ArtifactDir  string        `json:"artifact_dir"`
	Duration     time.Duration `json:"duration"`
	TrainedAt    time.Time     `json:"trained_at"`
}

// TrainingRecorder persists finished training runs.
type TrainingRecorder interface {
	RecordTraining(ctx context.Context, report TrainingReport) error
}

// Trainer 训练器
type Trainer struct {
	config    TrainingConfig
	validator *SampleValidator
	recorder  TrainingRecorder
	logger    *zap.Logger
}

// TrainerOption configures a Trainer.
type TrainerOption func(*Trainer)

func WithTrainingRecorder(r TrainingRecorder) TrainerOption {
	return func(t *Trainer) { t.recorder = r }
}

func WithSampleValidator(v *SampleValidator) TrainerOption {
	return func(t *Trainer) { t.validator = v }
}

func NewTrainer(config TrainingConfig, logger *zap.Logger, opts ...TrainerOption) *Trainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Trainer{
		config:    config,
		validator: NewSampleValidator(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// trainingRun carries stage outputs forward. Each stage reads only what
// earlier stages produced.
type trainingRun struct {
	dataset *ml.Dataset
	codec   *ml.LabelCodec
	labels  []int

	trainX, testX [][]float64
	trainY, testY []int

	scaler   *ml.MinMaxScaler
	model    ml.Classifier
	accuracy float64
}

type stage struct {
	name Stage
	run  func(ctx context.Context, r *trainingRun) error
}

func (t *Trainer) stages() []stage {
	return []stage{
		{StageLoadDataset, t.loadDataset},
		{StageEncodeLabels, t.encodeLabels},
		{StageSplit, t.split},
		{StageFitNormalizer, t.fitNormalizer},
		{StageFitModel, t.fitModel},
		{StagePersist, t.persist},
	}
}

// Run executes every stage in order. The first failure aborts the run and is
// returned as a *StageError; artifacts on disk are only replaced by a run that
// reaches DONE.
func (t *Trainer) Run(ctx context.Context) (*TrainingReport, error) {
	start := time.Now()
	run := &trainingRun{}

	for _, s := range t.stages() {
		if err := ctx.Err(); err != nil {
			return nil, t.fail(s.name, err)
		}
		stageStart := time.Now()
		if err := s.run(ctx, run); err != nil {
			return nil, t.fail(s.name, err)
		}
		t.logger.Info("training stage complete",
			zap.String("stage", string(s.name)),
			zap.Duration("duration", time.Since(stageStart)))
	}

	report := TrainingReport{
		ModelKind:    t.modelKind(),
		Seed:         t.config.Model.Seed,
		Samples:      run.dataset.Len(),
		TrainSamples: len(run.trainY),
		TestSamples:  len(run.testY),
		Classes:      run.codec.Len(),
		Accuracy:     run.accuracy,
		ArtifactDir:  t.config.ArtifactDir,
		Duration:     time.Since(start),
		TrainedAt:    start.UTC(),
	}
	monitoring.TrainingRunsTotal.WithLabelValues(monitoring.OutcomeOK).Inc()
	t.logger.Info("training complete",
		zap.String("stage", string(StageDone)),
		zap.String("model", report.ModelKind),
		zap.Int("samples", report.Samples),
		zap.Int("classes", report.Classes),
		zap.Float64("accuracy", report.Accuracy),
		zap.Duration("duration", report.Duration))

	if t.recorder != nil {
		if err := t.recorder.RecordTraining(ctx, report); err != nil {
			t.logger.Warn("failed to record training run", zap.Error(err))
		}
	}
	return &report, nil
}

func (t *Trainer) fail(stage Stage, err error) error {
	monitoring.TrainingRunsTotal.WithLabelValues(monitoring.OutcomeError).Inc()
	t.logger.Error("training failed", zap.String("stage", string(stage)), zap.Error(err))
	return &StageError{Stage: stage, Err: err}
}

func (t *Trainer) modelKind() string {
	if t.config.Model.Kind == "" {
		return ml.KindRandomForest
	}
	return t.config.Model.Kind
}

func (t *Trainer) loadDataset(_ context.Context, r *trainingRun) error {
	dataset, err := ml.LoadDataset(t.config.DatasetPath)
	if err != nil {
		return fmt.Errorf("load %s: %w", t.config.DatasetPath, err)
	}
	if issues := t.validator.Validate(dataset); len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	r.dataset = dataset
	return nil
}

func (t *Trainer) encodeLabels(_ context.Context, r *trainingRun) error {
	codec, err := ml.FitLabelCodec(r.dataset.Labels)
	if err != nil {
		return err
	}
	labels, err := codec.EncodeAll(r.dataset.Labels)
	if err != nil {
		return err
	}
	r.codec = codec
	r.labels = labels
	return nil
}

func (t *Trainer) split(_ context.Context, r *trainingRun) error {
	r.trainX, r.trainY, r.testX, r.testY = ml.SplitDataset(
		r.dataset.Features, r.labels, t.config.TestRatio, t.config.Model.Seed)
	if len(r.trainX) == 0 {
		return errors.New("training split is empty")
	}
	return nil
}

// fitNormalizer learns min/max from the training split only, then rescales
// both splits with it.
func (t *Trainer) fitNormalizer(_ context.Context, r *trainingRun) error {
	scaler, err := ml.FitScaler(r.trainX)
	if err != nil {
		return err
	}
	if r.trainX, err = scaler.TransformAll(r.trainX); err != nil {
		return err
	}
	if len(r.testX) > 0 {
		if r.testX, err = scaler.TransformAll(r.testX); err != nil {
			return err
		}
	}
	r.scaler = scaler
	return nil
}

func (t *Trainer) fitModel(ctx context.Context, r *trainingRun) error {
	model, err := ml.NewClassifier(t.config.Model)
	if err != nil {
		return err
	}
	if err := model.Fit(ctx, r.trainX, r.trainY, r.codec.Len()); err != nil {
		return err
	}
	r.model = model
	return t.evaluate(r)
}

// evaluate scores the held-out split. With no held-out samples accuracy stays 0.
func (t *Trainer) evaluate(r *trainingRun) error {
	if len(r.testX) == 0 {
		t.logger.Warn("no held-out samples, skipping evaluation")
		return nil
	}
	correct := 0
	for i, x := range r.testX {
		dist, err := r.model.PredictProba(x)
		if err != nil {
			return err
		}
		if top := ml.Rank(dist, 1); len(top) == 1 && top[0].ClassID == r.testY[i] {
			correct++
		}
	}
	r.accuracy = float64(correct) / float64(len(r.testX))
	return nil
}

func (t *Trainer) persist(_ context.Context, r *trainingRun) error {
	return ml.SaveArtifacts(t.config.ArtifactDir, &ml.Artifacts{
		Scaler: r.scaler,
		Model:  r.model,
		Codec:  r.codec,
	})
}
