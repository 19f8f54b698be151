package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"croprec/ml"
	"croprec/monitoring"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultTopK is the number of recommendations returned per request.
const DefaultTopK = 4

// SoilDefaults fill the soil chemistry features the field sensor cannot
// measure.
type SoilDefaults struct {
	Nitrogen   float64
	Phosphorus float64
	Potassium  float64
	PH         float64
}

func DefaultSoilDefaults() SoilDefaults {
	return SoilDefaults{Nitrogen: 50, Phosphorus: 50, Potassium: 50, PH: 6.5}
}

// PredictRequest is the inference input as decoded from JSON. Fields are left
// untyped so a missing value can be told apart from a non-numeric one.
type PredictRequest struct {
	Temperature any `json:"temperature"`
	Humidity    any `json:"humidity"`
	Rainfall    any `json:"rainfall"`

	// Soil moisture is reported by the sensor but is not a model feature.
	// Both spellings are accepted and ignored.
	SoilMoisture    any `json:"soilMoisture,omitempty"`
	SoilMoistureAlt any `json:"soil_moisture,omitempty"`
}

// NewPredictRequest builds a request from already-typed values.
func NewPredictRequest(temperature, humidity, rainfall float64) PredictRequest {
	return PredictRequest{Temperature: temperature, Humidity: humidity, Rainfall: rainfall}
}

// Recommendation 推荐结果. Probability is a percentage rounded to 2 decimals.
type Recommendation struct {
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
	Label       string  `json:"-"`
}

// Recommender is what request handlers depend on.
type Recommender interface {
	Predict(ctx context.Context, req PredictRequest) ([]Recommendation, error)
}

type weather struct {
	temperature, humidity, rainfall float64
}

// Predictor 推理器. It is immutable after construction and safe for
// concurrent use.
type Predictor struct {
	artifacts    *ml.Artifacts
	soil         SoilDefaults
	topK         int
	cacheSize    int
	displayNames []string
	cache        *lru.Cache[weather, []Recommendation]
	logger       *zap.Logger
}

// Option configures a Predictor.
type Option func(*Predictor)

func WithSoilDefaults(soil SoilDefaults) Option {
	return func(p *Predictor) { p.soil = soil }
}

func WithTopK(k int) Option {
	return func(p *Predictor) { p.topK = k }
}

// WithCacheSize bounds the result cache. Zero disables caching.
func WithCacheSize(n int) Option {
	return func(p *Predictor) { p.cacheSize = n }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Predictor) { p.logger = logger }
}

func NewPredictor(artifacts *ml.Artifacts, opts ...Option) (*Predictor, error) {
	if artifacts == nil || artifacts.Scaler == nil || artifacts.Model == nil || artifacts.Codec == nil {
		return nil, &ml.ConfigurationError{Op: "new predictor", Err: errors.New("incomplete artifact set")}
	}
	if artifacts.Codec.Len() != artifacts.Model.Classes() {
		return nil, &ml.ConfigurationError{
			Op:  "new predictor",
			Err: fmt.Errorf("codec has %d labels but model has %d classes", artifacts.Codec.Len(), artifacts.Model.Classes()),
		}
	}
	if err := ml.CheckFeatureNames("new predictor", artifacts.Scaler.Features); err != nil {
		return nil, err
	}

	p := &Predictor{
		artifacts: artifacts,
		soil:      DefaultSoilDefaults(),
		topK:      DefaultTopK,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.topK <= 0 {
		return nil, &ml.ConfigurationError{Op: "new predictor", Err: fmt.Errorf("top-k must be positive, got %d", p.topK)}
	}

	title := cases.Title(language.English)
	for _, label := range artifacts.Codec.Labels() {
		p.displayNames = append(p.displayNames, title.String(label))
	}

	if p.cacheSize > 0 {
		cache, err := lru.New[weather, []Recommendation](p.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create result cache: %w", err)
		}
		p.cache = cache
	}
	return p, nil
}

// Predict returns up to top-K crops for the given weather, most probable
// first. Input errors are *ml.InvalidInputError; anything else means the
// loaded artifacts cannot serve requests.
func (p *Predictor) Predict(ctx context.Context, req PredictRequest) ([]Recommendation, error) {
	start := time.Now()
	recs, err := p.predict(ctx, req)
	switch {
	case err == nil:
		monitoring.RecordPrediction(monitoring.OutcomeOK, time.Since(start))
	case ml.Kind(err) == ml.KindInvalidInput:
		monitoring.RecordPrediction(monitoring.OutcomeRejected, time.Since(start))
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		monitoring.RecordPrediction(monitoring.OutcomeCancelled, time.Since(start))
		p.logger.Debug("prediction cancelled", zap.Error(err))
	case ml.IsFatal(err):
		monitoring.RecordPrediction(monitoring.OutcomeError, time.Since(start))
		p.logger.Error("artifacts cannot serve predictions", zap.String("kind", ml.Kind(err)), zap.Error(err))
	default:
		monitoring.RecordPrediction(monitoring.OutcomeError, time.Since(start))
		p.logger.Error("prediction failed", zap.String("kind", ml.Kind(err)), zap.Error(err))
	}
	return recs, err
}

func (p *Predictor) predict(ctx context.Context, req PredictRequest) ([]Recommendation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in, err := req.weather()
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		if recs, ok := p.cache.Get(in); ok {
			monitoring.RecordCacheLookup(true)
			return slices.Clone(recs), nil
		}
		monitoring.RecordCacheLookup(false)
	}

	vector := ml.FeatureVector(ml.Sample{
		Nitrogen:    p.soil.Nitrogen,
		Phosphorus:  p.soil.Phosphorus,
		Potassium:   p.soil.Potassium,
		Temperature: in.temperature,
		Humidity:    in.humidity,
		PH:          p.soil.PH,
		Rainfall:    in.rainfall,
	})
	normalized, err := p.artifacts.Scaler.Transform(vector)
	if err != nil {
		return nil, err
	}
	dist, err := p.artifacts.Model.PredictProba(normalized)
	if err != nil {
		return nil, err
	}

	ranked := ml.Rank(dist, p.topK)
	recs := make([]Recommendation, 0, len(ranked))
	for _, r := range ranked {
		label, err := p.artifacts.Codec.Decode(r.ClassID)
		if err != nil {
			return nil, err
		}
		recs = append(recs, Recommendation{
			Name:        p.displayNames[r.ClassID],
			Probability: ml.Percent(r.Probability),
			Label:       label,
		})
	}

	if p.cache != nil {
		p.cache.Add(in, slices.Clone(recs))
	}
	return recs, nil
}

// Classes returns the crop labels the loaded model can recommend.
func (p *Predictor) Classes() []string {
	return p.artifacts.Codec.Labels()
}

// Values returns the validated temperature, humidity and rainfall.
func (r PredictRequest) Values() (temperature, humidity, rainfall float64, err error) {
	w, err := r.weather()
	return w.temperature, w.humidity, w.rainfall, err
}

func (r PredictRequest) weather() (weather, error) {
	var w weather
	var err error
	if w.temperature, err = numericField(ml.FeatureTemperature, r.Temperature); err != nil {
		return w, err
	}
	if w.humidity, err = numericField(ml.FeatureHumidity, r.Humidity); err != nil {
		return w, err
	}
	if w.rainfall, err = numericField(ml.FeatureRainfall, r.Rainfall); err != nil {
		return w, err
	}
	return w, nil
}

// numericField accepts JSON numbers and numeric strings. NaN and infinities
// are rejected whatever their encoding.
func numericField(field string, value any) (float64, error) {
	var f float64
	switch v := value.(type) {
	case nil:
		return 0, &ml.InvalidInputError{Field: field, Reason: "is required"}
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case int32:
		f = float64(v)
	case interface{ Float64() (float64, error) }:
		parsed, err := v.Float64()
		if err != nil {
			return 0, &ml.InvalidInputError{Field: field, Reason: "must be a number"}
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, &ml.InvalidInputError{Field: field, Reason: fmt.Sprintf("must be a number, got %q", v)}
		}
		f = parsed
	default:
		return 0, &ml.InvalidInputError{Field: field, Reason: fmt.Sprintf("must be a number, got %T", value)}
	}
	if !ml.IsFinite(f) {
		return 0, &ml.InvalidInputError{Field: field, Reason: "must be finite"}
	}
	return f, nil
}
