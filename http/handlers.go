package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"croprec/db"
	"croprec/ml"
	"croprec/pipeline"
	"croprec/sensor"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	banner = "🌱 Crop Recommendation API is running!"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	storeTimeout        = 2 * time.Second
)

// Store is the persistence the handlers read history from. Predictions are
// saved best effort.
type Store interface {
	Ping(ctx context.Context) error
	RecentReadings(ctx context.Context, limit int) ([]sensor.Reading, error)
	SavePrediction(ctx context.Context, p db.PredictionRecord) error
	RecentPredictions(ctx context.Context, limit int) ([]db.PredictionRecord, error)
	LoadTrainingLog(ctx context.Context) ([]db.TrainingLog, error)
}

// Handler holds what the routes depend on. Store and Hub are optional; their
// routes are not registered when nil.
type Handler struct {
	Recommender pipeline.Recommender
	Latest      *sensor.Latest
	Store       Store
	Hub         http.Handler
	Logger      *zap.Logger
}

// Register 注册所有处理器
func (h *Handler) Register(mux *http.ServeMux) {
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	if h.Latest == nil {
		h.Latest = &sensor.Latest{}
	}

	mux.HandleFunc("GET /{$}", h.handleHome)
	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("POST /predict", h.handlePredict)
	mux.HandleFunc("POST /api/predict", h.handlePredict)
	mux.HandleFunc("GET /sensor-data", h.handleSensorData)
	mux.Handle("GET /metrics", promhttp.Handler())

	if h.Store != nil {
		mux.HandleFunc("GET /api/sensor/history", h.handleSensorHistory)
		mux.HandleFunc("GET /api/predictions", h.handlePredictions)
		mux.HandleFunc("GET /api/training", h.handleTrainingLog)
	}
	if h.Hub != nil {
		mux.Handle("GET /api/ws/sensor", h.Hub)
	}
}

func (h *Handler) handleHome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(banner))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			h.Logger.Warn("health check: database unreachable", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handlePredict(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errorBody{Kind: ml.KindInvalidInput, Message: "request body too large"})
			return
		}
		writeError(w, http.StatusBadRequest, errorBody{Kind: ml.KindInvalidInput, Message: "read body: " + err.Error()})
		return
	}
	var req pipeline.PredictRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Kind: ml.KindInvalidInput, Message: "malformed JSON body: " + err.Error()})
		return
	}

	recs, err := h.Recommender.Predict(r.Context(), req)
	if err != nil {
		h.writePredictError(w, r, err)
		return
	}

	h.savePrediction(r, req, recs)
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) writePredictError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Kind: ml.Kind(err), Message: err.Error()}
	var inputErr *ml.InvalidInputError
	if errors.As(err, &inputErr) {
		body.Field = inputErr.Field
		writeError(w, http.StatusBadRequest, body)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusServiceUnavailable, errorBody{Kind: ml.KindInternal, Message: "request cancelled"})
		return
	}
	h.Logger.Error("predict failed",
		zap.String("request_id", GetRequestID(r.Context())),
		zap.String("kind", body.Kind),
		zap.Error(err),
	)
	if ml.IsFatal(err) {
		// Details of a broken artifact set stay in the log.
		body.Message = "model artifacts cannot serve predictions"
	}
	writeError(w, http.StatusInternalServerError, body)
}

func (h *Handler) savePrediction(r *http.Request, req pipeline.PredictRequest, recs []pipeline.Recommendation) {
	if h.Store == nil || len(recs) == 0 {
		return
	}
	temperature, humidity, rainfall, err := req.Values()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), storeTimeout)
	defer cancel()

	record := db.PredictionRecord{
		RequestID:   GetRequestID(r.Context()),
		Temperature: temperature,
		Humidity:    humidity,
		Rainfall:    rainfall,
		Results:     recs,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.Store.SavePrediction(ctx, record); err != nil {
		h.Logger.Warn("save prediction failed", zap.String("request_id", record.RequestID), zap.Error(err))
	}
}

func (h *Handler) handleSensorData(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Latest.Get())
}

func (h *Handler) handleSensorHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	readings, err := h.Store.RecentReadings(r.Context(), limit)
	if err != nil {
		h.Logger.Error("load sensor history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorBody{Kind: ml.KindInternal, Message: "failed to load sensor history"})
		return
	}

	type historyItem struct {
		sensor.Reading
		ReceivedAt time.Time `json:"receivedAt"`
	}
	items := make([]historyItem, len(readings))
	for i, reading := range readings {
		items[i] = historyItem{Reading: reading, ReceivedAt: reading.ReceivedAt}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handlePredictions(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	records, err := h.Store.RecentPredictions(r.Context(), limit)
	if err != nil {
		h.Logger.Error("load prediction history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorBody{Kind: ml.KindInternal, Message: "failed to load predictions"})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handleTrainingLog(w http.ResponseWriter, r *http.Request) {
	logs, err := h.Store.LoadTrainingLog(r.Context())
	if err != nil {
		h.Logger.Error("load training log failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorBody{Kind: ml.KindInternal, Message: "failed to load training log"})
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return defaultHistoryLimit, true
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, errorBody{Kind: ml.KindInvalidInput, Field: "limit", Message: "limit must be a positive integer"})
		return 0, false
	}
	return min(limit, maxHistoryLimit), true
}

type errorBody struct {
	Kind    string `json:"kind"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
