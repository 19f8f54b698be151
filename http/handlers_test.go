package http

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"croprec/db"
	"croprec/ml"
	"croprec/monitoring"
	"croprec/pipeline"
	"croprec/sensor"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type fakeRecommender struct {
	recs []pipeline.Recommendation
	err  error
}

func (f *fakeRecommender) Predict(_ context.Context, req pipeline.PredictRequest) ([]pipeline.Recommendation, error) {
	if _, _, _, err := req.Values(); err != nil {
		return nil, err
	}
	return f.recs, f.err
}

type fakeStore struct {
	mu          sync.Mutex
	pingErr     error
	readings    []sensor.Reading
	predictions []db.PredictionRecord
	training    []db.TrainingLog
	trainingErr error
	lastLimit   int
}

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

func (s *fakeStore) RecentReadings(_ context.Context, limit int) ([]sensor.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLimit = limit
	return s.readings, nil
}

func (s *fakeStore) SavePrediction(_ context.Context, p db.PredictionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.predictions = append(s.predictions, p)
	return nil
}

func (s *fakeStore) RecentPredictions(_ context.Context, limit int) ([]db.PredictionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLimit = limit
	return s.predictions, nil
}

func (s *fakeStore) LoadTrainingLog(context.Context) ([]db.TrainingLog, error) {
	return s.training, s.trainingErr
}

var sampleRecs = []pipeline.Recommendation{
	{Name: "Rice", Probability: 81.5, Label: "rice"},
	{Name: "Jute", Probability: 10.25, Label: "jute"},
	{Name: "Coconut", Probability: 5.25, Label: "coconut"},
	{Name: "Papaya", Probability: 3, Label: "papaya"},
}

func newTestServer(t *testing.T, h *Handler) http.Handler {
	t.Helper()
	config := DefaultServerConfig()
	config.MaxBodyBytes = 256
	return NewServer(config, h, zap.NewNop()).server.Handler
}

func doRequest(handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var payload map[string]errorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid error json %q: %v", rr.Body.String(), err)
	}
	return payload["error"]
}

func TestHealthHandler(t *testing.T) {
	handler := newTestServer(t, &Handler{Recommender: &fakeRecommender{}})

	rr := doRequest(handler, http.MethodGet, "/api/health", "")
	if rr.Code != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	expected := `{"status":"ok"}`
	if strings.TrimSpace(rr.Body.String()) != expected {
		t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), expected)
	}
}

func TestHealthHandlerDatabaseDown(t *testing.T) {
	store := &fakeStore{pingErr: errors.New("disk I/O error")}
	handler := newTestServer(t, &Handler{Recommender: &fakeRecommender{}, Store: store})

	rr := doRequest(handler, http.MethodGet, "/api/health", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestHomeBanner(t *testing.T) {
	handler := newTestServer(t, &Handler{Recommender: &fakeRecommender{}})

	rr := doRequest(handler, http.MethodGet, "/", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "Crop Recommendation API") {
		t.Fatalf("unexpected banner response: %d %q", rr.Code, rr.Body.String())
	}
	if rr := doRequest(handler, http.MethodGet, "/nope", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", rr.Code)
	}
}

func TestHandlePredict(t *testing.T) {
	store := &fakeStore{}
	handler := newTestServer(t, &Handler{Recommender: &fakeRecommender{recs: sampleRecs}, Store: store})

	for _, path := range []string{"/predict", "/api/predict"} {
		t.Run(path, func(t *testing.T) {
			rr := doRequest(handler, http.MethodPost, path,
				`{"temperature": 24, "humidity": "82", "rainfall": 220.5, "soilMoisture": 310}`)
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
			}

			var payload []map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
				t.Fatalf("invalid json: %v", err)
			}
			if len(payload) != 4 {
				t.Fatalf("expected 4 recommendations, got %d", len(payload))
			}
			if payload[0]["name"] != "Rice" || payload[0]["probability"] != 81.5 {
				t.Fatalf("unexpected first recommendation: %v", payload[0])
			}
			if _, ok := payload[0]["Label"]; ok {
				t.Fatalf("label must not be serialized: %v", payload[0])
			}
		})
	}

	if len(store.predictions) != 2 {
		t.Fatalf("expected 2 saved predictions, got %d", len(store.predictions))
	}
	saved := store.predictions[0]
	if saved.RequestID == "" || saved.Humidity != 82 || saved.Rainfall != 220.5 {
		t.Fatalf("unexpected saved prediction: %+v", saved)
	}
}

func TestHandlePredictRequestIDEcho(t *testing.T) {
	store := &fakeStore{}
	handler := newTestServer(t, &Handler{Recommender: &fakeRecommender{recs: sampleRecs}, Store: store})

	req := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(`{"temperature":1,"humidity":2,"rainfall":3}`))
	req.Header.Set(RequestIDHeader, "abc-123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
	if store.predictions[0].RequestID != "abc-123" {
		t.Fatalf("saved prediction has request id %q", store.predictions[0].RequestID)
	}
}

func TestHandlePredictErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		err       error
		wantCode  int
		wantKind  string
		wantField string
	}{
		{"missing field", `{"temperature": 24, "humidity": 82}`, nil, http.StatusBadRequest, ml.KindInvalidInput, "rainfall"},
		{"non numeric", `{"temperature": "warm", "humidity": 82, "rainfall": 200}`, nil, http.StatusBadRequest, ml.KindInvalidInput, "temperature"},
		{"boolean", `{"temperature": 24, "humidity": true, "rainfall": 200}`, nil, http.StatusBadRequest, ml.KindInvalidInput, "humidity"},
		{"malformed body", `{"temperature": `, nil, http.StatusBadRequest, ml.KindInvalidInput, ""},
		{"null body", `null`, nil, http.StatusBadRequest, ml.KindInvalidInput, "temperature"},
		{"too large", `{"temperature": "` + strings.Repeat("9", 300) + `"}`, nil, http.StatusRequestEntityTooLarge, ml.KindInvalidInput, ""},
		{"configuration", `{"temperature": 24, "humidity": 82, "rainfall": 200}`,
			&ml.ConfigurationError{Op: "load artifacts", Err: errors.New("scaler.json missing")},
			http.StatusInternalServerError, ml.KindConfiguration, ""},
		{"unknown id", `{"temperature": 24, "humidity": 82, "rainfall": 200}`,
			&ml.UnknownIDError{ID: 30, Classes: 22},
			http.StatusInternalServerError, ml.KindUnknownID, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			handler := newTestServer(t, &Handler{Recommender: &fakeRecommender{recs: sampleRecs, err: tt.err}, Store: store})

			rr := doRequest(handler, http.MethodPost, "/predict", tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rr.Code, rr.Body.String())
			}
			body := decodeError(t, rr)
			if body.Kind != tt.wantKind || body.Field != tt.wantField {
				t.Fatalf("unexpected error body: %+v", body)
			}
			if ml.IsFatal(tt.err) && body.Message != "model artifacts cannot serve predictions" {
				t.Fatalf("artifact error details leaked: %q", body.Message)
			}
			if len(store.predictions) != 0 {
				t.Fatalf("failed prediction must not be saved")
			}
		})
	}
}

func TestSensorData(t *testing.T) {
	latest := &sensor.Latest{}
	handler := newTestServer(t, &Handler{Recommender: &fakeRecommender{}, Latest: latest})

	rr := doRequest(handler, http.MethodGet, "/sensor-data", "")
	if strings.TrimSpace(rr.Body.String()) != `{"temperature":0,"humidity":0,"soilMoisture":0}` {
		t.Fatalf("unexpected initial reading: %s", rr.Body.String())
	}

	latest.Set(sensor.Reading{Temperature: 23.4, Humidity: 61, SoilMoisture: 512, ReceivedAt: time.Now()})
	rr = doRequest(handler, http.MethodGet, "/sensor-data", "")
	if strings.TrimSpace(rr.Body.String()) != `{"temperature":23.4,"humidity":61,"soilMoisture":512}` {
		t.Fatalf("unexpected reading: %s", rr.Body.String())
	}
}

func TestHistoryRoutes(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{
		readings: []sensor.Reading{{Temperature: 21, Humidity: 40, SoilMoisture: 300, ReceivedAt: at}},
		predictions: []db.PredictionRecord{{
			RequestID: "req-1", Temperature: 24, Humidity: 82, Rainfall: 220,
			Results: sampleRecs[:1], CreatedAt: at,
		}},
	}
	handler := newTestServer(t, &Handler{Recommender: &fakeRecommender{}, Store: store})

	rr := doRequest(handler, http.MethodGet, "/api/sensor/history?limit=5", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	expected := `[{"temperature":21,"humidity":40,"soilMoisture":300,"receivedAt":"2024-06-01T12:00:00Z"}]`
	if strings.TrimSpace(rr.Body.String()) != expected {
		t.Fatalf("unexpected history: %s", rr.Body.String())
	}
	if store.lastLimit != 5 {
		t.Fatalf("expected limit 5, got %d", store.lastLimit)
	}

	rr = doRequest(handler, http.MethodGet, "/api/predictions?limit=100000", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if store.lastLimit != maxHistoryLimit {
		t.Fatalf("expected limit to be capped at %d, got %d", maxHistoryLimit, store.lastLimit)
	}
	var records []db.PredictionRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &records); err != nil || len(records) != 1 {
		t.Fatalf("unexpected predictions payload %s: %v", rr.Body.String(), err)
	}

	doRequest(handler, http.MethodGet, "/api/predictions", "")
	if store.lastLimit != defaultHistoryLimit {
		t.Fatalf("expected default limit, got %d", store.lastLimit)
	}

	rr = doRequest(handler, http.MethodGet, "/api/sensor/history?limit=abc", "")
	if rr.Code != http.StatusBadRequest || decodeError(t, rr).Field != "limit" {
		t.Fatalf("expected limit validation error, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestTrainingLogRoute(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{training: []db.TrainingLog{{
		ModelName: "random_forest", Seed: 42, Accuracy: 0.99, Classes: 22,
		DataPoints: 2200, TestPoints: 440, Duration: time.Second, TrainedAt: at,
	}}}
	handler := newTestServer(t, &Handler{Recommender: &fakeRecommender{}, Store: store})

	rr := doRequest(handler, http.MethodGet, "/api/training", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var logs []db.TrainingLog
	if err := json.Unmarshal(rr.Body.Bytes(), &logs); err != nil {
		t.Fatalf("invalid training json %q: %v", rr.Body.String(), err)
	}
	if len(logs) != 1 || logs[0].ModelName != "random_forest" || logs[0].Duration != time.Second || !logs[0].TrainedAt.Equal(at) {
		t.Fatalf("unexpected training log: %+v", logs)
	}

	store.trainingErr = errors.New("no such table")
	rr = doRequest(handler, http.MethodGet, "/api/training", "")
	if rr.Code != http.StatusInternalServerError || decodeError(t, rr).Kind != ml.KindInternal {
		t.Fatalf("expected internal error, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestHistoryRoutesWithoutStore(t *testing.T) {
	handler := newTestServer(t, &Handler{Recommender: &fakeRecommender{}})

	if rr := doRequest(handler, http.MethodGet, "/api/sensor/history", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a store, got %d", rr.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := newTestServer(t, &Handler{Recommender: &fakeRecommender{}})

	req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := Chain(RecoveryMiddleware(zap.NewNop()), LoggerMiddleware(zap.NewNop()))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))

	rr := doRequest(handler, http.MethodGet, "/", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if decodeError(t, rr).Kind != ml.KindInternal {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestMetricsRoute(t *testing.T) {
	handler := newTestServer(t, &Handler{Recommender: &fakeRecommender{recs: sampleRecs}})
	doRequest(handler, http.MethodPost, "/predict", `{"temperature":1,"humidity":2,"rainfall":3}`)

	rr := doRequest(handler, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "croprec_http_requests_total") {
		t.Fatalf("metrics output is missing http request counter")
	}
}

func TestWebsocketThroughMiddleware(t *testing.T) {
	hub := monitoring.NewHub([]string{"*"}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := httptest.NewServer(newTestServer(t, &Handler{Recommender: &fakeRecommender{}, Hub: hub}))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/api/ws/sensor", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := hub.Publish(monitoring.SensorReading, sensor.Reading{Temperature: 20, Humidity: 50, SoilMoisture: 400}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Contains(payload, []byte(`"soilMoisture":400`)) {
		t.Fatalf("unexpected message %s", payload)
	}
}

func TestServerServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	server := NewServer(DefaultServerConfig(), &Handler{Recommender: &fakeRecommender{}}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
