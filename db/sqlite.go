// Package db persists sensor history, predictions and training runs in SQLite.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"croprec/pipeline"
	"croprec/sensor"
	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sensor_readings (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        temperature REAL NOT NULL,
        humidity REAL NOT NULL,
        soil_moisture INTEGER NOT NULL,
        received_at INTEGER NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS predictions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        request_id TEXT NOT NULL,
        temperature REAL NOT NULL,
        humidity REAL NOT NULL,
        rainfall REAL NOT NULL,
        top_crop TEXT NOT NULL,
        results TEXT NOT NULL,
        created_at INTEGER NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_name TEXT NOT NULL,
        seed INTEGER NOT NULL,
        accuracy REAL NOT NULL,
        classes INTEGER NOT NULL,
        data_points INTEGER NOT NULL,
        test_points INTEGER NOT NULL,
        duration_ms INTEGER NOT NULL,
        trained_at INTEGER NOT NULL
    )`,
}

var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_readings_received ON sensor_readings(received_at)`,
	`CREATE INDEX IF NOT EXISTS idx_predictions_created ON predictions(created_at)`,
}

var (
	_ sensor.ReadingStore       = (*Store)(nil)
	_ pipeline.TrainingRecorder = (*Store)(nil)
)

// Store 存储. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	preparedStmts map[string]*sql.Stmt
	stmtLock      sync.Mutex
}

// Open creates the database file and schema if needed.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{
		db:            db,
		logger:        logger,
		preparedStmts: make(map[string]*sql.Stmt),
	}
	for _, query := range schema {
		if _, err := db.Exec(query); err != nil {
			db.Close()
			return nil, fmt.Errorf("create tables failed: %w", err)
		}
	}
	for _, query := range indexes {
		if _, err := db.Exec(query); err != nil {
			logger.Warn("create index failed", zap.Error(err))
		}
	}
	return s, nil
}

func (s *Store) Close() error {
	s.stmtLock.Lock()
	for query, stmt := range s.preparedStmts {
		if err := stmt.Close(); err != nil {
			s.logger.Warn("failed to close statement", zap.Error(err))
		}
		delete(s.preparedStmts, query)
	}
	s.stmtLock.Unlock()
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) stmt(ctx context.Context, query string) (*sql.Stmt, error) {
	s.stmtLock.Lock()
	defer s.stmtLock.Unlock()

	if stmt, ok := s.preparedStmts[query]; ok {
		return stmt, nil
	}
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	s.preparedStmts[query] = stmt
	return stmt, nil
}

// SaveReadings inserts a batch in one transaction.
func (s *Store) SaveReadings(ctx context.Context, readings []sensor.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	stmt, err := s.stmt(ctx, `INSERT INTO sensor_readings
        (temperature, humidity, soil_moisture, received_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	txStmt := tx.StmtContext(ctx, stmt)
	for _, r := range readings {
		if _, err := txStmt.ExecContext(ctx, r.Temperature, r.Humidity, r.SoilMoisture, r.ReceivedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert reading failed: %w", err)
		}
	}
	return tx.Commit()
}

// RecentReadings returns up to limit readings, newest first.
func (s *Store) RecentReadings(ctx context.Context, limit int) ([]sensor.Reading, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT temperature, humidity, soil_moisture, received_at
        FROM sensor_readings
        ORDER BY received_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	readings := make([]sensor.Reading, 0)
	for rows.Next() {
		var r sensor.Reading
		var receivedAt int64
		if err := rows.Scan(&r.Temperature, &r.Humidity, &r.SoilMoisture, &receivedAt); err != nil {
			return nil, err
		}
		r.ReceivedAt = time.UnixMilli(receivedAt).UTC()
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// PruneReadings deletes readings received before cutoff.
func (s *Store) PruneReadings(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sensor_readings WHERE received_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RunRetention prunes readings older than maxAge every interval until ctx is
// done. A zero maxAge keeps everything.
func (s *Store) RunRetention(ctx context.Context, maxAge, interval time.Duration) error {
	if maxAge <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.PruneReadings(ctx, time.Now().Add(-maxAge))
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Warn("prune sensor readings failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				s.logger.Info("pruned sensor readings", zap.Int64("count", n))
			}
		}
	}
}

// PredictionRecord is one served recommendation request.
type PredictionRecord struct {
	RequestID   string                    `json:"request_id"`
	Temperature float64                   `json:"temperature"`
	Humidity    float64                   `json:"humidity"`
	Rainfall    float64                   `json:"rainfall"`
	Results     []pipeline.Recommendation `json:"results"`
	CreatedAt   time.Time                 `json:"created_at"`
}

// storedResult is the persisted form of a recommendation. Unlike the API
// form it keeps the raw label.
type storedResult struct {
	Name        string  `json:"name"`
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

func (s *Store) SavePrediction(ctx context.Context, p PredictionRecord) error {
	if len(p.Results) == 0 {
		return errors.New("prediction has no results")
	}
	stored := make([]storedResult, len(p.Results))
	for i, r := range p.Results {
		stored[i] = storedResult{Name: r.Name, Label: r.Label, Probability: r.Probability}
	}
	results, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	stmt, err := s.stmt(ctx, `INSERT INTO predictions
        (request_id, temperature, humidity, rainfall, top_crop, results, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, p.RequestID, p.Temperature, p.Humidity, p.Rainfall,
		p.Results[0].Name, string(results), p.CreatedAt.UnixMilli())
	return err
}

// RecentPredictions returns up to limit predictions, newest first.
func (s *Store) RecentPredictions(ctx context.Context, limit int) ([]PredictionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT request_id, temperature, humidity, rainfall, results, created_at
        FROM predictions
        ORDER BY created_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]PredictionRecord, 0)
	for rows.Next() {
		var p PredictionRecord
		var results string
		var createdAt int64
		if err := rows.Scan(&p.RequestID, &p.Temperature, &p.Humidity, &p.Rainfall, &results, &createdAt); err != nil {
			return nil, err
		}
		var stored []storedResult
		if err := json.Unmarshal([]byte(results), &stored); err != nil {
			return nil, fmt.Errorf("decode results of %s: %w", p.RequestID, err)
		}
		p.Results = make([]pipeline.Recommendation, len(stored))
		for i, r := range stored {
			p.Results[i] = pipeline.Recommendation{Name: r.Name, Probability: r.Probability, Label: r.Label}
		}
		p.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, p)
	}
	return records, rows.Err()
}

// TrainingLog is one row of the training history.
type TrainingLog struct {
	ModelName  string        `json:"model_name"`
	Seed       int64         `json:"seed"`
	Accuracy   float64       `json:"accuracy"`
	Classes    int           `json:"classes"`
	DataPoints int           `json:"data_points"`
	TestPoints int           `json:"test_points"`
	Duration   time.Duration `json:"duration"`
	TrainedAt  time.Time     `json:"trained_at"`
}

// RecordTraining stores a finished training run.
func (s *Store) RecordTraining(ctx context.Context, report pipeline.TrainingReport) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO training_log
        (model_name, seed, accuracy, classes, data_points, test_points, duration_ms, trained_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ModelKind, report.Seed, report.Accuracy, report.Classes,
		report.Samples, report.TestSamples, report.Duration.Milliseconds(), report.TrainedAt.UnixMilli())
	return err
}

// LoadTrainingLog returns every training run, newest first.
func (s *Store) LoadTrainingLog(ctx context.Context) ([]TrainingLog, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT model_name, seed, accuracy, classes, data_points, test_points, duration_ms, trained_at
        FROM training_log
        ORDER BY trained_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var log TrainingLog
		var durationMS, trainedAt int64
		if err := rows.Scan(&log.ModelName, &log.Seed, &log.Accuracy, &log.Classes,
			&log.DataPoints, &log.TestPoints, &durationMS, &trainedAt); err != nil {
			return nil, err
		}
		log.Duration = time.Duration(durationMS) * time.Millisecond
		log.TrainedAt = time.UnixMilli(trainedAt).UTC()
		logs = append(logs, log)
	}
	return logs, rows.Err()
}
