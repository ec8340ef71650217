package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/riffhi/MedWatch-sub000/internal/model"
)

const anomalyColumns = `id, type, detection_method, rule_ids, model_ids, severity, confidence,
	message, details, data_point_id, medicine_name, location, status,
	reviewed_by, reviewed_at, detected_at`

// SQLiteStore implements AnomalyStore and AlertStore on SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time; sqlite serialises them anyway
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("sqlite-store"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	store.logger.Info("Opened anomaly store", zap.String("path", dbPath))

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS anomalies (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			detection_method TEXT NOT NULL,
			rule_ids TEXT,
			model_ids TEXT,
			severity TEXT NOT NULL,
			confidence REAL NOT NULL,
			message TEXT,
			details TEXT,
			data_point_id TEXT,
			medicine_name TEXT,
			location TEXT,
			status TEXT NOT NULL,
			reviewed_by TEXT,
			reviewed_at DATETIME,
			detected_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_anomalies_status ON anomalies(status);
		CREATE INDEX IF NOT EXISTS idx_anomalies_severity ON anomalies(severity);
		CREATE INDEX IF NOT EXISTS idx_anomalies_detected_at ON anomalies(detected_at);

		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			anomaly_id TEXT,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
		CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Save implements AnomalyStore.Save
func (s *SQLiteStore) Save(ctx context.Context, a *model.Anomaly) error {
	ruleIDs, err := marshalText(a.RuleIDs)
	if err != nil {
		return err
	}
	modelIDs, err := marshalText(a.ModelIDs)
	if err != nil {
		return err
	}
	details, err := marshalText(a.Details)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO anomalies (`+anomalyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.Type,
		a.DetectionMethod,
		ruleIDs,
		modelIDs,
		a.Severity,
		a.Confidence,
		a.Message,
		details,
		a.DataPointID,
		a.MedicineName,
		a.Location,
		a.Status,
		sql.NullString{String: a.ReviewedBy, Valid: a.ReviewedBy != ""},
		nullTime(a.ReviewedAt),
		a.DetectedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store anomaly: %w", err)
	}
	return nil
}

// UpdateStatus implements AnomalyStore.UpdateStatus
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, update model.AnomalyUpdate) (*model.Anomaly, error) {
	reviewedAt := update.ReviewedAt.UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE anomalies SET
			status = ?,
			reviewed_by = ?,
			reviewed_at = ?
		WHERE id = ?`,
		update.Status,
		sql.NullString{String: update.ReviewedBy, Valid: update.ReviewedBy != ""},
		sql.NullTime{Time: reviewedAt, Valid: !update.ReviewedAt.IsZero()},
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update anomaly: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("anomaly %s: %w", id, ErrNotFound)
	}

	s.logger.Debug("Anomaly status updated",
		zap.String("anomaly_id", id),
		zap.String("status", string(update.Status)))

	return s.Get(ctx, id)
}

// Get implements AnomalyStore.Get
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Anomaly, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+anomalyColumns+` FROM anomalies WHERE id = ?`, id)
	a, err := scanAnomaly(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("anomaly %s: %w", id, ErrNotFound)
	}
	return a, err
}

// List implements AnomalyStore.List
func (s *SQLiteStore) List(ctx context.Context, filter AnomalyFilter, limit int) ([]*model.Anomaly, error) {
	query := `SELECT ` + anomalyColumns + ` FROM anomalies`
	var (
		clauses []string
		args    []interface{}
	)
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.Method != "" {
		clauses = append(clauses, "detection_method = ?")
		args = append(args, filter.Method)
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "detected_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY detected_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomalies: %w", err)
	}
	defer rows.Close()

	var anomalies []*model.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		anomalies = append(anomalies, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return anomalies, nil
}

// SaveAlert implements AlertStore.SaveAlert
func (s *SQLiteStore) SaveAlert(ctx context.Context, alert *model.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, anomaly_id, severity, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		alert.ID,
		sql.NullString{String: alert.AnomalyID, Valid: alert.AnomalyID != ""},
		alert.Severity,
		alert.Status,
		string(payload),
		alert.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store alert: %w", err)
	}
	return nil
}

// UpdateAlert implements AlertStore.UpdateAlert
func (s *SQLiteStore) UpdateAlert(ctx context.Context, alert *model.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET
			status = ?,
			payload = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		alert.Status,
		string(payload),
		alert.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("alert %s: %w", alert.ID, ErrNotFound)
	}
	return nil
}

// GetAlert implements AlertStore.GetAlert
func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM alerts WHERE id = ?", id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}
	return decodeAlert(payload)
}

// ListAlerts implements AlertStore.ListAlerts
func (s *SQLiteStore) ListAlerts(ctx context.Context, limit int) ([]*model.Alert, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM alerts ORDER BY created_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.Alert
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alert, err := decodeAlert(payload)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return alerts, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAnomaly(row rowScanner) (*model.Anomaly, error) {
	var (
		a                          model.Anomaly
		ruleIDs, modelIDs, details sql.NullString
		message, dataPointID       sql.NullString
		medicineName, location     sql.NullString
		reviewedBy                 sql.NullString
		reviewedAt                 sql.NullTime
	)
	err := row.Scan(
		&a.ID,
		&a.Type,
		&a.DetectionMethod,
		&ruleIDs,
		&modelIDs,
		&a.Severity,
		&a.Confidence,
		&message,
		&details,
		&dataPointID,
		&medicineName,
		&location,
		&a.Status,
		&reviewedBy,
		&reviewedAt,
		&a.DetectedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan anomaly: %w", err)
	}

	if err := unmarshalText(ruleIDs, &a.RuleIDs); err != nil {
		return nil, err
	}
	if err := unmarshalText(modelIDs, &a.ModelIDs); err != nil {
		return nil, err
	}
	if err := unmarshalText(details, &a.Details); err != nil {
		return nil, err
	}
	a.Message = message.String
	a.DataPointID = dataPointID.String
	a.MedicineName = medicineName.String
	a.Location = location.String
	a.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		a.ReviewedAt = &t
	}
	return &a, nil
}

func decodeAlert(payload string) (*model.Alert, error) {
	var alert model.Alert
	if err := json.Unmarshal([]byte(payload), &alert); err != nil {
		return nil, fmt.Errorf("failed to decode alert: %w", err)
	}
	return &alert, nil
}

func marshalText(v interface{}) (sql.NullString, error) {
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]any:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode column: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalText(s sql.NullString, dst interface{}) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), dst); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
