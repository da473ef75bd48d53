package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CycleStatus classifies the outcome of one mapping cycle.
type CycleStatus string

const (
	CycleStatusSuccess  CycleStatus = "success"
	CycleStatusPartial  CycleStatus = "partial"
	CycleStatusDegraded CycleStatus = "degraded"
	CycleStatusAborted  CycleStatus = "aborted"
	CycleStatusError    CycleStatus = "error"
)

// CycleLog is one persisted mapping cycle outcome.
type CycleLog struct {
	ID              string        `json:"id"`
	MappingID       string        `json:"mapping_id"`
	Status          CycleStatus   `json:"status"`
	Message         string        `json:"message"`
	EventsCreated   int           `json:"events_created"`
	EventsUpdated   int           `json:"events_updated"`
	EventsDeleted   int           `json:"events_deleted"`
	EventsRecovered int           `json:"events_recovered"`
	ErrorCount      int           `json:"error_count"`
	Degraded        bool          `json:"degraded"`
	Duration        time.Duration `json:"duration"`
	CreatedAt       time.Time     `json:"created_at"`
}

// CreateCycleLog inserts a cycle log entry, assigning an id when missing.
func (db *DB) CreateCycleLog(cl *CycleLog) error {
	if cl.ID == "" {
		cl.ID = uuid.New().String()
	}
	cl.CreatedAt = time.Now().UTC()

	query := `INSERT INTO cycle_logs (id, mapping_id, status, message,
		events_created, events_updated, events_deleted, events_recovered,
		error_count, degraded, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query, cl.ID, cl.MappingID, cl.Status, cl.Message,
		cl.EventsCreated, cl.EventsUpdated, cl.EventsDeleted, cl.EventsRecovered,
		cl.ErrorCount, cl.Degraded, cl.Duration.Milliseconds(), cl.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create cycle log: %w", err)
	}

	return nil
}

// ListRecentCycles returns the newest cycle logs, all mappings interleaved.
func (db *DB) ListRecentCycles(limit int) ([]*CycleLog, error) {
	query := `SELECT id, mapping_id, status, message,
		events_created, events_updated, events_deleted, events_recovered,
		error_count, degraded, duration_ms, created_at
		FROM cycle_logs ORDER BY created_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle logs: %w", err)
	}
	defer rows.Close()

	var logs []*CycleLog
	for rows.Next() {
		cl := &CycleLog{}
		var durationMs int64
		err := rows.Scan(&cl.ID, &cl.MappingID, &cl.Status, &cl.Message,
			&cl.EventsCreated, &cl.EventsUpdated, &cl.EventsDeleted, &cl.EventsRecovered,
			&cl.ErrorCount, &cl.Degraded, &durationMs, &cl.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle log: %w", err)
		}
		cl.Duration = time.Duration(durationMs) * time.Millisecond
		logs = append(logs, cl)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycle logs: %w", err)
	}

	return logs, nil
}

// LastCycle returns the newest cycle log for one mapping.
func (db *DB) LastCycle(mappingID string) (*CycleLog, error) {
	query := `SELECT id, mapping_id, status, message,
		events_created, events_updated, events_deleted, events_recovered,
		error_count, degraded, duration_ms, created_at
		FROM cycle_logs WHERE mapping_id = ? ORDER BY created_at DESC LIMIT 1`

	cl := &CycleLog{}
	var durationMs int64
	err := db.conn.QueryRow(query, mappingID).Scan(&cl.ID, &cl.MappingID, &cl.Status, &cl.Message,
		&cl.EventsCreated, &cl.EventsUpdated, &cl.EventsDeleted, &cl.EventsRecovered,
		&cl.ErrorCount, &cl.Degraded, &durationMs, &cl.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query last cycle: %w", err)
	}
	cl.Duration = time.Duration(durationMs) * time.Millisecond

	return cl, nil
}

// CleanOldCycles deletes cycle logs older than the given time.
func (db *DB) CleanOldCycles(olderThan time.Time) (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM cycle_logs WHERE created_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to clean old cycle logs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}
