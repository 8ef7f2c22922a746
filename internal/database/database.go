package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vincentbai/domspy-agent/internal/models"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

var ErrNotFound = errors.New("snapshot not found")

// SnapshotInfo is a stored trace without its payload.
type SnapshotInfo struct {
	TraceID   string `json:"traceId"`
	TS        int64  `json:"ts"`
	URL       string `json:"url"`
	Events    int    `json:"events"`
	Network   int    `json:"network"`
	Mutations int    `json:"mutations"`
}

type Database struct {
	db              *sql.DB
	validEventTypes map[string]bool
}

func NewDatabase(databasePath string) (*Database, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	validEventTypes := map[string]bool{string(models.KindMouseMove): true}
	for _, k := range models.CapturedKinds {
		validEventTypes[string(k)] = true
	}

	if err := createTables(db, validEventTypes); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db, validEventTypes: validEventTypes}, nil
}

func createTables(db *sql.DB, validEventTypes map[string]bool) error {
	kinds := make([]string, 0, len(validEventTypes))
	for k := range validEventTypes {
		kinds = append(kinds, "'"+k+"'")
	}

	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS traces(
	  trace_id   TEXT    PRIMARY KEY,
	  ts         INTEGER NOT NULL,
	  url        TEXT    NOT NULL,
	  events     INTEGER NOT NULL,
	  network    INTEGER NOT NULL,
	  mutations  INTEGER NOT NULL,
	  data_json  TEXT    NOT NULL CHECK (json_valid(data_json))
	);
	CREATE INDEX IF NOT EXISTS idx_traces_ts ON traces(ts);
	CREATE TABLE IF NOT EXISTS events(
	  id        INTEGER PRIMARY KEY,
	  trace_id  TEXT    NOT NULL REFERENCES traces(trace_id) ON DELETE CASCADE,
	  event_id  TEXT    NOT NULL,
	  ts        INTEGER NOT NULL,
	  type      TEXT    NOT NULL CHECK (type IN (` + strings.Join(kinds, ",") + `)),
	  selector  TEXT,
	  tag       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_trace ON events(trace_id);
	CREATE INDEX IF NOT EXISTS idx_events_type  ON events(type);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) ValidateEvent(event models.Event) error {
	if event.ID == "" {
		return fmt.Errorf("ID cannot be empty")
	}
	if event.Type == "" {
		return fmt.Errorf("Type cannot be empty")
	}
	if !d.validEventTypes[string(event.Type)] {
		return fmt.Errorf("invalid event type: %s", event.Type)
	}
	if event.TS <= 0 {
		return fmt.Errorf("timestamp must be positive")
	}
	return nil
}

func (d *Database) ValidateExport(export models.Export) error {
	if export.Meta.TS <= 0 {
		return fmt.Errorf("export timestamp must be positive")
	}
	for _, event := range export.Buffer.Events {
		if err := d.ValidateEvent(event); err != nil {
			return fmt.Errorf("invalid event %q: %w", event.ID, err)
		}
	}
	return nil
}

// SaveSnapshot stores export under traceID, together with one row per
// interaction event, in a single transaction.
func (d *Database) SaveSnapshot(ctx context.Context, traceID string, export models.Export) error {
	if traceID == "" {
		return fmt.Errorf("trace ID cannot be empty")
	}
	if err := d.ValidateExport(export); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}
	jsonData, err := json.Marshal(export)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	transaction, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := transaction.ExecContext(ctx,
		`INSERT INTO traces(trace_id, ts, url, events, network, mutations, data_json) VALUES(?,?,?,?,?,?,json(?))`,
		traceID, export.Meta.TS, export.Meta.URL,
		len(export.Buffer.Events), len(export.Buffer.Network), len(export.Buffer.Mutations),
		string(jsonData),
	); err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("failed to insert trace: %w", err)
	}

	statement, err := transaction.PrepareContext(ctx, `INSERT INTO events(trace_id, event_id, ts, type, selector, tag) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	for _, event := range export.Buffer.Events {
		if _, err := statement.ExecContext(ctx, traceID, event.ID, event.TS, string(event.Type), event.Selector, event.Tag); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (d *Database) LoadSnapshot(ctx context.Context, traceID string) (models.Export, error) {
	var export models.Export
	var dataJSON string
	err := d.db.QueryRowContext(ctx, `SELECT data_json FROM traces WHERE trace_id = ?`, traceID).Scan(&dataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return export, ErrNotFound
	}
	if err != nil {
		return export, fmt.Errorf("failed to query snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(dataJSON), &export); err != nil {
		return export, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return export, nil
}

// ListSnapshots returns the newest snapshots first. limit <= 0 means all.
func (d *Database) ListSnapshots(ctx context.Context, limit int) ([]SnapshotInfo, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT trace_id, ts, url, events, network, mutations FROM traces ORDER BY ts DESC, trace_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := []SnapshotInfo{}
	for rows.Next() {
		var s SnapshotInfo
		if err := rows.Scan(&s.TraceID, &s.TS, &s.URL, &s.Events, &s.Network, &s.Mutations); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshots: %w", err)
	}
	return snapshots, nil
}

// CountEvents returns how many stored interaction events have kind.
func (d *Database) CountEvents(ctx context.Context, kind models.InteractionKind) (int, error) {
	var count int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE type = ?`, string(kind)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}
