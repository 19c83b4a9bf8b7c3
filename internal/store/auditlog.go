package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Audit operations recorded for each change.
const (
	OpSave   = "save"
	OpDelete = "delete"
)

// ChangeRecord is one row of the append-only audit trail.
type ChangeRecord struct {
	ID            int64     `json:"id"`
	Operation     string    `json:"operation"`
	InteractionID string    `json:"interaction_id"`
	Detail        string    `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// AuditLog records interaction changes in an append-only sqlite table.
type AuditLog struct {
	db *sql.DB
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS changes (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	operation      TEXT NOT NULL,
	interaction_id TEXT NOT NULL,
	detail         TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_changes_interaction ON changes(interaction_id);
`

// OpenAuditLog opens (or creates) the audit database at path.
func OpenAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	return &AuditLog{db: db}, nil
}

// Append records one change. The log is append-only; there is no update or
// delete path.
func (a *AuditLog) Append(ctx context.Context, operation, interactionID, detail string) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO changes (operation, interaction_id, detail, created_at) VALUES (?, ?, ?, ?)`,
		operation, interactionID, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// Changes returns the recorded changes for one interaction, oldest first.
func (a *AuditLog) Changes(ctx context.Context, interactionID string) ([]ChangeRecord, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, operation, interaction_id, detail, created_at FROM changes WHERE interaction_id = ? ORDER BY id`,
		interactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []ChangeRecord
	for rows.Next() {
		var rec ChangeRecord
		if err := rows.Scan(&rec.ID, &rec.Operation, &rec.InteractionID, &rec.Detail, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close releases the underlying database handle.
func (a *AuditLog) Close() error {
	return a.db.Close()
}
