// Package store persists interactions on disk and records an append-only
// audit trail of changes.
package store

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/codefionn/dirigent/internal/interaction"
	"github.com/codefionn/dirigent/internal/logger"
)

// Store is the persistence collaborator consumed by the orchestration core.
// LoadInteraction returns (nil, nil) when the interaction does not exist.
type Store interface {
	LoadInteraction(ctx context.Context, id string) (*interaction.Interaction, error)
	SaveInteraction(ctx context.Context, inter *interaction.Interaction) error
	DeleteInteraction(ctx context.Context, id string) error
}

// FileStore keeps one gob-encoded snapshot file per interaction under a
// base directory, with atomic writes. Changes are mirrored into an
// optional audit log.
type FileStore struct {
	baseDir string
	audit   *AuditLog
	log     *logger.Logger
}

// NewFileStore creates a FileStore rooted at baseDir. The audit log is
// optional; pass nil to skip change recording.
func NewFileStore(baseDir string, audit *AuditLog) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create interaction store directory: %w", err)
	}
	return &FileStore{
		baseDir: baseDir,
		audit:   audit,
		log:     logger.Global().WithPrefix("store"),
	}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.baseDir, sanitizeID(id)+".gob")
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitizeID produces a filesystem-safe interaction id.
func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.ReplaceAll(id, string(os.PathSeparator), "-")
	id = nonAlnum.ReplaceAllString(id, "-")
	id = strings.Trim(id, "-.")
	if id == "" {
		id = fmt.Sprintf("interaction-%d", time.Now().Unix())
	}
	return id
}

// LoadInteraction reads an interaction snapshot from disk. A missing file
// is an absent value, not an error.
func (s *FileStore) LoadInteraction(ctx context.Context, id string) (*interaction.Interaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open interaction file: %w", err)
	}
	defer file.Close()

	var stored interaction.Snapshot
	if err := gob.NewDecoder(file).Decode(&stored); err != nil {
		return nil, fmt.Errorf("failed to decode interaction %s: %w", id, err)
	}

	if stored.Version != interaction.SnapshotVersion {
		return nil, fmt.Errorf("interaction %s version mismatch: expected %d, got %d",
			id, interaction.SnapshotVersion, stored.Version)
	}

	s.log.Debug("Loaded interaction %s (%d messages)", id, len(stored.Messages))
	return interaction.FromSnapshot(&stored), nil
}

// SaveInteraction writes an interaction snapshot atomically. Clean
// interactions are skipped.
func (s *FileStore) SaveInteraction(ctx context.Context, inter *interaction.Interaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !inter.IsDirty() {
		s.log.Debug("Interaction %s already persisted; skipping save", inter.ID)
		return nil
	}

	stored := inter.Snapshot()
	finalPath := s.path(stored.ID)
	tempPath := finalPath + ".tmp"

	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if err := gob.NewEncoder(file).Encode(stored); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode interaction %s: %w", stored.ID, err)
	}
	file.Close()

	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace interaction file: %w", err)
	}

	inter.MarkSaved()
	s.log.Debug("Saved interaction %s to %s", stored.ID, finalPath)

	if s.audit != nil {
		detail := fmt.Sprintf("statements=%d turns=%d messages=%d",
			stored.StatementCount, stored.InteractionTurnCount, len(stored.Messages))
		if err := s.audit.Append(ctx, OpSave, stored.ID, detail); err != nil {
			s.log.Warn("Audit append failed for interaction %s: %v", stored.ID, err)
		}
	}

	return nil
}

// DeleteInteraction removes an interaction from disk. Deleting a missing
// interaction is not an error.
func (s *FileStore) DeleteInteraction(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete interaction file: %w", err)
	}

	if s.audit != nil {
		if err := s.audit.Append(ctx, OpDelete, id, ""); err != nil {
			s.log.Warn("Audit append failed for interaction %s: %v", id, err)
		}
	}

	return nil
}
