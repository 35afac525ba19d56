// Package filestore persists the credential cache record as one JSON file.
package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/ericfisherdev/credbroker/internal/domain/model"
	"github.com/ericfisherdev/credbroker/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RecordStore = (*Store)(nil)

// Store reads and writes {"acquiredAtMs": ..., "bundle": {...}} at path.
// Writes replace the file atomically, so a crash never leaves a torn record.
type Store struct {
	path   string
	logger *slog.Logger
}

// New creates a Store for path.
func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

// Load returns the stored record. A missing or unreadable-as-JSON file is
// not an error: it yields (nil, nil).
func (s *Store) Load(_ context.Context) (*model.CredentialRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential cache %s: %w", s.path, err)
	}

	var record model.CredentialRecord
	if err := json.Unmarshal(data, &record); err != nil {
		s.logger.Warn("ignoring corrupt credential cache file", "path", s.path, "error", err)
		return nil, nil
	}
	return &record, nil
}

// Save atomically replaces the file with record.
func (s *Store) Save(_ context.Context, record model.CredentialRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode credential record: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create cache dir %s: %w", dir, err)
		}
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write credential cache %s: %w", s.path, err)
	}
	// The record holds live session cookies.
	if err := os.Chmod(s.path, 0o600); err != nil {
		s.logger.Debug("restricting cache file mode failed", "path", s.path, "error", err)
	}
	return nil
}

// Clear deletes the file.
func (s *Store) Clear(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove credential cache %s: %w", s.path, err)
	}
	return nil
}
