package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ericfisherdev/credbroker/internal/domain/model"
	"github.com/ericfisherdev/credbroker/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RecordStore = (*RecordRepo)(nil)

// RecordRepo is the SQLite implementation of the RecordStore port. The
// record lives in a single row. With a key the bundle JSON is encrypted
// with AES-256-GCM before write.
type RecordRepo struct {
	db     *DB
	sealer *sealer
}

// NewRecordRepo creates a RecordRepo. key must be 32 bytes, or nil to store
// the record unencrypted.
func NewRecordRepo(db *DB, key []byte) (*RecordRepo, error) {
	repo := &RecordRepo{db: db}
	if key != nil {
		s, err := newSealer(key)
		if err != nil {
			return nil, err
		}
		repo.sealer = s
	}
	return repo, nil
}

// Load returns the stored record, or (nil, nil) when the table is empty.
func (r *RecordRepo) Load(ctx context.Context) (*model.CredentialRecord, error) {
	const query = `SELECT payload, encrypted FROM credential_records WHERE id = 1`

	var payload string
	var encrypted int
	err := r.db.Reader.QueryRowContext(ctx, query).Scan(&payload, &encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credential record: %w", err)
	}

	data := []byte(payload)
	if encrypted == 1 {
		if r.sealer == nil {
			return nil, ErrEncryptionKeyNotSet
		}
		data, err = r.sealer.open(payload)
		if err != nil {
			return nil, fmt.Errorf("decrypt credential record: %w", err)
		}
	}

	var record model.CredentialRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode credential record: %w", err)
	}
	return &record, nil
}

// Save replaces the stored record.
func (r *RecordRepo) Save(ctx context.Context, record model.CredentialRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode credential record: %w", err)
	}

	payload, encrypted := string(data), 0
	if r.sealer != nil {
		payload, err = r.sealer.seal(data)
		if err != nil {
			return err
		}
		encrypted = 1
	}

	const query = `
		INSERT INTO credential_records (id, acquired_at_ms, payload, encrypted, updated_at)
		VALUES (1, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET
			acquired_at_ms = excluded.acquired_at_ms,
			payload = excluded.payload,
			encrypted = excluded.encrypted,
			updated_at = excluded.updated_at
	`
	if _, err := r.db.Writer.ExecContext(ctx, query, record.AcquiredAt.UnixMilli(), payload, encrypted); err != nil {
		return fmt.Errorf("save credential record: %w", err)
	}
	return nil
}

// Clear deletes the stored record.
func (r *RecordRepo) Clear(ctx context.Context) error {
	const query = `DELETE FROM credential_records`
	if _, err := r.db.Writer.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("clear credential record: %w", err)
	}
	return nil
}
