package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/ericfisherdev/credbroker/internal/domain/model"
	"github.com/ericfisherdev/credbroker/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.AcquisitionLog = (*HistoryRepo)(nil)

// maxHistoryRows bounds the acquisition_log table; older rows are pruned on append.
const maxHistoryRows = 500

// HistoryRepo is the SQLite implementation of the AcquisitionLog port.
type HistoryRepo struct {
	db *DB
}

// NewHistoryRepo creates a new HistoryRepo backed by the given DB.
func NewHistoryRepo(db *DB) *HistoryRepo {
	return &HistoryRepo{db: db}
}

// Append inserts record and prunes rows beyond the retention limit in one transaction.
func (r *HistoryRepo) Append(ctx context.Context, record model.AcquisitionRecord) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op.

	const insertQuery = `
		INSERT INTO acquisition_log (generation, started_at, finished_at, attempts, outcome, error_kind, error, artifact)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, insertQuery,
		int64(record.Generation),
		record.StartedAt.UTC().Format(time.RFC3339Nano),
		record.FinishedAt.UTC().Format(time.RFC3339Nano),
		record.Attempts, record.Outcome, string(record.ErrorKind), record.Error, record.Artifact,
	); err != nil {
		return fmt.Errorf("insert acquisition record: %w", err)
	}

	const pruneQuery = `
		DELETE FROM acquisition_log
		WHERE id NOT IN (SELECT id FROM acquisition_log ORDER BY id DESC LIMIT ?)
	`
	if _, err := tx.ExecContext(ctx, pruneQuery, maxHistoryRows); err != nil {
		return fmt.Errorf("prune acquisition log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit acquisition record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (r *HistoryRepo) Recent(ctx context.Context, limit int) ([]model.AcquisitionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	const query = `
		SELECT id, generation, started_at, finished_at, attempts, outcome, error_kind, error, artifact
		FROM acquisition_log
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := r.db.Reader.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query acquisition log: %w", err)
	}
	defer rows.Close()

	records := []model.AcquisitionRecord{}
	for rows.Next() {
		var rec model.AcquisitionRecord
		var generation int64
		var startedAt, finishedAt, kind string
		if err := rows.Scan(&rec.ID, &generation, &startedAt, &finishedAt,
			&rec.Attempts, &rec.Outcome, &kind, &rec.Error, &rec.Artifact); err != nil {
			return nil, fmt.Errorf("scan acquisition record: %w", err)
		}
		rec.Generation = uint64(generation)
		rec.ErrorKind = model.ErrorKind(kind)

		if rec.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at for record %d: %w", rec.ID, err)
		}
		if rec.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, fmt.Errorf("parse finished_at for record %d: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate acquisition log: %w", err)
	}
	return records, nil
}

// parseTime tries the SQLite datetime formats the schema may hold.
func parseTime(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.000",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized time format: %s", s)
}
