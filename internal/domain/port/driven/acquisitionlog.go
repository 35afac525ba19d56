package driven

import (
	"context"

	"github.com/ericfisherdev/credbroker/internal/domain/model"
)

// AcquisitionLog defines the driven port for the history of login sequences.
type AcquisitionLog interface {
	// Append stores one finished sequence.
	Append(ctx context.Context, record model.AcquisitionRecord) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]model.AcquisitionRecord, error)
}
