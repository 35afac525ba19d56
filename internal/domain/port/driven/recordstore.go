package driven

import (
	"context"

	"github.com/ericfisherdev/credbroker/internal/domain/model"
)

// RecordStore defines the driven port for durable credential cache records.
type RecordStore interface {
	// Load returns the persisted record, or (nil, nil) if none exists.
	Load(ctx context.Context) (*model.CredentialRecord, error)

	// Save replaces the persisted record.
	Save(ctx context.Context, record model.CredentialRecord) error

	// Clear removes the persisted record. Clearing an absent record is not an error.
	Clear(ctx context.Context) error
}
