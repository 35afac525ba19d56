package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/credbroker/internal/domain/model"
)

// ErrOrderingUnsupported is returned by MessageSource.LatestFrom when the
// backend cannot order a sender query by recency.
var ErrOrderingUnsupported = errors.New("message source cannot order by recency")

// MessageSource defines the driven port for mailbox lookups. The sender
// argument is a hint: sources may filter loosely (e.g. by domain) and leave
// exact sender matching to the caller.
type MessageSource interface {
	// LatestFrom returns up to limit recent messages for sender, newest first.
	// Returns ErrOrderingUnsupported if the backend cannot honor the ordering.
	LatestFrom(ctx context.Context, sender string, limit int) ([]model.Message, error)

	// RecentFrom returns up to limit recent messages for sender in no
	// particular order.
	RecentFrom(ctx context.Context, sender string, limit int) ([]model.Message, error)

	// MessageBody returns the plain-text body of the message with the given id.
	MessageBody(ctx context.Context, id string) (string, error)
}
