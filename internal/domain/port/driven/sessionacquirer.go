package driven

import (
	"context"

	"github.com/ericfisherdev/credbroker/internal/domain/model"
)

// OTPResolver returns the one-time passcode for the login in progress. The
// acquirer calls it once the login flow has just triggered the OTP email.
type OTPResolver func(ctx context.Context) (string, error)

// SessionAcquirer drives one interactive login end to end. Failures should be
// classified as *model.AcquisitionError so the orchestrator can tell
// configuration problems (fail fast) from transient ones (retry).
type SessionAcquirer interface {
	Acquire(ctx context.Context, creds model.LoginCredentials, otp OTPResolver) (model.CredentialBundle, error)
}
