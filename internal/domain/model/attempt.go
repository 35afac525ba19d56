package model

import "time"

// AttemptState is the retry loop state of the acquisition orchestrator.
type AttemptState string

const (
	AttemptStateAttempting AttemptState = "attempting"
	AttemptStateBackoff    AttemptState = "backoff"
	AttemptStateSucceeded  AttemptState = "succeeded"
	AttemptStateExhausted  AttemptState = "exhausted"
)

// AcquisitionAttempt is the ephemeral state of one login attempt.
type AcquisitionAttempt struct {
	ID          string
	Index       int
	State       AttemptState
	ServerError bool
	Artifact    string
	Err         error
}

// Acquisition outcomes recorded in the acquisition history.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AcquisitionRecord summarizes one finished login sequence for the
// acquisition history.
type AcquisitionRecord struct {
	ID         int64
	Generation uint64
	StartedAt  time.Time
	FinishedAt time.Time
	Attempts   int
	Outcome    string
	ErrorKind  ErrorKind
	Error      string
	Artifact   string
}
