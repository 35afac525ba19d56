package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies acquisition failures.
type ErrorKind string

const (
	KindConfiguration       ErrorKind = "ConfigurationError"
	KindUpstreamUnavailable ErrorKind = "UpstreamUnavailable"
	KindOTPTimeout          ErrorKind = "OtpTimeout"
	KindOTPTooShort         ErrorKind = "OtpTooShort"
	KindOTPMalformed        ErrorKind = "OtpMalformed"
	KindPostLoginNotReached ErrorKind = "PostLoginNotReached"
	KindAcquisitionFailed   ErrorKind = "AcquisitionFailed"
	KindUnknown             ErrorKind = "Unknown"
)

// Sentinels for errors.Is matching against an AcquisitionError of the same kind.
var (
	ErrConfiguration       = errors.New("configuration error")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrOTPTimeout          = errors.New("otp timeout")
	ErrOTPTooShort         = errors.New("otp too short")
	ErrOTPMalformed        = errors.New("otp malformed")
	ErrPostLoginNotReached = errors.New("post-login page not reached")
	ErrAcquisitionFailed   = errors.New("acquisition failed")
)

var kindSentinels = map[ErrorKind]error{
	KindConfiguration:       ErrConfiguration,
	KindUpstreamUnavailable: ErrUpstreamUnavailable,
	KindOTPTimeout:          ErrOTPTimeout,
	KindOTPTooShort:         ErrOTPTooShort,
	KindOTPMalformed:        ErrOTPMalformed,
	KindPostLoginNotReached: ErrPostLoginNotReached,
	KindAcquisitionFailed:   ErrAcquisitionFailed,
}

// AcquisitionError is a classified failure of one login attempt. Artifact
// references a diagnostic screenshot when one was captured.
type AcquisitionError struct {
	Kind     ErrorKind
	Artifact string
	Err      error
}

// NewAcquisitionError wraps err with kind. Use format-style helpers such as
// ConfigError for the common cases.
func NewAcquisitionError(kind ErrorKind, err error) *AcquisitionError {
	return &AcquisitionError{Kind: kind, Err: err}
}

// ConfigError builds a non-retryable configuration failure.
func ConfigError(format string, args ...any) *AcquisitionError {
	return &AcquisitionError{Kind: KindConfiguration, Err: fmt.Errorf(format, args...)}
}

func (e *AcquisitionError) Error() string {
	msg := string(e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Artifact != "" {
		msg += " (artifact: " + e.Artifact + ")"
	}
	return msg
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *AcquisitionError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// Retryable reports whether another attempt may succeed. Only configuration
// errors are terminal.
func (e *AcquisitionError) Retryable() bool {
	return e.Kind != KindConfiguration
}

// AcquisitionFailedError is returned once every attempt has failed. Last is
// the error of the final attempt.
type AcquisitionFailedError struct {
	Attempts int
	Last     error
}

func (e *AcquisitionFailedError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", KindAcquisitionFailed, e.Attempts, e.Last)
}

func (e *AcquisitionFailedError) Unwrap() error { return e.Last }

func (e *AcquisitionFailedError) Is(target error) bool { return target == ErrAcquisitionFailed }

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var failed *AcquisitionFailedError
	if errors.As(err, &failed) {
		return KindAcquisitionFailed
	}
	var acqErr *AcquisitionError
	if errors.As(err, &acqErr) {
		return acqErr.Kind
	}
	return KindUnknown
}

// ArtifactOf returns the diagnostic artifact reference carried anywhere in
// err's chain, or "".
func ArtifactOf(err error) string {
	var acqErr *AcquisitionError
	if errors.As(err, &acqErr) {
		return acqErr.Artifact
	}
	return ""
}

// IsRetryable reports whether err allows another attempt. Unclassified
// errors are treated as transient.
func IsRetryable(err error) bool {
	var acqErr *AcquisitionError
	if errors.As(err, &acqErr) {
		return acqErr.Retryable()
	}
	return true
}
