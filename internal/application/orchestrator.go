package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ericfisherdev/credbroker/internal/domain/model"
	"github.com/ericfisherdev/credbroker/internal/domain/port/driven"
)

// Orchestrator defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 5 * time.Second
)

// flightKey is the single singleflight key: there is one credential.
const flightKey = "credential"

// OTPCorrelator is the part of MessageCorrelator the orchestrator needs.
type OTPCorrelator interface {
	CaptureBaseline(ctx context.Context, sender string) model.BaselineMarker
	FetchOTP(ctx context.Context, q OTPQuery) (string, error)
}

// OTPPolicy tunes how the OTP email is awaited during an attempt.
type OTPPolicy struct {
	Sender       string
	PollAttempts int
	PollInterval time.Duration
	MaxAge       time.Duration
	MinLength    int
	MaxLength    int
}

// OrchestratorConfig holds the retry and login settings.
type OrchestratorConfig struct {
	Credentials model.LoginCredentials
	MaxAttempts int
	BaseDelay   time.Duration
	OTP         OTPPolicy
}

// AcquisitionStatus is a point-in-time view of the orchestrator.
type AcquisitionStatus struct {
	Cached        bool
	CacheValid    bool
	AcquiredAt    time.Time
	ExpiresAt     time.Time
	InFlight      bool
	Generation    uint64
	LastSuccessAt time.Time
	LastFailureAt time.Time
	LastError     string
	LastErrorKind model.ErrorKind
	LastAttempts  []model.AcquisitionAttempt
}

// loginOutcome is the shared result of one login sequence.
type loginOutcome struct {
	credential *model.CachedCredential
	generation uint64
}

// AcquisitionOrchestrator hands out credentials from the cache and runs at
// most one interactive login sequence at a time.
type AcquisitionOrchestrator struct {
	acquirer   driven.SessionAcquirer
	correlator OTPCorrelator
	cache      *CredentialCache
	cfg        OrchestratorConfig

	group singleflight.Group
	// generation counts login sequences started; a caller needing a login
	// newer than some point waits for a higher generation.
	generation atomic.Uint64
	inFlight   atomic.Bool

	mu            sync.Mutex
	lastAttempts  []model.AcquisitionAttempt
	lastSuccessAt time.Time
	lastFailureAt time.Time
	lastErr       error

	newTimer func() backoff.Timer
	metrics  *Metrics
	history  driven.AcquisitionLog
	logger   *slog.Logger
}

// OrchestratorOption customizes an AcquisitionOrchestrator.
type OrchestratorOption func(*AcquisitionOrchestrator)

// WithRetryTimer overrides the timer that paces retries.
func WithRetryTimer(newTimer func() backoff.Timer) OrchestratorOption {
	return func(o *AcquisitionOrchestrator) {
		o.newTimer = newTimer
	}
}

// WithOrchestratorMetrics records acquisition outcomes.
func WithOrchestratorMetrics(m *Metrics) OrchestratorOption {
	return func(o *AcquisitionOrchestrator) {
		o.metrics = m
	}
}

// WithAcquisitionLog appends a record of every finished login sequence to log.
func WithAcquisitionLog(log driven.AcquisitionLog) OrchestratorOption {
	return func(o *AcquisitionOrchestrator) {
		o.history = log
	}
}

// NewAcquisitionOrchestrator creates an orchestrator. Zero retry settings
// take the package defaults.
func NewAcquisitionOrchestrator(
	acquirer driven.SessionAcquirer,
	correlator OTPCorrelator,
	cache *CredentialCache,
	cfg OrchestratorConfig,
	logger *slog.Logger,
	opts ...OrchestratorOption,
) *AcquisitionOrchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &AcquisitionOrchestrator{
		acquirer:   acquirer,
		correlator: correlator,
		cache:      cache,
		cfg:        cfg,
		newTimer:   func() backoff.Timer { return nil },
		logger:     logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Acquire returns a valid credential bundle. See AcquireCredential.
func (o *AcquisitionOrchestrator) Acquire(ctx context.Context, forceRefresh bool) (model.CredentialBundle, error) {
	cred, err := o.AcquireCredential(ctx, forceRefresh)
	if err != nil {
		return model.CredentialBundle{}, err
	}
	return cred.Bundle, nil
}

// AcquireCredential returns the cached credential when valid, otherwise joins
// or starts a login sequence. With forceRefresh the cache is invalidated first
// and only a login started after the invalidation satisfies the call.
//
// The login runs detached from ctx: if ctx ends first the caller gets
// ctx.Err() while the login continues and still fills the cache.
func (o *AcquisitionOrchestrator) AcquireCredential(ctx context.Context, forceRefresh bool) (*model.CachedCredential, error) {
	if forceRefresh {
		o.cache.Invalidate(ctx)
		return o.awaitLogin(ctx, o.generation.Load()+1, false)
	}

	if cached, ok := o.cache.Get(ctx); ok {
		o.metrics.cacheLookup(true)
		return cached, nil
	}
	o.metrics.cacheLookup(false)

	return o.awaitLogin(ctx, 0, true)
}

// Refresh runs a login that started after this call while the current
// credential, if any, stays available to other callers.
func (o *AcquisitionOrchestrator) Refresh(ctx context.Context) (*model.CachedCredential, error) {
	return o.awaitLogin(ctx, o.generation.Load()+1, false)
}

// Invalidate drops the cached credential, e.g. after downstream rejected it.
func (o *AcquisitionOrchestrator) Invalidate(ctx context.Context) {
	o.cache.Invalidate(ctx)
	o.logger.Info("credential invalidated")
}

// InvalidateIfCurrent drops rejected from the cache unless a newer credential
// has already replaced it. Callers that were all refused with the same
// credential then coalesce onto one login through a plain AcquireCredential
// instead of each forcing their own.
func (o *AcquisitionOrchestrator) InvalidateIfCurrent(ctx context.Context, rejected *model.CachedCredential) bool {
	if !o.cache.InvalidateIf(ctx, rejected) {
		return false
	}
	o.logger.Info("rejected credential invalidated", "acquired_at", rejected.AcquiredAt)
	return true
}

// Status reports cache and login state.
func (o *AcquisitionOrchestrator) Status(ctx context.Context) AcquisitionStatus {
	st := AcquisitionStatus{
		InFlight:   o.inFlight.Load(),
		Generation: o.generation.Load(),
	}

	if cached := o.cache.Peek(ctx); cached != nil {
		st.Cached = true
		st.AcquiredAt = cached.AcquiredAt
		st.ExpiresAt = cached.ExpiresAt
		_, st.CacheValid = o.cache.Get(ctx)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	st.LastSuccessAt = o.lastSuccessAt
	st.LastFailureAt = o.lastFailureAt
	if o.lastErr != nil {
		st.LastError = o.lastErr.Error()
		st.LastErrorKind = model.KindOf(o.lastErr)
	}
	st.LastAttempts = append([]model.AcquisitionAttempt(nil), o.lastAttempts...)
	return st
}

// History returns up to limit finished login sequences, newest first. It is
// empty when no acquisition log is configured.
func (o *AcquisitionOrchestrator) History(ctx context.Context, limit int) ([]model.AcquisitionRecord, error) {
	if o.history == nil {
		return []model.AcquisitionRecord{}, nil
	}
	return o.history.Recent(ctx, limit)
}

// awaitLogin joins the in-flight login or starts one, repeating until the
// outcome comes from a login of generation minGen or later.
func (o *AcquisitionOrchestrator) awaitLogin(ctx context.Context, minGen uint64, allowCached bool) (*model.CachedCredential, error) {
	runCtx := context.WithoutCancel(ctx)

	for {
		ch := o.group.DoChan(flightKey, func() (any, error) {
			return o.runLogin(runCtx, allowCached)
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			outcome, _ := res.Val.(loginOutcome)
			if outcome.generation < minGen {
				o.logger.Debug("joined login predates request, waiting for a newer one",
					"generation", outcome.generation, "want", minGen)
				continue
			}
			if res.Shared {
				o.metrics.joined()
			}
			if res.Err != nil {
				return nil, res.Err
			}
			return outcome.credential, nil
		}
	}
}

// runLogin is the singleflight body. When allowCached is set it first
// re-checks the cache, since a login may have finished between the caller's
// cache miss and this call.
func (o *AcquisitionOrchestrator) runLogin(ctx context.Context, allowCached bool) (loginOutcome, error) {
	if allowCached {
		if cached, ok := o.cache.Get(ctx); ok {
			return loginOutcome{credential: cached, generation: o.generation.Load()}, nil
		}
	}

	gen := o.generation.Add(1)
	o.inFlight.Store(true)
	o.metrics.setInFlight(true)
	defer func() {
		o.inFlight.Store(false)
		o.metrics.setInFlight(false)
	}()

	start := time.Now()
	o.logger.Info("login sequence started", "generation", gen, "max_attempts", o.cfg.MaxAttempts)

	bundle, attempts, err := o.retry(ctx)

	o.mu.Lock()
	o.lastAttempts = attempts
	if err != nil {
		o.lastErr = err
		o.lastFailureAt = time.Now()
	} else {
		o.lastErr = nil
		o.lastSuccessAt = time.Now()
	}
	o.mu.Unlock()

	o.appendHistory(ctx, gen, start, attempts, err)

	if err != nil {
		o.metrics.acquisition(model.OutcomeFailure)
		o.logger.Error("login sequence failed",
			"generation", gen,
			"attempts", len(attempts),
			"kind", model.KindOf(err),
			"duration", time.Since(start).Round(time.Millisecond),
			"error", err,
		)
		return loginOutcome{generation: gen}, err
	}

	cached := o.cache.Put(ctx, bundle)
	o.metrics.acquisition(model.OutcomeSuccess)
	o.logger.Info("login sequence succeeded",
		"generation", gen,
		"attempts", len(attempts),
		"expires_at", cached.ExpiresAt,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return loginOutcome{credential: cached, generation: gen}, nil
}

func (o *AcquisitionOrchestrator) appendHistory(ctx context.Context, gen uint64, start time.Time, attempts []model.AcquisitionAttempt, err error) {
	if o.history == nil {
		return
	}
	record := model.AcquisitionRecord{
		Generation: gen,
		StartedAt:  start,
		FinishedAt: time.Now(),
		Attempts:   len(attempts),
		Outcome:    model.OutcomeSuccess,
	}
	if err != nil {
		record.Outcome = model.OutcomeFailure
		record.ErrorKind = model.KindOf(err)
		record.Error = err.Error()
		record.Artifact = model.ArtifactOf(err)
	}
	if herr := o.history.Append(ctx, record); herr != nil {
		o.logger.Warn("recording acquisition history failed", "generation", gen, "error", herr)
	}
}

// retry runs ATTEMPTING -> BACKOFF -> ... until success, a configuration
// error, or MaxAttempts failures.
func (o *AcquisitionOrchestrator) retry(ctx context.Context) (model.CredentialBundle, []model.AcquisitionAttempt, error) {
	var (
		bundle   model.CredentialBundle
		attempts []model.AcquisitionAttempt
	)

	operation := func() error {
		attempt := model.AcquisitionAttempt{
			ID:    uuid.NewString(),
			Index: len(attempts) + 1,
			State: model.AttemptStateAttempting,
		}
		o.logger.Info("login attempt started",
			"attempt", attempt.Index, "of", o.cfg.MaxAttempts, "attempt_id", attempt.ID)

		result, err := o.attemptOnce(ctx)
		if err == nil {
			attempt.State = model.AttemptStateSucceeded
			attempts = append(attempts, attempt)
			o.metrics.attempt("success")
			bundle = result
			return nil
		}

		attempt.State = model.AttemptStateExhausted
		attempt.Err = err
		attempt.Artifact = model.ArtifactOf(err)
		attempt.ServerError = errors.Is(err, model.ErrUpstreamUnavailable)
		attempts = append(attempts, attempt)
		o.metrics.attempt(string(model.KindOf(err)))

		if !model.IsRetryable(err) {
			o.logger.Error("login attempt failed, not retrying",
				"attempt", attempt.Index, "attempt_id", attempt.ID, "error", err)
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		last := &attempts[len(attempts)-1]
		last.State = model.AttemptStateBackoff
		o.logger.Warn("login attempt failed, backing off",
			"attempt", last.Index,
			"attempt_id", last.ID,
			"artifact", last.Artifact,
			"delay", next,
			"error", err,
		)
	}

	err := backoff.RetryNotifyWithTimer(operation, newLinearBackOff(o.cfg.BaseDelay, o.cfg.MaxAttempts), notify, o.newTimer())
	if err == nil {
		return bundle, attempts, nil
	}
	if !model.IsRetryable(err) {
		return model.CredentialBundle{}, attempts, err
	}
	return model.CredentialBundle{}, attempts, &model.AcquisitionFailedError{Attempts: len(attempts), Last: err}
}

// attemptOnce captures a fresh baseline and runs the acquirer once.
func (o *AcquisitionOrchestrator) attemptOnce(ctx context.Context) (model.CredentialBundle, error) {
	if !o.cfg.Credentials.Complete() {
		return model.CredentialBundle{}, model.ConfigError("login email and password are required")
	}
	if o.cfg.OTP.Sender == "" {
		return model.CredentialBundle{}, model.ConfigError("OTP sender address is required")
	}

	policy := o.cfg.OTP
	baseline := o.correlator.CaptureBaseline(ctx, policy.Sender)

	resolve := func(ctx context.Context) (string, error) {
		code, err := o.correlator.FetchOTP(ctx, OTPQuery{
			Sender:       policy.Sender,
			MaxAttempts:  policy.PollAttempts,
			PollInterval: policy.PollInterval,
			MaxAge:       policy.MaxAge,
			Baseline:     baseline,
			MinLength:    policy.MinLength,
			MaxLength:    policy.MaxLength,
		})
		if err != nil {
			return "", err
		}
		minLen, maxLen := policy.MinLength, policy.MaxLength
		if minLen <= 0 {
			minLen = DefaultMinOTPLength
		}
		if maxLen <= 0 {
			maxLen = DefaultMaxOTPLength
		}
		if err := ValidateOTP(code, minLen, maxLen); err != nil {
			return "", err
		}
		return code, nil
	}

	bundle, err := o.acquirer.Acquire(ctx, o.cfg.Credentials, resolve)
	if err != nil {
		return model.CredentialBundle{}, err
	}
	if bundle.IsZero() {
		return model.CredentialBundle{}, model.NewAcquisitionError(model.KindPostLoginNotReached,
			errors.New("login finished without cookies or token"))
	}
	return bundle, nil
}

// linearBackOff waits base*n after the n-th failure and stops once
// maxAttempts attempts have run.
type linearBackOff struct {
	base        time.Duration
	maxAttempts int
	failures    int
}

func newLinearBackOff(base time.Duration, maxAttempts int) *linearBackOff {
	return &linearBackOff{base: base, maxAttempts: maxAttempts}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.failures++
	if b.failures >= b.maxAttempts {
		return backoff.Stop
	}
	return b.base * time.Duration(b.failures)
}

func (b *linearBackOff) Reset() { b.failures = 0 }
