package application_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/credbroker/internal/application"
	"github.com/ericfisherdev/credbroker/internal/domain/model"
	"github.com/ericfisherdev/credbroker/internal/domain/port/driven"
)

// --- Mock implementations ---

type acquireResult struct {
	bundle model.CredentialBundle
	err    error
}

// fakeAcquirer returns results in order; the last one repeats. When gate is
// set every call blocks until it can receive from it.
type fakeAcquirer struct {
	mu      sync.Mutex
	calls   int
	results []acquireResult
	gate    chan struct{}
	useOTP  bool
	otps    []string
	otpErrs []error
	ctxErrs []error
}

func (f *fakeAcquirer) Acquire(ctx context.Context, _ model.LoginCredentials, otp driven.OTPResolver) (model.CredentialBundle, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.mu.Unlock()

	if f.useOTP {
		code, err := otp(ctx)
		f.mu.Lock()
		f.otps = append(f.otps, code)
		f.otpErrs = append(f.otpErrs, err)
		f.mu.Unlock()
		if err != nil {
			return model.CredentialBundle{}, err
		}
	}

	if len(f.results) == 0 {
		return testBundle(""), nil
	}
	res := f.results[min(n, len(f.results))-1]
	return res.bundle, res.err
}

func (f *fakeAcquirer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeCorrelator hands out numbered baselines and a fixed code.
type fakeCorrelator struct {
	mu        sync.Mutex
	baselines int
	code      string
	err       error
	queries   []application.OTPQuery
}

func (f *fakeCorrelator) CaptureBaseline(_ context.Context, _ string) model.BaselineMarker {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baselines++
	return model.BaselineMarker{MessageID: fmt.Sprintf("baseline-%d", f.baselines)}
}

func (f *fakeCorrelator) FetchOTP(_ context.Context, q application.OTPQuery) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.code, f.err
}

// --- Helpers ---

var orchEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type orchFixture struct {
	orch     *application.AcquisitionOrchestrator
	cache    *application.CredentialCache
	timer    *recordingTimer
	acquirer *fakeAcquirer
}

func newOrchFixture(acq *fakeAcquirer, corr application.OTPCorrelator, opts ...application.OrchestratorOption) orchFixture {
	if corr == nil {
		corr = &fakeCorrelator{code: "123456"}
	}
	cache := application.NewCredentialCache(nil, application.CacheOptions{
		Now: newFakeClock(orchEpoch).Now,
	}, nil)
	timer := newRecordingTimer()
	opts = append([]application.OrchestratorOption{
		application.WithRetryTimer(func() backoff.Timer { return timer }),
	}, opts...)

	orch := application.NewAcquisitionOrchestrator(acq, corr, cache, application.OrchestratorConfig{
		Credentials: model.LoginCredentials{Email: "user@example.com", Password: "hunter2"},
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		OTP: application.OTPPolicy{
			Sender:       otpSender,
			PollAttempts: 2,
			PollInterval: time.Second,
		},
	}, nil, opts...)

	return orchFixture{orch: orch, cache: cache, timer: timer, acquirer: acq}
}

func bundleWithSession(session string) model.CredentialBundle {
	return model.NewCredentialBundle(model.BundleSource{
		Cookies: map[string]string{"session": session},
	})
}

func upstreamDown(artifact string) error {
	e := model.NewAcquisitionError(model.KindUpstreamUnavailable, errors.New("server error page"))
	e.Artifact = artifact
	return e
}

// --- Tests ---

func TestAcquire_CacheHitSkipsLogin(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(&fakeAcquirer{}, nil)
	f.cache.Put(ctx, bundleWithSession("cached"))

	bundle, err := f.orch.Acquire(ctx, false)

	require.NoError(t, err)
	assert.Equal(t, "session=cached", bundle.CookieHeader())
	assert.Equal(t, 0, f.acquirer.Calls())
}

func TestAcquire_CoalescesConcurrentCallers(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		gate := make(chan struct{})
		f := newOrchFixture(&fakeAcquirer{
			gate:    gate,
			results: []acquireResult{{bundle: bundleWithSession("shared")}},
		}, nil)

		const callers = 10
		bundles := make([]model.CredentialBundle, callers)
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				bundles[i], errs[i] = f.orch.Acquire(context.Background(), false)
			}()
		}

		synctest.Wait()
		assert.True(t, f.orch.Status(context.Background()).InFlight)
		close(gate)
		wg.Wait()

		assert.Equal(t, 1, f.acquirer.Calls())
		for i := range callers {
			require.NoError(t, errs[i])
			assert.Equal(t, "session=shared", bundles[i].CookieHeader())
		}
	})
}

func TestAcquire_CoalescedCallersShareFailure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		gate := make(chan struct{})
		f := newOrchFixture(&fakeAcquirer{
			gate:    gate,
			results: []acquireResult{{err: model.ConfigError("no browser available")}},
		}, nil)

		const callers = 5
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = f.orch.Acquire(context.Background(), false)
			}()
		}

		synctest.Wait()
		close(gate)
		wg.Wait()

		assert.Equal(t, 1, f.acquirer.Calls())
		for _, err := range errs {
			assert.ErrorIs(t, err, model.ErrConfiguration)
			assert.Same(t, errs[0], err)
		}
	})
}

func TestAcquire_ExhaustsWithLinearBackoffThenStartsFresh(t *testing.T) {
	ctx := context.Background()
	acq := &fakeAcquirer{results: []acquireResult{
		{err: errors.New("navigation timeout")},
		{err: model.NewAcquisitionError(model.KindOTPTimeout, errors.New("no mail"))},
		{err: upstreamDown("artifacts/fail-3.png")},
		{bundle: bundleWithSession("fresh")},
	}}
	f := newOrchFixture(acq, nil)

	_, err := f.orch.Acquire(ctx, false)

	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrAcquisitionFailed)
	assert.ErrorIs(t, err, model.ErrUpstreamUnavailable, "wraps the last attempt's error")
	assert.Equal(t, model.KindAcquisitionFailed, model.KindOf(err))
	assert.Equal(t, "artifacts/fail-3.png", model.ArtifactOf(err))

	var failed *model.AcquisitionFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 3, failed.Attempts)

	assert.Equal(t, 3, acq.Calls())
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, f.timer.Delays())

	st := f.orch.Status(ctx)
	require.Len(t, st.LastAttempts, 3)
	assert.Equal(t, model.AttemptStateBackoff, st.LastAttempts[0].State)
	assert.Equal(t, model.AttemptStateBackoff, st.LastAttempts[1].State)
	assert.Equal(t, model.AttemptStateExhausted, st.LastAttempts[2].State)
	assert.True(t, st.LastAttempts[2].ServerError)
	assert.Equal(t, model.KindAcquisitionFailed, st.LastErrorKind)

	bundle, err := f.orch.Acquire(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "session=fresh", bundle.CookieHeader())
	assert.Equal(t, 4, acq.Calls())
	assert.Empty(t, f.orch.Status(ctx).LastError)
}

func TestAcquire_RetriesThenSucceeds(t *testing.T) {
	acq := &fakeAcquirer{results: []acquireResult{
		{err: model.NewAcquisitionError(model.KindPostLoginNotReached, errors.New("no dashboard"))},
		{bundle: bundleWithSession("second")},
	}}
	f := newOrchFixture(acq, nil)

	bundle, err := f.orch.Acquire(context.Background(), false)

	require.NoError(t, err)
	assert.Equal(t, "session=second", bundle.CookieHeader())
	assert.Equal(t, 2, acq.Calls())
	assert.Equal(t, []time.Duration{5 * time.Second}, f.timer.Delays())

	attempts := f.orch.Status(context.Background()).LastAttempts
	require.Len(t, attempts, 2)
	assert.Equal(t, model.AttemptStateSucceeded, attempts[1].State)
	assert.NotEqual(t, attempts[0].ID, attempts[1].ID)
}

func TestAcquire_ConfigurationErrorsFailFast(t *testing.T) {
	t.Run("from acquirer", func(t *testing.T) {
		acq := &fakeAcquirer{results: []acquireResult{{err: model.ConfigError("chromium not installed")}}}
		f := newOrchFixture(acq, nil)

		_, err := f.orch.Acquire(context.Background(), false)

		assert.ErrorIs(t, err, model.ErrConfiguration)
		assert.NotErrorIs(t, err, model.ErrAcquisitionFailed)
		assert.Equal(t, 1, acq.Calls())
		assert.Empty(t, f.timer.Delays())
	})

	t.Run("missing credentials", func(t *testing.T) {
		acq := &fakeAcquirer{}
		cache := application.NewCredentialCache(nil, application.CacheOptions{}, nil)
		orch := application.NewAcquisitionOrchestrator(acq, &fakeCorrelator{}, cache,
			application.OrchestratorConfig{OTP: application.OTPPolicy{Sender: otpSender}}, nil)

		_, err := orch.Acquire(context.Background(), false)

		assert.ErrorIs(t, err, model.ErrConfiguration)
		assert.Equal(t, model.KindConfiguration, model.KindOf(err))
		assert.Equal(t, 0, acq.Calls())
	})
}

func TestAcquire_ForceRefreshBypassesValidCache(t *testing.T) {
	ctx := context.Background()
	acq := &fakeAcquirer{results: []acquireResult{{bundle: bundleWithSession("forced")}}}
	f := newOrchFixture(acq, nil)
	f.cache.Put(ctx, bundleWithSession("cached"))

	bundle, err := f.orch.Acquire(ctx, true)

	require.NoError(t, err)
	assert.Equal(t, "session=forced", bundle.CookieHeader())
	assert.Equal(t, 1, acq.Calls())

	cached, ok := f.cache.Get(ctx)
	require.True(t, ok)
	assert.Equal(t, "session=forced", cached.Bundle.CookieHeader())
}

func TestAcquire_ForceRefreshWaitsForNewerLogin(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		gate := make(chan struct{})
		acq := &fakeAcquirer{gate: gate, results: []acquireResult{
			{bundle: bundleWithSession("first")},
			{bundle: bundleWithSession("second")},
		}}
		f := newOrchFixture(acq, nil)

		var wg sync.WaitGroup
		var plain, forced model.CredentialBundle
		wg.Add(1)
		go func() {
			defer wg.Done()
			plain, _ = f.orch.Acquire(context.Background(), false)
		}()
		synctest.Wait()

		wg.Add(1)
		go func() {
			defer wg.Done()
			forced, _ = f.orch.Acquire(context.Background(), true)
		}()
		synctest.Wait()

		close(gate)
		wg.Wait()

		assert.Equal(t, 2, acq.Calls())
		assert.Equal(t, "session=first", plain.CookieHeader())
		assert.Equal(t, "session=second", forced.CookieHeader())
	})
}

func TestAcquire_CallerTimeoutDoesNotAbortLogin(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		gate := make(chan struct{})
		acq := &fakeAcquirer{gate: gate, results: []acquireResult{{bundle: bundleWithSession("late")}}}
		f := newOrchFixture(acq, nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := f.orch.Acquire(ctx, false)
			done <- err
		}()
		synctest.Wait()

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)

		close(gate)
		synctest.Wait()

		acq.mu.Lock()
		ctxErrs := acq.ctxErrs
		acq.mu.Unlock()
		require.Len(t, ctxErrs, 1)
		assert.NoError(t, ctxErrs[0], "login context is detached from the caller")

		cached, ok := f.cache.Get(context.Background())
		require.True(t, ok, "the detached login still fills the cache")
		assert.Equal(t, "session=late", cached.Bundle.CookieHeader())
		assert.False(t, f.orch.Status(context.Background()).InFlight)
	})
}

func TestAcquire_FreshBaselinePerAttempt(t *testing.T) {
	corr := &fakeCorrelator{code: "12"}
	acq := &fakeAcquirer{useOTP: true}
	f := newOrchFixture(acq, corr)

	_, err := f.orch.Acquire(context.Background(), false)

	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrOTPTooShort)
	assert.Equal(t, 3, acq.Calls())

	require.Len(t, corr.queries, 3)
	for i, q := range corr.queries {
		assert.Equal(t, fmt.Sprintf("baseline-%d", i+1), q.Baseline.MessageID)
		assert.Equal(t, otpSender, q.Sender)
		assert.Equal(t, 2, q.MaxAttempts)
	}
}

func TestAcquire_ResolverDeliversCode(t *testing.T) {
	corr := &fakeCorrelator{code: "482156"}
	acq := &fakeAcquirer{useOTP: true}
	f := newOrchFixture(acq, corr)

	_, err := f.orch.Acquire(context.Background(), false)

	require.NoError(t, err)
	assert.Equal(t, []string{"482156"}, acq.otps)
}

func TestAcquire_EmptyBundleIsPostLoginFailure(t *testing.T) {
	acq := &fakeAcquirer{results: []acquireResult{{bundle: model.CredentialBundle{}}}}
	f := newOrchFixture(acq, nil)

	_, err := f.orch.Acquire(context.Background(), false)

	assert.ErrorIs(t, err, model.ErrAcquisitionFailed)
	assert.ErrorIs(t, err, model.ErrPostLoginNotReached)
}

func TestRefresh_KeepsCurrentCredentialAvailable(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		gate := make(chan struct{})
		acq := &fakeAcquirer{gate: gate, results: []acquireResult{{bundle: bundleWithSession("renewed")}}}
		f := newOrchFixture(acq, nil)
		f.cache.Put(ctx, bundleWithSession("current"))

		done := make(chan error, 1)
		go func() {
			_, err := f.orch.Refresh(ctx)
			done <- err
		}()
		synctest.Wait()

		bundle, err := f.orch.Acquire(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, "session=current", bundle.CookieHeader())

		close(gate)
		require.NoError(t, <-done)

		bundle, err = f.orch.Acquire(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, "session=renewed", bundle.CookieHeader())
	})
}

func TestAcquire_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	acq := &fakeAcquirer{results: []acquireResult{
		{err: errors.New("flaky")},
		{bundle: bundleWithSession("ok")},
	}}
	f := newOrchFixture(acq, nil, application.WithOrchestratorMetrics(application.NewMetrics(reg)))

	_, err := f.orch.Acquire(context.Background(), false)
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "credbroker_login_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per outcome")

	count, err = testutil.GatherAndCount(reg, "credbroker_acquisitions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// memHistory is an in-memory driven.AcquisitionLog.
type memHistory struct {
	mu      sync.Mutex
	records []model.AcquisitionRecord
	err     error
}

func (h *memHistory) Append(_ context.Context, record model.AcquisitionRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	record.ID = int64(len(h.records) + 1)
	h.records = append(h.records, record)
	return nil
}

func (h *memHistory) Recent(_ context.Context, limit int) ([]model.AcquisitionRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []model.AcquisitionRecord{}
	for i := len(h.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.records[i])
	}
	return out, nil
}

func TestHistory_RecordsEachLoginSequence(t *testing.T) {
	ctx := context.Background()
	log := &memHistory{}
	acq := &fakeAcquirer{results: []acquireResult{
		{err: upstreamDown("/tmp/shot.png")},
		{err: upstreamDown("/tmp/shot.png")},
		{err: upstreamDown("/tmp/shot.png")},
		{bundle: bundleWithSession("ok")},
	}}
	f := newOrchFixture(acq, nil, application.WithAcquisitionLog(log))

	_, err := f.orch.Acquire(ctx, false)
	require.ErrorIs(t, err, model.ErrAcquisitionFailed)
	_, err = f.orch.Acquire(ctx, false)
	require.NoError(t, err)

	records, err := f.orch.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	success, failure := records[0], records[1]
	assert.Equal(t, model.OutcomeSuccess, success.Outcome)
	assert.Equal(t, uint64(2), success.Generation)
	assert.Equal(t, 1, success.Attempts)
	assert.Empty(t, success.Error)

	assert.Equal(t, model.OutcomeFailure, failure.Outcome)
	assert.Equal(t, uint64(1), failure.Generation)
	assert.Equal(t, 3, failure.Attempts)
	assert.Equal(t, model.KindAcquisitionFailed, failure.ErrorKind)
	assert.Equal(t, "/tmp/shot.png", failure.Artifact)
	assert.False(t, failure.FinishedAt.Before(failure.StartedAt))
}

func TestHistory_FailuresDoNotBreakLogin(t *testing.T) {
	f := newOrchFixture(&fakeAcquirer{}, nil, application.WithAcquisitionLog(&memHistory{err: errBoom}))

	_, err := f.orch.Acquire(context.Background(), false)
	require.NoError(t, err)
}

func TestHistory_EmptyWithoutLog(t *testing.T) {
	f := newOrchFixture(&fakeAcquirer{}, nil)

	records, err := f.orch.History(context.Background(), 5)
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestInvalidateIfCurrent_OnlyDropsRejectedCredential(t *testing.T) {
	ctx := context.Background()
	acq := &fakeAcquirer{results: []acquireResult{
		{bundle: bundleWithSession("first")},
		{bundle: bundleWithSession("second")},
	}}
	f := newOrchFixture(acq, nil)

	rejected, err := f.orch.AcquireCredential(ctx, false)
	require.NoError(t, err)

	assert.True(t, f.orch.InvalidateIfCurrent(ctx, rejected))
	fresh, err := f.orch.AcquireCredential(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "session=second", fresh.Bundle.CookieHeader())

	assert.False(t, f.orch.InvalidateIfCurrent(ctx, rejected), "a replaced credential is not invalidated again")
	again, err := f.orch.AcquireCredential(ctx, false)
	require.NoError(t, err)
	assert.Same(t, fresh, again)
	assert.Equal(t, 2, acq.Calls())

	assert.False(t, f.orch.InvalidateIfCurrent(ctx, nil))
}
