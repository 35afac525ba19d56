package httphandler_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httphandler "github.com/ericfisherdev/credbroker/internal/adapter/driving/http"
	"github.com/ericfisherdev/credbroker/internal/application"
	"github.com/ericfisherdev/credbroker/internal/domain/model"
	"github.com/ericfisherdev/credbroker/internal/domain/port/driven"
)

// --- Mock implementations ---

type mockCredentialService struct {
	mu          sync.Mutex
	cred        *model.CachedCredential
	forced      *model.CachedCredential
	next        *model.CachedCredential // replaces cred once it is rejected
	err         error
	calls       int
	forceCalls  int
	invalidated int
	rejections  int
	status      application.AcquisitionStatus
	history     []model.AcquisitionRecord
	historyErr  error
	lastLimit   int
	panicStatus bool
}

func (m *mockCredentialService) AcquireCredential(_ context.Context, forceRefresh bool) (*model.CachedCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if forceRefresh {
		m.forceCalls++
		if m.forced != nil {
			return m.forced, nil
		}
	}
	return m.cred, nil
}

func (m *mockCredentialService) Invalidate(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated++
}

func (m *mockCredentialService) InvalidateIfCurrent(_ context.Context, rejected *model.CachedCredential) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rejected == nil || rejected != m.cred {
		return false
	}
	m.rejections++
	if m.next != nil {
		m.cred = m.next
	}
	return true
}

func (m *mockCredentialService) Status(context.Context) application.AcquisitionStatus {
	if m.panicStatus {
		panic("status exploded")
	}
	return m.status
}

func (m *mockCredentialService) History(_ context.Context, limit int) ([]model.AcquisitionRecord, error) {
	m.lastLimit = limit
	return m.history, m.historyErr
}

type mockRefresher struct {
	calls int
	err   error
}

func (m *mockRefresher) RefreshNow(context.Context) error {
	m.calls++
	return m.err
}

// --- Test helpers ---

var (
	testTime    = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	testTimeStr = "2026-02-10T12:00:00Z"
)

func testCredential(token string) *model.CachedCredential {
	return &model.CachedCredential{
		Bundle: model.NewCredentialBundle(model.BundleSource{
			Cookies:     map[string]string{"sid": "abc"},
			AccessToken: token,
			UserAgent:   "credbroker-test",
			Referer:     "https://app.example.com/",
			Origin:      "https://app.example.com",
		}),
		AcquiredAt: testTime,
		ExpiresAt:  testTime.Add(30 * time.Minute),
	}
}

func setupMux(svc *mockCredentialService, opts ...httphandler.Option) http.Handler {
	h := httphandler.NewHandler(svc, slog.Default(), opts...)
	return httphandler.NewServeMux(h, slog.Default())
}

func serve(mux http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	err := json.NewDecoder(rec.Body).Decode(v)
	require.NoError(t, err)
}

// --- Tests ---

func TestHealth(t *testing.T) {
	rec := serve(setupMux(&mockCredentialService{}), http.MethodGet, "/api/v1/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "ok", resp["status"])
	assert.NotEmpty(t, resp["time"])
}

func TestGetCredential(t *testing.T) {
	svc := &mockCredentialService{cred: testCredential("tok-1")}
	rec := serve(setupMux(svc), http.MethodGet, "/api/v1/credential", nil)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp httphandler.CredentialResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, map[string]string{"sid": "abc"}, resp.Cookie)
	assert.Equal(t, "sid=abc", resp.CookieHeader)
	assert.Equal(t, "tok-1", resp.AccessToken)
	assert.Equal(t, "Bearer tok-1", resp.Headers["Authorization"])
	assert.Equal(t, "sid=abc", resp.Headers["Cookie"])
	assert.Equal(t, testTimeStr, resp.AcquiredAt)
	assert.Equal(t, "2026-02-10T12:30:00Z", resp.ExpiresAt)
	assert.Equal(t, 0, svc.forceCalls)
}

func TestGetCredential_Refresh(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantForced int
	}{
		{name: "refresh true", query: "?refresh=true", wantStatus: http.StatusOK, wantForced: 1},
		{name: "refresh 1", query: "?refresh=1", wantStatus: http.StatusOK, wantForced: 1},
		{name: "refresh false", query: "?refresh=false", wantStatus: http.StatusOK},
		{name: "invalid", query: "?refresh=maybe", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockCredentialService{cred: testCredential("tok")}
			rec := serve(setupMux(svc), http.MethodGet, "/api/v1/credential"+tt.query, nil)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantForced, svc.forceCalls)
		})
	}
}

func TestGetCredential_ErrorMapping(t *testing.T) {
	artifactErr := model.NewAcquisitionError(model.KindUpstreamUnavailable, errors.New("502 page"))
	artifactErr.Artifact = "artifacts/server-error-1.png"

	tests := []struct {
		name         string
		err          error
		wantStatus   int
		wantCode     string
		wantArtifact string
	}{
		{
			name:       "configuration",
			err:        model.ConfigError("login email and password are required"),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "ConfigurationError",
		},
		{
			name:         "exhausted",
			err:          &model.AcquisitionFailedError{Attempts: 3, Last: artifactErr},
			wantStatus:   http.StatusBadGateway,
			wantCode:     "AcquisitionFailed",
			wantArtifact: "artifacts/server-error-1.png",
		},
		{
			name:         "upstream unavailable",
			err:          artifactErr,
			wantStatus:   http.StatusBadGateway,
			wantCode:     "UpstreamUnavailable",
			wantArtifact: "artifacts/server-error-1.png",
		},
		{
			name:       "caller timeout",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "Timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(setupMux(&mockCredentialService{err: tt.err}), http.MethodGet, "/api/v1/credential", nil)

			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp httphandler.AcquireErrorResponse
			decodeJSON(t, rec, &resp)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, tt.wantArtifact, resp.Artifact)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestInvalidateCredential(t *testing.T) {
	svc := &mockCredentialService{}
	rec := serve(setupMux(svc), http.MethodPost, "/api/v1/credential/invalidate", nil)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, svc.invalidated)

	rec = serve(setupMux(svc), http.MethodGet, "/api/v1/credential/invalidate", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatus(t *testing.T) {
	svc := &mockCredentialService{status: application.AcquisitionStatus{
		Cached:        true,
		CacheValid:    true,
		AcquiredAt:    testTime,
		ExpiresAt:     testTime.Add(time.Hour),
		Generation:    4,
		LastSuccessAt: testTime,
		LastErrorKind: "",
		LastAttempts: []model.AcquisitionAttempt{
			{ID: "a1", Index: 1, State: model.AttemptStateBackoff, ServerError: true, Artifact: "x.png", Err: errors.New("502")},
			{ID: "a2", Index: 2, State: model.AttemptStateSucceeded},
		},
	}}
	rec := serve(setupMux(svc), http.MethodGet, "/api/v1/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp httphandler.StatusResponse
	decodeJSON(t, rec, &resp)
	assert.True(t, resp.Cached)
	assert.True(t, resp.CacheValid)
	assert.Equal(t, uint64(4), resp.Generation)
	assert.Equal(t, testTimeStr, resp.LastSuccessAt)
	assert.Empty(t, resp.LastFailureAt)
	require.Len(t, resp.LastAttempts, 2)
	assert.Equal(t, "backoff", resp.LastAttempts[0].State)
	assert.True(t, resp.LastAttempts[0].ServerError)
	assert.Equal(t, "502", resp.LastAttempts[0].Error)
	assert.Empty(t, resp.LastAttempts[1].Error)
}

func TestStatus_EmptyAttemptsIsArray(t *testing.T) {
	rec := serve(setupMux(&mockCredentialService{}), http.MethodGet, "/api/v1/status", nil)

	assert.Contains(t, rec.Body.String(), `"lastAttempts":[]`)
}

func TestListAcquisitions(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		svc        *mockCredentialService
		wantStatus int
		wantLimit  int
		wantLen    int
	}{
		{
			name: "default limit",
			svc: &mockCredentialService{history: []model.AcquisitionRecord{
				{ID: 2, Generation: 2, StartedAt: testTime, FinishedAt: testTime.Add(time.Minute), Attempts: 1, Outcome: model.OutcomeSuccess},
				{ID: 1, Generation: 1, StartedAt: testTime, FinishedAt: testTime, Attempts: 3, Outcome: model.OutcomeFailure, ErrorKind: model.KindAcquisitionFailed},
			}},
			wantStatus: http.StatusOK,
			wantLimit:  20,
			wantLen:    2,
		},
		{name: "explicit limit", query: "?limit=5", svc: &mockCredentialService{}, wantStatus: http.StatusOK, wantLimit: 5},
		{name: "bad limit", query: "?limit=abc", svc: &mockCredentialService{}, wantStatus: http.StatusBadRequest},
		{name: "limit too large", query: "?limit=501", svc: &mockCredentialService{}, wantStatus: http.StatusBadRequest},
		{
			name:       "store error",
			svc:        &mockCredentialService{historyErr: errors.New("disk I/O error")},
			wantStatus: http.StatusInternalServerError,
			wantLimit:  20,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(setupMux(tt.svc), http.MethodGet, "/api/v1/acquisitions"+tt.query, nil)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantLimit, tt.svc.lastLimit)
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp []httphandler.AcquisitionResponse
			decodeJSON(t, rec, &resp)
			assert.Len(t, resp, tt.wantLen)
			if tt.wantLen > 0 {
				assert.Equal(t, "success", resp[0].Outcome)
				assert.Equal(t, "AcquisitionFailed", resp[1].ErrorKind)
			}
		})
	}
}

func TestRefreshCredential(t *testing.T) {
	t.Run("not enabled", func(t *testing.T) {
		rec := serve(setupMux(&mockCredentialService{}), http.MethodPost, "/api/v1/credential/refresh", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("success reports status", func(t *testing.T) {
		refresher := &mockRefresher{}
		svc := &mockCredentialService{status: application.AcquisitionStatus{Cached: true, Generation: 7}}
		rec := serve(setupMux(svc, httphandler.WithRefresher(refresher)), http.MethodPost, "/api/v1/credential/refresh", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, refresher.calls)
		var resp httphandler.StatusResponse
		decodeJSON(t, rec, &resp)
		assert.Equal(t, uint64(7), resp.Generation)
	})

	t.Run("failure", func(t *testing.T) {
		refresher := &mockRefresher{err: &model.AcquisitionFailedError{Attempts: 3, Last: errors.New("boom")}}
		rec := serve(setupMux(&mockCredentialService{}, httphandler.WithRefresher(refresher)), http.MethodPost, "/api/v1/credential/refresh", nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestAPIKey(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		header     string
		value      string
		wantStatus int
	}{
		{name: "missing", path: "/api/v1/status", wantStatus: http.StatusUnauthorized},
		{name: "wrong key", path: "/api/v1/status", header: "X-API-Key", value: "nope", wantStatus: http.StatusUnauthorized},
		{name: "x-api-key", path: "/api/v1/status", header: "X-API-Key", value: "s3cret", wantStatus: http.StatusOK},
		{name: "bearer", path: "/api/v1/status", header: "Authorization", value: "Bearer s3cret", wantStatus: http.StatusOK},
		{name: "basic scheme rejected", path: "/api/v1/status", header: "Authorization", value: "Basic s3cret", wantStatus: http.StatusUnauthorized},
		{name: "health open", path: "/api/v1/health", wantStatus: http.StatusOK},
		{name: "metrics open", path: "/metrics", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := setupMux(&mockCredentialService{},
				httphandler.WithAPIKey("s3cret"),
				httphandler.WithMetrics(prometheus.NewRegistry()))
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "credbroker_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	rec := serve(setupMux(&mockCredentialService{}, httphandler.WithMetrics(reg)), http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "credbroker_test_total 1")
}

func TestMetricsDisabled(t *testing.T) {
	rec := serve(setupMux(&mockCredentialService{}), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	rec := serve(setupMux(&mockCredentialService{panicStatus: true}), http.MethodGet, "/api/v1/status", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp map[string]any
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "internal server error", resp["error"])
}

// --- Proxy ---

type upstreamCall struct {
	method        string
	path          string
	query         string
	authorization string
	cookie        string
	apiKey        string
	custom        string
	body          string
}

type upstream struct {
	mu     sync.Mutex
	calls  []upstreamCall
	reject string // token answered with 401
}

func (u *upstream) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	call := upstreamCall{
		method:        r.Method,
		path:          r.URL.Path,
		query:         r.URL.RawQuery,
		authorization: r.Header.Get("Authorization"),
		cookie:        r.Header.Get("Cookie"),
		apiKey:        r.Header.Get("X-API-Key"),
		custom:        r.Header.Get("X-Custom"),
		body:          string(body),
	}
	u.mu.Lock()
	u.calls = append(u.calls, call)
	u.mu.Unlock()

	if u.reject != "" && call.authorization == "Bearer "+u.reject {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("X-Upstream", "yes")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (u *upstream) Calls() []upstreamCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]upstreamCall(nil), u.calls...)
}

func TestProxy_AttachesCredential(t *testing.T) {
	up := &upstream{}
	srv := httptest.NewServer(http.HandlerFunc(up.handler))
	defer srv.Close()

	svc := &mockCredentialService{cred: testCredential("tok-1")}
	mux := setupMux(svc, httphandler.WithUpstream(srv.URL+"/api/", srv.Client()), httphandler.WithAPIKey("s3cret"))

	req := httptest.NewRequest(http.MethodPost, "/proxy/v2/orders?page=2", strings.NewReader(`{"id":1}`))
	req.Header.Set("X-API-Key", "s3cret")
	req.Header.Set("X-Custom", "kept")
	req.Header.Set("Cookie", "client=overridden")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	calls := up.Calls()
	require.Len(t, calls, 1)
	got := calls[0]
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/api/v2/orders", got.path)
	assert.Equal(t, "page=2", got.query)
	assert.Equal(t, "Bearer tok-1", got.authorization)
	assert.Equal(t, "sid=abc", got.cookie)
	assert.Empty(t, got.apiKey, "the broker's own API key is not forwarded")
	assert.Equal(t, "kept", got.custom)
	assert.Equal(t, `{"id":1}`, got.body)
}

func TestProxy_RetriesOnceWithFreshCredential(t *testing.T) {
	up := &upstream{reject: "stale"}
	srv := httptest.NewServer(http.HandlerFunc(up.handler))
	defer srv.Close()

	svc := &mockCredentialService{cred: testCredential("stale"), next: testCredential("fresh")}
	mux := setupMux(svc, httphandler.WithUpstream(srv.URL, srv.Client()))

	rec := serve(mux, http.MethodPut, "/proxy/items/9", strings.NewReader("payload"))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, svc.rejections)
	assert.Zero(t, svc.forceCalls, "the retry coalesces instead of forcing a login")

	calls := up.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "Bearer stale", calls[0].authorization)
	assert.Equal(t, "Bearer fresh", calls[1].authorization)
	assert.Equal(t, "payload", calls[1].body, "body replayed on retry")
}

func TestProxy_SecondRejectionPassesThrough(t *testing.T) {
	up := &upstream{reject: "stale"}
	srv := httptest.NewServer(http.HandlerFunc(up.handler))
	defer srv.Close()

	svc := &mockCredentialService{cred: testCredential("stale")}
	mux := setupMux(svc, httphandler.WithUpstream(srv.URL, srv.Client()))

	rec := serve(mux, http.MethodGet, "/proxy/items", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Len(t, up.Calls(), 2)
	assert.Equal(t, 1, svc.rejections)
}

func TestProxy_AcquireFailure(t *testing.T) {
	up := &upstream{}
	srv := httptest.NewServer(http.HandlerFunc(up.handler))
	defer srv.Close()

	svc := &mockCredentialService{err: model.ConfigError("no credentials")}
	rec := serve(setupMux(svc, httphandler.WithUpstream(srv.URL, srv.Client())), http.MethodGet, "/proxy/x", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, up.Calls())
}

func TestProxy_BodyTooLarge(t *testing.T) {
	up := &upstream{}
	srv := httptest.NewServer(http.HandlerFunc(up.handler))
	defer srv.Close()

	svc := &mockCredentialService{cred: testCredential("tok")}
	big := strings.NewReader(strings.Repeat("x", 10<<20+1))
	rec := serve(setupMux(svc, httphandler.WithUpstream(srv.URL, srv.Client())), http.MethodPost, "/proxy/upload", big)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, up.Calls())
}

func TestProxy_UpstreamUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	svc := &mockCredentialService{cred: testCredential("tok")}
	rec := serve(setupMux(svc, httphandler.WithUpstream(url, nil)), http.MethodGet, "/proxy/x", nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestProxy_DisabledWithoutUpstream(t *testing.T) {
	rec := serve(setupMux(&mockCredentialService{}), http.MethodGet, "/proxy/x", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// countingAcquirer hands out t1, t2, ... one token per interactive login.
type countingAcquirer struct {
	mu     sync.Mutex
	logins int
}

func (a *countingAcquirer) Acquire(context.Context, model.LoginCredentials, driven.OTPResolver) (model.CredentialBundle, error) {
	a.mu.Lock()
	a.logins++
	n := a.logins
	a.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	return model.NewCredentialBundle(model.BundleSource{
		Cookies:     map[string]string{"sid": fmt.Sprintf("s%d", n)},
		AccessToken: fmt.Sprintf("t%d", n),
	}), nil
}

func (a *countingAcquirer) Logins() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logins
}

type staticCorrelator struct{}

func (staticCorrelator) CaptureBaseline(context.Context, string) model.BaselineMarker {
	return model.BaselineMarker{}
}

func (staticCorrelator) FetchOTP(context.Context, application.OTPQuery) (string, error) {
	return "123456", nil
}

func TestProxy_ConcurrentRejectionsShareOneLogin(t *testing.T) {
	up := &upstream{reject: "t1"}
	srv := httptest.NewServer(http.HandlerFunc(up.handler))
	defer srv.Close()

	acquirer := &countingAcquirer{}
	cache := application.NewCredentialCache(nil, application.CacheOptions{}, slog.Default())
	orch := application.NewAcquisitionOrchestrator(acquirer, staticCorrelator{}, cache, application.OrchestratorConfig{
		Credentials: model.LoginCredentials{Email: "bot@example.com", Password: "pw"},
		OTP:         application.OTPPolicy{Sender: "otp@example.com"},
	}, slog.Default())

	_, err := orch.AcquireCredential(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, acquirer.Logins())

	mux := httphandler.NewServeMux(
		httphandler.NewHandler(orch, slog.Default(), httphandler.WithUpstream(srv.URL, srv.Client())),
		slog.Default(),
	)

	const burst = 8
	codes := make([]int, burst)
	var wg sync.WaitGroup
	for i := range burst {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes[i] = serve(mux, http.MethodGet, "/proxy/items", nil).Code
		}()
	}
	wg.Wait()

	for i, code := range codes {
		assert.Equal(t, http.StatusCreated, code, "request %d", i)
	}
	assert.Equal(t, 2, acquirer.Logins(), "one warm-up login plus exactly one refresh")

	cached, err := orch.AcquireCredential(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "t2", cached.Bundle.AccessToken())
}
