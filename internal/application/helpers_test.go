package application_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ericfisherdev/credbroker/internal/domain/model"
)

// --- Shared fakes ---

// recordingTimer satisfies backoff.Timer, fires immediately and remembers
// every requested delay.
type recordingTimer struct {
	mu     sync.Mutex
	delays []time.Duration
	c      chan time.Time
}

func newRecordingTimer() *recordingTimer {
	return &recordingTimer{c: make(chan time.Time, 1)}
}

func (t *recordingTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()
	t.c <- time.Time{}
}

func (t *recordingTimer) Stop() {}

func (t *recordingTimer) C() <-chan time.Time { return t.c }

func (t *recordingTimer) Delays() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.delays...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// memStore is an in-memory driven.RecordStore.
type memStore struct {
	mu      sync.Mutex
	record  *model.CredentialRecord
	loadErr error
	saveErr error
	loads   int
	saves   int
	clears  int
}

func (s *memStore) Load(_ context.Context) (*model.CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.record == nil {
		return nil, nil
	}
	rec := *s.record
	return &rec, nil
}

func (s *memStore) Save(_ context.Context, record model.CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.record = &record
	return nil
}

func (s *memStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	s.record = nil
	return nil
}

func (s *memStore) Stored() *model.CredentialRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

var errBoom = errors.New("boom")

func signedToken(exp time.Time) string {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		panic(err)
	}
	return tok
}

func testBundle(token string) model.CredentialBundle {
	return model.NewCredentialBundle(model.BundleSource{
		Cookies:     map[string]string{"session": "abc", "csrf": "xyz"},
		AccessToken: token,
		UserAgent:   "test-agent",
		Referer:     "https://app.example.com/",
		Origin:      "https://app.example.com",
	})
}
