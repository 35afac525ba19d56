package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/ericfisherdev/credbroker/internal/domain/model"
)

// credentialRefresher is the part of AcquisitionOrchestrator the refresh
// loop drives.
type credentialRefresher interface {
	Refresh(ctx context.Context) (*model.CachedCredential, error)
	Status(ctx context.Context) AcquisitionStatus
}

// refreshRequest represents a manual refresh trigger.
type refreshRequest struct {
	done chan error
}

// RefreshService keeps the credential warm by logging in again shortly
// before the cached one expires.
type RefreshService struct {
	orchestrator credentialRefresher
	interval     time.Duration
	ahead        time.Duration
	now          func() time.Time
	refreshCh    chan refreshRequest
}

// NewRefreshService creates a RefreshService that checks every interval and
// refreshes when the credential expires within ahead.
func NewRefreshService(orchestrator credentialRefresher, interval, ahead time.Duration) *RefreshService {
	return &RefreshService{
		orchestrator: orchestrator,
		interval:     interval,
		ahead:        ahead,
		now:          time.Now,
		refreshCh:    make(chan refreshRequest),
	}
}

// Start runs the refresh loop until ctx is canceled. It also serves manual
// RefreshNow requests. A zero interval disables the periodic check.
func (s *RefreshService) Start(ctx context.Context) {
	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("refresh service stopped")
			return
		case <-tick:
			if err := s.checkOnce(ctx); err != nil {
				slog.Error("credential refresh failed", "error", err)
			}
		case req := <-s.refreshCh:
			req.done <- s.refresh(ctx)
		}
	}
}

// RefreshNow requests an immediate login through the loop and waits for it.
func (s *RefreshService) RefreshNow(ctx context.Context) error {
	done := make(chan error, 1)

	select {
	case s.refreshCh <- refreshRequest{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// checkOnce refreshes when the cached credential is close to expiry. With
// nothing cached it stays idle until a request asks for a credential.
func (s *RefreshService) checkOnce(ctx context.Context) error {
	st := s.orchestrator.Status(ctx)
	if st.InFlight || !st.Cached {
		return nil
	}

	remaining := st.ExpiresAt.Sub(s.now())
	if remaining > s.ahead {
		slog.Debug("credential still fresh", "remaining", remaining.Round(time.Second))
		return nil
	}

	slog.Info("credential nearing expiry, refreshing", "remaining", remaining.Round(time.Second))
	return s.refresh(ctx)
}

func (s *RefreshService) refresh(ctx context.Context) error {
	start := time.Now()
	cred, err := s.orchestrator.Refresh(ctx)
	if err != nil {
		return err
	}
	slog.Info("credential refreshed",
		"expires_at", cred.ExpiresAt,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return nil
}
