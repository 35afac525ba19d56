// Package browser implements driven.SessionAcquirer by driving the login
// form in a real browser.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/credbroker/internal/domain/model"
	"github.com/ericfisherdev/credbroker/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.SessionAcquirer = (*Acquirer)(nil)

// DefaultServerErrorMarkers are page texts that identify the upstream's
// generic server-error page.
var DefaultServerErrorMarkers = []string{
	"Internal Server Error",
	"502 Bad Gateway",
	"503 Service Temporarily Unavailable",
	"Service Unavailable",
	"504 Gateway Time-out",
}

// Flow describes the login form. Selectors are CSS or playwright selectors.
type Flow struct {
	LoginURL          string   `yaml:"login_url"`
	EmailSelector     string   `yaml:"email_selector"`
	PasswordSelector  string   `yaml:"password_selector"`
	SubmitSelector    string   `yaml:"submit_selector"`
	OTPSelector       string   `yaml:"otp_selector"`
	OTPSubmitSelector string   `yaml:"otp_submit_selector"`
	PostLoginURL      string   `yaml:"post_login_url"`
	PostLoginSelector string   `yaml:"post_login_selector"`
	ServerErrorText   []string `yaml:"server_error_text"`
	UserAgent         string   `yaml:"user_agent"`
	Referer           string   `yaml:"referer"`
	Origin            string   `yaml:"origin"`
}

// DefaultFlow returns selectors that fit a conventional email/password form
// followed by a one-time-code form.
func DefaultFlow() Flow {
	return Flow{
		EmailSelector:     `input[type="email"], input[name="email"]`,
		PasswordSelector:  `input[type="password"]`,
		SubmitSelector:    `button[type="submit"]`,
		OTPSelector:       `input[autocomplete="one-time-code"], input[name="otp"], input[name="code"]`,
		OTPSubmitSelector: `button[type="submit"]`,
		ServerErrorText:   DefaultServerErrorMarkers,
		UserAgent:         "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	}
}

// Config holds the acquirer settings.
type Config struct {
	Flow             Flow
	Headless         bool
	InstallDriver    bool
	ArtifactDir      string
	StepTimeout      time.Duration
	PostLoginTimeout time.Duration
}

// Acquirer runs one login per Acquire call in a fresh browser context.
type Acquirer struct {
	cfg      Config
	launcher pageLauncher
	logger   *slog.Logger
}

// Option customizes an Acquirer.
type Option func(*Acquirer)

func withLauncher(l pageLauncher) Option {
	return func(a *Acquirer) {
		a.launcher = l
	}
}

// New creates a browser-backed SessionAcquirer. The browser driver is
// started lazily on the first Acquire.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Acquirer {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if cfg.PostLoginTimeout <= 0 {
		cfg.PostLoginTimeout = 60 * time.Second
	}
	if cfg.ArtifactDir == "" {
		cfg.ArtifactDir = "artifacts"
	}
	if len(cfg.Flow.ServerErrorText) == 0 {
		cfg.Flow.ServerErrorText = DefaultServerErrorMarkers
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &Acquirer{cfg: cfg, logger: logger}
	a.launcher = newPlaywrightLauncher(cfg, logger)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Close stops the browser driver.
func (a *Acquirer) Close() error {
	return a.launcher.Close()
}

// Acquire logs in with creds, asks otp for the emailed code when the OTP form
// appears, and returns the resulting session.
func (a *Acquirer) Acquire(ctx context.Context, creds model.LoginCredentials, otp driven.OTPResolver) (model.CredentialBundle, error) {
	if !creds.Complete() {
		return model.CredentialBundle{}, model.ConfigError("login email and password are required")
	}
	flow := a.cfg.Flow
	if flow.LoginURL == "" {
		return model.CredentialBundle{}, model.ConfigError("login url is not configured")
	}
	if flow.PostLoginURL == "" && flow.PostLoginSelector == "" {
		return model.CredentialBundle{}, model.ConfigError("no post-login indicator is configured")
	}

	page, err := a.launcher.Launch(ctx)
	switch {
	case errors.Is(err, errDriverUnavailable):
		return model.CredentialBundle{}, model.ConfigError("launching browser: %w", err)
	case err != nil:
		// Browser context and page creation failures are retried.
		return model.CredentialBundle{}, fmt.Errorf("launching browser: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			a.logger.Debug("closing browser page failed", "error", cerr)
		}
	}()

	status, err := page.Goto(flow.LoginURL)
	if err != nil {
		return model.CredentialBundle{}, a.stepFailure(page, "open login page", err)
	}
	if status >= 500 || a.serverErrorShown(page) {
		return model.CredentialBundle{}, a.upstreamUnavailable(page, fmt.Errorf("login page returned status %d", status))
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"email field", func() error { return page.WaitVisible(flow.EmailSelector, a.cfg.StepTimeout) }},
		{"fill email", func() error { return page.Fill(flow.EmailSelector, creds.Email) }},
		{"fill password", func() error { return page.Fill(flow.PasswordSelector, creds.Password) }},
		{"submit credentials", func() error { return page.Click(flow.SubmitSelector) }},
		{"otp field", func() error { return page.WaitVisible(flow.OTPSelector, a.cfg.StepTimeout) }},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return model.CredentialBundle{}, err
		}
		if err := step.run(); err != nil {
			return model.CredentialBundle{}, a.stepFailure(page, step.name, err)
		}
	}

	code, err := otp(ctx)
	if err != nil {
		return model.CredentialBundle{}, err
	}
	if err := page.Fill(flow.OTPSelector, code); err != nil {
		return model.CredentialBundle{}, a.stepFailure(page, "fill otp", err)
	}
	if flow.OTPSubmitSelector != "" {
		if err := page.Click(flow.OTPSubmitSelector); err != nil {
			return model.CredentialBundle{}, a.stepFailure(page, "submit otp", err)
		}
	}

	if err := a.waitPostLogin(page); err != nil {
		if a.serverErrorShown(page) {
			return model.CredentialBundle{}, a.upstreamUnavailable(page, err)
		}
		acqErr := model.NewAcquisitionError(model.KindPostLoginNotReached, err)
		acqErr.Artifact = a.screenshot(page, "post-login")
		return model.CredentialBundle{}, acqErr
	}

	return a.collect(page)
}

func (a *Acquirer) waitPostLogin(page browserPage) error {
	flow := a.cfg.Flow
	if flow.PostLoginURL != "" {
		if err := page.WaitURL(flow.PostLoginURL, a.cfg.PostLoginTimeout); err != nil {
			return fmt.Errorf("url never contained %q (at %s): %w", flow.PostLoginURL, page.URL(), err)
		}
	}
	if flow.PostLoginSelector != "" {
		if err := page.WaitVisible(flow.PostLoginSelector, a.cfg.PostLoginTimeout); err != nil {
			return fmt.Errorf("post-login element %q never appeared: %w", flow.PostLoginSelector, err)
		}
	}
	return nil
}

func (a *Acquirer) collect(page browserPage) (model.CredentialBundle, error) {
	cookies, err := page.Cookies()
	if err != nil {
		return model.CredentialBundle{}, fmt.Errorf("reading cookies: %w", err)
	}

	dump, err := page.StorageDump()
	if err != nil {
		a.logger.Warn("reading web storage failed", "error", err)
	}
	token := SelectToken(dump, page.BearerTokens())

	origin, referer := a.cfg.Flow.Origin, a.cfg.Flow.Referer
	if u, perr := url.Parse(a.cfg.Flow.LoginURL); perr == nil {
		if origin == "" {
			origin = u.Scheme + "://" + u.Host
		}
		if referer == "" {
			referer = origin + "/"
		}
	}

	a.logger.Info("login completed", "cookies", len(cookies), "token", token != "")
	return model.NewCredentialBundle(model.BundleSource{
		Cookies:     cookies,
		AccessToken: token,
		UserAgent:   a.cfg.Flow.UserAgent,
		Referer:     referer,
		Origin:      origin,
	}), nil
}

// stepFailure classifies a failed form step. A visible server-error page
// makes it UpstreamUnavailable; anything else stays unclassified and is
// retried.
func (a *Acquirer) stepFailure(page browserPage, step string, err error) error {
	err = fmt.Errorf("%s: %w", step, err)
	if a.serverErrorShown(page) {
		return a.upstreamUnavailable(page, err)
	}
	return err
}

func (a *Acquirer) upstreamUnavailable(page browserPage, err error) error {
	acqErr := model.NewAcquisitionError(model.KindUpstreamUnavailable, err)
	acqErr.Artifact = a.screenshot(page, "server-error")
	a.logger.Warn("upstream server error page", "url", page.URL(), "artifact", acqErr.Artifact)
	return acqErr
}

func (a *Acquirer) serverErrorShown(page browserPage) bool {
	content, err := page.Content()
	if err != nil {
		return false
	}
	lower := strings.ToLower(content)
	for _, marker := range a.cfg.Flow.ServerErrorText {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// screenshot saves a full-page PNG and returns its path, or "" on failure.
func (a *Acquirer) screenshot(page browserPage, prefix string) string {
	if err := os.MkdirAll(a.cfg.ArtifactDir, 0o750); err != nil {
		a.logger.Warn("creating artifact dir failed", "dir", a.cfg.ArtifactDir, "error", err)
		return ""
	}
	path := filepath.Join(a.cfg.ArtifactDir, prefix+"-"+uuid.NewString()+".png")
	if err := page.Screenshot(path); err != nil {
		a.logger.Warn("screenshot failed", "error", err)
		return ""
	}
	return path
}

// errDriverUnavailable is returned by launchers when no browser can be started.
var errDriverUnavailable = errors.New("browser driver unavailable")
