package browser

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// browserPage is the slice of a browser tab the login flow needs.
type browserPage interface {
	Goto(url string) (int, error)
	Fill(selector, value string) error
	Click(selector string) error
	WaitVisible(selector string, timeout time.Duration) error
	WaitURL(substr string, timeout time.Duration) error
	Content() (string, error)
	URL() string
	Screenshot(path string) error
	StorageDump() (string, error)
	Cookies() (map[string]string, error)
	BearerTokens() []string
	Close() error
}

type pageLauncher interface {
	Launch(ctx context.Context) (browserPage, error)
	Close() error
}

// storageDumpJS serializes both web storages of the current origin.
const storageDumpJS = `() => JSON.stringify({
  local: Object.fromEntries(Object.entries(window.localStorage)),
  session: Object.fromEntries(Object.entries(window.sessionStorage)),
})`

type playwrightLauncher struct {
	cfg    Config
	logger *slog.Logger

	mu sync.Mutex
	pw *playwright.Playwright
}

func newPlaywrightLauncher(cfg Config, logger *slog.Logger) *playwrightLauncher {
	return &playwrightLauncher{cfg: cfg, logger: logger}
}

func (l *playwrightLauncher) driver() (*playwright.Playwright, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pw != nil {
		return l.pw, nil
	}

	if l.cfg.InstallDriver {
		if err := playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}}); err != nil {
			return nil, fmt.Errorf("%w: installing playwright: %w", errDriverUnavailable, err)
		}
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("%w: starting playwright: %w", errDriverUnavailable, err)
	}
	l.pw = pw
	return pw, nil
}

// Launch starts a fresh Chromium with an empty context so each attempt logs
// in from a clean session.
func (l *playwrightLauncher) Launch(ctx context.Context) (browserPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := l.driver()
	if err != nil {
		return nil, err
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(l.cfg.Headless),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: launching chromium: %w", errDriverUnavailable, err)
	}

	ctxOpts := playwright.BrowserNewContextOptions{}
	if ua := l.cfg.Flow.UserAgent; ua != "" {
		ctxOpts.UserAgent = playwright.String(ua)
	}
	bctx, err := browser.NewContext(ctxOpts)
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("creating browser context: %w", err)
	}

	p := &playwrightPage{browser: browser, bctx: bctx}
	bctx.OnRequest(p.captureBearer)

	page, err := bctx.NewPage()
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("creating page: %w", err)
	}
	page.SetDefaultTimeout(float64(l.cfg.StepTimeout.Milliseconds()))
	p.page = page
	return p, nil
}

func (l *playwrightLauncher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pw == nil {
		return nil
	}
	err := l.pw.Stop()
	l.pw = nil
	return err
}

type playwrightPage struct {
	browser playwright.Browser
	bctx    playwright.BrowserContext
	page    playwright.Page

	mu      sync.Mutex
	bearers []string
}

func (p *playwrightPage) captureBearer(req playwright.Request) {
	auth := req.Headers()["authorization"]
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return
	}
	p.mu.Lock()
	p.bearers = append(p.bearers, strings.TrimSpace(token))
	p.mu.Unlock()
}

func (p *playwrightPage) Goto(url string) (int, error) {
	resp, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return 0, err
	}
	if resp == nil {
		return 0, nil
	}
	return resp.Status(), nil
}

func (p *playwrightPage) Fill(selector, value string) error {
	return p.page.Locator(selector).First().Fill(value)
}

func (p *playwrightPage) Click(selector string) error {
	return p.page.Locator(selector).First().Click()
}

func (p *playwrightPage) WaitVisible(selector string, timeout time.Duration) error {
	return p.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
}

func (p *playwrightPage) WaitURL(substr string, timeout time.Duration) error {
	return p.page.WaitForURL(regexp.MustCompile(regexp.QuoteMeta(substr)), playwright.PageWaitForURLOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
}

func (p *playwrightPage) Content() (string, error) { return p.page.Content() }

func (p *playwrightPage) URL() string { return p.page.URL() }

func (p *playwrightPage) Screenshot(path string) error {
	_, err := p.page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(path),
		FullPage: playwright.Bool(true),
	})
	return err
}

func (p *playwrightPage) StorageDump() (string, error) {
	result, err := p.page.Evaluate(storageDumpJS)
	if err != nil {
		return "", err
	}
	dump, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected storage dump type %T", result)
	}
	return dump, nil
}

func (p *playwrightPage) Cookies() (map[string]string, error) {
	cookies, err := p.bctx.Cookies()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		out[c.Name] = c.Value
	}
	return out, nil
}

func (p *playwrightPage) BearerTokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.bearers...)
}

func (p *playwrightPage) Close() error {
	if err := p.bctx.Close(); err != nil {
		_ = p.browser.Close()
		return err
	}
	return p.browser.Close()
}
