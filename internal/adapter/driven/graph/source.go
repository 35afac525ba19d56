// Package graph implements driven.MessageSource over the Microsoft Graph
// mail API.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ericfisherdev/credbroker/internal/adapter/driven/mailtext"
	"github.com/ericfisherdev/credbroker/internal/domain/model"
	"github.com/ericfisherdev/credbroker/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.MessageSource = (*Source)(nil)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"
	graphScope     = "https://graph.microsoft.com/.default"
	selectFields   = "id,from,receivedDateTime,subject,bodyPreview"

	// maxResponseBytes bounds how much of a Graph response is read.
	maxResponseBytes = 4 << 20
)

// Config holds the app registration and mailbox to read.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Mailbox      string
	BaseURL      string
	TokenURL     string
	Lookback     time.Duration
	Timeout      time.Duration
}

// Source reads OTP mail from one Graph mailbox inbox.
type Source struct {
	http     *http.Client
	baseURL  string
	mailbox  string
	lookback time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Graph message source with the following transport stack:
//  1. oauth2 client credentials (app-only bearer token, refreshed on expiry)
//  2. httpcache (ETag-based conditional request caching)
func New(cfg Config, logger *slog.Logger) *Source {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = "https://login.microsoftonline.com/" + url.PathEscape(cfg.TenantID) + "/oauth2/v2.0/token"
	}

	creds := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{graphScope},
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: cfg.Timeout})

	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &oauth2.Transport{
			Source: creds.TokenSource(tokenCtx),
			Base:   httpcache.NewMemoryCacheTransport(),
		},
	}
	return NewWithHTTPClient(httpClient, cfg.BaseURL, cfg.Mailbox, cfg.Lookback, logger)
}

// NewWithHTTPClient creates a Source with a custom http.Client and base URL.
// Tests use it to point the source at an httptest server.
func NewWithHTTPClient(httpClient *http.Client, baseURL, mailbox string, lookback time.Duration, logger *slog.Logger) *Source {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		http:     httpClient,
		baseURL:  strings.TrimRight(baseURL, "/"),
		mailbox:  mailbox,
		lookback: lookback,
		now:      time.Now,
		logger:   logger,
	}
}

type graphMessage struct {
	ID               string    `json:"id"`
	Subject          string    `json:"subject"`
	BodyPreview      string    `json:"bodyPreview"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
	From             struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
}

// LatestFrom asks Graph for the newest messages from the sender's domain, so
// aliases of the sender reach the correlator's preference tiers. Mailboxes
// that reject the filter/orderby combination answer 400 InefficientFilter,
// which is reported as driven.ErrOrderingUnsupported.
func (s *Source) LatestFrom(ctx context.Context, sender string, limit int) ([]model.Message, error) {
	q := url.Values{}
	q.Set("$filter", senderFilter(sender))
	q.Set("$orderby", "receivedDateTime desc")
	q.Set("$select", selectFields)
	q.Set("$top", strconv.Itoa(limit))

	msgs, err := s.listMessages(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("graph latest from %s: %w", sender, err)
	}
	return msgs, nil
}

// RecentFrom returns messages from the sender's domain received within the
// lookback window, in no particular order; exact sender matching is left to
// the caller.
func (s *Source) RecentFrom(ctx context.Context, sender string, limit int) ([]model.Message, error) {
	since := s.now().Add(-s.lookback).UTC().Format(time.RFC3339)
	q := url.Values{}
	q.Set("$filter", "receivedDateTime ge "+since+" and "+senderFilter(sender))
	q.Set("$select", selectFields)
	q.Set("$top", strconv.Itoa(limit))

	msgs, err := s.listMessages(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("graph recent messages: %w", err)
	}
	return msgs, nil
}

// MessageBody fetches the full body of one message as plain text.
func (s *Source) MessageBody(ctx context.Context, id string) (string, error) {
	endpoint := s.baseURL + "/users/" + url.PathEscape(s.mailbox) + "/messages/" + url.PathEscape(id) +
		"?" + url.Values{"$select": {"body"}}.Encode()

	payload, err := s.get(ctx, endpoint)
	if err != nil {
		return "", fmt.Errorf("graph message %s body: %w", id, err)
	}

	content := gjson.GetBytes(payload, "body.content").String()
	if strings.EqualFold(gjson.GetBytes(payload, "body.contentType").String(), "html") {
		return mailtext.HTMLToText(content), nil
	}
	return mailtext.NormalizeText(content), nil
}

func (s *Source) listMessages(ctx context.Context, q url.Values) ([]model.Message, error) {
	endpoint := s.baseURL + "/users/" + url.PathEscape(s.mailbox) + "/mailFolders/inbox/messages?" + q.Encode()

	payload, err := s.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var page struct {
		Value []graphMessage `json:"value"`
	}
	if err := json.Unmarshal(payload, &page); err != nil {
		return nil, fmt.Errorf("decoding message list: %w", err)
	}

	msgs := make([]model.Message, 0, len(page.Value))
	for _, m := range page.Value {
		msgs = append(msgs, model.Message{
			ID:         m.ID,
			From:       m.From.EmailAddress.Address,
			ReceivedAt: m.ReceivedDateTime,
			Subject:    m.Subject,
			Preview:    mailtext.Truncate(m.BodyPreview, mailtext.PreviewLength),
		})
	}
	return msgs, nil
}

func (s *Source) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return payload, nil
	}

	code := gjson.GetBytes(payload, "error.code").String()
	if resp.StatusCode == http.StatusBadRequest && code == "InefficientFilter" {
		return nil, driven.ErrOrderingUnsupported
	}
	msg := gjson.GetBytes(payload, "error.message").String()
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	s.logger.Debug("graph request failed", "status", resp.StatusCode, "code", code)
	return nil, &APIError{StatusCode: resp.StatusCode, Code: code, Message: msg}
}

// APIError is a non-2xx Graph response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("status %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

// senderFilter matches every address at the sender's domain, or addresses
// containing sender when it has no domain part.
func senderFilter(sender string) string {
	sender = strings.TrimSpace(sender)
	if at := strings.LastIndex(sender, "@"); at >= 0 && at < len(sender)-1 {
		return "endswith(from/emailAddress/address,'" + odataQuote(sender[at:]) + "')"
	}
	return "contains(from/emailAddress/address,'" + odataQuote(sender) + "')"
}

func odataQuote(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "'", "''")
}
