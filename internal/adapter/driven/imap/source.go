// Package imap implements driven.MessageSource over IMAP/IMAPS.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/ericfisherdev/credbroker/internal/adapter/driven/mailtext"
	"github.com/ericfisherdev/credbroker/internal/domain/model"
	"github.com/ericfisherdev/credbroker/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.MessageSource = (*Source)(nil)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}

// Config holds the mailbox connection settings.
type Config struct {
	Host        string
	Port        int
	TLS         bool
	Username    string
	Password    string
	Folder      string
	Lookback    time.Duration
	DialTimeout time.Duration
}

// Source reads OTP mail from an IMAP folder. Each call opens its own
// session, so a Source is safe for concurrent use.
type Source struct {
	cfg       Config
	now       func() time.Time
	newClient func() (imapClient, error)
	logger    *slog.Logger
}

// Option customizes a Source.
type Option func(*Source)

// WithClock overrides the wall clock used for the SINCE window.
func WithClock(now func() time.Time) Option {
	return func(s *Source) {
		if now != nil {
			s.now = now
		}
	}
}

func withClientFactory(factory func() (imapClient, error)) Option {
	return func(s *Source) {
		s.newClient = factory
	}
}

// New creates an IMAP message source.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Source {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
	s.newClient = s.dial
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LatestFrom always reports ErrOrderingUnsupported: IMAP SEARCH results carry
// no recency guarantee.
func (s *Source) LatestFrom(_ context.Context, _ string, _ int) ([]model.Message, error) {
	return nil, driven.ErrOrderingUnsupported
}

// RecentFrom returns up to limit messages from the sender's domain received
// within the lookback window. Envelope dates, not UIDs, are authoritative for
// recency.
func (s *Source) RecentFrom(ctx context.Context, sender string, limit int) ([]model.Message, error) {
	var msgs []model.Message
	err := s.withSession(ctx, func(c imapClient) error {
		criteria := &imap.SearchCriteria{Since: s.now().Add(-s.cfg.Lookback)}
		if hint := senderHint(sender); hint != "" {
			criteria.Header = []imap.SearchCriteriaHeaderField{{Key: "From", Value: hint}}
		}
		data, err := c.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return fmt.Errorf("imap search: %w", err)
		}

		uids := data.AllUIDs()
		if len(uids) == 0 {
			return nil
		}
		slices.Sort(uids)
		if limit > 0 && len(uids) > limit {
			uids = uids[len(uids)-limit:]
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		section := &imap.FetchItemBodySection{Peek: true}
		bufs, err := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
			UID:          true,
			Envelope:     true,
			InternalDate: true,
			BodySection:  []*imap.FetchItemBodySection{section},
		}).Collect()
		if err != nil {
			return fmt.Errorf("imap fetch: %w", err)
		}

		for _, buf := range bufs {
			msgs = append(msgs, s.toMessage(buf, section))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// MessageBody fetches and decodes the text body of the message with the
// given UID.
func (s *Source) MessageBody(ctx context.Context, id string) (string, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return "", fmt.Errorf("imap message id %q: %w", id, err)
	}
	uid := imap.UID(n)

	var text string
	err = s.withSession(ctx, func(c imapClient) error {
		section := &imap.FetchItemBodySection{Peek: true}
		bufs, err := c.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{section},
		}).Collect()
		if err != nil {
			return fmt.Errorf("imap fetch body: %w", err)
		}
		if len(bufs) == 0 {
			return fmt.Errorf("imap message %d not found", uid)
		}
		raw := bufs[0].FindBodySection(section)
		if raw == nil {
			return fmt.Errorf("imap message %d has no body", uid)
		}
		parsed, err := mailtext.Parse(raw)
		if err != nil {
			return err
		}
		text = parsed.Text
		return nil
	})
	return text, err
}

func (s *Source) toMessage(buf *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection) model.Message {
	msg := model.Message{
		ID:         strconv.FormatUint(uint64(buf.UID), 10),
		ReceivedAt: buf.InternalDate,
	}
	if env := buf.Envelope; env != nil {
		msg.Subject = env.Subject
		if len(env.From) > 0 {
			msg.From = env.From[0].Addr()
		}
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = env.Date
		}
	}

	if raw := buf.FindBodySection(section); raw != nil {
		parsed, err := mailtext.Parse(raw)
		if err != nil {
			s.logger.Debug("imap message parse failed", "uid", buf.UID, "error", err)
		} else {
			msg.Preview = parsed.Preview()
			if msg.From == "" {
				msg.From = parsed.From
			}
			if msg.Subject == "" {
				msg.Subject = parsed.Subject
			}
		}
	}
	return msg
}

// withSession dials, logs in and selects the folder, runs fn, then logs out.
func (s *Source) withSession(ctx context.Context, fn func(imapClient) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := s.newClient()
	if err != nil {
		return fmt.Errorf("imap connect: %w", err)
	}
	defer func() {
		if cerr := client.Close(); cerr != nil {
			s.logger.Debug("imap close failed", "error", cerr)
		}
	}()

	if err := client.Login(s.cfg.Username, s.cfg.Password).Wait(); err != nil {
		return fmt.Errorf("imap auth: %w", err)
	}
	if _, err := client.Select(s.cfg.Folder, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return fmt.Errorf("imap select %s: %w", s.cfg.Folder, err)
	}

	if err := fn(client); err != nil {
		return err
	}

	if err := client.Logout().Wait(); err != nil {
		s.logger.Debug("imap logout failed", "error", err)
	}
	return nil
}

func (s *Source) dial() (imapClient, error) {
	if s.cfg.Host == "" {
		return nil, errors.New("imap host is not configured")
	}
	port := s.cfg.Port
	if port == 0 {
		port = 143
		if s.cfg.TLS {
			port = 993
		}
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: s.cfg.DialTimeout}}

	var client *imapclient.Client
	var err error
	if s.cfg.TLS {
		opts.TLSConfig = &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}

// senderHint narrows the server-side search to the sender's domain; exact
// matching happens in the correlator.
func senderHint(sender string) string {
	sender = strings.TrimSpace(sender)
	if at := strings.LastIndex(sender, "@"); at >= 0 {
		return sender[at+1:]
	}
	return sender
}
