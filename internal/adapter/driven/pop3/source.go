// Package pop3 implements driven.MessageSource over POP3/POP3S.
package pop3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/knadh/go-pop3"

	"github.com/ericfisherdev/credbroker/internal/adapter/driven/mailtext"
	"github.com/ericfisherdev/credbroker/internal/domain/model"
	"github.com/ericfisherdev/credbroker/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.MessageSource = (*Source)(nil)

// maxCachedBodies bounds the body cache filled by RecentFrom.
const maxCachedBodies = 256

type pop3Connection interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
}

// Config holds the mailbox connection settings.
type Config struct {
	Host        string
	Port        int
	TLS         bool
	Username    string
	Password    string
	DialTimeout time.Duration
}

// Source reads OTP mail from a POP3 maildrop. POP3 has no search, so every
// poll retrieves the newest limit messages and filters locally.
type Source struct {
	cfg     Config
	newConn func() (pop3Connection, error)
	logger  *slog.Logger

	mu     sync.Mutex
	bodies map[string]string
}

// Option customizes a Source.
type Option func(*Source)

func withConnFactory(factory func() (pop3Connection, error)) Option {
	return func(s *Source) {
		s.newConn = factory
	}
}

// New creates a POP3 message source.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Source {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{
		cfg:    cfg,
		logger: logger,
		bodies: make(map[string]string),
	}
	s.newConn = s.dial
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LatestFrom always reports ErrOrderingUnsupported: POP3 message numbers
// follow arrival order on most servers but nothing guarantees it.
func (s *Source) LatestFrom(_ context.Context, _ string, _ int) ([]model.Message, error) {
	return nil, driven.ErrOrderingUnsupported
}

// RecentFrom retrieves the last limit messages and keeps those whose sender
// shares the wanted domain.
func (s *Source) RecentFrom(ctx context.Context, sender string, limit int) ([]model.Message, error) {
	var msgs []model.Message
	hint := senderHint(sender)

	err := s.withSession(ctx, func(conn pop3Connection) error {
		listing, err := conn.Uidl(0)
		if err != nil {
			return fmt.Errorf("pop3 uidl: %w", err)
		}
		if limit > 0 && len(listing) > limit {
			listing = listing[len(listing)-limit:]
		}

		for _, meta := range listing {
			if err := ctx.Err(); err != nil {
				return err
			}
			payload, err := conn.RetrRaw(meta.ID)
			if err != nil {
				s.logger.Warn("pop3 retrieve failed", "msg_id", meta.ID, "error", err)
				continue
			}
			parsed, err := mailtext.Parse(payload.Bytes())
			if err != nil {
				s.logger.Debug("pop3 message parse failed", "msg_id", meta.ID, "error", err)
				continue
			}
			if hint != "" && !strings.Contains(strings.ToLower(parsed.From), hint) {
				continue
			}

			id := meta.UID
			if id == "" {
				id = strconv.Itoa(meta.ID)
			}
			s.remember(id, parsed.Text)
			msgs = append(msgs, model.Message{
				ID:         id,
				From:       parsed.From,
				ReceivedAt: parsed.Date,
				Subject:    parsed.Subject,
				Preview:    parsed.Preview(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// MessageBody returns the body cached by RecentFrom, retrieving the message
// again by UIDL if it has been evicted.
func (s *Source) MessageBody(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	body, ok := s.bodies[id]
	s.mu.Unlock()
	if ok {
		return body, nil
	}

	err := s.withSession(ctx, func(conn pop3Connection) error {
		listing, err := conn.Uidl(0)
		if err != nil {
			return fmt.Errorf("pop3 uidl: %w", err)
		}
		for _, meta := range listing {
			if meta.UID != id && strconv.Itoa(meta.ID) != id {
				continue
			}
			payload, err := conn.RetrRaw(meta.ID)
			if err != nil {
				return fmt.Errorf("pop3 retr %d: %w", meta.ID, err)
			}
			parsed, err := mailtext.Parse(payload.Bytes())
			if err != nil {
				return err
			}
			body = parsed.Text
			s.remember(id, body)
			return nil
		}
		return fmt.Errorf("pop3 message %s not found", id)
	})
	return body, err
}

func (s *Source) remember(id, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bodies) >= maxCachedBodies {
		clear(s.bodies)
	}
	s.bodies[id] = body
}

func (s *Source) withSession(ctx context.Context, fn func(pop3Connection) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := s.newConn()
	if err != nil {
		return fmt.Errorf("pop3 connect: %w", err)
	}
	defer func() {
		if qerr := conn.Quit(); qerr != nil {
			s.logger.Debug("pop3 quit failed", "error", qerr)
		}
	}()

	if err := conn.Auth(s.cfg.Username, s.cfg.Password); err != nil {
		return fmt.Errorf("pop3 auth: %w", err)
	}
	return fn(conn)
}

func (s *Source) dial() (pop3Connection, error) {
	if s.cfg.Host == "" {
		return nil, errors.New("pop3 host is not configured")
	}
	port := s.cfg.Port
	if port == 0 {
		port = 110
		if s.cfg.TLS {
			port = 995
		}
	}
	client := pop3.New(pop3.Opt{
		Host:        s.cfg.Host,
		Port:        port,
		DialTimeout: s.cfg.DialTimeout,
		TLSEnabled:  s.cfg.TLS,
	})
	return client.NewConn()
}

func senderHint(sender string) string {
	sender = strings.ToLower(strings.TrimSpace(sender))
	if at := strings.LastIndex(sender, "@"); at >= 0 {
		return sender[at+1:]
	}
	return sender
}
