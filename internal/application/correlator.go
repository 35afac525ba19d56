package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ericfisherdev/credbroker/internal/domain/model"
	"github.com/ericfisherdev/credbroker/internal/domain/port/driven"
)

// PollState is the state of one FetchOTP call.
type PollState string

const (
	PollStatePolling   PollState = "polling"
	PollStateFound     PollState = "found"
	PollStateExhausted PollState = "exhausted"
)

// Poll outcomes that keep the correlator in PollStatePolling.
var (
	errNoMessage    = errors.New("no message from sender")
	errBaselineOnly = errors.New("newest message is the baseline")
	errTooOld       = errors.New("newest message is older than max age")
	errNoCode       = errors.New("no OTP in newest message")
)

const defaultMessageBatch = 25

// OTPQuery describes one correlation run.
type OTPQuery struct {
	Sender       string
	MaxAttempts  int
	PollInterval time.Duration
	// MaxAge rejects messages older than this; 0 disables the check.
	MaxAge    time.Duration
	Baseline  model.BaselineMarker
	MinLength int
	MaxLength int
}

// MessageCorrelator finds the OTP in the first message from the expected
// sender that is newer than a baseline captured before the login submitted.
type MessageCorrelator struct {
	source    driven.MessageSource
	batchSize int
	now       func() time.Time
	newTimer  func() backoff.Timer
	metrics   *Metrics
	logger    *slog.Logger

	// orderingUnsupported is set once the source reports it cannot order by
	// recency, so later polls go straight to the unordered path.
	orderingUnsupported atomic.Bool
}

// CorrelatorOption customizes a MessageCorrelator.
type CorrelatorOption func(*MessageCorrelator)

// WithCorrelatorClock overrides the wall clock used for the max-age check.
func WithCorrelatorClock(now func() time.Time) CorrelatorOption {
	return func(c *MessageCorrelator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithCorrelatorTimer overrides the timer that paces polls. Tests pass a
// timer that fires immediately.
func WithCorrelatorTimer(newTimer func() backoff.Timer) CorrelatorOption {
	return func(c *MessageCorrelator) {
		c.newTimer = newTimer
	}
}

// WithMessageBatch sets how many messages each poll asks the source for.
func WithMessageBatch(n int) CorrelatorOption {
	return func(c *MessageCorrelator) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithCorrelatorMetrics records poll outcomes.
func WithCorrelatorMetrics(m *Metrics) CorrelatorOption {
	return func(c *MessageCorrelator) {
		c.metrics = m
	}
}

// NewMessageCorrelator creates a correlator reading from source.
func NewMessageCorrelator(source driven.MessageSource, logger *slog.Logger, opts ...CorrelatorOption) *MessageCorrelator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &MessageCorrelator{
		source:    source,
		batchSize: defaultMessageBatch,
		now:       time.Now,
		newTimer:  func() backoff.Timer { return nil },
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CaptureBaseline records the newest matching message before a login
// submits. Lookup failures yield an empty marker; the max-age check then
// guards against stale mail.
func (c *MessageCorrelator) CaptureBaseline(ctx context.Context, sender string) model.BaselineMarker {
	marker := model.BaselineMarker{CapturedAt: c.now()}

	msg, err := c.latestMatching(ctx, sender)
	if err != nil {
		c.logger.Warn("baseline capture failed", "sender", sender, "error", err)
		return marker
	}
	if msg != nil {
		marker.MessageID = msg.ID
	}

	c.logger.Debug("baseline captured", "sender", sender, "message_id", marker.MessageID)
	return marker
}

// FetchOTP polls the source until a message newer than q.Baseline yields a
// code, or q.MaxAttempts polls have missed. Transport errors count as misses.
// Exhaustion returns a model.KindOTPTimeout error.
func (c *MessageCorrelator) FetchOTP(ctx context.Context, q OTPQuery) (string, error) {
	attempts := max(q.MaxAttempts, 1)
	minLen, maxLen := q.MinLength, q.MaxLength
	if minLen <= 0 {
		minLen = DefaultMinOTPLength
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxOTPLength
	}

	state := PollStatePolling
	var code string
	poll := 0

	operation := func() error {
		poll++
		found, outcome := c.pollOnce(ctx, q, minLen, maxLen)
		c.metrics.otpPoll(outcomeLabel(outcome))
		if outcome != nil {
			c.logger.Debug("otp poll missed", "poll", poll, "of", attempts, "reason", outcome)
			return outcome
		}
		code = found
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(q.PollInterval), uint64(attempts-1)),
		ctx,
	)
	err := backoff.RetryNotifyWithTimer(operation, b, nil, c.newTimer())
	if err == nil {
		state = PollStateFound
		c.logger.Info("otp found", "sender", q.Sender, "polls", poll, "state", state)
		return code, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}

	state = PollStateExhausted
	c.logger.Warn("otp polling exhausted", "sender", q.Sender, "polls", poll, "state", state, "last", err)
	return "", model.NewAcquisitionError(model.KindOTPTimeout,
		fmt.Errorf("no new OTP from %s after %d poll(s): %w", q.Sender, poll, err))
}

// pollOnce performs one POLLING iteration. A nil outcome means code is valid.
func (c *MessageCorrelator) pollOnce(ctx context.Context, q OTPQuery, minLen, maxLen int) (string, error) {
	msg, err := c.latestMatching(ctx, q.Sender)
	if err != nil {
		return "", fmt.Errorf("message source: %w", err)
	}
	if msg == nil {
		return "", errNoMessage
	}
	if q.Baseline.MessageID != "" && msg.ID == q.Baseline.MessageID {
		return "", errBaselineOnly
	}
	if q.MaxAge > 0 && !msg.ReceivedAt.IsZero() && c.now().Sub(msg.ReceivedAt) > q.MaxAge {
		return "", errTooOld
	}

	code, ok := c.extract(ctx, msg, minLen, maxLen)
	if !ok {
		return "", errNoCode
	}
	return code, nil
}

// extract tries subject, then preview, then the lazily fetched body.
func (c *MessageCorrelator) extract(ctx context.Context, msg *model.Message, minLen, maxLen int) (string, bool) {
	for _, text := range []string{msg.Subject, msg.Preview} {
		if code, ok := ExtractOTP(text, minLen, maxLen); ok {
			return code, true
		}
	}

	body, err := c.source.MessageBody(ctx, msg.ID)
	if err != nil {
		c.logger.Warn("fetch message body failed", "message_id", msg.ID, "error", err)
		return "", false
	}
	return ExtractOTP(body, minLen, maxLen)
}

// latestMatching returns the newest message matching sender, falling back to
// an unordered batch sorted locally when the source cannot order.
func (c *MessageCorrelator) latestMatching(ctx context.Context, sender string) (*model.Message, error) {
	var msgs []model.Message
	var err error

	if !c.orderingUnsupported.Load() {
		msgs, err = c.source.LatestFrom(ctx, sender, c.batchSize)
		if errors.Is(err, driven.ErrOrderingUnsupported) {
			c.orderingUnsupported.Store(true)
			c.logger.Info("message source cannot order by recency, sorting locally")
		}
	}
	if c.orderingUnsupported.Load() {
		msgs, err = c.source.RecentFrom(ctx, sender, c.batchSize)
		if err == nil {
			sortNewestFirst(msgs)
		}
	}
	if err != nil {
		return nil, err
	}

	return SelectLatestFrom(msgs, sender), nil
}

// SelectLatestFrom picks the newest message whose sender matches wanted,
// preferring an exact address match, then an address containing wanted, then
// the same domain. Returns nil if nothing matches.
func SelectLatestFrom(msgs []model.Message, wanted string) *model.Message {
	wanted = normalizeAddress(wanted)
	if wanted == "" {
		return nil
	}
	wantedDomain := domainOf(wanted)

	tiers := []func(addr string) bool{
		func(addr string) bool { return addr == wanted },
		func(addr string) bool { return strings.Contains(addr, wanted) },
		func(addr string) bool { return wantedDomain != "" && domainOf(addr) == wantedDomain },
	}

	for _, matches := range tiers {
		var best *model.Message
		for i := range msgs {
			if !matches(normalizeAddress(msgs[i].From)) {
				continue
			}
			if best == nil || msgs[i].ReceivedAt.After(best.ReceivedAt) {
				best = &msgs[i]
			}
		}
		if best != nil {
			found := *best
			return &found
		}
	}
	return nil
}

func sortNewestFirst(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].ReceivedAt.After(msgs[j].ReceivedAt)
	})
}

// normalizeAddress lowercases an address and strips a display name.
func normalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if open := strings.LastIndex(addr, "<"); open >= 0 {
		if end := strings.Index(addr[open:], ">"); end > 0 {
			addr = addr[open+1 : open+end]
		}
	}
	return strings.TrimSpace(addr)
}

func domainOf(addr string) string {
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		return addr[at+1:]
	}
	return ""
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "found"
	case errors.Is(err, errNoMessage):
		return "no_message"
	case errors.Is(err, errBaselineOnly):
		return "baseline"
	case errors.Is(err, errTooOld):
		return "too_old"
	case errors.Is(err, errNoCode):
		return "no_code"
	default:
		return "error"
	}
}
