// Package mailtext turns raw RFC 5322 messages and HTML bodies into the plain
// text the OTP extractor searches.
package mailtext

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // registers non-UTF-8 charset readers
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
)

// PreviewLength caps Parsed.Preview, in runes.
const PreviewLength = 255

// maxPartBytes bounds how much of one MIME part is read.
const maxPartBytes = 512 * 1024

var (
	stripPolicy = bluemonday.StrictPolicy()

	blockTagRe = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/tr|/li|/h[1-6]|/table)\b[^>]*>`)
	dropTagRe  = regexp.MustCompile(`(?is)<\s*(style|script|head)\b[^>]*>.*?<\s*/\s*(style|script|head)\s*>`)
	spaceRe    = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)
	blankRe    = regexp.MustCompile(`\n\s*\n+`)
)

// Parsed holds the fields the mail sources need from one message.
type Parsed struct {
	MessageID string
	From      string
	Subject   string
	Date      time.Time
	Text      string
}

// Preview returns the first PreviewLength runes of the text body on one line.
func (p Parsed) Preview() string {
	return Truncate(strings.Join(strings.Fields(p.Text), " "), PreviewLength)
}

// Parse reads a raw message. Text prefers the text/plain part and falls back
// to the HTML part converted to text. Unknown charsets are tolerated.
func Parse(raw []byte) (Parsed, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return Parsed{}, fmt.Errorf("parse message: %w", err)
	}

	var parsed Parsed
	parsed.MessageID, _ = reader.Header.MessageID()
	parsed.Subject, _ = reader.Header.Subject()
	parsed.Date, _ = reader.Header.Date()
	if addrs, aerr := reader.Header.AddressList("From"); aerr == nil && len(addrs) > 0 {
		parsed.From = addrs[0].Address
	} else {
		parsed.From = strings.TrimSpace(reader.Header.Get("From"))
	}

	var plain, htmlBody string
	for {
		part, perr := reader.NextPart()
		if errors.Is(perr, io.EOF) {
			break
		}
		if perr != nil && !message.IsUnknownCharset(perr) {
			break
		}
		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := inline.ContentType()
		body, rerr := io.ReadAll(io.LimitReader(part.Body, maxPartBytes))
		if rerr != nil {
			continue
		}
		switch {
		case strings.EqualFold(mediaType, "text/html") && htmlBody == "":
			htmlBody = string(body)
		case (mediaType == "" || strings.EqualFold(mediaType, "text/plain")) && plain == "":
			plain = string(body)
		}
	}

	switch {
	case strings.TrimSpace(plain) != "":
		parsed.Text = NormalizeText(plain)
	case htmlBody != "":
		parsed.Text = HTMLToText(htmlBody)
	}
	return parsed, nil
}

// HTMLToText strips markup, keeping line breaks at block boundaries.
func HTMLToText(markup string) string {
	markup = dropTagRe.ReplaceAllString(markup, " ")
	markup = blockTagRe.ReplaceAllString(markup, "\n$0")
	text := html.UnescapeString(stripPolicy.Sanitize(markup))
	return NormalizeText(text)
}

// NormalizeText collapses runs of spaces and blank lines.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = spaceRe.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = blankRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text)
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
