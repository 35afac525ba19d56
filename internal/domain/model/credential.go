package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Outbound header names always present in a CredentialBundle.
const (
	HeaderCookie        = "Cookie"
	HeaderUserAgent     = "User-Agent"
	HeaderReferer       = "Referer"
	HeaderOrigin        = "Origin"
	HeaderAuthorization = "Authorization"
)

// LoginCredentials are the secrets the SessionAcquirer types into the login form.
type LoginCredentials struct {
	Email    string
	Password string
}

// Complete reports whether both email and password are set.
func (c LoginCredentials) Complete() bool {
	return c.Email != "" && c.Password != ""
}

// BundleSource carries the raw material a login produces. NewCredentialBundle
// renders it into an immutable CredentialBundle.
type BundleSource struct {
	Cookies     map[string]string
	AccessToken string
	UserAgent   string
	Referer     string
	Origin      string
}

// CredentialBundle is the cookie/header/token set needed to act as an
// authenticated client of the downstream API. All fields are unexported and
// accessors return copies, so a bundle never changes after it is built.
type CredentialBundle struct {
	cookies      map[string]string
	cookieHeader string
	accessToken  string
	headers      map[string]string
}

// NewCredentialBundle builds a bundle from the raw login output. The header
// map always contains Cookie, User-Agent, Referer and Origin, plus
// Authorization when a token is present.
func NewCredentialBundle(src BundleSource) CredentialBundle {
	cookies := maps.Clone(src.Cookies)
	if cookies == nil {
		cookies = map[string]string{}
	}
	cookieHeader := RenderCookieHeader(cookies)
	token := strings.TrimSpace(src.AccessToken)

	headers := map[string]string{
		HeaderCookie:    cookieHeader,
		HeaderUserAgent: src.UserAgent,
		HeaderReferer:   src.Referer,
		HeaderOrigin:    src.Origin,
	}
	if token != "" {
		headers[HeaderAuthorization] = "Bearer " + token
	}

	return CredentialBundle{
		cookies:      cookies,
		cookieHeader: cookieHeader,
		accessToken:  token,
		headers:      headers,
	}
}

// RenderCookieHeader renders cookies as a Cookie header value, sorted by name
// so the output is deterministic.
func RenderCookieHeader(cookies map[string]string) string {
	names := slices.Sorted(maps.Keys(cookies))
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+cookies[name])
	}
	return strings.Join(parts, "; ")
}

// Cookies returns a copy of the cookie name to value mapping.
func (b CredentialBundle) Cookies() map[string]string { return maps.Clone(b.cookies) }

// CookieHeader returns the rendered Cookie header.
func (b CredentialBundle) CookieHeader() string { return b.cookieHeader }

// AccessToken returns the bearer token, or "" when the login produced none.
func (b CredentialBundle) AccessToken() string { return b.accessToken }

// Headers returns a copy of the outbound header mapping.
func (b CredentialBundle) Headers() map[string]string { return maps.Clone(b.headers) }

// IsZero reports whether the bundle was never built.
func (b CredentialBundle) IsZero() bool { return b.headers == nil }

// bundleJSON is the persisted and wire shape of a CredentialBundle.
type bundleJSON struct {
	Cookie       map[string]string `json:"cookie"`
	CookieHeader string            `json:"cookieHeader"`
	AccessToken  string            `json:"accessToken"`
	Headers      map[string]string `json:"headers"`
}

// MarshalJSON encodes the bundle as {cookie, cookieHeader, accessToken, headers}.
func (b CredentialBundle) MarshalJSON() ([]byte, error) {
	return json.Marshal(bundleJSON{
		Cookie:       b.cookies,
		CookieHeader: b.cookieHeader,
		AccessToken:  b.accessToken,
		Headers:      b.headers,
	})
}

// UnmarshalJSON decodes the shape written by MarshalJSON.
func (b *CredentialBundle) UnmarshalJSON(data []byte) error {
	var raw bundleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Headers == nil {
		return fmt.Errorf("credential bundle: missing headers")
	}
	if raw.Cookie == nil {
		raw.Cookie = map[string]string{}
	}
	*b = CredentialBundle{
		cookies:      raw.Cookie,
		cookieHeader: raw.CookieHeader,
		accessToken:  raw.AccessToken,
		headers:      raw.Headers,
	}
	return nil
}

// CachedCredential wraps a bundle with its acquisition time and validity horizon.
type CachedCredential struct {
	Bundle     CredentialBundle
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Valid reports whether the credential may still be handed out at now, i.e.
// now < ExpiresAt - skew.
func (c *CachedCredential) Valid(now time.Time, skew time.Duration) bool {
	if c == nil {
		return false
	}
	return now.Before(c.ExpiresAt.Add(-skew))
}
