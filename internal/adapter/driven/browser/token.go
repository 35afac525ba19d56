package browser

import (
	"slices"
	"strings"

	"github.com/tidwall/gjson"
)

// tokenFields are looked up inside JSON-valued storage entries.
var tokenFields = []string{"access_token", "accessToken", "token", "id_token", "idToken"}

// SelectToken picks the bearer token for the bundle. Web storage entries
// whose key contains "token" win over Authorization headers captured from
// page traffic; localStorage is searched before sessionStorage, keys in
// lexical order. The value shape is not validated, so with several matching
// keys the choice is best-effort.
func SelectToken(storageDump string, capturedBearers []string) string {
	if storageDump != "" && gjson.Valid(storageDump) {
		for _, area := range []string{"local", "session"} {
			if token := tokenFromStorage(gjson.Get(storageDump, area)); token != "" {
				return token
			}
		}
	}
	for _, bearer := range slices.Backward(capturedBearers) {
		if bearer = strings.TrimSpace(bearer); bearer != "" {
			return bearer
		}
	}
	return ""
}

func tokenFromStorage(area gjson.Result) string {
	if !area.IsObject() {
		return ""
	}
	entries := area.Map()
	keys := make([]string, 0, len(entries))
	for key := range entries {
		if strings.Contains(strings.ToLower(key), "token") {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	for _, key := range keys {
		if token := tokenValue(entries[key].String()); token != "" {
			return token
		}
	}
	return ""
}

// tokenValue unwraps storage values that hold a JSON object or a quoted
// string rather than the raw token.
func tokenValue(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !gjson.Valid(raw) {
		return strings.TrimPrefix(raw, "Bearer ")
	}
	parsed := gjson.Parse(raw)
	switch {
	case parsed.IsObject():
		for _, field := range tokenFields {
			if v := parsed.Get(field); v.Type == gjson.String && v.Str != "" {
				return v.Str
			}
		}
		return ""
	case parsed.Type == gjson.String:
		return strings.TrimPrefix(parsed.Str, "Bearer ")
	default:
		// Numbers and booleans are flags such as "tokenExpired", not tokens.
		return ""
	}
}
