package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/credbroker/internal/application"
	"github.com/ericfisherdev/credbroker/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// AcquireErrorResponse is returned when no credential could be produced.
type AcquireErrorResponse struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	Artifact string `json:"artifact,omitempty"`
}

// CredentialResponse is the JSON representation of a cached credential.
type CredentialResponse struct {
	Cookie       map[string]string `json:"cookie"`
	CookieHeader string            `json:"cookieHeader"`
	AccessToken  string            `json:"accessToken"`
	Headers      map[string]string `json:"headers"`
	AcquiredAt   string            `json:"acquiredAt"`
	ExpiresAt    string            `json:"expiresAt"`
}

// AttemptResponse describes one attempt of the last login sequence.
type AttemptResponse struct {
	ID          string `json:"id"`
	Index       int    `json:"index"`
	State       string `json:"state"`
	ServerError bool   `json:"serverError"`
	Artifact    string `json:"artifact,omitempty"`
	Error       string `json:"error,omitempty"`
}

// StatusResponse is the JSON representation of the orchestrator state.
type StatusResponse struct {
	Cached        bool              `json:"cached"`
	CacheValid    bool              `json:"cacheValid"`
	AcquiredAt    string            `json:"acquiredAt,omitempty"`
	ExpiresAt     string            `json:"expiresAt,omitempty"`
	InFlight      bool              `json:"inFlight"`
	Generation    uint64            `json:"generation"`
	LastSuccessAt string            `json:"lastSuccessAt,omitempty"`
	LastFailureAt string            `json:"lastFailureAt,omitempty"`
	LastError     string            `json:"lastError,omitempty"`
	LastErrorKind string            `json:"lastErrorKind,omitempty"`
	LastAttempts  []AttemptResponse `json:"lastAttempts"`
}

// AcquisitionResponse is one entry of the acquisition history.
type AcquisitionResponse struct {
	ID         int64  `json:"id"`
	Generation uint64 `json:"generation"`
	StartedAt  string `json:"startedAt"`
	FinishedAt string `json:"finishedAt"`
	Attempts   int    `json:"attempts"`
	Outcome    string `json:"outcome"`
	ErrorKind  string `json:"errorKind,omitempty"`
	Error      string `json:"error,omitempty"`
	Artifact   string `json:"artifact,omitempty"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

func toCredentialResponse(c *model.CachedCredential) CredentialResponse {
	return CredentialResponse{
		Cookie:       c.Bundle.Cookies(),
		CookieHeader: c.Bundle.CookieHeader(),
		AccessToken:  c.Bundle.AccessToken(),
		Headers:      c.Bundle.Headers(),
		AcquiredAt:   formatTime(c.AcquiredAt),
		ExpiresAt:    formatTime(c.ExpiresAt),
	}
}

func toStatusResponse(st application.AcquisitionStatus) StatusResponse {
	attempts := make([]AttemptResponse, 0, len(st.LastAttempts))
	for _, a := range st.LastAttempts {
		resp := AttemptResponse{
			ID:          a.ID,
			Index:       a.Index,
			State:       string(a.State),
			ServerError: a.ServerError,
			Artifact:    a.Artifact,
		}
		if a.Err != nil {
			resp.Error = a.Err.Error()
		}
		attempts = append(attempts, resp)
	}

	return StatusResponse{
		Cached:        st.Cached,
		CacheValid:    st.CacheValid,
		AcquiredAt:    formatTime(st.AcquiredAt),
		ExpiresAt:     formatTime(st.ExpiresAt),
		InFlight:      st.InFlight,
		Generation:    st.Generation,
		LastSuccessAt: formatTime(st.LastSuccessAt),
		LastFailureAt: formatTime(st.LastFailureAt),
		LastError:     st.LastError,
		LastErrorKind: string(st.LastErrorKind),
		LastAttempts:  attempts,
	}
}

func toAcquisitionResponse(r model.AcquisitionRecord) AcquisitionResponse {
	return AcquisitionResponse{
		ID:         r.ID,
		Generation: r.Generation,
		StartedAt:  formatTime(r.StartedAt),
		FinishedAt: formatTime(r.FinishedAt),
		Attempts:   r.Attempts,
		Outcome:    r.Outcome,
		ErrorKind:  string(r.ErrorKind),
		Error:      r.Error,
		Artifact:   r.Artifact,
	}
}

// formatTime renders t as RFC 3339 UTC, or "" for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
