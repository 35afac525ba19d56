package httphandler

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ericfisherdev/credbroker/internal/domain/model"
)

// maxProxyBody caps request bodies, which are buffered so a rejected
// request can be replayed with a fresh credential.
const maxProxyBody = 10 << 20

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type proxy struct {
	baseURL string
	client  *http.Client
}

func newProxy(baseURL string, client *http.Client) *proxy {
	if client == nil {
		client = http.DefaultClient
	}
	return &proxy{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Proxy forwards the request upstream with the credential headers attached.
// When upstream answers 401 or 403 the credential that was refused is
// invalidated, unless another request already replaced it, and the request
// is replayed once with whatever credential the service hands out next.
// Concurrent rejections therefore share a single login.
func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxProxyBody {
		writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds 10 MiB")
		return
	}

	target := h.proxy.baseURL + "/" + r.PathValue("path")
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	resp, used, err := h.forward(w, r, target, body)
	if err != nil {
		return
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		invalidated := h.svc.InvalidateIfCurrent(r.Context(), used)
		h.logger.Warn("upstream rejected credential, retrying",
			"status", resp.StatusCode, "path", r.URL.Path, "invalidated", invalidated)

		resp, _, err = h.forward(w, r, target, body)
		if err != nil {
			return
		}
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Debug("copying upstream response interrupted", "path", r.URL.Path, "error", err)
	}
}

// forward sends one upstream request and returns the credential it used. On
// failure it writes the error response itself and returns a nil response.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, target string, body []byte) (*http.Response, *model.CachedCredential, error) {
	ctx, cancel := h.acquireContext(r.Context())
	cred, err := h.svc.AcquireCredential(ctx, false)
	cancel()
	if err != nil {
		h.writeAcquireError(w, err)
		return nil, nil, err
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid proxy target")
		return nil, nil, err
	}
	copyHeaders(out.Header, r.Header)
	out.Header.Del("X-API-Key")
	out.Header.Del("Authorization")
	applyBundle(out.Header, cred.Bundle)

	resp, err := h.proxy.client.Do(out)
	if err != nil {
		h.logger.Error("upstream request failed", "method", r.Method, "target", target, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("upstream request failed: %v", err))
		return nil, nil, err
	}
	return resp, cred, nil
}

// applyBundle sets every credential header, replacing client values.
func applyBundle(dst http.Header, bundle model.CredentialBundle) {
	for name, value := range bundle.Headers() {
		if value == "" {
			continue
		}
		dst.Set(name, value)
	}
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopHeader(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
