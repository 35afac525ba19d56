package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/tidwall/gjson"
)

const (
	defaultAddr  = "127.0.0.1:8080"
	probeTimeout = 2 * time.Second
)

func main() {
	target := os.Getenv("CREDBROKER_HEALTH_URL")
	if target == "" {
		target = "http://" + normalizeAddr(os.Getenv("CREDBROKER_LISTEN_ADDR")) + "/api/v1/health"
	}
	os.Exit(probe(target))
}

// probe exits 0 only when target answers 200 with {"status":"ok"}. The
// health route is exempt from the API key, so no credentials are sent.
func probe(target string) int {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 1
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || gjson.GetBytes(body, "status").String() != "ok" {
		return 1
	}
	return 0
}

// normalizeAddr points the probe at loopback when the service binds every
// interface, since the probe runs inside the same container.
func normalizeAddr(raw string) string {
	host, port, err := net.SplitHostPort(raw)
	if raw == "" || err != nil {
		return defaultAddr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
