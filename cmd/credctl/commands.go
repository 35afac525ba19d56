package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/ericfisherdev/credbroker/internal/application"
	"github.com/ericfisherdev/credbroker/internal/bootstrap"
	"github.com/ericfisherdev/credbroker/internal/config"
	"github.com/ericfisherdev/credbroker/internal/domain/model"
)

type rootOptions struct {
	server  string
	apiKey  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "credctl",
		Short: "Command line client for the credbroker credential service",
		Long: `credctl talks to a running credbroker server to fetch, inspect and
invalidate the cached session credential. The otp command reads the
configured mailbox directly and needs no server.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.server, "server", envOr("CREDBROKER_URL", "http://127.0.0.1:8080"), "credbroker base URL")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("CREDBROKER_API_KEY"), "API key for the credbroker server")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "how long to wait for a credential")

	root.AddCommand(
		newGetCmd(opts),
		newInvalidateCmd(opts),
		newStatusCmd(opts),
		newHistoryCmd(opts),
		newOTPCmd(),
	)
	return root
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	var (
		refresh bool
		headers bool
	)
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print a valid credential, logging in if needed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/api/v1/credential"
			if refresh {
				path += "?refresh=true"
			}
			body, err := newClient(opts).do(cmd.Context(), http.MethodGet, path)
			if err != nil {
				return err
			}
			if !headers {
				return printJSON(cmd.OutOrStdout(), body)
			}

			var cred struct {
				Headers map[string]string `json:"headers"`
			}
			if err := json.Unmarshal(body, &cred); err != nil {
				return fmt.Errorf("decode credential: %w", err)
			}
			names := make([]string, 0, len(cred.Headers))
			for name := range cred.Headers {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				if cred.Headers[name] != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, cred.Headers[name])
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the cache and log in again")
	cmd.Flags().BoolVar(&headers, "headers", false, "print only the request headers, one per line")
	return cmd
}

func newInvalidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate",
		Short: "Drop the cached credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := newClient(opts).do(cmd.Context(), http.MethodPost, "/api/v1/credential/invalidate"); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "credential invalidated")
			return nil
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cache and login state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := newClient(opts).do(cmd.Context(), http.MethodGet, "/api/v1/status")
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent login sequences",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := newClient(opts).do(cmd.Context(), http.MethodGet, fmt.Sprintf("/api/v1/acquisitions?limit=%d", limit))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	return cmd
}

// newOTPCmd reads the newest OTP straight from the configured mailbox,
// which helps when tuning the sender and extraction settings.
func newOTPCmd() *cobra.Command {
	var (
		sender   string
		attempts int
		maxAge   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "otp",
		Short: "Fetch the newest one-time passcode from the configured mailbox",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if sender == "" {
				sender = cfg.OTPSender
			}
			if sender == "" {
				return fmt.Errorf("no sender: pass --sender or set CREDBROKER_OTP_SENDER")
			}

			logger, closer := bootstrap.NewLogger(cfg)
			defer closer.Close()
			source, err := bootstrap.NewMessageSource(cfg, logger)
			if err != nil {
				return err
			}

			code, err := fetchOTP(cmd.Context(), application.NewMessageCorrelator(source, logger), application.OTPQuery{
				Sender:       sender,
				MaxAttempts:  attempts,
				PollInterval: cfg.OTPPollInterval,
				MaxAge:       maxAge,
				MinLength:    cfg.OTPMinLength,
				MaxLength:    cfg.OTPMaxLength,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), code)
			return nil
		},
	}
	cmd.Flags().StringVar(&sender, "sender", "", "expected sender address (defaults to CREDBROKER_OTP_SENDER)")
	cmd.Flags().IntVar(&attempts, "attempts", 1, "mailbox polls before giving up")
	cmd.Flags().DurationVar(&maxAge, "max-age", 10*time.Minute, "ignore messages older than this")
	return cmd
}

type otpFetcher interface {
	FetchOTP(ctx context.Context, q application.OTPQuery) (string, error)
}

// fetchOTP runs one query with an empty baseline, so the newest matching
// message within max-age is accepted.
func fetchOTP(ctx context.Context, f otpFetcher, q application.OTPQuery) (string, error) {
	q.Baseline = model.BaselineMarker{}
	code, err := f.FetchOTP(ctx, q)
	if err != nil {
		return "", fmt.Errorf("fetch otp from %s: %w", q.Sender, err)
	}
	return code, nil
}

func printJSON(w io.Writer, body []byte) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		_, err = w.Write(body)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
