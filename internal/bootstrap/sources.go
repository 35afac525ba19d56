package bootstrap

import (
	"fmt"
	"log/slog"

	"github.com/ericfisherdev/credbroker/internal/adapter/driven/graph"
	"github.com/ericfisherdev/credbroker/internal/adapter/driven/imap"
	"github.com/ericfisherdev/credbroker/internal/adapter/driven/pop3"
	"github.com/ericfisherdev/credbroker/internal/config"
	"github.com/ericfisherdev/credbroker/internal/domain/port/driven"
)

// NewMessageSource builds the OTP mailbox reader named by cfg.MailSource.
func NewMessageSource(cfg *config.Config, logger *slog.Logger) (driven.MessageSource, error) {
	switch cfg.MailSource {
	case config.MailGraph:
		return graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Mailbox:      cfg.Graph.Mailbox,
			Lookback:     cfg.MailLookback,
		}, logger), nil
	case config.MailIMAP:
		return imap.New(imap.Config{
			Host:     cfg.IMAP.Host,
			Port:     cfg.IMAP.Port,
			TLS:      cfg.IMAP.TLS,
			Username: cfg.IMAP.Username,
			Password: cfg.IMAP.Password,
			Folder:   cfg.IMAP.Folder,
			Lookback: cfg.MailLookback,
		}, logger), nil
	case config.MailPOP3:
		return pop3.New(pop3.Config{
			Host:     cfg.POP3.Host,
			Port:     cfg.POP3.Port,
			TLS:      cfg.POP3.TLS,
			Username: cfg.POP3.Username,
			Password: cfg.POP3.Password,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown mail source %q", cfg.MailSource)
	}
}
