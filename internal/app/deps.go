package app

import (
	"fmt"
	"log/slog"

	"github.com/dchatpar/inboxgrove/internal/config"
	"github.com/dchatpar/inboxgrove/internal/dnscheck"
	"github.com/dchatpar/inboxgrove/internal/dnsrecord"
	"github.com/dchatpar/inboxgrove/internal/keystore"
	"github.com/dchatpar/inboxgrove/internal/metrics"
	"github.com/dchatpar/inboxgrove/internal/provider"
	"github.com/dchatpar/inboxgrove/internal/provider/dnshost"
	"github.com/dchatpar/inboxgrove/internal/provider/mta"
	"github.com/dchatpar/inboxgrove/internal/provider/registrar"
	"github.com/dchatpar/inboxgrove/internal/retry"
	"github.com/dchatpar/inboxgrove/internal/wizard"
)

// NewDeps builds every adapter the wizard drives. The DNS host is left
// out when no API token is configured.
func NewDeps(cfg *config.Config, keys *keystore.Store, m *metrics.Metrics, logger *slog.Logger) (wizard.Deps, error) {
	var observer provider.Observer
	var wobs wizard.Observer
	if m != nil {
		observer, wobs = m, m
	}

	deps := wizard.Deps{
		Registrar: NewRegistrar(cfg, observer, logger),
		MTA:       NewMTA(cfg, observer, logger),
		Verifier:  NewVerifier(cfg, logger),
		Keys:      keys,
		Observer:  wobs,
		Logger:    logger,
	}

	host, err := NewDNSHost(cfg, observer, logger)
	if err != nil {
		return wizard.Deps{}, err
	}
	if host != nil {
		deps.DNSHost = host
	}
	return deps, nil
}

// NewRegistrar builds the registrar client
func NewRegistrar(cfg *config.Config, observer provider.Observer, logger *slog.Logger) *registrar.Client {
	return registrar.New(registrar.Config{
		URL:           cfg.Registrar.URL,
		UID:           cfg.Registrar.UID,
		Password:      cfg.Registrar.Password,
		APIKey:        cfg.Registrar.APIKey,
		AvailableCode: cfg.Registrar.AvailableCode,
		Timeout:       cfg.Registrar.Timeout,
		Retry:         retryConfig(cfg.Registrar.Retry),
	}, observer, logger.With("component", "registrar"))
}

// NewDNSHost builds the configured DNS host, or returns nil without a token
func NewDNSHost(cfg *config.Config, observer provider.Observer, logger *slog.Logger) (dnshost.Host, error) {
	if cfg.DNSHost.APIToken == "" {
		logger.Info("no DNS host token configured, DNS records must be added manually")
		return nil, nil
	}

	host, err := dnshost.New(dnshost.Config{
		Provider:     cfg.DNSHost.Provider,
		APIToken:     cfg.DNSHost.APIToken,
		AccountID:    cfg.DNSHost.AccountID,
		BaseURL:      cfg.DNSHost.BaseURL,
		TTL:          cfg.DNSHost.TTL,
		Timeout:      cfg.DNSHost.Timeout,
		ZoneCacheTTL: cfg.DNSHost.ZoneCacheTTL,
		Retry:        retryConfig(cfg.DNSHost.Retry),
	}, observer, logger.With("component", "dns_host"))
	if err != nil {
		return nil, fmt.Errorf("failed to create DNS host: %w", err)
	}
	return host, nil
}

// NewMTA builds the MTA control API client
func NewMTA(cfg *config.Config, observer provider.Observer, logger *slog.Logger) *mta.Client {
	return mta.NewClient(mta.Config{
		BaseURL: cfg.MTA.BaseURL,
		APIKey:  cfg.MTA.APIKey,
		Timeout: cfg.MTA.Timeout,
		Retry:   retryConfig(cfg.MTA.Retry),
	}, observer, logger.With("component", "mta"))
}

// NewResolver builds the TXT resolver for the configured backend
func NewResolver(cfg *config.Config) dnscheck.Resolver {
	if cfg.Verifier.Backend == "dns" {
		return dnscheck.NewWireResolver(cfg.Verifier.DNSServer, cfg.Verifier.Timeout)
	}
	return dnscheck.NewDoHResolver(cfg.Verifier.DoHURL, cfg.Verifier.Timeout)
}

// NewVerifier builds the propagation verifier
func NewVerifier(cfg *config.Config, logger *slog.Logger) *dnscheck.Verifier {
	return dnscheck.NewVerifier(NewResolver(cfg), dnscheck.Options{
		Rate:     cfg.Verifier.Rate,
		Parallel: cfg.Verifier.Parallel,
		Retry:    retryConfig(cfg.Verifier.Retry),
	}, logger.With("component", "verifier"))
}

// RecordOptions maps the records section onto generator options
func RecordOptions(cfg *config.Config) dnsrecord.Options {
	return dnsrecord.Options{
		SPFIncludes: cfg.Records.SPFIncludes,
		DMARCPolicy: dnsrecord.Policy(cfg.Records.DMARCPolicy),
		RUA:         cfg.Records.RUA,
		RUF:         cfg.Records.RUF,
	}
}

// WizardConfig maps configuration onto wizard settings
func WizardConfig(cfg *config.Config) wizard.Config {
	return wizard.Config{
		Selectors:        cfg.Wizard.Selectors,
		PurchaseYears:    cfg.Wizard.PurchaseYears,
		AutoAdvanceDelay: cfg.Wizard.AutoAdvanceDelay,
		StepTimeout:      cfg.Wizard.StepTimeout,
		DKIMAuthority:    cfg.Wizard.DKIMAuthority,
		MTASelector:      cfg.Wizard.MTASelector,
		BundleName:       cfg.Storage.BundleName,
		Records:          RecordOptions(cfg),
		MTAKeySize:       cfg.MTA.DKIMKeySize,
		MailIPs:          cfg.MTA.MailIPs,
		SMTPAddr:         cfg.MTA.SMTPAddr,
	}
}

func retryConfig(r config.RetryConfig) retry.Config {
	return provider.RetryConfig(r.MaxAttempts, r.BaseDelay, r.MaxDelay)
}
