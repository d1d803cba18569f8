package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Registrar RegistrarConfig `yaml:"registrar"`
	DNSHost   DNSHostConfig   `yaml:"dns_host"`
	MTA       MTAConfig       `yaml:"mta"`
	Verifier  VerifierConfig  `yaml:"verifier"`
	Records   RecordsConfig   `yaml:"records"`
	Wizard    WizardConfig    `yaml:"wizard"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	APIKey       string        `yaml:"api_key"`
	APIKeyHash   string        `yaml:"api_key_hash"` // bcrypt hash, takes precedence over api_key
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path       string `yaml:"path"`        // bbolt file holding DKIM bundles
	BundleName string `yaml:"bundle_name"` // key of the DKIM bundle
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"`
	Path       string   `yaml:"path"`
	AllowedIPs []string `yaml:"allowed_ips"` // IPs or CIDRs, empty allows all
}

// RetryConfig controls the retry policy of one adapter
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// RegistrarConfig contains domain registrar credentials
type RegistrarConfig struct {
	URL           string        `yaml:"url"`
	UID           string        `yaml:"uid"`
	APIKey        string        `yaml:"api_key"`
	Password      string        `yaml:"password"`
	AvailableCode string        `yaml:"available_code"` // response code meaning "available"
	Timeout       time.Duration `yaml:"timeout"`
	Retry         RetryConfig   `yaml:"retry"` // applies to availability checks only
}

// DNSHostConfig contains DNS hosting provider settings
type DNSHostConfig struct {
	Provider     string        `yaml:"provider"` // cloudflare, cloudflare-libdns, he
	APIToken     string        `yaml:"api_token"`
	AccountID    string        `yaml:"account_id"`
	BaseURL      string        `yaml:"base_url"`
	TTL          int           `yaml:"ttl"` // 1 = automatic
	Timeout      time.Duration `yaml:"timeout"`
	ZoneCacheTTL time.Duration `yaml:"zone_cache_ttl"`
	Retry        RetryConfig   `yaml:"retry"`
}

// MTAConfig contains mail transfer agent control API settings
type MTAConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	MailIPs     []string      `yaml:"mail_ips"`
	DKIMKeySize int           `yaml:"dkim_key_size"`
	SMTPAddr    string        `yaml:"smtp_addr"` // optional submission endpoint for login checks
	Timeout     time.Duration `yaml:"timeout"`
	Retry       RetryConfig   `yaml:"retry"`
}

// VerifierConfig contains DNS propagation check settings
type VerifierConfig struct {
	Backend   string        `yaml:"backend"` // doh, dns
	DoHURL    string        `yaml:"doh_url"`
	DNSServer string        `yaml:"dns_server"` // host:port for the dns backend
	Timeout   time.Duration `yaml:"timeout"`
	Rate      float64       `yaml:"rate"` // queries per second, 0 = unlimited
	Parallel  bool          `yaml:"parallel"`
	Retry     RetryConfig   `yaml:"retry"`
}

// RecordsConfig contains SPF/DMARC policy options
type RecordsConfig struct {
	SPFIncludes []string `yaml:"spf_includes"`
	DMARCPolicy string   `yaml:"dmarc_policy"` // none, quarantine, reject
	RUA         string   `yaml:"rua"`
	RUF         string   `yaml:"ruf"`
}

// WizardConfig contains provisioning wizard settings
type WizardConfig struct {
	Selectors        []string      `yaml:"selectors"`
	PurchaseYears    int           `yaml:"purchase_years"`
	AutoAdvanceDelay time.Duration `yaml:"auto_advance_delay"`
	StepTimeout      time.Duration `yaml:"step_timeout"`
	DKIMAuthority    string        `yaml:"dkim_authority"` // local, mta
	MTASelector      string        `yaml:"mta_selector"`   // MTA signing selector under local authority
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/inboxgrove/inboxgrove.db"
	}
	if c.Storage.BundleName == "" {
		c.Storage.BundleName = "inboxgrove_dkim_bundle"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Registrar.URL == "" {
		c.Registrar.URL = "https://resellertest.enom.com"
	}
	if c.Registrar.AvailableCode == "" {
		c.Registrar.AvailableCode = "210"
	}
	if c.Registrar.Timeout == 0 {
		c.Registrar.Timeout = 30 * time.Second
	}
	setRetryDefaults(&c.Registrar.Retry)

	if c.DNSHost.Provider == "" {
		c.DNSHost.Provider = "cloudflare"
	}
	if c.DNSHost.BaseURL == "" {
		c.DNSHost.BaseURL = "https://api.cloudflare.com/client/v4"
	}
	if c.DNSHost.TTL == 0 {
		c.DNSHost.TTL = 1
	}
	if c.DNSHost.Timeout == 0 {
		c.DNSHost.Timeout = 30 * time.Second
	}
	if c.DNSHost.ZoneCacheTTL == 0 {
		c.DNSHost.ZoneCacheTTL = 10 * time.Minute
	}
	setRetryDefaults(&c.DNSHost.Retry)

	if c.MTA.DKIMKeySize == 0 {
		c.MTA.DKIMKeySize = 2048
	}
	if c.MTA.Timeout == 0 {
		c.MTA.Timeout = 30 * time.Second
	}
	setRetryDefaults(&c.MTA.Retry)

	if c.Verifier.Backend == "" {
		c.Verifier.Backend = "doh"
	}
	if c.Verifier.DoHURL == "" {
		c.Verifier.DoHURL = "https://cloudflare-dns.com/dns-query"
	}
	if c.Verifier.DNSServer == "" {
		c.Verifier.DNSServer = "1.1.1.1:53"
	}
	if c.Verifier.Timeout == 0 {
		c.Verifier.Timeout = 10 * time.Second
	}
	setRetryDefaults(&c.Verifier.Retry)

	if len(c.Records.SPFIncludes) == 0 {
		c.Records.SPFIncludes = []string{"_spf.inboxgrove.net"}
	}
	if c.Records.DMARCPolicy == "" {
		c.Records.DMARCPolicy = "none"
	}

	if len(c.Wizard.Selectors) == 0 {
		c.Wizard.Selectors = []string{"s1", "s2"}
	}
	if c.Wizard.PurchaseYears == 0 {
		c.Wizard.PurchaseYears = 1
	}
	if c.Wizard.AutoAdvanceDelay == 0 {
		c.Wizard.AutoAdvanceDelay = 1500 * time.Millisecond
	}
	if c.Wizard.StepTimeout == 0 {
		c.Wizard.StepTimeout = 2 * time.Minute
	}
	if c.Wizard.DKIMAuthority == "" {
		c.Wizard.DKIMAuthority = "local"
	}
	if c.Wizard.MTASelector == "" {
		c.Wizard.MTASelector = "mta"
	}

	// steps run inside the request, so the response must outlive them
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = c.Wizard.StepTimeout + 30*time.Second
	}
}

func setRetryDefaults(r *RetryConfig) {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = 500 * time.Millisecond
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 5 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	switch c.DNSHost.Provider {
	case "cloudflare", "cloudflare-libdns", "he":
	default:
		return fmt.Errorf("invalid dns_host.provider: %s (must be cloudflare, cloudflare-libdns, or he)", c.DNSHost.Provider)
	}

	switch c.Verifier.Backend {
	case "doh", "dns":
	default:
		return fmt.Errorf("invalid verifier.backend: %s (must be doh or dns)", c.Verifier.Backend)
	}
	if c.Verifier.Rate < 0 {
		return fmt.Errorf("verifier.rate must not be negative")
	}

	switch c.Records.DMARCPolicy {
	case "none", "quarantine", "reject":
	default:
		return fmt.Errorf("invalid records.dmarc_policy: %s (must be none, quarantine, or reject)", c.Records.DMARCPolicy)
	}

	if len(c.Wizard.Selectors) != 2 {
		return fmt.Errorf("wizard.selectors must name exactly two selectors, got %d", len(c.Wizard.Selectors))
	}
	if strings.EqualFold(c.Wizard.Selectors[0], c.Wizard.Selectors[1]) {
		return fmt.Errorf("wizard.selectors must be distinct")
	}
	if c.Wizard.PurchaseYears < 1 || c.Wizard.PurchaseYears > 10 {
		return fmt.Errorf("wizard.purchase_years must be between 1 and 10")
	}
	switch c.Wizard.DKIMAuthority {
	case "local", "mta":
	default:
		return fmt.Errorf("invalid wizard.dkim_authority: %s (must be local or mta)", c.Wizard.DKIMAuthority)
	}
	if c.Wizard.DKIMAuthority == "local" && slices.ContainsFunc(c.Wizard.Selectors, func(sel string) bool {
		return strings.EqualFold(sel, c.Wizard.MTASelector)
	}) {
		return fmt.Errorf("wizard.mta_selector %s must differ from wizard.selectors", c.Wizard.MTASelector)
	}
	if c.Server.WriteTimeout <= c.Wizard.StepTimeout {
		return fmt.Errorf("server.write_timeout (%s) must exceed wizard.step_timeout (%s)",
			c.Server.WriteTimeout, c.Wizard.StepTimeout)
	}

	if c.MTA.DKIMKeySize != 1024 && c.MTA.DKIMKeySize != 2048 && c.MTA.DKIMKeySize != 4096 {
		return fmt.Errorf("mta.dkim_key_size must be 1024, 2048 or 4096")
	}

	return nil
}

// SecretLookup resolves a secret by name when it is absent from the file
type SecretLookup func(name string) (string, error)

// Secret names understood by FillSecrets
const (
	SecretRegistrarPassword = "registrar-password"
	SecretRegistrarAPIKey   = "registrar-api-key"
	SecretDNSHostToken      = "dns-host-token"
	SecretMTAAPIKey         = "mta-api-key"
)

// FillSecrets fills empty credential fields using lookup. Lookup failures
// leave the field empty; adapters report missing credentials themselves.
func (c *Config) FillSecrets(lookup SecretLookup) {
	fill := func(dst *string, name string) {
		if *dst != "" {
			return
		}
		if v, err := lookup(name); err == nil {
			*dst = v
		}
	}
	fill(&c.Registrar.Password, SecretRegistrarPassword)
	fill(&c.Registrar.APIKey, SecretRegistrarAPIKey)
	fill(&c.DNSHost.APIToken, SecretDNSHostToken)
	fill(&c.MTA.APIKey, SecretMTAAPIKey)
}
