package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/dchatpar/inboxgrove/internal/config"
)

func TestGenerateRandomString(t *testing.T) {
	lengths := []int{8, 16, 32, 64}

	for _, length := range lengths {
		result := generateRandomString(length)
		if len(result) != length {
			t.Errorf("generateRandomString(%d) returned string of length %d", length, len(result))
		}
	}

	s1 := generateRandomString(32)
	s2 := generateRandomString(32)
	if s1 == s2 {
		t.Error("generateRandomString should generate unique strings")
	}
}

func setInitDefaults(t *testing.T) {
	t.Helper()
	initDataDir = t.TempDir()
	initDNSProvider = "cloudflare"
	initMTAURL = "https://mta.example.net"
	initMailIPs = "192.0.2.10, 192.0.2.11"
	initRegistrarID = "reseller"
	initRUA = ""
	initAPIKey = "testapikey"
}

func TestGenerateConfig(t *testing.T) {
	setInitDefaults(t)

	out := generateConfig(`api_key: "testapikey"`)

	checks := []string{
		`api_key: "testapikey"`,
		`provider: "cloudflare"`,
		`base_url: "https://mta.example.net"`,
		`mail_ips: ["192.0.2.10", "192.0.2.11"]`,
		`uid: "reseller"`,
		`# rua:`,
	}
	for _, check := range checks {
		if !strings.Contains(out, check) {
			t.Errorf("Generated config missing: %s", check)
		}
	}
}

func TestGeneratedConfigLoads(t *testing.T) {
	setInitDefaults(t)
	initRUA = "dmarc@example.com"

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(generateConfig(`api_key: "testapikey"`)), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	if cfg.Server.APIKey != "testapikey" {
		t.Errorf("APIKey = %q", cfg.Server.APIKey)
	}
	if cfg.Storage.Path != filepath.Join(initDataDir, "inboxgrove.db") {
		t.Errorf("Storage.Path = %q", cfg.Storage.Path)
	}
	if len(cfg.MTA.MailIPs) != 2 {
		t.Errorf("MailIPs = %v, want 2 entries", cfg.MTA.MailIPs)
	}
	if cfg.Records.RUA != "dmarc@example.com" {
		t.Errorf("RUA = %q", cfg.Records.RUA)
	}
	if cfg.Wizard.DKIMAuthority != "local" {
		t.Errorf("DKIMAuthority = %q", cfg.Wizard.DKIMAuthority)
	}
}

func TestGeneratedConfigWithKeyHash(t *testing.T) {
	setInitDefaults(t)
	initMailIPs = ""

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := generateConfig(`api_key_hash: "` + string(hash) + `"`)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	if cfg.Server.APIKey != "" {
		t.Errorf("APIKey = %q, want empty", cfg.Server.APIKey)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cfg.Server.APIKeyHash), []byte("secret")); err != nil {
		t.Errorf("stored hash does not match: %v", err)
	}
	if len(cfg.MTA.MailIPs) != 0 {
		t.Errorf("MailIPs = %v, want none", cfg.MTA.MailIPs)
	}
}

func TestYAMLList(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "[]"},
		{"192.0.2.1", `["192.0.2.1"]`},
		{" a , ,b ", `["a", "b"]`},
	}
	for _, tt := range tests {
		if got := yamlList(tt.in); got != tt.want {
			t.Errorf("yamlList(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
