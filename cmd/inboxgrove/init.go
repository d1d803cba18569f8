package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var (
	initOutput      string
	initDataDir     string
	initAPIKey      string
	initHashKey     bool
	initDNSProvider string
	initMTAURL      string
	initMailIPs     string
	initRegistrarID string
	initRUA         string
	initForce       bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize InboxGrove configuration",
	Long: `Interactive wizard to create an InboxGrove configuration file.

Provider secrets are not written to the file; store them in the OS
keychain with "inboxgrove auth set".

Examples:
  # Interactive mode - prompts for missing values
  inboxgrove init

  # Non-interactive
  inboxgrove init --mta-url https://mta.example.net --mail-ips 192.0.2.10 -o inboxgrove.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/inboxgrove", "Data directory for the key store")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().BoolVar(&initHashKey, "hash-key", false, "Write only a bcrypt hash of the API key")
	initCmd.Flags().StringVar(&initDNSProvider, "dns-provider", "", "DNS host: cloudflare, cloudflare-libdns, he")
	initCmd.Flags().StringVar(&initMTAURL, "mta-url", "", "MTA control API base URL")
	initCmd.Flags().StringVar(&initMailIPs, "mail-ips", "", "Comma-separated sending IPs")
	initCmd.Flags().StringVar(&initRegistrarID, "registrar-uid", "", "Registrar account id")
	initCmd.Flags().StringVar(&initRUA, "rua", "", "DMARC aggregate report address")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("InboxGrove Configuration Wizard")
	fmt.Println("===============================")
	fmt.Println()

	if initMTAURL == "" {
		initMTAURL = prompt(reader, "MTA control API URL", "http://127.0.0.1:8000")
	}
	if initMailIPs == "" {
		initMailIPs = prompt(reader, "Sending IPs (comma-separated, optional)", "")
	}
	if initDNSProvider == "" {
		initDNSProvider = prompt(reader, "DNS host (cloudflare, cloudflare-libdns, he)", "cloudflare")
	}
	switch initDNSProvider {
	case "cloudflare", "cloudflare-libdns", "he":
	default:
		return fmt.Errorf("unknown DNS host %q", initDNSProvider)
	}
	if initRegistrarID == "" {
		initRegistrarID = prompt(reader, "Registrar account id (optional)", "")
	}
	if initRUA == "" {
		initRUA = prompt(reader, "DMARC report address (optional)", "")
	}
	initDataDir = prompt(reader, "Data directory", initDataDir)

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}

	apiKeyLine := fmt.Sprintf("api_key: %q", initAPIKey)
	if initHashKey {
		hash, err := bcrypt.GenerateFromPassword([]byte(initAPIKey), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash API key: %w", err)
		}
		apiKeyLine = fmt.Sprintf("api_key_hash: %q", string(hash))
		fmt.Println("  Only the key hash is written; keep the key above.")
	}

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	if err := os.MkdirAll(initDataDir, 0700); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	config := generateConfig(apiKeyLine)
	if err := os.WriteFile(initOutput, []byte(config), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()
	printNextSteps()

	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func yamlList(csv string) string {
	var items []string
	for _, s := range strings.Split(csv, ",") {
		if s = strings.TrimSpace(s); s != "" {
			items = append(items, fmt.Sprintf("%q", s))
		}
	}
	return "[" + strings.Join(items, ", ") + "]"
}

func generateConfig(apiKeyLine string) string {
	rua := "# rua: \"dmarc@example.com\""
	if initRUA != "" {
		rua = fmt.Sprintf("rua: %q", initRUA)
	}

	return fmt.Sprintf(`# InboxGrove configuration
# Generated by: inboxgrove init
# Secrets: inboxgrove auth set registrar-password|registrar-api-key|dns-host-token|mta-api-key

server:
  listen_addr: ":8080"
  %s
  read_timeout: 30s
  write_timeout: 150s
  idle_timeout: 60s

logging:
  level: "info"
  format: "json"

storage:
  path: %q
  bundle_name: "inboxgrove_dkim_bundle"

metrics:
  enabled: false
  listen_addr: ":9090"
  path: "/metrics"
  allowed_ips: ["127.0.0.1"]

registrar:
  uid: %q
  available_code: "210"
  timeout: 30s

dns_host:
  provider: %q
  ttl: 1

mta:
  base_url: %q
  mail_ips: %s
  dkim_key_size: 2048

verifier:
  backend: "doh"
  doh_url: "https://cloudflare-dns.com/dns-query"
  rate: 5

records:
  spf_includes: ["_spf.inboxgrove.net"]
  dmarc_policy: "none"
  %s

wizard:
  selectors: ["s1", "s2"]
  purchase_years: 1
  auto_advance_delay: 1500ms
  step_timeout: 2m
  dkim_authority: "local"
  mta_selector: "mta"
`,
		apiKeyLine,
		filepath.Join(initDataDir, "inboxgrove.db"),
		initRegistrarID,
		initDNSProvider,
		initMTAURL,
		yamlList(initMailIPs),
		rua,
	)
}

func printNextSteps() {
	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	fmt.Println("1. Store provider credentials:")
	fmt.Println("   inboxgrove auth set dns-host-token")
	fmt.Println("   inboxgrove auth set mta-api-key")
	fmt.Println()
	fmt.Println("2. Validate the configuration:")
	fmt.Printf("   inboxgrove config validate -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("3. Start the server or run the wizard in the terminal:")
	fmt.Printf("   inboxgrove serve -c %s\n", initOutput)
	fmt.Printf("   inboxgrove wizard run -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("4. Create a provisioning session:")
	fmt.Println("   curl -X POST http://localhost:8080/api/v1/sessions \\")
	fmt.Printf("     -H \"Authorization: Bearer %s\"\n", initAPIKey)
}
