package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dchatpar/inboxgrove/internal/app"
	"github.com/dchatpar/inboxgrove/internal/dkim"
	"github.com/dchatpar/inboxgrove/internal/dnscheck"
	"github.com/dchatpar/inboxgrove/internal/dnsrecord"
	"github.com/dchatpar/inboxgrove/internal/keystore"
)

var (
	dkimDomain   string
	dkimSelector string
	dkimBits     int
	dkimOut      string
	dkimForce    bool
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management commands",
}

var dkimGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a DKIM key pair into the key store",
	Long:  `Generate a new RSA DKIM key pair, store it in the DKIM bundle and print its DNS record.`,
	RunE:  runDKIMGenerate,
}

var dkimShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show DNS records for stored DKIM keys",
	RunE:  runDKIMShow,
}

var dkimExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the DKIM bundle including private keys",
	RunE:  runDKIMExport,
}

var dkimImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a DKIM bundle",
	Long:  `Import a DKIM bundle in the current or the legacy {selector: {pub, priv}} format.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDKIMImport,
}

var dkimVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Sign a test message and verify it against the published key",
	RunE:  runDKIMVerify,
}

func init() {
	dkimGenerateCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name for the printed record")
	dkimGenerateCmd.Flags().StringVar(&dkimSelector, "selector", "", "DKIM selector (required)")
	dkimGenerateCmd.Flags().IntVar(&dkimBits, "bits", dkim.DefaultKeyBits, "RSA key size")
	dkimGenerateCmd.Flags().BoolVar(&dkimForce, "force", false, "Replace an existing key for the selector")
	dkimGenerateCmd.MarkFlagRequired("selector")

	dkimShowCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name for the printed records")

	dkimExportCmd.Flags().StringVarP(&dkimOut, "output", "o", "", "Write to file instead of stdout")

	dkimVerifyCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimVerifyCmd.Flags().StringVar(&dkimSelector, "selector", "", "DKIM selector (required)")
	dkimVerifyCmd.MarkFlagRequired("domain")
	dkimVerifyCmd.MarkFlagRequired("selector")

	dkimCmd.AddCommand(dkimGenerateCmd, dkimShowCmd, dkimExportCmd, dkimImportCmd, dkimVerifyCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMGenerate(cmd *cobra.Command, args []string) error {
	if err := dnscheck.ValidateSelector(dkimSelector); err != nil {
		return fmt.Errorf("%w: %s", err, dkimSelector)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	keys, err := openKeys(cfg)
	if err != nil {
		return err
	}
	defer keys.Close()

	ctx := context.Background()
	if _, err := keys.Get(ctx, cfg.Storage.BundleName, dkimSelector); err == nil && !dkimForce {
		return fmt.Errorf("selector %s already has a key (use --force to replace it)", dkimSelector)
	}

	kp, err := dkim.GenerateKeySize(dkimSelector, dkimBits)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	entry := keystore.Entry{Public: kp.PublicKeyPEM, Private: kp.PrivateKeyPEM, CreatedAt: time.Now().UTC()}
	if err := keys.Put(ctx, cfg.Storage.BundleName, dkimSelector, entry); err != nil {
		return fmt.Errorf("failed to store key: %w", err)
	}

	fmt.Printf("DKIM key generated successfully\n\n")
	fmt.Printf("Stored in bundle %s at %s\n\n", cfg.Storage.BundleName, cfg.Storage.Path)
	printDKIMRecord(dkimSelector, kp.PublicKeyBase64())

	return nil
}

func runDKIMShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	keys, err := openKeys(cfg)
	if err != nil {
		return err
	}
	defer keys.Close()

	bundle, err := keys.Load(context.Background(), cfg.Storage.BundleName)
	if err != nil {
		return err
	}
	if len(bundle.Keys) == 0 {
		fmt.Println("No DKIM keys stored")
		return nil
	}

	for _, sel := range bundle.Selectors() {
		e := bundle.Keys[sel]
		fmt.Printf("Selector %s (created %s)\n", sel, e.CreatedAt.Format(time.RFC3339))
		printDKIMRecord(sel, dkim.ExtractPublicKeyBase64(e.Public))
		fmt.Println()
	}
	return nil
}

func printDKIMRecord(selector, publicKey string) {
	name := dnsrecord.DKIMName(selector)
	if dkimDomain != "" {
		name = dnsrecord.FQDN(name, dnscheck.NormalizeDomain(dkimDomain))
	}
	fmt.Printf("DNS Record:\n")
	fmt.Printf("  Name: %s\n", name)
	fmt.Printf("  Type: TXT\n")
	fmt.Printf("  Value: %s\n", dnsrecord.DKIMValue(publicKey))
}

func runDKIMExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	keys, err := openKeys(cfg)
	if err != nil {
		return err
	}
	defer keys.Close()

	data, err := keys.Export(context.Background(), cfg.Storage.BundleName)
	if err != nil {
		return err
	}

	if dkimOut == "" {
		fmt.Println(string(data))
		return nil
	}
	if err := os.WriteFile(dkimOut, data, 0600); err != nil {
		return fmt.Errorf("failed to write bundle: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Bundle written to %s (contains private keys)\n", dkimOut)
	return nil
}

func runDKIMImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read bundle: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	keys, err := openKeys(cfg)
	if err != nil {
		return err
	}
	defer keys.Close()

	n, err := keys.Import(context.Background(), cfg.Storage.BundleName, data)
	if err != nil {
		return fmt.Errorf("failed to import bundle: %w", err)
	}
	fmt.Printf("Imported %d selector(s) into %s\n", n, cfg.Storage.BundleName)
	return nil
}

func runDKIMVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	keys, err := openKeys(cfg)
	if err != nil {
		return err
	}
	defer keys.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entry, err := keys.Get(ctx, cfg.Storage.BundleName, dkimSelector)
	if errors.Is(err, keystore.ErrNotFound) {
		return fmt.Errorf("no stored key for selector %s", dkimSelector)
	}
	if err != nil {
		return err
	}

	domain := dnscheck.NormalizeDomain(dkimDomain)
	signer, err := dkim.NewSignerFromPEM(entry.Private, domain, dkimSelector)
	if err != nil {
		return err
	}

	resolver := app.NewResolver(cfg)
	if err := signer.VerifyPublished(ctx, resolver.LookupTXT); err != nil {
		return fmt.Errorf("DKIM verification failed for %s: %w", dnsrecord.FQDN(dnsrecord.DKIMName(dkimSelector), domain), err)
	}

	fmt.Printf("DKIM signature for %s verifies against the published key\n", domain)
	return nil
}
