package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dchatpar/inboxgrove/internal/app"
	"github.com/dchatpar/inboxgrove/internal/dkim"
	"github.com/dchatpar/inboxgrove/internal/dnscheck"
	"github.com/dchatpar/inboxgrove/internal/dnsrecord"
)

var (
	recordsFormat   string
	recordsProvider string
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "DNS record generation commands",
}

var recordsShowCmd = &cobra.Command{
	Use:   "show <domain>",
	Short: "Print SPF, DMARC and DKIM records for a domain",
	Long: `Print the SPF, DMARC and DKIM TXT records for a domain using the keys in
the DKIM bundle. Formats: text (manual instructions), json, csv, bind.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecordsShow,
}

func init() {
	recordsShowCmd.Flags().StringVar(&recordsFormat, "format", "text", "Output format (text, json, csv, bind)")
	recordsShowCmd.Flags().StringVar(&recordsProvider, "provider", string(dnsrecord.ProviderCloudflare), "DNS provider guide for text output")

	recordsCmd.AddCommand(recordsShowCmd)
	rootCmd.AddCommand(recordsCmd)
}

func runRecordsShow(cmd *cobra.Command, args []string) error {
	domain := dnscheck.NormalizeDomain(args[0])
	if err := dnscheck.ValidateDomain(domain); err != nil {
		return fmt.Errorf("%w: %s", err, args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	set, missing, err := storedRecordSet(cfg.Storage.Path, cfg.Storage.BundleName, domain, cfg.Wizard.Selectors, app.RecordOptions(cfg))
	if err != nil {
		return err
	}
	for _, sel := range missing {
		fmt.Fprintf(os.Stderr, "warning: no DKIM key stored for selector %s (run: inboxgrove dkim generate --selector %s)\n", sel, sel)
	}

	return renderRecords(os.Stdout, set, recordsFormat, recordsProvider)
}

// storedRecordSet builds the record set from the bundle's keys and reports
// the selectors that have none
func storedRecordSet(path, bundleName, domain string, selectors []string, opts dnsrecord.Options) (dnsrecord.RecordSet, []string, error) {
	keys, err := openKeysAt(path)
	if err != nil {
		return dnsrecord.RecordSet{}, nil, err
	}
	defer keys.Close()

	bundle, err := keys.Load(context.Background(), bundleName)
	if err != nil {
		return dnsrecord.RecordSet{}, nil, err
	}

	var pairs []dnsrecord.DKIMPair
	var missing []string
	for _, sel := range selectors {
		if !bundle.Has(sel) {
			missing = append(missing, sel)
			continue
		}
		pairs = append(pairs, dnsrecord.DKIMPair{
			Selector:  sel,
			PublicKey: dkim.ExtractPublicKeyBase64(bundle.Keys[sel].Public),
		})
	}
	return dnsrecord.Generate(domain, pairs, opts), missing, nil
}

func renderRecords(w io.Writer, set dnsrecord.RecordSet, format, providerName string) error {
	switch format {
	case "json":
		return writeJSON(w, set)
	case "csv":
		return dnsrecord.WriteCSV(w, set)
	case "bind":
		_, err := io.WriteString(w, dnsrecord.BindZone(set.Domain, set.HostRecords()))
		return err
	case "text":
		p, err := dnsrecord.ParseProvider(providerName)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, dnsrecord.Instructions(set, p))
		return err
	default:
		return fmt.Errorf("unknown format %q (must be text, json, csv or bind)", format)
	}
}
