package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dchatpar/inboxgrove/internal/app"
	"github.com/dchatpar/inboxgrove/internal/dnscheck"
	"github.com/dchatpar/inboxgrove/internal/dnsrecord"
)

var dnsFormat string

var dnsCmd = &cobra.Command{
	Use:   "dns",
	Short: "DNS propagation and reputation commands",
}

var dnsVerifyCmd = &cobra.Command{
	Use:   "verify <domain>",
	Short: "Check that SPF, DMARC and DKIM records have propagated",
	Long: `Look up the apex SPF, _dmarc and every selector's DKIM record and grade
each against the value generated from the stored keys.`,
	Args: cobra.ExactArgs(1),
	RunE: runDNSVerify,
}

var dnsBlocklistCmd = &cobra.Command{
	Use:   "blocklist <ip>",
	Short: "Check a mail server IPv4 address against DNS blocklists",
	Args:  cobra.ExactArgs(1),
	RunE:  runDNSBlocklist,
}

func init() {
	dnsVerifyCmd.Flags().StringVar(&dnsFormat, "format", "table", "Output format (table, json)")
	dnsBlocklistCmd.Flags().StringVar(&dnsFormat, "format", "table", "Output format (table, json)")

	dnsCmd.AddCommand(dnsVerifyCmd, dnsBlocklistCmd)
	rootCmd.AddCommand(dnsCmd)
}

func runDNSVerify(cmd *cobra.Command, args []string) error {
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
	// selectors without a stored key are still looked up, just not graded
	names := set.Names()
	for _, sel := range missing {
		names = append(names, dnsrecord.FQDN(dnsrecord.DKIMName(sel), domain))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	verifier := app.NewVerifier(cfg, cliLogger(cfg))
	fmt.Fprintf(os.Stderr, "Checking DNS records for: %s\n\n", domain)
	report := verifier.Verify(ctx, names, set.ExpectedValues())

	if dnsFormat == "json" {
		return writeJSON(os.Stdout, report)
	}
	printReport(os.Stdout, report)

	if !report.AllMatched() {
		return fmt.Errorf("records for %s are not fully propagated", domain)
	}
	return nil
}

func printReport(w io.Writer, report dnscheck.Report) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tGRADE\tVALUE")
	for _, c := range report.Checks {
		value := c.Err
		if len(c.Values) > 0 {
			value = c.Values[0]
			if len(c.Values) > 1 {
				value += fmt.Sprintf(" (+%d more)", len(c.Values)-1)
			}
		}
		grade := string(c.Grade)
		if grade == "" {
			grade = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Name, c.Status, grade, value)
	}
	tw.Flush()

	counts := report.Counts()
	fmt.Fprintf(w, "\nSummary: %d found, %d not found, %d errors\n",
		counts[dnscheck.StatusFound], counts[dnscheck.StatusNotFound], counts[dnscheck.StatusError])
}

func runDNSBlocklist(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	resolver := dnscheck.NewWireResolver(cfg.Verifier.DNSServer, cfg.Verifier.Timeout)
	result, err := dnscheck.CheckBlocklists(ctx, resolver, args[0], dnscheck.DefaultDNSBLs)
	if err != nil {
		return err
	}

	if dnsFormat == "json" {
		return writeJSON(os.Stdout, result)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BLOCKLIST\tZONE\tSTATUS")
	for _, r := range result.Results {
		status := "clean"
		switch {
		case r.Error != "":
			status = "error: " + r.Error
		case r.Listed:
			status = "LISTED"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.DNSBL.Name, r.DNSBL.Zone, status)
	}
	tw.Flush()
	fmt.Printf("\nSummary: %d clean, %d listed, %d errors\n", result.Summary.Clean, result.Summary.Listed, result.Summary.Errors)

	if result.Summary.Listed > 0 {
		return fmt.Errorf("%s is listed on %d blocklist(s)", result.IP, result.Summary.Listed)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
