package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dchatpar/inboxgrove/internal/app"
	"github.com/dchatpar/inboxgrove/internal/dnscheck"
	"github.com/dchatpar/inboxgrove/internal/provider"
)

var registrarCmd = &cobra.Command{
	Use:   "registrar",
	Short: "Domain registrar commands",
}

var registrarCheckCmd = &cobra.Command{
	Use:   "check <domain>",
	Short: "Check whether a domain is available for purchase",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegistrarCheck,
}

var mtaCmd = &cobra.Command{
	Use:   "mta",
	Short: "Mail server control API commands",
}

var mtaHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check MTA control API health",
	RunE:  runMTAHealth,
}

var mtaDomainsCmd = &cobra.Command{
	Use:   "domains",
	Short: "List mail domains on the MTA",
	RunE:  runMTADomains,
}

var mtaUsersCmd = &cobra.Command{
	Use:   "users",
	Short: "List SMTP users on the MTA",
	RunE:  runMTAUsers,
}

func init() {
	registrarCmd.AddCommand(registrarCheckCmd)
	mtaCmd.AddCommand(mtaHealthCmd, mtaDomainsCmd, mtaUsersCmd)
	rootCmd.AddCommand(registrarCmd, mtaCmd)
}

func runRegistrarCheck(cmd *cobra.Command, args []string) error {
	domain := dnscheck.NormalizeDomain(args[0])
	if err := dnscheck.ValidateDomain(domain); err != nil {
		return fmt.Errorf("%w: %s", err, args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	client := app.NewRegistrar(cfg, nil, cliLogger(cfg))
	avail, err := client.CheckAvailability(ctx, domain)
	if err != nil {
		return fmt.Errorf("availability check failed: %s", provider.Message(err))
	}

	if avail.Available {
		fmt.Printf("%s is available", domain)
		if avail.Price != "" {
			fmt.Printf(" at %s/yr", avail.Price)
		}
		fmt.Println()
		return nil
	}
	fmt.Printf("%s is not available (code %s)\n", domain, avail.Code)
	return nil
}

func runMTAHealth(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.NewMTA(cfg, nil, cliLogger(cfg)).Health(ctx); err != nil {
		return fmt.Errorf("MTA unhealthy: %s", provider.Message(err))
	}
	fmt.Printf("MTA at %s is healthy\n", cfg.MTA.BaseURL)
	return nil
}

func runMTADomains(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	domains, err := app.NewMTA(cfg, nil, cliLogger(cfg)).ListDomains(ctx)
	if err != nil {
		return fmt.Errorf("failed to list domains: %s", provider.Message(err))
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DOMAIN\tSELECTOR\tDKIM")
	for _, d := range domains {
		fmt.Fprintf(tw, "%s\t%s\t%v\n", d.Domain, d.Selector, d.DKIMConfigured)
	}
	return tw.Flush()
}

func runMTAUsers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	users, err := app.NewMTA(cfg, nil, cliLogger(cfg)).ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %s", provider.Message(err))
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tEMAIL\tCREATED")
	for _, u := range users {
		created := "-"
		if u.CreatedAt != nil {
			created = *u.CreatedAt
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", u.Username, u.Email, created)
	}
	return tw.Flush()
}
