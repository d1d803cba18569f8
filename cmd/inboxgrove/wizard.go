package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dchatpar/inboxgrove/internal/app"
	"github.com/dchatpar/inboxgrove/internal/dnscheck"
	"github.com/dchatpar/inboxgrove/internal/dnsrecord"
	"github.com/dchatpar/inboxgrove/internal/wizard"
)

var wizardCmd = &cobra.Command{
	Use:   "wizard",
	Short: "Provisioning wizard commands",
}

var wizardRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Provision a sending domain interactively",
	Long: `Walks through search, purchase, DNS host, DKIM, deploy and DNS
verification in the terminal. Type "back" at any prompt to return to the
previous step, or "quit" to stop. Generated DKIM keys stay in the key store.`,
	RunE: runWizard,
}

func init() {
	wizardCmd.AddCommand(wizardRunCmd)
	rootCmd.AddCommand(wizardCmd)
}

var errQuit = errors.New("quit")

func runWizard(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cliLogger(cfg)

	keys, err := openKeys(cfg)
	if err != nil {
		return err
	}
	defer keys.Close()

	deps, err := app.NewDeps(cfg, keys, nil, logger)
	if err != nil {
		return err
	}

	wcfg := app.WizardConfig(cfg)
	// steps are confirmed at the prompt, no need to wait before advancing
	wcfg.AutoAdvanceDelay = 0

	sessions := wizard.NewManager(wcfg, deps)
	defer sessions.Close()

	w, err := sessions.Create(cmd.Context())
	if err != nil {
		return err
	}

	t := &terminal{
		in:        bufio.NewReader(os.Stdin),
		out:       os.Stdout,
		w:         w,
		hasHost:   deps.DNSHost != nil,
		hostName:  cfg.DNSHost.Provider,
		selectors: wcfg.Selectors,
		years:     wcfg.PurchaseYears,
	}
	err = t.drive(cmd.Context())
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

// terminal drives one wizard session from line-oriented input
type terminal struct {
	in        *bufio.Reader
	out       io.Writer
	w         *wizard.Wizard
	hasHost   bool
	hostName  string
	selectors []string
	years     int

	logged int
}

func (t *terminal) ask(question, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(t.out, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(t.out, "%s: ", question)
	}

	line, err := t.in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", errQuit
	}
	line = strings.TrimSpace(line)
	if line == "" {
		line = def
	}
	if strings.EqualFold(line, "quit") || strings.EqualFold(line, "q") {
		return "", errQuit
	}
	return line, nil
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "y" || a == "yes"
}

// flush prints session log lines not shown yet
func (t *terminal) flush() {
	s := t.w.Snapshot()
	if t.logged > len(s.Log) {
		t.logged = 0
	}
	for _, line := range s.Log[t.logged:] {
		if strings.HasPrefix(line, "step: ") {
			continue
		}
		fmt.Fprintf(t.out, "  %s\n", line)
	}
	t.logged = len(s.Log)
}

func (t *terminal) advance() error {
	if _, err := t.w.Advance(); err != nil {
		return err
	}
	return nil
}

func (t *terminal) back() error {
	_, err := t.w.Back()
	if errors.Is(err, wizard.ErrCannotGoBack) {
		fmt.Fprintln(t.out, "  already at the first step")
		return nil
	}
	return err
}

// drive runs steps until the session completes or input ends
func (t *terminal) drive(ctx context.Context) error {
	t.flush()
	for {
		s := t.w.Snapshot()
		if s.Step == wizard.StepComplete {
			t.summary(&s)
			return nil
		}

		fmt.Fprintf(t.out, "\n== %s ==\n", s.Step)

		var err error
		switch s.Step {
		case wizard.StepSearch:
			err = t.search(ctx)
		case wizard.StepPurchase:
			err = t.purchase(ctx, &s)
		case wizard.StepDNSHostConnect:
			err = t.dnsHost(ctx)
		case wizard.StepDKIM:
			err = t.dkim(ctx, &s)
		case wizard.StepDeploy:
			err = t.deploy(ctx)
		case wizard.StepDNSVerify:
			err = t.verify(ctx)
		}
		t.flush()

		switch {
		case err == nil:
		case errors.Is(err, errQuit):
			return err
		case errors.Is(err, wizard.ErrClosed), errors.Is(err, wizard.ErrUnexpected):
			return err
		default:
			fmt.Fprintf(t.out, "  %v\n", err)
		}
	}
}

func (t *terminal) search(ctx context.Context) error {
	domain, err := t.ask("Domain to provision", "")
	if err != nil {
		return err
	}
	if domain == "" || domain == "back" {
		return nil
	}

	if err := t.w.Search(ctx, domain); err != nil {
		return err
	}
	t.flush()

	if t.w.Snapshot().Domain.Availability == wizard.AvailabilityTaken {
		fmt.Fprintln(t.out, "  the domain is registered, continuing as its owner")
	}
	return t.advance()
}

func (t *terminal) purchase(ctx context.Context, s *wizard.Session) error {
	q := fmt.Sprintf("Buy %s for %d year(s)? (yes, years, owned, back)", s.Domain.Name, t.years)
	if s.Domain.Price != "" {
		q = fmt.Sprintf("Buy %s for %d year(s) at %s/yr? (yes, years, owned, back)", s.Domain.Name, t.years, s.Domain.Price)
	}
	answer, err := t.ask(q, "")
	if err != nil {
		return err
	}

	if years, err := strconv.Atoi(answer); err == nil {
		return t.w.Purchase(ctx, years)
	}

	switch {
	case yes(answer):
		return t.w.Purchase(ctx, t.years)
	case answer == "owned":
		if err := t.w.AssertOwned(); err != nil {
			return err
		}
		return t.advance()
	case answer == "back":
		return t.back()
	}
	return nil
}

func (t *terminal) dnsHost(ctx context.Context) error {
	if !t.hasHost {
		fmt.Fprintln(t.out, "  no DNS host token configured")
		_, err := t.w.SkipDNSHost()
		return err
	}

	answer, err := t.ask(fmt.Sprintf("Publish records through %s? (yes, skip, back)", t.hostName), "yes")
	if err != nil {
		return err
	}

	switch {
	case yes(answer):
		if err := t.w.ConnectDNSHost(ctx); err != nil {
			return err
		}
		return t.advance()
	case answer == "skip":
		_, err := t.w.SkipDNSHost()
		return err
	case answer == "back":
		return t.back()
	}
	return nil
}

func (t *terminal) dkim(ctx context.Context, s *wizard.Session) error {
	for _, sel := range t.selectors {
		if _, ok := s.DKIM[sel]; ok {
			fmt.Fprintf(t.out, "  selector %s: stored key\n", sel)
		}
	}

	if s.HasAllKeys() {
		answer, err := t.ask("Keys present. Continue? (yes, regenerate <selector>, back)", "yes")
		if err != nil {
			return err
		}
		switch {
		case yes(answer):
			return t.advance()
		case answer == "back":
			return t.back()
		case strings.HasPrefix(answer, "regenerate "):
			return t.w.GenerateDKIM(ctx, strings.TrimPrefix(answer, "regenerate "))
		}
		return nil
	}

	for _, sel := range t.selectors {
		if _, ok := s.DKIM[sel]; ok {
			continue
		}
		answer, err := t.ask(fmt.Sprintf("Generate DKIM key for selector %s? (yes, back)", sel), "yes")
		if err != nil {
			return err
		}
		if answer == "back" {
			return t.back()
		}
		if !yes(answer) {
			return nil
		}
		if err := t.w.GenerateDKIM(ctx, sel); err != nil {
			return err
		}
		t.flush()
	}
	return t.advance()
}

func (t *terminal) deploy(ctx context.Context) error {
	answer, err := t.ask("Deploy to the MTA and publish records? (yes, back)", "yes")
	if err != nil {
		return err
	}
	if answer == "back" {
		return t.back()
	}
	if !yes(answer) {
		return nil
	}

	if err := t.w.Deploy(ctx); err != nil {
		return err
	}
	t.flush()

	s := t.w.Snapshot()
	if !s.DNSHostConnected() {
		fmt.Fprintln(t.out, "\nAdd these records at your DNS host:")
		fmt.Fprint(t.out, dnsrecord.BindZone(s.Domain.Name, s.Publish))
	}
	return t.advance()
}

func (t *terminal) verify(ctx context.Context) error {
	if err := t.w.Verify(ctx); err != nil {
		return err
	}
	t.flush()

	s := t.w.Snapshot()
	if s.Step == wizard.StepComplete {
		return nil
	}
	if s.Report != nil {
		printReport(t.out, *s.Report)
	}

	answer, err := t.ask("Records not fully propagated. (retry, finish, back)", "retry")
	if err != nil {
		return err
	}
	switch answer {
	case "finish":
		return t.advance()
	case "back":
		return t.back()
	}
	return nil
}

func (t *terminal) summary(s *wizard.Session) {
	fmt.Fprintf(t.out, "\n== complete ==\n")
	fmt.Fprintf(t.out, "  domain:  %s\n", s.Domain.Name)
	if s.SMTP != nil {
		fmt.Fprintf(t.out, "  SMTP user: %s\n", s.SMTP.Username)
		fmt.Fprintf(t.out, "  SMTP password: %s\n", s.SMTP.Password)
	}
	if s.Report != nil {
		counts := s.Report.Counts()
		fmt.Fprintf(t.out, "  DNS: %d/%d found\n", counts[dnscheck.StatusFound], len(s.Report.Checks))
	}
}
