package mta

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Credential is an SMTP login issued for a domain
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	Domain   string `json:"domain"`
}

// NewCredential derives the username and mailbox for domain and generates a password
func NewCredential(domain string) (Credential, error) {
	password, err := GeneratePassword(16)
	if err != nil {
		return Credential{}, err
	}
	return Credential{
		Username: Username(domain),
		Password: password,
		Email:    "admin@" + domain,
		Domain:   domain,
	}, nil
}

// Username returns user_<domain with dots replaced>
func Username(domain string) string {
	return "user_" + strings.ReplaceAll(domain, ".", "_")
}

// GeneratePassword returns "Pwd" followed by n random alphanumerics and "!"
func GeneratePassword(n int) (string, error) {
	var b strings.Builder
	b.WriteString("Pwd")

	max := big.NewInt(int64(len(passwordAlphabet)))
	for range n {
		i, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate password: %w", err)
		}
		b.WriteByte(passwordAlphabet[i.Int64()])
	}

	b.WriteString("!")
	return b.String(), nil
}

// CheckSMTPLogin connects to addr and authenticates with PLAIN, upgrading
// with STARTTLS when the server offers it. It proves a created credential works.
func CheckSMTPLogin(ctx context.Context, addr, username, password string, timeout time.Duration) error {
	return checkSMTPLogin(ctx, addr, username, password, timeout, nil)
}

func checkSMTPLogin(ctx context.Context, addr, username, password string, timeout time.Duration, tlsConfig *tls.Config) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid SMTP address: %w", err)
	}
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}

	client, err := dialSMTP(ctx, addr, timeout, nil)
	if err != nil {
		return err
	}

	// STARTTLS needs a fresh session, so the plain one is only used to read
	// the EHLO capabilities.
	if ok, _ := client.Extension("STARTTLS"); ok {
		client.Quit()
		client.Close()
		if client, err = dialSMTP(ctx, addr, timeout, tlsConfig); err != nil {
			return err
		}
	}
	defer client.Close()

	if ok, _ := client.Extension("AUTH"); !ok {
		return fmt.Errorf("server does not offer AUTH")
	}

	if err := client.Auth(sasl.NewPlainClient("", username, password)); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	return client.Quit()
}

// dialSMTP opens a client to addr, issuing STARTTLS when tlsConfig is set.
func dialSMTP(ctx context.Context, addr string, timeout time.Duration, tlsConfig *tls.Config) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connection failed to %s: %w", addr, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(timeout)
	}
	conn.SetDeadline(deadline)

	if tlsConfig == nil {
		client := smtp.NewClient(conn)
		if err := client.Hello("localhost"); err != nil {
			client.Close()
			return nil, fmt.Errorf("EHLO failed: %w", err)
		}
		return client, nil
	}

	client, err := smtp.NewClientStartTLS(conn, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("STARTTLS failed: %w", err)
	}
	return client, nil
}
