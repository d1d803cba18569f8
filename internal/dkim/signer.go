package dkim

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/google/uuid"
)

// ErrNoVerification is returned when the check message carried no signature for the domain
var ErrNoVerification = errors.New("no DKIM signature verified for domain")

// TXTLookup resolves the TXT strings published at a name
type TXTLookup func(ctx context.Context, name string) ([]string, error)

// Signer signs email messages with DKIM
type Signer struct {
	privateKey *rsa.PrivateKey
	domain     string
	selector   string
}

// NewSigner creates a new DKIM signer
func NewSigner(privateKey *rsa.PrivateKey, domain, selector string) *Signer {
	return &Signer{
		privateKey: privateKey,
		domain:     domain,
		selector:   selector,
	}
}

// NewSignerFromPEM creates a new DKIM signer from a PEM private key
func NewSignerFromPEM(privatePEM, domain, selector string) (*Signer, error) {
	privateKey, err := LoadPrivateKey(privatePEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}

	return NewSigner(privateKey, domain, selector), nil
}

// Sign signs the message and returns the signed message
func (s *Signer) Sign(message []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.privateKey,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	var signedMsg bytes.Buffer
	if err := dkim.Sign(&signedMsg, bytes.NewReader(message), options); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	return signedMsg.Bytes(), nil
}

// VerifyPublished signs a check message and verifies it against the key
// published in DNS, resolved through lookup. A nil error means the selector
// record matches the private key.
func (s *Signer) VerifyPublished(ctx context.Context, lookup TXTLookup) error {
	signed, err := s.Sign(checkMessage(s.domain))
	if err != nil {
		return err
	}

	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(signed), &dkim.VerifyOptions{
		LookupTXT: func(name string) ([]string, error) {
			return lookup(ctx, name)
		},
		MaxVerifications: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to verify check message: %w", err)
	}

	for _, v := range verifications {
		if !strings.EqualFold(v.Domain, s.domain) {
			continue
		}
		if v.Err != nil {
			return fmt.Errorf("selector %s: %w", s.selector, v.Err)
		}
		return nil
	}

	return ErrNoVerification
}

func checkMessage(domain string) []byte {
	var b strings.Builder
	b.WriteString("From: dkim-check@" + domain + "\r\n")
	b.WriteString("To: dkim-check@" + domain + "\r\n")
	b.WriteString("Subject: DKIM check\r\n")
	b.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("Message-ID: <" + uuid.NewString() + "@" + domain + ">\r\n")
	b.WriteString("\r\n")
	b.WriteString("DKIM key verification message.\r\n")
	return []byte(b.String())
}

// Domain returns the DKIM domain
func (s *Signer) Domain() string {
	return s.domain
}

// Selector returns the DKIM selector
func (s *Signer) Selector() string {
	return s.selector
}
