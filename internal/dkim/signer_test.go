package dkim

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewSigner(t *testing.T) {
	kp, err := GenerateKeySize("s1", 1024)
	if err != nil {
		t.Fatal(err)
	}

	signer := NewSigner(kp.PrivateKey, "example.com", "s1")

	if signer.Domain() != "example.com" {
		t.Errorf("Domain() = %q, want %q", signer.Domain(), "example.com")
	}

	if signer.Selector() != "s1" {
		t.Errorf("Selector() = %q, want %q", signer.Selector(), "s1")
	}
}

func TestNewSignerFromPEM(t *testing.T) {
	kp, err := GenerateKeySize("s1", 1024)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewSignerFromPEM(kp.PrivateKeyPEM, "example.com", "s1"); err != nil {
		t.Fatalf("NewSignerFromPEM failed: %v", err)
	}

	if _, err := NewSignerFromPEM("bogus", "example.com", "s1"); err == nil {
		t.Error("expected error for invalid PEM")
	}
}

func TestSign(t *testing.T) {
	kp, err := GenerateKeySize("s1", 1024)
	if err != nil {
		t.Fatal(err)
	}

	signer := NewSigner(kp.PrivateKey, "example.com", "s1")
	signed, err := signer.Sign(checkMessage("example.com"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if !bytes.HasPrefix(signed, []byte("DKIM-Signature:")) {
		t.Error("signed message should start with DKIM-Signature header")
	}
	if !bytes.Contains(signed, []byte("s=s1")) {
		t.Error("signature should carry the selector")
	}
}

func staticLookup(records map[string]string) TXTLookup {
	return func(_ context.Context, name string) ([]string, error) {
		if v, ok := records[name]; ok {
			return []string{v}, nil
		}
		return nil, errors.New("no such record")
	}
}

func TestVerifyPublished(t *testing.T) {
	kp, err := GenerateKeySize("s1", 1024)
	if err != nil {
		t.Fatal(err)
	}
	other, err := GenerateKeySize("s1", 1024)
	if err != nil {
		t.Fatal(err)
	}

	signer := NewSigner(kp.PrivateKey, "example.com", "s1")

	tests := []struct {
		name    string
		records map[string]string
		wantErr bool
	}{
		{
			name:    "matching key",
			records: map[string]string{"s1._domainkey.example.com": "v=DKIM1; k=rsa; p=" + kp.PublicKeyBase64()},
		},
		{
			name:    "different key published",
			records: map[string]string{"s1._domainkey.example.com": "v=DKIM1; k=rsa; p=" + other.PublicKeyBase64()},
			wantErr: true,
		},
		{
			name:    "nothing published",
			records: map[string]string{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := signer.VerifyPublished(context.Background(), staticLookup(tt.records))
			if (err != nil) != tt.wantErr {
				t.Errorf("VerifyPublished() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckMessage(t *testing.T) {
	msg := string(checkMessage("example.com"))
	if !strings.Contains(msg, "From: dkim-check@example.com\r\n") {
		t.Error("check message should be sent from the domain")
	}
	if !strings.Contains(msg, "\r\n\r\n") {
		t.Error("check message should separate headers from body")
	}
}
