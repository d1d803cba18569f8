package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dchatpar/inboxgrove/internal/dkim"
	"github.com/dchatpar/inboxgrove/internal/dnsrecord"
	"github.com/dchatpar/inboxgrove/internal/keystore"
)

func seedKeys(t *testing.T, selectors ...string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "keys.db")
	keys, err := keystore.Open(path)
	if err != nil {
		t.Fatalf("keystore.Open() error = %v", err)
	}
	defer keys.Close()

	for _, sel := range selectors {
		kp, err := dkim.GenerateKeySize(sel, 1024)
		if err != nil {
			t.Fatalf("GenerateKeySize() error = %v", err)
		}
		entry := keystore.Entry{Public: kp.PublicKeyPEM, Private: kp.PrivateKeyPEM, CreatedAt: time.Now()}
		if err := keys.Put(context.Background(), "bundle", sel, entry); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	return path
}

func TestStoredRecordSet(t *testing.T) {
	path := seedKeys(t, "s1")

	set, missing, err := storedRecordSet(path, "bundle", "example.com", []string{"s1", "s2"}, dnsrecord.Options{})
	if err != nil {
		t.Fatalf("storedRecordSet() error = %v", err)
	}

	if diff := cmp.Diff([]string{"s2"}, missing); diff != "" {
		t.Errorf("missing mismatch (-want +got):\n%s", diff)
	}
	if len(set.DKIM) != 1 || set.DKIM[0].Selector != "s1" {
		t.Fatalf("DKIM = %+v, want only s1", set.DKIM)
	}
	if !strings.HasPrefix(set.DKIM[0].Value, "v=DKIM1; k=rsa; p=") {
		t.Errorf("DKIM value = %q", set.DKIM[0].Value)
	}
	if set.Domain != "example.com" {
		t.Errorf("Domain = %q", set.Domain)
	}
}

func TestStoredRecordSetEmptyBundle(t *testing.T) {
	path := seedKeys(t)

	set, missing, err := storedRecordSet(path, "bundle", "example.com", []string{"s1", "s2"}, dnsrecord.Options{})
	if err != nil {
		t.Fatalf("storedRecordSet() error = %v", err)
	}
	if len(missing) != 2 || len(set.DKIM) != 0 {
		t.Errorf("missing = %v, DKIM = %d; want both selectors missing", missing, len(set.DKIM))
	}
	if set.SPF.Value == "" || set.DMARC.Value == "" {
		t.Error("SPF and DMARC should be generated without keys")
	}
}

func TestRenderRecords(t *testing.T) {
	set := dnsrecord.Generate("example.com", []dnsrecord.DKIMPair{{Selector: "s1", PublicKey: "AAAA"}}, dnsrecord.Options{})

	tests := []struct {
		format string
		want   string
	}{
		{"csv", "s1._domainkey"},
		{"bind", "$ORIGIN example.com."},
		{"text", "v=DKIM1; k=rsa; p=AAAA"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			if err := renderRecords(&buf, set, tt.format, "cloudflare"); err != nil {
				t.Fatalf("renderRecords() error = %v", err)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output missing %q:\n%s", tt.want, buf.String())
			}
		})
	}

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := renderRecords(&buf, set, "json", ""); err != nil {
			t.Fatalf("renderRecords() error = %v", err)
		}
		var got dnsrecord.RecordSet
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if got.Domain != "example.com" || len(got.DKIM) != 1 {
			t.Errorf("decoded = %+v", got)
		}
	})

	t.Run("bad format", func(t *testing.T) {
		if err := renderRecords(&bytes.Buffer{}, set, "xml", ""); err == nil {
			t.Error("expected error for unknown format")
		}
	})

	t.Run("bad provider", func(t *testing.T) {
		if err := renderRecords(&bytes.Buffer{}, set, "text", "nowhere"); err == nil {
			t.Error("expected error for unknown provider")
		}
	})
}
