package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/dchatpar/inboxgrove/internal/credentials"
)

func useMemoryStore(t *testing.T) *credentials.MemoryStore {
	t.Helper()
	store := credentials.NewMemoryStore()
	prev := secretsFor
	secretsFor = func() credentials.Store { return store }
	t.Cleanup(func() { secretsFor = prev })
	return store
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetIn(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestAuthSetAndDelete(t *testing.T) {
	store := useMemoryStore(t)

	out, err := execute(t, "  cf-token \n", "auth", "set", "DNS-Host-Token")
	if err != nil {
		t.Fatalf("auth set error = %v", err)
	}
	if !strings.Contains(out, "Stored dns-host-token") {
		t.Errorf("output = %q", out)
	}

	got, err := store.Get("dns-host-token")
	if err != nil || got != "cf-token" {
		t.Fatalf("Get() = %q, %v; want cf-token", got, err)
	}

	out, err = execute(t, "", "auth", "status")
	if err != nil {
		t.Fatalf("auth status error = %v", err)
	}
	if !strings.Contains(out, "dns-host-token") || !strings.Contains(out, "stored") {
		t.Errorf("status output = %q", out)
	}

	if _, err := execute(t, "", "auth", "delete", "dns-host-token"); err != nil {
		t.Fatalf("auth delete error = %v", err)
	}
	if _, err := store.Get("dns-host-token"); !errors.Is(err, credentials.ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}

	if _, err := execute(t, "", "auth", "delete", "dns-host-token"); err == nil {
		t.Error("deleting a missing secret should fail")
	}
}

func TestAuthRejectsUnknownName(t *testing.T) {
	useMemoryStore(t)

	_, err := execute(t, "x\n", "auth", "set", "smtp-password")
	if err == nil || !strings.Contains(err.Error(), "unknown credential") {
		t.Errorf("error = %v, want unknown credential", err)
	}
}

func TestAuthSetEmptySecret(t *testing.T) {
	useMemoryStore(t)

	if _, err := execute(t, "\n", "auth", "set", "mta-api-key"); err == nil {
		t.Error("empty secret should be rejected")
	}
}

func TestAuthHash(t *testing.T) {
	out, err := execute(t, "my-api-key\n", "auth", "hash")
	if err != nil {
		t.Fatalf("auth hash error = %v", err)
	}
	hash := strings.TrimSpace(out)
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("my-api-key")); err != nil {
		t.Errorf("hash does not match key: %v", err)
	}
}
