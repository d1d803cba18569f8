package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/dchatpar/inboxgrove/internal/config"
	"github.com/dchatpar/inboxgrove/internal/credentials"
)

var secretNames = []string{
	config.SecretRegistrarPassword,
	config.SecretRegistrarAPIKey,
	config.SecretDNSHostToken,
	config.SecretMTAAPIKey,
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage provider credentials in the OS keychain",
	Long: `Provider credentials left empty in the config file are read from the
OS keychain. Known names: ` + strings.Join(secretNames, ", "),
}

var authSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Store a credential read from stdin",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuthSet,
}

var authDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a stored credential",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuthDelete,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which credentials are stored",
	RunE:  runAuthStatus,
}

var authHashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Print a bcrypt hash of an API key read from stdin",
	Long: `Reads an API key from stdin and prints its bcrypt hash for use as
server.api_key_hash, so the plain key never has to be written to disk.`,
	RunE: runAuthHash,
}

func init() {
	authCmd.AddCommand(authSetCmd, authDeleteCmd, authStatusCmd, authHashCmd)
	rootCmd.AddCommand(authCmd)
}

func knownSecret(name string) (string, error) {
	name = credentials.NormalizeName(name)
	if !slices.Contains(secretNames, name) {
		return "", fmt.Errorf("unknown credential %q (known: %s)", name, strings.Join(secretNames, ", "))
	}
	return name, nil
}

// readSecret reads the first line of r
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("empty secret")
	}
	return line, nil
}

func runAuthSet(cmd *cobra.Command, args []string) error {
	name, err := knownSecret(args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Enter %s: ", name)
	secret, err := readSecret(cmd.InOrStdin())
	if err != nil {
		return err
	}

	if err := secretsFor().Set(name, secret); err != nil {
		return fmt.Errorf("failed to store %s: %w", name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %s\n", name)
	return nil
}

func runAuthDelete(cmd *cobra.Command, args []string) error {
	name, err := knownSecret(args[0])
	if err != nil {
		return err
	}

	if err := secretsFor().Delete(name); err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return fmt.Errorf("%s is not stored", name)
		}
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", name)
	return nil
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	store := secretsFor()
	out := cmd.OutOrStdout()
	for _, name := range secretNames {
		_, err := store.Get(name)
		switch {
		case err == nil:
			fmt.Fprintf(out, "  %-20s stored\n", name)
		case errors.Is(err, credentials.ErrNotFound):
			fmt.Fprintf(out, "  %-20s -\n", name)
		default:
			fmt.Fprintf(out, "  %-20s error: %v\n", name, err)
		}
	}
	return nil
}

func runAuthHash(cmd *cobra.Command, args []string) error {
	key, err := readSecret(cmd.InOrStdin())
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash key: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(hash))
	return nil
}
