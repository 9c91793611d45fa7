package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bastion-ai/bastion/internal/config"
	"github.com/bastion-ai/bastion/internal/secrets"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage encrypted provider API keys",
}

var secretsSetCmd = &cobra.Command{
	Use:   "set [provider] [api-key]",
	Short: "Store an encrypted provider API key",
	Args:  cobra.ExactArgs(2),
	RunE:  secretsSet,
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers with stored keys (values not shown)",
	RunE:  secretsList,
}

var secretsDeleteCmd = &cobra.Command{
	Use:   "delete [provider]",
	Short: "Remove a stored provider API key",
	Args:  cobra.ExactArgs(1),
	RunE:  secretsDelete,
}

func init() {
	secretsCmd.AddCommand(secretsSetCmd)
	secretsCmd.AddCommand(secretsListCmd)
	secretsCmd.AddCommand(secretsDeleteCmd)
	rootCmd.AddCommand(secretsCmd)
}

func openVault() (*secrets.Vault, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	return secrets.NewVault(cfg.SecretsDBPath(), cfg.SecretsKey)
}

func secretsSet(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	vault, err := openVault()
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}
	defer vault.Close()

	if err := vault.SetProviderKey(ctx, args[0], args[1]); err != nil {
		return fmt.Errorf("storing key: %w", err)
	}
	fmt.Printf("Stored API key for %s\n", args[0])
	return nil
}

func secretsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	vault, err := openVault()
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}
	defer vault.Close()

	providers, err := vault.Providers(ctx)
	if err != nil {
		return err
	}
	if len(providers) == 0 {
		fmt.Println("No provider keys stored")
		return nil
	}
	for _, p := range providers {
		fmt.Println(p)
	}
	return nil
}

func secretsDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	vault, err := openVault()
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}
	defer vault.Close()

	if err := vault.DeleteProviderKey(ctx, args[0]); err != nil {
		return fmt.Errorf("deleting key: %w", err)
	}
	fmt.Printf("Deleted API key for %s\n", args[0])
	return nil
}
