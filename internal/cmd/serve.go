package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bastion-ai/bastion/internal/config"
	"github.com/bastion-ai/bastion/internal/gateway"
	"github.com/bastion-ai/bastion/internal/llm"
	"github.com/bastion-ai/bastion/internal/policy"
	"github.com/bastion-ai/bastion/internal/quarantine"
	"github.com/bastion-ai/bastion/internal/secrets"
	"github.com/bastion-ai/bastion/internal/server"
	"github.com/bastion-ai/bastion/internal/store"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bastion gateway and admin API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// parseAdminKeys splits BASTION_ADMIN_KEYS (comma-separated).
func parseAdminKeys(env string) []string {
	var keys []string
	for _, part := range strings.Split(env, ",") {
		if part = strings.TrimSpace(part); part != "" {
			keys = append(keys, part)
		}
	}
	return keys
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	gwCfg, err := loadGatewayConfig(cfg.GatewayConfig)
	if err != nil {
		return err
	}

	st, err := store.New(cfg.StoreDBPath(), cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}
	defer st.Close()

	vault, err := secrets.NewVault(cfg.SecretsDBPath(), cfg.SecretsKey)
	if err != nil {
		return fmt.Errorf("initializing secrets vault: %w", err)
	}
	defer vault.Close()

	access, err := policy.NewAccessEngine(ctx, gwCfg.Access)
	if err != nil {
		return fmt.Errorf("compiling access policy: %w", err)
	}

	orch := buildQuarantine(ctx, gwCfg, vault)

	gw, err := gateway.New(gwCfg, gateway.Deps{
		Store:      st,
		Vault:      vault,
		Access:     access,
		Quarantine: orch,
		Logger:     log.Logger,
	})
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}

	retention, err := server.NewRetentionJob(st, gwCfg.Retention.MaxAgeDays, gwCfg.Retention.Schedule, log.Logger)
	if err != nil {
		return fmt.Errorf("scheduling retention: %w", err)
	}
	if retention != nil {
		retention.Start()
		defer retention.Stop()
	}

	adminKeys := parseAdminKeys(os.Getenv("BASTION_ADMIN_KEYS"))
	if len(adminKeys) == 0 {
		log.Warn().Msg("BASTION_ADMIN_KEYS not set, the admin API will return 401. Set for production.")
	}

	srv := server.New(gw.Routes(), st,
		server.WithAdminKeys(adminKeys),
		server.WithVersion(resolvedVersion()),
	)

	addr := cfg.ListenAddr
	if serveAddr != "" {
		addr = serveAddr
	}
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     srv.Routes(),
		ReadTimeout: 30 * time.Second,
		// No write timeout: streamed provider responses can run long.
		IdleTimeout: 60 * time.Second,
	}

	enabled := make([]string, 0, len(gwCfg.Providers))
	for name, p := range gwCfg.Providers {
		if p.Enabled {
			enabled = append(enabled, name)
		}
	}
	log.Info().
		Str("addr", addr).
		Strs("providers", enabled).
		Bool("quarantine", orch != nil).
		Bool("retention", retention != nil).
		Msg("bastion_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}

// loadGatewayConfig reads the gateway YAML, falling back to a default
// openai-only config when the file is absent so a fresh install serves
// something.
func loadGatewayConfig(path string) (*gateway.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Warn().Str("path", path).Msg("gateway config not found, using defaults (openai only)")
		cfg := &gateway.Config{
			Providers: map[string]gateway.ProviderConfig{
				"openai": {Enabled: true},
			},
		}
		cfg.ApplyDefaults()
		return cfg, nil
	}
	cfg, err := gateway.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading gateway config: %w", err)
	}
	return cfg, nil
}

// buildQuarantine constructs the dual-LLM orchestrator when credentials
// for the configured quarantine provider are available. Without it,
// sanitize policies fail closed (untrusted) rather than leaking raw
// content.
func buildQuarantine(ctx context.Context, gwCfg *gateway.Config, vault *secrets.Vault) *quarantine.Orchestrator {
	qc := gwCfg.Quarantine

	main, err := quarantineClient(ctx, vault, qc.Provider, qc.Model)
	if err != nil {
		log.Warn().Err(err).Str("provider", qc.Provider).Msg("quarantine disabled, sanitize policies will mark results untrusted")
		return nil
	}
	quarantined, err := quarantineClient(ctx, vault, qc.QuarantinedProvider, qc.QuarantinedModel)
	if err != nil {
		log.Warn().Err(err).Str("provider", qc.QuarantinedProvider).Msg("quarantine disabled, sanitize policies will mark results untrusted")
		return nil
	}

	orch := quarantine.New(main, quarantined, log.Logger)
	if qc.MaxRounds > 0 {
		orch.MaxRounds = qc.MaxRounds
	}
	return orch
}

func quarantineClient(ctx context.Context, vault *secrets.Vault, provider, model string) (llm.Client, error) {
	apiKey, err := vault.ProviderKey(ctx, provider)
	if err != nil {
		apiKey = os.Getenv(strings.ToUpper(provider) + "_API_KEY")
	}
	if apiKey == "" && provider != "ollama" {
		return nil, fmt.Errorf("no API key for %s in vault or environment", provider)
	}
	return llm.New(ctx, llm.Options{Provider: provider, Model: model, APIKey: apiKey})
}
