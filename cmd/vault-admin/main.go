package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"github.com/umara25/PolyYield/internal/chain"
	"github.com/umara25/PolyYield/internal/config"
	"github.com/umara25/PolyYield/internal/logging"
	"github.com/umara25/PolyYield/internal/vault"
)

var ErrMissingSubcommand = errors.New("must specify a subcommand")

// app holds what every subcommand shares. It is populated by the root
// command's PersistentPreRunE.
type app struct {
	cfg         config.AdminConfig
	logger      *slog.Logger
	closeLogger func() error
	client      *chain.Client
	builder     *vault.Builder
}

func (a *app) signer() (*chain.KeypairSigner, error) {
	return chain.LoadKeypairSigner(a.cfg.KeypairPath)
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "vault-admin",
		Short:         "Operate the PolyYield vault program and position records",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadAdminConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, closeLogger, err := logging.New("vault-admin", cfg.Log)
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
				logger.Debug("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
			}
			if !cfg.Vault.ProgramConfigured() {
				logger.Warn("VAULT_PROGRAM_ID is the system program placeholder")
			}

			a.cfg = cfg
			a.logger = logger
			a.closeLogger = closeLogger
			a.client = chain.NewClient(cfg.Chain, logger)
			a.builder = vault.NewBuilder(cfg.Vault.ProgramID, cfg.Vault.Mint, cfg.Chain.Commitment)
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.closeLogger == nil {
				return nil
			}
			return a.closeLogger()
		},
		RunE: func(*cobra.Command, []string) error {
			return ErrMissingSubcommand
		},
	}

	root.AddCommand(
		newInitCommand(a),
		newStatusCommand(a),
		newWithdrawCommand(a),
		newPositionsCommand(a),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "vault-admin failed: %v\n", err)
		os.Exit(1)
	}
}
