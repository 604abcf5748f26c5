package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/umara25/PolyYield/internal/vault"
)

func newInitCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the vault state and token accounts for the configured mint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			signer, err := a.signer()
			if err != nil {
				return err
			}

			initialized, err := a.builder.VaultInitialized(ctx, a.client)
			if err != nil {
				return err
			}
			if initialized {
				a.logger.Info("vault already initialized, skipping")
				return printVaultStatus(cmd, a)
			}

			pending, err := a.builder.BuildInitialize(ctx, a.client, signer.PublicKey())
			if err != nil {
				return fmt.Errorf("build initialize: %w", err)
			}
			signed, err := signer.SignTransaction(ctx, pending.Tx)
			if err != nil {
				return fmt.Errorf("sign initialize: %w", err)
			}

			// Preflight stays on so a lost race surfaces as "already in use"
			// before anything lands.
			sig, err := a.client.Submit(ctx, signed, false)
			if err != nil {
				if alreadyInitialized(err) {
					a.logger.Info("vault already initialized by another admin")
					return printVaultStatus(cmd, a)
				}
				return err
			}
			if err := a.client.Confirm(ctx, sig); err != nil {
				return err
			}

			a.logger.Info("vault initialized",
				"signature", sig,
				"admin", signer.PublicKey(),
				"vault", pending.Vault,
				"vault_state", pending.VaultState,
			)
			fmt.Fprintf(cmd.OutOrStdout(), "initialized vault: %s\n", sig)
			return printVaultStatus(cmd, a)
		},
	}
}

func alreadyInitialized(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already in use")
}

type vaultStatus struct {
	ProgramID     string          `json:"program_id"`
	Mint          string          `json:"mint"`
	Vault         string          `json:"vault"`
	VaultState    string          `json:"vault_state"`
	Initialized   bool            `json:"initialized"`
	Admin         string          `json:"admin,omitempty"`
	TotalDeposits decimal.Decimal `json:"total_deposits"`
	// Recorded in the state account; may lag the token balance.
	RecordedDeposits decimal.Decimal `json:"recorded_deposits"`
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show vault addresses, admin and pooled deposits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printVaultStatus(cmd, a)
		},
	}
}

func printVaultStatus(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	addrs, err := a.builder.Addresses()
	if err != nil {
		return err
	}

	status := vaultStatus{
		ProgramID:        a.builder.ProgramID.String(),
		Mint:             a.builder.Mint.String(),
		Vault:            addrs.Vault.Address.String(),
		VaultState:       addrs.VaultState.Address.String(),
		TotalDeposits:    decimal.Zero,
		RecordedDeposits: decimal.Zero,
	}
	if status.Initialized, err = a.builder.VaultInitialized(ctx, a.client); err != nil {
		return err
	}
	if status.Initialized {
		state, err := a.builder.FetchVaultState(ctx, a.client)
		if err != nil {
			return err
		}
		status.Admin = state.Admin.String()
		status.RecordedDeposits = vault.FromBaseUnits(state.TotalDeposits)
	}
	if status.TotalDeposits, err = a.builder.VaultTotalDeposits(ctx, a.client); err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), status)
}

func newWithdrawCommand(a *app) *cobra.Command {
	var (
		marketID string
		rawSide  string
		rawAmt   string
	)
	cmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Withdraw principal from the keypair's own deposit record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			side, err := vault.ParseSide(rawSide)
			if err != nil {
				return err
			}
			amount, err := decimal.NewFromString(rawAmt)
			if err != nil {
				return fmt.Errorf("parse amount: %w", err)
			}
			if !amount.IsPositive() {
				return errors.New("amount must be greater than 0")
			}

			signer, err := a.signer()
			if err != nil {
				return err
			}
			pending, err := a.builder.BuildWithdraw(ctx, a.client, signer.PublicKey(), amount, marketID, side)
			if err != nil {
				return fmt.Errorf("build withdraw: %w", err)
			}
			signed, err := signer.SignTransaction(ctx, pending.Tx)
			if err != nil {
				return fmt.Errorf("sign withdraw: %w", err)
			}
			sig, err := a.client.Submit(ctx, signed, false)
			if err != nil {
				return err
			}
			if err := a.client.Confirm(ctx, sig); err != nil {
				return err
			}

			a.logger.Info("withdraw confirmed", "signature", sig, "market_id", marketID, "side", side, "amount", amount)
			fmt.Fprintf(cmd.OutOrStdout(), "withdrew %s USDC: %s\n", amount.StringFixed(2), sig)
			return nil
		},
	}
	cmd.Flags().StringVar(&marketID, "market", "", "market id the deposit was made against")
	cmd.Flags().StringVar(&rawSide, "side", "", "YES or NO")
	cmd.Flags().StringVar(&rawAmt, "amount", "", "amount in USDC, e.g. 12.5")
	_ = cmd.MarkFlagRequired("market")
	_ = cmd.MarkFlagRequired("side")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func writeJSON(w io.Writer, payload any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
