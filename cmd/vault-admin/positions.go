package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/umara25/PolyYield/internal/positions"
)

func newPositionsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Inspect and settle recorded market positions",
		RunE: func(*cobra.Command, []string) error {
			return ErrMissingSubcommand
		},
	}
	cmd.AddCommand(
		newPositionsListCommand(a),
		newPositionsSettleCommand(a),
		newPositionsDeleteCommand(a),
	)
	return cmd
}

func withStore(cmd *cobra.Command, a *app, fn func(*positions.Store) error) error {
	store, err := positions.Open(cmd.Context(), a.cfg.Positions, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			a.logger.Error("failed to close position store", "err", err)
		}
	}()
	return fn(store)
}

func newPositionsListCommand(a *app) *cobra.Command {
	var (
		owner      string
		marketID   string
		activeOnly bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List positions for an owner or a market",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if owner == "" && marketID == "" {
				return errors.New("one of --owner or --market is required")
			}
			return withStore(cmd, a, func(store *positions.Store) error {
				ctx := cmd.Context()
				switch {
				case owner != "" && activeOnly:
					items, err := store.ListActiveByOwner(ctx, owner)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), positions.Portfolio{
						Positions: items,
						Summary:   positions.Summarize(items, time.Now()),
					})
				case owner != "":
					portfolio, err := store.ListByOwner(ctx, owner)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), portfolio)
				default:
					items, err := store.ListByMarket(ctx, marketID)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), items)
				}
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "wallet address")
	cmd.Flags().StringVar(&marketID, "market", "", "market id")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active positions (with --owner)")
	return cmd
}

func newPositionsSettleCommand(a *app) *cobra.Command {
	var rawStatus string
	cmd := &cobra.Command{
		Use:   "settle <position-id>",
		Short: "Mark an active position as claimed or refunded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := positions.ParseStatus(rawStatus)
			if err != nil {
				return err
			}
			return withStore(cmd, a, func(store *positions.Store) error {
				updated, err := store.UpdateStatus(cmd.Context(), args[0], status)
				if err != nil {
					return fmt.Errorf("settle position %s: %w", args[0], err)
				}
				a.logger.Info("position settled", "id", updated.ID, "status", updated.Status, "owner", updated.Owner)
				return writeJSON(cmd.OutOrStdout(), updated)
			})
		},
	}
	cmd.Flags().StringVar(&rawStatus, "status", "", "claimed or refunded")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func newPositionsDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <position-id>",
		Short: "Remove a position record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, a, func(store *positions.Store) error {
				if err := store.Delete(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("delete position %s: %w", args[0], err)
				}
				a.logger.Info("position deleted", "id", args[0])
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}
