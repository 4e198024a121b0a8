package main

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	appkg "github.com/xenking/payledger/internal/app"
	"github.com/xenking/payledger/internal/domain/payout"
	"github.com/xenking/payledger/internal/events"
)

func payoutsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payouts",
		Short: "Reconcile payouts stuck in processing",
	}
	cmd.AddCommand(payoutsStuckCmd(opts), payoutsSettleCmd(opts), payoutsFailCmd(opts))
	return cmd
}

// newLedger builds a Ledger for operator transitions. Settling and failing
// never call the transfer API.
func newLedger(st *appkg.Stores) *payout.Ledger {
	return payout.NewLedger(st.Payouts, st.Tx, nil,
		events.NewPayoutObserver(events.LogPublisher{}), payout.DefaultConfig())
}

func payoutsStuckCmd(opts *options) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "List payouts processing for longer than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			stuck, err := newLedger(st).ListStuck(cmd.Context(), olderThan)
			if err != nil {
				return errors.Wrap(err, "list stuck payouts")
			}
			return printPayouts(cmd.OutOrStdout(), stuck)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 15*time.Minute, "minimum age of a processing payout")
	return cmd
}

func payoutsSettleCmd(opts *options) *cobra.Command {
	var transferID string
	cmd := &cobra.Command{
		Use:   "settle <payout-id>",
		Short: "Mark a processing payout completed after confirming the transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if transferID == "" {
				return errors.New("--transfer-id is required")
			}
			st, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			p, err := newLedger(st).Settle(cmd.Context(), args[0], transferID)
			if err != nil {
				return errors.Wrap(err, "settle payout")
			}
			slog.Info("payout settled", slog.String("payout_id", p.ID), slog.String("transfer_id", transferID))
			return printPayouts(cmd.OutOrStdout(), []payout.Payout{*p})
		},
	}
	cmd.Flags().StringVar(&transferID, "transfer-id", "", "transfer id reported by the provider")
	return cmd
}

func payoutsFailCmd(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <payout-id>",
		Short: "Mark a processing payout failed, returning its amount to the balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			p, err := newLedger(st).Fail(cmd.Context(), args[0], reason)
			if err != nil {
				return errors.Wrap(err, "fail payout")
			}
			slog.Info("payout failed", slog.String("payout_id", p.ID), slog.String("reason", reason))
			return printPayouts(cmd.OutOrStdout(), []payout.Payout{*p})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator: transfer not found", "failure reason recorded on the payout")
	return cmd
}

func printPayouts(w io.Writer, payouts []payout.Payout) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tGROSS\tNET\tMETHOD\tSTATUS\tCREATED")
	for _, p := range payouts {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			p.ID, p.UserID, p.GrossAmount, p.NetAmount, p.Method, p.Status, p.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
