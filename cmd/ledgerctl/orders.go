package main

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/xenking/payledger/internal/domain/order"
)

func ordersCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Inspect orders and resolve stuck seller transfers",
	}
	cmd.AddCommand(ordersReviewCmd(opts), ordersTransfersCmd(opts))
	return cmd
}

func ordersTransfersCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfers",
		Short: "Resolve seller transfers left pending",
	}
	cmd.AddCommand(transfersPendingCmd(opts), transfersSettleCmd(opts), transfersFailCmd(opts))
	return cmd
}

func transfersPendingCmd(opts *options) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List paid orders whose seller transfer is pending for longer than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			orders, err := st.Orders.ListPendingTransfers(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return errors.Wrap(err, "list pending transfers")
			}
			return printTransfers(cmd.OutOrStdout(), orders)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 15*time.Minute, "minimum time since payment")
	return cmd
}

func transfersSettleCmd(opts *options) *cobra.Command {
	var transferID string
	cmd := &cobra.Command{
		Use:   "settle <order-id>",
		Short: "Mark a pending seller transfer completed after confirming it with the provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if transferID == "" {
				return errors.New("--transfer-id is required")
			}
			return resolveTransfer(cmd, opts, args[0], order.TransferCompleted, transferID)
		},
	}
	cmd.Flags().StringVar(&transferID, "transfer-id", "", "transfer id reported by the provider")
	return cmd
}

func transfersFailCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "fail <order-id>",
		Short: "Mark a pending seller transfer failed, returning the share to the balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveTransfer(cmd, opts, args[0], order.TransferFailed, "")
		},
	}
}

func resolveTransfer(cmd *cobra.Command, opts *options, orderID string, status order.TransferStatus, transferID string) error {
	st, err := opts.open(cmd.Context())
	if err != nil {
		return err
	}
	defer st.Close()

	o, err := order.NewProcessor(st.Orders).Mutate(cmd.Context(), orderID, order.ResolveTransfer(status, transferID))
	if err != nil {
		return errors.Wrapf(err, "resolve transfer for %s", orderID)
	}
	if o.TransferStatus != status || o.TransferID != transferID {
		return errors.Errorf("order %s transfer is %q, not pending", orderID, o.TransferStatus)
	}
	slog.Info("seller transfer resolved",
		slog.String("order_id", o.ID),
		slog.String("transfer_status", string(status)),
		slog.String("transfer_id", transferID),
	)
	return printTransfers(cmd.OutOrStdout(), []order.Order{*o})
}

func printTransfers(w io.Writer, orders []order.Order) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDER\tSELLER\tACCOUNT\tAMOUNT\tTRANSFER\tTRANSFER ID\tPAID")
	for _, o := range orders {
		var paid string
		if o.PaidAt != nil {
			paid = o.PaidAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			o.ID, o.SellerID, o.SellerAccountRef, o.ProviderAmount, o.TransferStatus, o.TransferID, paid)
	}
	return tw.Flush()
}

func ordersReviewCmd(opts *options) *cobra.Command {
	var (
		limit   int
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "review",
		Short: "List orders flagged for manual review, oldest update first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			orders, err := st.Orders.ListForReview(cmd.Context(), limit)
			if err != nil {
				return errors.Wrap(err, "list review queue")
			}
			return printReview(cmd.OutOrStdout(), orders, verbose)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of orders")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every annotation")
	return cmd
}

func printReview(w io.Writer, orders []order.Order, verbose bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSELLER\tSTATUS\tAMOUNT\tRISK\tUPDATED\tLAST NOTE")
	for _, o := range orders {
		var note string
		if n := len(o.Annotations); n > 0 {
			last := o.Annotations[n-1]
			note = last.Code + ": " + last.Detail
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d/%s\t%s\t%s\n",
			o.ID, o.SellerID, o.Status, o.TotalAmount, o.RiskScore, o.RiskLevel,
			o.UpdatedAt.Format(time.RFC3339), note)
		if verbose {
			for _, a := range o.Annotations {
				fmt.Fprintf(tw, "\t\t\t\t\t%s\t%s: %s\n", a.At.Format(time.RFC3339), a.Code, a.Detail)
			}
		}
	}
	return tw.Flush()
}
