package main

import (
	"log/slog"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/xenking/payledger/internal/domain/commission"
	"github.com/xenking/payledger/internal/domain/order"
)

func sellersCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sellers",
		Short: "Manage sellers",
	}
	cmd.AddCommand(sellersUpsertCmd(opts))
	return cmd
}

func sellersUpsertCmd(opts *options) *cobra.Command {
	var s order.Seller
	cmd := &cobra.Command{
		Use:   "upsert <seller-id>",
		Short: "Create or replace a seller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s.ID = args[0]
			if err := validateSeller(s); err != nil {
				return err
			}

			st, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Sellers.Upsert(cmd.Context(), s); err != nil {
				return errors.Wrap(err, "upsert seller")
			}
			slog.Info("seller saved",
				slog.String("seller_id", s.ID),
				slog.String("plan", s.PlanID),
				slog.Bool("split", s.SplitPayment),
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&s.PlanID, "plan", commission.PlanStarter, "commission plan: starter, pro or business")
	cmd.Flags().StringVar(&s.AccountRef, "account-ref", "", "connected account for direct transfers")
	cmd.Flags().BoolVar(&s.SplitPayment, "split", false, "seller is paid by the provider split")
	cmd.Flags().BoolVar(&s.ReceivesDirectly, "direct", false, "seller collects provider funds directly")
	return cmd
}

func validateSeller(s order.Seller) error {
	switch s.PlanID {
	case commission.PlanStarter, commission.PlanPro, commission.PlanBusiness:
	default:
		return errors.Errorf("unknown plan %q", s.PlanID)
	}
	if s.SplitPayment && s.ReceivesDirectly {
		return errors.New("--split and --direct are mutually exclusive")
	}
	return nil
}
