// Command ledgerctl is the operator tool for payouts, the manual review
// queue, the risk blacklist and sellers.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	appkg "github.com/xenking/payledger/internal/app"
)

type options struct {
	databaseURL string
	redisURL    string
	memory      bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("ledgerctl failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the payment ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	cmd.PersistentFlags().StringVar(&opts.redisURL, "redis-url", "", "Redis URL for the blacklist (or REDIS_URL env)")
	cmd.PersistentFlags().BoolVar(&opts.memory, "memory", false, "Use throwaway in-memory storage")
	_ = cmd.PersistentFlags().MarkHidden("memory")

	cmd.AddCommand(
		payoutsCmd(opts),
		ordersCmd(opts),
		blacklistCmd(opts),
		sellersCmd(opts),
		tokenCmd(),
	)
	return cmd
}

// open connects the storage the API server uses.
func (o *options) open(ctx context.Context) (*appkg.Stores, error) {
	cfg := &appkg.Config{
		Storage: appkg.StorageConfig{Driver: appkg.DriverPostgres, DatabaseURL: o.databaseURL},
		Redis:   appkg.RedisConfig{URL: o.redisURL},
	}
	if cfg.Storage.DatabaseURL == "" {
		cfg.Storage.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = os.Getenv("REDIS_URL")
	}
	if o.memory {
		cfg.Storage.Driver = appkg.DriverMemory
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "storage config")
	}

	slog.Debug("connecting to storage", slog.String("driver", cfg.Storage.Driver))
	return appkg.OpenStorage(ctx, cfg)
}
