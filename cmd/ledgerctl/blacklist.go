package main

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/payledger/internal/domain/risk"
)

const importBatchSize = 1000

func blacklistCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blacklist",
		Short: "Manage the risk blacklist",
	}
	cmd.AddCommand(blacklistAddCmd(opts), blacklistImportCmd(opts), blacklistExportCmd(opts))
	return cmd
}

func blacklistAddCmd(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "add <ip|email|card> <value>",
		Short: "Blacklist a single value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := risk.Entry{Kind: risk.EntryKind(strings.ToLower(args[0])), Value: args[1], Reason: reason}.Normalize()
			if !e.Kind.Valid() {
				return errors.Wrapf(risk.ErrUnknownEntryKind, "%q", args[0])
			}

			st, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Blacklist.Add(cmd.Context(), e); err != nil {
				return errors.Wrap(err, "add entry")
			}
			slog.Info("blacklist entry added", slog.String("kind", string(e.Kind)))
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the value is blacklisted")
	return cmd
}

func blacklistImportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import <snapshot.gz>...",
		Short: "Import gzip snapshots into the blacklist",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			slog.Info("reading snapshots", slog.Int("files", len(args)))
			entries, err := readSnapshots(ctx, args)
			if err != nil {
				return err
			}
			slog.Info("unique entries", slog.Int("count", len(entries)))

			st, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			for start := 0; start < len(entries); start += importBatchSize {
				end := min(start+importBatchSize, len(entries))
				if err := st.Blacklist.Add(ctx, entries[start:end]...); err != nil {
					return errors.Wrapf(err, "add entries %d-%d", start, end)
				}
			}
			slog.Info("blacklist import completed", slog.Int("count", len(entries)))
			return nil
		},
	}
}

func blacklistExportCmd(opts *options) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the blacklist as a gzip snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			var entries []risk.Entry
			if err := st.Blacklist.Scan(cmd.Context(), func(e risk.Entry) error {
				entries = append(entries, e)
				return nil
			}); err != nil {
				return errors.Wrap(err, "scan blacklist")
			}
			sortEntries(entries)

			f, err := os.Create(out)
			if err != nil {
				return errors.Wrap(err, "create snapshot")
			}
			if err := risk.WriteSnapshot(f, entries); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return errors.Wrap(err, "close snapshot")
			}
			slog.Info("blacklist exported", slog.String("path", out), slog.Int("count", len(entries)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "blacklist.tsv.gz", "snapshot path")
	return cmd
}

// readSnapshots parses files concurrently and merges them. The first reason
// seen for a value wins.
func readSnapshots(ctx context.Context, files []string) ([]risk.Entry, error) {
	parsed := make([][]risk.Entry, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			f, err := os.Open(path)
			if err != nil {
				return errors.Wrapf(err, "open %s", path)
			}
			defer func() { _ = f.Close() }()

			return errors.Wrapf(risk.ReadSnapshot(ctx, f, func(e risk.Entry) error {
				parsed[i] = append(parsed[i], e)
				return nil
			}), "read %s", path)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[risk.Entry]struct{})
	var merged []risk.Entry
	for _, entries := range parsed {
		for _, e := range entries {
			k := risk.Entry{Kind: e.Kind, Value: e.Value}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			merged = append(merged, e)
		}
	}
	sortEntries(merged)
	return merged, nil
}

func sortEntries(entries []risk.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Kind != entries[j].Kind {
			return entries[i].Kind < entries[j].Kind
		}
		return entries[i].Value < entries[j].Value
	})
}
