package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"hopper/internal/config"
	"hopper/internal/contentid"
	"hopper/internal/daemonctl"
	"hopper/internal/ledger"
)

func newLedgerCommand(ctx *commandContext) *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and maintain per-source content ledgers",
	}
	ledgerCmd.AddCommand(newLedgerListCommand(ctx))
	ledgerCmd.AddCommand(newLedgerLookupCommand(ctx))
	ledgerCmd.AddCommand(newLedgerPruneCommand(ctx))
	ledgerCmd.AddCommand(newLedgerHealthCommand(ctx))
	return ledgerCmd
}

func newLedgerListCommand(ctx *commandContext) *cobra.Command {
	var processedOnly bool
	var pendingOnly bool
	var limit int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list <source>",
		Short: "List ledger records, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if processedOnly && pendingOnly {
				return fmt.Errorf("--processed and --pending are mutually exclusive")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			filter := ledger.ListFilter{Limit: limit}
			if processedOnly || pendingOnly {
				value := processedOnly
				filter.Processed = &value
			}

			var records []ledger.Record
			client, running, err := ctx.daemonClient(cfg)
			if err != nil {
				return err
			}
			if running && client != nil {
				records, err = client.Ledger(cmd.Context(), args[0], filter)
			}
			// An unreachable API falls back to reading the ledger file.
			if !running || client == nil || daemonctl.IsAPIUnavailable(err) {
				err = withLedger(cfg, args[0], func(store *ledger.Store) error {
					var listErr error
					records, listErr = store.List(cmd.Context(), filter)
					return listErr
				})
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				if records == nil {
					records = []ledger.Record{}
				}
				return writeJSON(cmd, records)
			}
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No ledger records")
				return nil
			}
			headers := []string{"Digest", "Processed", "Original", "First Seen", "Processed At"}
			aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft}
			rows := make([][]string, 0, len(records))
			for _, rec := range records {
				rows = append(rows, []string{
					rec.Digest.Short(),
					yesNo(rec.Processed),
					rec.OriginalPath,
					formatTimestamp(rec.InsertedAt),
					formatTimestamp(rec.ProcessedAt),
				})
			}
			fmt.Fprintln(out, renderTable(headers, rows, aligns))
			return nil
		},
	}
	cmd.Flags().BoolVar(&processedOnly, "processed", false, "Only show processed records")
	cmd.Flags().BoolVar(&pendingOnly, "pending", false, "Only show records not yet processed")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of records to show (0 for all)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newLedgerLookupCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <source> <file>",
		Short: "Hash a file and report whether the source has already processed its content",
		Long: `Hash a file and report whether the source has already processed its content.

When the file no longer exists (it was moved into the stage directories) the
ledger is searched by original path instead.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			target, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			digest, digestErr := contentid.ComputeDigest(cmd.Context(), target)
			if digestErr != nil && !errors.Is(digestErr, fs.ErrNotExist) {
				return digestErr
			}
			return withLedger(cfg, args[0], func(store *ledger.Store) error {
				var (
					rec *ledger.Record
					err error
				)
				if digestErr != nil {
					rec, err = store.FindByOriginalPath(cmd.Context(), target)
					if err != nil {
						return err
					}
					if rec == nil {
						return fmt.Errorf("%s does not exist and has no ledger record", target)
					}
					digest = rec.Digest
				} else if rec, err = store.Get(cmd.Context(), digest); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Digest:    %s\n", digest)
				switch {
				case rec == nil:
					fmt.Fprintln(out, "Status:    new content")
				case rec.Processed:
					fmt.Fprintf(out, "Status:    processed %s\n", formatTimestamp(rec.ProcessedAt))
					fmt.Fprintf(out, "Original:  %s\n", rec.OriginalPath)
				default:
					fmt.Fprintf(out, "Status:    seen %s, not yet processed\n", formatTimestamp(rec.InsertedAt))
					fmt.Fprintf(out, "Original:  %s\n", rec.OriginalPath)
				}
				return nil
			})
		},
	}
}

func newLedgerPruneCommand(ctx *commandContext) *cobra.Command {
	var olderThanDays int

	cmd := &cobra.Command{
		Use:   "prune [source]",
		Short: "Delete processed ledger records older than the retention window",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			sources, err := selectSources(cfg, args)
			if err != nil {
				return err
			}
			days := olderThanDays
			if !cmd.Flags().Changed("older-than-days") {
				days = cfg.Ledger.RetentionDays
			}
			if days <= 0 {
				return fmt.Errorf("retention is disabled; pass --older-than-days or set ledger.retention_days")
			}
			cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)

			out := cmd.OutOrStdout()
			for _, src := range sources {
				err := withLedger(cfg, src.Name, func(store *ledger.Store) error {
					removed, err := store.Prune(cmd.Context(), cutoff)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s: removed %d record(s)\n", src.Name, removed)
					return nil
				})
				if err != nil {
					return fmt.Errorf("prune %s: %w", src.Name, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&olderThanDays, "older-than-days", 0, "Override ledger.retention_days")
	return cmd
}

func newLedgerHealthCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "health [source]",
		Short: "Report ledger file and schema state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			sources, err := selectSources(cfg, args)
			if err != nil {
				return err
			}

			reports := make(map[string]ledger.Health, len(sources))
			failed := 0
			for _, src := range sources {
				health, err := ledgerHealth(cmd.Context(), cfg, src.Name)
				if err != nil && health.Error == "" {
					health.Error = err.Error()
				}
				if health.Error != "" || health.Dirty {
					failed++
				}
				reports[src.Name] = health
			}
			if jsonOutput {
				return writeJSON(cmd, reports)
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			for _, src := range sources {
				health := reports[src.Name]
				kind := statusOK
				msg := fmt.Sprintf("schema v%d of v%d", health.SchemaVersion, health.LatestVersion)
				switch {
				case health.Error != "":
					kind, msg = statusError, health.Error
				case health.Dirty:
					kind, msg = statusError, "migration left dirty at v"+strconv.FormatUint(uint64(health.SchemaVersion), 10)
				case health.SchemaVersion < health.LatestVersion:
					kind = statusWarn
				}
				fmt.Fprintln(out, renderStatusLine(src.Name, kind, msg, colorize))
			}
			if failed > 0 {
				return fmt.Errorf("%d ledger(s) unhealthy", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func ledgerHealth(ctx context.Context, cfg *config.Config, source string) (ledger.Health, error) {
	var health ledger.Health
	err := withLedger(cfg, source, func(store *ledger.Store) error {
		var checkErr error
		health, checkErr = store.CheckHealth(ctx)
		return checkErr
	})
	return health, err
}

func withLedger(cfg *config.Config, source string, fn func(*ledger.Store) error) error {
	src, ok := cfg.FindSource(source)
	if !ok {
		return fmt.Errorf("unknown source %q", source)
	}
	store, err := ledger.Open(src.LedgerPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
