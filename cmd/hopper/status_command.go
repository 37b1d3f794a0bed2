package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"hopper/internal/config"
	"hopper/internal/daemon"
	"hopper/internal/pipeline"
	"hopper/internal/scanner"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and per-source status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			status, err := loadStatus(cmd, ctx, cfg)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, status)
			}
			renderStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

// loadStatus asks the running daemon when there is one and otherwise reads
// stage directories and ledgers directly.
func loadStatus(cmd *cobra.Command, ctx *commandContext, cfg *config.Config) (daemon.Status, error) {
	client, running, err := ctx.daemonClient(cfg)
	if err != nil {
		return daemon.Status{}, err
	}
	if running {
		if err := requireRunningAPI(client); err != nil {
			return daemon.Status{}, err
		}
		status, err := client.Status(cmd.Context())
		return status, explainAPIError(cfg, err)
	}

	var status daemon.Status
	err = ctx.withLocalDaemon(cfg, func(d *daemon.Daemon) error {
		status = d.Status(cmd.Context())
		status.PID = 0
		return nil
	})
	return status, err
}

func renderStatus(out io.Writer, status daemon.Status) {
	colorize := shouldColorize(out)
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(out, line)
	}
	if status.Running {
		msg := fmt.Sprintf("pid %d", status.PID)
		if !status.StartedAt.IsZero() {
			msg += ", started " + humanize.Time(status.StartedAt)
		}
		fmt.Fprintln(out, renderStatusLine("Daemon", statusOK, msg, colorize))
	} else {
		fmt.Fprintln(out, renderStatusLine("Daemon", statusWarn, "not running", colorize))
	}
	fmt.Fprintln(out, renderStatusLine("Serialize sources", statusInfo, yesNo(status.SerializeSources), colorize))
	if status.LogPath != "" {
		fmt.Fprintln(out, renderStatusLine("Log", statusInfo, status.LogPath, colorize))
	}
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Sources", colorize) {
		fmt.Fprintln(out, line)
	}
	if len(status.Sources) == 0 {
		fmt.Fprintln(out, "No sources configured")
		return
	}
	headers := []string{"Source", "Mode", "Pending", "Queued", "Processing", "Archive", "Processed", "Failed", "Ledger"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft}
	rows := make([][]string, 0, len(status.Sources))
	for _, src := range status.Sources {
		rows = append(rows, []string{
			src.Name,
			string(src.Mode),
			strconv.Itoa(src.Worker.Pending),
			stageCount(src, "queued"),
			stageCount(src, "processing"),
			stageCount(src, "archive"),
			strconv.FormatInt(src.Worker.Processed, 10),
			strconv.FormatInt(src.Worker.Failed, 10),
			ledgerSummary(src),
		})
	}
	fmt.Fprintln(out, renderTable(headers, rows, aligns))

	for _, src := range status.Sources {
		if src.Worker.LastError != "" {
			fmt.Fprintln(out, renderStatusLine(src.Name, statusError, src.Worker.LastError, colorize))
		}
		if src.Scanner.LastError != "" {
			fmt.Fprintln(out, renderStatusLine(src.Name+" scan", statusWarn, src.Scanner.LastError, colorize))
		}
	}
}

func stageCount(src pipeline.Status, stage string) string {
	if src.Mode == scanner.ModeAdmin {
		return "-"
	}
	return strconv.Itoa(src.Stages[stage])
}

func ledgerSummary(src pipeline.Status) string {
	if src.LedgerError != "" {
		return "error: " + src.LedgerError
	}
	if src.Ledger == nil {
		return "-"
	}
	summary := fmt.Sprintf("%d processed, %d pending", src.Ledger.Processed, src.Ledger.Pending)
	if !src.Ledger.LastProcessedAt.IsZero() {
		summary += ", last " + humanize.Time(src.Ledger.LastProcessedAt)
	}
	return summary
}
