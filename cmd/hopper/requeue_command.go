package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"hopper/internal/daemon"
	"hopper/internal/workflow"
)

func newRequeueCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "requeue <source> [unit...]",
		Short: "Re-drive units stranded in Processing",
		Long: "Requeue inspects units left in a source's Processing stage. Units whose content " +
			"the ledger already marks processed are archived; the rest go back to the drop " +
			"directory under their original name and are picked up on the next scan.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			source := args[0]
			if _, ok := cfg.FindSource(source); !ok {
				return fmt.Errorf("unknown source %q", source)
			}
			names := args[1:]

			var result workflow.ReclaimResult
			client, running, err := ctx.daemonClient(cfg)
			if err != nil {
				return err
			}
			if running {
				if err := requireRunningAPI(client); err != nil {
					return err
				}
				req := daemon.RequeueRequest{Names: names}
				if olderThan > 0 {
					req.OlderThan = olderThan.String()
				}
				result, err = client.Requeue(cmd.Context(), source, req)
				if err != nil {
					return explainAPIError(cfg, err)
				}
			} else {
				err = ctx.withLocalDaemon(cfg, func(d *daemon.Daemon) error {
					var reqErr error
					result, reqErr = d.Requeue(cmd.Context(), source, workflow.ReclaimOptions{
						Names:     names,
						OlderThan: olderThan,
					})
					return reqErr
				})
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				return writeJSON(cmd, result)
			}
			out := cmd.OutOrStdout()
			if result.Touched() == 0 && len(result.Errors) == 0 {
				fmt.Fprintln(out, "Nothing to requeue")
				return nil
			}
			for _, name := range result.Restored {
				fmt.Fprintf(out, "restored  %s\n", name)
			}
			for _, name := range result.Archived {
				fmt.Fprintf(out, "archived  %s\n", name)
			}
			for _, name := range result.Skipped {
				fmt.Fprintf(out, "skipped   %s\n", name)
			}
			for _, msg := range result.Errors {
				fmt.Fprintf(out, "error     %s\n", msg)
			}
			if len(result.Errors) > 0 {
				return fmt.Errorf("%d unit(s) could not be requeued", len(result.Errors))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only requeue units that entered Processing at least this long ago")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
