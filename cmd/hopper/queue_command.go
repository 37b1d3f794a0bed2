package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"hopper/internal/config"
	"hopper/internal/staging"
)

type stageListing struct {
	Source  string          `json:"source"`
	Stage   string          `json:"stage"`
	Entries []staging.Entry `json:"entries"`
}

func newQueueCommand(ctx *commandContext) *cobra.Command {
	var stageName string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "queue [source]",
		Short: "List units sitting in a stage directory",
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
			stage, err := parseStage(stageName)
			if err != nil {
				return err
			}

			listings := make([]stageListing, 0, len(sources))
			for _, src := range sources {
				entries, err := listStage(cfg, src, stage)
				if err != nil {
					return fmt.Errorf("list %s for %s: %w", stage, src.Name, err)
				}
				if entries == nil {
					entries = []staging.Entry{}
				}
				listings = append(listings, stageListing{Source: src.Name, Stage: stage.String(), Entries: entries})
			}
			if jsonOutput {
				return writeJSON(cmd, listings)
			}

			out := cmd.OutOrStdout()
			headers := []string{"Source", "Name", "Original", "Size", "Enqueued"}
			aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft}
			var rows [][]string
			for _, listing := range listings {
				for _, e := range listing.Entries {
					rows = append(rows, []string{
						listing.Source,
						e.Name,
						e.Original,
						humanize.Bytes(uint64(max(e.Size, 0))),
						formatAge(e.EnqueuedAt, e.ModTime),
					})
				}
			}
			if len(rows) == 0 {
				fmt.Fprintf(out, "No units in %s\n", stage)
				return nil
			}
			fmt.Fprintln(out, renderTable(headers, rows, aligns))
			return nil
		},
	}
	cmd.Flags().StringVar(&stageName, "stage", "queued", "Stage to list (queued, processing, archive)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func parseStage(name string) (staging.Stage, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "queued":
		return staging.StageQueued, nil
	case "processing":
		return staging.StageProcessing, nil
	case "archive", "archived":
		return staging.StageArchive, nil
	default:
		return staging.StageUnknown, fmt.Errorf("unknown stage %q (want queued, processing or archive)", name)
	}
}

// listStage reads a stage directory without opening the source's ledger.
// Admin sources only have a scratch directory, reported as processing.
func listStage(cfg *config.Config, src config.Source, stage staging.Stage) ([]staging.Entry, error) {
	if src.Admin {
		if stage != staging.StageProcessing {
			return nil, nil
		}
		return staging.NewAdmin(cfg.ScratchDir(src)).ListScratch()
	}
	store := staging.New(src.Path, src.StageDir)
	switch stage {
	case staging.StageProcessing:
		return store.ListProcessing()
	case staging.StageArchive:
		return store.ListArchive()
	default:
		return store.ListQueued()
	}
}

func selectSources(cfg *config.Config, args []string) ([]config.Source, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return cfg.Sources, nil
	}
	src, ok := cfg.FindSource(args[0])
	if !ok {
		return nil, fmt.Errorf("unknown source %q (configured: %s)", args[0], strings.Join(cfg.SourceNames(), ", "))
	}
	return []config.Source{src}, nil
}

func formatAge(primary, fallback time.Time) string {
	t := primary
	if t.IsZero() {
		t = fallback
	}
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}
