package pipeline

import (
	"context"
	"time"

	"hopper/internal/ledger"
	"hopper/internal/logging"
	"hopper/internal/scanner"
	"hopper/internal/staging"
	"hopper/internal/workflow"
)

// Status summarises one pipeline.
type Status struct {
	Name        string          `json:"name"`
	Path        string          `json:"path"`
	Mode        scanner.Mode    `json:"mode"`
	Running     bool            `json:"running"`
	StartedAt   time.Time       `json:"started_at,omitzero"`
	Scanner     scanner.Status  `json:"scanner"`
	Worker      workflow.Status `json:"worker"`
	Stages      map[string]int  `json:"stages,omitempty"`
	Ledger      *ledger.Stats   `json:"ledger,omitempty"`
	LedgerError string          `json:"ledger_error,omitempty"`
}

// Status returns the latest pipeline information.
func (p *Pipeline) Status(ctx context.Context) Status {
	p.mu.Lock()
	summary := Status{
		Name:      p.source.Name,
		Path:      p.source.Path,
		Mode:      p.mode,
		Running:   p.running,
		StartedAt: p.startedAt,
	}
	p.mu.Unlock()

	summary.Scanner = p.scanner.Status()
	summary.Worker = p.worker.Status()

	if p.store != nil {
		summary.Stages = make(map[string]int, 3)
		for _, stage := range []staging.Stage{staging.StageQueued, staging.StageProcessing, staging.StageArchive} {
			entries, err := p.StageEntries(stage)
			if err != nil {
				p.logger.Warn("failed to list stage", logging.String(logging.FieldStage, stage.String()), logging.Error(err))
				continue
			}
			summary.Stages[stage.String()] = len(entries)
		}
	}

	stats, err := p.ledger.Stats(ctx)
	if err != nil {
		summary.LedgerError = err.Error()
	} else {
		summary.Ledger = &stats
	}
	return summary
}
