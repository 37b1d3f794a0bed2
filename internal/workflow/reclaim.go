package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"hopper/internal/contentid"
	"hopper/internal/logging"
	"hopper/internal/retry"
	"hopper/internal/services"
	"hopper/internal/staging"
)

// ReclaimerConfig wires a Reclaimer to one directory source.
type ReclaimerConfig struct {
	Source string
	Store  *staging.Store
	Ledger Ledger
	Policy retry.Policy
	Logger *slog.Logger
	// InFlight reports whether a Processing file belongs to the unit the
	// worker is handling right now. Such files are never touched.
	InFlight func(name string) bool
	// OnRestore is called with the Discovered path of every restored unit.
	OnRestore func(path string)
	Now       func() time.Time
}

// Reclaimer re-drives units stranded in Processing. A unit whose digest is
// already processed is archived; any other unit is restored to Discovered so
// the scanner ingests it again.
type Reclaimer struct {
	cfg ReclaimerConfig
}

// ReclaimOptions selects which Processing units to re-drive.
type ReclaimOptions struct {
	// OlderThan skips units enqueued more recently. Zero selects every unit.
	OlderThan time.Duration
	// Names restricts the sweep to these unique names and ignores OlderThan.
	Names []string
}

// ReclaimResult lists what a sweep did.
type ReclaimResult struct {
	Archived []string `json:"archived,omitempty"`
	Restored []string `json:"restored,omitempty"`
	Skipped  []string `json:"skipped,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Touched reports how many units were moved.
func (r ReclaimResult) Touched() int {
	return len(r.Archived) + len(r.Restored)
}

// NewReclaimer constructs a Reclaimer.
func NewReclaimer(cfg ReclaimerConfig) *Reclaimer {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	cfg.Logger = logging.NewComponentLogger(cfg.Logger, "reclaim")
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Policy.Attempts == 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	return &Reclaimer{cfg: cfg}
}

// Reclaim runs one sweep.
func (r *Reclaimer) Reclaim(ctx context.Context, opts ReclaimOptions) (ReclaimResult, error) {
	var result ReclaimResult
	entries, err := r.cfg.Store.ListProcessing()
	if err != nil {
		return result, err
	}

	wanted := make(map[string]bool, len(opts.Names))
	for _, name := range opts.Names {
		wanted[filepath.Base(name)] = false
	}

	now := r.cfg.Now()
	logger := logging.WithContext(services.WithSource(ctx, r.cfg.Source), r.cfg.Logger)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if len(wanted) > 0 {
			if _, ok := wanted[entry.Name]; !ok {
				continue
			}
			wanted[entry.Name] = true
		} else if opts.OlderThan > 0 {
			enqueued := entry.EnqueuedAt
			if enqueued.IsZero() {
				enqueued = entry.ModTime
			}
			if now.Sub(enqueued) < opts.OlderThan {
				continue
			}
		}
		if r.cfg.InFlight != nil && r.cfg.InFlight(entry.Name) {
			result.Skipped = append(result.Skipped, entry.Name)
			continue
		}
		r.reclaimOne(ctx, logger, entry, &result)
	}

	for name, found := range wanted {
		if !found {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: not in Processing", name))
		}
	}
	return result, nil
}

func (r *Reclaimer) reclaimOne(ctx context.Context, logger *slog.Logger, entry staging.Entry, result *ReclaimResult) {
	logger = logger.With(logging.UnitID(entry.Name))
	digest, err := retry.DoValue(ctx, r.cfg.Policy, func(ctx context.Context) (contentid.Digest, error) {
		return contentid.ComputeDigest(ctx, entry.Path)
	})
	if err != nil {
		r.warn(logger, result, entry.Name, err)
		return
	}
	known, err := r.cfg.Ledger.IsKnownProcessed(ctx, digest)
	if err != nil {
		r.warn(logger, result, entry.Name, err)
		return
	}

	if known {
		if _, err := r.cfg.Store.Archive(entry.Path); err != nil {
			r.warn(logger, result, entry.Name, err)
			return
		}
		result.Archived = append(result.Archived, entry.Name)
		logger.Info("archived stranded processed unit",
			logging.Digest(digest.String()),
			logging.String(logging.FieldEventType, "reclaim_archived"),
		)
		return
	}

	restored, err := r.cfg.Store.Restore(entry.Path)
	if err != nil {
		r.warn(logger, result, entry.Name, err)
		return
	}
	if r.cfg.OnRestore != nil {
		r.cfg.OnRestore(restored)
	}
	result.Restored = append(result.Restored, entry.Name)
	logger.Info("restored stranded unit for ingestion",
		logging.String("restored_path", restored),
		logging.Digest(digest.String()),
		logging.String(logging.FieldEventType, "reclaim_restored"),
	)
}

func (r *Reclaimer) warn(logger *slog.Logger, result *ReclaimResult, name string, err error) {
	result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", name, err))
	logging.WarnWithContext(logger, "failed to reclaim unit", "reclaim_failed",
		logging.Error(err),
		logging.String(logging.FieldImpact, "unit stays in Processing"),
		logging.String(logging.FieldErrorHint, "check stage directory permissions"),
	)
}

// Run sweeps every interval until ctx is done.
func (r *Reclaimer) Run(ctx context.Context, interval, olderThan time.Duration) {
	if interval <= 0 || olderThan <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := r.Reclaim(ctx, ReclaimOptions{OlderThan: olderThan})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logging.WarnWithContext(r.cfg.Logger, "stale processing sweep failed", "reclaim_sweep_failed",
					logging.Source(r.cfg.Source),
					logging.Error(err),
					logging.String(logging.FieldImpact, "stranded units remain in Processing"),
					logging.String(logging.FieldErrorHint, "check stage directory access"),
				)
				continue
			}
			if result.Touched() > 0 {
				r.cfg.Logger.Info("reclaimed stale processing units",
					logging.Source(r.cfg.Source),
					logging.Int("archived", len(result.Archived)),
					logging.Int("restored", len(result.Restored)),
				)
			}
		}
	}
}
