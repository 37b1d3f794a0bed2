package workflow

import (
	"context"
	"time"

	"hopper/internal/contentid"
)

// QueueItem is one unit of work awaiting processing.
type QueueItem struct {
	// Path is the unit's current location: a file in Queued for directory
	// sources or a scratch copy for admin sources.
	Path string `json:"path"`
	// Digest may be empty for units recovered from Queued at startup; the
	// worker computes it before the callback runs.
	Digest       contentid.Digest `json:"digest,omitempty"`
	OriginalPath string           `json:"original_path"`
	UnitID       string           `json:"unit_id"`
	SubmittedAt  time.Time        `json:"submitted_at"`
}

// Stager relocates a unit through Processing and Archive.
type Stager interface {
	BeginProcessing(path string) (string, error)
	Archive(path string) (string, error)
}

// Discarder is implemented by stagers whose units are disposable copies.
type Discarder interface {
	Discard(path string) error
}

// Ledger is the subset of the content ledger the worker consults.
type Ledger interface {
	IsKnownProcessed(ctx context.Context, digest contentid.Digest) (bool, error)
	MarkProcessed(ctx context.Context, digest contentid.Digest, originalPath string) error
}

// ArchiveUploader copies archived units somewhere else after they are safe.
type ArchiveUploader interface {
	UploadArchived(ctx context.Context, source, path string, digest contentid.Digest) error
}

// Outcome describes how the worker finished with an item.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Result is reported to the worker's result hook after each item.
type Result struct {
	Item      QueueItem
	Outcome   Outcome
	FinalPath string
	Err       error
	Duration  time.Duration
}
