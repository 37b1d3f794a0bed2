package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"
)

// Stats summarises a ledger.
type Stats struct {
	Total           int       `json:"total"`
	Processed       int       `json:"processed"`
	Pending         int       `json:"pending"`
	LastProcessedAt time.Time `json:"last_processed_at,omitzero"`
}

// Health describes the on-disk state of a ledger for diagnostics.
type Health struct {
	Path          string `json:"path"`
	Exists        bool   `json:"exists"`
	Readable      bool   `json:"readable"`
	SchemaVersion uint   `json:"schema_version"`
	LatestVersion uint   `json:"latest_version"`
	Dirty         bool   `json:"dirty"`
	Error         string `json:"error,omitempty"`
}

// Stats counts processed and pending records.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	ctx = ensureContext(ctx)
	var (
		stats Stats
		last  sql.NullString
	)
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT COUNT(1),
			       COALESCE(SUM(processed), 0),
			       MAX(processed_at)
			FROM content_records`).Scan(&stats.Total, &stats.Processed, &last)
	})
	if err != nil {
		return Stats{}, fmt.Errorf("ledger stats: %w", err)
	}
	stats.Pending = stats.Total - stats.Processed
	if last.Valid {
		stats.LastProcessedAt = parseTime(last.String)
	}
	return stats, nil
}

// Prune deletes processed records whose processed_at is before cutoff.
// Unprocessed records are never removed: dropping one would let a unit left
// in Processing be ingested again as new content.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`DELETE FROM content_records WHERE processed = 1 AND processed_at IS NOT NULL AND processed_at < ?`,
		formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	return n, nil
}

// CheckHealth returns diagnostic information about the ledger database.
func (s *Store) CheckHealth(ctx context.Context) (Health, error) {
	health := Health{Path: s.path}
	if s.path == "" {
		return health, errors.New("ledger path is unknown")
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return health, nil
		}
		return health, fmt.Errorf("stat ledger: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("ledger path %q is a directory", s.path)
	}
	health.Exists = true

	if s.db == nil {
		return health, errors.New("ledger connection unavailable")
	}

	connCtx, cancel := context.WithTimeout(ensureContext(ctx), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping ledger: %w", err)
	}
	health.Readable = true

	if health.SchemaVersion, health.Dirty, err = SchemaVersion(s.db); err != nil {
		health.Error = err.Error()
		return health, err
	}
	if health.LatestVersion, err = LatestVersion(); err != nil {
		health.Error = err.Error()
		return health, err
	}
	if err := CheckMigrationStatus(s.db); err != nil {
		health.Error = err.Error()
	}
	return health, nil
}
