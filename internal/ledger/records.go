package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"hopper/internal/contentid"
	"hopper/internal/services"
)

// Record is one row of the ledger.
type Record struct {
	Digest       contentid.Digest `json:"digest"`
	OriginalPath string           `json:"original_path"`
	Processed    bool             `json:"processed"`
	InsertedAt   time.Time        `json:"inserted_at"`
	ModifiedAt   time.Time        `json:"modified_at"`
	ProcessedAt  time.Time        `json:"processed_at,omitzero"`
}

// ListFilter narrows List results. A nil Processed returns every record.
type ListFilter struct {
	Processed *bool
	Limit     int
}

const recordColumns = "digest, original_path, processed, inserted_at, modified_at, processed_at"

func validateDigest(op string, digest contentid.Digest) error {
	if digest.IsZero() {
		return services.Wrap(services.ErrValidation, "ledger", op, "digest is required", nil)
	}
	return nil
}

// RecordSeen inserts an unprocessed record for digest, or refreshes
// modified_at when it already exists. It never changes the processed flag.
func (s *Store) RecordSeen(ctx context.Context, digest contentid.Digest, originalPath string) error {
	if err := validateDigest("record seen", digest); err != nil {
		return err
	}
	now := s.timestamp()
	_, err := s.execWithRetry(ctx, `
		INSERT INTO content_records (digest, original_path, processed, inserted_at, modified_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(digest) DO UPDATE SET
			modified_at = excluded.modified_at,
			original_path = CASE WHEN content_records.processed = 0
				THEN excluded.original_path ELSE content_records.original_path END`,
		digest.String(), originalPath, now, now)
	if err != nil {
		return fmt.Errorf("record seen %s: %w", digest.Short(), err)
	}
	return nil
}

// IsKnownProcessed reports whether digest has a processed record.
func (s *Store) IsKnownProcessed(ctx context.Context, digest contentid.Digest) (bool, error) {
	if err := validateDigest("lookup", digest); err != nil {
		return false, err
	}
	ctx = ensureContext(ctx)
	var processed int
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT processed FROM content_records WHERE digest = ?`, digest.String(),
		).Scan(&processed)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", digest.Short(), err)
	}
	return processed == 1, nil
}

// MarkProcessed flags digest as processed, inserting the record if it is
// missing. originalPath replaces the stored path so the record names the
// location the processed content came from.
func (s *Store) MarkProcessed(ctx context.Context, digest contentid.Digest, originalPath string) error {
	if err := validateDigest("mark processed", digest); err != nil {
		return err
	}
	now := s.timestamp()
	_, err := s.execWithRetry(ctx, `
		INSERT INTO content_records (digest, original_path, processed, inserted_at, modified_at, processed_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(digest) DO UPDATE SET
			processed = 1,
			original_path = CASE WHEN excluded.original_path != ''
				THEN excluded.original_path ELSE content_records.original_path END,
			modified_at = excluded.modified_at,
			processed_at = excluded.processed_at`,
		digest.String(), originalPath, now, now, now)
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", digest.Short(), err)
	}
	return nil
}

// Get returns the record for digest or nil when none exists.
func (s *Store) Get(ctx context.Context, digest contentid.Digest) (*Record, error) {
	if err := validateDigest("get", digest); err != nil {
		return nil, err
	}
	ctx = ensureContext(ctx)
	var rec *Record
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM content_records WHERE digest = ?`, digest.String())
		var scanErr error
		rec, scanErr = scanRecord(row)
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", digest.Short(), err)
	}
	return rec, nil
}

// FindByOriginalPath returns the most recently modified record whose original
// path matches. Lookups use it for files that already left the watched
// directory.
func (s *Store) FindByOriginalPath(ctx context.Context, originalPath string) (*Record, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM content_records WHERE original_path = ? ORDER BY modified_at DESC LIMIT 1`,
		originalPath)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by original path: %w", err)
	}
	return rec, nil
}

// List returns records newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Record, error) {
	ctx = ensureContext(ctx)
	var (
		clauses []string
		args    []any
	)
	if filter.Processed != nil {
		clauses = append(clauses, "processed = ?")
		args = append(args, boolToInt(*filter.Processed))
	}
	query := `SELECT ` + recordColumns + ` FROM content_records`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY modified_at DESC, digest"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		digest      string
		rec         Record
		processed   int
		insertedAt  string
		modifiedAt  string
		processedAt sql.NullString
	)
	if err := row.Scan(&digest, &rec.OriginalPath, &processed, &insertedAt, &modifiedAt, &processedAt); err != nil {
		return nil, err
	}
	rec.Digest = contentid.Digest(digest)
	rec.Processed = processed == 1
	rec.InsertedAt = parseTime(insertedAt)
	rec.ModifiedAt = parseTime(modifiedAt)
	if processedAt.Valid {
		rec.ProcessedAt = parseTime(processedAt.String)
	}
	return &rec, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
