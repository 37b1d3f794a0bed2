// Package mirror copies archived units to an S3-compatible bucket, optionally
// encrypting them for age recipients first.
package mirror

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"

	"hopper/internal/contentid"
	"hopper/internal/logging"
	"hopper/internal/services"
	"hopper/internal/staging"
)

// EncryptedSuffix is appended to object keys of encrypted copies.
const EncryptedSuffix = ".age"

// Object is one upload request.
type Object struct {
	Key      string
	Body     io.Reader
	Metadata map[string]string
}

// Uploader stores an object. Implementations must consume Body to EOF or
// return an error.
type Uploader interface {
	Upload(ctx context.Context, obj Object) error
}

// Option customizes a Mirror.
type Option func(*Mirror)

// WithRecipients encrypts every upload for recipients.
func WithRecipients(recipients ...age.Recipient) Option {
	return func(m *Mirror) { m.recipients = append(m.recipients, recipients...) }
}

// WithLogger sets the mirror's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mirror) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the time used when a name carries no enqueue time.
func WithClock(now func() time.Time) Option {
	return func(m *Mirror) {
		if now != nil {
			m.now = now
		}
	}
}

// Mirror uploads archived units.
type Mirror struct {
	uploader   Uploader
	prefix     string
	recipients []age.Recipient
	logger     *slog.Logger
	now        func() time.Time
}

// New returns a Mirror writing through uploader under prefix.
func New(uploader Uploader, prefix string, opts ...Option) *Mirror {
	m := &Mirror{
		uploader: uploader,
		prefix:   strings.Trim(prefix, "/"),
		logger:   logging.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.NewComponentLogger(m.logger, "mirror")
	return m
}

// Encrypted reports whether uploads are age-encrypted.
func (m *Mirror) Encrypted() bool { return len(m.recipients) > 0 }

// Key returns the object key for an archived file of source.
func (m *Mirror) Key(source, archivedPath string) string {
	name := filepath.Base(archivedPath)
	stamp := m.now().UTC()
	if info, ok := staging.ParseUniqueName(name); ok {
		stamp = info.EnqueuedAt
	}
	if m.Encrypted() {
		name += EncryptedSuffix
	}
	return path.Join(m.prefix, source, stamp.Format("2006"), stamp.Format("01"), name)
}

// UploadArchived copies the file at archivedPath to the bucket.
func (m *Mirror) UploadArchived(ctx context.Context, source, archivedPath string, digest contentid.Digest) error {
	file, err := os.Open(archivedPath)
	if err != nil {
		return services.Wrap(services.ErrTransient, "mirror", "open", archivedPath, err)
	}
	defer file.Close()

	key := m.Key(source, archivedPath)
	meta := map[string]string{
		"digest":        digest.String(),
		"source":        source,
		"original-name": staging.OriginalName(archivedPath),
	}
	var body io.Reader = file
	if m.Encrypted() {
		meta["encryption"] = "age"
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(m.encrypt(pw, file))
		}()
		defer pr.Close()
		body = pr
	}

	start := time.Now()
	if err := m.uploader.Upload(ctx, Object{Key: key, Body: body, Metadata: meta}); err != nil {
		return services.Wrap(services.ErrTransient, "mirror", "upload", key, err)
	}
	m.logger.Info("archived unit mirrored",
		logging.Source(source),
		logging.String("object_key", key),
		logging.Digest(digest.String()),
		logging.Bool("encrypted", m.Encrypted()),
		logging.Duration("duration", time.Since(start)),
		logging.String(logging.FieldEventType, "mirror_uploaded"),
	)
	return nil
}

func (m *Mirror) encrypt(dst io.Writer, src io.Reader) error {
	w, err := age.Encrypt(dst, m.recipients...)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("encrypting data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}
	return nil
}

// ParseRecipients parses age X25519 public keys.
func ParseRecipients(values []string) ([]age.Recipient, error) {
	recipients := make([]age.Recipient, 0, len(values))
	for _, value := range values {
		r, err := age.ParseX25519Recipient(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("parse age recipient %q: %w", value, err)
		}
		recipients = append(recipients, r)
	}
	return recipients, nil
}
