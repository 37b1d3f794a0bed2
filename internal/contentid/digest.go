package contentid

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"hopper/internal/services"
)

// ChunkSize is the read size used while streaming a file through the hash.
const ChunkSize = 64 * 1024

// Digest is the lowercase hex SHA-256 of a file's contents.
type Digest string

// String returns the digest as hex.
func (d Digest) String() string { return string(d) }

// Short returns the first 12 hex characters, for logs and tables.
func (d Digest) Short() string {
	if len(d) > 12 {
		return string(d[:12])
	}
	return string(d)
}

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool { return d == "" }

// Parse validates a hex digest string.
func Parse(value string) (Digest, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if len(value) != sha256.Size*2 {
		return "", services.Wrap(services.ErrValidation, "contentid", "parse", fmt.Sprintf("digest must be %d hex characters", sha256.Size*2), nil)
	}
	if _, err := hex.DecodeString(value); err != nil {
		return "", services.Wrap(services.ErrValidation, "contentid", "parse", "digest is not hex", err)
	}
	return Digest(value), nil
}

// ComputeDigest streams the file at path through SHA-256. The byte count is
// checked against the size observed at open so a file truncated or extended
// mid-read is reported instead of hashed as a torn snapshot.
func ComputeDigest(ctx context.Context, path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "contentid", "open", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "contentid", "stat", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", services.Wrap(services.ErrValidation, "contentid", "open", path+" is not a regular file", nil)
	}

	return computeFrom(ctx, f, info.Size(), path)
}

// FromReader hashes r to EOF. Used for inputs with no stable size.
func FromReader(ctx context.Context, r io.Reader) (Digest, error) {
	return computeFrom(ctx, r, -1, "reader")
}

func computeFrom(ctx context.Context, r io.Reader, expected int64, label string) (Digest, error) {
	h := sha256.New()
	buf := make([]byte, ChunkSize)
	n, err := io.CopyBuffer(h, &ctxReader{ctx: ctx, r: r}, buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", services.Wrap(services.ErrTransient, "contentid", "read", label, err)
	}
	if expected >= 0 && n != expected {
		return "", services.Wrap(services.ErrTransient, "contentid", "read",
			fmt.Sprintf("%s: read %d of %d bytes", label, n, expected), io.ErrUnexpectedEOF)
	}
	return Digest(hex.EncodeToString(h.Sum(nil))), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
