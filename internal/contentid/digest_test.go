package contentid_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"hopper/internal/contentid"
	"hopper/internal/services"
)

func TestComputeDigestMatchesSHA256(t *testing.T) {
	dir := t.TempDir()
	payload := strings.Repeat("hopper", contentid.ChunkSize/3)
	path := filepath.Join(dir, "unit.bin")
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := contentid.ComputeDigest(context.Background(), path)
	if err != nil {
		t.Fatalf("ComputeDigest: %v", err)
	}
	sum := sha256.Sum256([]byte(payload))
	if want := hex.EncodeToString(sum[:]); got.String() != want {
		t.Fatalf("digest = %s, want %s", got, want)
	}
	if len(got.Short()) != 12 {
		t.Fatalf("unexpected short digest %q", got.Short())
	}
}

func TestComputeDigestIgnoresName(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.json")
	for _, p := range []string{a, b} {
		if err := os.WriteFile(p, []byte("same bytes"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	da, err := contentid.ComputeDigest(context.Background(), a)
	if err != nil {
		t.Fatalf("digest a: %v", err)
	}
	db, err := contentid.ComputeDigest(context.Background(), b)
	if err != nil {
		t.Fatalf("digest b: %v", err)
	}
	if da != db {
		t.Fatalf("expected equal digests for equal content: %s vs %s", da, db)
	}
}

func TestComputeDigestMissingFileIsTransient(t *testing.T) {
	_, err := contentid.ComputeDigest(context.Background(), filepath.Join(t.TempDir(), "gone"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.Is(err, services.ErrTransient) || !services.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestComputeDigestRejectsDirectory(t *testing.T) {
	_, err := contentid.ComputeDigest(context.Background(), t.TempDir())
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestComputeDigestHonorsCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit.bin")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := contentid.ComputeDigest(ctx, path); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestParse(t *testing.T) {
	sum := sha256.Sum256([]byte("x"))
	valid := hex.EncodeToString(sum[:])
	if d, err := contentid.Parse(strings.ToUpper(valid)); err != nil || d.String() != valid {
		t.Fatalf("Parse(valid) = %q, %v", d, err)
	}
	for _, bad := range []string{"", "abc", strings.Repeat("z", 64)} {
		if _, err := contentid.Parse(bad); !errors.Is(err, services.ErrValidation) {
			t.Fatalf("Parse(%q) expected validation error, got %v", bad, err)
		}
	}
}
