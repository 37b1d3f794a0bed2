package snapshot_test

import (
	"io/fs"
	"testing"
	"time"

	"hopper/internal/snapshot"
)

type fileInfo struct {
	size  int64
	mtime time.Time
}

func (f fileInfo) Name() string       { return "unit" }
func (f fileInfo) Size() int64        { return f.size }
func (f fileInfo) Mode() fs.FileMode  { return 0o644 }
func (f fileInfo) ModTime() time.Time { return f.mtime }
func (f fileInfo) IsDir() bool        { return false }
func (f fileInfo) Sys() any           { return nil }

func TestHasChanged(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker := snapshot.New()

	steps := []struct {
		name string
		info fileInfo
		want bool
	}{
		{"first sighting", fileInfo{10, base}, true},
		{"unchanged", fileInfo{10, base}, false},
		{"size differs", fileInfo{11, base}, true},
		{"mtime differs", fileInfo{11, base.Add(time.Second)}, true},
		{"stable again", fileInfo{11, base.Add(time.Second)}, false},
	}
	for _, step := range steps {
		if got := tracker.HasChanged("/drop/a", step.info); got != step.want {
			t.Fatalf("%s: HasChanged = %v, want %v", step.name, got, step.want)
		}
	}
}

func TestForgetAndRetain(t *testing.T) {
	base := time.Now()
	tracker := snapshot.New()
	for _, p := range []string{"/a", "/b", "/c"} {
		tracker.HasChanged(p, fileInfo{1, base})
	}

	tracker.Forget("/a")
	if !tracker.HasChanged("/a", fileInfo{1, base}) {
		t.Fatal("expected forgotten path to count as changed")
	}

	if removed := tracker.Retain([]string{"/a"}); removed != 2 {
		t.Fatalf("expected 2 entries removed, got %d", removed)
	}
	if tracker.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", tracker.Len())
	}
	if !tracker.HasChanged("/b", fileInfo{1, base}) {
		t.Fatal("expected pruned path to count as changed")
	}
}
