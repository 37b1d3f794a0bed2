package staging

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

const (
	enqueueStampLayout = "20060102T150405.000"
	suffixLen          = 8
)

var uniqueNamePattern = regexp.MustCompile(`^(.*)_(\d{8}T\d{6}\.\d{3})_([0-9a-f]{8})(\..*)?$`)

// UniqueName derives the stage name for original. The stem is NFC-normalised
// so names decomposed by some filesystems compare equal, and the enqueue time
// plus a random suffix keep identical source names from colliding. The suffix
// is reduced to its hex digits and fitted to eight characters so the result
// always parses back.
func UniqueName(original string, at time.Time, suffix string) string {
	base := filepath.Base(original)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem, ext = base, ""
	}
	stem = norm.NFC.String(stem)
	return stem + "_" + at.UTC().Format(enqueueStampLayout) + "_" + normalizeSuffix(suffix) + ext
}

func normalizeSuffix(suffix string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(suffix) {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			b.WriteRune(r)
		}
	}
	hex := b.String()
	if len(hex) >= suffixLen {
		return hex[:suffixLen]
	}
	return strings.Repeat("0", suffixLen-len(hex)) + hex
}

func randomSuffix() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:suffixLen]
}

// NameInfo is the decoded form of a unique name.
type NameInfo struct {
	Original   string
	EnqueuedAt time.Time
	Suffix     string
}

// ParseUniqueName decodes a name produced by UniqueName.
func ParseUniqueName(name string) (NameInfo, bool) {
	m := uniqueNamePattern.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return NameInfo{}, false
	}
	at, err := time.ParseInLocation(enqueueStampLayout, m[2], time.UTC)
	if err != nil {
		return NameInfo{}, false
	}
	return NameInfo{Original: m[1] + m[4], EnqueuedAt: at, Suffix: m[3]}, true
}

// OriginalName returns the source file name encoded in a unique name, or the
// name unchanged when it is not a unique name.
func OriginalName(name string) string {
	if info, ok := ParseUniqueName(name); ok {
		return info.Original
	}
	return filepath.Base(name)
}
