// Package naming builds run-unique object names for stored artifacts.
package naming

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimestampFormat is used for the time component of object names.
const DefaultTimestampFormat = "20060102T150405Z"

// compound extensions recognised on artifact files, longest first.
var knownExts = []string{".tar.gz", ".sql.gz", ".db.gz", ".tar", ".gz"}

// Run identifies one invocation of the orchestrator.
type Run struct {
	ID      string    // unique per process (uuid)
	Started time.Time // run start, UTC
}

// Tag returns the "<timestamp>-<short id>" component shared by every object of the run.
func (r Run) Tag() string {
	id := strings.ReplaceAll(r.ID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	ts := r.Started.UTC().Format(DefaultTimestampFormat)
	if id == "" {
		return ts
	}
	return ts + "-" + id
}

// Key builds "<prefix>/<logical>/<logical>-<tag><ext>" with slash separators.
// An empty prefix is omitted.
func (r Run) Key(prefix, logicalName, artifact string) string {
	logical := sanitize(logicalName)
	filename := fmt.Sprintf("%s-%s%s", logical, r.Tag(), Ext(artifact))
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return path.Join(logical, filename)
	}
	return path.Join(prefix, logical, filename)
}

// Ext returns the compound extension of an artifact path (".tar.gz", ".sql.gz", ...).
func Ext(artifact string) string {
	base := strings.ToLower(filepath.Base(artifact))
	for _, e := range knownExts {
		if strings.HasSuffix(base, e) {
			return e
		}
	}
	return filepath.Ext(base)
}

// sanitize keeps object names portable across S3, Azure and SMB.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unnamed"
	}
	if strings.Trim(s, ".") == "" {
		// "." and ".." would walk out of the destination root.
		return strings.Repeat("_", len(s))
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
