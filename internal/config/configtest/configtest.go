// Package configtest builds configuration sections for backend tests.
package configtest

import (
	"testing"

	"github.com/Chapsvision-dev/backups/internal/config"
)

// Section parses body (a single "[name]" block) and returns it as a Section.
// A minimal [defaults] block is prepended.
func Section(t testing.TB, body string) config.Section {
	t.Helper()
	cfg, err := config.Parse([]byte("[defaults]\nhostname = test-host\n" + body))
	if err != nil {
		t.Fatalf("configtest: %v", err)
	}
	secs := cfg.Sections()
	if len(secs) != 1 {
		t.Fatalf("configtest: want exactly one section, got %d", len(secs))
	}
	return secs[0]
}
