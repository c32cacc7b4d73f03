// Package backend holds what every source, destination and notifier factory
// receives besides its own configuration section.
package backend

import (
	"net/http"
	"time"

	"github.com/Chapsvision-dev/backups/internal/naming"
	"github.com/Chapsvision-dev/backups/internal/retry"
)

// Env is built once per run and shared read-only by all backends.
type Env struct {
	Host    string        // defaults.hostname, used in notifications
	TempDir string        // where artifacts are staged
	Run     naming.Run    // identifies this invocation in object names
	Retry   retry.Options // transport retries inside destinations and notifiers

	// HTTPClient is used by HTTP based backends; nil means a client with DefaultHTTPTimeout.
	HTTPClient *http.Client
}

// DefaultHTTPTimeout bounds a single HTTP request made by a backend.
const DefaultHTTPTimeout = 30 * time.Second

// HTTP returns the configured client or a default one.
func (e Env) HTTP() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return &http.Client{Timeout: DefaultHTTPTimeout}
}
