package notifier

import "context"

// Notifier reports per-source outcomes. Delivery problems are handled
// (retried, then logged) inside the notifier and never returned.
type Notifier interface {
	Name() string
	ReportSuccess(ctx context.Context, sourceID, sourceType, host, artifactName string)
	ReportFailure(ctx context.Context, sourceID, sourceType, host string, cause error)
}
