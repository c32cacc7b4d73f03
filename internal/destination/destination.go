package destination

import "context"

// Destination defines the contract for storage backends receiving artifacts.
type Destination interface {
	// Name returns the section name the destination was built from (e.g. "s3").
	Name() string

	// Store copies the artifact at path to the backend under a run-unique object
	// name derived from logicalName. The local file is never modified.
	Store(ctx context.Context, artifact, logicalName string) error
}
