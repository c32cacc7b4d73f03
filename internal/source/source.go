package source

import "context"

// Source produces one compressed artifact per invocation.
type Source interface {
	// ID is the backup identifier: the section name without its "<type>-" prefix.
	ID() string

	// Type is the registered source type ("folder", "mysql", "sqlite").
	Type() string

	// Produce writes a closed, compressed artifact to the run temp dir and returns
	// its path. On error no file is left behind.
	Produce(ctx context.Context) (string, error)
}
