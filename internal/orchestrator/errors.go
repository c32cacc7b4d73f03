package orchestrator

import "fmt"

// SourceError is a failed Produce. It fails the source's step only.
type SourceError struct {
	SourceID string
	Err      error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %v", e.SourceID, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// DestinationError is the first failed Store of a step. The destinations
// after it were not attempted for that source.
type DestinationError struct {
	Destination string
	SourceID    string
	Err         error
}

func (e *DestinationError) Error() string {
	return fmt.Sprintf("destination %s (source %s): %v", e.Destination, e.SourceID, e.Err)
}

func (e *DestinationError) Unwrap() error { return e.Err }

// panicError carries a recovered panic value.
type panicError struct{ value any }

func (e panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }
