// Package orchestrator runs the backup pipeline: for each source in order it
// produces an artifact, stores it on every destination, reports the outcome to
// every notifier and removes the artifact.
package orchestrator

import (
	"context"
	"errors"
	"os"
	"path"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/backups/internal/config"
	"github.com/Chapsvision-dev/backups/internal/destination"
	"github.com/Chapsvision-dev/backups/internal/naming"
	"github.com/Chapsvision-dev/backups/internal/notifier"
	"github.com/Chapsvision-dev/backups/internal/source"
)

// Outcome is the result of one source's step.
type Outcome struct {
	SourceID   string
	SourceType string
	Artifact   string // object name the artifact is stored under, empty if Produce failed
	Err        error  // *SourceError or *DestinationError, nil on success
	Duration   time.Duration
}

// Succeeded reports whether the artifact was produced and stored everywhere.
func (o Outcome) Succeeded() bool { return o.Err == nil }

// Recorder observes outcomes after notification, e.g. for metrics.
type Recorder interface {
	Record(Outcome)
}

// Options tunes a run.
type Options struct {
	Host     string     // passed to notifiers
	Run      naming.Run // names stored objects in success reports
	Recorder Recorder   // optional
}

// Orchestrator holds the backends of one run. It is not safe for concurrent use.
type Orchestrator struct {
	sources      []source.Source
	destinations []destination.Destination
	notifiers    []notifier.Notifier
	opts         Options

	// remove deletes an artifact; replaced in tests.
	remove func(string) error
}

// New checks the run preconditions: at least one source and one destination.
func New(sources []source.Source, destinations []destination.Destination, notifiers []notifier.Notifier, opts Options) (*Orchestrator, error) {
	if len(destinations) == 0 {
		return nil, config.Errorf("no destination configured")
	}
	if len(sources) == 0 {
		return nil, config.Errorf("no source configured")
	}
	return &Orchestrator{
		sources:      sources,
		destinations: destinations,
		notifiers:    notifiers,
		opts:         opts,
		remove:       os.Remove,
	}, nil
}

// Run processes every source once, in order, and returns their outcomes.
// A failing source never stops the run.
func (o *Orchestrator) Run(ctx context.Context) []Outcome {
	start := time.Now()
	out := make([]Outcome, 0, len(o.sources))
	failed := 0
	for _, src := range o.sources {
		oc := o.step(ctx, src)
		if !oc.Succeeded() {
			failed++
		}
		out = append(out, oc)
	}
	log.Info().
		Str("action", "run").
		Int("sources", len(out)).
		Int("failed", failed).
		Dur("elapsed_ms", time.Since(start)).
		Msg("backup run finished")
	return out
}

// step is the per-source pipeline. The artifact is removed on every exit path
// once Produce has returned it.
func (o *Orchestrator) step(ctx context.Context, src source.Source) Outcome {
	start := time.Now()
	oc := Outcome{SourceID: src.ID(), SourceType: src.Type()}

	artifact, err := o.produce(ctx, src)
	if err != nil {
		oc.Err = &SourceError{SourceID: oc.SourceID, Err: err}
	} else {
		defer o.cleanup(oc.SourceID, artifact)
		oc.Artifact = path.Base(o.opts.Run.Key("", oc.SourceID, artifact))
		oc.Err = o.store(ctx, src.ID(), artifact)
	}
	oc.Duration = time.Since(start)

	ev := log.Info()
	if oc.Err != nil {
		ev = log.Error().Err(oc.Err)
	}
	ev.Str("action", "source").
		Str("source", oc.SourceID).
		Str("type", oc.SourceType).
		Bool("ok", oc.Succeeded()).
		Dur("elapsed_ms", oc.Duration).
		Msg("source processed")

	o.notify(ctx, oc)
	if o.opts.Recorder != nil {
		o.opts.Recorder.Record(oc)
	}
	return oc
}

func (o *Orchestrator) produce(ctx context.Context, src source.Source) (artifact string, err error) {
	defer recoverInto(&err)
	start := time.Now()
	artifact, err = src.Produce(ctx)
	if err != nil {
		return "", err
	}
	log.Debug().Str("action", "produce").Str("source", src.ID()).Str("artifact", artifact).
		Dur("elapsed_ms", time.Since(start)).Msg("artifact produced")
	return artifact, nil
}

// store sends the artifact to each destination in order and stops at the first failure.
func (o *Orchestrator) store(ctx context.Context, id, artifact string) error {
	for _, d := range o.destinations {
		if err := storeOne(ctx, d, artifact, id); err != nil {
			return &DestinationError{Destination: d.Name(), SourceID: id, Err: err}
		}
	}
	return nil
}

func storeOne(ctx context.Context, d destination.Destination, artifact, id string) (err error) {
	defer recoverInto(&err)
	start := time.Now()
	if err := d.Store(ctx, artifact, id); err != nil {
		return err
	}
	log.Debug().Str("action", "store").Str("source", id).Str("destination", d.Name()).
		Dur("elapsed_ms", time.Since(start)).Msg("artifact stored")
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, oc Outcome) {
	for _, n := range o.notifiers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("action", "notify").Str("notifier", n.Name()).Str("source", oc.SourceID).
						Interface("panic", r).Msg("notifier panicked")
				}
			}()
			if oc.Succeeded() {
				n.ReportSuccess(ctx, oc.SourceID, oc.SourceType, o.opts.Host, oc.Artifact)
			} else {
				n.ReportFailure(ctx, oc.SourceID, oc.SourceType, o.opts.Host, oc.Err)
			}
		}()
	}
}

func (o *Orchestrator) cleanup(id, artifact string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("action", "cleanup").Str("source", id).Interface("panic", r).Msg("cleanup panicked")
		}
	}()
	if err := o.remove(artifact); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("action", "cleanup").Str("source", id).Str("artifact", artifact).Msg("cannot remove artifact")
		return
	}
	log.Debug().Str("action", "cleanup").Str("source", id).Str("artifact", artifact).Msg("artifact removed")
}

func recoverInto(err *error) {
	if r := recover(); r != nil {
		*err = panicError{value: r}
	}
}
