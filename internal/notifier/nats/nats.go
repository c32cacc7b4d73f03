// Package nats publishes outcomes as JSON events on a NATS subject.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/config"
	"github.com/Chapsvision-dev/backups/internal/notifier"
	"github.com/Chapsvision-dev/backups/internal/retry"
)

// DefaultSubject receives every outcome unless the section overrides it.
const DefaultSubject = "backups.outcome"

type settings struct {
	URL     string        `ini:"url" validate:"required"`
	Subject string        `ini:"subject" validate:"required"`
	Token   string        `ini:"token"`
	Timeout time.Duration `ini:"timeout" validate:"gt=0"`
}

// Notifier connects lazily on first use and reuses the connection for the run.
type Notifier struct {
	name  string
	s     settings
	runID string
	ro    retry.Options

	nc *nats.Conn
}

func init() {
	notifier.Register("nats", func(sec config.Section, env backend.Env) (notifier.Notifier, error) {
		return New(sec, env)
	})
}

// New builds the notifier from its [nats] section.
func New(sec config.Section, env backend.Env) (*Notifier, error) {
	s := settings{URL: nats.DefaultURL, Subject: DefaultSubject, Timeout: 10 * time.Second}
	if err := sec.Decode(&s); err != nil {
		return nil, err
	}
	return &Notifier{name: sec.Name(), s: s, runID: env.Run.ID, ro: env.Retry}, nil
}

func (n *Notifier) Name() string { return n.name }

func (n *Notifier) ReportSuccess(ctx context.Context, sourceID, sourceType, host, artifactName string) {
	n.publish(ctx, notifier.SuccessEvent(sourceID, sourceType, host, artifactName))
}

func (n *Notifier) ReportFailure(ctx context.Context, sourceID, sourceType, host string, cause error) {
	n.publish(ctx, notifier.FailureEvent(sourceID, sourceType, host, cause))
}

// Close drains the connection so buffered events are flushed.
func (n *Notifier) Close() error {
	if n.nc == nil {
		return nil
	}
	err := n.nc.Drain()
	n.nc = nil
	return err
}

func (n *Notifier) publish(ctx context.Context, ev notifier.Event) {
	ev.RunID = n.runID
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("action", "notify").Str("notifier", n.name).Msg("encode event")
		return
	}
	err = retry.Do(ctx, n.ro, nil, func(ctx context.Context) error {
		nc, err := n.conn()
		if err != nil {
			return err
		}
		if err := nc.Publish(n.s.Subject, data); err != nil {
			return err
		}
		fctx, cancel := context.WithTimeout(ctx, n.s.Timeout)
		defer cancel()
		return nc.FlushWithContext(fctx)
	})
	if err != nil {
		log.Error().Err(err).
			Str("action", "notify").
			Str("notifier", n.name).
			Str("source", ev.SourceID).
			Str("status", ev.Status).
			Msg("nats notification failed")
		return
	}
	log.Debug().Str("action", "notify_nats").Str("subject", n.s.Subject).Str("source", ev.SourceID).Msg("event published")
}

func (n *Notifier) conn() (*nats.Conn, error) {
	if n.nc != nil && !n.nc.IsClosed() {
		return n.nc, nil
	}
	opts := []nats.Option{
		nats.Name("backups"),
		nats.Timeout(n.s.Timeout),
	}
	if n.s.Token != "" {
		opts = append(opts, nats.Token(n.s.Token))
	}
	nc, err := nats.Connect(n.s.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", n.s.URL, err)
	}
	n.nc = nc
	return nc, nil
}
