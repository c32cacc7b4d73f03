// Package slack posts outcomes to a Slack incoming webhook.
package slack

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/config"
	"github.com/Chapsvision-dev/backups/internal/notifier"
	"github.com/Chapsvision-dev/backups/internal/notifier/webhook"
)

type settings struct {
	WebhookURL string `ini:"webhook_url" validate:"required,http_url"`
	Channel    string `ini:"channel"`
	Username   string `ini:"username"`
}

type attachment struct {
	Color    string `json:"color"`
	Title    string `json:"title"`
	Text     string `json:"text"`
	Fallback string `json:"fallback"`
}

type payload struct {
	Text        string       `json:"text"`
	Channel     string       `json:"channel,omitempty"`
	Username    string       `json:"username,omitempty"`
	Attachments []attachment `json:"attachments"`
}

// Notifier posts one message per outcome.
type Notifier struct {
	name   string
	s      settings
	runID  string
	poster *webhook.Poster
}

func init() {
	notifier.Register("slack", func(sec config.Section, env backend.Env) (notifier.Notifier, error) {
		return New(sec, env)
	})
}

// New builds the notifier from its [slack] section.
func New(sec config.Section, env backend.Env) (*Notifier, error) {
	s := settings{Username: "backups"}
	if err := sec.Decode(&s); err != nil {
		return nil, err
	}
	return &Notifier{name: sec.Name(), s: s, runID: env.Run.ID, poster: webhook.New(sec.Name(), env)}, nil
}

func (n *Notifier) Name() string { return n.name }

func (n *Notifier) ReportSuccess(ctx context.Context, sourceID, sourceType, host, artifactName string) {
	n.send(ctx, notifier.SuccessEvent(sourceID, sourceType, host, artifactName), "good")
}

func (n *Notifier) ReportFailure(ctx context.Context, sourceID, sourceType, host string, cause error) {
	n.send(ctx, notifier.FailureEvent(sourceID, sourceType, host, cause), "danger")
}

func (n *Notifier) send(ctx context.Context, ev notifier.Event, color string) {
	ev.RunID = n.runID
	p := payload{
		Text:     ev.Subject(),
		Channel:  n.s.Channel,
		Username: n.s.Username,
		Attachments: []attachment{{
			Color:    color,
			Title:    ev.Subject(),
			Text:     "```" + ev.Text() + "```",
			Fallback: ev.Subject(),
		}},
	}
	if err := n.poster.PostJSON(ctx, n.s.WebhookURL, nil, p); err != nil {
		log.Error().Err(err).
			Str("action", "notify").
			Str("notifier", n.name).
			Str("source", ev.SourceID).
			Str("status", ev.Status).
			Msg("slack notification failed")
	}
}
