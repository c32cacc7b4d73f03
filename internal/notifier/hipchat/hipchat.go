// Package hipchat posts outcomes to a HipChat (or API compatible) room.
package hipchat

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/config"
	"github.com/Chapsvision-dev/backups/internal/notifier"
	"github.com/Chapsvision-dev/backups/internal/notifier/webhook"
)

// DefaultServer is the hosted HipChat API.
const DefaultServer = "https://api.hipchat.com"

type settings struct {
	Server        string `ini:"server" validate:"required,http_url"`
	Room          string `ini:"room" validate:"required"`
	Token         string `ini:"token" validate:"required"`
	NotifySuccess bool   `ini:"notify_success"`
}

type message struct {
	Color         string `json:"color"`
	Message       string `json:"message"`
	Notify        bool   `json:"notify"`
	MessageFormat string `json:"message_format"`
}

// Notifier sends room notifications through the v2 API.
type Notifier struct {
	name          string
	endpoint      string
	token         string
	notifySuccess bool
	runID         string
	poster        *webhook.Poster
}

func init() {
	notifier.Register("hipchat", func(sec config.Section, env backend.Env) (notifier.Notifier, error) {
		return New(sec, env)
	})
}

// New builds the notifier from its [hipchat] section.
func New(sec config.Section, env backend.Env) (*Notifier, error) {
	s := settings{Server: DefaultServer}
	if err := sec.Decode(&s); err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/v2/room/%s/notification",
		strings.TrimRight(s.Server, "/"), url.PathEscape(s.Room))
	return &Notifier{
		name:          sec.Name(),
		endpoint:      endpoint,
		token:         s.Token,
		notifySuccess: s.NotifySuccess,
		runID:         env.Run.ID,
		poster:        webhook.New(sec.Name(), env),
	}, nil
}

func (n *Notifier) Name() string { return n.name }

func (n *Notifier) ReportSuccess(ctx context.Context, sourceID, sourceType, host, artifactName string) {
	ev := notifier.SuccessEvent(sourceID, sourceType, host, artifactName)
	n.send(ctx, ev, message{Color: "green", Message: n.text(ev), Notify: n.notifySuccess, MessageFormat: "text"})
}

func (n *Notifier) ReportFailure(ctx context.Context, sourceID, sourceType, host string, cause error) {
	ev := notifier.FailureEvent(sourceID, sourceType, host, cause)
	n.send(ctx, ev, message{Color: "red", Message: n.text(ev), Notify: true, MessageFormat: "text"})
}

func (n *Notifier) text(ev notifier.Event) string {
	ev.RunID = n.runID
	return ev.Text()
}

func (n *Notifier) send(ctx context.Context, ev notifier.Event, m message) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+n.token)
	if err := n.poster.PostJSON(ctx, n.endpoint, h, m); err != nil {
		log.Error().Err(err).
			Str("action", "notify").
			Str("notifier", n.name).
			Str("source", ev.SourceID).
			Str("status", ev.Status).
			Msg("hipchat notification failed")
	}
}
