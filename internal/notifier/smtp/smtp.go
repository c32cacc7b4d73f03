// Package smtp mails outcomes through an SMTP relay.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/config"
	"github.com/Chapsvision-dev/backups/internal/notifier"
	"github.com/Chapsvision-dev/backups/internal/retry"
)

const dialTimeout = 30 * time.Second

// DefaultTimeout bounds one delivery attempt, greeting to QUIT.
const DefaultTimeout = time.Minute

type settings struct {
	Host          string        `ini:"host" validate:"required"`
	Port          int           `ini:"port" validate:"gte=1,lte=65535"`
	From          string        `ini:"from" validate:"required,email"`
	To            string        `ini:"to" validate:"required"`
	Username      string        `ini:"username"`
	Password      string        `ini:"password"`
	StartTLS      bool          `ini:"starttls"`
	SubjectPrefix string        `ini:"subject_prefix"`
	Timeout       time.Duration `ini:"timeout" validate:"gt=0"`
}

// Notifier sends one plain-text mail per outcome.
type Notifier struct {
	name  string
	s     settings
	to    []string
	runID string
	ro    retry.Options
}

func init() {
	notifier.Register("smtp", func(sec config.Section, env backend.Env) (notifier.Notifier, error) {
		return New(sec, env)
	})
}

// New builds the notifier from its [smtp] section.
func New(sec config.Section, env backend.Env) (*Notifier, error) {
	s := settings{Port: 25, SubjectPrefix: "[backups]", Timeout: DefaultTimeout}
	if err := sec.Decode(&s); err != nil {
		return nil, err
	}
	var to []string
	for _, r := range strings.Split(s.To, ",") {
		if r = strings.TrimSpace(r); r != "" {
			to = append(to, r)
		}
	}
	if len(to) == 0 {
		return nil, &config.Error{Section: sec.Name(), Msg: "to lists no recipient"}
	}
	return &Notifier{name: sec.Name(), s: s, to: to, runID: env.Run.ID, ro: env.Retry}, nil
}

func (n *Notifier) Name() string { return n.name }

func (n *Notifier) ReportSuccess(ctx context.Context, sourceID, sourceType, host, artifactName string) {
	n.deliver(ctx, notifier.SuccessEvent(sourceID, sourceType, host, artifactName))
}

func (n *Notifier) ReportFailure(ctx context.Context, sourceID, sourceType, host string, cause error) {
	n.deliver(ctx, notifier.FailureEvent(sourceID, sourceType, host, cause))
}

func (n *Notifier) deliver(ctx context.Context, ev notifier.Event) {
	ev.RunID = n.runID
	msg := n.buildMessage(ev)

	start := time.Now()
	attempt := 0
	err := retry.Do(ctx, n.ro, isTransient, func(ctx context.Context) error {
		attempt++
		err := n.send(ctx, msg)
		if err != nil {
			log.Debug().Err(err).Str("action", "notify_smtp").Int("attempt", attempt).Msg("attempt failed")
		}
		return err
	})
	if err != nil {
		log.Error().Err(err).
			Str("action", "notify").
			Str("notifier", n.name).
			Str("source", ev.SourceID).
			Str("status", ev.Status).
			Msg("mail notification failed")
		return
	}
	log.Debug().Str("action", "notify_smtp").Str("source", ev.SourceID).
		Int("attempts", attempt).Dur("elapsed_ms", time.Since(start)).Msg("mail sent")
}

func (n *Notifier) buildMessage(ev notifier.Event) string {
	var msg strings.Builder
	subject := ev.Subject()
	if n.s.SubjectPrefix != "" {
		subject = n.s.SubjectPrefix + " " + subject
	}
	fmt.Fprintf(&msg, "From: %s\r\n", n.s.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(n.to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", ev.Time.Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(strings.ReplaceAll(ev.Text(), "\n", "\r\n"))
	return msg.String()
}

func (n *Notifier) send(ctx context.Context, msg string) error {
	addr := net.JoinHostPort(n.s.Host, strconv.Itoa(n.s.Port))

	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to SMTP server: %w", err)
	}
	defer func() { _ = conn.Close() }()
	deadline := time.Now().Add(n.s.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, n.s.Host)
	if err != nil {
		return fmt.Errorf("create SMTP client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if n.s.StartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: n.s.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("start TLS: %w", err)
		}
	}
	if n.s.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", n.s.Username, n.s.Password, n.s.Host)); err != nil {
			return retry.Permanent(fmt.Errorf("SMTP authentication: %w", err))
		}
	}
	if err := client.Mail(n.s.From); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	for _, rcpt := range n.to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("set recipient %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("start message: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	_ = client.Quit()
	return nil
}

// isTransient: network failures and 4xx SMTP replies. 5xx replies are final.
func isTransient(err error) bool {
	var tp *textproto.Error
	if errors.As(err, &tp) {
		return tp.Code >= 400 && tp.Code < 500
	}
	var ne net.Error
	return errors.As(err, &ne)
}
