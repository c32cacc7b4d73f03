// Package webhook posts JSON payloads to chat services. Each Poster owns a
// circuit breaker so that an unreachable endpoint is not retried once per source
// for the whole run.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/retry"
	"github.com/Chapsvision-dev/backups/internal/version"
)

// Breaker settings: open after this many consecutive failed requests, stay open for BreakerTimeout.
const (
	BreakerThreshold = 5
	BreakerTimeout   = 2 * time.Minute
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Poster sends JSON bodies with retries behind a circuit breaker.
type Poster struct {
	name   string
	client *http.Client
	ro     retry.Options
	cb     *gobreaker.CircuitBreaker[struct{}]
}

// New returns a Poster named after the notifier using it.
func New(name string, env backend.Env) *Poster {
	return &Poster{
		name:   name,
		client: env.HTTP(),
		ro:     env.Retry,
		cb: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:    name,
			Timeout: BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= BreakerThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("action", "notify_breaker").
					Str("notifier", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit breaker state change")
			},
		}),
	}
}

// State exposes the breaker state, mostly for tests.
func (p *Poster) State() gobreaker.State { return p.cb.State() }

// PostJSON marshals body and POSTs it to url. header may be nil.
func (p *Poster) PostJSON(ctx context.Context, url string, header http.Header, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	start := time.Now()
	attempt := 0
	once := func(ctx context.Context) error {
		attempt++
		_, err := p.cb.Execute(func() (struct{}, error) {
			return struct{}{}, p.post(ctx, url, header, payload)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return retry.Permanent(err)
		}
		if err != nil {
			log.Debug().Err(err).Str("action", "notify_post").Str("notifier", p.name).
				Int("attempt", attempt).Msg("attempt failed")
		}
		return err
	}
	if err := retry.Do(ctx, p.ro, isRetryable, once); err != nil {
		return err
	}
	log.Debug().Str("action", "notify_post").Str("notifier", p.name).
		Int("attempts", attempt).Dur("elapsed_ms", time.Since(start)).Msg("delivered")
	return nil
}

func (p *Poster) post(ctx context.Context, url string, header http.Header, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// isRetryable: timeouts, connection errors, 5xx, 429 and 408.
func isRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests || se.Code == http.StatusRequestTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
