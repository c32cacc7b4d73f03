package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/backups/internal/retry"
	"github.com/Chapsvision-dev/backups/internal/version"
)

const (
	pathLeader   = "/v1/sys/leader"
	pathSnapshot = "/v1/sys/storage/raft/snapshot"
)

type statusError struct {
	Code       int
	RetryAfter time.Duration
}

func (e *statusError) Error() string { return fmt.Sprintf("http status %d", e.Code) }

// download streams the snapshot into out, restarting from the beginning of
// the file on every attempt.
func (s *Source) download(ctx context.Context, token string, out *os.File) (n int64, attempts int, err error) {
	target := s.leader(ctx, token) + pathSnapshot
	err = retry.Do(ctx, s.ro, isRetryable, func(ctx context.Context) error {
		attempts++
		if _, err := out.Seek(0, io.SeekStart); err != nil {
			return retry.Permanent(err)
		}
		if err := out.Truncate(0); err != nil {
			return retry.Permanent(err)
		}
		var err error
		n, err = s.get(ctx, &target, token, out)
		if err != nil {
			log.Debug().Err(err).Str("action", "vault_snapshot").Str("source", s.id).Int("attempt", attempts).Msg("attempt failed")
			return waitRetryAfter(ctx, err)
		}
		return nil
	})
	return n, attempts, err
}

func (s *Source) get(ctx context.Context, target *string, token string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, *target, http.NoBody)
	if err != nil {
		return 0, retry.Permanent(err)
	}
	req.Header.Set("X-Vault-Token", token)
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTemporaryRedirect || resp.StatusCode == http.StatusPermanentRedirect:
		if loc := resolveRedirect(resp.Request.URL, resp.Header.Get("Location")); loc != "" {
			log.Debug().Str("action", "vault_snapshot").Str("location", loc).Msg("redirect to leader")
			*target = loc
		}
		return 0, &statusError{Code: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, &statusError{Code: resp.StatusCode, RetryAfter: parseRetryAfter(resp)}
	}
	return io.Copy(w, resp.Body)
}

// leader returns the leader's API address, or the configured address when
// discovery fails or the node answers for itself.
func (s *Source) leader(ctx context.Context, token string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.s.Address+pathLeader, http.NoBody)
	if err != nil {
		return s.s.Address
	}
	req.Header.Set("X-Vault-Token", token)
	resp, err := s.client.Do(req)
	if err != nil {
		return s.s.Address
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return s.s.Address
	}

	// Vault answers flat, or wrapped under "data" behind some proxies.
	var body struct {
		LeaderAddress string `json:"leader_address"`
		Data          struct {
			LeaderAddress string `json:"leader_address"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return s.s.Address
	}
	for _, la := range []string{body.LeaderAddress, body.Data.LeaderAddress} {
		if la = strings.TrimRight(strings.TrimSpace(la), "/"); la != "" {
			if la != s.s.Address {
				log.Debug().Str("action", "vault_leader").Str("source", s.id).Str("leader", la).Msg("leader discovered")
			}
			return la
		}
	}
	return s.s.Address
}

// resolveRedirect resolves an absolute or relative Location against base.
func resolveRedirect(base *url.URL, loc string) string {
	if strings.TrimSpace(loc) == "" || base == nil {
		return ""
	}
	u, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}

// parseRetryAfter supports seconds and HTTP-date.
func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

// waitRetryAfter honours a server-requested delay before handing err back to retry.Do.
func waitRetryAfter(ctx context.Context, err error) error {
	var se *statusError
	if !errors.As(err, &se) || se.RetryAfter <= 0 {
		return err
	}
	t := time.NewTimer(se.RetryAfter)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return err
	}
}

// isRetryable: timeouts, connection errors, leader redirects, 429, 408 and 5xx
// (503 is a sealed or standby node).
func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusTooManyRequests, http.StatusRequestTimeout,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			return true
		}
		return se.Code >= 500
	}
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, io.ErrUnexpectedEOF)
}
