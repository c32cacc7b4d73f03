// Package vault takes HashiCorp Vault integrated-storage (raft) snapshots.
//
// The snapshot is fetched from the cluster leader (standbys redirect or are
// discovered through /v1/sys/leader) and stored as-is: Vault already returns
// a gzip-compressed archive.
package vault

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/config"
	"github.com/Chapsvision-dev/backups/internal/fsutil"
	"github.com/Chapsvision-dev/backups/internal/retry"
	"github.com/Chapsvision-dev/backups/internal/source"
)

// Type is the section prefix handled by this package.
const Type = "vault"

// Defaults for the [vault-<id>] keys.
const (
	DefaultAddress        = "http://127.0.0.1:8200"
	DefaultKubernetesJWT  = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	DefaultKubernetesPath = "kubernetes"
	DefaultTimeout        = 10 * time.Minute
	DefaultRequestTimeout = 2 * time.Minute
)

type settings struct {
	Address        string        `ini:"address" validate:"required,http_url"`
	AuthMethod     string        `ini:"auth_method" validate:"oneof=token kubernetes"`
	Token          string        `ini:"token"`
	Role           string        `ini:"kubernetes_role"`
	Mount          string        `ini:"kubernetes_mount"`
	JWTFile        string        `ini:"kubernetes_jwt_file"`
	Audience       string        `ini:"kubernetes_audience"`
	Timeout        time.Duration `ini:"timeout" validate:"gt=0"`
	RequestTimeout time.Duration `ini:"request_timeout" validate:"gt=0"`
}

// Source downloads one raft snapshot per Produce.
type Source struct {
	id     string
	s      settings
	auth   authenticator
	client *http.Client
	ro     retry.Options
	tmpDir string
}

func init() {
	source.Register(Type, func(id string, sec config.Section, env backend.Env) (source.Source, error) {
		return New(id, sec, env)
	})
}

// New builds the source from its [vault-<id>] section.
func New(id string, sec config.Section, env backend.Env) (*Source, error) {
	s := settings{
		Address:        DefaultAddress,
		AuthMethod:     "token",
		Mount:          DefaultKubernetesPath,
		JWTFile:        DefaultKubernetesJWT,
		Timeout:        DefaultTimeout,
		RequestTimeout: DefaultRequestTimeout,
	}
	if err := sec.Decode(&s); err != nil {
		return nil, err
	}
	s.Address = strings.TrimRight(s.Address, "/")

	client := env.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: s.RequestTimeout}
	}
	// Redirects to the leader are followed by hand so the token header
	// is only re-sent to the address Vault designates.
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	a, err := newAuthenticator(s, &c)
	if err != nil {
		return nil, &config.Error{Section: sec.Name(), Msg: err.Error()}
	}
	return &Source{id: id, s: s, auth: a, client: &c, ro: env.Retry, tmpDir: env.TempDir}, nil
}

func (s *Source) ID() string   { return s.id }
func (s *Source) Type() string { return Type }

// Produce writes <tmp>/backups-vault-<id>-*.snap.
func (s *Source) Produce(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.s.Timeout)
	defer cancel()

	start := time.Now()
	token, err := s.auth.acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("vault auth (%s): %w", s.s.AuthMethod, err)
	}

	out, err := fsutil.CreatePrivate(s.tmpDir, "backups-vault-"+s.id+"-*.snap")
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	n, attempts, err := s.download(ctx, token, out)
	if err != nil {
		fsutil.Discard(out)
		return "", fmt.Errorf("vault snapshot: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("close artifact: %w", err)
	}

	log.Info().
		Str("action", "vault_snapshot").
		Str("source", s.id).
		Str("address", s.s.Address).
		Int64("bytes", n).
		Int("attempts", attempts).
		Str("artifact", out.Name()).
		Dur("elapsed_ms", time.Since(start)).
		Msg("snapshot OK")
	return out.Name(), nil
}
