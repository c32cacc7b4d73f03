package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/backups/internal/version"
)

// ErrNoToken is returned by the token method when no token is configured.
var ErrNoToken = errors.New("no token available for vault auth")

const loginTimeout = 10 * time.Second

// authenticator yields a Vault client token. No renewal: one token per snapshot.
type authenticator interface {
	acquire(ctx context.Context) (string, error)
}

func newAuthenticator(s settings, client *http.Client) (authenticator, error) {
	switch s.AuthMethod {
	case "kubernetes":
		if strings.TrimSpace(s.Role) == "" {
			return nil, errors.New("kubernetes auth requires kubernetes_role")
		}
		return &kubernetesAuth{
			addr:     s.Address,
			mount:    strings.Trim(s.Mount, "/"),
			role:     s.Role,
			jwtFile:  s.JWTFile,
			audience: s.Audience,
			client:   client,
		}, nil
	default:
		return tokenAuth(strings.TrimSpace(s.Token)), nil
	}
}

type tokenAuth string

func (t tokenAuth) acquire(context.Context) (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

// kubernetesAuth exchanges the pod's ServiceAccount JWT for a client token.
type kubernetesAuth struct {
	addr, mount, role string
	jwtFile, audience string
	client            *http.Client
}

func (k *kubernetesAuth) acquire(ctx context.Context) (string, error) {
	jwt, err := os.ReadFile(k.jwtFile)
	if err != nil {
		return "", fmt.Errorf("read jwt: %w", err)
	}
	body := map[string]string{
		"role": k.role,
		"jwt":  strings.TrimSpace(string(jwt)),
	}
	if k.audience != "" {
		body["audience"] = k.audience
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()
	url := fmt.Sprintf("%s/v1/auth/%s/login", k.addr, k.mount)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := k.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault login request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("vault login failed: %s (%s)", resp.Status, strings.TrimSpace(string(data)))
	}
	var out struct {
		Auth struct {
			ClientToken string `json:"client_token"`
		} `json:"auth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode vault response: %w", err)
	}
	if out.Auth.ClientToken == "" {
		return "", errors.New("vault login: empty client_token")
	}

	log.Debug().
		Str("action", "vault_auth").
		Str("method", "kubernetes").
		Str("mount", k.mount).
		Str("role", k.role).
		Msg("kubernetes login OK")
	return out.Auth.ClientToken, nil
}
