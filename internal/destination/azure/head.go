package azure

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// headSizeAndSHA does a direct HEAD (SAS) to read Content-Length and x-ms-meta-sha256.
func (p *Destination) headSizeAndSHA(ctx context.Context, key string) (int64, string, error) {
	segments := strings.Split(normalizeKey(key), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	target := p.endpoint + p.container + "/" + strings.Join(segments, "/") + "?" + p.sas

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, http.NoBody)
	if err != nil {
		return 0, "", err
	}
	resp, err := p.env.HTTP().Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		// SAS query string stays out of the error.
		return 0, "", &headStatusError{code: resp.StatusCode, status: resp.Status, key: key}
	}

	cl := resp.Header.Get("Content-Length")
	if cl == "" {
		return 0, "", fmt.Errorf("missing Content-Length")
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse Content-Length: %w", err)
	}
	return n, resp.Header.Get("x-ms-meta-sha256"), nil
}

type headStatusError struct {
	code   int
	status string
	key    string
}

func (e *headStatusError) Error() string { return fmt.Sprintf("HEAD %s: %s", e.key, e.status) }
