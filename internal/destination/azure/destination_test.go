package azure

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/config/configtest"
	"github.com/Chapsvision-dev/backups/internal/fsutil"
	"github.com/Chapsvision-dev/backups/internal/naming"
	"github.com/Chapsvision-dev/backups/internal/retry"
)

func TestStore_UploadsAndValidatesWithSAS(t *testing.T) {
	fake := newFakeBlob(t)
	art := filepath.Join(t.TempDir(), "backups-folder-etc-1.tar.gz")
	if err := os.WriteFile(art, []byte("tarball bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
	run := naming.Run{ID: "0a1b2c3d-9999", Started: time.Date(2026, 10, 19, 2, 30, 0, 0, time.UTC)}
	sec := configtest.Section(t, "[azure]\nendpoint = "+fake.srv.URL+"/\ncontainer = backups\nprefix = nightly\nsas_token = ?sv=2024&sig=abc\n")
	d, err := New(sec, backend.Env{Run: run, Retry: retry.Options{MaxAttempts: 2, InitialDelay: time.Millisecond}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !d.authViaSAS {
		t.Fatal("SAS auth expected")
	}
	if err := d.Store(context.Background(), art, "etc"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	key := "backups/nightly/etc/etc-20261019T023000Z-0a1b2c3d.tar.gz"
	b, ok := fake.blob(key)
	if !ok {
		t.Fatalf("blob %s not stored; have %v", key, fake.keys())
	}
	if string(b.data) != "tarball bytes" {
		t.Fatalf("content %q", b.data)
	}
	sum, _, _ := fsutil.SHA256File(art)
	if b.sha != sum {
		t.Fatalf("sha256 metadata %q, want %q", b.sha, sum)
	}
	if !fake.sawSAS() {
		t.Fatal("requests must carry the SAS signature")
	}
}

func TestStore_ContainerNotFoundIsPermanent(t *testing.T) {
	fake := newFakeBlob(t)
	fake.listStatus = http.StatusNotFound
	fake.listCode = "ContainerNotFound"

	art := filepath.Join(t.TempDir(), "a.tar.gz")
	_ = os.WriteFile(art, []byte("x"), 0o600)
	sec := configtest.Section(t, "[azure]\nendpoint = "+fake.srv.URL+"\ncontainer = missing\nsas_token = sig=abc\n")
	d, err := New(sec, backend.Env{Retry: retry.Options{MaxAttempts: 3, InitialDelay: time.Millisecond}})
	if err != nil {
		t.Fatal(err)
	}
	err = d.Store(context.Background(), art, "a")
	if err == nil || !strings.Contains(err.Error(), `container "missing" not found`) {
		t.Fatalf("want not found error, got %v", err)
	}
	if n := fake.listCalls(); n != 1 {
		t.Fatalf("container check must not be retried, got %d calls", n)
	}
}

func TestIsAzRetryable(t *testing.T) {
	p := &Destination{}
	cases := []struct {
		err  error
		want bool
	}{
		{&azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}, true},
		{&azcore.ResponseError{StatusCode: http.StatusTooManyRequests}, true},
		{&azcore.ResponseError{StatusCode: http.StatusForbidden}, false},
		{&azcore.ResponseError{StatusCode: http.StatusBadRequest, ErrorCode: "ServerBusy"}, true},
		{&headStatusError{code: http.StatusBadGateway}, true},
		{&headStatusError{code: http.StatusNotFound}, false},
		{errors.New("size mismatch"), false},
	}
	for i, c := range cases {
		if got := p.isAzRetryable(c.err); got != c.want {
			t.Errorf("case %d (%v): got %v want %v", i, c.err, got, c.want)
		}
	}
}

func TestNewClient_Priority(t *testing.T) {
	ci, err := newClient(settings{Account: "acct", Container: "c", SASToken: "?sig=1"})
	if err != nil {
		t.Fatal(err)
	}
	if ci.auth != authSAS || ci.endpoint != "https://acct.blob.core.windows.net/" || ci.sas != "sig=1" {
		t.Fatalf("unexpected client info: %+v", ci)
	}
	ci, err = newClient(settings{Account: "acct", TenantID: "t", ClientID: "c", ClientSecret: "s"})
	if err != nil {
		t.Fatal(err)
	}
	if ci.auth != authServicePrincipal {
		t.Fatalf("want service principal, got %s", ci.auth)
	}
}

func TestNew_RequiresAccountOrEndpoint(t *testing.T) {
	_, err := New(configtest.Section(t, "[azure]\ncontainer = c\n"), backend.Env{})
	if err == nil || !strings.Contains(err.Error(), "account is required") {
		t.Fatalf("want account error, got %v", err)
	}
}

/* ------------------------------ fake service ------------------------------ */

type storedBlob struct {
	data []byte
	sha  string
}

type fakeBlob struct {
	srv *httptest.Server

	mu         sync.Mutex
	blobs      map[string]storedBlob
	blocks     map[string][]byte
	lists      int
	sas        bool
	listStatus int
	listCode   string
}

func newFakeBlob(t *testing.T) *fakeBlob {
	t.Helper()
	f := &fakeBlob{blobs: map[string]storedBlob{}, blocks: map[string][]byte{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBlob) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q := r.URL.Query()
	if q.Get("sig") != "" {
		f.sas = true
	}
	key := strings.TrimPrefix(r.URL.Path, "/")
	w.Header().Set("x-ms-request-id", "req-1")
	w.Header().Set("x-ms-version", "2025-01-05")

	switch {
	case r.Method == http.MethodGet && q.Get("comp") == "list":
		f.lists++
		if f.listStatus != 0 {
			w.Header().Set("x-ms-error-code", f.listCode)
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(f.listStatus)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="utf-8"?><Error><Code>`+f.listCode+`</Code><Message>nope</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="utf-8"?><EnumerationResults ServiceEndpoint="`+f.srv.URL+`/" ContainerName="`+key+`"><MaxResults>1</MaxResults><Blobs></Blobs><NextMarker /></EnumerationResults>`)

	case r.Method == http.MethodPut && q.Get("comp") == "block":
		b, _ := io.ReadAll(r.Body)
		f.blocks[key+"#"+q.Get("blockid")] = b
		w.WriteHeader(http.StatusCreated)

	case r.Method == http.MethodPut && q.Get("comp") == "blocklist":
		var bl struct {
			Latest []string `xml:"Latest"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = xml.Unmarshal(body, &bl)
		var data []byte
		for _, id := range bl.Latest {
			data = append(data, f.blocks[key+"#"+id]...)
		}
		f.blobs[key] = storedBlob{data: data, sha: r.Header.Get("x-ms-meta-sha256")}
		w.Header().Set("ETag", `"0x1"`)
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusCreated)

	case r.Method == http.MethodPut:
		b, _ := io.ReadAll(r.Body)
		f.blobs[key] = storedBlob{data: b, sha: r.Header.Get("x-ms-meta-sha256")}
		w.Header().Set("ETag", `"0x1"`)
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusCreated)

	case r.Method == http.MethodHead:
		b, ok := f.blobs[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(b.data)))
		w.Header().Set("x-ms-meta-sha256", b.sha)
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (f *fakeBlob) blob(key string) (storedBlob, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[key]
	return b, ok
}

func (f *fakeBlob) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.blobs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (f *fakeBlob) sawSAS() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sas
}

func (f *fakeBlob) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}
