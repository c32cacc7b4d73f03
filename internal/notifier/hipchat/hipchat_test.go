package hipchat

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/config/configtest"
	"github.com/Chapsvision-dev/backups/internal/naming"
	"github.com/Chapsvision-dev/backups/internal/retry"
)

type captured struct {
	path string
	auth string
	msg  message
}

func newServer(t *testing.T, status int) (*httptest.Server, chan captured) {
	t.Helper()
	ch := make(chan captured, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var m message
		if err := json.Unmarshal(b, &m); err != nil {
			t.Errorf("decode: %v", err)
		}
		ch <- captured{path: r.URL.Path, auth: r.Header.Get("Authorization"), msg: m}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func env() backend.Env {
	return backend.Env{
		Run:   naming.Run{ID: "run-1", Started: time.Now()},
		Retry: retry.Once,
	}
}

func TestReportFailure_NotifiesRoomInRed(t *testing.T) {
	srv, ch := newServer(t, http.StatusNoContent)
	n, err := New(configtest.Section(t, "[hipchat]\nserver = "+srv.URL+"\nroom = Ops Room\ntoken = tkn\n"), env())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.ReportFailure(context.Background(), "app", "mysql", "db01", errors.New("boom"))

	got := <-ch
	if got.path != "/v2/room/Ops%20Room/notification" && got.path != "/v2/room/Ops Room/notification" {
		t.Fatalf("path: %q", got.path)
	}
	if got.auth != "Bearer tkn" {
		t.Fatalf("auth: %q", got.auth)
	}
	if got.msg.Color != "red" || !got.msg.Notify {
		t.Fatalf("unexpected message: %+v", got.msg)
	}
	if !strings.Contains(got.msg.Message, "boom") || !strings.Contains(got.msg.Message, "run-1") {
		t.Fatalf("message body: %q", got.msg.Message)
	}
}

func TestReportSuccess_QuietByDefault(t *testing.T) {
	srv, ch := newServer(t, http.StatusNoContent)
	n, err := New(configtest.Section(t, "[hipchat]\nserver = "+srv.URL+"\nroom = 42\ntoken = tkn\n"), env())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.ReportSuccess(context.Background(), "etc", "folder", "db01", "etc.tar.gz")
	got := <-ch
	if got.msg.Color != "green" || got.msg.Notify {
		t.Fatalf("unexpected message: %+v", got.msg)
	}
}

func TestReport_DeliveryErrorIsSwallowed(t *testing.T) {
	srv, ch := newServer(t, http.StatusInternalServerError)
	n, err := New(configtest.Section(t, "[hipchat]\nserver = "+srv.URL+"\nroom = 42\ntoken = tkn\n"), env())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.ReportSuccess(context.Background(), "etc", "folder", "db01", "etc.tar.gz")
	<-ch
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New(configtest.Section(t, "[hipchat]\nroom = 42\n"), env())
	if err == nil || !strings.Contains(err.Error(), "token is required") {
		t.Fatalf("want token error, got %v", err)
	}
}
