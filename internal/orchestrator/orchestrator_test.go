package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/config"
	"github.com/Chapsvision-dev/backups/internal/config/configtest"
	"github.com/Chapsvision-dev/backups/internal/destination"
	"github.com/Chapsvision-dev/backups/internal/destination/directory"
	"github.com/Chapsvision-dev/backups/internal/naming"
	"github.com/Chapsvision-dev/backups/internal/notifier"
	"github.com/Chapsvision-dev/backups/internal/source"
	"github.com/Chapsvision-dev/backups/internal/source/folder"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

/* ----------------------------- test harness ----------------------------- */

// journal records every backend call in order.
type journal struct{ calls []string }

func (j *journal) add(s string) { j.calls = append(j.calls, s) }

func (j *journal) count(prefix string) int {
	n := 0
	for _, c := range j.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (j *journal) String() string { return strings.Join(j.calls, " ") }

// newRun builds an orchestrator whose artifact removal is journaled.
func newRun(t *testing.T, j *journal, srcs []source.Source, dsts []destination.Destination, nots []notifier.Notifier) *Orchestrator {
	t.Helper()
	o, err := New(srcs, dsts, nots, Options{Host: "db01"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	o.remove = func(p string) error {
		j.add("remove:" + filepath.Base(p))
		return os.Remove(p)
	}
	return o
}

/* --------------------------------- tests -------------------------------- */

func TestNew_NoDestinationIsConfigError(t *testing.T) {
	j := &journal{}
	src := &fakeSource{j: j, id: "etc"}
	_, err := New([]source.Source{src}, nil, nil, Options{})
	var ce *config.Error
	if !errors.As(err, &ce) {
		t.Fatalf("want *config.Error, got %v", err)
	}
	if len(j.calls) != 0 {
		t.Fatalf("no source may be invoked: %s", j)
	}
}

func TestNew_NoSourceIsConfigError(t *testing.T) {
	_, err := New(nil, []destination.Destination{&fakeDestination{name: "s3"}}, nil, Options{})
	var ce *config.Error
	if !errors.As(err, &ce) {
		t.Fatalf("want *config.Error, got %v", err)
	}
}

func TestRun_EverySourceProcessedOnce(t *testing.T) {
	j := &journal{}
	tmp := t.TempDir()
	srcs := []source.Source{
		&fakeSource{j: j, id: "a", dir: tmp},
		&fakeSource{j: j, id: "b", err: errors.New("dump failed")},
		&fakeSource{j: j, id: "c", dir: tmp},
		&fakeSource{j: j, id: "d", panicMsg: "nil map"},
	}
	dst := &fakeDestination{j: j, name: "s3", failFor: map[string]bool{"c": true}}
	o := newRun(t, j, srcs, []destination.Destination{dst}, nil)

	out := o.Run(context.Background())
	if len(out) != 4 || j.count("produce:") != 4 {
		t.Fatalf("want 4 steps, got %d outcomes / %s", len(out), j)
	}
	for i, id := range []string{"a", "b", "c", "d"} {
		if out[i].SourceID != id {
			t.Fatalf("outcome %d is %q, want %q", i, out[i].SourceID, id)
		}
	}
	if !out[0].Succeeded() || out[1].Succeeded() || out[2].Succeeded() || out[3].Succeeded() {
		t.Fatalf("unexpected outcomes: %+v", out)
	}
	if !strings.Contains(out[3].Err.Error(), "panic: nil map") {
		t.Fatalf("panic not captured: %v", out[3].Err)
	}
}

func TestRun_CleanupOnceEvenWhenEverythingDownstreamFails(t *testing.T) {
	j := &journal{}
	src := &fakeSource{j: j, id: "etc", dir: t.TempDir()}
	dst := &fakeDestination{j: j, name: "s3", panicMsg: "sdk bug"}
	nots := []notifier.Notifier{
		&fakeNotifier{j: j, name: "smtp", panicMsg: "smtp bug"},
		&fakeNotifier{j: j, name: "hipchat", panicMsg: "hipchat bug"},
	}
	o := newRun(t, j, []source.Source{src}, []destination.Destination{dst}, nots)

	out := o.Run(context.Background())
	if j.count("remove:") != 1 {
		t.Fatalf("want exactly one removal, got %s", j)
	}
	if _, err := os.Stat(src.produced); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("artifact still present: %v", err)
	}
	var de *DestinationError
	if !errors.As(out[0].Err, &de) || de.Destination != "s3" {
		t.Fatalf("want DestinationError from s3, got %v", out[0].Err)
	}
	// removal happens after notification
	if last := j.calls[len(j.calls)-1]; !strings.HasPrefix(last, "remove:") {
		t.Fatalf("cleanup must be the last call: %s", j)
	}
}

func TestRun_ProduceFailureSkipsStoreAndCleanup(t *testing.T) {
	j := &journal{}
	src := &fakeSource{j: j, id: "app", err: errors.New("mysqldump exited 2")}
	dst := &fakeDestination{j: j, name: "s3"}
	not := &fakeNotifier{j: j, name: "smtp"}
	o := newRun(t, j, []source.Source{src}, []destination.Destination{dst}, []notifier.Notifier{not})

	out := o.Run(context.Background())
	if j.count("store:") != 0 || j.count("remove:") != 0 {
		t.Fatalf("no store or cleanup expected: %s", j)
	}
	var se *SourceError
	if !errors.As(out[0].Err, &se) || se.SourceID != "app" {
		t.Fatalf("want SourceError, got %v", out[0].Err)
	}
	if out[0].Artifact != "" {
		t.Fatalf("artifact must be empty: %q", out[0].Artifact)
	}
	if got := j.String(); got != "produce:app failure:smtp:app" {
		t.Fatalf("calls: %s", got)
	}
}

func TestRun_ExactlyOneReportPerNotifier(t *testing.T) {
	j := &journal{}
	tmp := t.TempDir()
	srcs := []source.Source{
		&fakeSource{j: j, id: "ok", dir: tmp},
		&fakeSource{j: j, id: "bad", err: errors.New("x")},
	}
	nots := []notifier.Notifier{
		&fakeNotifier{j: j, name: "smtp"},
		&fakeNotifier{j: j, name: "hipchat"},
	}
	o := newRun(t, j, srcs, []destination.Destination{&fakeDestination{j: j, name: "s3"}}, nots)
	o.Run(context.Background())

	for _, n := range []string{"smtp", "hipchat"} {
		if c := j.count("success:" + n + ":ok"); c != 1 {
			t.Fatalf("%s success reports for ok: %d (%s)", n, c, j)
		}
		if c := j.count("failure:" + n + ":ok"); c != 0 {
			t.Fatalf("%s must not get a failure for ok", n)
		}
		if c := j.count("failure:" + n + ":bad"); c != 1 {
			t.Fatalf("%s failure reports for bad: %d", n, c)
		}
		if c := j.count("success:" + n + ":bad"); c != 0 {
			t.Fatalf("%s must not get a success for bad", n)
		}
	}
}

func TestRun_DestinationsFailFastInOrder(t *testing.T) {
	j := &journal{}
	src := &fakeSource{j: j, id: "etc", dir: t.TempDir()}
	dsts := []destination.Destination{
		&fakeDestination{j: j, name: "A"},
		&fakeDestination{j: j, name: "B", failFor: map[string]bool{"etc": true}},
		&fakeDestination{j: j, name: "C"},
	}
	o := newRun(t, j, []source.Source{src}, dsts, nil)
	out := o.Run(context.Background())

	if j.count("store:A") != 1 || j.count("store:B") != 1 || j.count("store:C") != 0 {
		t.Fatalf("calls: %s", j)
	}
	var de *DestinationError
	if !errors.As(out[0].Err, &de) || de.Destination != "B" || de.SourceID != "etc" {
		t.Fatalf("want DestinationError from B, got %v", out[0].Err)
	}
}

func TestRun_FailureIsolation(t *testing.T) {
	j := &journal{}
	srcs := []source.Source{
		&fakeSource{j: j, id: "X", err: errors.New("dump failed")},
		&fakeSource{j: j, id: "Y", dir: t.TempDir()},
	}
	o := newRun(t, j, srcs, []destination.Destination{&fakeDestination{j: j, name: "s3"}}, []notifier.Notifier{&fakeNotifier{j: j, name: "smtp"}})
	o.Run(context.Background())

	want := "produce:X failure:smtp:X produce:Y store:s3:Y success:smtp:Y remove:Y.tar.gz"
	if got := j.String(); got != want {
		t.Fatalf("calls:\n got %s\nwant %s", got, want)
	}
}

func TestRun_RecorderSeesEveryOutcome(t *testing.T) {
	j := &journal{}
	rec := &fakeRecorder{}
	srcs := []source.Source{
		&fakeSource{j: j, id: "a", dir: t.TempDir()},
		&fakeSource{j: j, id: "b", err: errors.New("x")},
	}
	o, err := New(srcs, []destination.Destination{&fakeDestination{j: j, name: "s3"}}, nil, Options{Recorder: rec})
	if err != nil {
		t.Fatal(err)
	}
	o.Run(context.Background())
	if len(rec.outcomes) != 2 || !rec.outcomes[0].Succeeded() || rec.outcomes[1].Succeeded() {
		t.Fatalf("recorded: %+v", rec.outcomes)
	}
}

// folder-etc succeeds to s3, mysql-app fails at dump; smtp hears about both.
func TestRun_FolderAndMysqlScenario(t *testing.T) {
	j := &journal{}
	tmp := t.TempDir()
	etc := t.TempDir()
	if err := os.WriteFile(filepath.Join(etc, "hosts"), []byte("127.0.0.1 localhost\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	env := backend.Env{Host: "db01", TempDir: tmp}
	folderEtc, err := folder.New("etc", configtest.Section(t, "[folder-etc]\npath = "+etc+"\n"), env)
	if err != nil {
		t.Fatal(err)
	}
	mysqlApp := &fakeSource{j: j, id: "app", typ: "mysql", err: errors.New("mysqldump: Got error: 1045")}
	s3 := &fakeDestination{j: j, name: "s3"}
	smtp := &fakeNotifier{j: j, name: "smtp"}

	o := newRun(t, j, []source.Source{folderEtc, mysqlApp}, []destination.Destination{s3}, []notifier.Notifier{smtp})
	out := o.Run(context.Background())

	if len(smtp.reports) != 2 {
		t.Fatalf("want 2 reports, got %+v", smtp.reports)
	}
	ok := smtp.reports[0]
	if !ok.success || ok.sourceID != "etc" || ok.sourceType != "folder" || ok.host != "db01" || !strings.HasSuffix(ok.artifact, ".tar.gz") {
		t.Fatalf("success report: %+v", ok)
	}
	ko := smtp.reports[1]
	if ko.success || ko.sourceID != "app" || !strings.Contains(ko.cause.Error(), "1045") {
		t.Fatalf("failure report: %+v", ko)
	}
	if s3.stored["etc"] == "" {
		t.Fatal("s3 never received folder-etc")
	}
	if _, err := os.Stat(s3.stored["etc"]); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("folder-etc temp file must be gone: %v", err)
	}
	entries, _ := os.ReadDir(tmp)
	if len(entries) != 0 {
		t.Fatalf("temp dir not empty: %v", entries)
	}
	if j.count("remove:") != 1 {
		t.Fatalf("only folder-etc is cleaned up: %s", j)
	}
	if !out[0].Succeeded() || out[1].Succeeded() {
		t.Fatalf("outcomes: %+v", out)
	}
}

func TestRun_SuccessReportNamesStoredObject(t *testing.T) {
	j := &journal{}
	run := naming.Run{ID: "3f2a9c1e-7b44-4d1a-9e0f-0123456789ab", Started: time.Date(2026, 10, 19, 2, 30, 0, 0, time.UTC)}
	src := &fakeSource{j: j, id: "etc", dir: t.TempDir()}
	smtp := &fakeNotifier{j: j, name: "smtp"}
	o, err := New([]source.Source{src}, []destination.Destination{&fakeDestination{j: j, name: "s3"}}, []notifier.Notifier{smtp}, Options{Run: run})
	if err != nil {
		t.Fatal(err)
	}
	out := o.Run(context.Background())

	want := "etc-20261019T023000Z-3f2a9c1e.tar.gz"
	if len(smtp.reports) != 1 || smtp.reports[0].artifact != want {
		t.Fatalf("want report naming %q, got %+v", want, smtp.reports)
	}
	if out[0].Artifact != want {
		t.Fatalf("outcome artifact: %q", out[0].Artifact)
	}
}

func TestRun_TwiceKeepsBothArtifacts(t *testing.T) {
	data := t.TempDir()
	if err := os.WriteFile(filepath.Join(data, "a.txt"), []byte("same data"), 0o600); err != nil {
		t.Fatal(err)
	}
	store := t.TempDir()
	started := time.Date(2026, 10, 19, 2, 30, 0, 0, time.UTC)

	for _, id := range []string{"11111111-aaaa", "22222222-bbbb"} {
		env := backend.Env{TempDir: t.TempDir(), Run: naming.Run{ID: id, Started: started}}
		src, err := folder.New("data", configtest.Section(t, "[folder-data]\npath = "+data+"\n"), env)
		if err != nil {
			t.Fatal(err)
		}
		dst, err := directory.New(configtest.Section(t, "[directory]\npath = "+store+"\n"), env)
		if err != nil {
			t.Fatal(err)
		}
		o, err := New([]source.Source{src}, []destination.Destination{dst}, nil, Options{})
		if err != nil {
			t.Fatal(err)
		}
		if out := o.Run(context.Background()); !out[0].Succeeded() {
			t.Fatalf("run %s: %v", id, out[0].Err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(store, "data"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("want two stored artifacts, got %d", len(entries))
	}
	if entries[0].Name() == entries[1].Name() {
		t.Fatal("runs must not share an object name")
	}
}

/* --------------------------------- fakes -------------------------------- */

type fakeSource struct {
	j        *journal
	id, typ  string
	dir      string // where to write the artifact
	err      error
	panicMsg string

	produced string
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) Type() string {
	if f.typ == "" {
		return "fake"
	}
	return f.typ
}

func (f *fakeSource) Produce(context.Context) (string, error) {
	f.j.add("produce:" + f.id)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return "", f.err
	}
	p := filepath.Join(f.dir, f.id+".tar.gz")
	if err := os.WriteFile(p, []byte("artifact "+f.id), 0o600); err != nil {
		return "", err
	}
	f.produced = p
	return p, nil
}

type fakeDestination struct {
	j        *journal
	name     string
	failFor  map[string]bool
	panicMsg string

	stored map[string]string
}

func (f *fakeDestination) Name() string { return f.name }

func (f *fakeDestination) Store(_ context.Context, artifact, logicalName string) error {
	if f.j != nil {
		f.j.add("store:" + f.name + ":" + logicalName)
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.failFor[logicalName] {
		return errors.New("403 Forbidden")
	}
	if _, err := os.Stat(artifact); err != nil {
		return err
	}
	if f.stored == nil {
		f.stored = map[string]string{}
	}
	f.stored[logicalName] = artifact
	return nil
}

type report struct {
	success                    bool
	sourceID, sourceType, host string
	artifact                   string
	cause                      error
}

type fakeNotifier struct {
	j        *journal
	name     string
	panicMsg string

	reports []report
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) ReportSuccess(_ context.Context, sourceID, sourceType, host, artifactName string) {
	f.j.add("success:" + f.name + ":" + sourceID)
	f.reports = append(f.reports, report{success: true, sourceID: sourceID, sourceType: sourceType, host: host, artifact: artifactName})
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
}

func (f *fakeNotifier) ReportFailure(_ context.Context, sourceID, sourceType, host string, cause error) {
	f.j.add("failure:" + f.name + ":" + sourceID)
	f.reports = append(f.reports, report{sourceID: sourceID, sourceType: sourceType, host: host, cause: cause})
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
}

type fakeRecorder struct{ outcomes []Outcome }

func (f *fakeRecorder) Record(o Outcome) { f.outcomes = append(f.outcomes, o) }
