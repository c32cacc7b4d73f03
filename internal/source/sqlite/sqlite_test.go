package sqlite

import (
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/config/configtest"
)

func seed(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	for _, q := range []string{
		"CREATE TABLE jobs (id INTEGER PRIMARY KEY, name TEXT)",
		"INSERT INTO jobs (name) VALUES ('etc'), ('app'), ('www')",
	} {
		if _, err := db.Exec(q); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
	}
}

func TestProduce_SnapshotIsRestorable(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "app.db")
	seed(t, dbPath)

	tmp := t.TempDir()
	s, err := New("app", configtest.Section(t, "[sqlite-app]\npath = "+dbPath+"\n"), backend.Env{TempDir: tmp})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	art, err := s.Produce(context.Background())
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if !strings.HasSuffix(art, ".db.gz") {
		t.Fatalf("artifact %q", art)
	}
	entries, _ := os.ReadDir(tmp)
	if len(entries) != 1 {
		t.Fatalf("scratch files left behind: %v", entries)
	}

	restored := filepath.Join(t.TempDir(), "restored.db")
	in, err := os.Open(art)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	zr, err := gzip.NewReader(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := os.Create(restored)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.Copy(out, zr); err != nil {
		t.Fatal(err)
	}
	_ = out.Close()

	db, err := sql.Open("sqlite", restored)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM jobs").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("want 3 rows, got %d", n)
	}
}

func TestProduce_MissingDatabase(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.db")
	tmp := t.TempDir()
	s, err := New("x", configtest.Section(t, "[sqlite-x]\npath = "+missing+"\n"), backend.Env{TempDir: tmp})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Produce(context.Background()); err == nil {
		t.Fatal("want error")
	}
	if _, err := os.Stat(missing); !os.IsNotExist(err) {
		t.Fatal("a missing database must not be created")
	}
	entries, _ := os.ReadDir(tmp)
	if len(entries) != 0 {
		t.Fatalf("tmp not empty: %v", entries)
	}
}
