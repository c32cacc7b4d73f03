// Package sqlite snapshots a SQLite database with VACUUM INTO and gzips the copy.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/config"
	"github.com/Chapsvision-dev/backups/internal/fsutil"
	"github.com/Chapsvision-dev/backups/internal/source"
)

// Type is the section prefix handled by this package.
const Type = "sqlite"

type settings struct {
	Path        string        `ini:"path" validate:"required"`
	BusyTimeout time.Duration `ini:"busy_timeout" validate:"gte=0"`
}

// Source produces a consistent copy of a live SQLite file.
type Source struct {
	id          string
	path        string
	busyTimeout time.Duration
	tmpDir      string
}

func init() {
	source.Register(Type, func(id string, sec config.Section, env backend.Env) (source.Source, error) {
		return New(id, sec, env)
	})
}

// New builds the source from its [sqlite-<id>] section.
func New(id string, sec config.Section, env backend.Env) (*Source, error) {
	s := settings{BusyTimeout: 5 * time.Second}
	if err := sec.Decode(&s); err != nil {
		return nil, err
	}
	return &Source{id: id, path: s.Path, busyTimeout: s.BusyTimeout, tmpDir: env.TempDir}, nil
}

func (s *Source) ID() string   { return s.id }
func (s *Source) Type() string { return Type }

// Produce writes <tmp>/backups-sqlite-<id>-*.db.gz.
func (s *Source) Produce(ctx context.Context) (string, error) {
	if _, err := os.Stat(s.path); err != nil {
		return "", fmt.Errorf("sqlite %s: %w", s.path, err)
	}
	start := time.Now()

	scratchDir, err := os.MkdirTemp(s.tmpDir, "backups-sqlite-"+s.id+"-")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratchDir) }()
	snapshot := filepath.Join(scratchDir, "snapshot.db")

	if err := s.vacuumInto(ctx, snapshot); err != nil {
		return "", err
	}

	out, err := fsutil.CreatePrivate(s.tmpDir, "backups-sqlite-"+s.id+"-*.db.gz")
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if err := compress(out, snapshot); err != nil {
		fsutil.Discard(out)
		return "", err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("close artifact: %w", err)
	}

	log.Info().
		Str("action", "sqlite_snapshot").
		Str("source", s.id).
		Str("path", s.path).
		Str("artifact", out.Name()).
		Dur("elapsed_ms", time.Since(start)).
		Msg("database snapshot written")
	return out.Name(), nil
}

func (s *Source) vacuumInto(ctx context.Context, dst string) error {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", s.path, s.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	defer func() { _ = db.Close() }()

	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("vacuum into snapshot: %w", err)
	}
	return nil
}

func compress(w io.Writer, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	gz := gzip.NewWriter(w)
	if _, err := io.Copy(gz, in); err != nil {
		return fmt.Errorf("compress snapshot: %w", err)
	}
	return gz.Close()
}
