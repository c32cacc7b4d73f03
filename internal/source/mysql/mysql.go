// Package mysql dumps a MySQL/MariaDB database with mysqldump and gzips the output.
package mysql

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/config"
	"github.com/Chapsvision-dev/backups/internal/fsutil"
	"github.com/Chapsvision-dev/backups/internal/source"
)

// Type is the section prefix handled by this package.
const Type = "mysql"

// AllDatabases as the database name dumps every schema.
const AllDatabases = "all"

var defaultArgs = []string{"--single-transaction", "--quick", "--routines", "--events"}

type settings struct {
	Database  string `ini:"database" validate:"required"`
	Host      string `ini:"host"`
	Port      int    `ini:"port" validate:"gte=0,lte=65535"`
	Socket    string `ini:"socket"`
	Username  string `ini:"username"`
	Password  string `ini:"password"`
	Mysqldump string `ini:"mysqldump" validate:"required"`
	Options   string `ini:"options"`
}

// Source runs mysqldump for one database (or all of them).
type Source struct {
	id     string
	s      settings
	tmpDir string
}

func init() {
	source.Register(Type, func(id string, sec config.Section, env backend.Env) (source.Source, error) {
		return New(id, sec, env)
	})
}

// New builds the source from its [mysql-<id>] section.
func New(id string, sec config.Section, env backend.Env) (*Source, error) {
	s := settings{Mysqldump: "mysqldump"}
	if err := sec.Decode(&s); err != nil {
		return nil, err
	}
	return &Source{id: id, s: s, tmpDir: env.TempDir}, nil
}

func (s *Source) ID() string   { return s.id }
func (s *Source) Type() string { return Type }

// Produce streams mysqldump stdout through gzip into <tmp>/backups-mysql-<id>-*.sql.gz.
// Credentials are passed in a private option file, never on the command line.
func (s *Source) Produce(ctx context.Context) (string, error) {
	start := time.Now()

	cred, err := s.writeOptionFile()
	if err != nil {
		return "", fmt.Errorf("write credentials file: %w", err)
	}
	defer func() {
		if err := os.Remove(cred); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("action", "mysql_dump").Str("file", cred).Msg("remove credentials file failed")
		}
	}()

	out, err := fsutil.CreatePrivate(s.tmpDir, "backups-mysql-"+s.id+"-*.sql.gz")
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}

	n, err := s.dump(ctx, cred, out)
	if err != nil {
		fsutil.Discard(out)
		return "", err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("close artifact: %w", err)
	}

	log.Info().
		Str("action", "mysql_dump").
		Str("source", s.id).
		Str("database", s.s.Database).
		Int64("dump_bytes", n).
		Str("artifact", out.Name()).
		Dur("elapsed_ms", time.Since(start)).
		Msg("database dumped")
	return out.Name(), nil
}

func (s *Source) args(cred string) []string {
	args := append([]string{"--defaults-extra-file=" + cred}, defaultArgs...)
	args = append(args, strings.Fields(s.s.Options)...)
	if strings.EqualFold(s.s.Database, AllDatabases) {
		return append(args, "--all-databases")
	}
	return append(args, "--databases", s.s.Database)
}

func (s *Source) dump(ctx context.Context, cred string, w io.Writer) (int64, error) {
	gz := gzip.NewWriter(w)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.s.Mysqldump, s.args(cred)...)
	cmd.Stderr = &limitedBuffer{buf: &stderr, max: 4096}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, err
	}
	log.Debug().Str("action", "mysql_dump").Str("source", s.id).Str("cmd", s.s.Mysqldump).Msg("starting mysqldump")
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", s.s.Mysqldump, err)
	}

	n, copyErr := io.Copy(gz, stdout)
	if copyErr != nil {
		// mysqldump would block on the unread pipe.
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return 0, fmt.Errorf("compress dump: %w", copyErr)
	}
	waitErr := cmd.Wait()
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return 0, fmt.Errorf("mysqldump: %w", waitErr)
		}
		return 0, fmt.Errorf("mysqldump: %w: %s", waitErr, msg)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("finish gzip: %w", err)
	}
	return n, nil
}

// writeOptionFile writes a [client] option file readable by the owner only.
func (s *Source) writeOptionFile() (string, error) {
	f, err := fsutil.CreatePrivate(s.tmpDir, "backups-mysql-cred-*.cnf")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("[client]\n")
	if s.s.Username != "" {
		fmt.Fprintf(&b, "user=%s\n", quoteOption(s.s.Username))
	}
	if s.s.Password != "" {
		fmt.Fprintf(&b, "password=%s\n", quoteOption(s.s.Password))
	}
	if s.s.Host != "" {
		fmt.Fprintf(&b, "host=%s\n", s.s.Host)
	}
	if s.s.Port != 0 {
		fmt.Fprintf(&b, "port=%s\n", strconv.Itoa(s.s.Port))
	}
	if s.s.Socket != "" {
		fmt.Fprintf(&b, "socket=%s\n", s.s.Socket)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		fsutil.Discard(f)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// quoteOption wraps a value in double quotes, escaping what the option file parser unescapes.
func quoteOption(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}

// limitedBuffer keeps the first max bytes of stderr and drops the rest.
type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.max - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}
