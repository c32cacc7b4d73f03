// Package folder archives a directory tree into a gzip-compressed tarball.
package folder

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/config"
	"github.com/Chapsvision-dev/backups/internal/fsutil"
	"github.com/Chapsvision-dev/backups/internal/source"
)

// Type is the section prefix handled by this package.
const Type = "folder"

type settings struct {
	Path             string `ini:"path" validate:"required"`
	Exclude          string `ini:"exclude"`
	CompressionLevel int    `ini:"compression_level" validate:"gte=-1,lte=9"`
}

// Source archives Path, skipping entries matching any exclude glob.
type Source struct {
	id       string
	root     string
	excludes []string
	level    int
	tmpDir   string
}

func init() {
	source.Register(Type, func(id string, sec config.Section, env backend.Env) (source.Source, error) {
		return New(id, sec, env)
	})
}

// New builds the source from its [folder-<id>] section.
func New(id string, sec config.Section, env backend.Env) (*Source, error) {
	s := settings{CompressionLevel: gzip.DefaultCompression}
	if err := sec.Decode(&s); err != nil {
		return nil, err
	}
	var excludes []string
	for _, p := range strings.Split(s.Exclude, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, &config.Error{Section: sec.Name(), Msg: fmt.Sprintf("invalid exclude pattern %q", p)}
		}
		excludes = append(excludes, p)
	}
	return &Source{
		id:       id,
		root:     filepath.Clean(s.Path),
		excludes: excludes,
		level:    s.CompressionLevel,
		tmpDir:   env.TempDir,
	}, nil
}

func (s *Source) ID() string   { return s.id }
func (s *Source) Type() string { return Type }

// Produce writes <tmp>/backups-folder-<id>-*.tar.gz. Entries are stored under
// the base name of the archived directory.
func (s *Source) Produce(ctx context.Context) (string, error) {
	st, err := os.Stat(s.root)
	if err != nil {
		return "", fmt.Errorf("folder %s: %w", s.root, err)
	}
	if !st.IsDir() {
		return "", fmt.Errorf("folder %s: not a directory", s.root)
	}

	start := time.Now()
	out, err := fsutil.CreatePrivate(s.tmpDir, "backups-folder-"+s.id+"-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}

	// tmpdir may lie inside the archived tree.
	self, err := out.Stat()
	if err != nil {
		fsutil.Discard(out)
		return "", fmt.Errorf("stat artifact: %w", err)
	}
	files, err := s.write(ctx, out, self)
	if err != nil {
		fsutil.Discard(out)
		return "", err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("close artifact: %w", err)
	}

	log.Info().
		Str("action", "folder_archive").
		Str("source", s.id).
		Str("path", s.root).
		Int("files", files).
		Str("artifact", out.Name()).
		Dur("elapsed_ms", time.Since(start)).
		Msg("folder archived")
	return out.Name(), nil
}

// write archives the tree into w, leaving out self, the artifact being written.
func (s *Source) write(ctx context.Context, w io.Writer, self fs.FileInfo) (int, error) {
	gz, err := gzip.NewWriterLevel(w, s.level)
	if err != nil {
		return 0, err
	}
	tw := tar.NewWriter(gz)

	base := filepath.Base(s.root)
	files := 0
	walkErr := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel != "." && s.excluded(rel) {
			log.Debug().Str("action", "folder_archive").Str("source", s.id).Str("path", rel).Msg("excluded")
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil && os.SameFile(info, self) {
				return nil
			}
		}
		ok, err := s.addEntry(tw, p, entryName(base, rel), d)
		if ok {
			files++
		}
		return err
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = gz.Close()
		return 0, fmt.Errorf("archive %s: %w", s.root, walkErr)
	}
	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("finish tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("finish gzip: %w", err)
	}
	return files, nil
}

// addEntry writes one header (and body for regular files). Devices, sockets and
// pipes are skipped.
func (s *Source) addEntry(tw *tar.Writer, p, name string, d fs.DirEntry) (bool, error) {
	info, err := d.Info()
	if err != nil {
		return false, err
	}
	mode := info.Mode()
	var link string
	switch {
	case mode.IsRegular(), mode.IsDir():
	case mode&fs.ModeSymlink != 0:
		if link, err = os.Readlink(p); err != nil {
			return false, err
		}
	default:
		log.Debug().Str("action", "folder_archive").Str("path", p).Str("mode", mode.String()).Msg("skipping special file")
		return false, nil
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return false, err
	}
	hdr.Name = name
	if mode.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return false, err
	}
	if !mode.IsRegular() {
		return !mode.IsDir(), nil
	}

	f, err := os.Open(p)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()
	if _, err := io.CopyN(tw, f, hdr.Size); err != nil {
		return false, fmt.Errorf("%s: %w", p, err)
	}
	return true, nil
}

func (s *Source) excluded(rel string) bool {
	for _, pat := range s.excludes {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

func entryName(base, rel string) string {
	if base = strings.Trim(base, "/"); base == "" {
		base = "root"
	}
	if rel == "." {
		return base
	}
	return base + "/" + rel
}
