// Package directory stores artifacts on a locally mounted filesystem (NFS, USB disk, ...).
package directory

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/config"
	"github.com/Chapsvision-dev/backups/internal/destination"
	"github.com/Chapsvision-dev/backups/internal/fsutil"
	"github.com/Chapsvision-dev/backups/internal/naming"
)

type settings struct {
	Path   string `ini:"path" validate:"required"`
	Prefix string `ini:"prefix"`
}

// Destination copies artifacts below root.
type Destination struct {
	name   string
	root   string
	prefix string
	run    naming.Run
}

func init() {
	destination.Register("directory", func(sec config.Section, env backend.Env) (destination.Destination, error) {
		return New(sec, env)
	})
}

// New builds the destination from its [directory] section.
func New(sec config.Section, env backend.Env) (*Destination, error) {
	var s settings
	if err := sec.Decode(&s); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(s.Path) {
		return nil, &config.Error{Section: sec.Name(), Msg: "path must be absolute"}
	}
	return &Destination{name: sec.Name(), root: filepath.Clean(s.Path), prefix: s.Prefix, run: env.Run}, nil
}

func (d *Destination) Name() string { return d.name }

// Store copies the artifact to <root>/<key> through a ".part" file.
func (d *Destination) Store(ctx context.Context, artifact, logicalName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := d.run.Key(d.prefix, logicalName, artifact)
	dst := filepath.Join(d.root, filepath.FromSlash(key))

	start := time.Now()
	n, err := fsutil.CopyAtomic(dst, artifact)
	if err != nil {
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	log.Info().
		Str("action", "directory_store").
		Str("file", dst).
		Int64("bytes", n).
		Dur("elapsed_ms", time.Since(start)).
		Msg("stored")
	return nil
}
