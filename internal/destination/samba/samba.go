// Package samba stores artifacts on an SMB2/3 share.
package samba

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/hirochachacha/go-smb2"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/config"
	"github.com/Chapsvision-dev/backups/internal/destination"
	"github.com/Chapsvision-dev/backups/internal/naming"
	"github.com/Chapsvision-dev/backups/internal/retry"
)

const dialTimeout = 30 * time.Second

type settings struct {
	Host     string `ini:"host" validate:"required"`
	Port     int    `ini:"port" validate:"gte=1,lte=65535"`
	Share    string `ini:"share" validate:"required"`
	Path     string `ini:"path"`
	Username string `ini:"username" validate:"required"`
	Password string `ini:"password"`
	Domain   string `ini:"domain"`
	Prefix   string `ini:"prefix"`
}

// remoteFS is the subset of *smb2.Share used by Store.
type remoteFS interface {
	MkdirAll(path string, perm os.FileMode) error
	Create(name string) (io.WriteCloser, error)
	Rename(oldpath, newpath string) error
	Remove(name string) error
}

// connectFunc opens the share; the returned func releases it.
type connectFunc func(ctx context.Context) (remoteFS, func(), error)

type Destination struct {
	name    string
	addr    string
	s       settings
	run     naming.Run
	ro      retry.Options
	connect connectFunc
}

func init() {
	destination.Register("samba", func(sec config.Section, env backend.Env) (destination.Destination, error) {
		return New(sec, env)
	})
}

// New builds the destination from its [samba] section.
func New(sec config.Section, env backend.Env) (*Destination, error) {
	s := settings{Port: 445}
	if err := sec.Decode(&s); err != nil {
		return nil, err
	}
	s.Share = strings.Trim(s.Share, `\/`)
	d := &Destination{
		name: sec.Name(),
		addr: net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
		s:    s,
		run:  env.Run,
		ro:   env.Retry,
	}
	d.connect = d.mount
	return d, nil
}

func (d *Destination) Name() string { return d.name }

// Store writes <share>/<path>/<key>.part and renames it into place.
func (d *Destination) Store(ctx context.Context, artifact, logicalName string) error {
	remote := path.Join(strings.Trim(d.s.Path, "/"), d.run.Key(d.s.Prefix, logicalName, artifact))

	start := time.Now()
	attempt := 0
	var n int64
	err := retry.Do(ctx, d.ro, isRetryable, func(ctx context.Context) error {
		attempt++
		var err error
		n, err = d.put(ctx, artifact, remote)
		if err != nil {
			log.Debug().Err(err).Str("action", "samba_upload").Str("remote", remote).Int("attempt", attempt).Msg("attempt failed")
		}
		return err
	})
	if err != nil {
		return fmt.Errorf(`smb://%s/%s/%s: %w`, d.addr, d.s.Share, remote, err)
	}
	log.Info().Str("action", "samba_upload").Str("host", d.addr).Str("share", d.s.Share).Str("remote", remote).
		Int64("bytes", n).Int("attempts", attempt).Dur("elapsed_ms", time.Since(start)).Msg("upload OK")
	return nil
}

func (d *Destination) put(ctx context.Context, artifact, remote string) (int64, error) {
	in, err := os.Open(artifact)
	if err != nil {
		return 0, retry.Permanent(err)
	}
	defer func() { _ = in.Close() }()

	fs, release, err := d.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	if dir := path.Dir(remote); dir != "." {
		if err := fs.MkdirAll(dir, 0o700); err != nil {
			return 0, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	part := remote + ".part"
	out, err := fs.Create(part)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", part, err)
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = fs.Remove(part)
		return 0, fmt.Errorf("write %s: %w", part, err)
	}
	if err := fs.Rename(part, remote); err != nil {
		_ = fs.Remove(part)
		return 0, fmt.Errorf("rename %s: %w", part, err)
	}
	return n, nil
}

// mount dials the server, authenticates with NTLM and mounts the share.
func (d *Destination) mount(ctx context.Context) (remoteFS, func(), error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, nil, err
	}
	smb := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     d.s.Username,
			Password: d.s.Password,
			Domain:   d.s.Domain,
		},
	}
	session, err := smb.DialContext(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("smb session: %w", err)
	}
	share, err := session.WithContext(ctx).Mount(d.s.Share)
	if err != nil {
		_ = session.Logoff()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("mount %s: %w", d.s.Share, err)
	}
	release := func() {
		_ = share.Umount()
		_ = session.Logoff()
		_ = conn.Close()
	}
	return smbShare{share.WithContext(ctx)}, release, nil
}

type smbShare struct{ *smb2.Share }

func (s smbShare) Create(name string) (io.WriteCloser, error) { return s.Share.Create(name) }

// isRetryable: transport failures only; SMB status errors (access denied,
// bad share, ...) are final.
func isRetryable(err error) bool {
	var re *smb2.ResponseError
	if errors.As(err, &re) {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
