// Package sftp stores artifacts on a remote host over SFTP.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/config"
	"github.com/Chapsvision-dev/backups/internal/destination"
	"github.com/Chapsvision-dev/backups/internal/naming"
	"github.com/Chapsvision-dev/backups/internal/retry"
)

const dialTimeout = 30 * time.Second

type settings struct {
	Host                  string `ini:"host" validate:"required"`
	Port                  int    `ini:"port" validate:"gte=1,lte=65535"`
	Username              string `ini:"username" validate:"required"`
	Password              string `ini:"password" validate:"required_without=PrivateKeyFile"`
	PrivateKeyFile        string `ini:"private_key_file"`
	KnownHostsFile        string `ini:"known_hosts_file" validate:"required_without=InsecureIgnoreHostKey"`
	InsecureIgnoreHostKey bool   `ini:"insecure_ignore_host_key"`
	Path                  string `ini:"path" validate:"required"`
	Prefix                string `ini:"prefix"`
}

type Destination struct {
	name string
	addr string
	ssh  *ssh.ClientConfig
	root string
	s    settings
	run  naming.Run
	ro   retry.Options
}

func init() {
	destination.Register("sftp", func(sec config.Section, env backend.Env) (destination.Destination, error) {
		return New(sec, env)
	})
}

// New builds the destination from its [sftp] section. Keys and known_hosts are read here
// so that a broken file is a configuration error, not a per-source failure.
func New(sec config.Section, env backend.Env) (*Destination, error) {
	s := settings{Port: 22}
	if err := sec.Decode(&s); err != nil {
		return nil, err
	}
	cfg, err := clientConfig(s)
	if err != nil {
		return nil, &config.Error{Section: sec.Name(), Msg: "ssh setup", Err: err}
	}
	if s.InsecureIgnoreHostKey {
		log.Warn().Str("action", "sftp_setup").Str("host", s.Host).Msg("host key verification disabled")
	}
	return &Destination{
		name: sec.Name(),
		addr: net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
		ssh:  cfg,
		root: s.Path,
		s:    s,
		run:  env.Run,
		ro:   env.Retry,
	}, nil
}

func clientConfig(s settings) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if s.PrivateKeyFile != "" {
		pem, err := os.ReadFile(s.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if s.Password != "" {
		auth = append(auth, ssh.Password(s.Password))
	}

	var hostKey ssh.HostKeyCallback
	if s.KnownHostsFile != "" {
		cb, err := knownhosts.New(s.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("known_hosts: %w", err)
		}
		hostKey = cb
	} else {
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	return &ssh.ClientConfig{
		User:            s.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         dialTimeout,
	}, nil
}

func (d *Destination) Name() string { return d.name }

// Store uploads to <path>/<key>.part then renames it into place.
func (d *Destination) Store(ctx context.Context, artifact, logicalName string) error {
	remote := path.Join(d.root, d.run.Key(d.s.Prefix, logicalName, artifact))

	start := time.Now()
	attempt := 0
	var n int64
	err := retry.Do(ctx, d.ro, isRetryable, func(ctx context.Context) error {
		attempt++
		var err error
		n, err = d.upload(ctx, artifact, remote)
		if err != nil {
			log.Debug().Err(err).Str("action", "sftp_upload").Str("remote", remote).Int("attempt", attempt).Msg("attempt failed")
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("sftp %s:%s: %w", d.addr, remote, err)
	}
	log.Info().Str("action", "sftp_upload").Str("host", d.addr).Str("remote", remote).
		Int64("bytes", n).Int("attempts", attempt).Dur("elapsed_ms", time.Since(start)).Msg("upload OK")
	return nil
}

func (d *Destination) upload(ctx context.Context, artifact, remote string) (int64, error) {
	in, err := os.Open(artifact)
	if err != nil {
		return 0, retry.Permanent(err)
	}
	defer func() { _ = in.Close() }()

	conn, err := d.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = conn.Close() }()

	client, err := sftp.NewClient(conn)
	if err != nil {
		return 0, fmt.Errorf("start sftp subsystem: %w", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.MkdirAll(path.Dir(remote)); err != nil {
		return 0, fmt.Errorf("mkdir %s: %w", path.Dir(remote), err)
	}
	part := remote + ".part"
	f, err := client.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", part, err)
	}
	n, err := io.Copy(f, in)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = client.Remove(part)
		return 0, fmt.Errorf("write %s: %w", part, err)
	}
	_ = client.Chmod(part, 0o600)

	if err := client.PosixRename(part, remote); err != nil {
		// Servers without posix-rename@openssh.com refuse to overwrite; names are run-unique.
		if rerr := client.Rename(part, remote); rerr != nil {
			_ = client.Remove(part)
			return 0, fmt.Errorf("rename %s: %w", part, errors.Join(err, rerr))
		}
	}
	return n, nil
}

func (d *Destination) dial(ctx context.Context) (*ssh.Client, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(raw, d.addr, d.ssh)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// isRetryable: network errors only. Authentication, host key and remote
// permission errors fail at once.
func isRetryable(err error) bool {
	var ke *knownhosts.KeyError
	if errors.As(err, &ke) {
		return false
	}
	var se *sftp.StatusError
	if errors.As(err, &se) {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
