package fsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// PrivateFileMode is used for every artifact and credential file the run creates.
const PrivateFileMode os.FileMode = 0o600

// SHA256File computes the SHA-256 checksum of a file and returns:
//   - the hex-encoded digest
//   - the file size in bytes
func SHA256File(path string) (sum string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// CreatePrivate creates a new owner-only temp file in dir named after pattern
// (os.CreateTemp semantics). An empty dir means os.TempDir().
func CreatePrivate(dir, pattern string) (*os.File, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	if err := f.Chmod(PrivateFileMode); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, err
	}
	return f, nil
}

// Discard closes and removes a partially written file. Used on error paths only.
func Discard(f *os.File) {
	if f == nil {
		return
	}
	_ = f.Close()
	if err := os.Remove(f.Name()); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("action", "discard_partial").Str("file", f.Name()).Msg("remove partial file failed")
	}
}

// CopyAtomic copies src to dst through dst+".part" and a rename, so readers of dst
// never observe a half-written file. Parent directories are created owner-only.
func CopyAtomic(dst, src string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, PrivateFileMode)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		Discard(out)
		return 0, fmt.Errorf("copy: %w", err)
	}
	if err := out.Sync(); err != nil {
		Discard(out)
		return 0, fmt.Errorf("sync: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return n, nil
}
