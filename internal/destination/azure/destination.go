// Package azure stores artifacts as block blobs in an Azure Storage container.
package azure

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/config"
	"github.com/Chapsvision-dev/backups/internal/destination"
	"github.com/Chapsvision-dev/backups/internal/fsutil"
	"github.com/Chapsvision-dev/backups/internal/naming"
	"github.com/Chapsvision-dev/backups/internal/retry"
)

type Destination struct {
	name       string
	client     *azblob.Client
	container  string
	prefix     string
	endpoint   string // e.g. https://<account>.blob.core.windows.net/
	sas        string // raw SAS without leading "?"
	authViaSAS bool
	env        backend.Env
	run        naming.Run
	ro         retry.Options
}

func init() {
	destination.Register("azure", func(sec config.Section, env backend.Env) (destination.Destination, error) {
		return New(sec, env)
	})
}

// New builds the destination from its [azure] section.
func New(sec config.Section, env backend.Env) (*Destination, error) {
	var s settings
	if err := sec.Decode(&s); err != nil {
		return nil, err
	}
	ci, err := newClient(s)
	if err != nil {
		return nil, &config.Error{Section: sec.Name(), Msg: "cannot build blob client", Err: err}
	}
	log.Debug().Str("action", "azure_client").Str("endpoint", ci.endpoint).Str("auth", ci.auth).Msg("client ready")
	return &Destination{
		name:       sec.Name(),
		client:     ci.client,
		container:  s.Container,
		prefix:     s.Prefix,
		endpoint:   ci.endpoint,
		sas:        ci.sas,
		authViaSAS: ci.auth == authSAS,
		env:        env,
		run:        env.Run,
		ro:         env.Retry,
	}, nil
}

func (p *Destination) Name() string { return p.name }

// Store uploads the artifact and validates it (HEAD with SAS, list otherwise).
func (p *Destination) Store(ctx context.Context, artifact, logicalName string) error {
	if err := p.ensureContainer(ctx); err != nil {
		return fmt.Errorf("ensure container: %w", err)
	}
	key := normalizeKey(p.run.Key(p.prefix, logicalName, artifact))

	sum, size, err := fsutil.SHA256File(artifact)
	if err != nil {
		return fmt.Errorf("checksum: %w", err)
	}

	upStart := time.Now()
	upAttempt := 0
	uploadOnce := func(ctx context.Context) error {
		upAttempt++
		log.Debug().
			Str("action", "azure_upload").
			Str("container", p.container).
			Str("key", key).
			Int("attempt", upAttempt).
			Msg("starting attempt")

		f, err := os.Open(artifact)
		if err != nil {
			return retry.Permanent(err)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil {
				log.Warn().
					Err(cerr).
					Str("file", artifact).
					Msg("failed to close artifact after upload")
			}
		}()
		_, err = p.client.UploadFile(ctx, p.container, key, f, &azblob.UploadFileOptions{
			Metadata: map[string]*string{"sha256": to.Ptr(sum)},
		})
		if err != nil {
			log.Debug().Err(err).Str("action", "azure_upload").Str("container", p.container).Str("key", key).
				Int("attempt", upAttempt).Msg("attempt failed")
			return err
		}
		return nil
	}
	if err := retry.Do(ctx, p.ro, p.isAzRetryable, uploadOnce); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	log.Info().Str("action", "azure_upload").Str("container", p.container).Str("key", key).
		Int("attempts", upAttempt).Int64("bytes", size).Dur("elapsed_ms", time.Since(upStart)).Msg("upload OK")

	if p.authViaSAS {
		return p.validateByHead(ctx, key, size, sum)
	}
	return p.validateByList(ctx, key, size)
}

func (p *Destination) validateByHead(ctx context.Context, key string, size int64, sum string) error {
	start := time.Now()
	attempt := 0
	headOnce := func(ctx context.Context) error {
		attempt++
		remoteSize, remoteSHA, err := p.headSizeAndSHA(ctx, key)
		if err != nil {
			log.Debug().Err(err).Str("action", "azure_head").Str("key", key).Int("attempt", attempt).Msg("attempt failed")
			return err
		}
		if remoteSize != size {
			return fmt.Errorf("size mismatch: local=%d, remote=%d", size, remoteSize)
		}
		if remoteSHA == "" {
			return fmt.Errorf("missing metadata: sha256")
		}
		if remoteSHA != sum {
			return fmt.Errorf("sha256 mismatch: local=%s, remote=%s", sum, remoteSHA)
		}
		return nil
	}
	if err := retry.Do(ctx, p.ro, p.isAzRetryable, headOnce); err != nil {
		return fmt.Errorf("validate (head): %w", err)
	}
	log.Info().Str("action", "azure_head").Str("container", p.container).Str("key", key).
		Int("attempts", attempt).Dur("elapsed_ms", time.Since(start)).
		Msg("validation OK (sha256 & size)")
	return nil
}

func (p *Destination) validateByList(ctx context.Context, key string, size int64) error {
	start := time.Now()
	attempt := 0
	listOnce := func(ctx context.Context) error {
		attempt++
		found, remoteSize, err := p.validateSizeByList(ctx, key)
		if err != nil {
			log.Debug().Err(err).Str("action", "azure_list_validate").Str("key", key).Int("attempt", attempt).Msg("attempt failed")
			return err
		}
		if !found {
			return fmt.Errorf("uploaded blob not found at %q", key)
		}
		if remoteSize != size {
			return fmt.Errorf("size mismatch: local=%d, remote=%d", size, remoteSize)
		}
		return nil
	}
	if err := retry.Do(ctx, p.ro, p.isAzRetryable, listOnce); err != nil {
		return fmt.Errorf("validate (list): %w", err)
	}
	log.Info().Str("action", "azure_list_validate").Str("container", p.container).Str("key", key).
		Int("attempts", attempt).Dur("elapsed_ms", time.Since(start)).Msg("validation OK (size)")
	return nil
}

func normalizeKey(k string) string {
	return strings.TrimPrefix(k, "/")
}
