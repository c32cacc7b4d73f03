// Package s3 stores artifacts in an S3 bucket or an S3-compatible object store.
package s3

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/config"
	"github.com/Chapsvision-dev/backups/internal/destination"
	"github.com/Chapsvision-dev/backups/internal/fsutil"
	"github.com/Chapsvision-dev/backups/internal/naming"
	"github.com/Chapsvision-dev/backups/internal/retry"
)

type Destination struct {
	name         string
	client       *s3.Client
	bucket       string
	prefix       string
	storageClass types.StorageClass
	run          naming.Run
	ro           retry.Options
}

func init() {
	destination.Register("s3", func(sec config.Section, env backend.Env) (destination.Destination, error) {
		return New(sec, env)
	})
}

// New builds the destination from its [s3] section.
func New(sec config.Section, env backend.Env) (*Destination, error) {
	s := settings{Region: "us-east-1"}
	if err := sec.Decode(&s); err != nil {
		return nil, err
	}
	if s.AccessKeyID == "" && !s.UseIAMProfile {
		return nil, &config.Error{Section: sec.Name(), Msg: "access_key_id/secret_access_key or use_iam_profile is required"}
	}
	var hc s3.HTTPClient
	if env.HTTPClient != nil {
		hc = env.HTTPClient
	}
	return &Destination{
		name:         sec.Name(),
		client:       newClient(s, hc),
		bucket:       s.Bucket,
		prefix:       s.Prefix,
		storageClass: types.StorageClass(s.StorageClass),
		run:          env.Run,
		ro:           env.Retry,
	}, nil
}

func (d *Destination) Name() string { return d.name }

// Store uploads the artifact with a sha256 metadata entry and checks it with HEAD.
func (d *Destination) Store(ctx context.Context, artifact, logicalName string) error {
	key := d.run.Key(d.prefix, logicalName, artifact)
	sum, size, err := fsutil.SHA256File(artifact)
	if err != nil {
		return fmt.Errorf("checksum: %w", err)
	}

	start := time.Now()
	attempt := 0
	putOnce := func(ctx context.Context) error {
		attempt++
		f, err := os.Open(artifact)
		if err != nil {
			return retry.Permanent(err)
		}
		defer func() { _ = f.Close() }()

		in := &s3.PutObjectInput{
			Bucket:        aws.String(d.bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(size),
			ContentType:   aws.String("application/octet-stream"),
			Metadata:      map[string]string{"sha256": sum},
		}
		if d.storageClass != "" {
			in.StorageClass = d.storageClass
		}
		if _, err := d.client.PutObject(ctx, in); err != nil {
			log.Debug().Err(err).Str("action", "s3_upload").Str("bucket", d.bucket).Str("key", key).
				Int("attempt", attempt).Msg("attempt failed")
			return err
		}
		return nil
	}
	if err := retry.Do(ctx, d.ro, isRetryable, putOnce); err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", d.bucket, key, err)
	}
	log.Info().Str("action", "s3_upload").Str("bucket", d.bucket).Str("key", key).
		Int("attempts", attempt).Int64("bytes", size).Dur("elapsed_ms", time.Since(start)).Msg("upload OK")

	headOnce := func(ctx context.Context) error {
		out, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(d.bucket), Key: aws.String(key)})
		if err != nil {
			return err
		}
		if out.ContentLength == nil || *out.ContentLength != size {
			return fmt.Errorf("size mismatch: local=%d, remote=%d", size, aws.ToInt64(out.ContentLength))
		}
		if remote := out.Metadata["sha256"]; remote != sum {
			return fmt.Errorf("sha256 mismatch: local=%s, remote=%s", sum, remote)
		}
		return nil
	}
	if err := retry.Do(ctx, d.ro, isRetryable, headOnce); err != nil {
		return fmt.Errorf("validate s3://%s/%s: %w", d.bucket, key, err)
	}
	log.Debug().Str("action", "s3_head").Str("bucket", d.bucket).Str("key", key).Msg("validation OK (sha256 & size)")
	return nil
}

// isRetryable: timeouts, connection failures, 5xx, 429 and 408.
func isRetryable(err error) bool {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		code := re.HTTPStatusCode()
		return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
