package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"cloud.google.com/go/storage"
	"github.com/googleapis/gax-go/v2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"github.com/audiolibrelab/screencap/internal/config"
	"github.com/audiolibrelab/screencap/internal/errors"
)

const storageScope = "https://www.googleapis.com/auth/devstorage.read_write"

type gcsUploader struct {
	conf   *config.GCSConfig
	prefix string
	client *storage.Client
}

func newGCSUploader(conf *config.GCSConfig, prefix string) (*gcsUploader, error) {
	if conf == nil {
		return nil, fmt.Errorf("gcs storage requires a gcs section")
	}

	var opts []option.ClientOption
	if conf.CredentialsJSON != "" {
		jwtConfig, err := google.JWTConfigFromJSON([]byte(conf.CredentialsJSON), storageScope)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithTokenSource(jwtConfig.TokenSource(context.Background())))
	}

	c, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, err
	}

	return &gcsUploader{conf: conf, prefix: prefix, client: c}, nil
}

func (u *gcsUploader) kind() string { return config.SinkGCS }

func (u *gcsUploader) upload(ctx context.Context, localFilepath, storageFilepath, mimeType string) (string, error) {
	storageFilepath = path.Join(u.prefix, storageFilepath)

	file, err := os.Open(localFilepath)
	if err != nil {
		return "", errors.ErrUploadFailedFor("GCS", err)
	}
	defer func() {
		_ = file.Close()
	}()

	wc := u.client.Bucket(u.conf.Bucket).Object(storageFilepath).Retryer(
		storage.WithBackoff(gax.Backoff{
			Initial:    minDelay,
			Max:        maxDelay,
			Multiplier: 2,
		}),
		storage.WithMaxAttempts(maxRetries),
		storage.WithPolicy(storage.RetryAlways),
	).NewWriter(ctx)
	wc.ContentType = mimeType
	wc.ChunkRetryDeadline = 0

	if _, err = io.Copy(wc, file); err != nil {
		_ = wc.Close()
		return "", errors.ErrUploadFailedFor("GCS", err)
	}
	if err = wc.Close(); err != nil {
		return "", errors.ErrUploadFailedFor("GCS", err)
	}

	return fmt.Sprintf("https://%s.storage.googleapis.com/%s", u.conf.Bucket, storageFilepath), nil
}
