package sink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/logging"

	"github.com/audiolibrelab/screencap/internal/config"
	"github.com/audiolibrelab/screencap/internal/errors"
)

const defaultBucketLocation = "us-east-1"

type s3Uploader struct {
	mu      sync.Mutex
	conf    *config.S3Config
	prefix  string
	awsConf *aws.Config
	located bool
}

func newS3Uploader(conf *config.S3Config, prefix string) (*s3Uploader, error) {
	if conf == nil {
		return nil, fmt.Errorf("s3 storage requires an s3 section")
	}

	opts := func(o *awsConfig.LoadOptions) error {
		if conf.Region != "" {
			o.Region = conf.Region
		} else {
			o.Region = defaultBucketLocation
		}

		if conf.AccessKey != "" && conf.Secret != "" {
			o.Credentials = credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID:     conf.AccessKey,
					SecretAccessKey: conf.Secret,
					SessionToken:    conf.SessionToken,
				},
			}
		}

		o.Retryer = func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				if conf.MaxRetries > 0 {
					o.MaxAttempts = conf.MaxRetries
				} else {
					o.MaxAttempts = maxRetries
				}
				if conf.MaxRetryDelay > 0 {
					o.MaxBackoff = conf.MaxRetryDelay
				} else {
					o.MaxBackoff = maxDelay
				}
			})
		}
		return nil
	}

	awsConf, err := awsConfig.LoadDefaultConfig(context.Background(), opts)
	if err != nil {
		return nil, err
	}
	if conf.Endpoint != "" {
		awsConf.BaseEndpoint = &conf.Endpoint
	}

	return &s3Uploader{
		conf:    conf,
		prefix:  prefix,
		awsConf: &awsConf,
		located: conf.Region != "",
	}, nil
}

func (u *s3Uploader) kind() string { return config.SinkS3 }

// updateRegion asks S3 for the bucket region when none was configured.
func (u *s3Uploader) updateRegion(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.located {
		return nil
	}

	resp, err := s3.NewFromConfig(*u.awsConf).GetBucketLocation(ctx, &s3.GetBucketLocationInput{
		Bucket: &u.conf.Bucket,
	})
	if err != nil {
		return fmt.Errorf("failed to retrieve upload bucket region: %w", err)
	}
	if resp.LocationConstraint != "" {
		u.awsConf.Region = string(resp.LocationConstraint)
	}
	u.located = true
	return nil
}

func (u *s3Uploader) upload(ctx context.Context, localFilepath, storageFilepath, mimeType string) (string, error) {
	storageFilepath = path.Join(u.prefix, storageFilepath)

	if err := u.updateRegion(ctx); err != nil {
		return "", errors.ErrUploadFailedFor("S3", err)
	}

	file, err := os.Open(localFilepath)
	if err != nil {
		return "", errors.ErrUploadFailedFor("S3", err)
	}
	defer func() {
		_ = file.Close()
	}()

	l := &s3Logger{msgs: make([]string, 10)}
	u.mu.Lock()
	awsConf := *u.awsConf
	u.mu.Unlock()
	client := s3.NewFromConfig(awsConf, func(o *s3.Options) {
		o.Logger = l
		o.UsePathStyle = u.conf.ForcePathStyle
	})

	input := &s3.PutObjectInput{
		Body:               file,
		Bucket:             &u.conf.Bucket,
		ContentType:        aws.String(mimeType),
		Key:                aws.String(storageFilepath),
		ContentDisposition: aws.String("attachment; filename=\"" + path.Base(storageFilepath) + "\""),
	}

	if _, err = manager.NewUploader(client).Upload(ctx, input); err != nil {
		l.log()
		return "", errors.ErrUploadFailedFor("S3", err)
	}

	endpoint := "s3.amazonaws.com"
	if u.conf.Endpoint != "" {
		endpoint = strings.TrimPrefix(strings.TrimPrefix(u.conf.Endpoint, "https://"), "http://")
	}

	if u.conf.ForcePathStyle {
		return fmt.Sprintf("https://%s/%s/%s", endpoint, u.conf.Bucket, storageFilepath), nil
	}
	return fmt.Sprintf("https://%s.%s/%s", u.conf.Bucket, endpoint, storageFilepath), nil
}

// s3Logger only logs aws messages on upload failure
type s3Logger struct {
	mu   sync.Mutex
	msgs []string
	idx  int
}

func (l *s3Logger) Logf(classification logging.Classification, format string, v ...interface{}) {
	format = "aws %s: " + format
	v = append([]interface{}{strings.ToLower(string(classification))}, v...)

	l.mu.Lock()
	l.msgs[l.idx%len(l.msgs)] = fmt.Sprintf(format, v...)
	l.idx++
	l.mu.Unlock()
}

func (l *s3Logger) log() {
	l.mu.Lock()
	size := len(l.msgs)
	for range size {
		if msg := l.msgs[l.idx%size]; msg != "" {
			slog.Debug(msg)
		}
		l.idx++
	}
	l.mu.Unlock()
}
