package sink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/audiolibrelab/screencap/internal/config"
	"github.com/audiolibrelab/screencap/internal/errors"
	"github.com/audiolibrelab/screencap/internal/session"
	"github.com/audiolibrelab/screencap/internal/stats"
)

const (
	maxRetries = 5
	minDelay   = time.Millisecond * 100
	maxDelay   = time.Second * 5

	defaultRevokeDelay = time.Second
)

type uploader interface {
	upload(ctx context.Context, localFilepath, storageFilepath, mimeType string) (string, error)
	kind() string
}

// Sink stages artifacts in a temporary file and saves them to the configured
// storage, falling back to the backup storage when the primary fails.
type Sink struct {
	primary     uploader
	backup      uploader
	stagingDir  string
	revokeDelay time.Duration
	monitor     *stats.Monitor
	logger      *slog.Logger

	pending sync.WaitGroup
}

// New builds the uploaders described by conf. Local storage writes into
// output.Directory.
func New(conf config.SinkConfig, output config.OutputConfig, monitor *stats.Monitor, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sink")

	p, err := getUploader(&conf.StorageConfig, output.Directory)
	if err != nil {
		return nil, err
	}

	s := &Sink{
		primary:     p,
		stagingDir:  output.StagingDir,
		revokeDelay: output.RevokeDelay,
		monitor:     monitor,
		logger:      logger,
	}
	if s.revokeDelay <= 0 {
		s.revokeDelay = defaultRevokeDelay
	}

	if conf.Backup != nil {
		b, err := getUploader(conf.Backup, output.Directory)
		if err != nil {
			logger.Error("failed to create backup uploader", "error", err)
		} else {
			s.backup = b
		}
	}

	return s, nil
}

func getUploader(conf *config.StorageConfig, directory string) (uploader, error) {
	switch conf.Type {
	case config.SinkS3:
		return newS3Uploader(conf.S3, conf.Prefix)
	case config.SinkGCS:
		return newGCSUploader(conf.GCS, conf.Prefix)
	case config.SinkAzure:
		return newAzureUploader(conf.Azure, conf.Prefix)
	default:
		return newLocalUploader(filepath.Join(directory, conf.Prefix))
	}
}

// Save stages the artifact and uploads it. The staged file is removed
// revokeDelay after the save was issued, whatever its outcome.
func (s *Sink) Save(ctx context.Context, a *session.Artifact) (string, error) {
	staged, err := s.stage(a)
	if err != nil {
		return "", errors.ErrUploadFailedFor("staging", err)
	}
	defer s.revoke(staged)

	start := time.Now()
	location, primaryErr := s.primary.upload(ctx, staged, a.Filename, a.MimeType)
	elapsed := time.Since(start)

	if primaryErr == nil {
		s.monitor.IncUploadCountSuccess(s.primary.kind(), elapsed)
		s.logger.Debug("artifact saved", "location", location, "bytes", a.Size(), "elapsed", elapsed)
		return location, nil
	}

	s.monitor.IncUploadCountFailure(s.primary.kind(), elapsed)
	if s.backup == nil {
		return "", primaryErr
	}

	s.logger.Warn("primary storage failed, trying backup", "error", primaryErr)
	start = time.Now()
	location, backupErr := s.backup.upload(ctx, staged, a.Filename, a.MimeType)
	elapsed = time.Since(start)
	if backupErr == nil {
		s.monitor.IncUploadCountSuccess(s.backup.kind(), elapsed)
		return location, nil
	}
	s.monitor.IncUploadCountFailure(s.backup.kind(), elapsed)

	return "", errors.Wrap(errors.KindUploadFailed, "save",
		fmt.Errorf("primary: %s\nbackup: %s", primaryErr.Error(), backupErr.Error()))
}

func (s *Sink) stage(a *session.Artifact) (string, error) {
	if s.stagingDir != "" {
		if err := os.MkdirAll(s.stagingDir, 0755); err != nil {
			return "", err
		}
	}
	f, err := os.CreateTemp(s.stagingDir, "screencap-*"+filepath.Ext(a.Filename))
	if err != nil {
		return "", err
	}
	if _, err := f.Write(a.Data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (s *Sink) revoke(path string) {
	s.pending.Add(1)
	time.AfterFunc(s.revokeDelay, func() {
		defer s.pending.Done()
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove staged artifact", "path", path, "error", err)
		}
	})
}

// Wait blocks until every scheduled removal has run.
func (s *Sink) Wait() {
	s.pending.Wait()
}
