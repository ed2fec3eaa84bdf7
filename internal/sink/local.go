package sink

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/audiolibrelab/screencap/internal/config"
	"github.com/audiolibrelab/screencap/internal/errors"
)

type localUploader struct {
	dir string
}

func newLocalUploader(dir string) (*localUploader, error) {
	return &localUploader{dir: dir}, nil
}

func (u *localUploader) kind() string { return config.SinkLocal }

func (u *localUploader) upload(_ context.Context, localFilepath, storageFilepath, _ string) (string, error) {
	target := filepath.Join(u.dir, storageFilepath)

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", errors.ErrUploadFailedFor("local", err)
	}

	tmp, err := os.Open(localFilepath)
	if err != nil {
		return "", errors.ErrUploadFailedFor("local", err)
	}
	defer func() {
		_ = tmp.Close()
	}()

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", errors.ErrUploadFailedFor("local", err)
	}

	_, err = io.Copy(f, tmp)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(target)
		return "", errors.ErrUploadFailedFor("local", err)
	}

	if abs, err := filepath.Abs(target); err == nil {
		target = abs
	}
	return target, nil
}
