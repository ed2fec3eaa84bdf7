package sink

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"

	"github.com/Azure/azure-storage-blob-go/azblob"

	"github.com/audiolibrelab/screencap/internal/config"
	"github.com/audiolibrelab/screencap/internal/errors"
)

type azureUploader struct {
	conf      *config.AzureConfig
	prefix    string
	container string
}

func newAzureUploader(conf *config.AzureConfig, prefix string) (*azureUploader, error) {
	if conf == nil {
		return nil, fmt.Errorf("azure storage requires an azure section")
	}
	return &azureUploader{
		conf:      conf,
		prefix:    prefix,
		container: fmt.Sprintf("https://%s.blob.core.windows.net/%s", conf.AccountName, conf.ContainerName),
	}, nil
}

func (u *azureUploader) kind() string { return config.SinkAzure }

func (u *azureUploader) upload(ctx context.Context, localFilepath, storageFilepath, mimeType string) (string, error) {
	storageFilepath = path.Join(u.prefix, storageFilepath)

	credential, err := azblob.NewSharedKeyCredential(u.conf.AccountName, u.conf.AccountKey)
	if err != nil {
		return "", errors.ErrUploadFailedFor("Azure", err)
	}

	azURL, err := url.Parse(u.container)
	if err != nil {
		return "", errors.ErrUploadFailedFor("Azure", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{
		Retry: azblob.RetryOptions{
			Policy:        azblob.RetryPolicyExponential,
			MaxTries:      maxRetries,
			RetryDelay:    minDelay,
			MaxRetryDelay: maxDelay,
		},
	})
	blobURL := azblob.NewContainerURL(*azURL, pipeline).NewBlockBlobURL(storageFilepath)

	file, err := os.Open(localFilepath)
	if err != nil {
		return "", errors.ErrUploadFailedFor("Azure", err)
	}
	defer func() {
		_ = file.Close()
	}()

	_, err = azblob.UploadFileToBlockBlob(ctx, file, blobURL, azblob.UploadToBlockBlobOptions{
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{ContentType: mimeType},
		BlockSize:       4 * 1024 * 1024,
		Parallelism:     4,
	})
	if err != nil {
		return "", errors.ErrUploadFailedFor("Azure", err)
	}

	return fmt.Sprintf("%s/%s", u.container, storageFilepath), nil
}
