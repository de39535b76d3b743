package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/district-offices/internal/config"
)

var (
	// ErrBlobNotFound indicates the requested blob does not exist.
	ErrBlobNotFound = errors.New("artifact: blob not found")
	// ErrInvalidKey indicates an empty key or one with a traversal segment.
	ErrInvalidKey = errors.New("artifact: invalid blob key")
)

// BlobStore holds artifact bytes outside the local database.
type BlobStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

type azureBlobs struct {
	client    *azblob.Client
	container string
}

// NewAzure creates an Azure Blob Storage backend from a connection string,
// or from an account URL with the default Azure credential chain, and makes
// sure the container exists.
func NewAzure(ctx context.Context, cfg config.ArtifactsConfig) (BlobStore, error) {
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case cfg.AzureConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.AzureConnectionString, nil)
	case cfg.AzureAccountURL != "":
		cred, credErr := azidentity.NewDefaultAzureCredential(nil)
		if credErr != nil {
			return nil, eris.Wrap(credErr, "artifact: azure credential")
		}
		client, err = azblob.NewClient(cfg.AzureAccountURL, cred, nil)
	default:
		return nil, eris.New("artifact: azure backend needs a connection string or account url")
	}
	if err != nil {
		return nil, eris.Wrap(err, "artifact: create azure client")
	}

	if _, err := client.CreateContainer(ctx, cfg.AzureContainer, nil); err != nil {
		if !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
			return nil, eris.Wrapf(err, "artifact: create container %s", cfg.AzureContainer)
		}
	}
	zap.L().Info("artifact: blob container ready", zap.String("container", cfg.AzureContainer))

	return &azureBlobs{client: client, container: cfg.AzureContainer}, nil
}

func (a *azureBlobs) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	opts := &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	}
	if _, err := a.client.UploadBuffer(ctx, a.container, key, data, opts); err != nil {
		return eris.Wrapf(err, "artifact: upload blob %s", key)
	}
	return nil
}

func (a *azureBlobs) Download(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	resp, err := a.client.DownloadStream(ctx, a.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, eris.Wrapf(ErrBlobNotFound, "blob %s", key)
		}
		return nil, eris.Wrapf(err, "artifact: download blob %s", key)
	}
	defer resp.Body.Close() //nolint:errcheck

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, eris.Wrapf(err, "artifact: read blob %s", key)
	}
	return buf.Bytes(), nil
}

func (a *azureBlobs) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := a.client.DeleteBlob(ctx, a.container, key, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return eris.Wrapf(ErrBlobNotFound, "blob %s", key)
		}
		return eris.Wrapf(err, "artifact: delete blob %s", key)
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return eris.Wrap(ErrInvalidKey, "empty key")
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || seg == "." {
			return eris.Wrapf(ErrInvalidKey, "key %q", key)
		}
	}
	return nil
}
