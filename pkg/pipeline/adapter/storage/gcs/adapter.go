// Package gcs provides a Google Cloud Storage implementation of the storage adapter interfaces.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	storageAdapter "github.com/tigerroll/logstats/pkg/pipeline/adapter/storage"
	storageConfig "github.com/tigerroll/logstats/pkg/pipeline/adapter/storage/config"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
)

// ProviderType is the storage type handled by this package.
const ProviderType = "gcs"

func init() {
	storageAdapter.RegisterFactory(ProviderType, func(ctx context.Context, cfg storageConfig.StorageConfig, name string) (storageAdapter.StorageConnection, error) {
		return NewGCSAdapter(ctx, cfg, name)
	})
}

type gcsAdapter struct {
	client *storage.Client
	cfg    storageConfig.StorageConfig
	name   string
}

var _ storageAdapter.StorageConnection = (*gcsAdapter)(nil)

// NewGCSAdapter creates a client for cfg. CredentialsFile, when set, is used instead of
// application default credentials. Extra options are appended after it.
func NewGCSAdapter(ctx context.Context, cfg storageConfig.StorageConfig, name string, opts ...option.ClientOption) (storageAdapter.StorageConnection, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("gcs storage adapter '%s': bucket_name must be specified in configuration", name)
	}
	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	clientOpts = append(clientOpts, opts...)

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("gcs storage adapter '%s': failed to create client: %w", name, err)
	}
	return &gcsAdapter{client: client, cfg: cfg, name: name}, nil
}

func (a *gcsAdapter) bucket(bucket string) *storage.BucketHandle {
	if bucket == "" {
		bucket = a.cfg.BucketName
	}
	return a.client.Bucket(bucket)
}

// Close closes the underlying client.
func (a *gcsAdapter) Close() error {
	logger.Debugf("GCS storage adapter '%s' closed.", a.name)
	return a.client.Close()
}

// Type returns "gcs".
func (a *gcsAdapter) Type() string { return ProviderType }

// Name returns the name of this connection.
func (a *gcsAdapter) Name() string { return a.name }

// Upload writes data to objectName.
func (a *gcsAdapter) Upload(ctx context.Context, bucket, objectName string, data io.Reader, contentType string) error {
	w := a.bucket(bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, data); err != nil {
		w.Close()
		return fmt.Errorf("failed to upload '%s': %w", objectName, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize upload of '%s': %w", objectName, err)
	}
	return nil
}

// Download opens objectName for reading.
func (a *gcsAdapter) Download(ctx context.Context, bucket, objectName string) (io.ReadCloser, error) {
	r, err := a.bucket(bucket).Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, mapError(objectName, err)
	}
	return r, nil
}

// ListObjects calls fn for every object under prefix.
func (a *gcsAdapter) ListObjects(ctx context.Context, bucket, prefix string, fn func(objectName string) error) error {
	it := a.bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to list objects with prefix '%s': %w", prefix, err)
		}
		if err := fn(attrs.Name); err != nil {
			return err
		}
	}
}

// DeleteObject removes objectName. A missing object is not an error.
func (a *gcsAdapter) DeleteObject(ctx context.Context, bucket, objectName string) error {
	err := a.bucket(bucket).Object(objectName).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		logger.Debugf("Object '%s' was already gone (gcs adapter '%s').", objectName, a.name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete '%s': %w", objectName, err)
	}
	return nil
}

// Stat returns the object's size and update time.
func (a *gcsAdapter) Stat(ctx context.Context, bucket, objectName string) (storageAdapter.ObjectInfo, error) {
	attrs, err := a.bucket(bucket).Object(objectName).Attrs(ctx)
	if err != nil {
		return storageAdapter.ObjectInfo{}, mapError(objectName, err)
	}
	return storageAdapter.ObjectInfo{Name: attrs.Name, Size: attrs.Size, ModTime: attrs.Updated}, nil
}

// NewObjectWriter streams to objectName. GCS objects only become visible when the
// upload is finalized, so Commit closes the writer and Abort cancels the upload.
func (a *gcsAdapter) NewObjectWriter(ctx context.Context, bucket, objectName string) (storageAdapter.ObjectWriter, error) {
	wctx, cancel := context.WithCancel(ctx)
	w := a.bucket(bucket).Object(objectName).NewWriter(wctx)
	w.ContentType = "application/octet-stream"
	return &objectWriter{w: w, cancel: cancel, name: objectName}, nil
}

func mapError(objectName string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %s", storageAdapter.ErrObjectNotExist, objectName)
	}
	return fmt.Errorf("gcs object '%s': %w", objectName, err)
}

type objectWriter struct {
	w      *storage.Writer
	cancel context.CancelFunc
	name   string
	done   bool
}

func (o *objectWriter) Write(p []byte) (int, error) {
	return o.w.Write(p)
}

func (o *objectWriter) Commit() error {
	if o.done {
		return errors.New("object writer already finished")
	}
	o.done = true
	defer o.cancel()
	if err := o.w.Close(); err != nil {
		return fmt.Errorf("failed to finalize '%s': %w", o.name, err)
	}
	return nil
}

func (o *objectWriter) Abort() error {
	if o.done {
		return nil
	}
	o.done = true
	o.cancel()
	o.w.Close()
	return nil
}
