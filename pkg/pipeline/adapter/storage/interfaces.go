// Package storage defines the object storage contract used by the columnar cache and
// the cleaner. Backends (local, gcs) register a Factory from their init functions.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/fx"

	storageConfig "github.com/tigerroll/logstats/pkg/pipeline/adapter/storage/config"
	"github.com/tigerroll/logstats/pkg/pipeline/core/config"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
)

// ErrObjectNotExist is returned by Stat and Download when the object is missing.
var ErrObjectNotExist = errors.New("storage: object does not exist")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// ObjectWriter streams a new object. Nothing is visible under the object name until
// Commit succeeds; Abort discards everything written so far.
type ObjectWriter interface {
	io.Writer
	Commit() error
	Abort() error
}

// StorageExecutor defines generic storage operations. An empty bucket selects the
// connection's configured bucket.
type StorageExecutor interface {
	// Upload writes data to objectName.
	Upload(ctx context.Context, bucket, objectName string, data io.Reader, contentType string) error
	// Download opens objectName. The caller closes the returned reader.
	Download(ctx context.Context, bucket, objectName string) (io.ReadCloser, error)
	// ListObjects calls fn for each object under prefix.
	ListObjects(ctx context.Context, bucket, prefix string, fn func(objectName string) error) error
	// DeleteObject removes objectName. A missing object is not an error.
	DeleteObject(ctx context.Context, bucket, objectName string) error
	// Stat returns the object's attributes, or ErrObjectNotExist.
	Stat(ctx context.Context, bucket, objectName string) (ObjectInfo, error)
	// NewObjectWriter starts an atomic write of objectName.
	NewObjectWriter(ctx context.Context, bucket, objectName string) (ObjectWriter, error)
}

// StorageConnection is a named, closable storage backend.
type StorageConnection interface {
	StorageExecutor
	Close() error
	Type() string
	Name() string
}

// Exists reports whether objectName is present.
func Exists(ctx context.Context, conn StorageConnection, bucket, objectName string) (bool, error) {
	_, err := conn.Stat(ctx, bucket, objectName)
	if errors.Is(err, ErrObjectNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Factory creates a connection for one backend type.
type Factory func(ctx context.Context, cfg storageConfig.StorageConfig, name string) (StorageConnection, error)

var (
	factoryRegistry = make(map[string]Factory)
	factoryMutex    sync.RWMutex
)

// RegisterFactory registers factory for storageType, replacing any previous registration.
func RegisterFactory(storageType string, factory Factory) {
	factoryMutex.Lock()
	defer factoryMutex.Unlock()
	if _, exists := factoryRegistry[storageType]; exists {
		logger.Warnf("Storage factory for type '%s' already registered. Overwriting.", storageType)
	}
	factoryRegistry[storageType] = factory
}

// Open creates the connection described by cfg.
func Open(ctx context.Context, name string, cfg storageConfig.StorageConfig) (StorageConnection, error) {
	factoryMutex.RLock()
	factory, ok := factoryRegistry[cfg.Type]
	factoryMutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no storage factory registered for type: %s", cfg.Type)
	}
	conn, err := factory(ctx, cfg, name)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage '%s': %w", cfg.Type, name, err)
	}
	logger.Infof("Opened %s storage connection '%s'.", cfg.Type, name)
	return conn, nil
}

// NewCacheStorage opens the "cache" adapter from the application configuration. Without
// an adapter section it falls back to the local directory "cache".
func NewCacheStorage(lc fx.Lifecycle, cfg *config.Config) (StorageConnection, error) {
	storageCfg := storageConfig.StorageConfig{Type: "local", BaseDir: "cache"}
	if _, err := cfg.DecodeAdapter(config.CacheAdapterName, &storageCfg); err != nil {
		return nil, err
	}
	conn, err := Open(context.Background(), config.CacheAdapterName, storageCfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error { return conn.Close() },
	})
	return conn, nil
}

// Module provides the cache StorageConnection.
var Module = fx.Options(
	fx.Provide(NewCacheStorage),
)
