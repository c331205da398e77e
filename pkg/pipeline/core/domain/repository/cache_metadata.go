// Package repository defines the persistence contracts of logstats.
package repository

import (
	"context"
	"errors"
	"time"

	model "github.com/tigerroll/logstats/pkg/pipeline/core/domain/model"
)

// ErrSnapshotNotFound is returned by FindSnapshot when no snapshot matches the key.
var ErrSnapshotNotFound = errors.New("request snapshot not found")

// RecordFileRequest describes a freshly written cache file and the request it answers.
type RecordFileRequest struct {
	Key      model.CacheKey
	ArgsJSON string
	File     model.FileEntry
	// Replace detaches every file currently linked to the snapshot before linking File.
	Replace bool
}

// CacheMetadataRepository is the source of truth for cache eviction. It tracks datasets,
// partitions, files and the requests those files back.
type CacheMetadataRepository interface {
	// EnsureDataset creates the dataset if missing, or updates its schema version, root
	// path and write mode. It returns the stored record.
	EnsureDataset(ctx context.Context, ds model.Dataset) (*model.Dataset, error)
	// FindDataset returns the dataset with the given name.
	FindDataset(ctx context.Context, name string) (*model.Dataset, error)
	// EnsurePartition returns the partition named name within datasetID, creating it with
	// path if it does not exist.
	EnsurePartition(ctx context.Context, datasetID uint, name, path string) (*model.Partition, error)

	// FindSnapshot returns the snapshot for key with its files (and their dataset and
	// partition) preloaded, ordered by cachedAt. It returns ErrSnapshotNotFound on a miss.
	FindSnapshot(ctx context.Context, key model.CacheKey) (*model.RequestSnapshot, error)
	// RecordFile upserts the snapshot, inserts the file entry and links both in a single
	// transaction.
	RecordFile(ctx context.Context, req RecordFileRequest) (*model.FileEntry, error)

	// ListFileEntries returns every file entry with dataset and partition preloaded.
	ListFileEntries(ctx context.Context) ([]*model.FileEntry, error)
	// CountSnapshotLinks returns how many snapshots reference the file.
	CountSnapshotLinks(ctx context.Context, fileID uint) (int64, error)
	// DeleteFileEntry removes the file entry and its links and reports whether the entry
	// still existed. Deleting a missing entry is not an error.
	DeleteFileEntry(ctx context.Context, fileID uint) (bool, error)

	// ListStaleSnapshots returns snapshots without any linked file created before olderThan.
	ListStaleSnapshots(ctx context.Context, olderThan time.Time) ([]*model.RequestSnapshot, error)
	// DeleteSnapshot removes the snapshot and its links.
	DeleteSnapshot(ctx context.Context, snapshotID uint) error

	// Close releases the underlying connection.
	Close() error
}
