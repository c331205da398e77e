// Package model defines the domain records of logstats: background jobs and the cache
// metadata persisted in the relational store.
package model

import (
	"path"
	"time"
)

// Dataset is a named collection of cached results for one query type.
type Dataset struct {
	ID            uint      `gorm:"primaryKey"`
	Name          string    `gorm:"column:name;size:128;uniqueIndex;not null"`
	SchemaVersion int       `gorm:"column:schema_version;not null;default:1"`
	RootPath      string    `gorm:"column:root_path;size:512;not null"`
	WriteMode     string    `gorm:"column:write_mode;size:16;not null"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

// TableName implements gorm's tabler.
func (Dataset) TableName() string { return "datasets" }

// Partition is a sub-folder of a Dataset, for example one per report code.
type Partition struct {
	ID        uint      `gorm:"primaryKey"`
	DatasetID uint      `gorm:"column:dataset_id;not null;uniqueIndex:idx_partitions_dataset_name"`
	Name      string    `gorm:"column:name;size:256;not null;uniqueIndex:idx_partitions_dataset_name"`
	Path      string    `gorm:"column:path;size:768;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName implements gorm's tabler.
func (Partition) TableName() string { return "partitions" }

// FileEntry records one physical cache file.
type FileEntry struct {
	ID          uint       `gorm:"primaryKey"`
	FileName    string     `gorm:"column:file_name;size:256;not null"`
	Hash        string     `gorm:"column:hash;size:64;index"`
	SizeBytes   int64      `gorm:"column:size_bytes"`
	CachedAt    time.Time  `gorm:"column:cached_at;index"`
	TTLSeconds  int64      `gorm:"column:ttl_seconds"`
	DatasetID   uint       `gorm:"column:dataset_id;not null"`
	PartitionID *uint      `gorm:"column:partition_id"`
	Dataset     *Dataset   `gorm:"foreignKey:DatasetID"`
	Partition   *Partition `gorm:"foreignKey:PartitionID"`
	// Snapshots are the requests this file backs.
	Snapshots []*RequestSnapshot `gorm:"many2many:request_snapshot_files;"`
}

// TableName implements gorm's tabler.
func (FileEntry) TableName() string { return "file_entries" }

// Directory returns the folder the file lives in: the partition path when the entry has
// a partition with a path, otherwise the dataset root.
func (f *FileEntry) Directory() string {
	if f.Partition != nil && f.Partition.Path != "" {
		return f.Partition.Path
	}
	if f.Dataset != nil {
		return f.Dataset.RootPath
	}
	return ""
}

// FullPath returns the storage-relative path of the file. Dataset and Partition must be
// loaded.
func (f *FileEntry) FullPath() string {
	return path.Join(f.Directory(), f.FileName)
}

// TTL returns the entry's lifetime.
func (f *FileEntry) TTL() time.Duration {
	return time.Duration(f.TTLSeconds) * time.Second
}

// IsExpired reports whether cachedAt + ttl lies before now.
func (f *FileEntry) IsExpired(now time.Time) bool {
	return f.CachedAt.Add(f.TTL()).Before(now)
}

// RequestSnapshot records one distinct (query, arguments) request and the files that back it.
type RequestSnapshot struct {
	ID        uint         `gorm:"primaryKey"`
	QueryName string       `gorm:"column:query_name;size:128;not null;uniqueIndex:idx_request_snapshots_key"`
	ArgsHash  string       `gorm:"column:args_hash;size:64;not null;uniqueIndex:idx_request_snapshots_key"`
	ArgsJSON  string       `gorm:"column:args_json;type:text"`
	CreatedAt time.Time    `gorm:"column:created_at;index"`
	Files     []*FileEntry `gorm:"many2many:request_snapshot_files;"`
}

// TableName implements gorm's tabler.
func (RequestSnapshot) TableName() string { return "request_snapshots" }

// CacheKey identifies a cached request.
type CacheKey struct {
	QueryName string
	ArgsHash  string
}

// String renders the key as "query|hash".
func (k CacheKey) String() string {
	return k.QueryName + "|" + k.ArgsHash
}
