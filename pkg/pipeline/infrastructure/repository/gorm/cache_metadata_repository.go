// Package gorm implements repository.CacheMetadataRepository on top of gorm.
package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	gormadapter "github.com/tigerroll/logstats/pkg/pipeline/adapter/database/gorm"
	model "github.com/tigerroll/logstats/pkg/pipeline/core/domain/model"
	repository "github.com/tigerroll/logstats/pkg/pipeline/core/domain/repository"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/exception"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
)

const (
	module        = "CacheMetadataRepository"
	linkTableName = "request_snapshot_files"
)

// CacheMetadataRepository stores cache metadata in a relational database through gorm.
// The schema is owned by the migration package.
type CacheMetadataRepository struct {
	db *gorm.DB
}

var _ repository.CacheMetadataRepository = (*CacheMetadataRepository)(nil)

// NewCacheMetadataRepository creates a repository on db.
func NewCacheMetadataRepository(db *gorm.DB) *CacheMetadataRepository {
	return &CacheMetadataRepository{db: db}
}

// NewCacheMetadataRepositoryFromConnection creates a repository on the metadata connection.
func NewCacheMetadataRepositoryFromConnection(conn *gormadapter.Connection) repository.CacheMetadataRepository {
	return NewCacheMetadataRepository(conn.DB())
}

func ioError(message string, err error) error {
	return exception.NewCacheIOError(module, message, err)
}

// EnsureDataset upserts ds by name.
func (r *CacheMetadataRepository) EnsureDataset(ctx context.Context, ds model.Dataset) (*model.Dataset, error) {
	existing, err := r.FindDataset(ctx, ds.Name)
	if err != nil && !exception.IsNotFound(err) {
		return nil, err
	}
	if existing != nil && existing.SchemaVersion != ds.SchemaVersion {
		logger.Infof("Dataset '%s' schema version changes from %d to %d.", ds.Name, existing.SchemaVersion, ds.SchemaVersion)
	}

	now := time.Now().UTC()
	ds.ID = 0
	ds.CreatedAt = now
	ds.UpdatedAt = now
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"schema_version", "root_path", "write_mode", "updated_at"}),
	}).Create(&ds).Error
	if err != nil {
		return nil, ioError(fmt.Sprintf("failed to upsert dataset '%s'", ds.Name), err)
	}
	return r.FindDataset(ctx, ds.Name)
}

// FindDataset returns the dataset called name, or a NotFound error.
func (r *CacheMetadataRepository) FindDataset(ctx context.Context, name string) (*model.Dataset, error) {
	var ds model.Dataset
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&ds).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, exception.NewNotFoundError(module, fmt.Sprintf("dataset '%s'", name))
	}
	if err != nil {
		return nil, ioError(fmt.Sprintf("failed to load dataset '%s'", name), err)
	}
	return &ds, nil
}

// EnsurePartition returns the named partition of datasetID, creating it when missing.
func (r *CacheMetadataRepository) EnsurePartition(ctx context.Context, datasetID uint, name, path string) (*model.Partition, error) {
	p := model.Partition{DatasetID: datasetID, Name: name, Path: path, CreatedAt: time.Now().UTC()}
	db := r.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dataset_id"}, {Name: "name"}},
		DoNothing: true,
	}).Create(&p).Error
	if err != nil {
		return nil, ioError(fmt.Sprintf("failed to create partition '%s'", name), err)
	}

	var stored model.Partition
	if err := db.Where("dataset_id = ? AND name = ?", datasetID, name).First(&stored).Error; err != nil {
		return nil, ioError(fmt.Sprintf("failed to load partition '%s'", name), err)
	}
	return &stored, nil
}

// FindSnapshot loads the snapshot for key with its files ordered by cachedAt.
func (r *CacheMetadataRepository) FindSnapshot(ctx context.Context, key model.CacheKey) (*model.RequestSnapshot, error) {
	var snap model.RequestSnapshot
	err := r.db.WithContext(ctx).
		Preload("Files", func(db *gorm.DB) *gorm.DB {
			return db.Order("file_entries.cached_at ASC, file_entries.id ASC")
		}).
		Preload("Files.Dataset").
		Preload("Files.Partition").
		Where("query_name = ? AND args_hash = ?", key.QueryName, key.ArgsHash).
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, ioError(fmt.Sprintf("failed to load snapshot %s", key), err)
	}
	return &snap, nil
}

// RecordFile upserts the snapshot for req.Key, inserts req.File and links them.
func (r *CacheMetadataRepository) RecordFile(ctx context.Context, req repository.RecordFileRequest) (*model.FileEntry, error) {
	file := req.File
	file.ID = 0
	file.Dataset = nil
	file.Partition = nil
	file.Snapshots = nil

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snap := model.RequestSnapshot{
			QueryName: req.Key.QueryName,
			ArgsHash:  req.Key.ArgsHash,
			ArgsJSON:  req.ArgsJSON,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "query_name"}, {Name: "args_hash"}},
			DoUpdates: clause.AssignmentColumns([]string{"args_json"}),
		}).Create(&snap).Error; err != nil {
			return err
		}
		if err := tx.Where("query_name = ? AND args_hash = ?", req.Key.QueryName, req.Key.ArgsHash).First(&snap).Error; err != nil {
			return err
		}

		if req.Replace {
			if err := tx.Exec("DELETE FROM "+linkTableName+" WHERE request_snapshot_id = ?", snap.ID).Error; err != nil {
				return err
			}
		}

		// A path holds one physical file, so older entries for it are gone.
		var stale []uint
		q := tx.Model(&model.FileEntry{}).Where("dataset_id = ? AND file_name = ?", file.DatasetID, file.FileName)
		if file.PartitionID != nil {
			q = q.Where("partition_id = ?", *file.PartitionID)
		} else {
			q = q.Where("partition_id IS NULL")
		}
		if err := q.Pluck("id", &stale).Error; err != nil {
			return err
		}
		if len(stale) > 0 {
			if err := tx.Exec("DELETE FROM "+linkTableName+" WHERE file_entry_id IN ?", stale).Error; err != nil {
				return err
			}
			if err := tx.Delete(&model.FileEntry{}, stale).Error; err != nil {
				return err
			}
		}

		if err := tx.Omit(clause.Associations).Create(&file).Error; err != nil {
			return err
		}
		return tx.Exec("INSERT INTO "+linkTableName+" (request_snapshot_id, file_entry_id) VALUES (?, ?)", snap.ID, file.ID).Error
	})
	if err != nil {
		return nil, ioError(fmt.Sprintf("failed to record file '%s' for %s", file.FileName, req.Key), err)
	}
	logger.Debugf("Recorded cache file '%s' (id=%d) for %s.", file.FileName, file.ID, req.Key)
	return &file, nil
}

// ListFileEntries returns all file entries with dataset and partition loaded.
func (r *CacheMetadataRepository) ListFileEntries(ctx context.Context) ([]*model.FileEntry, error) {
	var entries []*model.FileEntry
	err := r.db.WithContext(ctx).Preload("Dataset").Preload("Partition").Order("id ASC").Find(&entries).Error
	if err != nil {
		return nil, ioError("failed to list file entries", err)
	}
	return entries, nil
}

// CountSnapshotLinks returns the number of snapshots linked to fileID.
func (r *CacheMetadataRepository) CountSnapshotLinks(ctx context.Context, fileID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Table(linkTableName).Where("file_entry_id = ?", fileID).Count(&n).Error
	if err != nil {
		return 0, ioError(fmt.Sprintf("failed to count links of file %d", fileID), err)
	}
	return n, nil
}

// DeleteFileEntry removes the entry and its links. It reports false when no row with
// fileID was left to delete.
func (r *CacheMetadataRepository) DeleteFileEntry(ctx context.Context, fileID uint) (bool, error) {
	var removed bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM "+linkTableName+" WHERE file_entry_id = ?", fileID).Error; err != nil {
			return err
		}
		res := tx.Delete(&model.FileEntry{}, fileID)
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, ioError(fmt.Sprintf("failed to delete file entry %d", fileID), err)
	}
	return removed, nil
}

// ListStaleSnapshots returns snapshots with no linked file created before olderThan.
func (r *CacheMetadataRepository) ListStaleSnapshots(ctx context.Context, olderThan time.Time) ([]*model.RequestSnapshot, error) {
	var snaps []*model.RequestSnapshot
	err := r.db.WithContext(ctx).
		Where("created_at < ?", olderThan.UTC()).
		Where("NOT EXISTS (SELECT 1 FROM " + linkTableName + " l WHERE l.request_snapshot_id = request_snapshots.id)").
		Order("id ASC").
		Find(&snaps).Error
	if err != nil {
		return nil, ioError("failed to list stale snapshots", err)
	}
	return snaps, nil
}

// DeleteSnapshot removes the snapshot and its links.
func (r *CacheMetadataRepository) DeleteSnapshot(ctx context.Context, snapshotID uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM "+linkTableName+" WHERE request_snapshot_id = ?", snapshotID).Error; err != nil {
			return err
		}
		return tx.Delete(&model.RequestSnapshot{}, snapshotID).Error
	})
	if err != nil {
		return ioError(fmt.Sprintf("failed to delete snapshot %d", snapshotID), err)
	}
	return nil
}

// Close is a no-op; the connection is owned by its provider.
func (r *CacheMetadataRepository) Close() error {
	return nil
}

// Module provides the repository on the metadata connection.
var Module = fx.Options(
	fx.Provide(NewCacheMetadataRepositoryFromConnection),
)
