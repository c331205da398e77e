// Package cleaner evicts cache files and request snapshots that are no longer useful.
//
// The metadata store is the source of truth: a file is removed when its TTL has passed,
// when its backing object disappeared from storage, or when no request snapshot links to
// it any more. Snapshots that have no files left are removed once they are older than the
// configured retention.
package cleaner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/fx"

	"github.com/tigerroll/logstats/pkg/pipeline/component/columnar"
	"github.com/tigerroll/logstats/pkg/pipeline/core/config"
	model "github.com/tigerroll/logstats/pkg/pipeline/core/domain/model"
	"github.com/tigerroll/logstats/pkg/pipeline/core/domain/repository"
	"github.com/tigerroll/logstats/pkg/pipeline/core/metrics"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
)

// Eviction reasons, as reported to the metric recorder.
const (
	ReasonExpired       = "expired"
	ReasonMissing       = "missing"
	ReasonOrphan        = "orphan"
	ReasonStaleSnapshot = "stale_snapshot"
)

// DefaultSnapshotRetention applies when the configured retention is not positive.
const DefaultSnapshotRetention = 180 * 24 * time.Hour

// Report counts what one pass removed.
type Report struct {
	Expired   int
	Missing   int
	Orphaned  int
	Snapshots int
}

// Files returns the number of file entries removed.
func (r Report) Files() int {
	return r.Expired + r.Missing + r.Orphaned
}

func (r *Report) add(reason string) {
	switch reason {
	case ReasonExpired:
		r.Expired++
	case ReasonMissing:
		r.Missing++
	case ReasonOrphan:
		r.Orphaned++
	case ReasonStaleSnapshot:
		r.Snapshots++
	}
}

// Params are the Cleaner's collaborators.
type Params struct {
	fx.In

	Repository repository.CacheMetadataRepository
	Store      *columnar.Store
	Config     *config.CleanerConfig
	Recorder   metrics.MetricRecorder `optional:"true"`
	Tracer     trace.Tracer           `optional:"true"`
}

// Cleaner runs eviction passes over the cache metadata.
type Cleaner struct {
	repo      repository.CacheMetadataRepository
	store     *columnar.Store
	interval  time.Duration
	retention time.Duration
	recorder  metrics.MetricRecorder
	tracer    trace.Tracer
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCleaner creates a Cleaner. A non-positive interval disables the periodic loop.
func NewCleaner(p Params) *Cleaner {
	c := &Cleaner{
		repo:      p.Repository,
		store:     p.Store,
		retention: DefaultSnapshotRetention,
		recorder:  p.Recorder,
		tracer:    p.Tracer,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if p.Config != nil {
		c.interval = p.Config.Interval
		if p.Config.SnapshotRetention > 0 {
			c.retention = p.Config.SnapshotRetention
		}
	}
	if c.recorder == nil {
		c.recorder = metrics.NewNoOpMetricRecorder()
	}
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer("logstats/cleaner")
	}
	return c
}

// Run performs a pass immediately and then one per interval until ctx is done. Pass
// errors are logged and do not stop the loop.
func (c *Cleaner) Run(ctx context.Context) {
	c.runLogged(ctx)
	if c.interval <= 0 {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runLogged(ctx)
		}
	}
}

func (c *Cleaner) runLogged(ctx context.Context) {
	if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
		logger.Errorf("Cache cleanup finished with errors: %v", err)
	}
}

// Start launches Run in the background. The loop outlives ctx and is ended by Stop.
func (c *Cleaner) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	if c.interval <= 0 {
		logger.Infof("Periodic cache cleanup is disabled.")
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		c.Run(ctx)
	}()
	logger.Infof("Cache cleaner started with interval %s and snapshot retention %s.", c.interval, c.retention)
	return nil
}

// Stop ends the background loop and waits for the current pass to return.
func (c *Cleaner) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		logger.Infof("Cache cleaner stopped.")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs the file pass and then the snapshot pass. The passes are independent:
// a failure in one does not skip the other, and a failure on one entry does not skip the
// remaining entries. All failures are returned together.
func (c *Cleaner) RunOnce(ctx context.Context) (Report, error) {
	ctx, span := c.tracer.Start(ctx, "cleaner.run_once")
	defer span.End()

	var report Report
	var errs *multierror.Error
	if err := c.sweepFiles(ctx, &report); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := c.sweepSnapshots(ctx, &report); err != nil {
		errs = multierror.Append(errs, err)
	}

	span.SetAttributes(
		attribute.Int("files_removed", report.Files()),
		attribute.Int("snapshots_removed", report.Snapshots),
	)
	if err := errs.ErrorOrNil(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cleanup incomplete")
		return report, err
	}
	logger.Infof("Cache cleanup removed %d expired, %d missing and %d orphaned files, and %d stale snapshots.",
		report.Expired, report.Missing, report.Orphaned, report.Snapshots)
	return report, nil
}

func (c *Cleaner) sweepFiles(ctx context.Context, report *Report) error {
	entries, err := c.repo.ListFileEntries(ctx)
	if err != nil {
		return err
	}
	now := c.now()

	var errs *multierror.Error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return multierror.Append(errs, err).ErrorOrNil()
		}
		reason, err := c.classify(ctx, entry, now)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if reason == "" {
			continue
		}
		removed, err := c.evict(ctx, entry, reason)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !removed {
			continue
		}
		report.add(reason)
		c.recorder.RecordEviction(ctx, reason)
	}
	return errs.ErrorOrNil()
}

// classify returns the reason entry must go, or "" to keep it.
func (c *Cleaner) classify(ctx context.Context, entry *model.FileEntry, now time.Time) (string, error) {
	if entry.IsExpired(now) {
		return ReasonExpired, nil
	}
	exists, err := c.store.Exists(ctx, entry.FullPath())
	if err != nil {
		return "", err
	}
	if !exists {
		return ReasonMissing, nil
	}
	links, err := c.repo.CountSnapshotLinks(ctx, entry.ID)
	if err != nil {
		return "", err
	}
	if links == 0 {
		return ReasonOrphan, nil
	}
	return "", nil
}

// evict deletes the row and then the object, and reports whether the entry was still
// there to remove. The row delete is keyed on the entry id: when a concurrent write has
// already replaced the entry, the object now at its path belongs to the new entry and is
// left alone. A missing object only loses its row.
func (c *Cleaner) evict(ctx context.Context, entry *model.FileEntry, reason string) (bool, error) {
	objectPath := entry.FullPath()
	removed, err := c.repo.DeleteFileEntry(ctx, entry.ID)
	if err != nil {
		return false, err
	}
	if !removed {
		logger.Debugf("Cache file entry %d for '%s' was replaced during the pass; keeping the object.", entry.ID, objectPath)
		return false, nil
	}
	if reason != ReasonMissing {
		if err := c.store.Delete(ctx, objectPath); err != nil {
			return false, fmt.Errorf("metadata of '%s' removed but the object was not: %w", objectPath, err)
		}
	}

	switch reason {
	case ReasonExpired:
		logger.Infof("Removed expired cache file '%s' (cached at %s, ttl %s).", objectPath, entry.CachedAt.Format(time.RFC3339), entry.TTL())
	case ReasonMissing:
		logger.Warnf("Cache file '%s' is missing from storage; removed its metadata.", objectPath)
	case ReasonOrphan:
		logger.Infof("Removed orphaned cache file '%s'.", objectPath)
	}
	return true, nil
}

func (c *Cleaner) sweepSnapshots(ctx context.Context, report *Report) error {
	cutoff := c.now().Add(-c.retention)
	snaps, err := c.repo.ListStaleSnapshots(ctx, cutoff)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for _, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return multierror.Append(errs, err).ErrorOrNil()
		}
		if err := c.repo.DeleteSnapshot(ctx, snap.ID); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("snapshot %s|%s: %w", snap.QueryName, snap.ArgsHash, err))
			continue
		}
		logger.Infof("Removed request snapshot %s|%s created at %s with no cached files.",
			snap.QueryName, snap.ArgsHash, snap.CreatedAt.Format(time.RFC3339))
		report.add(ReasonStaleSnapshot)
		c.recorder.RecordEviction(ctx, ReasonStaleSnapshot)
	}
	return errs.ErrorOrNil()
}
