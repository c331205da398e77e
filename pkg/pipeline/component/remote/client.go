// Package remote implements the resilient client for the upstream analytics API: cached
// reads backed by the columnar store, retries on a fixed schedule, a circuit breaker and
// per-call timeouts.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/fx"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/tigerroll/logstats/pkg/pipeline/component/columnar"
	"github.com/tigerroll/logstats/pkg/pipeline/component/flatten"
	"github.com/tigerroll/logstats/pkg/pipeline/core/config"
	model "github.com/tigerroll/logstats/pkg/pipeline/core/domain/model"
	repository "github.com/tigerroll/logstats/pkg/pipeline/core/domain/repository"
	"github.com/tigerroll/logstats/pkg/pipeline/core/metrics"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/exception"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/serialization"
)

const (
	module     = "ResilientRemoteClient"
	tracerName = "github.com/tigerroll/logstats/remote"
)

// QueryRequest describes one upstream query.
type QueryRequest struct {
	QueryName string
	// Args are sent as GraphQL variables and hashed for the cache key.
	Args any
	// Partition, when set, places the cache file in a sub-folder of the dataset.
	Partition string
	// ForceRefresh skips the cache lookup. The fresh result is still written back.
	ForceRefresh bool
}

// Params are the Client's collaborators.
type Params struct {
	fx.In

	Config     *config.RemoteConfig
	Cache      *config.CacheConfig
	Loader     TemplateLoader
	Store      *columnar.Store
	Repository repository.CacheMetadataRepository
	Recorder   metrics.MetricRecorder `optional:"true"`
	Tracer     trace.Tracer           `optional:"true"`
	HTTPClient *http.Client           `optional:"true"`
}

// Client runs queries against the upstream API through the cache.
type Client struct {
	endpoint    string
	apiKey      string
	callTimeout time.Duration
	schedule    []time.Duration
	maxPages    int

	cacheCfg *config.CacheConfig
	loader   TemplateLoader
	store    *columnar.Store
	repo     repository.CacheMetadataRepository
	recorder metrics.MetricRecorder
	tracer   trace.Tracer
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	group    singleflight.Group

	datasets sync.Map // dataset name -> *model.Dataset
}

// NewClient creates a Client.
func NewClient(p Params) *Client {
	recorder := p.Recorder
	if recorder == nil {
		recorder = metrics.NewNoOpMetricRecorder()
	}
	tracer := p.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(tracerName)
	}
	httpClient := p.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	limit := rate.Inf
	burst := p.Config.RateLimitBurst
	if p.Config.RateLimitPerSecond > 0 {
		limit = rate.Limit(p.Config.RateLimitPerSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	callTimeout := p.Config.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}

	return &Client{
		endpoint:    p.Config.Endpoint,
		apiKey:      p.Config.APIKey,
		callTimeout: callTimeout,
		schedule:    p.Config.Retry.Schedule,
		maxPages:    p.Config.MaxPages,
		cacheCfg:    p.Cache,
		loader:      p.Loader,
		store:       p.Store,
		repo:        p.Repository,
		recorder:    recorder,
		tracer:      tracer,
		http:        httpClient,
		limiter:     rate.NewLimiter(limit, burst),
		breaker:     newBreaker(p.Config.Retry, recorder),
	}
}

// MaxPages returns the configured page cap for paginated queries.
func (c *Client) MaxPages() int {
	return c.maxPages
}

// BreakerState returns the circuit breaker state: closed, half-open or open.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// Fetch runs req and decodes the result into a T.
func Fetch[T any](ctx context.Context, c *Client, req QueryRequest) (T, error) {
	var out T
	err := c.Query(ctx, req, &out)
	return out, err
}

// Query runs req and decodes the result into out, which must be a non-nil pointer.
// A valid cache entry is served without contacting upstream. On a miss the upstream
// result is decoded, written back to the cache and returned; cache failures are logged
// and never fail the call.
func (c *Client) Query(ctx context.Context, req QueryRequest, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return exception.NewSerializationError(module, fmt.Sprintf("query output must be a non-nil pointer, got %T", out), nil)
	}
	def, err := c.loader.LoadQueryTemplate(req.QueryName)
	if err != nil {
		return err
	}
	hash, err := serialization.CanonicalHash(req.Args)
	if err != nil {
		return exception.NewSerializationError(module, fmt.Sprintf("failed to hash arguments of '%s'", req.QueryName), err)
	}
	key := model.CacheKey{QueryName: req.QueryName, ArgsHash: hash}

	if !req.ForceRefresh {
		hit, err := c.readCache(ctx, key, out)
		if err != nil {
			logger.Warnf("Cache read for %s failed, treating it as a miss: %v", key, err)
		}
		if hit {
			c.recorder.RecordCacheLookup(ctx, req.QueryName, metrics.CacheHit)
			logger.Debugf("Cache hit for %s.", key)
			return nil
		}
	}
	c.recorder.RecordCacheLookup(ctx, req.QueryName, metrics.CacheMiss)

	valueType := rv.Elem().Type()
	ch := c.group.DoChan(key.String(), func() (interface{}, error) {
		return c.fetchAndStore(ctx, def, key, req, valueType)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		if res.Shared {
			logger.Debugf("Shared in-flight upstream result for %s.", key)
		}
		if err := json.Unmarshal(res.Val.(json.RawMessage), out); err != nil {
			return exception.NewSerializationError(module, fmt.Sprintf("failed to decode result of '%s'", req.QueryName), err)
		}
		return nil
	}
}

func (c *Client) readCache(ctx context.Context, key model.CacheKey, out any) (bool, error) {
	snap, err := c.repo.FindSnapshot(ctx, key)
	if errors.Is(err, repository.ErrSnapshotNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(snap.Files) == 0 {
		return false, nil
	}
	now := time.Now()
	files := make([]columnar.FileRef, 0, len(snap.Files))
	for _, f := range snap.Files {
		if f.IsExpired(now) {
			return false, nil
		}
		files = append(files, columnar.FileRef{Path: f.FullPath(), Hash: f.Hash})
	}

	// A file replaced after the snapshot was loaded no longer matches its hash.
	table, err := c.store.ReadVerified(ctx, files)
	if errors.Is(err, columnar.ErrHashMismatch) {
		logger.Warnf("Cached files of %s changed since they were recorded; treating as a miss: %v", key, err)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// Decode into a scratch value so a failed read leaves out untouched.
	scratch := reflect.New(reflect.TypeOf(out).Elem())
	if err := flatten.Unflatten(table, scratch.Interface()); err != nil {
		return false, err
	}
	reflect.ValueOf(out).Elem().Set(scratch.Elem())
	return true, nil
}

// fetchAndStore calls upstream, writes the decoded result to the cache and returns the
// raw result document for every waiting caller to decode.
func (c *Client) fetchAndStore(ctx context.Context, def QueryDefinition, key model.CacheKey, req QueryRequest, valueType reflect.Type) (json.RawMessage, error) {
	raw, err := c.execute(ctx, def, key, req.Args)
	if err != nil {
		return nil, err
	}
	value := reflect.New(valueType)
	if err := json.Unmarshal(raw, value.Interface()); err != nil {
		return nil, exception.NewSerializationError(module, fmt.Sprintf("failed to decode result of '%s'", def.Name), err)
	}
	if err := c.writeCache(ctx, def, key, req, value.Elem().Interface()); err != nil {
		logger.Errorf("Failed to cache result for %s: %v", key, err)
	}
	return raw, nil
}

// execute runs the upstream call under retry(breaker(timeout(http))).
func (c *Client) execute(ctx context.Context, def QueryDefinition, key model.CacheKey, args any) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{
		"query":     def.Query,
		"variables": args,
	})
	if err != nil {
		return nil, exception.NewSerializationError(module, fmt.Sprintf("failed to encode request for '%s'", def.Name), err)
	}

	var result json.RawMessage
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		res, err := c.breaker.Execute(func() (interface{}, error) {
			return c.attempt(ctx, def, key, body)
		})
		if err != nil {
			err = breakerError(err)
			if errors.Is(err, exception.ErrCircuitOpen) {
				c.recorder.RecordUpstreamCall(ctx, def.Name, outcome(err), 0)
			}
			if ctx.Err() != nil || !exception.IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res.(json.RawMessage)
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.recorder.RecordRetry(ctx, def.Name)
		logger.Warnf("Upstream query '%s' failed, retrying in %s: %v", def.Name, wait, err)
	}

	err = backoff.RetryNotify(operation, backoff.WithContext(newScheduleBackOff(c.schedule), ctx), notify)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return nil, fmt.Errorf("upstream query '%s' interrupted: %w", def.Name, ctxErr)
		}
		return nil, err
	}
	return result, nil
}

// attempt performs one HTTP round trip under the per-call timeout.
func (c *Client) attempt(parent context.Context, def QueryDefinition, key model.CacheKey, body []byte) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(parent, c.callTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "remote.query", trace.WithAttributes(
		attribute.String("query", def.Name),
		attribute.String("args_hash", key.ArgsHash),
	))
	defer span.End()

	start := time.Now()
	raw, err := c.roundTrip(ctx, parent, def, body)
	c.recorder.RecordUpstreamCall(parent, def.Name, outcome(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream query failed")
		return nil, err
	}
	return raw, nil
}

func (c *Client) roundTrip(ctx, parent context.Context, def QueryDefinition, body []byte) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, exception.NewPermanentUpstreamError(module, 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if perr := parent.Err(); perr != nil {
			return nil, perr
		}
		return nil, exception.NewTransientUpstreamError(module, 0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if perr := parent.Err(); perr != nil {
			return nil, perr
		}
		return nil, exception.NewTransientUpstreamError(module, 0, err)
	}
	if err := classifyStatus(resp.StatusCode, data); err != nil {
		return nil, err
	}
	if err := graphQLErrors(data); err != nil {
		return nil, exception.NewPermanentUpstreamError(module, resp.StatusCode, err)
	}

	sub, err := extractPath(data, def.ResultPath)
	if err != nil {
		return nil, exception.NewSerializationError(module, fmt.Sprintf("unexpected response shape for '%s'", def.Name), err)
	}
	return sub, nil
}

// graphQLErrors returns the errors array of a response that carries no data.
func graphQLErrors(data []byte) error {
	var env struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(data, &env); err != nil || len(env.Errors) == 0 {
		return nil
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		return nil
	}
	msgs := make([]string, len(env.Errors))
	for i, e := range env.Errors {
		msgs[i] = e.Message
	}
	return errors.New(strings.Join(msgs, "; "))
}

// extractPath returns the sub-document of doc at a dot-separated path.
func extractPath(doc []byte, dotPath string) (json.RawMessage, error) {
	current := json.RawMessage(doc)
	if dotPath == "" {
		return current, nil
	}
	for _, seg := range strings.Split(dotPath, ".") {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(current, &obj); err != nil {
			return nil, fmt.Errorf("'%s' is not an object: %w", seg, err)
		}
		next, ok := obj[seg]
		if !ok || string(next) == "null" {
			return nil, fmt.Errorf("missing '%s' in path '%s'", seg, dotPath)
		}
		current = next
	}
	return current, nil
}

// writeCache stores value as a new cache file and links it to key.
func (c *Client) writeCache(ctx context.Context, def QueryDefinition, key model.CacheKey, req QueryRequest, value any) error {
	dataset, dsCfg, err := c.ensureDataset(ctx, def.Dataset)
	if err != nil {
		return err
	}
	table, err := flatten.Flatten(value)
	if err != nil {
		return err
	}

	target := columnar.Target{
		Dataset:  dataset.Name,
		RootPath: dataset.RootPath,
		Mode:     dataset.WriteMode,
		Name:     dsCfg.FileName,
	}
	var partitionID *uint
	if req.Partition != "" {
		p, err := c.repo.EnsurePartition(ctx, dataset.ID, req.Partition, path.Join(dataset.RootPath, req.Partition))
		if err != nil {
			return err
		}
		target.Partition = p.Name
		target.PartitionPath = p.Path
		partitionID = &p.ID
	}

	info, err := c.store.Write(ctx, target, table)
	if err != nil {
		return err
	}
	argsJSON, err := serialization.CanonicalJSON(req.Args)
	if err != nil {
		return exception.NewSerializationError(module, "failed to encode arguments", err)
	}
	_, err = c.repo.RecordFile(ctx, repository.RecordFileRequest{
		Key:      key,
		ArgsJSON: string(argsJSON),
		File: model.FileEntry{
			FileName:    info.FileName,
			Hash:        info.Hash,
			SizeBytes:   info.SizeBytes,
			CachedAt:    info.WrittenAt,
			TTLSeconds:  int64(c.ttl().Seconds()),
			DatasetID:   dataset.ID,
			PartitionID: partitionID,
		},
		Replace: true,
	})
	if err != nil {
		if derr := c.store.Delete(context.WithoutCancel(ctx), info.ObjectPath()); derr != nil {
			logger.Warnf("Failed to remove unrecorded cache file '%s': %v", info.ObjectPath(), derr)
		}
		return err
	}
	return nil
}

func (c *Client) ttl() time.Duration {
	if c.cacheCfg != nil && c.cacheCfg.DefaultTTL > 0 {
		return c.cacheCfg.DefaultTTL
	}
	return config.DefaultCacheTTL
}

// ensureDataset registers the dataset once per process and returns it with its config.
func (c *Client) ensureDataset(ctx context.Context, name string) (*model.Dataset, config.DatasetConfig, error) {
	dsCfg := DatasetConfigFor(c.cacheCfg, name)
	if v, ok := c.datasets.Load(name); ok {
		return v.(*model.Dataset), dsCfg, nil
	}
	ds, err := c.repo.EnsureDataset(ctx, model.Dataset{
		Name:          name,
		SchemaVersion: dsCfg.SchemaVersion,
		RootPath:      dsCfg.RootPath,
		WriteMode:     dsCfg.Mode,
	})
	if err != nil {
		return nil, dsCfg, err
	}
	c.datasets.Store(name, ds)
	return ds, dsCfg, nil
}

// DatasetConfigFor returns the configuration of dataset name with defaults applied: the
// root path is the dataset name, the mode APPEND and the schema version 1.
func DatasetConfigFor(cfg *config.CacheConfig, name string) config.DatasetConfig {
	var dsCfg config.DatasetConfig
	if cfg != nil {
		dsCfg = cfg.Datasets[name]
	}
	if dsCfg.RootPath == "" {
		dsCfg.RootPath = name
	}
	if dsCfg.Mode == "" {
		dsCfg.Mode = config.WriteModeAppend
	}
	dsCfg.Mode = strings.ToUpper(dsCfg.Mode)
	if dsCfg.SchemaVersion == 0 {
		dsCfg.SchemaVersion = 1
	}
	return dsCfg
}

// SeedDatasets registers every configured dataset in the metadata store.
func SeedDatasets(ctx context.Context, cfg *config.CacheConfig, repo repository.CacheMetadataRepository) error {
	if cfg == nil {
		return nil
	}
	for name := range cfg.Datasets {
		dsCfg := DatasetConfigFor(cfg, name)
		if _, err := repo.EnsureDataset(ctx, model.Dataset{
			Name:          name,
			SchemaVersion: dsCfg.SchemaVersion,
			RootPath:      dsCfg.RootPath,
			WriteMode:     dsCfg.Mode,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Module provides the Client.
var Module = fx.Options(
	fx.Provide(NewClient),
)
