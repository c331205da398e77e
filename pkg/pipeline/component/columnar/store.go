// Package columnar persists flattened tables as Parquet files on a storage connection.
package columnar

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"path"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
	"go.uber.org/fx"

	"github.com/tigerroll/logstats/pkg/pipeline/adapter/storage"
	"github.com/tigerroll/logstats/pkg/pipeline/component/flatten"
	"github.com/tigerroll/logstats/pkg/pipeline/core/config"
	"github.com/tigerroll/logstats/pkg/pipeline/core/metrics"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/exception"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
)

const (
	module = "ColumnarCacheStore"
	// MetadataKey is the footer key holding the logical column list.
	MetadataKey = "logstats.columns"
	// FileExtension is the suffix of every cache file.
	FileExtension = ".parquet"

	parallelism = 1
)

// Target says where and how a table is written.
type Target struct {
	Dataset       string
	RootPath      string
	Partition     string
	PartitionPath string // Overrides RootPath when set.
	Mode          string // config.WriteModeAppend (default) or config.WriteModeReplaceAll.
	Name          string // File name without extension for REPLACE_ALL.
}

// Directory returns the folder files for the target are written to.
func (t Target) Directory() string {
	if t.PartitionPath != "" {
		return t.PartitionPath
	}
	return t.RootPath
}

// ErrHashMismatch is wrapped by Read errors when a file's content no longer matches the
// hash it was recorded with.
var ErrHashMismatch = errors.New("cache file content does not match its recorded hash")

// FileRef names a file to read and, when Hash is set, the sha256 its content must have.
type FileRef struct {
	Path string
	Hash string
}

// FileInfo describes a written cache file.
type FileInfo struct {
	FileName  string
	Directory string
	Hash      string // sha256 of the file content.
	SizeBytes int64
	Rows      int
	WrittenAt time.Time
}

// ObjectPath returns the storage-relative path of the file.
func (f FileInfo) ObjectPath() string {
	return path.Join(f.Directory, f.FileName)
}

// Store writes and reads Parquet cache files.
type Store struct {
	conn         storage.StorageConnection
	rowGroupSize int
	codec        parquet.CompressionCodec
	recorder     metrics.MetricRecorder
	now          func() time.Time
}

// NewStore creates a Store on conn using the row group size and compression of cfg.
func NewStore(conn storage.StorageConnection, cfg *config.CacheConfig, recorder metrics.MetricRecorder) (*Store, error) {
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, exception.NewCacheIOError(module, "invalid cache configuration", err)
	}
	rowGroupSize := cfg.RowGroupSize
	if rowGroupSize <= 0 {
		rowGroupSize = 1000
	}
	if recorder == nil {
		recorder = metrics.NewNoOpMetricRecorder()
	}
	return &Store{conn: conn, rowGroupSize: rowGroupSize, codec: codec, recorder: recorder, now: time.Now}, nil
}

// Write stores table as one file under target. APPEND writes a new uniquely named part
// file; REPLACE_ALL replaces {Name}.parquet. Either way the file only becomes visible
// once it is complete, and a failed or cancelled write leaves nothing behind.
func (s *Store) Write(ctx context.Context, target Target, table flatten.Table) (FileInfo, error) {
	now := s.now().UTC()
	fileName, err := s.fileName(target, now)
	if err != nil {
		return FileInfo{}, err
	}
	info := FileInfo{FileName: fileName, Directory: target.Directory(), Rows: table.Rows, WrittenAt: now}
	objectPath := info.ObjectPath()

	metas := make([]columnMeta, len(table.Columns))
	values := make([][]any, len(table.Columns))
	for i, col := range table.Columns {
		metas[i], values[i] = inferColumn(col)
	}

	ow, err := s.conn.NewObjectWriter(ctx, "", objectPath)
	if err != nil {
		return FileInfo{}, exception.NewCacheIOError(module, fmt.Sprintf("failed to open '%s'", objectPath), err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := ow.Abort(); err != nil {
				logger.Warnf("Failed to discard incomplete cache file '%s': %v", objectPath, err)
			}
		}
	}()

	cw := &countingWriter{w: ow, h: sha256.New()}
	if err := s.encode(ctx, cw, metas, values, table.Rows); err != nil {
		if ctx.Err() != nil {
			return FileInfo{}, fmt.Errorf("write of '%s' interrupted: %w", objectPath, ctx.Err())
		}
		return FileInfo{}, exception.NewCacheIOError(module, fmt.Sprintf("failed to encode '%s'", objectPath), err)
	}
	if err := ctx.Err(); err != nil {
		return FileInfo{}, fmt.Errorf("write of '%s' interrupted: %w", objectPath, err)
	}
	if err := ow.Commit(); err != nil {
		return FileInfo{}, exception.NewCacheIOError(module, fmt.Sprintf("failed to commit '%s'", objectPath), err)
	}
	committed = true

	info.Hash = hex.EncodeToString(cw.h.Sum(nil))
	info.SizeBytes = cw.n
	s.recorder.RecordCacheWrite(ctx, target.Dataset, table.Rows, cw.n)
	logger.Infof("Wrote %d rows (%d bytes) to cache file '%s'.", table.Rows, cw.n, objectPath)
	return info, nil
}

func (s *Store) fileName(target Target, now time.Time) (string, error) {
	switch target.Mode {
	case config.WriteModeReplaceAll:
		name := target.Name
		if name == "" {
			name = target.Dataset
		}
		if name == "" {
			return "", exception.NewCacheIOError(module, "REPLACE_ALL target needs a file name", nil)
		}
		return name + FileExtension, nil
	case config.WriteModeAppend, "":
		return PartFileName(now)
	default:
		return "", exception.NewCacheIOError(module, fmt.Sprintf("unknown write mode '%s'", target.Mode), nil)
	}
}

// PartFileName returns part-{yyyyMMddHHmmssfff}-{16 hex chars}.parquet for now in UTC.
func PartFileName(now time.Time) (string, error) {
	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", exception.NewCacheIOError(module, "failed to generate file name", err)
	}
	stamp := strings.Replace(now.UTC().Format("20060102150405.000"), ".", "", 1)
	return fmt.Sprintf("part-%s-%s%s", stamp, hex.EncodeToString(suffix[:]), FileExtension), nil
}

func (s *Store) encode(ctx context.Context, w io.Writer, metas []columnMeta, values [][]any, rows int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parquet writer panicked: %v", r)
		}
	}()

	schema := make([]string, len(metas))
	for i, m := range metas {
		schema[i] = m.schemaLine(i)
	}
	if len(schema) == 0 {
		// Parquet needs at least one column; rows are still counted.
		schema = []string{columnMeta{Type: typeBoolean}.schemaLine(0)}
		values = [][]any{make([]any, rows)}
	}
	metaJSON, err := json.Marshal(metas)
	if err != nil {
		return err
	}

	pw, err := writer.NewCSVWriterFromWriter(schema, w, parallelism)
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = s.codec

	rec := make([]interface{}, len(values))
	for r := 0; r < rows; r++ {
		if r > 0 && r%s.rowGroupSize == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := pw.Flush(true); err != nil {
				return fmt.Errorf("failed to flush row group ending at row %d: %w", r, err)
			}
		}
		for c := range values {
			rec[c] = values[c][r]
		}
		if err := pw.Write(rec); err != nil {
			return fmt.Errorf("failed to write row %d: %w", r, err)
		}
	}

	meta := string(metaJSON)
	pw.Footer.KeyValueMetadata = append(pw.Footer.KeyValueMetadata, &parquet.KeyValue{Key: MetadataKey, Value: &meta})
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("failed to finalize parquet file: %w", err)
	}
	return nil
}

// Read loads files and unions their columns by path, in file order.
func (s *Store) Read(ctx context.Context, files []string) (flatten.Table, error) {
	refs := make([]FileRef, len(files))
	for i, name := range files {
		refs[i] = FileRef{Path: name}
	}
	return s.ReadVerified(ctx, refs)
}

// ReadVerified is Read for files with a recorded hash. A file whose content hashes
// differently fails the read with an error wrapping ErrHashMismatch.
func (s *Store) ReadVerified(ctx context.Context, files []FileRef) (flatten.Table, error) {
	u := newUnion()
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return flatten.Table{}, err
		}
		if err := s.readFile(ctx, f.Path, f.Hash, u); err != nil {
			return flatten.Table{}, err
		}
	}
	return u.table(), nil
}

func (s *Store) readFile(ctx context.Context, name, wantHash string, u *union) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = exception.NewCacheIOError(module, fmt.Sprintf("parquet reader panicked on '%s': %v", name, r), nil)
		}
	}()

	rc, err := s.conn.Download(ctx, "", name)
	if err != nil {
		return exception.NewCacheIOError(module, fmt.Sprintf("failed to open '%s'", name), err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return exception.NewCacheIOError(module, fmt.Sprintf("failed to read '%s'", name), err)
	}
	if wantHash != "" {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, wantHash) {
			return exception.NewCacheIOError(module, fmt.Sprintf("'%s' has hash %s, recorded %s", name, got, wantHash), ErrHashMismatch)
		}
	}

	pr, err := reader.NewParquetColumnReader(newMemFile(data), parallelism)
	if err != nil {
		return exception.NewCacheIOError(module, fmt.Sprintf("failed to open parquet file '%s'", name), err)
	}
	defer pr.ReadStop()

	metas, err := footerColumns(pr.Footer)
	if err != nil {
		return exception.NewCacheIOError(module, fmt.Sprintf("invalid footer in '%s'", name), err)
	}
	rows := int(pr.GetNumRows())
	for i, m := range metas {
		var vals []interface{}
		if rows > 0 {
			vals, _, _, err = pr.ReadColumnByIndex(int64(i), int64(rows))
			if err != nil {
				return exception.NewCacheIOError(module, fmt.Sprintf("failed to read column '%s' of '%s'", m.Path, name), err)
			}
		}
		converted := make([]any, rows)
		for r := 0; r < rows && r < len(vals); r++ {
			converted[r] = fromPhysical(m, vals[r])
		}
		u.add(m, converted)
	}
	u.advance(rows)
	return nil
}

// Exists reports whether the file at objectPath is present.
func (s *Store) Exists(ctx context.Context, objectPath string) (bool, error) {
	ok, err := storage.Exists(ctx, s.conn, "", objectPath)
	if err != nil {
		return false, exception.NewCacheIOError(module, fmt.Sprintf("failed to stat '%s'", objectPath), err)
	}
	return ok, nil
}

// Delete removes the file at objectPath. A missing file is not an error.
func (s *Store) Delete(ctx context.Context, objectPath string) error {
	if err := s.conn.DeleteObject(ctx, "", objectPath); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return exception.NewCacheIOError(module, fmt.Sprintf("failed to delete '%s'", objectPath), err)
	}
	return nil
}

func footerColumns(footer *parquet.FileMetaData) ([]columnMeta, error) {
	for _, kv := range footer.KeyValueMetadata {
		if kv.Key != MetadataKey || kv.Value == nil {
			continue
		}
		var metas []columnMeta
		if err := json.Unmarshal([]byte(*kv.Value), &metas); err != nil {
			return nil, err
		}
		return metas, nil
	}
	return nil, errors.New("missing " + MetadataKey + " metadata")
}

// union accumulates columns of consecutive files.
type union struct {
	cols  []*flatten.Column
	index map[string]int
	rows  int
}

func newUnion() *union {
	return &union{index: make(map[string]int)}
}

func (u *union) add(m columnMeta, values []any) {
	i, ok := u.index[m.Path]
	if !ok {
		i = len(u.cols)
		u.index[m.Path] = i
		u.cols = append(u.cols, &flatten.Column{Path: m.Path, Kind: m.Kind})
	}
	c := u.cols[i]
	if c.Kind != m.Kind {
		c.Kind = flatten.KindString
	}
	for len(c.Values) < u.rows {
		c.Values = append(c.Values, nil)
	}
	c.Values = append(c.Values, values...)
}

func (u *union) advance(rows int) {
	u.rows += rows
}

func (u *union) table() flatten.Table {
	t := flatten.Table{Rows: u.rows}
	for _, c := range u.cols {
		for len(c.Values) < u.rows {
			c.Values = append(c.Values, nil)
		}
		t.Columns = append(t.Columns, *c)
	}
	return t
}

type countingWriter struct {
	w io.Writer
	h hash.Hash
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.h.Write(p[:n])
	c.n += int64(n)
	return n, err
}

// memFile serves a downloaded file to the parquet reader.
type memFile struct {
	*bytes.Reader
	data []byte
}

var _ source.ParquetFile = (*memFile)(nil)

func newMemFile(data []byte) *memFile {
	return &memFile{Reader: bytes.NewReader(data), data: data}
}

func (f *memFile) Open(string) (source.ParquetFile, error) {
	return newMemFile(f.data), nil
}

func (f *memFile) Create(string) (source.ParquetFile, error) {
	return nil, errors.New("memFile is read-only")
}

func (f *memFile) Write([]byte) (int, error) {
	return 0, errors.New("memFile is read-only")
}

func (f *memFile) Close() error {
	return nil
}

// Module provides the Store.
var Module = fx.Options(
	fx.Provide(NewStore),
)
