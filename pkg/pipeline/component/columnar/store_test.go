package columnar_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	parquetlocal "github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/tigerroll/logstats/pkg/pipeline/adapter/storage"
	storageConfig "github.com/tigerroll/logstats/pkg/pipeline/adapter/storage/config"
	_ "github.com/tigerroll/logstats/pkg/pipeline/adapter/storage/local"
	"github.com/tigerroll/logstats/pkg/pipeline/component/columnar"
	"github.com/tigerroll/logstats/pkg/pipeline/component/flatten"
	"github.com/tigerroll/logstats/pkg/pipeline/core/config"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/exception"
)

type zone struct {
	ID     int               `json:"id"`
	Name   string            `json:"name"`
	Kills  []int64           `json:"kills"`
	Damage map[string]uint32 `json:"damage"`
	Start  time.Time         `json:"start"`
	Heroic *bool             `json:"heroic"`
}

func newStore(t *testing.T) (*columnar.Store, string) {
	t.Helper()
	dir := t.TempDir()
	conn, err := storage.Open(context.Background(), "cache", storageConfig.StorageConfig{Type: "local", BaseDir: dir})
	require.NoError(t, err)
	store, err := columnar.NewStore(conn, &config.CacheConfig{RowGroupSize: 2, Compression: "SNAPPY"}, nil)
	require.NoError(t, err)
	return store, dir
}

func zones(n int) []zone {
	heroic := true
	out := make([]zone, n)
	for i := range out {
		out[i] = zone{
			ID:     1000 + i,
			Name:   "zone",
			Kills:  []int64{int64(i), int64(i * 2)},
			Damage: map[string]uint32{"mage": uint32(i * 10)},
			Start:  time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC),
		}
		if i%2 == 0 {
			out[i].Heroic = &heroic
		}
	}
	return out
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	var names []string
	require.NoError(t, filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			rel, _ := filepath.Rel(dir, path)
			names = append(names, filepath.ToSlash(rel))
		}
		return err
	}))
	return names
}

func TestWriteRead_RoundTrip(t *testing.T) {
	store, dir := newStore(t)
	ctx := context.Background()
	in := zones(5)

	table, err := flatten.Flatten(in)
	require.NoError(t, err)
	info, err := store.Write(ctx, columnar.Target{Dataset: "zones", RootPath: "zones", Mode: config.WriteModeAppend}, table)
	require.NoError(t, err)
	assert.Equal(t, 5, info.Rows)

	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(info.ObjectPath())))
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), info.Hash)
	assert.EqualValues(t, len(data), info.SizeBytes)

	read, err := store.Read(ctx, []string{info.ObjectPath()})
	require.NoError(t, err)
	var out []zone
	require.NoError(t, flatten.Unflatten(read, &out))
	assert.Equal(t, in, out)
}

func TestWrite_FixedSizeRowGroups(t *testing.T) {
	store, dir := newStore(t)
	table, err := flatten.Flatten(zones(5))
	require.NoError(t, err)
	info, err := store.Write(context.Background(), columnar.Target{Dataset: "zones", RootPath: "zones"}, table)
	require.NoError(t, err)

	pf, err := parquetlocal.NewLocalFileReader(filepath.Join(dir, filepath.FromSlash(info.ObjectPath())))
	require.NoError(t, err)
	defer pf.Close()
	pr, err := reader.NewParquetColumnReader(pf, 1)
	require.NoError(t, err)
	defer pr.ReadStop()

	assert.EqualValues(t, 5, pr.GetNumRows())
	require.Len(t, pr.Footer.RowGroups, 3)
	assert.EqualValues(t, 2, pr.Footer.RowGroups[0].NumRows)
	assert.EqualValues(t, 1, pr.Footer.RowGroups[2].NumRows)
}

func TestWrite_AppendCreatesNewPartFiles(t *testing.T) {
	store, dir := newStore(t)
	ctx := context.Background()
	target := columnar.Target{Dataset: "fights", RootPath: "fights", PartitionPath: "fights/abc", Mode: config.WriteModeAppend}

	first, err := flatten.Flatten(zones(2))
	require.NoError(t, err)
	second, err := flatten.Flatten(zones(3))
	require.NoError(t, err)

	a, err := store.Write(ctx, target, first)
	require.NoError(t, err)
	b, err := store.Write(ctx, target, second)
	require.NoError(t, err)

	pattern := regexp.MustCompile(`^part-\d{17}-[0-9a-f]{16}\.parquet$`)
	assert.Regexp(t, pattern, a.FileName)
	assert.Regexp(t, pattern, b.FileName)
	assert.NotEqual(t, a.FileName, b.FileName)
	assert.Equal(t, "fights/abc", a.Directory)
	assert.Len(t, listFiles(t, dir), 2)

	read, err := store.Read(ctx, []string{a.ObjectPath(), b.ObjectPath()})
	require.NoError(t, err)
	assert.Equal(t, 5, read.Rows)
	col, ok := read.Column("id")
	require.True(t, ok)
	assert.Equal(t, []any{int64(1000), int64(1001), int64(1000), int64(1001), int64(1002)}, col.Values)
}

func TestWrite_ReplaceAllSwapsTarget(t *testing.T) {
	store, dir := newStore(t)
	ctx := context.Background()
	target := columnar.Target{Dataset: "zones", RootPath: "zones", Mode: config.WriteModeReplaceAll, Name: "zones"}

	v1, err := flatten.Flatten(zones(1))
	require.NoError(t, err)
	v2, err := flatten.Flatten(zones(4))
	require.NoError(t, err)

	_, err = store.Write(ctx, target, v1)
	require.NoError(t, err)
	info, err := store.Write(ctx, target, v2)
	require.NoError(t, err)
	assert.Equal(t, "zones.parquet", info.FileName)
	assert.Equal(t, []string{"zones/zones.parquet"}, listFiles(t, dir))

	read, err := store.Read(ctx, []string{"zones/zones.parquet"})
	require.NoError(t, err)
	assert.Equal(t, 4, read.Rows)
}

func TestWrite_CancelledReplaceAllLeavesNoPartialFile(t *testing.T) {
	store, dir := newStore(t)
	target := columnar.Target{Dataset: "zones", RootPath: "zones", Mode: config.WriteModeReplaceAll, Name: "zones"}

	v1, err := flatten.Flatten(zones(1))
	require.NoError(t, err)
	_, err = store.Write(context.Background(), target, v1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v2, err := flatten.Flatten(zones(5))
	require.NoError(t, err)
	_, err = store.Write(ctx, target, v2)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []string{"zones/zones.parquet"}, listFiles(t, dir), "no tmp file is left behind")
	read, err := store.Read(context.Background(), []string{"zones/zones.parquet"})
	require.NoError(t, err)
	assert.Equal(t, 1, read.Rows, "previous version stays visible")

	_, err = store.Write(ctx, columnar.Target{Dataset: "fresh", RootPath: "fresh", Mode: config.WriteModeReplaceAll}, v2)
	require.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, filepath.Join(dir, "fresh", "fresh.parquet"))
	assert.NoFileExists(t, filepath.Join(dir, "fresh", "fresh.parquet.tmp"))
}

func TestWrite_TypeInference(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	table := flatten.Table{
		Rows: 3,
		Columns: []flatten.Column{
			{Path: "late", Kind: flatten.KindInt, Values: []any{nil, int64(3), int64(4)}},
			{Path: "mixed", Kind: flatten.KindInt, Values: []any{int64(1), "two", nil}},
			{Path: "odd", Kind: flatten.KindString, Values: []any{struct{ A int }{1}, nil, nil}},
			{Path: "empty", Kind: flatten.KindFloat, Values: []any{nil, nil, nil}},
			{Path: "ratio", Kind: flatten.KindFloat, Values: []any{float32(0.5), 1.5, nil}},
		},
	}

	info, err := store.Write(ctx, columnar.Target{Dataset: "t", RootPath: "t"}, table)
	require.NoError(t, err)
	read, err := store.Read(ctx, []string{info.ObjectPath()})
	require.NoError(t, err)

	late, _ := read.Column("late")
	assert.Equal(t, flatten.KindInt, late.Kind)
	assert.Equal(t, []any{nil, int64(3), int64(4)}, late.Values)

	mixed, _ := read.Column("mixed")
	assert.Equal(t, flatten.KindString, mixed.Kind)
	assert.Equal(t, []any{"1", "two", nil}, mixed.Values)

	odd, _ := read.Column("odd")
	assert.Equal(t, []any{"{1}", nil, nil}, odd.Values)

	empty, ok := read.Column("empty")
	require.True(t, ok)
	assert.Equal(t, []any{nil, nil, nil}, empty.Values)

	ratio, _ := read.Column("ratio")
	assert.Equal(t, []any{0.5, 1.5, nil}, ratio.Values)
}

func TestWrite_EmptyTable(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	table, err := flatten.Flatten([]zone{})
	require.NoError(t, err)

	info, err := store.Write(ctx, columnar.Target{Dataset: "z", RootPath: "z"}, table)
	require.NoError(t, err)
	read, err := store.Read(ctx, []string{info.ObjectPath()})
	require.NoError(t, err)
	assert.Zero(t, read.Rows)
	assert.Empty(t, read.Columns)
}

func TestRead_MissingFileIsCacheIO(t *testing.T) {
	store, _ := newStore(t)
	_, err := store.Read(context.Background(), []string{"nope/missing.parquet"})
	require.Error(t, err)
	assert.True(t, exception.IsKind(err, exception.KindCacheIO))
	assert.ErrorIs(t, err, storage.ErrObjectNotExist)
}

func TestPartFileName(t *testing.T) {
	name, err := columnar.PartFileName(time.Date(2024, 3, 1, 20, 15, 0, 123456789, time.UTC))
	require.NoError(t, err)
	assert.Regexp(t, `^part-20240301201500123-[0-9a-f]{16}\.parquet$`, name)
}

func TestNewStore_RejectsUnknownCompression(t *testing.T) {
	conn, err := storage.Open(context.Background(), "cache", storageConfig.StorageConfig{Type: "local", BaseDir: t.TempDir()})
	require.NoError(t, err)
	_, err = columnar.NewStore(conn, &config.CacheConfig{Compression: "LZMA"}, nil)
	assert.Error(t, err)
}

func TestWriteRead_TimesAndSizedNumbers(t *testing.T) {
	type record struct {
		At    time.Time `json:"at"`
		Total uint64    `json:"total"`
		Tiny  any       `json:"tiny"`
	}
	store, _ := newStore(t)
	ctx := context.Background()
	in := []record{
		{At: time.Time{}, Total: 1 << 63, Tiny: int16(-2)},
		{At: time.Date(1200, 5, 6, 7, 8, 9, 10, time.UTC), Total: 3, Tiny: int16(5)},
		{At: time.Date(2500, 1, 1, 0, 0, 0, 1, time.UTC), Total: 4, Tiny: int16(0)},
	}

	table, err := flatten.Flatten(in)
	require.NoError(t, err)
	info, err := store.Write(ctx, columnar.Target{Dataset: "records", RootPath: "records"}, table)
	require.NoError(t, err)
	read, err := store.Read(ctx, []string{info.ObjectPath()})
	require.NoError(t, err)

	at, ok := read.Column("at")
	require.True(t, ok)
	assert.Equal(t, flatten.KindTime, at.Kind)

	var out []record
	require.NoError(t, flatten.Unflatten(read, &out))
	assert.Equal(t, in, out)
}

func TestReadVerified_RejectsChangedContent(t *testing.T) {
	store, dir := newStore(t)
	ctx := context.Background()
	table, err := flatten.Flatten(zones(2))
	require.NoError(t, err)
	info, err := store.Write(ctx, columnar.Target{Dataset: "zones", RootPath: "zones"}, table)
	require.NoError(t, err)

	read, err := store.ReadVerified(ctx, []columnar.FileRef{{Path: info.ObjectPath(), Hash: info.Hash}})
	require.NoError(t, err)
	assert.Equal(t, 2, read.Rows)

	other, err := flatten.Flatten(zones(3))
	require.NoError(t, err)
	otherInfo, err := store.Write(ctx, columnar.Target{Dataset: "zones", RootPath: "zones"}, other)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(otherInfo.ObjectPath())))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, filepath.FromSlash(info.ObjectPath())), data, 0o644))

	_, err = store.ReadVerified(ctx, []columnar.FileRef{{Path: info.ObjectPath(), Hash: info.Hash}})
	require.ErrorIs(t, err, columnar.ErrHashMismatch)
	assert.True(t, exception.IsKind(err, exception.KindCacheIO))

	read, err = store.Read(ctx, []string{info.ObjectPath()})
	require.NoError(t, err, "an unverified read still succeeds")
	assert.Equal(t, 3, read.Rows)
}
