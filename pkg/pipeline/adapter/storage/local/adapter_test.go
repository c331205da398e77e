package local_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storageAdapter "github.com/tigerroll/logstats/pkg/pipeline/adapter/storage"
	storageConfig "github.com/tigerroll/logstats/pkg/pipeline/adapter/storage/config"
	"github.com/tigerroll/logstats/pkg/pipeline/adapter/storage/local"
)

func newAdapter(t *testing.T) (storageAdapter.StorageConnection, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "cache")
	conn, err := storageAdapter.Open(context.Background(), "cache", storageConfig.StorageConfig{Type: local.ProviderType, BaseDir: dir})
	require.NoError(t, err)
	return conn, dir
}

func TestUploadDownloadDelete(t *testing.T) {
	conn, dir := newAdapter(t)
	ctx := context.Background()

	require.NoError(t, conn.Upload(ctx, "", "fights/abc/a.parquet", strings.NewReader("payload"), "application/octet-stream"))
	assert.FileExists(t, filepath.Join(dir, "fights", "abc", "a.parquet"))

	rc, err := conn.Download(ctx, "", "fights/abc/a.parquet")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	info, err := conn.Stat(ctx, "", "fights/abc/a.parquet")
	require.NoError(t, err)
	assert.EqualValues(t, 7, info.Size)

	require.NoError(t, conn.DeleteObject(ctx, "", "fights/abc/a.parquet"))
	require.NoError(t, conn.DeleteObject(ctx, "", "fights/abc/a.parquet"), "missing objects are ignored")

	_, err = conn.Stat(ctx, "", "fights/abc/a.parquet")
	assert.ErrorIs(t, err, storageAdapter.ErrObjectNotExist)
	_, err = conn.Download(ctx, "", "fights/abc/a.parquet")
	assert.ErrorIs(t, err, storageAdapter.ErrObjectNotExist)

	ok, err := storageAdapter.Exists(ctx, conn, "", "fights/abc/a.parquet")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestObjectWriter_CommitAndAbort(t *testing.T) {
	conn, dir := newAdapter(t)
	ctx := context.Background()
	target := filepath.Join(dir, "zones", "zones.parquet")

	w, err := conn.NewObjectWriter(ctx, "", "zones/zones.parquet")
	require.NoError(t, err)
	_, err = w.Write([]byte("v1"))
	require.NoError(t, err)
	assert.FileExists(t, target+local.TempSuffix)
	assert.NoFileExists(t, target, "target must not be visible before commit")
	require.NoError(t, w.Commit())
	assert.NoFileExists(t, target+local.TempSuffix)

	w, err = conn.NewObjectWriter(ctx, "", "zones/zones.parquet")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())
	assert.NoFileExists(t, target+local.TempSuffix)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data), "aborted write leaves the previous version intact")
}

func TestListObjects(t *testing.T) {
	conn, _ := newAdapter(t)
	ctx := context.Background()
	for _, name := range []string{"fights/a/1.parquet", "fights/b/2.parquet", "zones/z.parquet"} {
		require.NoError(t, conn.Upload(ctx, "", name, strings.NewReader("x"), ""))
	}
	w, err := conn.NewObjectWriter(ctx, "", "fights/a/3.parquet")
	require.NoError(t, err)
	defer w.Abort()

	var names []string
	require.NoError(t, conn.ListObjects(ctx, "", "fights/", func(name string) error {
		names = append(names, name)
		return nil
	}))
	sort.Strings(names)
	assert.Equal(t, []string{"fights/a/1.parquet", "fights/b/2.parquet"}, names)
}

func TestResolvePath_RejectsEscape(t *testing.T) {
	conn, _ := newAdapter(t)
	err := conn.Upload(context.Background(), "", "../outside.txt", strings.NewReader("x"), "")
	assert.Error(t, err)
}

func TestNewLocalAdapter_RequiresBaseDir(t *testing.T) {
	_, err := local.NewLocalAdapter(storageConfig.StorageConfig{Type: local.ProviderType}, "cache")
	assert.Error(t, err)
}
