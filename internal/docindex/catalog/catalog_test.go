package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex"
	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex/snapshot"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/config"
	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) config.DocsConfig {
	t.Helper()
	src, err := os.ReadFile("../testdata/searchindex.js")
	require.NoError(t, err)
	dir := t.TempDir()
	path := filepath.Join(dir, "searchindex.js")
	require.NoError(t, os.WriteFile(path, src, 0o644))
	return config.DocsConfig{
		IndexPath:     path,
		SnapshotDir:   filepath.Join(dir, "snapshots"),
		KeepSnapshots: 2,
		SnapshotCodec: "zstd",
	}
}

func TestReload_SwapsAndSnapshots(t *testing.T) {
	cfg := setup(t)
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	c := New(cfg, WithMetrics(m))

	require.ErrorIs(t, c.Ping(context.Background()), apperrors.ErrIndexNotLoaded)
	assert.Nil(t, c.Current())

	var seen []*docindex.Index
	c.OnReload(func(idx *docindex.Index) { seen = append(seen, idx) })

	require.NoError(t, c.Reload(context.Background()))
	require.NotNil(t, c.Current())
	require.NoError(t, c.Ping(context.Background()))
	require.Len(t, seen, 1)
	assert.Same(t, c.Current(), seen[0])

	info := c.Info()
	assert.True(t, info.Loaded)
	assert.Equal(t, SourceFile, info.Source)
	assert.Equal(t, 6, info.Stats.Documents)
	assert.Equal(t, 10, info.Stats.Objects)
	require.NotEmpty(t, info.Snapshot)
	assert.FileExists(t, info.Snapshot)

	assert.Equal(t, float64(6), testutil.ToFloat64(m.IndexDocuments))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.IndexReloadsTotal.WithLabelValues("ok")))

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Reload(context.Background()))
	}
	snaps, err := snapshot.List(cfg.SnapshotDir)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestReload_FallsBackToSnapshot(t *testing.T) {
	cfg := setup(t)
	require.NoError(t, New(cfg).Reload(context.Background()))

	require.NoError(t, os.Remove(cfg.IndexPath))
	c := New(cfg)
	require.NoError(t, c.Reload(context.Background()))

	info := c.Info()
	assert.Equal(t, SourceSnapshot, info.Source)
	assert.NotEmpty(t, info.LastErr)
	obj, err := c.Current().Object("ble_device.BleDevice")
	require.NoError(t, err)
	assert.Equal(t, "ble_device.BleDevice", obj.Path)
}

func TestReload_NothingUsable(t *testing.T) {
	cfg := setup(t)
	require.NoError(t, os.Remove(cfg.IndexPath))
	c := New(cfg)
	require.Error(t, c.Reload(context.Background()))
	assert.Nil(t, c.Current())
	assert.False(t, c.Info().Loaded)
}

func TestReload_BadSourceKeepsCurrent(t *testing.T) {
	cfg := setup(t)
	c := New(cfg)
	require.NoError(t, c.Reload(context.Background()))
	before := c.Current()

	require.NoError(t, os.WriteFile(cfg.IndexPath, []byte("Search.setIndex({docnames:"), 0o644))
	err := c.Reload(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Same(t, before, c.Current())
	assert.Equal(t, SourceFile, c.Info().Source)
}

func TestReloadIfChanged(t *testing.T) {
	cfg := setup(t)
	c := New(cfg)

	reloaded, err := c.ReloadIfChanged(context.Background())
	require.NoError(t, err)
	assert.True(t, reloaded)

	reloaded, err = c.ReloadIfChanged(context.Background())
	require.NoError(t, err)
	assert.False(t, reloaded)

	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(cfg.IndexPath, later, later))
	reloaded, err = c.ReloadIfChanged(context.Background())
	require.NoError(t, err)
	assert.True(t, reloaded)
}

func TestReload_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, New(setup(t)).Reload(ctx), context.Canceled)
}

func TestSchedule(t *testing.T) {
	c := New(setup(t))
	require.ErrorIs(t, c.Schedule("every tuesday"), apperrors.ErrInvalidInput)
	require.NoError(t, c.Schedule(""))

	require.NoError(t, c.Schedule("@every 1h"))
	assert.Error(t, c.Schedule("@every 1h"))
	c.Stop()
	c.Stop()
}

func TestNew_LZ4Codec(t *testing.T) {
	cfg := setup(t)
	cfg.SnapshotCodec = "lz4"
	c := New(cfg)
	require.NoError(t, c.Reload(context.Background()))

	h, err := snapshot.ReadHeader(c.Info().Snapshot)
	require.NoError(t, err)
	assert.Equal(t, snapshot.CodecLZ4, h.Codec)
}
