// Package catalog owns the live documentation index. It parses the Sphinx
// searchindex.js, persists every good parse as a snapshot and swaps the new
// index in atomically so that in-flight searches keep the one they started
// with.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex"
	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex/snapshot"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/config"
	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/metrics"
	"github.com/robfig/cron/v3"
)

// Source values reported by Info.
const (
	SourceFile     = "file"
	SourceSnapshot = "snapshot"
)

type Info struct {
	Loaded   bool           `json:"loaded"`
	Source   string         `json:"source,omitempty"`
	Path     string         `json:"path,omitempty"`
	Snapshot string         `json:"snapshot,omitempty"`
	LoadedAt time.Time      `json:"loaded_at,omitempty"`
	Stats    docindex.Stats `json:"stats"`
	LastErr  string         `json:"last_error,omitempty"`
}

type Catalog struct {
	cfg     config.DocsConfig
	codec   snapshot.Codec
	metrics *metrics.Metrics
	logger  *slog.Logger

	current atomic.Pointer[docindex.Index]

	mu       sync.Mutex // serialises reloads and guards the fields below
	info     Info
	modTime  time.Time
	size     int64
	hooks    []func(*docindex.Index)
	cron     *cron.Cron
	now      func() time.Time
	cronSpec string
}

type Option func(*Catalog)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Catalog) { c.metrics = m }
}

func New(cfg config.DocsConfig, opts ...Option) *Catalog {
	c := &Catalog{
		cfg:    cfg,
		codec:  snapshot.CodecZstd,
		logger: slog.Default().With("component", "catalog"),
		now:    time.Now,
	}
	if cfg.SnapshotCodec == "lz4" {
		c.codec = snapshot.CodecLZ4
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Current returns the live index or nil before the first successful load.
func (c *Catalog) Current() *docindex.Index {
	return c.current.Load()
}

// OnReload registers fn to run after every swap, for example to drop cached
// search results.
func (c *Catalog) OnReload(fn func(*docindex.Index)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Reload parses the configured searchindex.js and swaps it in. When parsing
// fails and nothing is loaded yet, the newest snapshot is used instead. When
// an index is already live it stays live and the error is returned.
func (c *Catalog) Reload(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reloadLocked(ctx)
}

func (c *Catalog) reloadLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := c.now()

	stat, statErr := os.Stat(c.cfg.IndexPath)
	idx, err := docindex.LoadFile(c.cfg.IndexPath)
	if err != nil {
		c.info.LastErr = err.Error()
		if c.current.Load() != nil {
			c.observe("error")
			c.logger.Error("index reload failed, keeping current index", "path", c.cfg.IndexPath, "error", err)
			return fmt.Errorf("reloading %s: %w", c.cfg.IndexPath, err)
		}
		if fbErr := c.fallbackLocked(); fbErr != nil {
			c.observe("error")
			c.logger.Error("index load failed and no snapshot is usable",
				"path", c.cfg.IndexPath,
				"error", err,
				"snapshot_error", fbErr,
			)
			return fmt.Errorf("loading %s: %w", c.cfg.IndexPath, err)
		}
		c.logger.Warn("search index unreadable, serving snapshot",
			"path", c.cfg.IndexPath,
			"snapshot", c.info.Snapshot,
			"error", err,
		)
		return nil
	}

	snapPath := ""
	if c.cfg.SnapshotDir != "" {
		snapPath, err = snapshot.Write(c.cfg.SnapshotDir, idx, snapshot.WithCodec(c.codec))
		if err != nil {
			c.logger.Warn("writing snapshot failed", "dir", c.cfg.SnapshotDir, "error", err)
			snapPath = ""
		} else if removed, err := snapshot.Prune(c.cfg.SnapshotDir, c.cfg.KeepSnapshots); err != nil {
			c.logger.Warn("pruning snapshots failed", "dir", c.cfg.SnapshotDir, "error", err)
		} else if removed > 0 {
			c.logger.Debug("pruned snapshots", "removed", removed)
		}
	}
	if statErr == nil {
		c.modTime, c.size = stat.ModTime(), stat.Size()
	}
	c.swapLocked(idx, Info{Source: SourceFile, Path: c.cfg.IndexPath, Snapshot: snapPath})
	c.observe("ok")
	c.logger.Info("search index loaded",
		"path", c.cfg.IndexPath,
		"documents", c.info.Stats.Documents,
		"objects", c.info.Stats.Objects,
		"terms", c.info.Stats.Terms,
		"duration", c.now().Sub(start),
	)
	return nil
}

func (c *Catalog) fallbackLocked() error {
	if c.cfg.SnapshotDir == "" {
		return fmt.Errorf("no snapshot directory configured: %w", apperrors.ErrNotFound)
	}
	path, err := snapshot.Latest(c.cfg.SnapshotDir)
	if err != nil {
		return err
	}
	idx, err := snapshot.Read(path)
	if err != nil {
		return err
	}
	c.swapLocked(idx, Info{Source: SourceSnapshot, Path: c.cfg.IndexPath, Snapshot: path, LastErr: c.info.LastErr})
	c.observe(SourceSnapshot)
	return nil
}

func (c *Catalog) swapLocked(idx *docindex.Index, info Info) {
	info.Loaded = true
	info.LoadedAt = c.now()
	info.Stats = idx.Stats()
	c.info = info
	c.current.Store(idx)
	if c.metrics != nil {
		c.metrics.IndexDocuments.Set(float64(info.Stats.Documents))
		c.metrics.IndexTerms.Set(float64(info.Stats.Terms + info.Stats.TitleTerms))
	}
	for _, fn := range c.hooks {
		fn(idx)
	}
}

func (c *Catalog) observe(status string) {
	if c.metrics != nil {
		c.metrics.IndexReloadsTotal.WithLabelValues(status).Inc()
	}
}

// ReloadIfChanged reloads only when the source file's size or modification
// time differs from the last successful load, or when a snapshot is being
// served. It reports whether a reload was attempted.
func (c *Catalog) ReloadIfChanged(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stat, err := os.Stat(c.cfg.IndexPath)
	if err == nil && c.info.Source == SourceFile &&
		stat.ModTime().Equal(c.modTime) && stat.Size() == c.size {
		return false, nil
	}
	if err != nil && c.current.Load() != nil {
		// a vanished source file leaves the live index alone
		return false, nil
	}
	return true, c.reloadLocked(ctx)
}

// Schedule starts periodic change checks on a cron expression or
// descriptor such as "@every 5m". An empty spec disables scheduling.
func (c *Catalog) Schedule(spec string) error {
	if spec == "" {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("reload schedule %q: %w: %w", spec, apperrors.ErrInvalidInput, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return fmt.Errorf("reload already scheduled on %q", c.cronSpec)
	}
	c.cron = cron.New()
	c.cron.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if reloaded, err := c.ReloadIfChanged(ctx); err != nil {
			c.logger.Warn("scheduled reload failed", "error", err)
		} else if reloaded {
			c.logger.Debug("scheduled reload picked up a change")
		}
	}))
	c.cron.Start()
	c.cronSpec = spec
	c.logger.Info("index reload scheduled", "schedule", spec)
	return nil
}

// Stop halts scheduled reloads and waits for a running one to finish.
func (c *Catalog) Stop() {
	c.mu.Lock()
	cr := c.cron
	c.cron = nil
	c.mu.Unlock()
	if cr == nil {
		return
	}
	<-cr.Stop().Done()
}

func (c *Catalog) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Ping fails until an index is live. It fits health.Ping.
func (c *Catalog) Ping(context.Context) error {
	if c.current.Load() == nil {
		return apperrors.ErrIndexNotLoaded
	}
	return nil
}
