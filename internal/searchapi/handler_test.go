package searchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/poweron-gmbh/touch-detect-sdk/internal/analytics"
	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex"
	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex/catalog"
	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex/search"
	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
	pkgredis "github.com/poweron-gmbh/touch-detect-sdk/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	idx       *docindex.Index
	reloadErr error
	reloads   int
}

func (s *fakeSource) Current() *docindex.Index { return s.idx }

func (s *fakeSource) Reload(context.Context) error {
	s.reloads++
	return s.reloadErr
}

func (s *fakeSource) Info() catalog.Info {
	info := catalog.Info{Loaded: s.idx != nil, Source: catalog.SourceFile}
	if s.idx != nil {
		info.Stats = s.idx.Stats()
	}
	return info
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	gets int
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	v, ok := m.data[key]
	if !ok {
		return nil, pkgredis.ErrMiss
	}
	return v, nil
}

func (m *memStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memStore) FlushByPattern(_ context.Context, pattern string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.data {
		if ok, _ := path.Match(pattern, k); ok {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

type recordingTracker struct {
	events []analytics.QueryEvent
}

func (r *recordingTracker) Track(e analytics.QueryEvent) { r.events = append(r.events, e) }

func loadIndex(t *testing.T) *docindex.Index {
	t.Helper()
	idx, err := docindex.LoadFile("../docindex/testdata/searchindex.js")
	require.NoError(t, err)
	return idx
}

func serve(t *testing.T, h *Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.Routes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestSearch(t *testing.T) {
	tracker := &recordingTracker{}
	h := New(&fakeSource{idx: loadIndex(t)}, search.New(10, 100), WithTracker(tracker), WithQueryTimeout(time.Second))

	rec := serve(t, h, http.MethodGet, "/api/v1/search?q=connect")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[search.Result](t, rec)
	assert.Equal(t, "connect", res.Query)
	assert.Equal(t, 4, res.Total)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "ble_touch_sdk.BleTouchSdk.connect", res.Hits[0].Object)

	require.Len(t, tracker.events, 1)
	ev := tracker.events[0]
	assert.Equal(t, 4, ev.Total)
	assert.Equal(t, "exact", ev.Match)
	assert.Equal(t, "apidocs.html#ble_touch_sdk.BleTouchSdk.connect", ev.TopHit)
	assert.False(t, ev.CacheHit)
}

func TestSearch_BadRequests(t *testing.T) {
	h := New(&fakeSource{idx: loadIndex(t)}, search.New(10, 100))

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"missing q", "/api/v1/search", http.StatusBadRequest},
		{"zero limit", "/api/v1/search?q=connect&limit=0", http.StatusBadRequest},
		{"bad limit", "/api/v1/search?q=connect&limit=ten", http.StatusBadRequest},
		{"wrong method", "/api/v1/search?q=connect", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := http.MethodGet
			if tt.status == http.StatusMethodNotAllowed {
				method = http.MethodPost
			}
			rec := serve(t, h, method, tt.target)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestSearch_LimitCapped(t *testing.T) {
	h := New(&fakeSource{idx: loadIndex(t)}, search.New(2, 3))
	rec := serve(t, h, http.MethodGet, "/api/v1/search?q=connect&limit=50")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[search.Result](t, rec)
	assert.Len(t, res.Hits, 3)
	assert.Equal(t, 4, res.Total)
}

func TestSearch_StopWordsOnly(t *testing.T) {
	h := New(&fakeSource{idx: loadIndex(t)}, search.New(10, 100))
	rec := serve(t, h, http.MethodGet, "/api/v1/search?q=the+and")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[search.Result](t, rec)
	assert.Empty(t, res.Hits)
	assert.Zero(t, res.Total)
}

func TestSearch_IndexNotLoaded(t *testing.T) {
	h := New(&fakeSource{}, search.New(10, 100))
	rec := serve(t, h, http.MethodGet, "/api/v1/search?q=connect")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Contains(t, body["error"], "not loaded")
}

func TestSearch_Cached(t *testing.T) {
	store := newMemStore()
	cache := NewQueryCache(store, time.Minute, nil)
	tracker := &recordingTracker{}
	h := New(&fakeSource{idx: loadIndex(t)}, search.New(10, 100), WithCache(cache), WithTracker(tracker))

	require.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/api/v1/search?q=Connect").Code)
	rec := serve(t, h, http.MethodGet, "/api/v1/search?q=connect")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "connect", decode[search.Result](t, rec).Query)

	require.Len(t, tracker.events, 2)
	assert.False(t, tracker.events[0].CacheHit)
	assert.True(t, tracker.events[1].CacheHit)

	stats := decode[CacheStats](t, serve(t, h, http.MethodGet, "/api/v1/cache/stats"))
	assert.Equal(t, CacheStats{Hits: 1, Misses: 1, Total: 2, HitRate: "50.0%"}, stats)

	rec = serve(t, h, http.MethodPost, "/api/v1/cache/invalidate")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, store.data)
}

func TestCacheEndpoints_Disabled(t *testing.T) {
	h := New(&fakeSource{idx: loadIndex(t)}, search.New(10, 100))
	assert.Contains(t, serve(t, h, http.MethodGet, "/api/v1/cache/stats").Body.String(), "disabled")
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, h, http.MethodPost, "/api/v1/cache/invalidate").Code)
}

func TestObjects(t *testing.T) {
	h := New(&fakeSource{idx: loadIndex(t)}, search.New(10, 100))

	rec := serve(t, h, http.MethodGet, "/api/v1/objects?prefix=ble_device")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Count   int          `json:"count"`
		Objects []objectView `json:"objects"`
	}](t, rec)
	assert.Equal(t, 4, list.Count)
	assert.Equal(t, "ble_device", list.Objects[0].Path)
	assert.Equal(t, "apidocs.html#module-ble_device", list.Objects[0].Link)

	rec = serve(t, h, http.MethodGet, "/api/v1/objects/ble_device.BleDevice.address")
	require.Equal(t, http.StatusOK, rec.Code)
	obj := decode[objectView](t, rec)
	assert.Equal(t, "Python property", obj.Kind)
	assert.Equal(t, "apidocs", obj.Document)

	rec = serve(t, h, http.MethodGet, "/api/v1/objects/ble_device.Missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDocumentsAndTerms(t *testing.T) {
	h := New(&fakeSource{idx: loadIndex(t)}, search.New(10, 100))

	docs := decode[struct {
		Count int `json:"count"`
	}](t, serve(t, h, http.MethodGet, "/api/v1/documents"))
	assert.Equal(t, 6, docs.Count)

	terms := decode[struct {
		Postings      []int `json:"postings"`
		TitlePostings []int `json:"title_postings"`
	}](t, serve(t, h, http.MethodGet, "/api/v1/terms/connect"))
	assert.Equal(t, []int{0, 1, 3}, terms.Postings)
	assert.Equal(t, []int{}, terms.TitlePostings)

	prefix := decode[struct {
		Terms []string `json:"terms"`
	}](t, serve(t, h, http.MethodGet, "/api/v1/terms/devic?prefix=true"))
	assert.Contains(t, prefix.Terms, "devic")
	for _, term := range prefix.Terms {
		assert.True(t, strings.HasPrefix(term, "devic"), term)
	}
}

func TestIndexReload(t *testing.T) {
	src := &fakeSource{idx: loadIndex(t)}
	h := New(src, search.New(10, 100))

	rec := serve(t, h, http.MethodPost, "/api/v1/index/reload")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, src.reloads)
	assert.Equal(t, 6, decode[catalog.Info](t, rec).Stats.Documents)

	src.reloadErr = errors.Join(errors.New("bad file"), apperrors.ErrInvalidInput)
	assert.Equal(t, http.StatusBadRequest, serve(t, h, http.MethodPost, "/api/v1/index/reload").Code)

	src.reloadErr = errors.New("disk on fire")
	rec = serve(t, h, http.MethodPost, "/api/v1/index/reload")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decode[map[string]string](t, rec)["error"])
}

func TestAnalyticsRoutes(t *testing.T) {
	agg := analytics.NewAggregator()
	h := New(&fakeSource{idx: loadIndex(t)}, search.New(10, 100),
		WithTracker(agg), WithAnalytics(analytics.NewHandler(agg, nil)))

	require.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/api/v1/search?q=pytest").Code)
	stats := decode[analytics.Stats](t, serve(t, h, http.MethodGet, "/api/v1/analytics"))
	assert.Equal(t, int64(1), stats.TotalQueries)
}

func TestBuildKey(t *testing.T) {
	assert.Equal(t, BuildKey("Connect device", 10), BuildKey("device  the connect", 10))
	assert.NotEqual(t, BuildKey("connect", 10), BuildKey("connect", 20))
	assert.NotEqual(t, BuildKey("library", 10), BuildKey("library -demo", 10))
	assert.True(t, strings.HasPrefix(BuildKey("connect", 10), keyPrefix))
}
