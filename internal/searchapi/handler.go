// Package searchapi serves the documentation index over HTTP: ranked search,
// the object inventory, postings, cache control and index reloads.
package searchapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/poweron-gmbh/touch-detect-sdk/internal/analytics"
	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex"
	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex/analyzer"
	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex/catalog"
	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex/search"
	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/logger"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/metrics"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/resilience"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/tracing"
)

// IndexSource is implemented by *catalog.Catalog.
type IndexSource interface {
	Current() *docindex.Index
	Reload(ctx context.Context) error
	Info() catalog.Info
}

// Tracker receives one event per answered search. Both
// *analytics.Collector and *analytics.Aggregator implement it.
type Tracker interface {
	Track(event analytics.QueryEvent)
}

type Handler struct {
	source       IndexSource
	searcher     *search.Searcher
	cache        *QueryCache
	tracker      Tracker
	analytics    *analytics.Handler
	metrics      *metrics.Metrics
	queryTimeout time.Duration
	logger       *slog.Logger
}

type Option func(*Handler)

func WithCache(c *QueryCache) Option { return func(h *Handler) { h.cache = c } }

func WithTracker(t Tracker) Option { return func(h *Handler) { h.tracker = t } }

func WithAnalytics(a *analytics.Handler) Option { return func(h *Handler) { h.analytics = a } }

func WithMetrics(m *metrics.Metrics) Option { return func(h *Handler) { h.metrics = m } }

// WithQueryTimeout bounds a single search execution. Zero disables it.
func WithQueryTimeout(d time.Duration) Option { return func(h *Handler) { h.queryTimeout = d } }

func New(source IndexSource, searcher *search.Searcher, opts ...Option) *Handler {
	h := &Handler{
		source:   source,
		searcher: searcher,
		logger:   slog.Default().With("component", "search-handler"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers every endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/search", h.Search)
	mux.HandleFunc("GET /api/v1/objects", h.Objects)
	mux.HandleFunc("GET /api/v1/objects/{path}", h.Object)
	mux.HandleFunc("GET /api/v1/documents", h.Documents)
	mux.HandleFunc("GET /api/v1/terms/{term}", h.Terms)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
	mux.HandleFunc("GET /api/v1/index", h.IndexInfo)
	mux.HandleFunc("POST /api/v1/index/reload", h.IndexReload)
	if h.analytics != nil {
		mux.HandleFunc("GET /api/v1/analytics", h.analytics.Stats)
		mux.HandleFunc("GET /api/v1/analytics/history", h.analytics.History)
	}
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	query := r.URL.Query().Get("q")
	if query == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	limit := h.searcher.DefaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, h.searcher.MaxResults)
	}

	idx := h.source.Current()
	if idx == nil {
		h.fail(w, r, apperrors.ErrIndexNotLoaded)
		return
	}
	if analyzer.Analyze(query).Empty() {
		h.observe("empty", 0, false, start)
		h.writeJSON(w, http.StatusOK, &search.Result{Query: query, Hits: []search.Hit{}, Terms: []string{}})
		return
	}

	ctx, span := tracing.StartSpan(ctx, "search", logger.RequestID(ctx))
	span.SetAttr("query", query)
	run := func(ctx context.Context) (*search.Result, error) {
		var res *search.Result
		err := resilience.WithTimeout(ctx, h.queryTimeout, "search", func(ctx context.Context) error {
			var err error
			res, err = h.searcher.Search(ctx, idx, query, limit)
			return err
		})
		return res, err
	}

	var (
		result   *search.Result
		cacheHit bool
		err      error
	)
	if h.cache != nil {
		result, cacheHit, err = h.cache.GetOrCompute(ctx, query, limit, run)
	} else {
		result, err = run(ctx)
	}
	span.SetAttr("cache_hit", cacheHit)
	span.End()
	span.Log(log)
	if err != nil {
		h.observe("error", 0, cacheHit, start)
		log.Error("search execution failed", "query", query, "error", err)
		h.fail(w, r, err)
		return
	}

	out := *result
	out.Query = query
	latency := time.Since(start)
	h.observe("ok", out.Total, cacheHit, start)
	log.Info("search completed",
		"query", query,
		"total_hits", out.Total,
		"returned", len(out.Hits),
		"cache_hit", cacheHit,
		"latency_ms", latency.Milliseconds(),
	)
	if h.tracker != nil {
		event := analytics.QueryEvent{
			Query:     query,
			Terms:     out.Terms,
			Total:     out.Total,
			Match:     string(out.TopMatch()),
			LatencyMs: latency.Milliseconds(),
			CacheHit:  cacheHit,
			RequestID: logger.RequestID(ctx),
			Timestamp: time.Now().UTC(),
		}
		if len(out.Hits) > 0 {
			event.TopHit = out.Hits[0].Link()
		}
		h.tracker.Track(event)
	}
	h.writeJSON(w, http.StatusOK, &out)
}

func (h *Handler) observe(outcome string, total int, cacheHit bool, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.SearchQueriesTotal.WithLabelValues(outcome).Inc()
	if outcome != "ok" {
		return
	}
	status := "miss"
	if cacheHit {
		status = "hit"
	}
	h.metrics.SearchLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
	h.metrics.SearchResultsCount.Observe(float64(total))
}

type objectView struct {
	docindex.Object
	Kind     string `json:"kind_label"`
	Role     string `json:"role"`
	Document string `json:"document"`
	Link     string `json:"link"`
}

func (h *Handler) view(idx *docindex.Index, o docindex.Object) objectView {
	kind, _ := idx.Kind(o.KindID)
	doc, _ := idx.Document(o.DocID)
	return objectView{
		Object:   o,
		Kind:     kind.Label,
		Role:     kind.Role,
		Document: doc.Name,
		Link:     doc.Name + ".html#" + o.ResolveAnchor(kind),
	}
}

func (h *Handler) Objects(w http.ResponseWriter, r *http.Request) {
	idx := h.source.Current()
	if idx == nil {
		h.fail(w, r, apperrors.ErrIndexNotLoaded)
		return
	}
	objects := idx.Objects(r.URL.Query().Get("prefix"))
	out := make([]objectView, 0, len(objects))
	for _, o := range objects {
		out = append(out, h.view(idx, o))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "objects": out})
}

func (h *Handler) Object(w http.ResponseWriter, r *http.Request) {
	idx := h.source.Current()
	if idx == nil {
		h.fail(w, r, apperrors.ErrIndexNotLoaded)
		return
	}
	o, err := idx.Object(r.PathValue("path"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.view(idx, o))
}

func (h *Handler) Documents(w http.ResponseWriter, r *http.Request) {
	idx := h.source.Current()
	if idx == nil {
		h.fail(w, r, apperrors.ErrIndexNotLoaded)
		return
	}
	docs := idx.Documents()
	h.writeJSON(w, http.StatusOK, map[string]any{"count": len(docs), "documents": docs})
}

// Terms returns the body and title postings of a stemmed term, or with
// ?prefix=true the dictionary terms starting with it.
func (h *Handler) Terms(w http.ResponseWriter, r *http.Request) {
	idx := h.source.Current()
	if idx == nil {
		h.fail(w, r, apperrors.ErrIndexNotLoaded)
		return
	}
	term := r.PathValue("term")
	if prefix, _ := strconv.ParseBool(r.URL.Query().Get("prefix")); prefix {
		h.writeJSON(w, http.StatusOK, map[string]any{
			"prefix":      term,
			"terms":       nonNil(idx.PrefixTerms(term)),
			"title_terms": nonNil(idx.PrefixTitleTerms(term)),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"term":           term,
		"postings":       idx.Postings(term),
		"title_postings": idx.TitlePostings(term),
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	h.writeJSON(w, http.StatusOK, h.cache.Stats())
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}
	if err := h.cache.Invalidate(r.Context()); err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) IndexInfo(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.source.Info())
}

func (h *Handler) IndexReload(w http.ResponseWriter, r *http.Request) {
	if err := h.source.Reload(r.Context()); err != nil {
		logger.FromContext(r.Context()).Error("index reload failed", "error", err)
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.source.Info())
}

// fail writes err with the status its sentinel maps to. Internal errors are
// not echoed to the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	h.writeError(w, status, msg)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
