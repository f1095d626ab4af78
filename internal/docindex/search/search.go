// Package search answers queries against a docindex.Index with the scoring
// rules of the Sphinx search widget: object names first, then title and
// body terms, exact matches above prefix expansions.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex"
	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex/analyzer"
	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/tracing"
)

const (
	ScoreObjectName    = 11
	ScoreObjectPartial = 6
	ScoreTitle         = 15
	ScorePartialTitle  = 7
	ScoreTerm          = 5
	ScorePartialTerm   = 2
)

// objectPriorityBonus is added to object hits by inventory priority.
var objectPriorityBonus = map[int]int{
	docindex.PriorityImportant:   15,
	docindex.PriorityDefault:     5,
	docindex.PriorityUnimportant: -5,
}

type Match string

const (
	MatchExact  Match = "exact"
	MatchPrefix Match = "prefix"
)

type HitKind string

const (
	KindDocument HitKind = "document"
	KindObject   HitKind = "object"
)

type Hit struct {
	Kind    HitKind `json:"kind"`
	DocID   int     `json:"doc_id"`
	DocName string  `json:"doc_name"`
	Title   string  `json:"title"`
	Anchor  string  `json:"anchor,omitempty"`
	Object  string  `json:"object,omitempty"`
	Type    string  `json:"type,omitempty"`
	Score   int     `json:"score"`
	Match   Match   `json:"match"`
}

// Link is the page-relative URL of the hit, e.g. apidocs.html#module-ble_device.
func (h Hit) Link() string {
	if h.Anchor == "" {
		return h.DocName + ".html"
	}
	return h.DocName + ".html#" + h.Anchor
}

type Result struct {
	Query string   `json:"query"`
	Total int      `json:"total"`
	Hits  []Hit    `json:"hits"`
	Terms []string `json:"terms"`
}

// TopMatch returns the match kind of the best hit, or "" without hits.
func (r *Result) TopMatch() Match {
	if len(r.Hits) == 0 {
		return ""
	}
	return r.Hits[0].Match
}

type Searcher struct {
	DefaultLimit int
	MaxResults   int
}

func New(defaultLimit, maxResults int) *Searcher {
	if defaultLimit <= 0 {
		defaultLimit = 10
	}
	if maxResults < defaultLimit {
		maxResults = defaultLimit
	}
	return &Searcher{DefaultLimit: defaultLimit, MaxResults: maxResults}
}

// Search analyzes raw and runs it against idx. limit <= 0 selects the
// default and anything above MaxResults is capped.
func (s *Searcher) Search(ctx context.Context, idx *docindex.Index, raw string, limit int) (*Result, error) {
	if idx == nil {
		return nil, apperrors.ErrIndexNotLoaded
	}
	if limit <= 0 {
		limit = s.DefaultLimit
	}
	if limit > s.MaxResults {
		limit = s.MaxResults
	}

	_, span := tracing.StartChildSpan(ctx, "analyze")
	q := analyzer.Analyze(raw)
	span.SetAttr("terms", len(q.Terms))
	span.End()
	if q.Empty() {
		return nil, fmt.Errorf("query %q has no searchable words: %w", raw, apperrors.ErrInvalidInput)
	}

	_, span = tracing.StartChildSpan(ctx, "lookup")
	hits := Objects(idx, q)
	hits = append(hits, Documents(idx, q)...)
	span.SetAttr("hits", len(hits))
	span.End()

	_, span = tracing.StartChildSpan(ctx, "rank")
	Sort(hits)
	span.End()

	res := &Result{Query: raw, Total: len(hits), Terms: q.TermStrings(), Hits: hits}
	if len(res.Hits) > limit {
		res.Hits = res.Hits[:limit]
	}
	return res, nil
}

// Objects scores inventory entries against the raw query words. An object
// scores by its best word.
func Objects(idx *docindex.Index, q analyzer.Query) []Hit {
	var hits []Hit
	idx.EachObject(func(o docindex.Object) {
		if !o.Searchable() {
			return
		}
		full := strings.ToLower(o.Path)
		short := strings.ToLower(o.Name)
		best, match := 0, Match("")
		for _, word := range q.Raw {
			switch {
			case word == full || word == short:
				if best < ScoreObjectName {
					best, match = ScoreObjectName, MatchExact
				}
			case strings.HasPrefix(full, word) || strings.HasPrefix(short, word):
				if best < ScoreObjectPartial {
					best, match = ScoreObjectPartial, MatchPrefix
				}
			}
		}
		if best == 0 {
			return
		}
		kind, _ := idx.Kind(o.KindID)
		doc, _ := idx.Document(o.DocID)
		hits = append(hits, Hit{
			Kind:    KindObject,
			DocID:   o.DocID,
			DocName: doc.Name,
			Title:   o.Path,
			Anchor:  o.ResolveAnchor(kind),
			Object:  o.Path,
			Type:    kind.Label,
			Score:   best + objectPriorityBonus[o.Priority],
			Match:   match,
		})
	})
	return hits
}

type termScore struct {
	score int
	exact bool
}

// Documents scores pages against the stemmed terms. A page must match every
// term; pages containing an excluded term are dropped.
func Documents(idx *docindex.Index, q analyzer.Query) []Hit {
	if len(q.Terms) == 0 {
		return nil
	}

	var matched *roaring.Bitmap
	perTerm := make([]map[uint32]termScore, len(q.Terms))
	for i, tok := range q.Terms {
		scores := make(map[uint32]termScore)
		collect(scores, tok.Term, idx.Term, idx.PrefixTerms, ScoreTerm, ScorePartialTerm)
		collect(scores, tok.Term, idx.TitleTerm, idx.PrefixTitleTerms, ScoreTitle, ScorePartialTitle)
		perTerm[i] = scores

		docs := roaring.New()
		for id := range scores {
			docs.Add(id)
		}
		if matched == nil {
			matched = docs
		} else {
			matched.And(docs)
		}
		if matched.IsEmpty() {
			return nil
		}
	}

	for _, tok := range q.Excluded {
		if bm, ok := idx.Term(tok.Term); ok {
			matched.AndNot(bm)
		}
		if bm, ok := idx.TitleTerm(tok.Term); ok {
			matched.AndNot(bm)
		}
	}

	hits := make([]Hit, 0, matched.GetCardinality())
	it := matched.Iterator()
	for it.HasNext() {
		id := it.Next()
		total, exact := 0, true
		for _, scores := range perTerm {
			ts := scores[id]
			total += ts.score
			exact = exact && ts.exact
		}
		doc, _ := idx.Document(int(id))
		hit := Hit{
			Kind:    KindDocument,
			DocID:   doc.ID,
			DocName: doc.Name,
			Title:   doc.Title,
			Score:   total,
			Match:   MatchPrefix,
		}
		if exact {
			hit.Match = MatchExact
		}
		hits = append(hits, hit)
	}
	return hits
}

// collect merges one table's contribution for term into scores, keeping the
// best score per document. Prefix expansion only runs when the table has no
// entry for the term itself.
func collect(
	scores map[uint32]termScore,
	term string,
	lookup func(string) (*roaring.Bitmap, bool),
	prefixes func(string) []string,
	exactScore, partialScore int,
) {
	if bm, ok := lookup(term); ok {
		merge(scores, bm, termScore{score: exactScore, exact: true})
		return
	}
	if len([]rune(term)) < analyzer.MinPrefixLen {
		return
	}
	for _, candidate := range prefixes(term) {
		if bm, ok := lookup(candidate); ok {
			merge(scores, bm, termScore{score: partialScore})
		}
	}
}

func merge(scores map[uint32]termScore, bm *roaring.Bitmap, ts termScore) {
	it := bm.Iterator()
	for it.HasNext() {
		id := it.Next()
		cur, ok := scores[id]
		if !ok || ts.score > cur.score {
			cur.score = ts.score
		}
		cur.exact = cur.exact || ts.exact
		scores[id] = cur
	}
}

// Sort orders hits by score, exact before prefix, then title and object
// path.
func Sort(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Match != b.Match {
			return a.Match == MatchExact
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.Object < b.Object
	})
}
