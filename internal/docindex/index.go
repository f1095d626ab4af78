// Package docindex holds an immutable, queryable copy of a Sphinx
// searchindex.js: the document list, the object inventory and the body and
// title term postings.
package docindex

import (
	"fmt"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
)

// Priority values as written by Sphinx domains.
const (
	PriorityImportant     = 0
	PriorityDefault       = 1
	PriorityUnimportant   = 2
	PriorityNotSearchable = -1
)

type Document struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Title    string `json:"title"`
	Filename string `json:"filename,omitempty"`
}

// ObjectKind is one entry of objnames/objtypes, e.g. py / method /
// "Python method".
type ObjectKind struct {
	ID     int    `json:"id"`
	Domain string `json:"domain"`
	Role   string `json:"role"`
	Label  string `json:"label"`
}

type Object struct {
	Path     string `json:"path"`
	Prefix   string `json:"prefix"`
	Name     string `json:"name"`
	DocID    int    `json:"doc_id"`
	KindID   int    `json:"kind"`
	Priority int    `json:"priority"`
	Anchor   string `json:"anchor"`
}

// Searchable reports whether the object takes part in name lookup.
func (o Object) Searchable() bool {
	return o.Priority != PriorityNotSearchable
}

// ResolveAnchor expands the short anchor forms: "" is the full path and "-"
// is role-path.
func (o Object) ResolveAnchor(kind ObjectKind) string {
	switch o.Anchor {
	case "":
		return o.Path
	case "-":
		return kind.Role + "-" + o.Path
	default:
		return o.Anchor
	}
}

// Contents is the raw material for an Index. Parsers and snapshot readers
// fill it and hand it to New.
type Contents struct {
	Documents  []Document
	Kinds      []ObjectKind
	Objects    []Object
	Terms      map[string]*roaring.Bitmap
	TitleTerms map[string]*roaring.Bitmap
	EnvVersion map[string]int
}

// Index must not be modified after New returns it; a reload builds a new
// one.
type Index struct {
	docs       []Document
	kinds      map[int]ObjectKind
	objects    []Object
	byPath     map[string][]int
	terms      postingTable
	titleTerms postingTable
	envVersion map[string]int
}

// New validates c and builds the lookup structures.
func New(c Contents) (*Index, error) {
	idx := &Index{
		docs:       c.Documents,
		kinds:      make(map[int]ObjectKind, len(c.Kinds)),
		objects:    make([]Object, len(c.Objects)),
		byPath:     make(map[string][]int, len(c.Objects)),
		envVersion: c.EnvVersion,
	}
	for i, d := range idx.docs {
		if d.ID != i {
			return nil, fmt.Errorf("document %q has id %d at position %d: %w", d.Name, d.ID, i, apperrors.ErrInvalidInput)
		}
	}
	for _, k := range c.Kinds {
		idx.kinds[k.ID] = k
	}

	copy(idx.objects, c.Objects)
	sort.SliceStable(idx.objects, func(i, j int) bool {
		if idx.objects[i].Path != idx.objects[j].Path {
			return idx.objects[i].Path < idx.objects[j].Path
		}
		return idx.objects[i].KindID < idx.objects[j].KindID
	})
	for i, o := range idx.objects {
		if o.DocID < 0 || o.DocID >= len(idx.docs) {
			return nil, fmt.Errorf("object %s points at document %d of %d: %w", o.Path, o.DocID, len(idx.docs), apperrors.ErrInvalidInput)
		}
		if _, ok := idx.kinds[o.KindID]; !ok {
			return nil, fmt.Errorf("object %s has unknown kind %d: %w", o.Path, o.KindID, apperrors.ErrInvalidInput)
		}
		for _, j := range idx.byPath[o.Path] {
			if idx.objects[j].KindID == o.KindID {
				return nil, fmt.Errorf("duplicate object %s (%s): %w", o.Path, idx.kinds[o.KindID].Role, apperrors.ErrInvalidInput)
			}
		}
		idx.byPath[o.Path] = append(idx.byPath[o.Path], i)
	}

	var err error
	if idx.terms, err = newPostingTable(c.Terms, len(idx.docs)); err != nil {
		return nil, fmt.Errorf("terms: %w", err)
	}
	if idx.titleTerms, err = newPostingTable(c.TitleTerms, len(idx.docs)); err != nil {
		return nil, fmt.Errorf("titleterms: %w", err)
	}
	return idx, nil
}

func (idx *Index) Documents() []Document {
	return append([]Document(nil), idx.docs...)
}

func (idx *Index) Document(id int) (Document, bool) {
	if id < 0 || id >= len(idx.docs) {
		return Document{}, false
	}
	return idx.docs[id], true
}

func (idx *Index) Kind(id int) (ObjectKind, bool) {
	k, ok := idx.kinds[id]
	return k, ok
}

// Kinds returns the object kinds ordered by id.
func (idx *Index) Kinds() []ObjectKind {
	out := make([]ObjectKind, 0, len(idx.kinds))
	for _, k := range idx.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Objects returns the inventory entries whose path starts with prefix,
// ordered by path.
func (idx *Index) Objects(prefix string) []Object {
	start := sort.Search(len(idx.objects), func(i int) bool {
		return idx.objects[i].Path >= prefix
	})
	var out []Object
	for i := start; i < len(idx.objects) && strings.HasPrefix(idx.objects[i].Path, prefix); i++ {
		out = append(out, idx.objects[i])
	}
	return out
}

// Object looks up a symbol by its exact dotted path. When a path carries
// more than one kind the lowest kind id wins.
func (idx *Index) Object(path string) (Object, error) {
	ids := idx.byPath[path]
	if len(ids) == 0 {
		return Object{}, fmt.Errorf("%s: %w", path, apperrors.ErrSymbolNotFound)
	}
	return idx.objects[ids[0]], nil
}

// EachObject calls fn for every inventory entry in path order.
func (idx *Index) EachObject(fn func(Object)) {
	for _, o := range idx.objects {
		fn(o)
	}
}

func (idx *Index) EnvVersion() map[string]int {
	out := make(map[string]int, len(idx.envVersion))
	for k, v := range idx.envVersion {
		out[k] = v
	}
	return out
}

// Postings returns the sorted ids of documents whose body contains term.
func (idx *Index) Postings(term string) []int {
	return idx.terms.postings(term)
}

func (idx *Index) TitlePostings(term string) []int {
	return idx.titleTerms.postings(term)
}

// PrefixTerms returns the body terms starting with prefix in sorted order.
func (idx *Index) PrefixTerms(prefix string) []string {
	return idx.terms.prefix(prefix)
}

func (idx *Index) PrefixTitleTerms(prefix string) []string {
	return idx.titleTerms.prefix(prefix)
}

// Term returns the body postings bitmap for term and whether the term has an
// entry at all. An entry may be empty. The bitmap is shared and must not be
// modified.
func (idx *Index) Term(term string) (*roaring.Bitmap, bool) {
	bm, ok := idx.terms.bitmaps[term]
	return bm, ok
}

func (idx *Index) TitleTerm(term string) (*roaring.Bitmap, bool) {
	bm, ok := idx.titleTerms.bitmaps[term]
	return bm, ok
}

// TermTable exposes the body or title postings in dictionary order, for
// serialisation.
func (idx *Index) TermTable(title bool) ([]string, map[string]*roaring.Bitmap) {
	t := idx.terms
	if title {
		t = idx.titleTerms
	}
	return t.dict, t.bitmaps
}

type Stats struct {
	Documents  int `json:"documents"`
	Objects    int `json:"objects"`
	Terms      int `json:"terms"`
	TitleTerms int `json:"title_terms"`
}

func (idx *Index) Stats() Stats {
	return Stats{
		Documents:  len(idx.docs),
		Objects:    len(idx.objects),
		Terms:      len(idx.terms.dict),
		TitleTerms: len(idx.titleTerms.dict),
	}
}

type postingTable struct {
	dict    []string
	bitmaps map[string]*roaring.Bitmap
}

func newPostingTable(in map[string]*roaring.Bitmap, numDocs int) (postingTable, error) {
	t := postingTable{
		dict:    make([]string, 0, len(in)),
		bitmaps: make(map[string]*roaring.Bitmap, len(in)),
	}
	for term, bm := range in {
		if bm == nil {
			bm = roaring.New()
		}
		if !bm.IsEmpty() && int(bm.Maximum()) >= numDocs {
			return postingTable{}, fmt.Errorf("term %q references document %d of %d: %w", term, bm.Maximum(), numDocs, apperrors.ErrInvalidInput)
		}
		bm.RunOptimize()
		t.dict = append(t.dict, term)
		t.bitmaps[term] = bm
	}
	sort.Strings(t.dict)
	return t, nil
}

func (t postingTable) postings(term string) []int {
	bm, ok := t.bitmaps[term]
	if !ok {
		return []int{}
	}
	return toInts(bm)
}

func (t postingTable) prefix(prefix string) []string {
	start := sort.SearchStrings(t.dict, prefix)
	var out []string
	for i := start; i < len(t.dict) && strings.HasPrefix(t.dict[i], prefix); i++ {
		out = append(out, t.dict[i])
	}
	return out
}

func toInts(bm *roaring.Bitmap) []int {
	out := make([]int, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, int(it.Next()))
	}
	return out
}
