package docindex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
)

const setIndexCall = "Search.setIndex("

// rawIndex mirrors the keys of a searchindex.js payload. Fields whose shape
// changed across Sphinx releases stay raw and are decoded by hand.
type rawIndex struct {
	DocNames   []string                   `json:"docnames"`
	Filenames  []string                   `json:"filenames"`
	Titles     []string                   `json:"titles"`
	EnvVersion json.RawMessage            `json:"envversion"`
	Objects    map[string]json.RawMessage `json:"objects"`
	ObjNames   map[string][]string        `json:"objnames"`
	ObjTypes   map[string]string          `json:"objtypes"`
	Terms      map[string]json.RawMessage `json:"terms"`
	TitleTerms map[string]json.RawMessage `json:"titleterms"`
}

// LoadFile parses the searchindex.js at path.
func LoadFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening search index: %w", err)
	}
	defer f.Close()
	idx, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return idx, nil
}

// Load parses a searchindex.js stream. Both the Search.setIndex(...) wrapper
// and a bare object literal are accepted.
func Load(r io.Reader) (*Index, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading search index: %w", err)
	}
	body, err := unwrap(string(data))
	if err != nil {
		return nil, err
	}
	js, err := jsToJSON(body)
	if err != nil {
		return nil, err
	}

	var raw rawIndex
	dec := json.NewDecoder(bytes.NewReader(js))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding search index: %w: %w", apperrors.ErrInvalidInput, err)
	}
	c, err := raw.contents()
	if err != nil {
		return nil, err
	}
	return New(c)
}

func unwrap(src string) (string, error) {
	s := strings.TrimSpace(src)
	if strings.HasPrefix(s, setIndexCall) {
		s = strings.TrimSuffix(s, ";")
		s = strings.TrimSpace(s)
		if !strings.HasSuffix(s, ")") {
			return "", fmt.Errorf("unterminated %s call: %w", setIndexCall, apperrors.ErrInvalidInput)
		}
		s = s[len(setIndexCall) : len(s)-1]
	}
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return "", fmt.Errorf("search index is not an object literal: %w", apperrors.ErrInvalidInput)
	}
	return s, nil
}

func (raw *rawIndex) contents() (Contents, error) {
	var c Contents
	if len(raw.Titles) != len(raw.DocNames) {
		return c, fmt.Errorf("%d docnames but %d titles: %w", len(raw.DocNames), len(raw.Titles), apperrors.ErrInvalidInput)
	}
	for i, name := range raw.DocNames {
		d := Document{ID: i, Name: name, Title: raw.Titles[i]}
		if i < len(raw.Filenames) {
			d.Filename = raw.Filenames[i]
		}
		c.Documents = append(c.Documents, d)
	}

	var err error
	if c.EnvVersion, err = parseEnvVersion(raw.EnvVersion); err != nil {
		return c, err
	}
	if c.Kinds, err = parseKinds(raw.ObjNames, raw.ObjTypes); err != nil {
		return c, err
	}
	if c.Objects, err = parseObjects(raw.Objects); err != nil {
		return c, err
	}
	if c.Terms, err = parsePostings(raw.Terms); err != nil {
		return c, fmt.Errorf("terms: %w", err)
	}
	if c.TitleTerms, err = parsePostings(raw.TitleTerms); err != nil {
		return c, fmt.Errorf("titleterms: %w", err)
	}
	return c, nil
}

// parseEnvVersion accepts the per-domain map of current Sphinx and the single
// integer of old releases.
func parseEnvVersion(raw json.RawMessage) (map[string]int, error) {
	if len(raw) == 0 {
		return map[string]int{}, nil
	}
	var versions map[string]int
	if err := json.Unmarshal(raw, &versions); err == nil {
		return versions, nil
	}
	var single int
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("envversion: %w: %w", apperrors.ErrInvalidInput, err)
	}
	return map[string]int{"sphinx": single}, nil
}

func parseKinds(names map[string][]string, types map[string]string) ([]ObjectKind, error) {
	kinds := make([]ObjectKind, 0, len(names))
	for key, parts := range names {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("objnames key %q: %w", key, apperrors.ErrInvalidInput)
		}
		if len(parts) < 2 {
			return nil, fmt.Errorf("objnames %q: expected [domain, role, label]: %w", key, apperrors.ErrInvalidInput)
		}
		k := ObjectKind{ID: id, Domain: parts[0], Role: parts[1], Label: parts[1]}
		if len(parts) > 2 {
			k.Label = parts[2]
		}
		kinds = append(kinds, k)
	}
	// objtypes may name kinds that objnames omits
	for key, full := range types {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("objtypes key %q: %w", key, apperrors.ErrInvalidInput)
		}
		if _, ok := names[key]; ok {
			continue
		}
		domain, role, _ := strings.Cut(full, ":")
		kinds = append(kinds, ObjectKind{ID: id, Domain: domain, Role: role, Label: role})
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].ID < kinds[j].ID })
	return kinds, nil
}

// parseObjects handles the list form, prefix -> [[doc, type, prio, anchor,
// name], ...], and the older map form, prefix -> {name: [doc, type, prio,
// anchor]}.
func parseObjects(raw map[string]json.RawMessage) ([]Object, error) {
	var objects []Object
	for prefix, msg := range raw {
		trimmed := bytes.TrimSpace(msg)
		if len(trimmed) == 0 {
			continue
		}
		switch trimmed[0] {
		case '[':
			var entries [][]json.RawMessage
			if err := json.Unmarshal(trimmed, &entries); err != nil {
				return nil, fmt.Errorf("objects[%q]: %w: %w", prefix, apperrors.ErrInvalidInput, err)
			}
			for _, e := range entries {
				if len(e) < 5 {
					return nil, fmt.Errorf("objects[%q]: entry has %d fields, want 5: %w", prefix, len(e), apperrors.ErrInvalidInput)
				}
				var name string
				if err := json.Unmarshal(e[4], &name); err != nil {
					return nil, fmt.Errorf("objects[%q]: name: %w", prefix, apperrors.ErrInvalidInput)
				}
				o, err := decodeObject(prefix, name, e[:4])
				if err != nil {
					return nil, err
				}
				objects = append(objects, o)
			}
		case '{':
			var entries map[string][]json.RawMessage
			if err := json.Unmarshal(trimmed, &entries); err != nil {
				return nil, fmt.Errorf("objects[%q]: %w: %w", prefix, apperrors.ErrInvalidInput, err)
			}
			for name, e := range entries {
				if len(e) < 4 {
					return nil, fmt.Errorf("objects[%q][%q]: entry has %d fields, want 4: %w", prefix, name, len(e), apperrors.ErrInvalidInput)
				}
				o, err := decodeObject(prefix, name, e[:4])
				if err != nil {
					return nil, err
				}
				objects = append(objects, o)
			}
		default:
			return nil, fmt.Errorf("objects[%q]: unexpected shape: %w", prefix, apperrors.ErrInvalidInput)
		}
	}
	return objects, nil
}

func decodeObject(prefix, name string, fields []json.RawMessage) (Object, error) {
	o := Object{Prefix: prefix, Name: name, Path: name}
	if prefix != "" {
		o.Path = prefix + "." + name
	}
	for i, dst := range []*int{&o.DocID, &o.KindID, &o.Priority} {
		if err := json.Unmarshal(fields[i], dst); err != nil {
			return o, fmt.Errorf("object %s field %d: %w", o.Path, i, apperrors.ErrInvalidInput)
		}
	}
	// the anchor is a string, or 0/1 in some old builds
	if err := json.Unmarshal(fields[3], &o.Anchor); err != nil {
		var n int
		if err := json.Unmarshal(fields[3], &n); err != nil {
			return o, fmt.Errorf("object %s anchor: %w", o.Path, apperrors.ErrInvalidInput)
		}
		if n != 0 {
			o.Anchor = "-"
		}
	}
	return o, nil
}

// parsePostings accepts a single document id, a list of ids or an empty list.
func parsePostings(raw map[string]json.RawMessage) (map[string]*roaring.Bitmap, error) {
	out := make(map[string]*roaring.Bitmap, len(raw))
	for term, msg := range raw {
		bm := roaring.New()
		var single int
		if err := json.Unmarshal(msg, &single); err == nil {
			if single < 0 {
				return nil, fmt.Errorf("term %q: negative document %d: %w", term, single, apperrors.ErrInvalidInput)
			}
			bm.Add(uint32(single))
			out[term] = bm
			continue
		}
		var list []int
		if err := json.Unmarshal(msg, &list); err != nil {
			return nil, fmt.Errorf("term %q: expected int or list: %w", term, apperrors.ErrInvalidInput)
		}
		for _, id := range list {
			if id < 0 {
				return nil, fmt.Errorf("term %q: negative document %d: %w", term, id, apperrors.ErrInvalidInput)
			}
			bm.Add(uint32(id))
		}
		out[term] = bm
	}
	return out, nil
}
