// Command tdsearch queries a Sphinx searchindex.js from the command line.
//
// Usage:
//
//	tdsearch -index docs/_build/html/searchindex.js [-limit 10] [-json] connect device
//	tdsearch -index searchindex.js -objects [prefix]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex"
	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex/search"
	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/logger"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tdsearch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	indexPath := fs.String("index", "docs/_build/html/searchindex.js", "path to searchindex.js")
	limit := fs.Int("limit", 10, "maximum number of hits")
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	objects := fs.Bool("objects", false, "list the object inventory, optionally filtered by a prefix argument")
	logLevel := fs.String("log-level", "warn", "log level")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	logger.Setup(*logLevel, "text")

	idx, err := docindex.LoadFile(*indexPath)
	if err != nil {
		fmt.Fprintf(stderr, "tdsearch: %v\n", err)
		return 1
	}

	if *objects {
		return listObjects(idx, fs.Arg(0), *asJSON, stdout, stderr)
	}

	query := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(query) == "" {
		fmt.Fprintln(stderr, "tdsearch: a query is required")
		fs.Usage()
		return 2
	}
	res, err := search.New(*limit, max(*limit, 1)).Search(ctx, idx, query, *limit)
	if errors.Is(err, apperrors.ErrInvalidInput) {
		res = &search.Result{Query: query, Hits: []search.Hit{}, Terms: []string{}}
	} else if err != nil {
		fmt.Fprintf(stderr, "tdsearch: %v\n", err)
		return 1
	}

	if *asJSON {
		return encode(stdout, stderr, res)
	}
	if len(res.Hits) == 0 {
		fmt.Fprintf(stdout, "no results for %q\n", query)
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tMATCH\tKIND\tTITLE\tLINK")
	for _, h := range res.Hits {
		title := h.Title
		if h.Object != "" {
			title = h.Object
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", h.Score, h.Match, h.Kind, title, h.Link())
	}
	tw.Flush()
	fmt.Fprintf(stdout, "%d of %d hits\n", len(res.Hits), res.Total)
	return 0
}

type objectRow struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
	Link string `json:"link"`
}

func listObjects(idx *docindex.Index, prefix string, asJSON bool, stdout, stderr io.Writer) int {
	var rows []objectRow
	for _, o := range idx.Objects(prefix) {
		kind, _ := idx.Kind(o.KindID)
		doc, _ := idx.Document(o.DocID)
		rows = append(rows, objectRow{
			Path: o.Path,
			Kind: kind.Label,
			Link: doc.Name + ".html#" + o.ResolveAnchor(kind),
		})
	}
	if asJSON {
		if rows == nil {
			rows = []objectRow{}
		}
		return encode(stdout, stderr, rows)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Path, r.Kind, r.Link)
	}
	tw.Flush()
	return 0
}

func encode(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "tdsearch: %v\n", err)
		return 1
	}
	return 0
}
