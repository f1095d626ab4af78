// Command loadtest drives GET /api/v1/search of a running docsearch service
// and prints a latency report.
//
// Usage:
//
//	go run ./cmd/loadtest [-url http://localhost:8080] [-concurrency 10] [-duration 30s] [-rps 0] [-index searchindex.js]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// defaultQueries mixes exact terms, prefixes, exclusions and stop words.
var defaultQueries = []string{
	"connect",
	"disconnect",
	"search_devices",
	"get_data",
	"BleDevice",
	"address",
	"devic",
	"conn",
	"library -demo",
	"the device",
	"pytest",
	"bluetooth sensor",
}

type result struct {
	latency time.Duration
	status  int
	hits    int
	err     error
}

type report struct {
	mu        sync.Mutex
	latencies []time.Duration
	statuses  map[int]int
	errors    int
	empty     int
}

func (r *report) add(res result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res.err != nil {
		r.errors++
		return
	}
	r.statuses[res.status]++
	if res.status != http.StatusOK {
		return
	}
	r.latencies = append(r.latencies, res.latency)
	if res.hits == 0 {
		r.empty++
	}
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the docsearch service")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	rps := flag.Float64("rps", 0, "overall request rate limit, 0 for unlimited")
	indexPath := flag.String("index", "", "take queries from the object names of this searchindex.js")
	flag.Parse()

	queries := defaultQueries
	if *indexPath != "" {
		idx, err := docindex.LoadFile(*indexPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loading index: %v\n", err)
			os.Exit(1)
		}
		queries = queries[:0:0]
		idx.EachObject(func(o docindex.Object) { queries = append(queries, o.Name) })
		if len(queries) == 0 {
			queries = defaultQueries
		}
	}

	fmt.Println("=== docsearch load test ===")
	fmt.Printf("Target:      %s\n", *baseURL)
	fmt.Printf("Concurrency: %d\n", *concurrency)
	fmt.Printf("Duration:    %s\n", *duration)
	fmt.Printf("Queries:     %d unique\n\n", len(queries))

	limiter := rate.NewLimiter(rate.Inf, 1)
	if *rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(*rps), 1)
	}
	rep := run(*baseURL, *concurrency, *duration, queries, limiter)
	if !printReport(rep, *duration) {
		os.Exit(1)
	}
}

func run(baseURL string, concurrency int, duration time.Duration, queries []string, limiter *rate.Limiter) *report {
	rep := &report{statuses: make(map[int]int)}
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        concurrency * 2,
			MaxIdleConnsPerHost: concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < concurrency; w++ {
		g.Go(func() error {
			for i := w; ; i++ {
				if err := limiter.Wait(ctx); err != nil {
					return nil
				}
				res := query(ctx, client, baseURL, queries[i%len(queries)])
				if ctx.Err() != nil {
					return nil
				}
				rep.add(res)
			}
		})
	}
	g.Wait()
	return rep
}

func query(ctx context.Context, client *http.Client, baseURL, q string) result {
	target := fmt.Sprintf("%s/api/v1/search?q=%s&limit=10", baseURL, url.QueryEscape(q))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return result{err: err}
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return result{err: err}
	}
	defer resp.Body.Close()

	res := result{status: resp.StatusCode}
	if resp.StatusCode == http.StatusOK {
		var body struct {
			Total int `json:"total"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return result{err: err}
		}
		res.hits = body.Total
	}
	io.Copy(io.Discard, resp.Body)
	res.latency = time.Since(start)
	return res
}

// printReport writes the report and reports whether any request succeeded.
func printReport(rep *report, duration time.Duration) bool {
	rep.mu.Lock()
	defer rep.mu.Unlock()

	ok := len(rep.latencies)
	total := rep.errors
	for _, n := range rep.statuses {
		total += n
	}

	fmt.Println("=== Results ===")
	fmt.Printf("Total requests: %d\n", total)
	fmt.Printf("Successful:     %d\n", ok)
	fmt.Printf("Errors:         %d\n", total-ok)
	fmt.Printf("No hits:        %d\n", rep.empty)
	if total > 0 {
		fmt.Printf("Requests/sec:   %.2f\n", float64(total)/duration.Seconds())
	}

	if ok > 0 {
		sort.Slice(rep.latencies, func(i, j int) bool { return rep.latencies[i] < rep.latencies[j] })
		fmt.Println("\n=== Latency ===")
		fmt.Printf("Min: %s\n", rep.latencies[0])
		for _, p := range []int{50, 90, 95, 99} {
			fmt.Printf("P%d: %s\n", p, percentile(rep.latencies, p))
		}
		fmt.Printf("Max: %s\n", rep.latencies[ok-1])
	}

	codes := make([]int, 0, len(rep.statuses))
	for code := range rep.statuses {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	fmt.Println("\n=== Status codes ===")
	for _, code := range codes {
		fmt.Printf("  %d: %d\n", code, rep.statuses[code])
	}

	if ok == 0 {
		fmt.Println("\nno request succeeded, is the service running?")
		return false
	}
	return true
}

func percentile(sorted []time.Duration, p int) time.Duration {
	idx := (len(sorted)*p+99)/100 - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}
