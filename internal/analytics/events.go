// Package analytics tracks documentation search queries. Handlers hand
// QueryEvents to a Collector, which publishes them to kafka; an Aggregator
// consumes the topic and keeps running stats that a Store snapshots into
// postgres.
package analytics

import "time"

type QueryEvent struct {
	Query     string    `json:"query"`
	Terms     []string  `json:"terms"`
	Total     int       `json:"total"`
	TopHit    string    `json:"top_hit,omitempty"`
	Match     string    `json:"match,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	CacheHit  bool      `json:"cache_hit"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
