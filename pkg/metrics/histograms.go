package metrics

import (
	"sort"
	"sync"
	"time"
)

// HistogramBucket is a cumulative count of observations at or below Le seconds.
type HistogramBucket struct {
	Le    float64
	Count int64
}

// DecisionBuckets suit sub-millisecond policy evaluations as well as job
// executions that run for seconds.
var DecisionBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025,
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

type Histogram struct {
	mu      sync.Mutex
	name    string
	buckets []HistogramBucket
	sum     float64
	count   int64
}

// NewHistogram uses DecisionBuckets when no bounds are given. Bounds are
// sorted and deduplicated.
func NewHistogram(name string, bounds ...float64) *Histogram {
	if len(bounds) == 0 {
		bounds = DecisionBuckets
	}
	sorted := append([]float64(nil), bounds...)
	sort.Float64s(sorted)
	buckets := make([]HistogramBucket, 0, len(sorted))
	for i, le := range sorted {
		if i > 0 && le == sorted[i-1] {
			continue
		}
		buckets = append(buckets, HistogramBucket{Le: le})
	}
	return &Histogram{name: name, buckets: buckets}
}

func (h *Histogram) Observe(d time.Duration) {
	if d < 0 {
		d = 0
	}
	sec := d.Seconds()
	h.mu.Lock()
	h.sum += sec
	h.count++
	for i := range h.buckets {
		if sec <= h.buckets[i].Le {
			h.buckets[i].Count++
		}
	}
	h.mu.Unlock()
}

// Percentile estimates quantile p (0..1) as the smallest bucket bound
// covering it. Observations past the last bound report that bound.
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return quantile(h.buckets, h.count, p)
}

func quantile(buckets []HistogramBucket, count int64, p float64) float64 {
	if count == 0 || len(buckets) == 0 {
		return 0
	}
	target := int64(p * float64(count))
	if target < 1 {
		target = 1
	}
	for _, b := range buckets {
		if b.Count >= target {
			return b.Le
		}
	}
	return buckets[len(buckets)-1].Le
}

type HistogramSnapshot struct {
	Name    string            `json:"name"`
	Buckets []HistogramBucket `json:"buckets"`
	Sum     float64           `json:"sum"`
	Count   int64             `json:"count"`
	P50     float64           `json:"p50"`
	P95     float64           `json:"p95"`
	P99     float64           `json:"p99"`
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	buckets := append([]HistogramBucket(nil), h.buckets...)
	return HistogramSnapshot{
		Name:    h.name,
		Buckets: buckets,
		Sum:     h.sum,
		Count:   h.count,
		P50:     quantile(buckets, h.count, 0.50),
		P95:     quantile(buckets, h.count, 0.95),
		P99:     quantile(buckets, h.count, 0.99),
	}
}

// HistogramRegistry keys histograms by name, e.g. policy_evaluate or
// job_index.build.
type HistogramRegistry struct {
	mu         sync.RWMutex
	histograms map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{histograms: map[string]*Histogram{}}
}

func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; !ok {
		h = NewHistogram(name)
		r.histograms[name] = h
	}
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

// Snapshots are sorted by name.
func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.RLock()
	out := make([]HistogramSnapshot, 0, len(r.histograms))
	for _, h := range r.histograms {
		out = append(out, h.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
