package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry holds in-process counters for the HTTP surface, policy
// decisions, worker guard outcomes and governance reactions.
type Registry struct {
	mu          sync.RWMutex
	endpoint    map[string]*EndpointStat
	decision    map[string]int64
	rule        map[string]int64
	guard       map[string]int64
	reaction    map[string]int64
	gauges      map[string]float64
	evalLatency LatencyStat
	Histograms  *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalUS int64   `json:"total_us"`
	MaxUS   int64   `json:"max_us"`
	LastUS  int64   `json:"last_us"`
	AvgUS   float64 `json:"avg_us"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	Decisions         map[string]int64        `json:"decisions"`
	Rules             map[string]int64        `json:"rules"`
	GuardOutcomes     map[string]int64        `json:"guard_outcomes"`
	Reactions         map[string]int64        `json:"governance_reactions"`
	Gauges            map[string]float64      `json:"gauges"`
	EvaluateLatencyUS LatencyStat             `json:"policy_evaluate_latency_us"`
	Histograms        []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		decision:   map[string]int64{},
		rule:       map[string]int64{},
		guard:      map[string]int64{},
		reaction:   map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(name string, d time.Duration) {
	r.Histograms.ObserveDuration(name, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// ObserveDecision counts one policy decision and each blocking rule it carried.
func (r *Registry) ObserveDecision(decision string, ruleIDs []string, d time.Duration) {
	decision = strings.TrimSpace(decision)
	if decision == "" {
		return
	}
	us := d.Microseconds()
	if us < 0 {
		us = 0
	}
	r.mu.Lock()
	r.decision[decision]++
	for _, id := range ruleIDs {
		if id != "" {
			r.rule[id]++
		}
	}
	r.evalLatency.Count++
	r.evalLatency.TotalUS += us
	r.evalLatency.LastUS = us
	if us > r.evalLatency.MaxUS {
		r.evalLatency.MaxUS = us
	}
	r.evalLatency.AvgUS = float64(r.evalLatency.TotalUS) / float64(r.evalLatency.Count)
	r.mu.Unlock()
	r.Histograms.ObserveDuration("policy_evaluate", d)
}

// IncGuard counts a worker guard outcome; permitted calls use "PERMITTED",
// blocked ones their rule id.
func (r *Registry) IncGuard(outcome string) {
	outcome = strings.TrimSpace(strings.ToUpper(outcome))
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.guard[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncReaction(trigger string) {
	trigger = strings.TrimSpace(strings.ToUpper(trigger))
	if trigger == "" {
		return
	}
	r.mu.Lock()
	r.reaction[trigger]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
		Endpoints:         make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:         copyCounts(r.decision),
		Rules:             copyCounts(r.rule),
		GuardOutcomes:     copyCounts(r.guard),
		Reactions:         copyCounts(r.reaction),
		Gauges:            make(map[string]float64, len(r.gauges)),
		EvaluateLatencyUS: r.evalLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP coreos_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE coreos_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "coreos_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP coreos_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE coreos_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "coreos_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP coreos_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE coreos_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "coreos_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		writeCounter(b, "coreos_policy_decision_total", "policy decisions by verdict", "decision", snap.Decisions)
		writeCounter(b, "coreos_policy_rule_total", "blocking reasons by rule id", "rule", snap.Rules)
		writeCounter(b, "coreos_worker_guard_total", "worker guard outcomes", "outcome", snap.GuardOutcomes)
		writeCounter(b, "coreos_governance_reaction_total", "governance reactions by trigger", "trigger", snap.Reactions)
		b.WriteString("# HELP coreos_gauge operational gauge metrics\n")
		b.WriteString("# TYPE coreos_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "coreos_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP coreos_policy_evaluate_latency_us policy evaluation latency in microseconds\n")
		b.WriteString("# TYPE coreos_policy_evaluate_latency_us gauge\n")
		fmt.Fprintf(b, "coreos_policy_evaluate_latency_us{stat=%q} %d\n", "last", snap.EvaluateLatencyUS.LastUS)
		fmt.Fprintf(b, "coreos_policy_evaluate_latency_us{stat=%q} %.3f\n", "avg", snap.EvaluateLatencyUS.AvgUS)
		fmt.Fprintf(b, "coreos_policy_evaluate_latency_us{stat=%q} %d\n", "max", snap.EvaluateLatencyUS.MaxUS)
		for _, h := range snap.Histograms {
			b.WriteString("# HELP coreos_latency_seconds latency histogram\n")
			b.WriteString("# TYPE coreos_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "coreos_latency_seconds_bucket{name=%q,le=\"%g\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "coreos_latency_seconds_bucket{name=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "coreos_latency_seconds_sum{name=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "coreos_latency_seconds_count{name=%q} %d\n", h.Name, h.Count)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func writeCounter(b *strings.Builder, name, help, label string, m map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	for _, k := range SortedKeys(m) {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, k, m[k])
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
