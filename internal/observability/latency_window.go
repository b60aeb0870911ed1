package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Latency stages recorded per assistant.
const (
	StageAssistantRequest = "assistant_request"
	StageExpiryRetry      = "expiry_retry"
	StageTurn             = "turn"
)

// stageBudgetMS is the p95 each stage is expected to stay under.
var stageBudgetMS = map[string]float64{
	StageAssistantRequest: 8000,
	StageExpiryRetry:      8000,
	StageTurn:             12000,
}

type StageLatency struct {
	Assistant  string  `json:"assistant"`
	Stage      string  `json:"stage"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	MeanMS     float64 `json:"mean_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget int     `json:"over_budget,omitempty"`
}

type EventCount struct {
	Assistant string `json:"assistant"`
	Event     string `json:"event"`
	Count     int    `json:"count"`
}

// LatencyReport is served at /v1/perf/latency.
type LatencyReport struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageLatency `json:"stages"`
	Events      []EventCount   `json:"events,omitempty"`
}

type seriesKey struct {
	assistant string
	name      string
}

func (k seriesKey) less(o seriesKey) bool {
	if k.assistant != o.assistant {
		return k.assistant < o.assistant
	}
	return k.name < o.name
}

// latencyWindow keeps the most recent samples of each assistant stage and
// counts turn events since start.
type latencyWindow struct {
	mu       sync.Mutex
	capacity int
	series   map[seriesKey]*sampleRing
	events   map[seriesKey]int
}

type sampleRing struct {
	samples []float64
	head    int
	full    bool
	last    float64
}

func (r *sampleRing) add(v float64) {
	r.samples[r.head] = v
	r.last = v
	r.head = (r.head + 1) % len(r.samples)
	if r.head == 0 {
		r.full = true
	}
}

func (r *sampleRing) sorted() []float64 {
	n := r.head
	if r.full {
		n = len(r.samples)
	}
	out := append([]float64(nil), r.samples[:n]...)
	sort.Float64s(out)
	return out
}

func newLatencyWindow(capacity int) *latencyWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &latencyWindow{
		capacity: capacity,
		series:   make(map[seriesKey]*sampleRing),
		events:   make(map[seriesKey]int),
	}
}

func (w *latencyWindow) observe(assistant, stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	key := seriesKey{assistant: assistant, name: stage}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.series[key]
	if !ok {
		r = &sampleRing{samples: make([]float64, w.capacity)}
		w.series[key] = r
	}
	r.add(float64(d.Microseconds()) / 1000)
}

func (w *latencyWindow) count(assistant, event string) {
	event = strings.TrimSpace(event)
	if event == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events[seriesKey{assistant: assistant, name: event}]++
}

// report summarizes the window. An empty assistant reports all of them.
func (w *latencyWindow) report(assistant string, now time.Time) LatencyReport {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := LatencyReport{
		GeneratedAt: now.UTC(),
		WindowSize:  w.capacity,
		Stages:      []StageLatency{},
	}
	for _, key := range sortedKeys(w.series, assistant) {
		r := w.series[key]
		samples := r.sorted()
		if len(samples) == 0 {
			continue
		}
		stat := StageLatency{
			Assistant: key.assistant,
			Stage:     key.name,
			Samples:   len(samples),
			LastMS:    round2(r.last),
			P50MS:     round2(nearestRank(samples, 0.50)),
			P95MS:     round2(nearestRank(samples, 0.95)),
			MaxMS:     round2(samples[len(samples)-1]),
			BudgetMS:  stageBudgetMS[key.name],
		}
		sum := 0.0
		for _, v := range samples {
			sum += v
			if stat.BudgetMS > 0 && v > stat.BudgetMS {
				stat.OverBudget++
			}
		}
		stat.MeanMS = round2(sum / float64(len(samples)))
		out.Stages = append(out.Stages, stat)
	}
	for _, key := range sortedKeys(w.events, assistant) {
		out.Events = append(out.Events, EventCount{Assistant: key.assistant, Event: key.name, Count: w.events[key]})
	}
	return out
}

func sortedKeys[V any](m map[seriesKey]V, assistant string) []seriesKey {
	keys := make([]seriesKey, 0, len(m))
	for k := range m {
		if assistant == "" || k.assistant == assistant {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}

// nearestRank expects sorted input.
func nearestRank(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
