// Package metrics counts tool calls for the metrics_get tool.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Recorder accumulates call counts and durations, overall and per tool.
// It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	started time.Time
	total   counter
	perTool map[string]*counter
}

type counter struct {
	calls    int64
	success  int64
	failure  int64
	totalDur time.Duration
	maxDur   time.Duration
	lastErr  string
}

func (c *counter) add(dur time.Duration, err error) {
	c.calls++
	c.totalDur += dur
	if dur > c.maxDur {
		c.maxDur = dur
	}
	if err == nil {
		c.success++
		return
	}
	c.failure++
	c.lastErr = err.Error()
}

func (c *counter) stats() Stats {
	s := Stats{
		Calls:           c.calls,
		Success:         c.success,
		Failure:         c.failure,
		TotalDurationMS: c.totalDur.Milliseconds(),
		MaxDurationMS:   c.maxDur.Milliseconds(),
		LastError:       c.lastErr,
	}
	if c.calls > 0 {
		s.AvgDurationMS = float64(c.totalDur.Milliseconds()) / float64(c.calls)
	}
	return s
}

// New returns an empty Recorder.
func New() *Recorder {
	return &Recorder{started: time.Now(), perTool: make(map[string]*counter)}
}

// Record adds one call of tool that took dur and ended with err.
func (r *Recorder) Record(tool string, dur time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total.add(dur, err)
	c, ok := r.perTool[tool]
	if !ok {
		c = &counter{}
		r.perTool[tool] = c
	}
	c.add(dur, err)
}

// Stats are the counters of one tool, or of all tools together.
type Stats struct {
	Calls           int64   `json:"calls"`
	Success         int64   `json:"success"`
	Failure         int64   `json:"failure"`
	TotalDurationMS int64   `json:"total_duration_ms"`
	AvgDurationMS   float64 `json:"avg_duration_ms"`
	MaxDurationMS   int64   `json:"max_duration_ms"`
	LastError       string  `json:"last_error,omitempty"`
}

// ToolStats names the Stats of one tool.
type ToolStats struct {
	Tool string `json:"tool"`
	Stats
}

// Snapshot is a point-in-time copy of a Recorder.
type Snapshot struct {
	UptimeSeconds int64       `json:"uptime_seconds"`
	Total         Stats       `json:"total"`
	PerTool       []ToolStats `json:"per_tool"`
}

// Snapshot copies the current counters. Tools are sorted by name.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		UptimeSeconds: int64(time.Since(r.started).Seconds()),
		Total:         r.total.stats(),
		PerTool:       make([]ToolStats, 0, len(r.perTool)),
	}
	for name, c := range r.perTool {
		s.PerTool = append(s.PerTool, ToolStats{Tool: name, Stats: c.stats()})
	}
	sort.Slice(s.PerTool, func(i, j int) bool { return s.PerTool[i].Tool < s.PerTool[j].Tool })
	return s
}
