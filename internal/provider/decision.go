package provider

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/basket/sprintloop/internal/shared"
)

// RoutingDecision is one line of the routing audit log. A decision is written
// for every attempt, successful or not, so the log reconstructs the full
// failover path of any task.
type RoutingDecision struct {
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"kind"`
	Provider  string    `json:"provider"`
	Attempt   int       `json:"attempt"`
	Outcome   string    `json:"outcome"`
	LatencyMs int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	Tokens    int64     `json:"tokens,omitempty"`
	CostUSD   float64   `json:"cost_usd,omitempty"`
}

// DecisionLog appends routing decisions to a JSONL file. Writes are
// serialized; a write failure never fails the routed call.
type DecisionLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func OpenDecisionLog(path string) (*DecisionLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create routing log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open routing log: %w", err)
	}
	return &DecisionLog{path: path, f: f}, nil
}

func (l *DecisionLog) Record(d RoutingDecision) error {
	d.Error = shared.Redact(d.Error)
	line, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal routing decision: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append routing decision: %w", err)
	}
	return nil
}

func (l *DecisionLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// ProviderStats aggregates decisions for a single provider.
type ProviderStats struct {
	Provider  string  `json:"provider"`
	Attempts  int     `json:"attempts"`
	Successes int     `json:"successes"`
	Failures  int     `json:"failures"`
	AvgMs     int64   `json:"avg_latency_ms"`
	Tokens    int64   `json:"tokens"`
	CostUSD   float64 `json:"cost_usd"`
}

// Stats summarizes the routing log on disk, sorted by attempt count.
func (l *DecisionLog) Stats() ([]ProviderStats, error) {
	l.mu.Lock()
	path := l.path
	l.mu.Unlock()
	return ReadStats(path)
}

// ReadStats parses a routing JSONL file into per-provider aggregates.
// Malformed lines are skipped; the log is advisory.
func ReadStats(path string) ([]ProviderStats, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open routing log: %w", err)
	}
	defer f.Close()

	byProvider := make(map[string]*ProviderStats)
	totalMs := make(map[string]int64)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var d RoutingDecision
		if err := json.Unmarshal(sc.Bytes(), &d); err != nil {
			continue
		}
		st, ok := byProvider[d.Provider]
		if !ok {
			st = &ProviderStats{Provider: d.Provider}
			byProvider[d.Provider] = st
		}
		st.Attempts++
		if d.Outcome == OutcomeSuccess {
			st.Successes++
		} else {
			st.Failures++
		}
		totalMs[d.Provider] += d.LatencyMs
		st.Tokens += d.Tokens
		st.CostUSD += d.CostUSD
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan routing log: %w", err)
	}

	out := make([]ProviderStats, 0, len(byProvider))
	for name, st := range byProvider {
		if st.Attempts > 0 {
			st.AvgMs = totalMs[name] / int64(st.Attempts)
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempts > out[j].Attempts })
	return out, nil
}
