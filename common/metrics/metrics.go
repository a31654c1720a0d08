// Package metrics keeps in-process counters for the daemon: runs started
// and finished, node executions, retries. The collector is fed from engine
// events and snapshotted for operator status output.
package metrics

import (
	"os"
	"runtime"
	"sync"
	"time"
)

// Collector accumulates named counters.
type Collector struct {
	mu       sync.Mutex
	counters map[string]int64
	started  time.Time
}

// Counter names incremented by the daemon's event subscription.
const (
	RunsStarted   = "runs_started"
	RunsCompleted = "runs_completed"
	RunsFailed    = "runs_failed"
	NodesExecuted = "nodes_executed"
	NodesFailed   = "nodes_failed"
	NodeRetries   = "node_retries"
)

// NewCollector returns an empty collector stamped with the process start.
func NewCollector() *Collector {
	return &Collector{
		counters: make(map[string]int64),
		started:  time.Now(),
	}
}

// Inc adds one to a named counter.
func (c *Collector) Inc(name string) {
	c.mu.Lock()
	c.counters[name]++
	c.mu.Unlock()
}

// Get returns one counter's current value.
func (c *Collector) Get(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

// Snapshot is a point-in-time view of the collector plus host facts.
type Snapshot struct {
	Counters  map[string]int64 `json:"counters"`
	UptimeMs  int64            `json:"uptimeMs"`
	Hostname  string           `json:"hostname"`
	OS        string           `json:"os"`
	Arch      string           `json:"arch"`
	CPUs      int              `json:"cpus"`
	GoVersion string           `json:"goVersion"`
}

// Snapshot copies the counters and attaches runtime information.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	counters := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		counters[k] = v
	}
	started := c.started
	c.mu.Unlock()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return Snapshot{
		Counters:  counters,
		UptimeMs:  time.Since(started).Milliseconds(),
		Hostname:  hostname,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		CPUs:      runtime.NumCPU(),
		GoVersion: runtime.Version(),
	}
}
