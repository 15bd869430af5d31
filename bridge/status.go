package bridge

import (
	"time"

	"otbridge.evalgo.org/protocols"
	"otbridge.evalgo.org/zerobus"
)

// SourceStatus is one source's externally visible state.
type SourceStatus struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	protocols.Status
}

// Status is the full bridge snapshot served by the control surface.
// Every field is present even when zero.
type Status struct {
	Healthy bool                      `json:"healthy"`
	Uptime  string                    `json:"uptime"`
	Sources []SourceStatus            `json:"sources"`
	Sinks   map[string]zerobus.Status `json:"sinks"`
}

var processStart = time.Now()

// Status returns the current per-source and per-sink state.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := Status{
		Healthy: true,
		Uptime:  time.Since(processStart).Round(time.Second).String(),
		Sources: make([]SourceStatus, 0, len(b.sources)),
		Sinks:   make(map[string]zerobus.Status, len(b.sinks)),
	}

	for _, src := range b.cfg.Sources {
		rt, ok := b.sources[src.Name]
		if !ok {
			continue
		}
		status := rt.tracker.Status()
		if status.State == protocols.StateErrored {
			out.Healthy = false
		}
		out.Sources = append(out.Sources, SourceStatus{
			Name:    src.Name,
			Enabled: src.Enabled,
			Status:  status,
		})
	}

	for key, rt := range b.sinks {
		status := rt.sink.Status()
		if status.Circuit == "open" {
			out.Healthy = false
		}
		out.Sinks[key] = status
	}
	return out
}

// Metrics refreshes the gauges and returns the flattened counter
// snapshot.
func (b *Bridge) Metrics() (map[string]float64, error) {
	b.mu.Lock()
	for key, rt := range b.sinks {
		stats := rt.mgr.Stats()
		b.met.QueueDepth.WithLabelValues(key).Set(float64(stats.MemoryDepth))
		b.met.SpoolBytes.WithLabelValues(key).Set(float64(stats.SpoolBytes))
	}
	b.mu.Unlock()
	return b.met.Snapshot()
}
