package bridge

import (
	"sync"
	"time"

	"otbridge.evalgo.org/model"
)

// diagSampleCap bounds the per-stage sample rings; the buffers exist for
// debugging, not delivery.
const diagSampleCap = 16

// Sample is one pipeline observation kept for diagnostics.
type Sample struct {
	Path    string    `json:"path"`
	Kind    string    `json:"kind"`
	Quality string    `json:"quality"`
	Seen    time.Time `json:"seen"`
}

// StageSamples is the recent window for one pipeline stage of one source.
type StageSamples struct {
	Stage   string   `json:"stage"`
	Samples []Sample `json:"samples"`
}

// Pipeline stages sampled for diagnostics.
const (
	stageNormalized = "normalized"
	stageEnqueued   = "enqueued"
	stageDropped    = "dropped"
)

// diagnostics keeps a small ring of samples per source and stage.
type diagnostics struct {
	mu    sync.Mutex
	rings map[string]map[string][]Sample // source -> stage -> ring
}

func newDiagnostics() *diagnostics {
	return &diagnostics{rings: make(map[string]map[string][]Sample)}
}

func (d *diagnostics) observe(source, stage string, rec model.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stages, ok := d.rings[source]
	if !ok {
		stages = make(map[string][]Sample)
		d.rings[source] = stages
	}
	ring := stages[stage]
	ring = append(ring, Sample{
		Path:    rec.Path,
		Kind:    string(rec.Value.Kind()),
		Quality: string(rec.Quality),
		Seen:    time.Now(),
	})
	if len(ring) > diagSampleCap {
		ring = ring[len(ring)-diagSampleCap:]
	}
	stages[stage] = ring
}

func (d *diagnostics) forget(source string) {
	d.mu.Lock()
	delete(d.rings, source)
	d.mu.Unlock()
}

// snapshot copies the rings for the control surface.
func (d *diagnostics) snapshot() map[string][]StageSamples {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string][]StageSamples, len(d.rings))
	for source, stages := range d.rings {
		list := make([]StageSamples, 0, len(stages))
		for _, stage := range []string{stageNormalized, stageEnqueued, stageDropped} {
			ring, ok := stages[stage]
			if !ok {
				continue
			}
			samples := make([]Sample, len(ring))
			copy(samples, ring)
			list = append(list, StageSamples{Stage: stage, Samples: samples})
		}
		out[source] = list
	}
	return out
}
