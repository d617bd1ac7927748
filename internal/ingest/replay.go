package ingest

import (
	"sync"
)

// Endpoint families with independent replay cursors. A signed message for one
// family can never replay into another.
type Family string

const (
	FamilyMetrics          Family = "metrics"
	FamilyNodeRegister     Family = "node-register"
	FamilyPipelineRegister Family = "pipeline-register"
	FamilyPipelineReady    Family = "pipeline-ready"
)

// ReplayGuard tracks the most recent accepted client timestamp per address
// per endpoint family. In-memory only; the metrics family is reseeded from
// EpochMetrics.last_updated during bootstrap, the others restart empty and
// rely on the freshness window.
type ReplayGuard struct {
	mu      sync.Mutex
	cursors map[Family]map[string]int64
}

func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{cursors: make(map[Family]map[string]int64)}
}

// Check reports whether timestamp strictly advances the cursor for
// (family, address). It does not move the cursor.
func (g *ReplayGuard) Check(family Family, address string, timestamp int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return timestamp > g.cursors[family][address]
}

// Advance moves the cursor after the durable write succeeded. Advancing on
// failure would let a failed request burn a timestamp the agent will reuse.
func (g *ReplayGuard) Advance(family Family, address string, timestamp int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	byAddress, ok := g.cursors[family]
	if !ok {
		byAddress = make(map[string]int64)
		g.cursors[family] = byAddress
	}
	if timestamp > byAddress[address] {
		byAddress[address] = timestamp
	}
}

func (g *ReplayGuard) Seed(family Family, address string, timestamp int64) {
	g.Advance(family, address, timestamp)
}
