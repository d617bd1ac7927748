package pipeline

import (
	"contribution-oracle/apiconfig"
)

// DefaultLayerCount is used for models missing from the table.
const DefaultLayerCount = 32

type ModelSpec struct {
	Layers           int
	MemRequirementMb int64
}

// ModelTable maps model names to layer counts and memory requirements.
// Entries come from configuration; unknown models fall back to
// DefaultLayerCount with no memory requirement, which makes every node
// standalone-capable for them.
type ModelTable struct {
	specs map[string]ModelSpec
}

func NewModelTable(configs []apiconfig.ModelConfig) *ModelTable {
	specs := make(map[string]ModelSpec, len(configs))
	for _, cfg := range configs {
		layers := cfg.Layers
		if layers <= 0 {
			layers = DefaultLayerCount
		}
		specs[cfg.Name] = ModelSpec{Layers: layers, MemRequirementMb: cfg.MemRequirementMb}
	}
	return &ModelTable{specs: specs}
}

func (t *ModelTable) Layers(model string) int {
	if spec, ok := t.specs[model]; ok {
		return spec.Layers
	}
	return DefaultLayerCount
}

func (t *ModelTable) MemRequirementMb(model string) int64 {
	if spec, ok := t.specs[model]; ok {
		return spec.MemRequirementMb
	}
	return 0
}
