package pipeline

import (
	"sort"

	"contribution-oracle/internal/store"
)

// availableMemoryMb is the memory used to weight and cap layer assignment:
// reported VRAM for GPU devices, RAM otherwise. The reported values are
// carried through as-is.
func availableMemoryMb(assignment *store.PipelineAssignment) int64 {
	if isGpu(assignment) {
		return assignment.VramMb
	}
	return assignment.RamMb
}

func isGpu(assignment *store.PipelineAssignment) bool {
	return assignment.VramMb > 0 && assignment.Device != "" && assignment.Device != "cpu"
}

// splitProportional distributes totalLayers across nodes weighted by
// available memory. Zero total weight degrades to an equal split. The last
// node absorbs the remainder so the intervals always cover [0, totalLayers).
// Rows are mutated in place: interval, order, total, and ready are reset;
// ready stays cleared until the node's explicit /ready call.
func splitProportional(nodes []*store.PipelineAssignment, totalLayers int) {
	n := len(nodes)
	if n == 0 {
		return
	}
	if n == 1 {
		assignInterval(nodes[0], 0, totalLayers, totalLayers, 0)
		return
	}

	var totalWeight int64
	for _, node := range nodes {
		totalWeight += availableMemoryMb(node)
	}

	start := 0
	for index, node := range nodes {
		var share int
		if index == n-1 {
			share = totalLayers - start
		} else if totalWeight == 0 {
			share = totalLayers / n
		} else {
			share = int(int64(totalLayers) * availableMemoryMb(node) / totalWeight)
		}
		assignInterval(node, start, start+share, totalLayers, index)
		start += share
	}
}

// splitByBenchmark distributes totalLayers across cluster members weighted
// by benchmark throughput, capping each member at the layer count its
// available memory can hold. The last member absorbs the remainder.
func splitByBenchmark(members []*store.PipelineAssignment, totalLayers int, memRequirementMb int64) {
	n := len(members)
	if n == 0 {
		return
	}

	var totalBench float64
	for _, member := range members {
		totalBench += member.BenchmarkTokPerSec
	}

	memPerLayer := float64(memRequirementMb) / float64(totalLayers)

	start := 0
	for index, member := range members {
		var share int
		if index == n-1 {
			share = totalLayers - start
		} else {
			if totalBench == 0 {
				share = totalLayers / n
			} else {
				share = int(float64(totalLayers) * member.BenchmarkTokPerSec / totalBench)
			}
			if memPerLayer > 0 {
				maxLayers := int(float64(availableMemoryMb(member)) / memPerLayer)
				if share > maxLayers {
					share = maxLayers
				}
			}
		}
		// pipelineOrder equals layerStart so iteration order matches the
		// data flow through the pipeline.
		member.LayerStart = start
		member.LayerEnd = start + share
		member.TotalLayers = totalLayers
		member.PipelineOrder = start
		member.Ready = false
		start += share
	}
}

func assignInterval(node *store.PipelineAssignment, start, end, total, order int) {
	node.LayerStart = start
	node.LayerEnd = end
	node.TotalLayers = total
	node.PipelineOrder = order
	node.Ready = false
}

// sortByBenchmark orders candidates fastest-first for greedy cluster fill.
func sortByBenchmark(nodes []*store.PipelineAssignment) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].BenchmarkTokPerSec > nodes[j].BenchmarkTokPerSec
	})
}
