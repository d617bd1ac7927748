package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"contribution-oracle/internal/store"
	"contribution-oracle/internal/util"
	"contribution-oracle/logging"
)

var ErrAssignmentNotFound = errors.New("pipeline assignment not found")

type Store interface {
	AllAssignments(ctx context.Context) ([]*store.PipelineAssignment, error)
	AssignmentsForModel(ctx context.Context, modelName string) ([]*store.PipelineAssignment, error)
	GetAssignment(ctx context.Context, nodeAddress, modelName string) (*store.PipelineAssignment, error)
	UpsertAssignment(ctx context.Context, assignment *store.PipelineAssignment) error
	SaveAssignmentBatch(ctx context.Context, assignments []*store.PipelineAssignment) error
	MarkAssignmentReady(ctx context.Context, nodeAddress, modelName string, now int64) error
}

type NodeReader interface {
	GetNode(ctx context.Context, address string) (*store.AgentNode, error)
}

// Registration is a node's advertised capability for one model.
type Registration struct {
	Address            string  `json:"address"`
	Model              string  `json:"model"`
	GrpcEndpoint       string  `json:"grpcEndpoint"`
	HttpEndpoint       string  `json:"httpEndpoint"`
	RamMb              int64   `json:"ramMb"`
	Device             string  `json:"device"`
	VramMb             int64   `json:"vramMb"`
	BenchmarkTokPerSec float64 `json:"benchmarkTokPerSec"`
	LanIp              string  `json:"lanIp,omitempty"`
	RpcPort            int     `json:"rpcPort,omitempty"`
}

// Manager owns the per-model layer assignment and cluster lifecycle. All
// mutations serialize on one mutex and persist as whole batches, so a
// topology reader never observes a half-applied split.
type Manager struct {
	store  Store
	nodes  NodeReader
	models *ModelTable
	bus    *Bus

	heartbeatTimeout time.Duration
	clusterMinAge    time.Duration
	offlineGrace     time.Duration
	now              func() time.Time

	mu    sync.Mutex
	state *clusterState
}

func NewManager(st Store, nodes NodeReader, models *ModelTable, bus *Bus, heartbeatTimeout, clusterMinAge, offlineGrace time.Duration) *Manager {
	return &Manager{
		store:            st,
		nodes:            nodes,
		models:           models,
		bus:              bus,
		heartbeatTimeout: heartbeatTimeout,
		clusterMinAge:    clusterMinAge,
		offlineGrace:     offlineGrace,
		now:              time.Now,
		state:            newClusterState(),
	}
}

// Bootstrap reconstructs in-memory cluster state from persisted assignment
// rows after a restart.
func (m *Manager) Bootstrap(ctx context.Context) error {
	rows, err := m.store.AllAssignments(ctx)
	if err != nil {
		return fmt.Errorf("loading assignments: %w", err)
	}
	m.mu.Lock()
	m.state.seed(rows)
	m.mu.Unlock()
	logging.Info("Pipeline manager bootstrapped", logging.Pipeline, "assignments", len(rows))
	return nil
}

// Register upserts a node's capability row and re-runs assignment for the
// model.
func (m *Manager) Register(ctx context.Context, registration *Registration) error {
	address := util.CanonicalAddress(registration.Address)
	now := m.now().Unix()

	assignment := &store.PipelineAssignment{
		NodeAddress:        address,
		ModelName:          registration.Model,
		GrpcEndpoint:       registration.GrpcEndpoint,
		HttpEndpoint:       registration.HttpEndpoint,
		RamMb:              registration.RamMb,
		Device:             registration.Device,
		VramMb:             registration.VramMb,
		BenchmarkTokPerSec: registration.BenchmarkTokPerSec,
		LanIp:              registration.LanIp,
		RpcPort:            registration.RpcPort,
		NodeMode:           store.NodeModeStandalone,
		TotalLayers:        m.models.Layers(registration.Model),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.store.UpsertAssignment(ctx, assignment); err != nil {
		return fmt.Errorf("saving assignment: %w", err)
	}

	m.bus.Publish(EventNodeJoined, registration.Model, map[string]interface{}{
		"address":  address,
		"endpoint": registration.HttpEndpoint,
	})
	return m.Reallocate(ctx, registration.Model)
}

// MarkReady flips the node's ready flag after it loaded its layer range.
func (m *Manager) MarkReady(ctx context.Context, address, model string) error {
	address = util.CanonicalAddress(address)
	err := m.store.MarkAssignmentReady(ctx, address, model, m.now().Unix())
	if errors.Is(err, store.ErrNotFound) {
		return ErrAssignmentNotFound
	}
	if err != nil {
		return err
	}
	m.bus.Publish(EventNodeStatus, model, map[string]interface{}{
		"address": address,
		"ready":   true,
	})
	return nil
}

// Topology returns the model's active assignments in pipeline order,
// including standalone inference nodes.
func (m *Manager) Topology(ctx context.Context, model string) ([]*store.PipelineAssignment, error) {
	rows, err := m.store.AssignmentsForModel(ctx, model)
	if err != nil {
		return nil, err
	}
	cutoff := m.now().Add(-m.heartbeatTimeout).Unix()
	var active []*store.PipelineAssignment
	for _, row := range rows {
		if row.UpdatedAt >= cutoff {
			active = append(active, row)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].PipelineOrder < active[j].PipelineOrder
	})
	return active, nil
}

// HandleRemoved reacts to stale-swept rows: emits node-left events and
// re-runs assignment and cluster formation for every affected model.
func (m *Manager) HandleRemoved(ctx context.Context, removed []*store.PipelineAssignment) {
	affected := make(map[string]bool)
	for _, row := range removed {
		affected[row.ModelName] = true
		m.bus.Publish(EventNodeLeft, row.ModelName, map[string]interface{}{
			"address": row.NodeAddress,
		})
	}
	for model := range affected {
		if err := m.Reallocate(ctx, model); err != nil {
			logging.Error("Reallocation after sweep failed", logging.Pipeline,
				"model", model, "error", err)
		}
	}
}

// Reallocate recomputes the model's full layer assignment. When the model
// carries a memory requirement, standalone-capable nodes run whole copies and
// memory-constrained LAN peers are grouped into clusters; otherwise the
// active pipeline nodes share one proportional split.
func (m *Manager) Reallocate(ctx context.Context, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.store.AssignmentsForModel(ctx, model)
	if err != nil {
		return fmt.Errorf("loading assignments: %w", err)
	}
	now := m.now()
	cutoff := now.Add(-m.heartbeatTimeout).Unix()
	totalLayers := m.models.Layers(model)
	memReq := m.models.MemRequirementMb(model)

	var pipelineNodes []*store.PipelineAssignment
	for _, row := range rows {
		if row.UpdatedAt < cutoff {
			continue
		}
		// Rows that collapse both transports are standalone inference
		// nodes; they appear in topology but never in a layer split.
		if row.GrpcEndpoint == row.HttpEndpoint {
			continue
		}
		pipelineNodes = append(pipelineNodes, row)
	}

	var mutated []*store.PipelineAssignment
	if memReq <= 0 {
		// Without a memory requirement the active nodes form the model's
		// single shared pipeline. nodeMode stays standalone (the mode
		// column only distinguishes cluster roles, and these nodes have
		// no coordinator); routers order members by pipelineOrder and
		// read partial ranges from [layerStart, layerEnd).
		splitProportional(pipelineNodes, totalLayers)
		for _, node := range pipelineNodes {
			node.NodeMode = store.NodeModeStandalone
			node.ClusterId = ""
		}
		mutated = pipelineNodes
	} else {
		mutated = m.allocateConstrained(ctx, rows, pipelineNodes, totalLayers, memReq, now)
	}

	// updated_at is the node's liveness timestamp; allocation must never
	// refresh it, or a dead member would look alive to the next pass.
	if err := m.store.SaveAssignmentBatch(ctx, mutated); err != nil {
		return fmt.Errorf("persisting assignments: %w", err)
	}

	m.publishTopology(model, rows, cutoff)
	return nil
}

// allocateConstrained implements the memory-aware path: whole-model copies
// for capable nodes, subnet clusters with hysteresis for the rest.
func (m *Manager) allocateConstrained(ctx context.Context, allRows, pipelineNodes []*store.PipelineAssignment, totalLayers int, memReq int64, now time.Time) []*store.PipelineAssignment {
	var mutated []*store.PipelineAssignment
	subnetGroups := make(map[string][]*store.PipelineAssignment)

	for _, node := range pipelineNodes {
		if availableMemoryMb(node) >= memReq {
			assignInterval(node, 0, totalLayers, totalLayers, 0)
			node.NodeMode = store.NodeModeStandalone
			node.ClusterId = ""
			mutated = append(mutated, node)
			continue
		}
		subnet := subnetOf(node.LanIp)
		if subnet == "" || !m.canDistribute(ctx, node.NodeAddress) {
			// Cannot run alone and cannot join a cluster: parked without
			// layers until its situation changes.
			assignInterval(node, 0, 0, totalLayers, 0)
			node.NodeMode = store.NodeModeStandalone
			node.ClusterId = ""
			mutated = append(mutated, node)
			continue
		}
		subnetGroups[subnet] = append(subnetGroups[subnet], node)
	}

	for subnet, candidates := range subnetGroups {
		mutated = append(mutated, m.reformSubnet(allRows, candidates, subnet, totalLayers, memReq, now)...)
	}
	return mutated
}

// reformSubnet applies the hysteresis rules for one subnet group and returns
// the rows it mutated. An intact cluster with no member beyond the offline
// grace is left alone, unless peers are waiting to join and the cluster is
// older than the minimum age; a member beyond the grace, or broken layer
// coverage, reforms it whatever its age.
func (m *Manager) reformSubnet(allRows, candidates []*store.PipelineAssignment, subnet string, totalLayers int, memReq int64, now time.Time) []*store.PipelineAssignment {
	var mutated []*store.PipelineAssignment

	if clusterId := existingCluster(allRows, subnet); clusterId != "" {
		members := membersOf(allRows, clusterId)
		graceCutoff := now.Add(-m.heartbeatTimeout - m.offlineGrace).Unix()

		beyondGrace := false
		for _, member := range members {
			if member.UpdatedAt < graceCutoff {
				beyondGrace = true
			}
		}
		intact := coversModel(members, totalLayers)

		memberSet := make(map[string]bool, len(members))
		for _, member := range members {
			memberSet[member.NodeAddress] = true
		}
		newcomers := false
		for _, candidate := range candidates {
			if !memberSet[candidate.NodeAddress] {
				newcomers = true
			}
		}
		age := m.state.age(clusterId, now)

		// A member missing only transiently (inside the grace) is not
		// grounds for reformation, and a cluster younger than the minimum
		// age never churns. Reform when a member is gone for good, the
		// layer coverage broke, or a mature cluster has peers waiting to
		// join.
		if intact && !beyondGrace && (!newcomers || age < m.clusterMinAge) {
			return nil
		}
		dissolve(members, m.state)
		mutated = append(mutated, members...)
	}

	formed := formCluster(candidates, totalLayers, memReq, m.state, now)
	if formed == nil {
		for _, candidate := range candidates {
			assignInterval(candidate, 0, 0, totalLayers, 0)
			candidate.NodeMode = store.NodeModeStandalone
			mutated = appendUnique(mutated, candidate)
		}
		return mutated
	}
	for _, member := range formed {
		mutated = appendUnique(mutated, member)
	}
	return mutated
}

func (m *Manager) canDistribute(ctx context.Context, address string) bool {
	node, err := m.nodes.GetNode(ctx, address)
	if err != nil {
		return false
	}
	return node.CanDistribute
}

func (m *Manager) publishTopology(model string, rows []*store.PipelineAssignment, cutoff int64) {
	var active []*store.PipelineAssignment
	for _, row := range rows {
		if row.UpdatedAt >= cutoff {
			active = append(active, row)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].PipelineOrder < active[j].PipelineOrder
	})
	m.bus.Publish(EventTopology, model, active)
}

func existingCluster(rows []*store.PipelineAssignment, subnet string) string {
	counts := make(map[string]int)
	for _, row := range rows {
		if row.ClusterId != "" && subnetOf(row.LanIp) == subnet {
			counts[row.ClusterId]++
		}
	}
	best := ""
	for clusterId, count := range counts {
		if best == "" || count > counts[best] {
			best = clusterId
		}
	}
	return best
}

func membersOf(rows []*store.PipelineAssignment, clusterId string) []*store.PipelineAssignment {
	var members []*store.PipelineAssignment
	for _, row := range rows {
		if row.ClusterId == clusterId {
			members = append(members, row)
		}
	}
	return members
}

// coversModel checks the layer-cover invariant: intervals sorted by start
// must tile [0, totalLayers) exactly.
func coversModel(members []*store.PipelineAssignment, totalLayers int) bool {
	if len(members) == 0 {
		return false
	}
	sorted := make([]*store.PipelineAssignment, len(members))
	copy(sorted, members)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LayerStart < sorted[j].LayerStart
	})
	next := 0
	for _, member := range sorted {
		if member.LayerStart != next {
			return false
		}
		next = member.LayerEnd
	}
	return next == totalLayers
}

func appendUnique(rows []*store.PipelineAssignment, row *store.PipelineAssignment) []*store.PipelineAssignment {
	for _, existing := range rows {
		if existing == row {
			return rows
		}
	}
	return append(rows, row)
}
