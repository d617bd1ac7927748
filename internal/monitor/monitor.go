package monitor

import (
	"context"
	"math/big"
	"sync/atomic"
	"time"

	"contribution-oracle/chainclient"
	"contribution-oracle/internal/store"
	"contribution-oracle/logging"
)

const (
	// Agents fall inactive after five minutes without any heartbeat signal.
	agentInactiveAfter = 5 * time.Minute
	// Sponsored heartbeats and the stale sweep run on a five minute cadence.
	slowTickInterval = 5 * time.Minute
)

type Chain interface {
	ActiveAgents(ctx context.Context) ([]string, error)
	GetAgent(ctx context.Context, address string) (*chainclient.AgentInfo, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	SponsoredHeartbeat(ctx context.Context, address string) error
	CurrentEpoch(ctx context.Context) (uint64, error)
}

type Store interface {
	GetAgent(ctx context.Context, address string) (*store.Agent, error)
	UpsertAgent(ctx context.Context, agent *store.Agent) error
	SetAgentStatus(ctx context.Context, address, status string) error
	TouchAgentHeartbeat(ctx context.Context, address string, heartbeat int64) error
	ListAgentsByStatus(ctx context.Context, status string) ([]*store.Agent, error)
	ListNodesByStatus(ctx context.Context, status string) ([]*store.AgentNode, error)
	SetNodeStatus(ctx context.Context, address, status string) error
	DeleteStaleAssignments(ctx context.Context, cutoff int64) ([]*store.PipelineAssignment, error)
	MetricsForEpoch(ctx context.Context, epoch uint64) ([]*store.EpochMetrics, error)
	AllAssignments(ctx context.Context) ([]*store.PipelineAssignment, error)
	UpdateNetworkStats(ctx context.Context, stats *store.NetworkStats) error
}

type PipelineManager interface {
	HandleRemoved(ctx context.Context, removed []*store.PipelineAssignment)
}

// Monitor reconciles on-chain agent state with the local registry, sweeps
// stale pipeline assignments and submits sponsored heartbeats for agents
// that cannot pay their own gas.
type Monitor struct {
	chain    Chain
	store    Store
	pipeline PipelineManager

	monitorInterval  time.Duration
	heartbeatTimeout time.Duration
	now              func() time.Time

	reconcileRunning atomic.Bool
	sweepRunning     atomic.Bool
	heartbeatRunning atomic.Bool
}

func NewMonitor(chain Chain, st Store, pipeline PipelineManager, monitorInterval, heartbeatTimeout time.Duration) *Monitor {
	return &Monitor{
		chain:            chain,
		store:            st,
		pipeline:         pipeline,
		monitorInterval:  monitorInterval,
		heartbeatTimeout: heartbeatTimeout,
		now:              time.Now,
	}
}

func (m *Monitor) Run(ctx context.Context) {
	reconcile := time.NewTicker(m.monitorInterval)
	slow := time.NewTicker(slowTickInterval)
	defer reconcile.Stop()
	defer slow.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcile.C:
			m.ReconcileTick(ctx)
		case <-slow.C:
			m.SponsoredHeartbeatTick(ctx)
			m.StaleSweepTick(ctx)
		}
	}
}

// ReconcileTick pulls the on-chain active set into the local registry,
// merges node heartbeats into agent records and expires silent agents.
func (m *Monitor) ReconcileTick(ctx context.Context) {
	if !m.reconcileRunning.CompareAndSwap(false, true) {
		return
	}
	defer m.reconcileRunning.Store(false)

	now := m.now().Unix()
	actives, err := m.chain.ActiveAgents(ctx)
	if err != nil {
		logging.Warn("Active agent listing failed", logging.Monitor, "error", err)
		return
	}
	for _, address := range actives {
		m.reconcileAgent(ctx, address)
	}

	nodes, err := m.store.ListNodesByStatus(ctx, store.AgentStatusActive)
	if err != nil {
		logging.Warn("Node listing failed", logging.Monitor, "error", err)
		return
	}
	for _, node := range nodes {
		agent, err := m.store.GetAgent(ctx, node.Address)
		if err != nil {
			continue
		}
		if node.LastHeartbeat > agent.LastHeartbeat {
			if err := m.store.TouchAgentHeartbeat(ctx, node.Address, node.LastHeartbeat); err != nil {
				logging.Warn("Heartbeat merge failed", logging.Monitor, "address", node.Address, "error", err)
			}
		}
	}

	m.expireSilent(ctx, now)
	m.updateStats(ctx, now)
}

func (m *Monitor) reconcileAgent(ctx context.Context, address string) {
	info, err := m.chain.GetAgent(ctx, address)
	if err != nil {
		logging.Warn("Agent read failed", logging.Monitor, "address", address, "error", err)
		return
	}
	agent := &store.Agent{
		Address:       address,
		RegisteredAt:  int64(info.RegisteredAt),
		LastHeartbeat: int64(info.LastHeartbeat),
		Status:        store.AgentStatusActive,
		Stake:         info.Stake.String(),
		NodeId:        info.NodeId,
		Metadata:      info.Metadata,
	}
	if existing, err := m.store.GetAgent(ctx, address); err == nil {
		if existing.LastHeartbeat > agent.LastHeartbeat {
			agent.LastHeartbeat = existing.LastHeartbeat
		}
	}
	if err := m.store.UpsertAgent(ctx, agent); err != nil {
		logging.Warn("Agent reconcile failed", logging.Monitor, "address", address, "error", err)
	}
}

func (m *Monitor) expireSilent(ctx context.Context, now int64) {
	agents, err := m.store.ListAgentsByStatus(ctx, store.AgentStatusActive)
	if err != nil {
		return
	}
	cutoff := now - int64(agentInactiveAfter/time.Second)
	for _, agent := range agents {
		if agent.LastHeartbeat < cutoff {
			if err := m.store.SetAgentStatus(ctx, agent.Address, store.AgentStatusInactive); err != nil {
				logging.Warn("Agent expiry failed", logging.Monitor, "address", agent.Address, "error", err)
			}
		}
	}

	nodes, err := m.store.ListNodesByStatus(ctx, store.AgentStatusActive)
	if err != nil {
		return
	}
	nodeCutoff := now - int64(m.heartbeatTimeout/time.Second)
	for _, node := range nodes {
		if node.LastHeartbeat < nodeCutoff {
			if err := m.store.SetNodeStatus(ctx, node.Address, store.AgentStatusInactive); err != nil {
				logging.Warn("Node expiry failed", logging.Monitor, "address", node.Address, "error", err)
			}
		}
	}
}

// SponsoredHeartbeatTick submits heartbeat transactions on behalf of active
// nodes whose on-chain heartbeat went quiet; the oracle is the designated
// gas payer for balance-less agents.
func (m *Monitor) SponsoredHeartbeatTick(ctx context.Context) {
	if !m.heartbeatRunning.CompareAndSwap(false, true) {
		return
	}
	defer m.heartbeatRunning.Store(false)

	nodes, err := m.store.ListNodesByStatus(ctx, store.AgentStatusActive)
	if err != nil {
		logging.Warn("Node listing failed", logging.Monitor, "error", err)
		return
	}
	cutoff := uint64(m.now().Add(-slowTickInterval).Unix())
	for _, node := range nodes {
		info, err := m.chain.GetAgent(ctx, node.Address)
		if err != nil {
			continue
		}
		if info.LastHeartbeat >= cutoff {
			continue
		}
		// Agents holding gas submit their own heartbeats; the oracle only
		// pays for the broke ones.
		if balance, err := m.chain.Balance(ctx, node.Address); err == nil && balance.Sign() > 0 {
			continue
		}
		if err := m.chain.SponsoredHeartbeat(ctx, node.Address); err != nil {
			logging.Warn("Sponsored heartbeat failed", logging.Monitor,
				"address", node.Address, "error", err)
			continue
		}
		logging.Debug("Sponsored heartbeat submitted", logging.Monitor, "address", node.Address)
	}
}

// StaleSweepTick deletes pipeline assignments whose unified heartbeat went
// stale and hands them to the pipeline manager for re-allocation.
func (m *Monitor) StaleSweepTick(ctx context.Context) {
	if !m.sweepRunning.CompareAndSwap(false, true) {
		return
	}
	defer m.sweepRunning.Store(false)

	cutoff := m.now().Add(-m.heartbeatTimeout).Unix()
	removed, err := m.store.DeleteStaleAssignments(ctx, cutoff)
	if err != nil {
		logging.Warn("Stale sweep failed", logging.Monitor, "error", err)
		return
	}
	if len(removed) == 0 {
		return
	}
	logging.Info("Swept stale assignments", logging.Monitor, "count", len(removed))
	m.pipeline.HandleRemoved(ctx, removed)
}

func (m *Monitor) updateStats(ctx context.Context, now int64) {
	epoch, err := m.chain.CurrentEpoch(ctx)
	if err != nil {
		return
	}
	actives, err := m.store.ListAgentsByStatus(ctx, store.AgentStatusActive)
	if err != nil {
		return
	}
	nodes, err := m.store.ListNodesByStatus(ctx, store.AgentStatusActive)
	if err != nil {
		return
	}
	var epochTokens uint64
	if rows, err := m.store.MetricsForEpoch(ctx, epoch); err == nil {
		for _, row := range rows {
			epochTokens += row.TokensProcessed
		}
	}
	models := make(map[string]bool)
	if assignments, err := m.store.AllAssignments(ctx); err == nil {
		for _, assignment := range assignments {
			models[assignment.ModelName] = true
		}
	}
	err = m.store.UpdateNetworkStats(ctx, &store.NetworkStats{
		ActiveAgents:   len(actives),
		ActiveNodes:    len(nodes),
		CurrentEpoch:   epoch,
		EpochTokens:    epochTokens,
		PipelineModels: len(models),
		UpdatedAt:      now,
	})
	if err != nil {
		logging.Debug("Network stats update failed", logging.Monitor, "error", err)
	}
}
