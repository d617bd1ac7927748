package ingest

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"contribution-oracle/internal/proofs"
	"contribution-oracle/internal/store"
	"contribution-oracle/internal/util"
	"contribution-oracle/logging"
)

// MaxTokensPerReport bounds a single cumulative counter value; anything
// larger is treated as abuse.
const MaxTokensPerReport = 1_000_000_000

var (
	ErrInvalidAddress = errors.New("invalid agent address")
	ErrSignature      = errors.New("signature verification failed")
	ErrStaleTimestamp = errors.New("timestamp outside freshness window")
	ErrReplay         = errors.New("timestamp does not advance replay cursor")
	ErrBounds         = errors.New("tokensProcessed exceeds per-report bound")
	ErrUnregistered   = errors.New("agent is not registered on-chain")
)

// TelemetryReport is the signed envelope agents push. tokensProcessed and
// requestCount are cumulative counters, not deltas.
type TelemetryReport struct {
	Address         string              `json:"address"`
	TokensProcessed uint64              `json:"tokensProcessed"`
	AvgLatencyMs    float64             `json:"avgLatencyMs"`
	RequestCount    uint64              `json:"requestCount"`
	UptimeSeconds   uint64              `json:"uptimeSeconds"`
	Timestamp       int64               `json:"timestamp"`
	Signature       string              `json:"signature"`
	Proofs          []proofs.Submission `json:"proofs,omitempty"`
}

type Result struct {
	Success bool `json:"success"`
	// ShouldReset tells the agent this was the first accepted report of a
	// new epoch, so it can safely zero its local cumulative counters.
	ShouldReset bool `json:"shouldReset"`
}

type Store interface {
	ApplyEpochMetrics(ctx context.Context, address string, epoch uint64, apply func(*store.EpochMetrics)) (*store.EpochMetrics, error)
	LatestMetricsPerAddress(ctx context.Context) ([]*store.EpochMetrics, error)
	GetNode(ctx context.Context, address string) (*store.AgentNode, error)
	UpsertNode(ctx context.Context, node *store.AgentNode) error
	TouchNode(ctx context.Context, address string, heartbeat, metricReport int64) error
	TouchAssignments(ctx context.Context, address string, now int64) error
}

type RegistrationChecker interface {
	IsAgentAccount(ctx context.Context, address string) (bool, error)
}

type EpochSource interface {
	CurrentEpoch(ctx context.Context) (uint64, error)
}

type ProofSink interface {
	Save(ctx context.Context, address string, epoch uint64, submission proofs.Submission) error
}

type UptimeTracker interface {
	SetUptime(address string, seconds uint64)
}

type rawCounters struct {
	tokens   uint64
	requests uint64
	seen     bool
}

// Ingestor authenticates telemetry and folds cumulative counters into
// epoch-bounded metrics. All in-memory state is a cache over the store.
type Ingestor struct {
	store  Store
	chain  RegistrationChecker
	epochs EpochSource
	proofs ProofSink
	uptime UptimeTracker
	guard  *ReplayGuard

	apiKey          string
	freshnessWindow time.Duration
	now             func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	// Raw-counter snapshots carried across epoch boundaries so the first
	// report of a new epoch still yields a delta, not a double count.
	raw map[string]*rawCounters
}

func NewIngestor(st Store, chain RegistrationChecker, epochs EpochSource, sink ProofSink, uptime UptimeTracker, guard *ReplayGuard, apiKey string, freshnessWindow time.Duration) *Ingestor {
	return &Ingestor{
		store:           st,
		chain:           chain,
		epochs:          epochs,
		proofs:          sink,
		uptime:          uptime,
		guard:           guard,
		apiKey:          apiKey,
		freshnessWindow: freshnessWindow,
		now:             time.Now,
		locks:           make(map[string]*sync.Mutex),
		raw:             make(map[string]*rawCounters),
	}
}

// Bootstrap rehydrates the replay cursor and raw-counter snapshots from each
// address's most recent epoch row, so a restart mid-epoch neither replays old
// reports nor double-counts after an agent-side reset.
func (i *Ingestor) Bootstrap(ctx context.Context) error {
	rows, err := i.store.LatestMetricsPerAddress(ctx)
	if err != nil {
		return fmt.Errorf("loading metrics cursors: %w", err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, row := range rows {
		i.guard.Seed(FamilyMetrics, row.Address, row.LastUpdated)
		i.raw[row.Address] = &rawCounters{
			tokens:   row.LastRawTokens,
			requests: row.LastRawRequests,
			seen:     true,
		}
	}
	logging.Info("Ingestor bootstrapped", logging.Ingest, "addresses", len(rows))
	return nil
}

// Ingest runs the full acceptance pipeline for one report. apiKeyHeader,
// when it matches the configured key, bypasses only the signature check.
func (i *Ingestor) Ingest(ctx context.Context, report *TelemetryReport, apiKeyHeader string) (*Result, error) {
	if !util.IsValidAddress(report.Address) {
		return nil, ErrInvalidAddress
	}
	address := util.CanonicalAddress(report.Address)

	lock := i.addressLock(address)
	lock.Lock()
	defer lock.Unlock()

	if !i.keyAuthorized(apiKeyHeader) {
		message := CanonicalMetricsMessage(address, report.TokensProcessed, report.Timestamp)
		if err := VerifySignedMessage(message, report.Signature, address); err != nil {
			logging.Warn("Rejected telemetry signature", logging.Ingest,
				"address", address, "timestamp", report.Timestamp, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrSignature, err)
		}
	}

	now := i.now().Unix()
	window := int64(i.freshnessWindow / time.Second)
	if report.Timestamp < now-window || report.Timestamp > now+window {
		return nil, fmt.Errorf("%w: timestamp %d, now %d", ErrStaleTimestamp, report.Timestamp, now)
	}

	if !i.guard.Check(FamilyMetrics, address, report.Timestamp) {
		logging.Warn("Rejected telemetry replay", logging.Ingest,
			"address", address, "timestamp", report.Timestamp)
		return nil, ErrReplay
	}

	registered, err := i.chain.IsAgentAccount(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("registration lookup: %w", err)
	}
	if !registered {
		return nil, ErrUnregistered
	}

	if report.TokensProcessed > MaxTokensPerReport {
		return nil, fmt.Errorf("%w: %d", ErrBounds, report.TokensProcessed)
	}

	epoch, err := i.epochs.CurrentEpoch(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading current epoch: %w", err)
	}

	snapshot := i.rawSnapshot(address)
	var firstOfEpoch bool
	row, err := i.store.ApplyEpochMetrics(ctx, address, epoch, func(metrics *store.EpochMetrics) {
		firstOfEpoch = metrics.LastUpdated == 0
		lastTokens := metrics.LastRawTokens
		lastRequests := metrics.LastRawRequests
		if firstOfEpoch && snapshot.seen {
			lastTokens = snapshot.tokens
			lastRequests = snapshot.requests
		}

		// A dropped token counter means the agent restarted and began
		// counting from zero again. Both cumulative counters restarted
		// with it, so the whole report is counted in full, never as a
		// wrapped difference.
		agentReset := report.TokensProcessed < lastTokens

		tokenDelta := report.TokensProcessed
		if !agentReset {
			tokenDelta = report.TokensProcessed - lastTokens
		}
		requestDelta := report.RequestCount
		if !agentReset && report.RequestCount >= lastRequests {
			requestDelta = report.RequestCount - lastRequests
		}

		prevRequests := metrics.RequestCount
		metrics.TokensProcessed += tokenDelta
		metrics.RequestCount += requestDelta
		if requestDelta > 0 {
			total := prevRequests + requestDelta
			metrics.AvgLatencyMs = (metrics.AvgLatencyMs*float64(prevRequests) +
				report.AvgLatencyMs*float64(requestDelta)) / float64(total)
		}
		metrics.UptimeSeconds = report.UptimeSeconds
		metrics.LastRawTokens = report.TokensProcessed
		metrics.LastRawRequests = report.RequestCount
		metrics.LastUpdated = report.Timestamp
	})
	if err != nil {
		// The guard did not move: the agent can resend the same payload
		// once we recover.
		return nil, fmt.Errorf("persisting metrics: %w", err)
	}

	i.guard.Advance(FamilyMetrics, address, report.Timestamp)
	i.setRawSnapshot(address, report.TokensProcessed, report.RequestCount)
	i.uptime.SetUptime(address, report.UptimeSeconds)

	i.applySideEffects(ctx, address, report.Timestamp, now)

	for _, submission := range report.Proofs {
		if err := i.proofs.Save(ctx, address, epoch, submission); err != nil {
			// Proofs are auxiliary signal; a bad proof never fails ingest.
			logging.Warn("Proof save failed", logging.Ingest,
				"address", address, "epoch", epoch, "error", err)
		}
	}

	logging.Debug("Telemetry accepted", logging.Ingest,
		"address", address, "epoch", epoch,
		"tokens", row.TokensProcessed, "requests", row.RequestCount,
		"shouldReset", firstOfEpoch)
	return &Result{Success: true, ShouldReset: firstOfEpoch}, nil
}

func (i *Ingestor) applySideEffects(ctx context.Context, address string, reportTimestamp, now int64) {
	if _, err := i.store.GetNode(ctx, address); errors.Is(err, store.ErrNotFound) {
		node := &store.AgentNode{
			Address:          address,
			Status:           store.AgentStatusActive,
			LastHeartbeat:    now,
			LastMetricReport: reportTimestamp,
		}
		if err := i.store.UpsertNode(ctx, node); err != nil {
			logging.Warn("Auto-registering node failed", logging.Ingest, "address", address, "error", err)
		}
		return
	}
	if err := i.store.TouchNode(ctx, address, now, reportTimestamp); err != nil {
		logging.Warn("Node heartbeat update failed", logging.Ingest, "address", address, "error", err)
	}
	if err := i.store.TouchAssignments(ctx, address, now); err != nil {
		logging.Warn("Assignment heartbeat update failed", logging.Ingest, "address", address, "error", err)
	}
}

func (i *Ingestor) keyAuthorized(header string) bool {
	return i.apiKey != "" && subtle.ConstantTimeCompare([]byte(header), []byte(i.apiKey)) == 1
}

func (i *Ingestor) addressLock(address string) *sync.Mutex {
	i.mu.Lock()
	defer i.mu.Unlock()
	lock, ok := i.locks[address]
	if !ok {
		lock = &sync.Mutex{}
		i.locks[address] = lock
	}
	return lock
}

func (i *Ingestor) rawSnapshot(address string) rawCounters {
	i.mu.Lock()
	defer i.mu.Unlock()
	if snapshot, ok := i.raw[address]; ok {
		return *snapshot
	}
	return rawCounters{}
}

func (i *Ingestor) setRawSnapshot(address string, tokens, requests uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.raw[address] = &rawCounters{tokens: tokens, requests: requests, seen: true}
}
