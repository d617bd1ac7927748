package store

// Agent lifecycle states mirrored from the registry contract.
const (
	AgentStatusInactive = "inactive"
	AgentStatusActive   = "active"
	AgentStatusSlashed  = "slashed"
)

// Pipeline node modes. A standalone node serves a whole model; coordinator
// and rpc-server members jointly serve one model inside a cluster.
const (
	NodeModeStandalone  = "standalone"
	NodeModeCoordinator = "coordinator"
	NodeModeRpcServer   = "rpc-server"
)

type Agent struct {
	//lint:ignore U1000 tableName is a convention used by go-pg
	tableName struct{} `pg:"agents"`

	// Address is the lowercase hex chain address identifying the agent.
	Address string `pg:",pk,notnull"`

	RegisteredAt  int64  `pg:",use_zero"`
	LastHeartbeat int64  `pg:",use_zero"`
	Status        string `pg:",notnull"`

	// Stake is the agent's on-chain stake in base units.
	Stake string `pg:",type:numeric,use_zero"`

	NodeId   string
	Metadata string
}

type AgentNode struct {
	//lint:ignore U1000 tableName is a convention used by go-pg
	tableName struct{} `pg:"agent_nodes"`

	Address               string `pg:",pk,notnull"`
	Endpoint              string
	Capabilities          []string `pg:",array"`
	Status                string   `pg:",notnull"`
	Score                 float64  `pg:",use_zero"`
	LastHeartbeat         int64    `pg:",use_zero"`
	LastMetricReport      int64    `pg:",use_zero"`
	RegistrationSignature string
	BenchmarkTokPerSec    float64 `pg:",use_zero"`
	LanIp                 string
	CanDistribute         bool `pg:",use_zero"`
}

// EpochMetrics accumulates one agent's telemetry for one epoch.
//
// TokensProcessed and RequestCount are sums of deltas recovered from the
// agent's cumulative counters. LastRawTokens/LastRawRequests hold the agent's
// most recent reported cumulative values; they are what makes counter-reset
// detection survive an oracle restart without double-counting.
type EpochMetrics struct {
	//lint:ignore U1000 tableName is a convention used by go-pg
	tableName struct{} `pg:"inference_metrics"`

	Address string `pg:",pk,notnull"`
	Epoch   uint64 `pg:",pk,use_zero"`

	TokensProcessed uint64  `pg:",use_zero"`
	RequestCount    uint64  `pg:",use_zero"`
	AvgLatencyMs    float64 `pg:",use_zero"`
	UptimeSeconds   uint64  `pg:",use_zero"`

	LastRawTokens   uint64 `pg:",use_zero"`
	LastRawRequests uint64 `pg:",use_zero"`

	// LastUpdated is the client-reported timestamp of the last accepted
	// report; the replay guard is reseeded from it on startup.
	LastUpdated int64 `pg:",use_zero"`
}

type InferenceProof struct {
	//lint:ignore U1000 tableName is a convention used by go-pg
	tableName struct{} `pg:"inference_proofs"`

	Id      string `pg:",pk,notnull"`
	Address string `pg:",notnull"`
	Epoch   uint64 `pg:",use_zero"`

	ModelHash  string `pg:",notnull"`
	InputHash  string `pg:",notnull"`
	OutputHash string `pg:",notnull"`
	TokenCount uint64 `pg:",use_zero"`

	Verified           bool `pg:",use_zero"`
	VerificationTxHash string

	CreatedAt  int64 `pg:",use_zero"`
	VerifiedAt int64 `pg:",use_zero"`
}

// Contribution is the per-agent per-epoch snapshot published on-chain.
type Contribution struct {
	//lint:ignore U1000 tableName is a convention used by go-pg
	tableName struct{} `pg:"contributions"`

	Address string `pg:",pk,notnull"`
	Epoch   uint64 `pg:",pk,use_zero"`

	TaskCount       uint64 `pg:",use_zero"`
	UptimeSeconds   uint64 `pg:",use_zero"`
	ResponseScore   uint64 `pg:",use_zero"`
	ProcessedTokens uint64 `pg:",use_zero"`
	AvgLatencyInv   uint64 `pg:",use_zero"`

	LastUpdated int64 `pg:",use_zero"`
}

type Epoch struct {
	//lint:ignore U1000 tableName is a convention used by go-pg
	tableName struct{} `pg:"epochs"`

	Number      uint64 `pg:",pk,use_zero"`
	Reward      string `pg:",type:numeric,use_zero"`
	AgentCount  uint64 `pg:",use_zero"`
	Distributed bool   `pg:",use_zero"`
	SyncedAt    int64  `pg:",use_zero"`
}

type Challenge struct {
	//lint:ignore U1000 tableName is a convention used by go-pg
	tableName struct{} `pg:"challenges"`

	Id          string `pg:",pk,notnull"`
	Difficulty  uint64 `pg:",use_zero"`
	Seed        string
	CreatedAt   int64 `pg:",use_zero"`
	ExpiresAt   int64 `pg:",use_zero"`
	Solved      bool  `pg:",use_zero"`
	Solver      string
	RewardBonus string `pg:",type:numeric,use_zero"`
}

type NetworkStats struct {
	//lint:ignore U1000 tableName is a convention used by go-pg
	tableName struct{} `pg:"network_stats"`

	Id             int64  `pg:",pk,use_zero"`
	ActiveAgents   int    `pg:",use_zero"`
	ActiveNodes    int    `pg:",use_zero"`
	CurrentEpoch   uint64 `pg:",use_zero"`
	EpochTokens    uint64 `pg:",use_zero"`
	PipelineModels int    `pg:",use_zero"`
	UpdatedAt      int64  `pg:",use_zero"`
}

// PipelineAssignment maps (node, model) to a half-open layer interval. Per
// model, the union of [LayerStart, LayerEnd) across one cluster (or the
// single standalone row) covers [0, TotalLayers) without overlap.
type PipelineAssignment struct {
	//lint:ignore U1000 tableName is a convention used by go-pg
	tableName struct{} `pg:"pipeline_assignments"`

	NodeAddress string `pg:",pk,notnull"`
	ModelName   string `pg:",pk,notnull"`

	LayerStart  int `pg:",use_zero"`
	LayerEnd    int `pg:",use_zero"`
	TotalLayers int `pg:",use_zero"`

	GrpcEndpoint string
	HttpEndpoint string

	RamMb  int64 `pg:",use_zero"`
	Device string
	VramMb int64 `pg:",use_zero"`

	BenchmarkTokPerSec float64 `pg:",use_zero"`

	Ready         bool   `pg:",use_zero"`
	PipelineOrder int    `pg:",use_zero"`
	NodeMode      string `pg:",notnull"`
	ClusterId     string
	RpcPort       int `pg:",use_zero"`
	LanIp         string

	CreatedAt int64 `pg:",use_zero"`
	UpdatedAt int64 `pg:",use_zero"`
}
