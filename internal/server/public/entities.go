package public

import (
	"contribution-oracle/internal/pipeline"
)

// Signed request bodies embed their payload so the canonical signing message
// is the payload's own JSON serialization, keys in declaration order, with
// the signature field removed and the address lowercased.

type NodeRegisterPayload struct {
	Address            string   `json:"address"`
	Endpoint           string   `json:"endpoint"`
	Capabilities       []string `json:"capabilities,omitempty"`
	BenchmarkTokPerSec float64  `json:"benchmarkTokPerSec,omitempty"`
	LanIp              string   `json:"lanIp,omitempty"`
	CanDistribute      bool     `json:"canDistribute,omitempty"`
	Timestamp          int64    `json:"timestamp"`
}

type NodeRegisterRequest struct {
	NodeRegisterPayload
	Signature string `json:"signature"`
}

type PipelineRegisterPayload struct {
	pipeline.Registration
	Timestamp int64 `json:"timestamp"`
}

type PipelineRegisterRequest struct {
	PipelineRegisterPayload
	Signature string `json:"signature"`
}

type PipelineReadyPayload struct {
	Address   string `json:"address"`
	Model     string `json:"model"`
	Timestamp int64  `json:"timestamp"`
}

type PipelineReadyRequest struct {
	PipelineReadyPayload
	Signature string `json:"signature"`
}

type RewardsResponse struct {
	Address       string      `json:"address"`
	PendingReward string      `json:"pendingReward"`
	Contributions interface{} `json:"contributions"`
}

type LeaderboardEntry struct {
	Address         string  `json:"address"`
	ProcessedTokens uint64  `json:"processedTokens"`
	RequestCount    uint64  `json:"requestCount"`
	AvgLatencyMs    float64 `json:"avgLatencyMs"`
	UptimeSeconds   uint64  `json:"uptimeSeconds"`
}
