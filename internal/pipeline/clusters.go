package pipeline

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"contribution-oracle/internal/store"
	"contribution-oracle/logging"
)

// newClusterId returns a random 64-bit identifier in hex.
func newClusterId() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf[:])
}

// subnetOf groups LAN peers by the first three octets of their address.
func subnetOf(lanIp string) string {
	parts := strings.Split(lanIp, ".")
	if len(parts) != 4 {
		return ""
	}
	return strings.Join(parts[:3], ".")
}

type clusterState struct {
	formedAt map[string]time.Time
}

func newClusterState() *clusterState {
	return &clusterState{formedAt: make(map[string]time.Time)}
}

// seed reconstructs formation times from persisted rows after a restart,
// using each cluster's oldest member row.
func (s *clusterState) seed(rows []*store.PipelineAssignment) {
	for _, row := range rows {
		if row.ClusterId == "" {
			continue
		}
		formed := time.Unix(row.CreatedAt, 0)
		if current, ok := s.formedAt[row.ClusterId]; !ok || formed.Before(current) {
			s.formedAt[row.ClusterId] = formed
		}
	}
}

func (s *clusterState) age(clusterId string, now time.Time) time.Duration {
	formed, ok := s.formedAt[clusterId]
	if !ok {
		return 0
	}
	return now.Sub(formed)
}

func (s *clusterState) record(clusterId string, now time.Time) {
	s.formedAt[clusterId] = now
}

func (s *clusterState) forget(clusterId string) {
	delete(s.formedAt, clusterId)
}

// formCluster greedily fills a subnet cluster fastest-node-first until the
// combined available memory satisfies the model requirement. It returns nil
// when no viable cluster exists (fewer than two members, or not enough
// memory even with every candidate).
func formCluster(candidates []*store.PipelineAssignment, totalLayers int, memRequirementMb int64, state *clusterState, now time.Time) []*store.PipelineAssignment {
	if len(candidates) < 2 {
		return nil
	}
	sortByBenchmark(candidates)

	var members []*store.PipelineAssignment
	var combined int64
	for _, candidate := range candidates {
		members = append(members, candidate)
		combined += availableMemoryMb(candidate)
		if combined >= memRequirementMb {
			break
		}
	}
	if combined < memRequirementMb || len(members) < 2 {
		return nil
	}

	clusterId := newClusterId()
	for index, member := range members {
		member.ClusterId = clusterId
		if index == 0 {
			member.NodeMode = store.NodeModeCoordinator
		} else {
			member.NodeMode = store.NodeModeRpcServer
		}
	}
	splitByBenchmark(members, totalLayers, memRequirementMb)
	state.record(clusterId, now)

	logging.Info("Cluster formed", logging.Clusters,
		"clusterId", clusterId, "members", len(members),
		"coordinator", members[0].NodeAddress, "combinedMemMb", combined)
	return members
}

// dissolve reverts every member to standalone with no layers; the caller
// re-runs formation afterwards.
func dissolve(members []*store.PipelineAssignment, state *clusterState) {
	if len(members) == 0 {
		return
	}
	clusterId := members[0].ClusterId
	for _, member := range members {
		member.ClusterId = ""
		member.NodeMode = store.NodeModeStandalone
		member.Ready = false
		member.LayerStart = 0
		member.LayerEnd = 0
		member.PipelineOrder = 0
	}
	state.forget(clusterId)
	logging.Info("Cluster dissolved", logging.Clusters, "clusterId", clusterId, "members", len(members))
}
