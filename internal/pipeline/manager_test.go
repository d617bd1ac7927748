package pipeline

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contribution-oracle/apiconfig"
	"contribution-oracle/internal/store"
)

type fakeAssignmentStore struct {
	rows map[string]*store.PipelineAssignment
}

func newFakeAssignmentStore() *fakeAssignmentStore {
	return &fakeAssignmentStore{rows: make(map[string]*store.PipelineAssignment)}
}

func assignmentKey(address, model string) string {
	return address + "/" + model
}

func (f *fakeAssignmentStore) AllAssignments(context.Context) ([]*store.PipelineAssignment, error) {
	var rows []*store.PipelineAssignment
	for _, row := range f.rows {
		rows = append(rows, row)
	}
	return rows, nil
}

func (f *fakeAssignmentStore) AssignmentsForModel(_ context.Context, model string) ([]*store.PipelineAssignment, error) {
	var rows []*store.PipelineAssignment
	for _, row := range f.rows {
		if row.ModelName == model {
			rows = append(rows, row)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].NodeAddress < rows[j].NodeAddress })
	return rows, nil
}

func (f *fakeAssignmentStore) GetAssignment(_ context.Context, address, model string) (*store.PipelineAssignment, error) {
	if row, ok := f.rows[assignmentKey(address, model)]; ok {
		return row, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeAssignmentStore) UpsertAssignment(_ context.Context, assignment *store.PipelineAssignment) error {
	key := assignmentKey(assignment.NodeAddress, assignment.ModelName)
	if existing, ok := f.rows[key]; ok {
		created := existing.CreatedAt
		*existing = *assignment
		existing.CreatedAt = created
		return nil
	}
	f.rows[key] = assignment
	return nil
}

func (f *fakeAssignmentStore) SaveAssignmentBatch(_ context.Context, assignments []*store.PipelineAssignment) error {
	for _, assignment := range assignments {
		f.rows[assignmentKey(assignment.NodeAddress, assignment.ModelName)] = assignment
	}
	return nil
}

func (f *fakeAssignmentStore) MarkAssignmentReady(_ context.Context, address, model string, now int64) error {
	row, ok := f.rows[assignmentKey(address, model)]
	if !ok {
		return store.ErrNotFound
	}
	row.Ready = true
	row.UpdatedAt = now
	return nil
}

type fakeNodeReader struct {
	nodes map[string]*store.AgentNode
}

func (f *fakeNodeReader) GetNode(_ context.Context, address string) (*store.AgentNode, error) {
	if node, ok := f.nodes[address]; ok {
		return node, nil
	}
	return nil, store.ErrNotFound
}

const bigModel = "llama-70b"

// Full-length canonical addresses; Register canonicalizes whatever it gets,
// so the fixtures use the form the store will be keyed by.
const (
	addrA  = "0x00000000000000000000000000000000000000aa"
	addrB  = "0x00000000000000000000000000000000000000bb"
	addrB1 = "0x00000000000000000000000000000000000000b1"
	addrB2 = "0x00000000000000000000000000000000000000b2"
	addrB3 = "0x00000000000000000000000000000000000000b3"
	addrB4 = "0x00000000000000000000000000000000000000b4"
)

func newTestManager(t *testing.T) (*Manager, *fakeAssignmentStore, *fakeNodeReader, *time.Time) {
	t.Helper()
	st := newFakeAssignmentStore()
	nodes := &fakeNodeReader{nodes: make(map[string]*store.AgentNode)}
	models := NewModelTable([]apiconfig.ModelConfig{
		{Name: bigModel, Layers: 32, MemRequirementMb: 16000},
		{Name: "tiny", Layers: 16},
	})
	manager := NewManager(st, nodes, models, NewBus(),
		10*time.Minute, 5*time.Minute, 2*time.Minute)
	clock := time.Unix(100_000, 0)
	manager.now = func() time.Time { return clock }
	return manager, st, nodes, &clock
}

func registerLanNode(t *testing.T, m *Manager, nodes *fakeNodeReader, address, lanIp string, ramMb int64, bench float64) {
	t.Helper()
	nodes.nodes[address] = &store.AgentNode{Address: address, CanDistribute: true}
	err := m.Register(context.Background(), &Registration{
		Address:            address,
		Model:              bigModel,
		GrpcEndpoint:       "grpc://" + address,
		HttpEndpoint:       "http://" + address,
		RamMb:              ramMb,
		Device:             "cpu",
		BenchmarkTokPerSec: bench,
		LanIp:              lanIp,
	})
	require.NoError(t, err)
}

func TestLanPeersFormClusterWithCoordinator(t *testing.T) {
	m, st, nodes, _ := newTestManager(t)

	registerLanNode(t, m, nodes, addrB1, "192.168.0.10", 8192, 30)
	registerLanNode(t, m, nodes, addrB2, "192.168.0.11", 8192, 50)
	// A peer on another subnet must not join, and alone it cannot form a
	// cluster of two.
	registerLanNode(t, m, nodes, addrB3, "192.168.1.10", 8192, 40)

	first := st.rows[assignmentKey(addrB1, bigModel)]
	second := st.rows[assignmentKey(addrB2, bigModel)]
	third := st.rows[assignmentKey(addrB3, bigModel)]

	require.NotEmpty(t, second.ClusterId)
	assert.Equal(t, second.ClusterId, first.ClusterId)
	// Higher benchmark wins coordination.
	assert.Equal(t, store.NodeModeCoordinator, second.NodeMode)
	assert.Equal(t, store.NodeModeRpcServer, first.NodeMode)

	// Equal memory and 16 layers of headroom each: coordinator-first split.
	assert.Equal(t, 0, second.LayerStart)
	assert.Equal(t, 16, second.LayerEnd)
	assert.Equal(t, 16, first.LayerStart)
	assert.Equal(t, 32, first.LayerEnd)

	assert.Empty(t, third.ClusterId)
	assert.Equal(t, 0, third.LayerEnd-third.LayerStart)
}

func TestStandaloneCapableNodeSkipsClustering(t *testing.T) {
	m, st, nodes, _ := newTestManager(t)
	registerLanNode(t, m, nodes, addrA, "192.168.0.10", 32000, 10)

	row := st.rows[assignmentKey(addrA, bigModel)]
	assert.Equal(t, store.NodeModeStandalone, row.NodeMode)
	assert.Empty(t, row.ClusterId)
	assert.Equal(t, 0, row.LayerStart)
	assert.Equal(t, 32, row.LayerEnd)
}

func TestYoungClusterKeptOnReallocation(t *testing.T) {
	m, st, nodes, _ := newTestManager(t)
	registerLanNode(t, m, nodes, addrB1, "192.168.0.10", 8192, 30)
	registerLanNode(t, m, nodes, addrB2, "192.168.0.11", 8192, 50)

	clusterId := st.rows[assignmentKey(addrB1, bigModel)].ClusterId
	require.NotEmpty(t, clusterId)

	// A re-run moments later must not churn the cluster id.
	require.NoError(t, m.Reallocate(context.Background(), bigModel))
	assert.Equal(t, clusterId, st.rows[assignmentKey(addrB1, bigModel)].ClusterId)
	assert.Equal(t, clusterId, st.rows[assignmentKey(addrB2, bigModel)].ClusterId)
}

func TestMemberBeyondGraceDissolvesCluster(t *testing.T) {
	m, st, nodes, clock := newTestManager(t)
	registerLanNode(t, m, nodes, addrB1, "192.168.0.10", 8192, 30)
	registerLanNode(t, m, nodes, addrB2, "192.168.0.11", 8192, 50)
	require.NotEmpty(t, st.rows[assignmentKey(addrB1, bigModel)].ClusterId)

	// One member stops heartbeating past timeout + grace while the other
	// stays live; cluster age moves past the hysteresis window too.
	*clock = clock.Add(13 * time.Minute)
	st.rows[assignmentKey(addrB2, bigModel)].UpdatedAt = clock.Unix()

	require.NoError(t, m.Reallocate(context.Background(), bigModel))

	survivor := st.rows[assignmentKey(addrB2, bigModel)]
	assert.Empty(t, survivor.ClusterId)
	assert.Equal(t, store.NodeModeStandalone, survivor.NodeMode)
	// Alone and memory-constrained, the survivor holds no layers.
	assert.Equal(t, 0, survivor.LayerEnd-survivor.LayerStart)
}

func TestTransientOfflineMemberKeepsCluster(t *testing.T) {
	m, st, nodes, clock := newTestManager(t)
	registerLanNode(t, m, nodes, addrB1, "192.168.0.10", 8192, 30)
	registerLanNode(t, m, nodes, addrB2, "192.168.0.11", 8192, 50)
	clusterId := st.rows[assignmentKey(addrB1, bigModel)].ClusterId

	// Past the min-age window, one member just crossed the heartbeat
	// timeout but is still within the offline grace.
	*clock = clock.Add(11 * time.Minute)
	st.rows[assignmentKey(addrB2, bigModel)].UpdatedAt = clock.Unix()

	require.NoError(t, m.Reallocate(context.Background(), bigModel))
	assert.Equal(t, clusterId, st.rows[assignmentKey(addrB1, bigModel)].ClusterId)
}

func TestMatureClusterAdoptsNewcomer(t *testing.T) {
	m, st, nodes, clock := newTestManager(t)
	registerLanNode(t, m, nodes, addrB1, "192.168.0.10", 8192, 30)
	registerLanNode(t, m, nodes, addrB2, "192.168.0.11", 8192, 50)
	originalCluster := st.rows[assignmentKey(addrB1, bigModel)].ClusterId

	// Within the hysteresis window a joining peer does not churn the
	// cluster.
	registerLanNode(t, m, nodes, addrB4, "192.168.0.12", 8192, 70)
	assert.Equal(t, originalCluster, st.rows[assignmentKey(addrB1, bigModel)].ClusterId)
	assert.Empty(t, st.rows[assignmentKey(addrB4, bigModel)].ClusterId)

	// Once the cluster matured, re-registration reforms it around the
	// fastest member.
	*clock = clock.Add(6 * time.Minute)
	for _, address := range []string{addrB1, addrB2, addrB4} {
		st.rows[assignmentKey(address, bigModel)].UpdatedAt = clock.Unix()
	}
	require.NoError(t, m.Reallocate(context.Background(), bigModel))

	reformed := st.rows[assignmentKey(addrB4, bigModel)].ClusterId
	require.NotEmpty(t, reformed)
	assert.NotEqual(t, originalCluster, reformed)
	assert.Equal(t, store.NodeModeCoordinator, st.rows[assignmentKey(addrB4, bigModel)].NodeMode)
}

func TestModelWithoutMemoryRequirementSplitsProportionally(t *testing.T) {
	m, st, nodes, _ := newTestManager(t)
	nodes.nodes[addrA] = &store.AgentNode{Address: addrA}
	nodes.nodes[addrB] = &store.AgentNode{Address: addrB}

	for _, reg := range []*Registration{
		{Address: addrA, Model: "tiny", GrpcEndpoint: "g1", HttpEndpoint: "h1", RamMb: 1000},
		{Address: addrB, Model: "tiny", GrpcEndpoint: "g2", HttpEndpoint: "h2", RamMb: 3000},
	} {
		require.NoError(t, m.Register(context.Background(), reg))
	}

	first := st.rows[assignmentKey(addrA, "tiny")]
	second := st.rows[assignmentKey(addrB, "tiny")]
	assert.Equal(t, 0, first.LayerStart)
	assert.Equal(t, 4, first.LayerEnd)
	assert.Equal(t, 4, second.LayerStart)
	assert.Equal(t, 16, second.LayerEnd)
}

func TestCollapsedTransportExcludedFromSplit(t *testing.T) {
	m, st, nodes, _ := newTestManager(t)
	nodes.nodes[addrA] = &store.AgentNode{Address: addrA}
	nodes.nodes[addrB] = &store.AgentNode{Address: addrB}

	require.NoError(t, m.Register(context.Background(), &Registration{
		Address: addrA, Model: "tiny", GrpcEndpoint: "h1", HttpEndpoint: "h1", RamMb: 1000,
	}))
	require.NoError(t, m.Register(context.Background(), &Registration{
		Address: addrB, Model: "tiny", GrpcEndpoint: "g2", HttpEndpoint: "h2", RamMb: 3000,
	}))

	// The standalone inference node is listed in topology untouched; the
	// real pipeline node owns the whole model.
	pipelineRow := st.rows[assignmentKey(addrB, "tiny")]
	assert.Equal(t, 0, pipelineRow.LayerStart)
	assert.Equal(t, 16, pipelineRow.LayerEnd)

	topology, err := m.Topology(context.Background(), "tiny")
	require.NoError(t, err)
	assert.Len(t, topology, 2)
}

func TestMarkReadyUnknownAssignment(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	err := m.MarkReady(context.Background(), addrA, "tiny")
	assert.ErrorIs(t, err, ErrAssignmentNotFound)
}
