package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplayGuardStrictlyIncreasing(t *testing.T) {
	guard := NewReplayGuard()
	address := "0xaa"

	assert.True(t, guard.Check(FamilyMetrics, address, 1000))
	guard.Advance(FamilyMetrics, address, 1000)

	assert.False(t, guard.Check(FamilyMetrics, address, 1000))
	assert.False(t, guard.Check(FamilyMetrics, address, 999))
	assert.True(t, guard.Check(FamilyMetrics, address, 1001))
}

func TestReplayGuardFamiliesIndependent(t *testing.T) {
	guard := NewReplayGuard()
	guard.Advance(FamilyMetrics, "0xaa", 1000)

	assert.True(t, guard.Check(FamilyNodeRegister, "0xaa", 1000))
	assert.True(t, guard.Check(FamilyMetrics, "0xbb", 1000))
}

func TestReplayGuardAdvanceNeverRegresses(t *testing.T) {
	guard := NewReplayGuard()
	guard.Advance(FamilyMetrics, "0xaa", 1000)
	guard.Advance(FamilyMetrics, "0xaa", 500)
	assert.False(t, guard.Check(FamilyMetrics, "0xaa", 1000))
	assert.True(t, guard.Check(FamilyMetrics, "0xaa", 1001))
}
