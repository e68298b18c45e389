package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
	"github.com/flotillaproject/flotilla/internal/scheduler/schedulererrors"
)

func TestRegistryPreservesConfiguredOrder(t *testing.T) {
	registry := NewPartitionRegistry([]configuration.PartitionConfig{
		{Name: "gpu", MaxConcurrentJobs: 4, CommandsPerJob: 2, Account: "a1", Qos: "high"},
		{Name: "cpu", MaxConcurrentJobs: 8, CommandsPerJob: 1, Account: "a2"},
	})

	require.Equal(t, 2, registry.Len())
	all := registry.All()
	assert.Equal(t, "gpu", all[0].Name)
	assert.Equal(t, 0, all[0].Index)
	assert.Equal(t, "cpu", all[1].Name)
	assert.Equal(t, 1, all[1].Index)

	gpu, ok := registry.Get("gpu")
	require.True(t, ok)
	assert.Equal(t, 4, gpu.MaxConcurrentJobs)
	assert.Equal(t, 2, gpu.CommandsPerJob)
	assert.Equal(t, "a1", gpu.Account)
	assert.Equal(t, "high", gpu.Qos)

	_, ok = registry.Get("missing")
	assert.False(t, ok)
}

func TestRegistryMustGetPanicsOnUnknown(t *testing.T) {
	registry := NewPartitionRegistry([]configuration.PartitionConfig{
		{Name: "gpu", MaxConcurrentJobs: 1, CommandsPerJob: 1},
	})
	assert.NotPanics(t, func() { registry.MustGet("gpu") })
	expected := &schedulererrors.ErrUnknownPartition{Name: "missing"}
	assert.PanicsWithError(t, expected.Error(), func() {
		registry.MustGet("missing")
	})
}
