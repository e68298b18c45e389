package scheduler

import (
	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
	"github.com/flotillaproject/flotilla/internal/scheduler/schedulererrors"
)

// Partition is one independently-scheduled pool of cluster nodes.
// Immutable after load.
type Partition struct {
	Name string
	// Position in the configured partition list. Lower index wins estimate ties.
	Index             int
	MaxConcurrentJobs int
	CommandsPerJob    int
	Account           string
	Qos               string
}

// PartitionRegistry is the static, ordered set of configured partitions.
// The order is fixed for the process lifetime and is the sole tie-break key.
type PartitionRegistry struct {
	partitions []*Partition
	byName     map[string]*Partition
}

func NewPartitionRegistry(configs []configuration.PartitionConfig) *PartitionRegistry {
	partitions := make([]*Partition, len(configs))
	byName := make(map[string]*Partition, len(configs))
	for i, config := range configs {
		partition := &Partition{
			Name:              config.Name,
			Index:             i,
			MaxConcurrentJobs: config.MaxConcurrentJobs,
			CommandsPerJob:    config.CommandsPerJob,
			Account:           config.Account,
			Qos:               config.Qos,
		}
		partitions[i] = partition
		byName[config.Name] = partition
	}
	return &PartitionRegistry{
		partitions: partitions,
		byName:     byName,
	}
}

// All returns the partitions in configured order.
// The returned slice must not be modified.
func (r *PartitionRegistry) All() []*Partition {
	return r.partitions
}

func (r *PartitionRegistry) Get(name string) (*Partition, bool) {
	partition, ok := r.byName[name]
	return partition, ok
}

// MustGet panics with ErrUnknownPartition if name is not registered.
func (r *PartitionRegistry) MustGet(name string) *Partition {
	partition, ok := r.byName[name]
	if !ok {
		panic(&schedulererrors.ErrUnknownPartition{Name: name})
	}
	return partition
}

func (r *PartitionRegistry) Len() int {
	return len(r.partitions)
}
