package grid

import "hash/fnv"

// DefaultPartitionCount is the partition count used when none is configured.
const DefaultPartitionCount = 271

// PartitionFor maps an entity key to a partition. Every value derived
// from the same entity key lands on the same partition, which is what
// gives the pipeline its per-entity ordering guarantee.
func PartitionFor(entityKey string, partitions int) int {
	if partitions <= 0 {
		partitions = DefaultPartitionCount
	}
	h := fnv.New64a()
	h.Write([]byte(entityKey))
	return int(h.Sum64() % uint64(partitions))
}
