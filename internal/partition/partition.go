// Package partition buckets manifest references by the first byte of
// their Authority Key Identifier and derives partition and index
// timestamps from the bucketed members.
package partition

import (
	"sort"
	"time"

	"erik/internal/wire"
)

// ErrNoIndex is returned by BuildIndex when the input set is empty: the
// system has nothing to index yet, rather than an index with zero
// partitions.
type ErrNoIndex struct{}

func (ErrNoIndex) Error() string { return "partition: no manifest references to index" }

// Build groups refs into partitions keyed by refs[i].AKI[0]. Each
// partition's time is the minimum this_update among its members.
func Build(refs map[[20]byte]wire.ManifestRef) map[byte]wire.Partition {
	out := make(map[byte]wire.Partition)
	bucket := make(map[byte][]wire.ManifestRef)
	for _, ref := range refs {
		key := ref.AKI[0]
		bucket[key] = append(bucket[key], ref)
	}
	for key, members := range bucket {
		partitionTime := members[0].ThisUpdate
		for _, m := range members[1:] {
			if m.ThisUpdate.Before(partitionTime) {
				partitionTime = m.ThisUpdate
			}
		}
		out[key] = wire.Partition{PartitionTime: partitionTime, Refs: members}
	}
	return out
}

// BuildIndex derives the on-wire PartitionRef set and index_time from
// partitions keyed by partition key, calling encode on each partition (in
// ascending key order) to obtain its PartitionRef. It returns ErrNoIndex
// when partitions is empty.
func BuildIndex(scope string, partitions map[byte]wire.Partition, encode func(key byte, p wire.Partition) (wire.PartitionRef, error)) (wire.Index, error) {
	if len(partitions) == 0 {
		return wire.Index{}, ErrNoIndex{}
	}

	keys := make([]byte, 0, len(partitions))
	for k := range partitions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var refs []wire.PartitionRef
	var indexTime time.Time
	first := true
	for _, k := range keys {
		p := partitions[k]
		ref, err := encode(k, p)
		if err != nil {
			return wire.Index{}, err
		}
		refs = append(refs, ref)
		if first || p.PartitionTime.After(indexTime) {
			indexTime = p.PartitionTime
		}
		first = false
	}

	return wire.Index{Scope: scope, IndexTime: indexTime, Partitions: refs}, nil
}
