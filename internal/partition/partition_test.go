package partition

import (
	"testing"
	"time"

	"erik/internal/wire"
)

func refWithAKIAndTime(aki byte, digest byte, when time.Time) wire.ManifestRef {
	var d wire.Digest
	d[0] = digest
	var a [20]byte
	a[0] = aki
	return wire.ManifestRef{Digest: d, AKI: a, ThisUpdate: when}
}

func TestBuildGroupsByFirstAKIByte(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)

	var a1, a2 [20]byte
	a1[0], a1[1] = 0x7A, 0x01
	a2[0], a2[1] = 0x7A, 0x02
	r1 := refWithAKIAndTime(0x7A, 0x01, t1)
	r2 := refWithAKIAndTime(0x7A, 0x02, t2)
	r1.AKI, r2.AKI = a1, a2
	byAKI := map[[20]byte]wire.ManifestRef{a1: r1, a2: r2}

	parts := Build(byAKI)
	if len(parts) != 1 {
		t.Fatalf("expected 1 partition bucket, got %d", len(parts))
	}
	p := parts[0x7A]
	if len(p.Refs) != 2 {
		t.Fatalf("expected 2 refs in bucket, got %d", len(p.Refs))
	}
	if !p.PartitionTime.Equal(t2) {
		t.Fatalf("expected min this_update %v, got %v", t2, p.PartitionTime)
	}
}

func TestBuildIndexEmptyYieldsNoIndex(t *testing.T) {
	_, err := BuildIndex("scope", map[byte]wire.Partition{}, nil)
	if _, ok := err.(ErrNoIndex); !ok {
		t.Fatalf("expected ErrNoIndex, got %v", err)
	}
}

func TestBuildIndexTimeIsMaxPartitionTime(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	partitions := map[byte]wire.Partition{
		0x01: {PartitionTime: t1},
		0x02: {PartitionTime: t2},
	}
	idx, err := BuildIndex("scope", partitions, func(key byte, p wire.Partition) (wire.PartitionRef, error) {
		var d wire.Digest
		d[0] = key
		return wire.PartitionRef{Digest: d, Size: 1}, nil
	})
	if err != nil {
		t.Fatalf("BuildIndex failed: %v", err)
	}
	if !idx.IndexTime.Equal(t1) {
		t.Fatalf("expected index_time %v, got %v", t1, idx.IndexTime)
	}
	if len(idx.Partitions) != 2 {
		t.Fatalf("expected 2 partition refs, got %d", len(idx.Partitions))
	}
}
