package grid

import (
	"fmt"
	"testing"
)

func TestPartitionFor_Deterministic(t *testing.T) {
	for _, key := range []string{"cust-1", "order-42", "", "payment#9"} {
		a := PartitionFor(key, DefaultPartitionCount)
		b := PartitionFor(key, DefaultPartitionCount)
		if a != b {
			t.Errorf("PartitionFor(%q) not deterministic: %d vs %d", key, a, b)
		}
	}
}

func TestPartitionFor_Range(t *testing.T) {
	for i := 0; i < 1000; i++ {
		p := PartitionFor(fmt.Sprintf("entity-%d", i), DefaultPartitionCount)
		if p < 0 || p >= DefaultPartitionCount {
			t.Fatalf("partition %d out of range for entity-%d", p, i)
		}
	}
}

func TestPartitionFor_Distribution(t *testing.T) {
	const partitions = 16
	const keys = 16000

	counts := make([]int, partitions)
	for i := 0; i < keys; i++ {
		counts[PartitionFor(fmt.Sprintf("cust-%d", i), partitions)]++
	}

	// Roughly uniform: no partition should be empty or hold more than
	// three times its fair share.
	fair := keys / partitions
	for p, n := range counts {
		if n == 0 {
			t.Errorf("partition %d received no keys", p)
		}
		if n > 3*fair {
			t.Errorf("partition %d overloaded: %d keys (fair share %d)", p, n, fair)
		}
	}
}

func TestPartitionFor_InvalidCount(t *testing.T) {
	if p := PartitionFor("x", 0); p != 0 {
		t.Errorf("expected partition 0 for non-positive count, got %d", p)
	}
	if p := PartitionFor("x", -3); p != 0 {
		t.Errorf("expected partition 0 for negative count, got %d", p)
	}
}

func TestPartitionFor_SameEntitySamePartition(t *testing.T) {
	// All events of one entity must land on one partition regardless of
	// anything else about the event.
	p := PartitionFor("order-7", DefaultPartitionCount)
	for i := 0; i < 50; i++ {
		if got := PartitionFor("order-7", DefaultPartitionCount); got != p {
			t.Fatalf("entity order-7 moved partitions: %d vs %d", got, p)
		}
	}
}
