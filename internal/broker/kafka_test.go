package broker

import "testing"

func TestCommitTrackerWaitsForPredecessors(t *testing.T) {
	tr := newCommitTracker()
	for _, off := range []int64{10, 11, 12} {
		tr.add(0, off)
	}
	tr.add(1, 5)

	if _, ok := tr.settle(0, 12); ok {
		t.Fatal("offset 12 settled before 10 and 11")
	}
	if _, ok := tr.settle(0, 11); ok {
		t.Fatal("offset 11 settled before 10")
	}
	if upTo, ok := tr.settle(0, 10); !ok || upTo != 12 {
		t.Fatalf("settle(10) = %d, %v; want 12, true", upTo, ok)
	}
	if upTo, ok := tr.settle(1, 5); !ok || upTo != 5 {
		t.Fatalf("partition 1 = %d, %v", upTo, ok)
	}
	if _, ok := tr.settle(2, 1); ok {
		t.Fatal("unknown partition should not commit")
	}
}
