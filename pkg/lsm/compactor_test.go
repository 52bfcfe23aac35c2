package lsm

import (
	"sync/atomic"
	"testing"
)

func newTestIDAllocator() func() uint64 {
	var next atomic.Uint64
	next.Store(100)
	return func() uint64 { return next.Add(1) }
}

func TestMergeTablesKeepsHighestSeqPerKey(t *testing.T) {
	dir := mustTempDBDir(t)
	older := writeTestTable(t, dir, 0, 1, []Record{{Key: []byte("a"), Value: []byte("old"), Seq: 1, Kind: KindPut}})
	newer := writeTestTable(t, dir, 0, 2, []Record{{Key: []byte("a"), Value: []byte("new"), Seq: 5, Kind: KindPut}})

	merged, err := mergeTables([]*sstable{older, newer})
	if err != nil {
		t.Fatalf("mergeTables: %v", err)
	}
	if len(merged) != 1 || string(merged[0].Value) != "new" {
		t.Fatalf("merged = %+v, want single record with value new", merged)
	}
}

func TestMergeTablesOrdersAcrossTables(t *testing.T) {
	dir := mustTempDBDir(t)
	t1 := writeTestTable(t, dir, 0, 1, []Record{{Key: []byte("c"), Value: []byte("vc"), Seq: 1, Kind: KindPut}})
	t2 := writeTestTable(t, dir, 0, 2, []Record{{Key: []byte("a"), Value: []byte("va"), Seq: 1, Kind: KindPut}})

	merged, err := mergeTables([]*sstable{t1, t2})
	if err != nil {
		t.Fatalf("mergeTables: %v", err)
	}
	if len(merged) != 2 || string(merged[0].Key) != "a" || string(merged[1].Key) != "c" {
		t.Fatalf("merged not in ascending key order: %+v", merged)
	}
}

func TestDropResolvedTombstonesRemovesDeletes(t *testing.T) {
	records := []Record{
		{Key: []byte("a"), Value: []byte("va"), Seq: 1, Kind: KindPut},
		{Key: []byte("b"), Seq: 2, Kind: KindDel},
	}
	out := dropResolvedTombstones(records)
	if len(out) != 1 || string(out[0].Key) != "a" {
		t.Fatalf("dropResolvedTombstones = %+v, want only key a kept", out)
	}
}

func TestCompactStepMergesL0IntoL1(t *testing.T) {
	dir := mustTempDBDir(t)
	l0 := newLevel(0)
	l1 := newLevel(1)

	t1 := writeTestTable(t, dir, 0, 1, []Record{{Key: []byte("a"), Value: []byte("v1"), Seq: 1, Kind: KindPut}})
	t2 := writeTestTable(t, dir, 0, 2, []Record{{Key: []byte("a"), Value: []byte("v2"), Seq: 2, Kind: KindPut}})
	l0.addL0(t1)
	l0.addL0(t2)

	c := &compactor{dbDir: dir, levels: []*level{l0, l1}, allocID: newTestIDAllocator(), logger: testLogger()}
	if err := c.compactStep(0); err != nil {
		t.Fatalf("compactStep: %v", err)
	}

	if l0.size() != 0 {
		t.Fatalf("L0 size after compaction = %d, want 0", l0.size())
	}
	if l1.size() != 1 {
		t.Fatalf("L1 size after compaction = %d, want 1", l1.size())
	}

	rec, ok, err := l1.get([]byte("a"))
	if err != nil || !ok || string(rec.Value) != "v2" {
		t.Fatalf("post-compaction get(a) = %+v, %v, %v, want v2", rec, ok, err)
	}
}

func TestCompactStepRetainsTombstoneWhenNotLastLevel(t *testing.T) {
	dir := mustTempDBDir(t)
	l0 := newLevel(0)
	l1 := newLevel(1)
	l2 := newLevel(2)

	t1 := writeTestTable(t, dir, 0, 1, []Record{{Key: []byte("a"), Seq: 1, Kind: KindDel}})
	l0.addL0(t1)

	c := &compactor{dbDir: dir, levels: []*level{l0, l1, l2}, allocID: newTestIDAllocator(), logger: testLogger()}
	if err := c.compactStep(0); err != nil {
		t.Fatalf("compactStep: %v", err)
	}

	rec, ok, err := l1.get([]byte("a"))
	if err != nil || !ok || !rec.Tombstone() {
		t.Fatalf("tombstone should survive compaction into a non-last level: %+v, %v, %v", rec, ok, err)
	}
}

func TestCompactStepDropsTombstoneAtLastLevel(t *testing.T) {
	dir := mustTempDBDir(t)
	l0 := newLevel(0)
	l1 := newLevel(1) // the last level of this 2-level compactor instance

	t1 := writeTestTable(t, dir, 0, 1, []Record{{Key: []byte("a"), Seq: 1, Kind: KindDel}})
	l0.addL0(t1)

	c := &compactor{dbDir: dir, levels: []*level{l0, l1}, allocID: newTestIDAllocator(), logger: testLogger()}
	if err := c.compactStep(0); err != nil {
		t.Fatalf("compactStep: %v", err)
	}

	if _, ok, _ := l1.get([]byte("a")); ok {
		t.Fatalf("tombstone should have been dropped at the last level")
	}
}

func TestRunOnceNoOpWhenNothingOverfull(t *testing.T) {
	dir := mustTempDBDir(t)
	l0 := newLevel(0)
	l1 := newLevel(1)
	c := &compactor{dbDir: dir, levels: []*level{l0, l1}, allocID: newTestIDAllocator(), logger: testLogger()}

	if err := c.runOnce(); err != nil {
		t.Fatalf("runOnce on idle levels: %v", err)
	}
}
