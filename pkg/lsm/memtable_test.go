package lsm

import (
	"bytes"
	"testing"
)

func TestMemtablePutGet(t *testing.T) {
	m := newMemtable()

	if m.Size() != 0 || m.SizeBytes() != 0 {
		t.Fatalf("new memtable not empty: size=%d bytes=%d", m.Size(), m.SizeBytes())
	}

	r := Record{Key: []byte("a"), Value: []byte("v1"), Seq: 1, Kind: KindPut}
	m.Put(r)

	got, ok := m.Get([]byte("a"))
	if !ok {
		t.Fatalf("Get(a) not found")
	}
	if !bytes.Equal(got.Value, []byte("v1")) || got.Seq != 1 {
		t.Fatalf("Get(a) = %+v, want %+v", got, r)
	}
	if m.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", m.Size())
	}
	wantBytes := int64(len("a") + len("v1"))
	if m.SizeBytes() != wantBytes {
		t.Fatalf("SizeBytes() = %d, want %d", m.SizeBytes(), wantBytes)
	}
}

func TestMemtablePutReplacesAndAdjustsSize(t *testing.T) {
	m := newMemtable()
	m.Put(Record{Key: []byte("k"), Value: []byte("short"), Seq: 1, Kind: KindPut})
	m.Put(Record{Key: []byte("k"), Value: []byte("a-much-longer-value"), Seq: 2, Kind: KindPut})

	if m.Size() != 1 {
		t.Fatalf("Size() = %d, want 1 (overwrite, not insert)", m.Size())
	}
	got, ok := m.Get([]byte("k"))
	if !ok || got.Seq != 2 || string(got.Value) != "a-much-longer-value" {
		t.Fatalf("Get(k) = %+v, want seq 2 value replaced", got)
	}
	want := int64(len("k") + len("a-much-longer-value"))
	if m.SizeBytes() != want {
		t.Fatalf("SizeBytes() = %d, want %d (delta accounting, not sum)", m.SizeBytes(), want)
	}
}

func TestMemtableGetMissing(t *testing.T) {
	m := newMemtable()
	m.Put(Record{Key: []byte("z"), Value: []byte("v"), Seq: 1, Kind: KindPut})
	if _, ok := m.Get([]byte("zz")); ok {
		t.Fatalf("Get(zz) unexpectedly found a prefix match")
	}
	if _, ok := m.Get([]byte("a")); ok {
		t.Fatalf("Get(a) unexpectedly found a lexicographically smaller key")
	}
}

func TestMemtableDeleteStoresTombstone(t *testing.T) {
	m := newMemtable()
	m.Put(Record{Key: []byte("k"), Value: []byte("v1"), Seq: 1, Kind: KindPut})
	m.Put(Record{Key: []byte("k"), Seq: 2, Kind: KindDel})

	got, ok := m.Get([]byte("k"))
	if !ok {
		t.Fatalf("Get(k) not found after tombstone")
	}
	if !got.Tombstone() {
		t.Fatalf("Get(k) = %+v, want tombstone", got)
	}
}

func TestMemtableFreezeIsReadOnlySnapshot(t *testing.T) {
	m := newMemtable()
	m.Put(Record{Key: []byte("a"), Value: []byte("va"), Seq: 1, Kind: KindPut})
	m.Put(Record{Key: []byte("b"), Value: []byte("vb"), Seq: 2, Kind: KindPut})

	frozen := m.Freeze()
	if !frozen.frozen {
		t.Fatalf("Freeze did not mark the table frozen")
	}
	if frozen.Size() != 2 {
		t.Fatalf("frozen Size() = %d, want 2", frozen.Size())
	}

	// The caller is expected to install a fresh memtable; Freeze itself
	// does not reset the receiver.
	if _, ok := frozen.Get([]byte("a")); !ok {
		t.Fatalf("frozen table lost data it held before Freeze")
	}
}

func TestMemtableRecordsAscendingOrder(t *testing.T) {
	m := newMemtable()
	m.Put(Record{Key: []byte("c"), Value: []byte("vc"), Seq: 3, Kind: KindPut})
	m.Put(Record{Key: []byte("a"), Value: []byte("va"), Seq: 1, Kind: KindPut})
	m.Put(Record{Key: []byte("b"), Seq: 2, Kind: KindDel})

	recs := m.Records()
	if len(recs) != 3 {
		t.Fatalf("Records() len = %d, want 3", len(recs))
	}
	wantOrder := []string{"a", "b", "c"}
	for i, r := range recs {
		if string(r.Key) != wantOrder[i] {
			t.Fatalf("Records()[%d].Key = %q, want %q", i, r.Key, wantOrder[i])
		}
	}
	if !recs[1].Tombstone() {
		t.Fatalf("Records()[1] (key b) should be a tombstone")
	}
}
