package lsm

import (
	"bytes"
	"sync"

	"github.com/huandu/skiplist"
)

// memtable is the mutable, key-ordered write buffer. It holds at most one
// Record per key; Put replaces any prior record for the same key. Size is
// accounted in bytes (sum of key and value lengths) to drive the flush
// trigger. The caller (the engine) serialises access under its own
// memtable mutex, but the internal mutex here keeps the type safe to use
// standalone (e.g. in tests).
type memtable struct {
	mu        sync.RWMutex
	list      *skiplist.SkipList
	sizeBytes int64
	frozen    bool
}

func compareKeys(a, b interface{}) int {
	return bytes.Compare(a.([]byte), b.([]byte))
}

func newMemtable() *memtable {
	return &memtable{
		list: skiplist.New(skiplist.GreaterThanFunc(compareKeys)),
	}
}

// find looks up key exactly. skiplist.Find returns the element at key or
// the next greater one, so an equality check on the returned key is
// required to tell a real hit from a "next key" miss.
func (m *memtable) find(key []byte) *skiplist.Element {
	elem := m.list.Find(key)
	if elem == nil || !bytes.Equal(elem.Key().([]byte), key) {
		return nil
	}
	return elem
}

// Put inserts or overwrites the record for r.Key, adjusting sizeBytes by
// the delta between the new and any prior record.
func (m *memtable) Put(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem := m.find(r.Key); elem != nil {
		prev := elem.Value.(Record)
		m.sizeBytes -= prev.sizeBytes()
	}
	m.list.Set(r.Key, r)
	m.sizeBytes += r.sizeBytes()
}

// Get returns the stored record for key, if any. It does not interpret
// tombstones — callers must check Record.Tombstone() themselves, per the
// engine's version-resolution contract.
func (m *memtable) Get(key []byte) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	elem := m.find(key)
	if elem == nil {
		return Record{}, false
	}
	return elem.Value.(Record), true
}

func (m *memtable) Empty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.Len() == 0
}

func (m *memtable) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.Len()
}

func (m *memtable) SizeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes
}

// Freeze marks the table read-only and returns it as the immutable
// snapshot awaiting flush. The caller must install a fresh memtable as
// the new active buffer; Freeze does not do so itself, keeping the
// active/immutable handoff atomic under the engine's own mutex.
func (m *memtable) Freeze() *memtable {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = true
	return m
}

// Records returns every record in ascending key order, for serialising
// the table into an SSTable during flush.
func (m *memtable) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, m.list.Len())
	for e := m.list.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Record))
	}
	return out
}
