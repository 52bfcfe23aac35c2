package lsm

// Kind distinguishes a live value from a tombstone.
type Kind uint8

const (
	KindPut Kind = 1
	KindDel Kind = 2
)

// Record is the atomic unit of state the engine moves between the
// memtables, the WAL and the tables: a key, its value (empty for a
// tombstone), the sequence number that orders it against other versions
// of the same key, and whether it marks a deletion.
//
// Two records for the same key are ordered by Seq; the higher Seq is
// authoritative regardless of which component currently holds it.
type Record struct {
	Key   []byte
	Value []byte
	Seq   uint64
	Kind  Kind
}

func (r Record) Tombstone() bool { return r.Kind == KindDel }

// sizeBytes is the byte cost this record adds to a memtable's accounting:
// the sum of key and value lengths.
func (r Record) sizeBytes() int64 {
	return int64(len(r.Key)) + int64(len(r.Value))
}
