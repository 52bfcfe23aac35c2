// Package clock holds the process-wide sequence counter the engine stamps
// onto every write: a monotonic counter is a logical clock.
package clock

import "sync/atomic"

// Sequence is a monotonically increasing counter, incremented with
// relaxed atomic ordering — uniqueness, not fencing, is the requirement.
type Sequence struct {
	v atomic.Uint64
}

// NewSequence seeds the counter above the given watermark, as required
// after WAL replay or table recovery so a replayed record never collides
// with or undercuts one already on disk.
func NewSequence(watermark uint64) *Sequence {
	s := &Sequence{}
	s.v.Store(watermark)
	return s
}

// Next returns a fresh, strictly increasing sequence number.
func (s *Sequence) Next() uint64 {
	return s.v.Add(1)
}

// Val returns the last issued sequence number without advancing it.
func (s *Sequence) Val() uint64 {
	return s.v.Load()
}

// Bump raises the counter to at least watermark, used when recovery
// discovers a higher sequence than the counter currently holds.
func (s *Sequence) Bump(watermark uint64) {
	for {
		cur := s.v.Load()
		if watermark <= cur {
			return
		}
		if s.v.CompareAndSwap(cur, watermark) {
			return
		}
	}
}
