// Package lsm implements an embeddable log-structured merge tree
// key-value store: a memtable-backed write buffer, a write-ahead log for
// crash recovery, leveled on-disk sorted tables, a background compactor,
// and a bounded read-through cache.
package lsm

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"lsmtree/pkg/clock"
	"lsmtree/pkg/dberrors"
)

// Engine is the public entry point: Open a database directory, then call
// Set/Get/Delete/Sync/Close. An Engine is safe for concurrent use.
type Engine struct {
	dir    string
	cfg    Config
	logger *slog.Logger

	memMu     sync.Mutex // protects active/immutable swap and contents
	active    *memtable
	immutable *memtable
	flushing  sync.WaitGroup

	levels []*level
	wal    *wal
	cache  *cache
	seq    *clock.Sequence
	nextID atomic.Uint64

	compactor *compactor

	closeOnce sync.Once
	closed    atomic.Bool
}

// Open creates the database directory if needed, discovers any existing
// tables, replays the write-ahead log into a fresh active memtable, and
// starts the background compactor.
func Open(cfg Config) (*Engine, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", dberrors.ErrDirOpen, err)
	}
	if err := ensureLevelDirs(cfg.Dir, cfg.Levels); err != nil {
		return nil, fmt.Errorf("%w: %v", dberrors.ErrDirOpen, err)
	}

	logger := slog.Default().With("component", "lsm", "dir", cfg.Dir)

	levels, maxTableID, err := discoverLevels(cfg.Dir, cfg.Levels, cfg.L0MaxTables, cfg.LevelSizeRatio)
	if err != nil {
		return nil, err
	}

	maxSeq, err := maxSeqAcrossLevels(levels)
	if err != nil {
		return nil, err
	}

	w, err := openWAL(cfg.Dir, cfg.FsyncPolicy)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		dir:    cfg.Dir,
		cfg:    cfg,
		logger: logger,
		active: newMemtable(),
		levels: levels,
		wal:    w,
		cache:  newCache(cfg.CacheSize),
		seq:    clock.NewSequence(0),
	}
	e.seq.Bump(maxSeq)
	e.nextID.Store(maxTableID + 1)

	replayed, err := replayWAL(cfg.Dir, func(r *WalRecord) error {
		rec := Record{Key: r.Key, Value: r.Value, Seq: e.seq.Next(), Kind: r.Kind}
		e.active.Put(rec)
		return nil
	})
	if err != nil {
		w.Close()
		return nil, err
	}

	var tableCount int
	for _, lv := range levels {
		tableCount += lv.size()
	}
	logger.Info("recovered", "wal_records_replayed", replayed, "tables_discovered", tableCount)

	interval := time.Duration(cfg.compactionInterval()) * time.Millisecond
	e.compactor = newCompactor(cfg.Dir, e.levels, e.allocTableID, interval, logger)
	e.compactor.Start()

	return e, nil
}

func (e *Engine) allocTableID() uint64 { return e.nextID.Add(1) }

// maxSeqAcrossLevels scans every discovered table's data file once so the
// sequence counter can be seeded above any sequence already on disk,
// preventing a freshly-replayed record from colliding with or undercutting
// an existing on-disk sequence number.
func maxSeqAcrossLevels(levels []*level) (uint64, error) {
	var max uint64
	for _, lv := range levels {
		for _, t := range lv.snapshot() {
			recs, err := t.allRecords()
			if err != nil {
				return 0, err
			}
			for _, r := range recs {
				if r.Seq > max {
					max = r.Seq
				}
			}
		}
	}
	return max, nil
}

// Set inserts or overwrites the value for key.
func (e *Engine) Set(key, value []byte) error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	if len(key) == 0 {
		return dberrors.ErrKeyEmpty
	}

	rec := Record{Key: key, Value: value, Kind: KindPut}
	return e.write(rec)
}

// Delete inserts a tombstone for key and evicts it from the cache. It
// succeeds regardless of whether key was previously present.
func (e *Engine) Delete(key []byte) error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	if len(key) == 0 {
		return dberrors.ErrKeyEmpty
	}

	rec := Record{Key: key, Kind: KindDel}
	return e.write(rec)
}

// write appends rec to the WAL, updates the cache, installs it into the
// active memtable under the memtable mutex, and then checks the rollover
// condition.
func (e *Engine) write(rec Record) error {
	walRec := &WalRecord{Kind: rec.Kind, Key: rec.Key}
	if rec.Kind == KindPut {
		walRec.Value = rec.Value
	}
	if err := e.wal.Append(walRec, e.cfg.FsyncPolicy == FsyncAlways); err != nil {
		return fmt.Errorf("lsmtree: wal append: %w", err)
	}

	if rec.Kind == KindDel {
		e.cache.Evict(rec.Key)
	} else {
		e.cache.Put(rec.Key, rec.Value)
	}

	e.memMu.Lock()
	rec.Seq = e.seq.Next()
	e.active.Put(rec)
	needsRollover := e.active.SizeBytes() >= e.cfg.MemtableMax
	e.memMu.Unlock()

	if needsRollover {
		e.rollover()
	}
	return nil
}

// rollover promotes the active memtable to immutable and installs a
// fresh active buffer, flushing any previously pending immutable table
// first if one is still in flight.
func (e *Engine) rollover() {
	e.memMu.Lock()
	if e.immutable != nil {
		// A flush is already in flight; the memMu release here lets it
		// finish draining without this goroutine busy-waiting inside it.
		e.memMu.Unlock()
		e.flushing.Wait()
		e.memMu.Lock()
	}
	if e.active.Empty() {
		e.memMu.Unlock()
		return
	}
	frozen := e.active.Freeze()
	e.immutable = frozen
	e.active = newMemtable()
	e.memMu.Unlock()

	e.flushing.Add(1)
	go e.flush(frozen)
}

// flush serialises an immutable memtable into a new level-0 table, then
// rotates the WAL and re-appends whatever the (new) active memtable
// holds so durability spans the rotation boundary.
func (e *Engine) flush(frozen *memtable) {
	defer e.flushing.Done()

	records := frozen.Records()
	if len(records) > 0 {
		id := e.allocTableID()
		tbl, err := writeSSTable(e.dir, 0, id, records, e.cfg.BloomBitsPerItem, e.cfg.BloomHashes)
		if err != nil {
			e.logger.Warn("memtable flush failed, will retain WAL and retry is not automatic", "error", err)
			e.memMu.Lock()
			e.immutable = nil
			e.memMu.Unlock()
			return
		}
		e.levels[0].addL0(tbl)
	}

	e.memMu.Lock()
	e.immutable = nil
	pending := e.active.Records()
	e.memMu.Unlock()

	if err := e.wal.Rotate(); err != nil {
		e.logger.Warn("wal rotate failed after flush", "error", err)
		return
	}
	for _, r := range pending {
		walRec := &WalRecord{Kind: r.Kind, Key: r.Key}
		if r.Kind == KindPut {
			walRec.Value = r.Value
		}
		if err := e.wal.Append(walRec, false); err != nil {
			e.logger.Warn("failed to re-append active records after wal rotate", "error", err)
			return
		}
	}
}

// Get returns the current value for key, or dberrors.ErrNotFound if
// absent (deleted or never written). It consults the cache, then the
// active and immutable memtables, then each level newest to oldest,
// always resolving to the record with the greatest sequence number.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	if len(key) == 0 {
		return nil, dberrors.ErrKeyEmpty
	}

	if v, ok := e.cache.Get(key); ok {
		return v, nil
	}

	var best Record
	var found bool

	e.memMu.Lock()
	if r, ok := e.active.Get(key); ok {
		best, found = r, true
	}
	if e.immutable != nil {
		if r, ok := e.immutable.Get(key); ok && (!found || r.Seq > best.Seq) {
			best, found = r, true
		}
	}
	e.memMu.Unlock()

	for _, lv := range e.levels {
		r, ok, err := lv.get(key)
		if err != nil {
			e.logger.Warn("level read error", "level", lv.num, "error", err)
			continue
		}
		if ok && (!found || r.Seq > best.Seq) {
			best, found = r, true
		}
	}

	if !found || best.Tombstone() {
		return nil, dberrors.ErrNotFound
	}
	e.cache.Put(key, best.Value)
	return best.Value, nil
}

// Sync forces the active memtable into the immutable slot (if non-empty)
// and blocks until every pending flush has produced an on-disk table.
func (e *Engine) Sync() error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	e.rollover()
	e.flushing.Wait()
	return e.wal.Sync()
}

// Close stops the compactor, drains any pending flush via Sync, and
// closes the WAL.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.compactor.Stop()
		if syncErr := e.Sync(); syncErr != nil {
			err = syncErr
		}
		e.closed.Store(true)
		if closeErr := e.wal.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}

// DebugPrintTree returns a textual, indented dump of memtable sizes,
// per-level table counts and ranges, and cache occupancy — a diagnostic
// observer with no side effects.
func (e *Engine) DebugPrintTree() string {
	var b bytes.Buffer

	e.memMu.Lock()
	fmt.Fprintf(&b, "active: %d records, %d bytes\n", e.active.Size(), e.active.SizeBytes())
	if e.immutable != nil {
		fmt.Fprintf(&b, "immutable: %d records, %d bytes\n", e.immutable.Size(), e.immutable.SizeBytes())
	} else {
		fmt.Fprintf(&b, "immutable: <none>\n")
	}
	e.memMu.Unlock()

	for _, lv := range e.levels {
		tables := lv.snapshot()
		fmt.Fprintf(&b, "L%d: %d tables\n", lv.num, len(tables))
		for _, t := range tables {
			fmt.Fprintf(&b, "  table_%d [%s, %s] (%d records)\n", t.id, t.minKey, t.maxKey, t.count)
		}
	}

	e.cache.mu.Lock()
	fmt.Fprintf(&b, "cache: %d/%d entries\n", len(e.cache.items), e.cache.capacity)
	e.cache.mu.Unlock()

	return b.String()
}
