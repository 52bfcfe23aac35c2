package lsm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
)

var walCRCTable = crc32.MakeTable(crc32.Castagnoli)

const walFileName = "wal.log"

// WalRecord is one entry in the write-ahead log. It intentionally carries
// no sequence number: a fresh sequence is assigned to each record at
// replay time, so the WAL only needs to preserve operation order, which
// file position already guarantees.
type WalRecord struct {
	Kind  Kind
	Key   []byte
	Value []byte // absent (nil) for a DEL record
}

// encodePayload writes the literal WAL record layout:
// u8 type | u32 klen | key | (type=SET ? u32 vlen | value : –).
func encodePayload(rec *WalRecord) []byte {
	n := 1 + 4 + len(rec.Key)
	if rec.Kind == KindPut {
		n += 4 + len(rec.Value)
	}
	buf := make([]byte, n)
	off := 0
	buf[off] = uint8(rec.Kind)
	off++
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(rec.Key)))
	off += 4
	copy(buf[off:], rec.Key)
	off += len(rec.Key)
	if rec.Kind == KindPut {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(rec.Value)))
		off += 4
		copy(buf[off:], rec.Value)
	}
	return buf
}

func decodePayload(p []byte) (*WalRecord, error) {
	if len(p) < 1+4 {
		return nil, fmt.Errorf("wal: payload too short")
	}
	off := 0
	kind := Kind(p[off])
	off++
	klen := int(binary.LittleEndian.Uint32(p[off : off+4]))
	off += 4
	if off+klen > len(p) {
		return nil, fmt.Errorf("wal: key length overruns payload")
	}
	key := append([]byte(nil), p[off:off+klen]...)
	off += klen

	rec := &WalRecord{Kind: kind, Key: key}
	if kind == KindPut {
		if off+4 > len(p) {
			return nil, fmt.Errorf("wal: missing value length")
		}
		vlen := int(binary.LittleEndian.Uint32(p[off : off+4]))
		off += 4
		if off+vlen > len(p) {
			return nil, fmt.Errorf("wal: value length overruns payload")
		}
		rec.Value = append([]byte(nil), p[off:off+vlen]...)
	}
	return rec, nil
}

// wal is the single append-only record log. Every record is wrapped in a
// [u32 length | u32 crc32] header so a torn tail record left by a crash
// mid-write is detected and truncated instead of silently misparsed.
type wal struct {
	mu     sync.Mutex
	dir    string
	policy FsyncPolicy

	f   *os.File
	buf *bufio.Writer
}

func walPath(dir string) string { return filepath.Join(dir, walFileName) }

// openWAL opens (or creates) the WAL file for appending.
func openWAL(dir string, policy FsyncPolicy) (*wal, error) {
	f, err := os.OpenFile(walPath(dir), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &wal{
		dir:    dir,
		policy: policy,
		f:      f,
		buf:    bufio.NewWriterSize(f, 64*1024),
	}, nil
}

// Append writes rec, flushing to the kernel before returning so that the
// memtable is never updated with a write the WAL does not yet durably
// reflect. forceSync additionally fsyncs the file, regardless of the
// configured FsyncPolicy.
func (w *wal) Append(rec *WalRecord, forceSync bool) error {
	payload := encodePayload(rec)
	crc := crc32.Checksum(payload, walCRCTable)

	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.buf.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.buf.Write(payload); err != nil {
		return err
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if forceSync || w.policy == FsyncAlways {
		return w.f.Sync()
	}
	return nil
}

// Sync forces any buffered bytes to disk regardless of policy.
func (w *wal) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *wal) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.f.Close()
}

// Rotate closes the current file, unlinks it, and reopens a fresh,
// truncated file at the same path. It is invoked after a successful
// memtable flush: the records being rotated away are by then durable in
// the flushed SSTable.
//
// The buffer is flushed and fsynced before close, so a crash between
// close and unlink leaves the old log whole; the next start replays
// records that the persisted SSTable already holds. A crash between
// unlink and reopen leaves the WAL empty, which is also correct.
func (w *wal) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return err
	}
	if err := os.Remove(walPath(w.dir)); err != nil && !os.IsNotExist(err) {
		return err
	}
	f, err := os.OpenFile(walPath(w.dir), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.buf = bufio.NewWriterSize(f, 64*1024)
	return nil
}

// replayWAL rereads the WAL file at startup and calls apply for each
// record in original append order. It returns the number of records
// successfully applied. A corrupt or incomplete
// tail record — the signature of a crash mid-append — is truncated away
// rather than treated as fatal.
func replayWAL(dir string, apply func(*WalRecord) error) (applied int, err error) {
	path := walPath(dir)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			break // EOF or a torn header: stop, truncate below.
		}
		length := binary.LittleEndian.Uint32(hdr[0:4])
		wantCRC := binary.LittleEndian.Uint32(hdr[4:8])

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			break // torn payload
		}
		if crc32.Checksum(payload, walCRCTable) != wantCRC {
			break // corrupt tail
		}
		rec, err := decodePayload(payload)
		if err != nil {
			break
		}

		offset += int64(8 + len(payload))
		if err := apply(rec); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, f.Truncate(offset)
}
