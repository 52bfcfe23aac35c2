package lsm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"lsmtree/pkg/dberrors"
)

// sstable is an immutable on-disk sorted run of records: a data file
// holding records in ascending key order, and an index file holding the
// record count, key range, a bloom filter, and a key->offset entry per
// record.
type sstable struct {
	id       uint64
	level    int
	dataPath string

	minKey, maxKey []byte
	bloom          *bloomFilter
	offsets        map[string]int64
	count          int
}

func levelDir(dbDir string, level int) string {
	return filepath.Join(dbDir, fmt.Sprintf("L%d", level))
}

func tableBaseName(id uint64) string {
	return fmt.Sprintf("table_%012d.sst", id)
}

func dataFilePath(dbDir string, level int, id uint64) string {
	return filepath.Join(levelDir(dbDir, level), tableBaseName(id))
}

func indexFilePath(dbDir string, level int, id uint64) string {
	return dataFilePath(dbDir, level, id) + ".index"
}

// writeSSTable serialises an ordered slice of records (ascending by Key,
// each key appearing once — callers are responsible for any merge
// already having resolved versions) into a new data+index file pair at
// the given level.
func writeSSTable(dbDir string, level int, id uint64, records []Record, bitsPerItem, numHashes uint) (*sstable, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("lsmtree: cannot write an empty sstable")
	}
	if err := os.MkdirAll(levelDir(dbDir, level), 0o755); err != nil {
		return nil, err
	}

	dataPath := dataFilePath(dbDir, level, id)
	tmpData := dataPath + ".tmp"
	df, err := os.OpenFile(tmpData, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = df.Close()
		_ = os.Remove(tmpData) // no-op once renamed
	}()

	bf := newBloomFilter(len(records), bitsPerItem, numHashes)
	offsets := make(map[string]int64, len(records))
	var offset int64

	for _, r := range records {
		bf.Add(r.Key)
		offsets[string(r.Key)] = offset

		n, err := writeDataRecord(df, r)
		if err != nil {
			return nil, err
		}
		offset += n
	}
	if err := df.Sync(); err != nil {
		return nil, err
	}
	if err := df.Close(); err != nil {
		return nil, err
	}

	minKey, maxKey := records[0].Key, records[len(records)-1].Key
	indexPath := indexFilePath(dbDir, level, id)
	tmpIndex := indexPath + ".tmp"
	if err := writeIndexFile(tmpIndex, len(records), minKey, maxKey, bf, records, offsets); err != nil {
		_ = os.Remove(tmpIndex)
		return nil, err
	}

	if err := os.Rename(tmpData, dataPath); err != nil {
		_ = os.Remove(tmpIndex)
		return nil, err
	}
	if err := os.Rename(tmpIndex, indexPath); err != nil {
		return nil, err
	}

	return &sstable{
		id:       id,
		level:    level,
		dataPath: dataPath,
		minKey:   minKey,
		maxKey:   maxKey,
		bloom:    bf,
		offsets:  offsets,
		count:    len(records),
	}, nil
}

// writeDataRecord appends one record in the layout:
// u32 klen | key | u32 vlen | value | u64 seq | u8 tomb.
func writeDataRecord(w io.Writer, r Record) (int64, error) {
	n := 4 + len(r.Key) + 4 + len(r.Value) + 8 + 1
	buf := make([]byte, n)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(r.Key)))
	off += 4
	copy(buf[off:], r.Key)
	off += len(r.Key)
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(r.Value)))
	off += 4
	copy(buf[off:], r.Value)
	off += len(r.Value)
	binary.LittleEndian.PutUint64(buf[off:off+8], r.Seq)
	off += 8
	if r.Tombstone() {
		buf[off] = 1
	}
	if _, err := w.Write(buf); err != nil {
		return 0, err
	}
	return int64(n), nil
}

// writeIndexFile writes the index layout:
// u64 count | u32 min_klen | min_key | u32 max_klen | max_key |
// u64 bloom_bits | u8 num_hashes | bits | (count × {u32 klen | key | u64 offset}),
// followed by a trailing CRC32 over the whole body (ambient integrity
// check, not part of the wire contract but necessary to detect a torn
// index write so the table can be quarantined rather than misread).
func writeIndexFile(path string, count int, minKey, maxKey []byte, bf *bloomFilter, records []Record, offsets map[string]int64) error {
	var body bytes.Buffer

	writeU64(&body, uint64(count))
	writeLenPrefixed(&body, minKey)
	writeLenPrefixed(&body, maxKey)
	body.Write(bf.serialize())

	for _, r := range records {
		writeU32(&body, uint32(len(r.Key)))
		body.Write(r.Key)
		writeU64(&body, uint64(offsets[string(r.Key)]))
	}

	crc := crc32.Checksum(body.Bytes(), walCRCTable)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(body.Bytes()); err != nil {
		return err
	}
	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], crc)
	if _, err := f.Write(trailer[:]); err != nil {
		return err
	}
	return f.Sync()
}

func writeU32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeU64(w *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

func writeLenPrefixed(w *bytes.Buffer, b []byte) {
	writeU32(w, uint32(len(b)))
	w.Write(b)
}

// openSSTable loads an index file and attaches it to a usable table
// handle; the data file is opened fresh on every Get rather than holding
// a shared file handle. A corrupt index causes the table to be skipped
// by the caller — the data file is left untouched.
func openSSTable(dbDir string, level int, id uint64) (*sstable, error) {
	dataPath := dataFilePath(dbDir, level, id)
	indexPath := indexFilePath(dbDir, level, id)

	raw, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, err
	}
	if len(raw) < 4 {
		return nil, dberrors.ErrCorrupt
	}
	body, trailer := raw[:len(raw)-4], raw[len(raw)-4:]
	wantCRC := binary.LittleEndian.Uint32(trailer)
	if crc32.Checksum(body, walCRCTable) != wantCRC {
		return nil, dberrors.ErrCorrupt
	}

	r := bytes.NewReader(body)
	count, err := readU64(r)
	if err != nil {
		return nil, dberrors.ErrCorrupt
	}
	minKey, err := readLenPrefixed(r)
	if err != nil {
		return nil, dberrors.ErrCorrupt
	}
	maxKey, err := readLenPrefixed(r)
	if err != nil {
		return nil, dberrors.ErrCorrupt
	}
	if bytes.Compare(minKey, maxKey) > 0 {
		return nil, dberrors.ErrCorrupt
	}

	bf, _, err := readEmbeddedBloom(r)
	if err != nil {
		return nil, dberrors.ErrCorrupt
	}

	offsets := make(map[string]int64, count)
	for i := uint64(0); i < count; i++ {
		klen, err := readU32(r)
		if err != nil {
			return nil, dberrors.ErrCorrupt
		}
		key := make([]byte, klen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, dberrors.ErrCorrupt
		}
		off, err := readU64(r)
		if err != nil {
			return nil, dberrors.ErrCorrupt
		}
		offsets[string(key)] = int64(off)
	}

	return &sstable{
		id:       id,
		level:    level,
		dataPath: dataPath,
		minKey:   minKey,
		maxKey:   maxKey,
		bloom:    bf,
		offsets:  offsets,
		count:    int(count),
	}, nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// readEmbeddedBloom decodes the bloom filter starting at the reader's
// current position, per bloomFilter.serialize's own u64|u8|bits layout,
// and leaves the reader positioned right after it.
func readEmbeddedBloom(r *bytes.Reader) (*bloomFilter, int, error) {
	header := make([]byte, 9)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, err
	}
	nbits := binary.LittleEndian.Uint64(header[0:8])
	if nbits > maxBloomBits {
		return nil, 0, errCorruptBloom
	}
	words := (nbits + 63) / 64

	packedBytes := make([]byte, words*8)
	if _, err := io.ReadFull(r, packedBytes); err != nil {
		return nil, 0, err
	}

	bf, err := deserializeBloomFilter(append(header, packedBytes...))
	if err != nil {
		return nil, 0, err
	}
	return bf, 9 + int(words)*8, nil
}

// Get looks up k: bloom filter, then the in-memory offset index, then a
// seek into the data file.
func (t *sstable) Get(k []byte) (Record, bool, error) {
	if bytes.Compare(k, t.minKey) < 0 || bytes.Compare(k, t.maxKey) > 0 {
		return Record{}, false, nil
	}
	if !t.bloom.PossiblyContains(k) {
		return Record{}, false, nil
	}
	offset, ok := t.offsets[string(k)]
	if !ok {
		return Record{}, false, nil
	}

	f, err := os.Open(t.dataPath)
	if err != nil {
		return Record{}, false, err
	}
	defer f.Close()

	r := io.NewSectionReader(f, offset, 1<<62)
	rec, err := readDataRecord(r)
	if err != nil {
		return Record{}, false, err
	}
	// Guards against index corruption.
	if !bytes.Equal(rec.Key, k) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func readDataRecord(r io.Reader) (Record, error) {
	var klenBuf [4]byte
	if _, err := io.ReadFull(r, klenBuf[:]); err != nil {
		return Record{}, err
	}
	klen := binary.LittleEndian.Uint32(klenBuf[:])
	key := make([]byte, klen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Record{}, err
	}

	var vlenBuf [4]byte
	if _, err := io.ReadFull(r, vlenBuf[:]); err != nil {
		return Record{}, err
	}
	vlen := binary.LittleEndian.Uint32(vlenBuf[:])
	value := make([]byte, vlen)
	if _, err := io.ReadFull(r, value); err != nil {
		return Record{}, err
	}

	var seqBuf [8]byte
	if _, err := io.ReadFull(r, seqBuf[:]); err != nil {
		return Record{}, err
	}
	seq := binary.LittleEndian.Uint64(seqBuf[:])

	var tombBuf [1]byte
	if _, err := io.ReadFull(r, tombBuf[:]); err != nil {
		return Record{}, err
	}
	kind := KindPut
	if tombBuf[0] != 0 {
		kind = KindDel
	}

	return Record{Key: key, Value: value, Seq: seq, Kind: kind}, nil
}

// allRecords reads every record from the data file in stored (ascending
// key) order; used by the compactor to merge table contents.
func (t *sstable) allRecords() ([]Record, error) {
	f, err := os.Open(t.dataPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	out := make([]Record, 0, t.count)
	for i := 0; i < t.count; i++ {
		rec, err := readDataRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (t *sstable) overlaps(minKey, maxKey []byte) bool {
	return bytes.Compare(t.minKey, maxKey) <= 0 && bytes.Compare(t.maxKey, minKey) >= 0
}

func (t *sstable) remove(dbDir string) error {
	var firstErr error
	if err := os.Remove(t.dataPath); err != nil && !os.IsNotExist(err) {
		firstErr = err
	}
	if err := os.Remove(t.dataPath + ".index"); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
