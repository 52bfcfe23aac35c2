package lsm

import (
	"encoding/binary"
	"errors"
	"hash/fnv"

	"github.com/bits-and-blooms/bitset"
)

// maxBloomBits rejects implausibly large bit counts on deserialization,
// guarding against a corrupt header claiming more than 200 MB worth of bits.
const maxBloomBits = 200 * 1 << 20 * 8

var errCorruptBloom = errors.New("lsmtree: corrupt bloom filter")

// bloomFilter is a fixed-size bit array plus a hash count. It guarantees
// no false negatives: PossiblyContains returns true for every key ever
// Added. It may return true for a key never added, bounded by the sizing
// chosen at construction.
type bloomFilter struct {
	bits      *bitset.BitSet
	nbits     uint
	numHashes uint
}

// newBloomFilter sizes a filter for n expected items at bitsPerItem bits
// per item and numHashes probes (spec default: 10 bits/item, 7 hashes,
// ≈1% false-positive rate).
func newBloomFilter(n int, bitsPerItem, numHashes uint) *bloomFilter {
	if n < 1 {
		n = 1
	}
	nbits := uint(n) * bitsPerItem
	if nbits == 0 {
		nbits = bitsPerItem
	}
	return &bloomFilter{
		bits:      bitset.New(nbits),
		nbits:     nbits,
		numHashes: numHashes,
	}
}

// baseHashes returns two independent 64-bit hashes of k, combined via the
// standard double-hashing technique to derive numHashes probe positions
// without numHashes independent hash evaluations.
func baseHashes(k []byte) (h1, h2 uint64) {
	f1 := fnv.New64a()
	f1.Write(k)
	h1 = f1.Sum64()

	// A second, independent hash: fnv-64 (non-"a") over the key with a
	// fixed salt byte appended, so h2 does not degenerate to a function of
	// h1 alone.
	f2 := fnv.New64()
	f2.Write(k)
	f2.Write([]byte{0x5a})
	h2 = f2.Sum64()
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

func (b *bloomFilter) positions(k []byte) []uint {
	if b.nbits == 0 {
		return nil
	}
	h1, h2 := baseHashes(k)
	pos := make([]uint, b.numHashes)
	for i := uint(0); i < b.numHashes; i++ {
		combined := h1 + uint64(i)*h2
		pos[i] = uint(combined % uint64(b.nbits))
	}
	return pos
}

// Add records that k is present in the filter.
func (b *bloomFilter) Add(k []byte) {
	for _, p := range b.positions(k) {
		b.bits.Set(p)
	}
}

// PossiblyContains reports whether k may be present. A false answer is
// certain; a true answer is probabilistic.
func (b *bloomFilter) PossiblyContains(k []byte) bool {
	for _, p := range b.positions(k) {
		if !b.bits.Test(p) {
			return false
		}
	}
	return true
}

// serialize encodes the filter as:
// u64 bit_count | u8 num_hashes | packed bits.
func (b *bloomFilter) serialize() []byte {
	packed := b.bits.Bytes()
	buf := make([]byte, 8+1+len(packed)*8)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(b.nbits))
	buf[8] = uint8(b.numHashes)
	off := 9
	for _, word := range packed {
		binary.LittleEndian.PutUint64(buf[off:off+8], word)
		off += 8
	}
	return buf[:off]
}

// deserializeBloomFilter decodes a filter written by serialize, rejecting
// implausibly large bit counts.
func deserializeBloomFilter(data []byte) (*bloomFilter, error) {
	if len(data) < 9 {
		return nil, errCorruptBloom
	}
	nbits := binary.LittleEndian.Uint64(data[0:8])
	if nbits > maxBloomBits {
		return nil, errCorruptBloom
	}
	numHashes := uint(data[8])
	words := (nbits + 63) / 64
	off := 9
	packed := make([]uint64, 0, words)
	for i := uint64(0); i < words; i++ {
		if off+8 > len(data) {
			return nil, errCorruptBloom
		}
		packed = append(packed, binary.LittleEndian.Uint64(data[off:off+8]))
		off += 8
	}
	bs := bitset.From(packed)
	return &bloomFilter{bits: bs, nbits: uint(nbits), numHashes: numHashes}, nil
}
