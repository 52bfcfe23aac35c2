package lsm

import (
	"fmt"
	"testing"
)

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	bf := newBloomFilter(1000, BloomBitsPerItem, BloomHashes)

	keys := make([][]byte, 1000)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		bf.Add(keys[i])
	}

	for _, k := range keys {
		if !bf.PossiblyContains(k) {
			t.Fatalf("PossiblyContains(%s) = false, want true for an added key", k)
		}
	}
}

func TestBloomFilterRejectsSomeAbsentKeys(t *testing.T) {
	bf := newBloomFilter(100, BloomBitsPerItem, BloomHashes)
	for i := 0; i < 100; i++ {
		bf.Add([]byte(fmt.Sprintf("present-%d", i)))
	}

	var falsePositives int
	for i := 0; i < 1000; i++ {
		if bf.PossiblyContains([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	if falsePositives == 1000 {
		t.Fatalf("every absent key reported as possibly present, filter is not discriminating at all")
	}
}

func TestBloomFilterSerializeRoundTrip(t *testing.T) {
	bf := newBloomFilter(50, BloomBitsPerItem, BloomHashes)
	keys := make([][]byte, 50)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("k%d", i))
		bf.Add(keys[i])
	}

	data := bf.serialize()
	got, err := deserializeBloomFilter(data)
	if err != nil {
		t.Fatalf("deserializeBloomFilter: %v", err)
	}
	if got.nbits != bf.nbits || got.numHashes != bf.numHashes {
		t.Fatalf("round trip mismatch: got {%d, %d}, want {%d, %d}", got.nbits, got.numHashes, bf.nbits, bf.numHashes)
	}
	for _, k := range keys {
		if !got.PossiblyContains(k) {
			t.Fatalf("deserialized filter lost key %s", k)
		}
	}
}

func TestDeserializeBloomFilterRejectsCorruptHeader(t *testing.T) {
	if _, err := deserializeBloomFilter([]byte{1, 2, 3}); err == nil {
		t.Fatalf("deserializeBloomFilter accepted a header shorter than 9 bytes")
	}

	var huge [9]byte
	huge[0] = 0xff
	huge[1] = 0xff
	huge[2] = 0xff
	huge[3] = 0xff
	huge[4] = 0xff
	huge[5] = 0xff
	huge[6] = 0xff
	huge[7] = 0xff
	if _, err := deserializeBloomFilter(huge[:]); err == nil {
		t.Fatalf("deserializeBloomFilter accepted an implausibly large bit count")
	}
}
