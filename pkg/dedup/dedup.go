// Package dedup implements the bounded recent-response cache that lets a
// stateless scanner recognize a duplicate reply (e.g. a retransmitted
// SYN-ACK) without keeping per-target connection state. Entries live in
// fixed-size 4-way buckets addressed by an FNV-1a hash of the 5-tuple;
// within a bucket, a hit is moved to the front (move-to-front), so
// frequently repeating traffic survives while one-off entries age out
// first.
package dedup

import "fmt"

const bucketSize = 4

// fnv1aOffset and fnv1aPrime are the FNV-1a 32-bit constants.
const (
	fnv1aOffset = 0x811C9DC5
	fnv1aPrime  = 0x01000193
)

func fnv1aByte(c byte, hash uint32) uint32 {
	return (uint32(c) ^ hash) * fnv1aPrime
}

func fnv1aUint16(v uint16, hash uint32) uint32 {
	hash = fnv1aByte(byte(v), hash)
	hash = fnv1aByte(byte(v>>8), hash)
	return hash
}

func fnv1aUint32(v uint32, hash uint32) uint32 {
	for i := 0; i < 4; i++ {
		hash = fnv1aByte(byte(v>>(8*i)), hash)
	}
	return hash
}

func fnv1aUint64(v uint64, hash uint32) uint32 {
	for i := 0; i < 8; i++ {
		hash = fnv1aByte(byte(v>>(8*i)), hash)
	}
	return hash
}

// entryV4 is one resident key in a v4 bucket.
type entryV4 struct {
	valid    bool
	ipThem   uint32
	portThem uint16
	ipMe     uint32
	portMe   uint16
	typ      uint32
}

// entryV6 is one resident key in a v6 bucket.
type entryV6 struct {
	valid      bool
	ipThemHi   uint64
	ipThemLo   uint64
	portThem   uint16
	ipMeHi     uint64
	ipMeLo     uint64
	portMe     uint16
	typ        uint32
}

// Table is the dedup cache, holding independent v4 and v6 bucket arrays.
// Not safe for concurrent use by multiple goroutines against the same
// bucket; callers partition ownership (e.g. one Table per handler worker,
// see the engine's per-handler dedup-bucket assignment) so no locking is
// needed here.
type Table struct {
	buckets4 [][bucketSize]entryV4
	buckets6 [][bucketSize]entryV6
	mask     uint32
}

// New builds a table sized to hold approximately win entries, rounded up
// internally to a power-of-two bucket count times 4 slots per bucket.
func New(win int) (*Table, error) {
	if win <= 0 {
		return nil, fmt.Errorf("dedup: window must be positive")
	}
	nBuckets := win / bucketSize
	if nBuckets <= 0 {
		nBuckets = 1
	}
	nBuckets = nextPow2(nBuckets)
	return &Table{
		buckets4: make([][bucketSize]entryV4, nBuckets),
		buckets6: make([][bucketSize]entryV6, nBuckets),
		mask:     uint32(nBuckets - 1),
	}, nil
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// IsDuplicateV4 reports whether this key has been seen before; if not, it
// is inserted at the front of its bucket, evicting the bucket's oldest
// entry if full.
func (t *Table) IsDuplicateV4(ipThem uint32, portThem uint16, ipMe uint32, portMe uint16, typ uint32) bool {
	hash := uint32(fnv1aOffset)
	hash = fnv1aUint32(ipThem, hash)
	hash = fnv1aUint16(portThem, hash)
	hash = fnv1aUint32(ipMe, hash)
	hash = fnv1aUint16(portMe, hash)
	hash = fnv1aUint32(typ, hash)
	idx := hash & t.mask
	bucket := &t.buckets4[idx]

	for i := 0; i < bucketSize; i++ {
		e := bucket[i]
		if e.valid && e.ipThem == ipThem && e.portThem == portThem && e.ipMe == ipMe && e.portMe == portMe && e.typ == typ {
			if i > 0 {
				moveToFront4(bucket, i)
			}
			return true
		}
	}

	insertFront4(bucket, entryV4{valid: true, ipThem: ipThem, portThem: portThem, ipMe: ipMe, portMe: portMe, typ: typ})
	return false
}

// IsDuplicateV6 is IsDuplicateV4 for 128-bit addresses.
func (t *Table) IsDuplicateV6(ipThemHi, ipThemLo uint64, portThem uint16, ipMeHi, ipMeLo uint64, portMe uint16, typ uint32) bool {
	hash := uint32(fnv1aOffset)
	hash = fnv1aUint64(ipThemHi, hash)
	hash = fnv1aUint64(ipThemLo, hash)
	hash = fnv1aUint16(portThem, hash)
	hash = fnv1aUint64(ipMeHi, hash)
	hash = fnv1aUint64(ipMeLo, hash)
	hash = fnv1aUint16(portMe, hash)
	hash = fnv1aUint32(typ, hash)
	idx := hash & t.mask
	bucket := &t.buckets6[idx]

	for i := 0; i < bucketSize; i++ {
		e := bucket[i]
		if e.valid && e.ipThemHi == ipThemHi && e.ipThemLo == ipThemLo && e.portThem == portThem &&
			e.ipMeHi == ipMeHi && e.ipMeLo == ipMeLo && e.portMe == portMe && e.typ == typ {
			if i > 0 {
				moveToFront6(bucket, i)
			}
			return true
		}
	}

	insertFront6(bucket, entryV6{valid: true, ipThemHi: ipThemHi, ipThemLo: ipThemLo, portThem: portThem, ipMeHi: ipMeHi, ipMeLo: ipMeLo, portMe: portMe, typ: typ})
	return false
}

func moveToFront4(bucket *[bucketSize]entryV4, i int) {
	e := bucket[i]
	copy(bucket[1:i+1], bucket[0:i])
	bucket[0] = e
}

func insertFront4(bucket *[bucketSize]entryV4, e entryV4) {
	copy(bucket[1:], bucket[0:bucketSize-1])
	bucket[0] = e
}

func moveToFront6(bucket *[bucketSize]entryV6, i int) {
	e := bucket[i]
	copy(bucket[1:i+1], bucket[0:i])
	bucket[0] = e
}

func insertFront6(bucket *[bucketSize]entryV6, e entryV6) {
	copy(bucket[1:], bucket[0:bucketSize-1])
	bucket[0] = e
}

// Buckets returns the number of resident buckets (capacity is Buckets()*4
// resident entries for each of v4 and v6).
func (t *Table) Buckets() int { return len(t.buckets4) }
