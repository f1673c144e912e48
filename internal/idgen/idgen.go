// Package idgen streams unique 32-bit IDs drawn from a configured range,
// seeded with a durable "already issued" set so a freshly started process
// never reissues an ID some other record still references.
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
)

// PoolSize is the number of candidate IDs drawn per refill.
const PoolSize = 1024

// Range is a half-open integer range [Start, End).
type Range struct {
	Start int32
	End   int32
}

func (r Range) span() int32 { return r.End - r.Start }

// Contains reports whether id lies in r.
func (r Range) Contains(id int32) bool {
	return id >= r.Start && id < r.End
}

// Generator issues IDs from Range, never repeating a value already handed
// out by this generator or present in the seed set it was built with.
type Generator struct {
	mu   sync.Mutex
	rang Range
	pool []int32
	used map[int32]bool
}

// New seeds the used-set with seedUsed and performs the first refill.
// It panics if range is empty, which is a caller configuration error.
func New(rang Range, seedUsed []int32) *Generator {
	if rang.span() <= 0 {
		panic("idgen: range must be non-empty")
	}

	g := &Generator{
		rang: rang,
		used: make(map[int32]bool, len(seedUsed)+PoolSize),
	}
	for _, id := range seedUsed {
		g.used[id] = true
	}
	g.refillLocked()
	return g
}

// Next returns the next available ID, refilling the pool first if it is
// empty. By contract the caller sizes Range to at least 4x the expected
// lifetime ID count; Next panics if a refill still leaves the pool empty,
// since that means the range is pathologically exhausted.
func (g *Generator) Next() int32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.pool) == 0 {
		g.refillLocked()
	}
	if len(g.pool) == 0 {
		panic("idgen: failed to generate a unique id: range exhausted")
	}

	id := g.pool[len(g.pool)-1]
	g.pool = g.pool[:len(g.pool)-1]
	return id
}

// refillLocked draws a block of cryptographically random integers, maps
// each into range via modulo, and keeps every candidate not already in the
// used-set. Duplicates within the block, or against IDs issued earlier,
// are naturally skipped by the used-set membership check.
func (g *Generator) refillLocked() {
	raw := make([]byte, PoolSize*4)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is broken,
		// a condition this process cannot recover from.
		panic(fmt.Sprintf("idgen: failed to read random bytes: %v", err))
	}

	span := g.rang.span()
	for i := 0; i < PoolSize; i++ {
		n := int64(int32(binary.LittleEndian.Uint32(raw[i*4 : i*4+4])))
		if n < 0 {
			n = -n
		}
		id := g.rang.Start + int32(n%int64(span))
		if !g.used[id] {
			g.used[id] = true
			g.pool = append(g.pool, id)
		}
	}
}
