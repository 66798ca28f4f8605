package cache

import bitmap "github.com/bits-and-blooms/bitset"

// bitset is a membership set over slot handles. n mirrors the population
// count so len stays constant time.
type bitset struct {
	bits bitmap.BitSet
	n    int
}

func (b *bitset) set(h Handle) {
	if !b.bits.Test(uint(h)) {
		b.bits.Set(uint(h))
		b.n++
	}
}

func (b *bitset) clear(h Handle) {
	if b.bits.Test(uint(h)) {
		b.bits.Clear(uint(h))
		b.n--
	}
}

func (b *bitset) has(h Handle) bool { return b.bits.Test(uint(h)) }

func (b *bitset) len() int { return b.n }

// each calls fn for every member in ascending handle order. fn may clear the
// member it is given.
func (b *bitset) each(fn func(Handle)) {
	for i, ok := b.bits.NextSet(0); ok; i, ok = b.bits.NextSet(i + 1) {
		fn(Handle(i))
	}
}

// keyed is an inverted index from a string key to the handles holding it.
// Empty sets are deleted so the key space only reflects live entries.
type keyed map[string]*bitset

func (k keyed) add(key string, h Handle) {
	if key == "" {
		return
	}
	s, ok := k[key]
	if !ok {
		s = &bitset{}
		k[key] = s
	}
	s.set(h)
}

func (k keyed) remove(key string, h Handle) {
	s, ok := k[key]
	if !ok {
		return
	}
	s.clear(h)
	if s.len() == 0 {
		delete(k, key)
	}
}
