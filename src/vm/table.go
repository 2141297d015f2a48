package vm

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
)

// node is one slot of the hash part: a key/value pair plus the index of the
// next node in its collision chain, or -1 when it terminates a chain.
type node struct {
	key, val any
	next     int
}

// Table is the hybrid array+hash associative container. Keys 1..len(array)
// live in the dense array part; everything else lives in the chained hash
// part, addressed by hash(key) & (len(hash)-1).
type Table struct {
	array     []any
	hash      []node
	lastFree  int // one past the last node known to still be free
	metatable *Table
}

// NewTable builds a table pre-populated with the given array-part values
// (index 0 of vals becomes key 1).
func NewTable(vals []any) *Table {
	t := &Table{}
	if len(vals) > 0 {
		t.array = append(t.array, vals...)
	}
	return t
}

// newSizedTable pre-sizes the array and hash parts from NEWTABLE's B/C hints.
func newSizedTable(arraySize, hashSize int) *Table {
	t := &Table{}
	if arraySize > 0 {
		t.array = make([]any, 0, arraySize)
	}
	if hashSize > 0 {
		t.resizeHash(nextPow2(hashSize))
	}
	return t
}

func nextPow2(n int) int {
	if n <= 0 {
		return 0
	}
	return 1 << bits.Len(uint(n-1))
}

func isNaN(v any) bool {
	f, ok := v.(float64)
	return ok && math.IsNaN(f)
}

// arrayIndex reports whether key is a valid 1-based array-part index and
// returns its 0-based slot, mirroring the reference's integer-key fast path.
func (t *Table) arrayIndex(key any) (int, bool) {
	var i int64
	switch k := key.(type) {
	case int64:
		i = k
	case float64:
		if k != math.Trunc(k) || math.IsInf(k, 0) {
			return 0, false
		}
		i = int64(k)
	default:
		return 0, false
	}
	if i < 1 || i > int64(len(t.array)) {
		return 0, false
	}
	return int(i - 1), true
}

// Get performs a raw (metamethod-free) lookup.
func (t *Table) Get(key any) (any, error) {
	if key == nil || isNaN(key) {
		return nil, nil
	}
	if idx, ok := t.arrayIndex(key); ok {
		return t.array[idx], nil
	}
	if len(t.hash) == 0 {
		return nil, nil
	}
	key = normalizeKey(key)
	i := t.mainPosition(key)
	for i != -1 {
		n := t.hash[i]
		if n.key == key {
			return n.val, nil
		}
		i = n.next
	}
	return nil, nil
}

// Set performs a raw (metamethod-free) assignment. A nil key or a NaN key is
// an error per this implementation's contract, diverging deliberately from
// the reference's silent no-op (see DESIGN.md).
func (t *Table) Set(key, val any) error {
	if key == nil {
		return errors.New("table index is nil")
	}
	if isNaN(key) {
		return errors.New("table index is NaN")
	}
	key = normalizeKey(key)

	if idx, ok := t.arrayIndex(key); ok {
		t.array[idx] = val
		if val == nil && idx == len(t.array)-1 {
			t.shrinkArray()
		}
		return nil
	}

	if ik, ok := key.(int64); ok && ik == int64(len(t.array))+1 && val != nil {
		t.array = append(t.array, val)
		t.absorbFollowingHashKeys()
		return nil
	}

	if val == nil {
		t.hashDelete(key)
		return nil
	}
	t.hashSet(key, val)
	return nil
}

// normalizeKey folds float keys with an exact integer value onto the integer
// representation, so 1 and 1.0 address the same slot.
func normalizeKey(key any) any {
	if f, ok := key.(float64); ok && f == math.Trunc(f) && !math.IsInf(f, 0) {
		return int64(f)
	}
	return key
}

func (t *Table) shrinkArray() {
	n := len(t.array)
	for n > 0 && t.array[n-1] == nil {
		n--
	}
	t.array = t.array[:n]
}

// absorbFollowingHashKeys pulls any now-contiguous integer keys out of the
// hash part and into the array part after an append.
func (t *Table) absorbFollowingHashKeys() {
	for {
		next := int64(len(t.array)) + 1
		v, _ := t.Get(next)
		if v == nil {
			return
		}
		t.hashDelete(next)
		t.array = append(t.array, v)
	}
}

func (t *Table) hashSize() int { return len(t.hash) }

func (t *Table) mainPosition(key any) int {
	if len(t.hash) == 0 {
		return -1
	}
	return int(hashKey(key)) & (len(t.hash) - 1)
}

// hashSet inserts or overwrites a hash-part entry, rehashing first if no free
// node is available, mirroring LuaTable::set_new_key in the reference source.
func (t *Table) hashSet(key, val any) {
	if len(t.hash) > 0 {
		main := t.mainPosition(key)
		for i := main; i != -1; i = t.hash[i].next {
			if t.hash[i].key == key {
				t.hash[i].val = val
				return
			}
		}
	}
	if len(t.hash) == 0 {
		t.resizeHash(8)
	}
	main := t.mainPosition(key)
	if t.hash[main].key == nil {
		t.hash[main] = node{key: key, val: val, next: -1}
		return
	}
	free := t.getFreeNode()
	if free == -1 {
		t.rehash(key)
		t.hashSet(key, val)
		return
	}
	collidingMain := t.mainPosition(t.hash[main].key)
	if collidingMain != main {
		// occupant of main doesn't belong there; relocate it to a free node
		// and let the new key take main position.
		prev := collidingMain
		for t.hash[prev].next != main {
			prev = t.hash[prev].next
		}
		t.hash[prev].next = free
		t.hash[free] = t.hash[main]
		t.hash[main] = node{key: key, val: val, next: -1}
	} else {
		t.hash[free] = node{key: key, val: val, next: t.hash[main].next}
		t.hash[main].next = free
	}
}

func (t *Table) hashDelete(key any) {
	if len(t.hash) == 0 {
		return
	}
	main := t.mainPosition(key)
	prev := -1
	for i := main; i != -1; i = t.hash[i].next {
		if t.hash[i].key == key {
			if prev == -1 {
				if t.hash[i].next == -1 {
					t.hash[i] = node{next: -1}
				} else {
					next := t.hash[i].next
					t.hash[i] = t.hash[next]
					t.hash[next] = node{next: -1}
				}
			} else {
				t.hash[prev].next = t.hash[i].next
				t.hash[i] = node{next: -1}
			}
			return
		}
		prev = i
	}
}

// getFreeNode scans backward from the last-free hint for an empty slot, per
// the reference's get_free_node.
func (t *Table) getFreeNode() int {
	for t.lastFree > 0 {
		t.lastFree--
		if t.hash[t.lastFree].key == nil {
			return t.lastFree
		}
	}
	return -1
}

func (t *Table) resizeHash(size int) {
	if size < 8 {
		size = 8
	}
	old := t.hash
	t.hash = make([]node, size)
	for i := range t.hash {
		t.hash[i].next = -1
	}
	t.lastFree = size
	for _, n := range old {
		if n.key != nil {
			t.hashSet(n.key, n.val)
		}
	}
}

// rehash grows the hash part to fit an about-to-be-inserted extra key,
// binning existing integer keys by bit-length to decide whether they belong
// in the array part, following LuaTable::rehash.
func (t *Table) rehash(extra any) {
	var counts [64]int
	countKey := func(k any) {
		if ik, ok := k.(int64); ok && ik >= 1 {
			counts[bits.Len64(uint64(ik-1))]++
		}
	}
	for i, v := range t.array {
		if v != nil {
			countKey(int64(i + 1))
		}
	}
	for _, n := range t.hash {
		if n.key != nil {
			countKey(n.key)
		}
	}
	if ik, ok := extra.(int64); ok && ik >= 1 {
		countKey(ik)
	}

	sum, best := 0, 0
	for i := range counts {
		if counts[i] == 0 {
			continue
		}
		sum += counts[i]
		binCap := 1 << i
		if sum > binCap/2 {
			best = binCap
		}
	}

	newArray := make([]any, best)
	for i := range newArray {
		v, _ := t.Get(int64(i + 1))
		newArray[i] = v
	}

	remaining := []node{}
	for i, v := range t.array {
		if key := int64(i + 1); key > int64(best) && v != nil {
			remaining = append(remaining, node{key: key, val: v})
		}
	}
	for _, n := range t.hash {
		if n.key != nil {
			if ik, ok := n.key.(int64); ok && ik >= 1 && ik <= int64(best) {
				continue
			}
			remaining = append(remaining, node{key: n.key, val: n.val})
		}
	}

	t.array = newArray
	hashSize := nextPow2(len(remaining) + 1)
	t.hash = nil
	if hashSize > 0 {
		t.resizeHash(hashSize)
	}
	for _, n := range remaining {
		t.hashSet(n.key, n.val)
	}
}

// Length returns a border: an index n>=0 where t[n] is non-nil and t[n+1] is
// nil. Any border is a valid answer for a table with holes.
func (t *Table) Length() int64 {
	n := len(t.array)
	for n > 0 && t.array[n-1] == nil {
		n--
	}
	if n == len(t.array) {
		// keep probing into the hash part for a contiguous continuation
		next := int64(n) + 1
		for {
			v, _ := t.Get(next)
			if v == nil {
				break
			}
			next++
		}
		return next - 1
	}
	return int64(n)
}

// Keys returns every live key in the hash part, in an unspecified order,
// used by next()/pairs().
func (t *Table) Keys() []any {
	keys := []any{}
	for _, n := range t.hash {
		if n.key != nil {
			keys = append(keys, n.key)
		}
	}
	return keys
}

// hashKey computes a hash for any valid table key. Strings and numbers hash
// by value; other reference types hash by identity, via their pointer address
// formatted with %p.
func hashKey(key any) uint64 {
	switch k := key.(type) {
	case string:
		return fnv1a(k)
	case int64:
		return uint64(k)
	case bool:
		if k {
			return 1
		}
		return 0
	case float64:
		return math.Float64bits(k)
	default:
		return pointerHash(key)
	}
}

func fnv1a(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// pointerHash hashes a heap reference (table, closure, native fn) by its
// identity, since these types compare and hash by pointer, not content.
func pointerHash(v any) uint64 {
	return fnv1a(fmt.Sprintf("%p", v))
}
