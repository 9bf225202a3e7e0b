package metrics

import (
	"sort"
	"sync"
)

// Entry pairs a type key with one buffered value.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// Group is the drained run of values for one key, in insertion order.
type Group[K comparable, V any] struct {
	Key    K
	Values []V
	seqs   []uint64
}

// Len returns number of values in the group
func (g Group[K, V]) Len() int {
	return len(g.Values)
}

type slot[V any] struct {
	seq   uint64
	value V
}

// Buffer is a concurrency-safe multi-key queue. Producers append under a single
// mutex; drains swap out whole per-key slices so callers do serialization and I/O
// without holding the lock.
//
// Every entry gets a monotonically increasing sequence number. Across keys,
// drains visit keys by the age of their oldest pending entry.
type Buffer[K comparable, V any] struct {
	mu    sync.Mutex
	lists map[K][]slot[V]
	order []K
	total int
	seq   uint64
}

// NewBuffer creates an empty buffer
func NewBuffer[K comparable, V any]() *Buffer[K, V] {
	return &Buffer[K, V]{
		lists: make(map[K][]slot[V]),
	}
}

// Add appends one value for key
func (b *Buffer[K, V]) Add(key K, value V) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.appendLocked(key, value)
}

// AddMany appends entries atomically with respect to drains
func (b *Buffer[K, V]) AddMany(entries []Entry[K, V]) {
	if len(entries) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range entries {
		b.appendLocked(e.Key, e.Value)
	}
}

func (b *Buffer[K, V]) appendLocked(key K, value V) {
	b.seq++
	list, ok := b.lists[key]
	if !ok || len(list) == 0 {
		b.order = append(b.order, key)
	}
	b.lists[key] = append(list, slot[V]{seq: b.seq, value: value})
	b.total++
}

// TotalCount returns number of entries across all keys
func (b *Buffer[K, V]) TotalCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.total
}

// CountForKey returns number of entries buffered for key
func (b *Buffer[K, V]) CountForKey(key K) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.lists[key])
}

// Keys returns keys with pending entries, oldest first
func (b *Buffer[K, V]) Keys() []K {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]K, len(b.order))
	copy(keys, b.order)
	return keys
}

// HighWater returns the sequence number of the most recently added entry.
func (b *Buffer[K, V]) HighWater() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.seq
}

// OldestSeq returns the sequence number of the oldest pending entry.
// ok is false when the buffer is empty.
func (b *Buffer[K, V]) OldestSeq() (seq uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.order) == 0 {
		return 0, false
	}
	return b.lists[b.order[0]][0].seq, true
}

// DrainAll removes and returns everything. Equivalent to DrainUpTo(0).
func (b *Buffer[K, V]) DrainAll() []Group[K, V] {
	b.mu.Lock()
	lists, order := b.lists, b.order
	b.lists = make(map[K][]slot[V], len(lists))
	b.order = nil
	b.total = 0
	b.mu.Unlock()

	groups := make([]Group[K, V], 0, len(order))
	for _, key := range order {
		groups = append(groups, toGroup(key, lists[key]))
	}
	return groups
}

// DrainUpTo removes and returns at most limit entries across all keys.
// limit <= 0 drains everything. Keys with nothing taken are omitted.
func (b *Buffer[K, V]) DrainUpTo(limit int) []Group[K, V] {
	if limit <= 0 {
		return b.DrainAll()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var groups []Group[K, V]
	remaining := limit
	for _, key := range b.order {
		if remaining == 0 {
			break
		}
		list := b.lists[key]
		n := min(len(list), remaining)

		groups = append(groups, toGroup(key, list[:n:n]))
		remaining -= n
		b.total -= n

		if n == len(list) {
			delete(b.lists, key)
		} else {
			b.lists[key] = append([]slot[V](nil), list[n:]...)
		}
	}

	b.reorderLocked()
	return groups
}

// Requeue puts groups that could not be processed back in front of anything
// added since they were drained, keeping their original sequence numbers.
func (b *Buffer[K, V]) Requeue(groups []Group[K, V]) {
	if len(groups) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, g := range groups {
		if len(g.Values) == 0 {
			continue
		}
		back := make([]slot[V], 0, len(g.Values)+len(b.lists[g.Key]))
		for i, v := range g.Values {
			back = append(back, slot[V]{seq: g.seqs[i], value: v})
		}
		back = append(back, b.lists[g.Key]...)
		b.lists[g.Key] = back
		b.total += len(g.Values)
	}

	b.reorderLocked()
}

// reorderLocked rebuilds key order from each key's oldest entry.
func (b *Buffer[K, V]) reorderLocked() {
	order := b.order[:0]
	seen := make(map[K]struct{}, len(b.lists))
	for _, key := range b.order {
		if len(b.lists[key]) > 0 {
			order = append(order, key)
			seen[key] = struct{}{}
		}
	}
	for key, list := range b.lists {
		if _, ok := seen[key]; !ok && len(list) > 0 {
			order = append(order, key)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return b.lists[order[i]][0].seq < b.lists[order[j]][0].seq
	})
	b.order = order
}

func toGroup[K comparable, V any](key K, list []slot[V]) Group[K, V] {
	g := Group[K, V]{
		Key:    key,
		Values: make([]V, len(list)),
		seqs:   make([]uint64, len(list)),
	}
	for i, s := range list {
		g.Values[i] = s.value
		g.seqs[i] = s.seq
	}
	return g
}
