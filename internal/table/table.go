// Package table is an index table with a free list, used to hand out small
// integer handles for host objects.
package table

import "iter"

const maxTableSize = 1 << 28

// Table is an index table with a free list. Index 0 is never handed out so
// that it can encode null.
type Table[T any] struct {
	entries []tableEntry[T]
	free    []uint32
	count   int
}

func New[T any]() *Table[T] {
	return &Table[T]{
		entries: []tableEntry[T]{
			{
				set: false,
			},
		},
	}
}

func (t *Table[T]) Add(entry T) uint32 {
	t.count++
	if len(t.free) > 0 {
		idx := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		t.entries[idx] = tableEntry[T]{
			value: entry,
			set:   true,
		}
		return idx
	}
	idx := uint32(len(t.entries))
	if idx >= maxTableSize {
		panic("table size exceeded")
	}
	t.entries = append(t.entries, tableEntry[T]{
		value: entry,
		set:   true,
	})
	return idx
}

func (t *Table[T]) Lookup(idx uint32) (T, bool) {
	if idx >= uint32(len(t.entries)) || !t.entries[idx].set {
		var zero T
		return zero, false
	}
	return t.entries[idx].value, true
}

func (t *Table[T]) Get(idx uint32) T {
	v, ok := t.Lookup(idx)
	if !ok {
		panic("table entry not set")
	}
	return v
}

func (t *Table[T]) Set(idx uint32, v T) {
	if _, ok := t.Lookup(idx); !ok {
		panic("table entry not set")
	}
	t.entries[idx].value = v
}

func (t *Table[T]) Remove(idx uint32) T {
	if idx >= uint32(len(t.entries)) {
		panic("invalid table index")
	}
	entry := t.entries[idx]
	if !entry.set {
		panic("table entry not set")
	}
	var zero T
	t.entries[idx] = tableEntry[T]{set: false, value: zero}
	t.free = append(t.free, idx)
	t.count--
	return entry.value
}

func (t *Table[T]) Len() int {
	return t.count
}

// All iterates the set entries in index order.
func (t *Table[T]) All() iter.Seq2[uint32, T] {
	return func(yield func(uint32, T) bool) {
		for i, e := range t.entries {
			if !e.set {
				continue
			}
			if !yield(uint32(i), e.value) {
				return
			}
		}
	}
}

type tableEntry[T any] struct {
	value T
	set   bool
}
