// Package memtable holds the in-memory sorted key/value table that buffers
// writes between store file dumps.
package memtable

import (
	"math/rand"
	"time"
)

const (
	maxHeight = 12
	// one tower in four grows another level
	branching = 4
)

type tower struct {
	key   string
	value string
	next  []*tower
}

// Table is a skip list keyed by string. It is not safe for concurrent use;
// the memtable service guards it.
type Table struct {
	head   tower
	height int
	count  int
	rnd    *rand.Rand
}

// New returns an empty table
func New() *Table {
	return &Table{
		head:   tower{next: make([]*tower, maxHeight)},
		height: 1,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// seek returns the first tower with key >= key and fills path with the last
// tower before it on every level
func (t *Table) seek(key string, path *[maxHeight]*tower) *tower {
	x := &t.head
	for level := t.height - 1; level >= 0; level-- {
		for x.next[level] != nil && x.next[level].key < key {
			x = x.next[level]
		}
		if path != nil {
			path[level] = x
		}
	}
	return x.next[0]
}

func (t *Table) pickHeight() int {
	h := 1
	for h < maxHeight && t.rnd.Intn(branching) == 0 {
		h++
	}
	return h
}

// Put stores value under key and returns the value it replaced
func (t *Table) Put(key, value string) (prev string, replaced bool) {
	var path [maxHeight]*tower
	if x := t.seek(key, &path); x != nil && x.key == key {
		prev, x.value = x.value, value
		return prev, true
	}

	h := t.pickHeight()
	for level := t.height; level < h; level++ {
		path[level] = &t.head
	}
	if h > t.height {
		t.height = h
	}

	n := &tower{key: key, value: value, next: make([]*tower, h)}
	for level := 0; level < h; level++ {
		n.next[level] = path[level].next[level]
		path[level].next[level] = n
	}
	t.count++
	return "", false
}

// Get returns the value stored under key, which may be a tombstone
func (t *Table) Get(key string) (string, bool) {
	if x := t.seek(key, nil); x != nil && x.key == key {
		return x.value, true
	}
	return "", false
}

// Len returns the number of keys held
func (t *Table) Len() int {
	return t.count
}

// Ascend calls fn for every key in order until fn returns false
func (t *Table) Ascend(fn func(key, value string) bool) {
	for x := t.head.next[0]; x != nil; x = x.next[0] {
		if !fn(x.key, x.value) {
			return
		}
	}
}
