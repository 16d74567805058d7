package warehouse

import (
	"math/rand/v2"

	"github.com/okian/touchpoint/internal/domain/model"
)

// Treap-based event index for the memory store.
//
// Ordering: timestamp DESC, then event id DESC (deterministic). "less" means
// newer, so an in-order traversal yields the live feed from newest to oldest.
// Priorities are random, giving O(log n) expected inserts regardless of
// arrival order.

type node struct {
	ev    model.Event
	prio  uint64
	left  *node
	right *node
	size  int
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

// newer reports whether a sorts before b in the feed.
func newer(a, b model.Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.EventID > b.EventID
}

func rotateRight(y *node) *node {
	x := y.left
	t2 := x.right
	x.right = y
	y.left = t2
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	t2 := y.left
	y.left = x
	x.right = t2
	fix(x)
	fix(y)
	return y
}

func insert(n *node, ev model.Event) *node {
	return insertWithPrio(n, ev, rand.Uint64())
}

func insertWithPrio(n *node, ev model.Event, prio uint64) *node {
	if n == nil {
		return &node{ev: ev, prio: prio, size: 1}
	}
	if newer(ev, n.ev) {
		n.left = insertWithPrio(n.left, ev, prio)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insertWithPrio(n.right, ev, prio)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

// collectNewest appends up to limit events, newest first.
func collectNewest(n *node, limit int, out *[]model.Event) {
	if n == nil || len(*out) >= limit {
		return
	}
	collectNewest(n.left, limit, out)
	if len(*out) < limit {
		*out = append(*out, n.ev)
	}
	if len(*out) < limit {
		collectNewest(n.right, limit, out)
	}
}

// walk visits events newest first and stops when fn returns false.
func walk(n *node, fn func(model.Event) bool) bool {
	if n == nil {
		return true
	}
	return walk(n.left, fn) && fn(n.ev) && walk(n.right, fn)
}

// height is used by tests to check the tree stays balanced.
func height(n *node) int {
	if n == nil {
		return 0
	}
	return 1 + max(height(n.left), height(n.right))
}
