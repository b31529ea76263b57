// Package list implements the intrusive MRU↔LRU doubly linked list used by
// the eviction trackers. It is not safe for concurrent use; callers hold
// their own lock.
package list

// Node is one key inside a recency list.
type Node[K comparable] struct {
	Key K

	// Stamp is the logical time of the last touch. Trackers that compare
	// recency across lists (sharded) set it; others may leave it zero.
	Stamp uint64

	// Tag is reserved for tracker-specific classes (e.g. 2Q queue membership).
	Tag uint8

	prev *Node[K]
	next *Node[K]
	list *List[K]
}

// List is an intrusive doubly linked list: head is MRU, tail is LRU.
type List[K comparable] struct {
	head *Node[K]
	tail *Node[K]
	len  int
}

// Len returns the number of nodes in the list.
func (l *List[K]) Len() int { return l.len }

// Front returns the MRU node (or nil).
func (l *List[K]) Front() *Node[K] { return l.head }

// Back returns the LRU node (or nil) in O(1).
func (l *List[K]) Back() *Node[K] { return l.tail }

// PushFront inserts n at MRU in O(1). n must not belong to any list.
func (l *List[K]) PushFront(n *Node[K]) {
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
	n.list = l
	l.len++
}

// MoveToFront promotes n to MRU in O(1).
func (l *List[K]) MoveToFront(n *Node[K]) {
	if n.list != l || n == l.head {
		return
	}
	l.unlink(n)
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
}

// Remove detaches n from the list in O(1). Removing a node that is not in
// this list is a no-op.
func (l *List[K]) Remove(n *Node[K]) {
	if n.list != l {
		return
	}
	l.unlink(n)
	n.prev, n.next, n.list = nil, nil, nil
	l.len--
}

// PopBack removes and returns the LRU node, or nil when empty.
func (l *List[K]) PopBack() *Node[K] {
	n := l.tail
	if n != nil {
		l.Remove(n)
	}
	return n
}

func (l *List[K]) unlink(n *Node[K]) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if l.head == n {
		l.head = n.next
	}
	if l.tail == n {
		l.tail = n.prev
	}
}
