package lockless

import (
	"sync/atomic"
)

// List is an unbounded FIFO that any number of goroutines can append to
// without taking a lock. Entries are only removed from the front.
type List[T any] struct {
	head atomic.Pointer[node[T]] // sentinel, never holds a value
	tail atomic.Pointer[node[T]]
}

type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// New returns an empty list.
func New[T any]() *List[T] {
	l := &List[T]{}
	sentinel := &node[T]{}
	l.head.Store(sentinel)
	l.tail.Store(sentinel)
	return l
}

func (l *List[T]) Append(value T) {
	newNode := &node[T]{value: value}

	for {
		currentTail := l.tail.Load()
		next := currentTail.next.Load()

		// Someone linked a node but has not swung the tail yet; help.
		if next != nil {
			l.tail.CompareAndSwap(currentTail, next)
			continue
		}

		if currentTail.next.CompareAndSwap(nil, newNode) {
			l.tail.CompareAndSwap(currentTail, newNode)
			return
		}
	}
}

// DropUntil removes entries from the front for as long as method returns
// true for them.
func (l *List[T]) DropUntil(method func(value T) bool) {
	for {
		currentHead := l.head.Load()
		first := currentHead.next.Load()
		if first == nil {
			return
		}
		if !method(first.value) {
			return
		}

		currentTail := l.tail.Load()
		if currentHead == currentTail {
			l.tail.CompareAndSwap(currentTail, first)
		}

		// first becomes the new sentinel.
		l.head.CompareAndSwap(currentHead, first)
	}
}

// Range calls method for each entry from front to back until it returns
// false. Entries appended during the walk may or may not be visited.
func (l *List[T]) Range(method func(value T) bool) {
	currentNode := l.head.Load().next.Load()
	for currentNode != nil {
		if !method(currentNode.value) {
			return
		}
		currentNode = currentNode.next.Load()
	}
}

// Len counts the entries currently linked.
func (l *List[T]) Len() int {
	n := 0
	l.Range(func(T) bool {
		n++
		return true
	})
	return n
}
