package feed

// Buffer keeps the most recent items up to a fixed capacity, newest first.
// It is not safe for concurrent use; feeds guard it with their own lock.
type Buffer[T any] struct {
	items []T
	head  int // index of the newest item
	n     int
}

// NewBuffer creates a buffer holding at most capacity items. A capacity below
// one is treated as one.
func NewBuffer[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity), head: -1}
}

// Push prepends v, evicting the oldest item when full.
func (b *Buffer[T]) Push(v T) {
	b.head = (b.head + 1) % len(b.items)
	b.items[b.head] = v
	if b.n < len(b.items) {
		b.n++
	}
}

// Items returns a copy of the buffered items, newest first.
func (b *Buffer[T]) Items() []T {
	out := make([]T, b.n)
	for i := 0; i < b.n; i++ {
		out[i] = b.items[(b.head-i+len(b.items))%len(b.items)]
	}
	return out
}
