package proximity

// BoundedHeap keeps the cap smallest elements offered to it, ordered by less.
// It is a binary max-heap: the root is the worst kept element, so a new
// element is admitted only when it beats the root.
type BoundedHeap[T any] struct {
	items []T
	cap   int
	less  func(a, b T) bool
}

// NewBoundedHeap creates a heap that retains at most capacity elements
func NewBoundedHeap[T any](capacity int, less func(a, b T) bool) *BoundedHeap[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &BoundedHeap[T]{
		items: make([]T, 0, capacity),
		cap:   capacity,
		less:  less,
	}
}

// Len returns the number of retained elements
func (h *BoundedHeap[T]) Len() int { return len(h.items) }

// Max returns the worst retained element
func (h *BoundedHeap[T]) Max() (T, bool) {
	if len(h.items) == 0 {
		var zero T
		return zero, false
	}
	return h.items[0], true
}

// Offer adds x if there is room or if x is smaller than the current maximum,
// evicting the maximum. It reports whether x was kept.
func (h *BoundedHeap[T]) Offer(x T) bool {
	if h.cap == 0 {
		return false
	}
	if len(h.items) < h.cap {
		h.items = append(h.items, x)
		h.up(len(h.items) - 1)
		return true
	}
	if !h.less(x, h.items[0]) {
		return false
	}
	h.items[0] = x
	h.down(0)
	return true
}

// Sorted drains the heap and returns its elements in ascending order.
func (h *BoundedHeap[T]) Sorted() []T {
	out := make([]T, len(h.items))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = h.pop()
	}
	return out
}

func (h *BoundedHeap[T]) pop() T {
	n := len(h.items) - 1
	top := h.items[0]
	h.items[0] = h.items[n]
	h.items = h.items[:n]
	if n > 0 {
		h.down(0)
	}
	return top
}

func (h *BoundedHeap[T]) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(h.items[parent], h.items[i]) {
			break
		}
		h.items[parent], h.items[i] = h.items[i], h.items[parent]
		i = parent
	}
}

func (h *BoundedHeap[T]) down(i int) {
	n := len(h.items)
	for {
		largest := i
		left, right := 2*i+1, 2*i+2
		if left < n && h.less(h.items[largest], h.items[left]) {
			largest = left
		}
		if right < n && h.less(h.items[largest], h.items[right]) {
			largest = right
		}
		if largest == i {
			return
		}
		h.items[i], h.items[largest] = h.items[largest], h.items[i]
		i = largest
	}
}
