package dispatch

// queue is a FIFO of pending operations.
type queue struct {
	items []*Op
}

func newQueue(prealloc int) *queue {
	return &queue{items: make([]*Op, 0, prealloc)}
}

func (q *queue) Enqueue(op *Op) {
	q.items = append(q.items, op)
}

// Dequeue removes and returns the head, or nil if the queue is empty.
func (q *queue) Dequeue() *Op {
	if len(q.items) == 0 {
		return nil
	}
	op := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return op
}

func (q *queue) Peek() *Op {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Remove takes the operation with handle out of the queue and returns it,
// or nil if it is not queued.
func (q *queue) Remove(handle uint64) *Op {
	for i, op := range q.items {
		if op.Handle == handle {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return op
		}
	}
	return nil
}

// Drain empties the queue and returns what it held, oldest first.
func (q *queue) Drain() []*Op {
	out := q.items
	q.items = make([]*Op, 0, cap(out))
	return out
}

func (q *queue) IsEmpty() bool {
	return len(q.items) == 0
}

func (q *queue) Length() int {
	return len(q.items)
}
