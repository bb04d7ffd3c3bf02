package listener

import "sync"

type message struct {
	subject string
	body    string
}

// messageQueue is an unbounded FIFO for many producers and one consumer.
// push never blocks on the consumer.
type messageQueue struct {
	mu    sync.Mutex
	items []message
	head  int
}

func (q *messageQueue) push(m message) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, m)
	return len(q.items) - q.head
}

func (q *messageQueue) pop() (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == len(q.items) {
		return message{}, false
	}
	m := q.items[q.head]
	q.items[q.head] = message{}
	q.head++
	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head > 1024 && q.head*2 > len(q.items):
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return m, true
}

func (q *messageQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
