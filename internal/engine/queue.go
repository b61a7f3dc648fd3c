package engine

import "github.com/parley-ai/parley/pkg/models"

// fifo is a bounded message queue for one conversation. New submissions are
// rejected once the queue is full; messages pop in arrival order. Not
// goroutine-safe; the engine serializes access.
type fifo struct {
	items    []*models.Message
	capacity int
}

func newFifo(capacity int) *fifo {
	return &fifo{capacity: capacity}
}

// push appends the message, or reports false when the queue is full.
func (q *fifo) push(msg *models.Message) bool {
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, msg)
	return true
}

// pop removes and returns the oldest queued message.
func (q *fifo) pop() (*models.Message, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}
