package fifo

import "errors"

// Queue errors.
var (
	// ErrQueueFull indicates the request records do not fit in the queue.
	ErrQueueFull = errors.New("request queue is full")

	// ErrPeerClosed indicates the client end of the queue has been closed.
	ErrPeerClosed = errors.New("queue peer closed")
)
