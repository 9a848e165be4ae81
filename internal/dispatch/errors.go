package dispatch

import (
	"errors"
	"fmt"
)

// ErrQueueFull reports transient back-pressure: the queue of one key stayed
// full for the whole enqueue timeout.
var ErrQueueFull = errors.New("dispatch queue full")

// ErrExecutorClosed reports that Stop was called and no more work is accepted.
var ErrExecutorClosed = errors.New("dispatch executor closed")

// QueueFullError carries diagnostics while satisfying errors.Is(_, ErrQueueFull).
type QueueFullError struct {
	Key      int64
	Length   int
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("dispatch queue for key %d full (len=%d cap=%d)", e.Key, e.Length, e.Capacity)
}

func (e *QueueFullError) Is(target error) bool { return target == ErrQueueFull }
