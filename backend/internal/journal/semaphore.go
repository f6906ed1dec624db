package journal

import (
	"context"
	"errors"
)

var DefaultSemaphore = 100

var (
	ErrSemaphoreTimeout     = errors.New("SEMAPHORE_ACQUIRE_TIMEOUT")
	ErrSemaphoreNotAcquired = errors.New("SEMAPHORE_NOT_ACQUIRED")
)

// Semaphore 限制同时在途的 Kafka 发送数
type Semaphore struct {
	ch chan struct{}
}

func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = DefaultSemaphore
	}
	return &Semaphore{ch: make(chan struct{}, n)}
}

func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrSemaphoreTimeout
	}
}

func (s *Semaphore) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrSemaphoreNotAcquired
	}
}

func (s *Semaphore) InUse() int { return len(s.ch) }
