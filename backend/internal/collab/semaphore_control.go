package collab

import (
	"context"
	"errors"
)

var MaxSemaphore int = 100

var (
	ErrSemaphoreTimeout     = errors.New("semaphore acquire reached time limit")
	ErrSemaphoreNotAcquired = errors.New("semaphore release failed, not acquired")
)

// SemaphoreControl 限制某类操作的并发数（Kafka 发送、保存落库）
type SemaphoreControl struct {
	ch chan struct{}
}

// NewSemaphoreControl size<=0 时使用 MaxSemaphore
func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = MaxSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrSemaphoreTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrSemaphoreNotAcquired
	}
}

// InUse 当前被占用的数量
func (s *SemaphoreControl) InUse() int {
	return len(s.ch)
}
