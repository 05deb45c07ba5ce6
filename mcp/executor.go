package mcp

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Executor runs the asynchronous part of transport operations.
type Executor interface {
	Go(task func())
}

type goroutineExecutor struct{}

func (goroutineExecutor) Go(task func()) {
	go task()
}

// BoundedExecutor runs tasks on goroutines, at most limit at a time. Tasks
// beyond the limit wait for a slot.
type BoundedExecutor struct {
	sem *semaphore.Weighted
}

// NewBoundedExecutor creates an executor running at most limit tasks concurrently.
func NewBoundedExecutor(limit int64) *BoundedExecutor {
	if limit < 1 {
		limit = 1
	}
	return &BoundedExecutor{sem: semaphore.NewWeighted(limit)}
}

func (e *BoundedExecutor) Go(task func()) {
	go func() {
		// Acquire only fails on context cancellation.
		_ = e.sem.Acquire(context.Background(), 1)
		defer e.sem.Release(1)
		task()
	}()
}
