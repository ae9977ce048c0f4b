// Package cmn provides common low-level types and utilities shared across
// the broker.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"sync"
)

type (
	// StopCh is a specialized channel for stopping things; Close is
	// idempotent. Used by the eviction loop to signal shutdown
	// exactly once.
	StopCh struct {
		once sync.Once
		ch   chan struct{}
	}

	// DynSemaphore implements a semaphore whose size can change during
	// use. Bounds the replication engine's fire-and-forget worker count.
	DynSemaphore struct {
		size int
		cur  int
		c    *sync.Cond
		mu   sync.Mutex
	}

	// LimitedWaitGroup combines a standard wait group with a semaphore
	// to cap the number of goroutines started at once.
	LimitedWaitGroup struct {
		wg   *sync.WaitGroup
		sema *DynSemaphore
	}
)

func NewStopCh() *StopCh {
	return &StopCh{ch: make(chan struct{})}
}

func (sc *StopCh) Listen() <-chan struct{} { return sc.ch }

func (sc *StopCh) Close() {
	sc.once.Do(func() {
		close(sc.ch)
	})
}

func NewDynSemaphore(n int) *DynSemaphore {
	sema := &DynSemaphore{size: n}
	sema.c = sync.NewCond(&sema.mu)
	return sema
}

func (s *DynSemaphore) Acquire() {
	s.mu.Lock()
	for s.cur >= s.size {
		s.c.Wait()
	}
	s.cur++
	s.mu.Unlock()
}

func (s *DynSemaphore) Release() {
	s.mu.Lock()
	Assert(s.cur > 0)
	s.cur--
	s.c.Signal()
	s.mu.Unlock()
}

func NewLimitedWaitGroup(n int) *LimitedWaitGroup {
	return &LimitedWaitGroup{wg: &sync.WaitGroup{}, sema: NewDynSemaphore(n)}
}

func (wg *LimitedWaitGroup) Add() {
	wg.sema.Acquire()
	wg.wg.Add(1)
}

func (wg *LimitedWaitGroup) Done() {
	wg.wg.Done()
	wg.sema.Release()
}

func (wg *LimitedWaitGroup) Wait() { wg.wg.Wait() }
