package transport

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsTasks(t *testing.T) {
	p := NewPool(2, 10, nil)
	defer p.Close()

	var wg sync.WaitGroup
	var count atomic.Int32
	for range 5 {
		wg.Add(1)
		if !p.Submit(func() {
			defer wg.Done()
			count.Add(1)
		}) {
			t.Fatal("Submit rejected a task with room in the queue")
		}
	}
	wg.Wait()
	if got := count.Load(); got != 5 {
		t.Errorf("ran %d tasks, want 5", got)
	}
}

func TestPoolDropsWhenFull(t *testing.T) {
	p := NewPool(1, 1, nil)

	block := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func() {
		close(started)
		<-block
	})
	<-started

	// The worker is busy: one task fits the queue, the next is dropped.
	if !p.Submit(func() {}) {
		t.Fatal("queued task rejected")
	}
	if p.Submit(func() {}) {
		t.Fatal("Submit accepted a task with the queue full")
	}
	if got := p.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}

	close(block)
	p.Close()
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool(1, 4, nil)
	defer p.Close()

	done := make(chan struct{})
	p.Submit(func() { panic("boom") })
	p.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
	if got := p.Panics(); got != 1 {
		t.Errorf("Panics() = %d, want 1", got)
	}
}

func TestPoolSubmitAfterClose(t *testing.T) {
	p := NewPool(1, 1, nil)
	p.Close()
	p.Close()
	if p.Submit(func() {}) {
		t.Error("Submit accepted a task after Close")
	}
}
