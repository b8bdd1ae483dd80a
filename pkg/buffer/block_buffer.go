// Package buffer provides a bounded blocking element buffer used to bridge
// producer callbacks and pull-style stream consumers.
package buffer

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrIteratorDone is returned by Next when the write side is closed and all
// buffered elements have been consumed.
var ErrIteratorDone = errors.New("iterator done")

// BlockBuffer is a thread-safe fixed-size circular buffer. Add blocks when
// the buffer is full and Next blocks when it is empty, giving flow control
// between one producer goroutine and one consumer.
//
// The write side can be closed gracefully with CloseWrite (remaining elements
// stay readable, then Next returns ErrIteratorDone) or torn down with
// CloseWithError (pending operations on both sides unblock with the error).
type BlockBuffer[T any] struct {
	cond *sync.Cond

	mu         sync.Mutex
	buf        []T
	head, tail int64
	closeWrite bool
	closeErr   error
}

// BlockN creates a BlockBuffer holding at most size elements.
func BlockN[T any](size int) *BlockBuffer[T] {
	b := &BlockBuffer[T]{buf: make([]T, size)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Add appends one element, blocking while the buffer is full.
func (bb *BlockBuffer[T]) Add(t T) error {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.closeErr != nil {
		return fmt.Errorf("buffer: write to closed buffer: %w", bb.closeErr)
	}
	if bb.closeWrite {
		return fmt.Errorf("buffer: write to closed buffer: %w", io.ErrClosedPipe)
	}
	size := int64(len(bb.buf))
	for bb.tail-bb.head == size {
		bb.cond.Wait()
		if bb.closeErr != nil {
			return fmt.Errorf("buffer: write to closed buffer: %w", bb.closeErr)
		}
		if bb.closeWrite {
			return fmt.Errorf("buffer: write to closed buffer: %w", io.ErrClosedPipe)
		}
	}
	bb.buf[bb.tail%size] = t
	bb.tail++
	bb.cond.Signal()
	return nil
}

// Next removes and returns the oldest element, blocking while the buffer is
// empty. Returns ErrIteratorDone after CloseWrite once drained.
func (bb *BlockBuffer[T]) Next() (t T, err error) {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.closeErr != nil {
		err = fmt.Errorf("buffer: read from closed buffer: %w", bb.closeErr)
		return
	}
	for bb.head == bb.tail {
		if bb.closeWrite {
			err = ErrIteratorDone
			return
		}
		bb.cond.Wait()
		if bb.closeErr != nil {
			err = fmt.Errorf("buffer: read from closed buffer: %w", bb.closeErr)
			return
		}
	}
	t = bb.buf[bb.head%int64(len(bb.buf))]
	bb.head++
	bb.cond.Signal()
	return t, nil
}

// Len reports the number of buffered elements.
func (bb *BlockBuffer[T]) Len() int {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return int(bb.tail - bb.head)
}

// CloseWrite closes the write side. Buffered elements remain readable.
func (bb *BlockBuffer[T]) CloseWrite() error {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.closeWrite {
		return nil
	}
	bb.closeWrite = true
	bb.cond.Broadcast()
	return nil
}

// CloseWithError closes both sides immediately. Pending Add and Next calls
// unblock with the error. A nil err defaults to io.ErrClosedPipe. Closing an
// already-closed buffer is a no-op.
func (bb *BlockBuffer[T]) CloseWithError(err error) error {
	if err == nil {
		err = io.ErrClosedPipe
	}
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.closeErr != nil {
		return nil
	}
	bb.closeErr = err
	bb.closeWrite = true
	bb.cond.Broadcast()
	return nil
}

// Close is CloseWithError(io.ErrClosedPipe).
func (bb *BlockBuffer[T]) Close() error {
	return bb.CloseWithError(io.ErrClosedPipe)
}
