package ioengine

import (
	"sync"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/thinerr"
)

// Async is a batched engine: writes are queued and submitted in groups of
// up to batchSize, on the caller's goroutine, by the WriteBlock call that
// fills the queue (or by Flush/Close). It
// presents the same synchronous contract as Sync to callers — ReadBlock
// and WriteBlock block until the corresponding operation (or its queued
// submission) completes — but amortises syscall overhead for the
// restorer's bulk writes. This stands in for the teacher's notion of two
// IoEngine variants behind one interface (orig src/thin/repair.rs:
// SyncIoEngine vs AsyncIoEngine selected by an --async-io flag); true
// io_uring submission is out of scope (it is an OS-specific async I/O
// transport, an explicitly injected/external collaborator per spec §1),
// so this submits through the same pread/pwrite syscalls as Sync but
// batches WriteBlock calls before issuing them.
type Async struct {
	inner     *Sync
	batchSize int

	mu      sync.Mutex
	pending []*Block
}

var _ Engine = (*Async)(nil)

// OpenAsync opens path like Open, but returns an engine that buffers
// writes up to batchSize before flushing them together.
func OpenAsync(path string, writable bool, batchSize int) (*Async, error) {
	if batchSize < 1 {
		batchSize = 1
	}
	inner, err := Open(path, writable)
	if err != nil {
		return nil, err
	}
	return &Async{inner: inner, batchSize: batchSize}, nil
}

func (e *Async) GetNrBlocks() uint64 { return e.inner.GetNrBlocks() }
func (e *Async) GetBatchSize() int   { return e.batchSize }

func (e *Async) ReadBlock(nr uint64) (*Block, error) {
	// Reads must observe any writes still sitting in our own pending
	// queue, since the caller sees one consistent handle (spec §4.1).
	e.mu.Lock()
	for _, b := range e.pending {
		if b.Nr == nr {
			cp := *b
			e.mu.Unlock()
			return &cp, nil
		}
	}
	e.mu.Unlock()
	return e.inner.ReadBlock(nr)
}

func (e *Async) WriteBlock(b *Block) error {
	e.mu.Lock()
	cp := *b
	e.pending = append(e.pending, &cp)
	full := len(e.pending) >= e.batchSize
	e.mu.Unlock()
	if full {
		return e.drain()
	}
	return nil
}

func (e *Async) drain() error {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()
	for _, b := range batch {
		if err := e.inner.WriteBlock(b); err != nil {
			return &thinerr.IoError{Kind: "batch-write", BlockNr: b.Nr, Err: err}
		}
	}
	return nil
}

// Flush drains any buffered writes and fsyncs the underlying file.
func (e *Async) Flush() error {
	if err := e.drain(); err != nil {
		return err
	}
	return e.inner.Flush()
}

func (e *Async) Close() error {
	_ = e.drain()
	return e.inner.Close()
}
