// Package seqstore implements the persistent sequence store: a crash-safe
// monotonic counter backed by a sparse file whose byte length is the counter
// value. An increment appends one byte and fsyncs before returning, so the
// length recovered after a crash always equals the number of durably
// acknowledged increments.
package seqstore

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	// ErrClosed is returned for any operation on a closed counter.
	ErrClosed = errors.New("seqstore: counter is closed")
)

// StorageError wraps an I/O failure from the backing file. After a failed
// increment the in-memory value is untrusted and the next Current call
// re-reads the authoritative file length.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("seqstore: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Range is the half-open interval [Start, End) of values reserved by a
// batched increment.
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of values in the range.
func (r Range) Len() uint64 { return r.End - r.Start }

// Counter is a single-writer durable counter. All increments are serialized
// through an internal lock; this is the component's own concurrency boundary,
// callers never need external locking.
type Counter struct {
	path string

	mu     sync.Mutex
	file   *os.File
	value  uint64
	stale  bool // a failed write left the file length unknown
	closed bool
}

// Open opens an existing counter file or creates an empty one. Opening a
// pre-existing file never fails on its content: the counter value is seeded
// from the file length with a single metadata query.
func Open(path string) (*Counter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &StorageError{Op: "stat", Path: path, Err: err}
	}

	return &Counter{
		path:  path,
		file:  f,
		value: uint64(info.Size()),
	}, nil
}

// Current returns the counter value. It normally serves the cached value; if
// the previous increment failed, the file length is re-read so the caller
// never acts on a guess.
func (c *Counter) Current() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	if c.stale {
		if err := c.refreshLocked(); err != nil {
			return 0, err
		}
	}
	return c.value, nil
}

// Increment durably appends one byte and returns the new counter value. The
// write is flushed to stable storage before the call returns; a value handed
// to a caller is never lost or reissued across a crash.
func (c *Counter) Increment() (uint64, error) {
	r, err := c.IncrementBatch(1)
	if err != nil {
		return 0, err
	}
	return r.End, nil
}

// IncrementBatch reserves n consecutive values with a single append and a
// single flush, returning [old, old+n). Amortizes the fsync cost when many
// values are needed at once. n == 0 returns the empty range at the current
// value without touching the file.
func (c *Counter) IncrementBatch(n uint32) (Range, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Range{}, ErrClosed
	}
	if c.stale {
		if err := c.refreshLocked(); err != nil {
			return Range{}, err
		}
	}
	if n == 0 {
		return Range{Start: c.value, End: c.value}, nil
	}

	if err := c.appendLocked(int(n)); err != nil {
		// The file may or may not have grown. Mark the cached value
		// untrusted; recovery is a re-stat on the next call.
		c.stale = true
		return Range{}, &StorageError{Op: "append", Path: c.path, Err: err}
	}
	if err := c.file.Sync(); err != nil {
		c.stale = true
		return Range{}, &StorageError{Op: "sync", Path: c.path, Err: err}
	}

	start := c.value
	c.value += uint64(n)
	return Range{Start: start, End: c.value}, nil
}

// Close releases the file handle. Further calls fail with ErrClosed.
func (c *Counter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.file.Close(); err != nil {
		return &StorageError{Op: "close", Path: c.path, Err: err}
	}
	return nil
}

// Path returns the backing file path.
func (c *Counter) Path() string { return c.path }

var zeroes [64 * 1024]byte

func (c *Counter) appendLocked(n int) error {
	for n > 0 {
		chunk := n
		if chunk > len(zeroes) {
			chunk = len(zeroes)
		}
		if _, err := c.file.Write(zeroes[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func (c *Counter) refreshLocked() error {
	info, err := os.Stat(c.path)
	if err != nil {
		return &StorageError{Op: "stat", Path: c.path, Err: err}
	}
	c.value = uint64(info.Size())
	c.stale = false
	return nil
}
