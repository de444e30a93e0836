// Package latch implements the optimistic latch: a single 64-bit atomic
// word combining a payload bit, a phantom-lock bit, a write-lock bit, and a
// version counter. Readers never block; they snapshot a version, do their
// work, and re-validate, retrying on mismatch (spec.md §4.2).
package latch

import (
	"runtime"
	"sync/atomic"

	"github.com/erigontech/teseo/terrors"
)

const (
	versionBits = 61
	versionMask = uint64(1)<<versionBits - 1

	writeLockBit   = uint64(1) << versionBits
	phantomLockBit = uint64(1) << (versionBits + 1)
	payloadBit     = uint64(1) << (versionBits + 2)

	// invalid is the all-ones sentinel: once set it can never be cleared.
	invalid = ^uint64(0)
)

// Latch is the versioned lock described in spec.md §4.2.
type Latch struct {
	word atomic.Uint64
}

// New returns a latch at version 0, unlocked, with the payload bit clear.
func New() *Latch {
	return &Latch{}
}

func isInvalid(w uint64) bool { return w == invalid }

// ReadVersion spins while write-locked, fails with terrors.Abort if
// invalidated, and returns a version snapshot for later validation.
func (l *Latch) ReadVersion() (uint64, error) {
	for {
		w := l.word.Load()
		if isInvalid(w) {
			return 0, terrors.Abort
		}
		if w&writeLockBit != 0 || w&phantomLockBit != 0 {
			runtime.Gosched()
			continue
		}
		return w &^ payloadBit, nil
	}
}

// ValidateVersion fails with terrors.Abort if the current version differs
// from v (ignoring the payload bit) or the latch has been invalidated.
func (l *Latch) ValidateVersion(v uint64) error {
	w := l.word.Load()
	if isInvalid(w) {
		return terrors.Abort
	}
	if w&writeLockBit != 0 || w&phantomLockBit != 0 {
		return terrors.Abort
	}
	if (w &^ payloadBit) != (v &^ payloadBit) {
		return terrors.Abort
	}
	return nil
}

// Lock spins until the write-lock bit is clear, then acquires it.
func (l *Latch) Lock() error {
	for {
		w := l.word.Load()
		if isInvalid(w) {
			return terrors.Abort
		}
		if w&writeLockBit != 0 || w&phantomLockBit != 0 {
			runtime.Gosched()
			continue
		}
		if l.word.CompareAndSwap(w, w|writeLockBit) {
			return nil
		}
	}
}

// Unlock increments the version and clears the write lock.
func (l *Latch) Unlock() {
	for {
		w := l.word.Load()
		if isInvalid(w) {
			return
		}
		version := (w & versionMask) + 1
		if version > versionMask {
			version = 0
		}
		next := (w &^ versionMask &^ writeLockBit) | version
		if l.word.CompareAndSwap(w, next) {
			return
		}
	}
}

// Update acquires the write lock iff the current version equals v;
// otherwise it fails with terrors.Abort. This is the CAS-style entry point
// used by writers that already hold an optimistic read version and want to
// upgrade to a write lock without an intervening mutation.
func (l *Latch) Update(v uint64) error {
	for {
		w := l.word.Load()
		if isInvalid(w) {
			return terrors.Abort
		}
		if w&writeLockBit != 0 || w&phantomLockBit != 0 {
			return terrors.Abort
		}
		if (w &^ payloadBit) != (v &^ payloadBit) {
			return terrors.Abort
		}
		if l.word.CompareAndSwap(w, w|writeLockBit) {
			return nil
		}
	}
}

// PhantomLock acquires an exclusive mode that does NOT bump the version on
// release; used by rebalancers that intentionally leave optimistic readers
// undisturbed.
func (l *Latch) PhantomLock() error {
	for {
		w := l.word.Load()
		if isInvalid(w) {
			return terrors.Abort
		}
		if w&writeLockBit != 0 || w&phantomLockBit != 0 {
			runtime.Gosched()
			continue
		}
		if l.word.CompareAndSwap(w, w|phantomLockBit) {
			return nil
		}
	}
}

// PhantomUnlock releases phantom-lock mode without bumping the version.
func (l *Latch) PhantomUnlock() {
	for {
		w := l.word.Load()
		if isInvalid(w) {
			return
		}
		if l.word.CompareAndSwap(w, w&^phantomLockBit) {
			return
		}
	}
}

// Invalidate permanently sets the invalid sentinel; subsequent operations
// fail with terrors.Abort. Used when a segment/node is being deleted.
func (l *Latch) Invalidate() {
	l.word.Store(invalid)
}

// IsInvalid reports whether the latch has been permanently invalidated.
func (l *Latch) IsInvalid() bool { return isInvalid(l.word.Load()) }

// Payload returns the single payload bit carried in the latch word. Segment
// uses this to distinguish the sparse-file/dense-file occupant without a
// separate field that would need its own synchronization.
func (l *Latch) Payload() bool {
	return l.word.Load()&payloadBit != 0
}

// SetPayload sets or clears the payload bit. The caller must hold the write
// lock or phantom lock.
func (l *Latch) SetPayload(v bool) {
	for {
		w := l.word.Load()
		if isInvalid(w) {
			return
		}
		var next uint64
		if v {
			next = w | payloadBit
		} else {
			next = w &^ payloadBit
		}
		if l.word.CompareAndSwap(w, next) {
			return
		}
	}
}

// Optimistic runs read under the "read version, read data, re-validate"
// pattern: it snapshots l's version, invokes read, and validates the
// version again before returning. On a version mismatch or invalidation it
// returns terrors.Abort and the caller is expected to retry the whole
// operation (spec.md §9: optimistic concurrency as a closure-parameterized
// helper).
func Optimistic[T any](l *Latch, read func() (T, error)) (T, error) {
	var zero T
	v, err := l.ReadVersion()
	if err != nil {
		return zero, err
	}
	result, err := read()
	if err != nil {
		return zero, err
	}
	if err := l.ValidateVersion(v); err != nil {
		return zero, err
	}
	return result, nil
}

// Retry repeatedly invokes fn until it returns a non-Abort result, used by
// callers (readers, writer_enter loops, rebalancers) that must not let
// Abort escape to user code (spec.md §7 recovery policy).
func Retry[T any](fn func() (T, error)) (T, error) {
	for {
		result, err := fn()
		if err == terrors.Abort {
			runtime.Gosched()
			continue
		}
		return result, err
	}
}
