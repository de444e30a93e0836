// Package epoch implements epoch-based reclamation: per-thread local/shared
// free queues, a global minimum-epoch computation, and a collector that
// deletes objects older than that minimum (spec.md §4.3).
package epoch

import (
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
)

// NoEpoch is the sentinel epoch value meaning "this thread is not currently
// inside a ScopedEpoch".
const NoEpoch = ^uint64(0)

// clock is the monotonic "now" used to stamp epochs and garbage. It is a
// plain counter, not a wall clock: every EnterEpoch call and every Mark call
// advances it, which is all the ordering the collector needs.
var clock atomic.Uint64

// Thread is a registered participant: its own current epoch, plus a local
// queue (filled by this Thread's Mark) and a shared queue. The Collector
// drains both queues.
type Thread struct {
	epoch atomic.Uint64

	localMu sync.Mutex
	local   *ring

	sharedMu sync.Mutex
	shared   *ring
}

type item struct {
	timestamp uint64
	pointer   any
	deleter   func(any)
}

// ring is a growable ring buffer of queued reclamation items, preserving
// FIFO order. It doubles on write-full (spec.md §4.3: "Queues are ring
// buffers that may grow on write-full by doubling").
type ring struct {
	buf        []item
	head, size int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]item, capacity)}
}

func (r *ring) push(it item) {
	if r.size == len(r.buf) {
		r.grow()
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = it
	r.size++
}

func (r *ring) grow() {
	next := make([]item, len(r.buf)*2)
	for i := 0; i < r.size; i++ {
		next[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.buf = next
	r.head = 0
}

func (r *ring) peek() (item, bool) {
	if r.size == 0 {
		return item{}, false
	}
	return r.buf[r.head], true
}

func (r *ring) pop() {
	r.head = (r.head + 1) % len(r.buf)
	r.size--
}

// DefaultQueueCapacity is the initial ring-buffer capacity for newly
// registered threads (config tunable gc_queue_initial_capacity,
// spec.md §6).
const DefaultQueueCapacity = 64

// NewThread registers a new GC participant with the given initial queue
// capacity (0 uses DefaultQueueCapacity).
func NewThread(initialCapacity int) *Thread {
	if initialCapacity <= 0 {
		initialCapacity = DefaultQueueCapacity
	}
	t := &Thread{
		local:  newRing(initialCapacity),
		shared: newRing(initialCapacity),
	}
	t.epoch.Store(NoEpoch)
	return t
}

// Epoch returns the thread's current epoch (NoEpoch if not scoped).
func (t *Thread) Epoch() uint64 { return t.epoch.Load() }

// ScopedEpoch sets t's epoch to "now" on entry and clears it on Exit. The
// zero value is not usable; construct via Thread.Enter.
type ScopedEpoch struct {
	thread *Thread
}

// Enter begins a ScopedEpoch on t. The caller must call Exit (typically via
// defer) before any pointer dereferenced while scoped becomes invalid to
// later readers.
func (t *Thread) Enter() *ScopedEpoch {
	t.epoch.Store(clock.Add(1))
	return &ScopedEpoch{thread: t}
}

// Exit clears the thread's epoch, making it invisible to MinEpoch.
func (s *ScopedEpoch) Exit() {
	s.thread.epoch.Store(NoEpoch)
}

// Mark queues p for deletion via deleter once no thread's epoch can still
// observe it. It goes on the local queue: only this Thread pops from it
// directly, though the Collector may still drain it during a global pass.
func (t *Thread) Mark(p any, deleter func(any)) {
	ts := clock.Add(1)
	t.localMu.Lock()
	t.local.push(item{timestamp: ts, pointer: p, deleter: deleter})
	t.localMu.Unlock()
}

// MarkShared is Mark for objects that may need reclaiming by a thread other
// than the one that produced them (e.g. a rebalancer freeing a segment
// that readers on other threads may still be scanning).
func (t *Thread) MarkShared(p any, deleter func(any)) {
	ts := clock.Add(1)
	t.sharedMu.Lock()
	t.shared.push(item{timestamp: ts, pointer: p, deleter: deleter})
	t.sharedMu.Unlock()
}

// Collector computes the global minimum epoch across registered threads and
// reclaims queued items whose timestamp predates it. Slots are tracked in a
// roaring.Bitmap rather than a plain slice-with-nils: a long-running graph
// opens and closes many short-lived worker threads over its lifetime, and
// Register/Unregister churn would otherwise leave MinEpoch/Collect scanning
// an ever-growing slice of mostly-tombstoned entries.
type Collector struct {
	mu       sync.Mutex
	slots    []*Thread
	occupied *roaring.Bitmap
}

// NewCollector returns an empty collector; threads register themselves with
// Register.
func NewCollector() *Collector {
	return &Collector{occupied: roaring.New()}
}

// Register adds t to the set of threads considered by MinEpoch and Collect,
// reusing a slot freed by an earlier Unregister when one is available.
func (c *Collector) Register(t *Thread) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.slots {
		if s == nil {
			c.slots[i] = t
			c.occupied.Add(uint32(i))
			return
		}
	}
	c.slots = append(c.slots, t)
	c.occupied.Add(uint32(len(c.slots) - 1))
}

// Unregister removes t from consideration, e.g. when a worker thread shuts
// down; its slot is freed for reuse by a later Register.
func (c *Collector) Unregister(t *Thread) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.slots {
		if s == t {
			c.slots[i] = nil
			c.occupied.Remove(uint32(i))
			return
		}
	}
}

// MinEpoch returns the minimum current epoch across all registered threads,
// ignoring threads that are not currently scoped (NoEpoch). If every thread
// is unscoped, it returns one past the current clock value: nothing is
// pinned, so everything queued so far is eligible.
func (c *Collector) MinEpoch() uint64 {
	c.mu.Lock()
	slots := c.slots
	it := c.occupied.Iterator()
	c.mu.Unlock()

	min := uint64(NoEpoch)
	for it.HasNext() {
		t := slots[it.Next()]
		e := t.epoch.Load()
		if e == NoEpoch {
			continue
		}
		if e < min {
			min = e
		}
	}
	if min == NoEpoch {
		return clock.Load() + 1
	}
	return min
}

// Collect runs one reclamation pass: for each registered thread's local and
// shared queue, pop and delete items in order while item.timestamp is
// strictly less than the global minimum epoch.
func (c *Collector) Collect() int {
	minEpoch := c.MinEpoch()

	c.mu.Lock()
	slots := c.slots
	it := c.occupied.Iterator()
	c.mu.Unlock()

	reclaimed := 0
	for it.HasNext() {
		t := slots[it.Next()]
		reclaimed += drain(&t.localMu, t.local, minEpoch)
		reclaimed += drain(&t.sharedMu, t.shared, minEpoch)
	}
	return reclaimed
}

func drain(mu *sync.Mutex, r *ring, minEpoch uint64) int {
	mu.Lock()
	defer mu.Unlock()

	n := 0
	for {
		it, ok := r.peek()
		if !ok || it.timestamp >= minEpoch {
			break
		}
		r.pop()
		it.deleter(it.pointer)
		n++
	}
	return n
}
