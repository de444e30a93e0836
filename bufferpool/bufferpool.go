// Package bufferpool implements a huge-page-backed fixed-size page
// allocator used by leaves (spec.md §4.4). A single mmap region, sized for
// the configured minimum page count, is reserved up front and is never
// grown afterwards; a free list of page IDs serves allocate/deallocate.
package bufferpool

import (
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrExhausted is returned by AllocatePage when the free list is empty; the
// pool does not add pages beyond those reserved by New.
var ErrExhausted = errors.New("bufferpool: exhausted")

// recentlyReservedThreshold is the free-list length below which a freed
// page is placed where AllocatePage takes pages next (so it is handed back
// out again while still hot, instead of cycling through cold pages first).
const recentlyReservedThreshold = 64

// minChunkPages is the granularity, in pages, by which RebuildFreeList
// lowers the pool's page count.
const minChunkPages = 16

// PageID identifies an allocated page frame within a Pool.
type PageID uint32

// pagePrefixSize is the number of bytes at the start of every page that are
// excluded from the slice handed to callers. Nothing is written there: no
// back-pointer to the owning pool is stored, and DeallocatePage is called
// on the Pool with a PageID.
const pagePrefixSize = 8

// Config are the buffer-pool tunables from spec.md §6.
type Config struct {
	PageSize        int // bp_page_size
	MinNumPages     int // bp_min_num_pages
	MaxLogicalBytes int // bp_max_logical_memory
	HugePages       bool
}

// DefaultConfig returns sane development defaults: 2MiB pages (the size of
// an x86 huge page), a modest floor, and a 4GiB logical ceiling.
func DefaultConfig() Config {
	return Config{
		PageSize:        2 << 20,
		MinNumPages:     16,
		MaxLogicalBytes: 4 << 30,
		HugePages:       true,
	}
}

// Pool is a mutex-guarded fixed-size page allocator backed by a single
// anonymous mmap region, reserved once at New; RebuildFreeList can only
// lower the page count, and nothing raises it again.
type Pool struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	region    mmap.MMap
	numPages  int
	freeList  []PageID
	allocated map[PageID]bool
}

// New reserves a virtual-address window sized for cfg.MinNumPages pages and
// returns a ready-to-use Pool.
func New(cfg Config, log *zap.Logger) (*Pool, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PageSize <= pagePrefixSize {
		return nil, errors.New("bufferpool: page size too small")
	}
	p := &Pool{cfg: cfg, log: log, allocated: make(map[PageID]bool)}
	if err := p.reserve(cfg.MinNumPages); err != nil {
		return nil, err
	}
	return p, nil
}

// reserve maps a region for n pages (capped at MaxLogicalBytes) with a
// single mmap call and puts every page on the free list. It makes no retry
// with a different size, and it is only called from New.
func (p *Pool) reserve(n int) error {
	want := n * p.cfg.PageSize
	if p.cfg.MaxLogicalBytes > 0 && want > p.cfg.MaxLogicalBytes {
		want = p.cfg.MaxLogicalBytes
	}
	region, err := mmap.MapRegion(nil, want, mmap.RDWR, 0, 0)
	if err != nil {
		return errors.Wrap(err, "bufferpool: mmap reserve")
	}
	p.region = region
	p.numPages = want / p.cfg.PageSize
	p.freeList = make([]PageID, p.numPages)
	for i := range p.freeList {
		p.freeList[i] = PageID(p.numPages - 1 - i)
	}
	if err := adviseHugePages(region, p.cfg.HugePages); err != nil {
		p.log.Debug("bufferpool: huge page advise failed, continuing without it", zap.Error(err))
	}
	p.log.Debug("bufferpool reserved", zap.Int("pages", p.numPages), zap.Int("page_size", p.cfg.PageSize))
	return nil
}

// AllocatePage pops a page ID off the free list, or returns ErrExhausted.
func (p *Pool) AllocatePage() (PageID, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.freeList) == 0 {
		return 0, nil, ErrExhausted
	}
	id := p.freeList[len(p.freeList)-1]
	p.freeList = p.freeList[:len(p.freeList)-1]
	p.allocated[id] = true
	return id, p.pageBytes(id), nil
}

// Page returns the byte slice backing an already-allocated page ID.
func (p *Pool) Page(id PageID) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pageBytes(id)
}

func (p *Pool) pageBytes(id PageID) []byte {
	off := int(id) * p.cfg.PageSize
	return p.region[off+pagePrefixSize : off+p.cfg.PageSize]
}

// DeallocatePage returns id to the free list. AllocatePage pops from the
// tail of the slice, so while the list is shorter than
// recentlyReservedThreshold id goes on the tail and is handed back out
// next; otherwise it goes to the head, behind every other free page.
func (p *Pool) DeallocatePage(id PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.allocated, id)
	if len(p.freeList) < recentlyReservedThreshold {
		p.freeList = append(p.freeList, id)
	} else {
		p.freeList = append([]PageID{id}, p.freeList...)
	}
}

// NumPages returns the total number of pages currently backed by the pool.
func (p *Pool) NumPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numPages
}

// PageSize returns the usable bytes per page, excluding the owner prefix.
func (p *Pool) PageSize() int { return p.cfg.PageSize - pagePrefixSize }

// RebuildFreeList coalesces trailing free pages and drops them from the
// pool's page count in multiples of minChunkPages, returning the number of
// pages released. The mmap region keeps its size, and released pages are
// not handed out again.
func (p *Pool) RebuildFreeList() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	trailing := 0
	for i := p.numPages - 1; i >= 0; i-- {
		if p.allocated[PageID(i)] {
			break
		}
		if !contains(p.freeList, PageID(i)) {
			break
		}
		trailing++
	}
	shrinkBy := (trailing / minChunkPages) * minChunkPages
	if shrinkBy == 0 {
		return 0
	}
	newTotal := p.numPages - shrinkBy
	keep := make([]PageID, 0, len(p.freeList))
	for _, id := range p.freeList {
		if int(id) < newTotal {
			keep = append(keep, id)
		}
	}
	p.freeList = keep
	p.numPages = newTotal
	p.log.Debug("bufferpool shrunk", zap.Int("released_pages", shrinkBy))
	return shrinkBy
}

func contains(s []PageID, v PageID) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// Close unmaps the backing region. The pool must not be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.region == nil {
		return nil
	}
	err := p.region.Unmap()
	p.region = nil
	return err
}
