package storage

import (
	"sable/pkg/primitives"
)

// EffectivePageSize is the number of usable bytes on a page, excluding
// the pageLSN header the buffer pool persists alongside the data.
const EffectivePageSize = 4096

// Page is a pinned in-memory copy of a disk page. Callers must Unpin a
// page when done with it; writes mark the page dirty in its pool.
type Page struct {
	pool    *BufferPool
	num     primitives.PageNumber
	data    []byte
	pageLSN primitives.LSN
	dirty   bool
	pins    int
}

// PageNum returns the page's virtual page number.
func (p *Page) PageNum() primitives.PageNumber { return p.num }

// PageLSN returns the LSN of the last log record applied to this page.
func (p *Page) PageLSN() primitives.LSN {
	p.pool.mu.Lock()
	defer p.pool.mu.Unlock()
	return p.pageLSN
}

// SetPageLSN stamps the page with the LSN of the record just applied and
// marks the page dirty.
func (p *Page) SetPageLSN(lsn primitives.LSN) {
	p.pool.mu.Lock()
	defer p.pool.mu.Unlock()
	p.pageLSN = lsn
	p.dirty = true
}

// Read copies n bytes starting at offset out of the page.
func (p *Page) Read(offset, n int) []byte {
	p.pool.mu.Lock()
	defer p.pool.mu.Unlock()
	out := make([]byte, n)
	copy(out, p.data[offset:offset+n])
	return out
}

// Write copies data into the page at offset and marks the page dirty.
func (p *Page) Write(offset int, data []byte) {
	p.pool.mu.Lock()
	defer p.pool.mu.Unlock()
	copy(p.data[offset:], data)
	p.dirty = true
}

// Unpin releases the caller's pin on the page.
func (p *Page) Unpin() {
	p.pool.mu.Lock()
	defer p.pool.mu.Unlock()
	if p.pins > 0 {
		p.pins--
	}
}
