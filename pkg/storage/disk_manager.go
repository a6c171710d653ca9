package storage

import (
	"github.com/cockroachdb/errors"

	"sable/pkg/primitives"
)

// ErrPageNotAllocated is returned when an operation addresses a page that
// has no backing storage.
var ErrPageNotAllocated = errors.New("page not allocated")

// DiskSpaceManager owns partitions and the pages within them. Redo of
// allocation records replays against this interface, so allocation and
// free are idempotent: re-allocating an existing partition or page is a
// no-op, as is freeing an absent one.
type DiskSpaceManager interface {
	// PartNum returns the partition a page belongs to.
	PartNum(page primitives.PageNumber) primitives.PartitionNumber

	// AllocPart ensures the partition exists.
	AllocPart(part primitives.PartitionNumber) error

	// FreePart drops the partition and every page in it.
	FreePart(part primitives.PartitionNumber) error

	// AllocPage ensures the page exists within an allocated partition.
	AllocPage(page primitives.PageNumber) error

	// FreePage drops the page's backing storage.
	FreePage(page primitives.PageNumber) error

	// PageAllocated reports whether the page has backing storage.
	PageAllocated(page primitives.PageNumber) bool

	// ReadPage returns the durable image of a page: its pageLSN header
	// and its data bytes.
	ReadPage(page primitives.PageNumber) (primitives.LSN, []byte, error)

	// WritePage durably stores a page image.
	WritePage(page primitives.PageNumber, pageLSN primitives.LSN, data []byte) error
}

type diskPage struct {
	pageLSN primitives.LSN
	data    []byte
}

// MemDiskManager is the in-memory DiskSpaceManager the engine and its
// tests run against. "Durable" contents survive a simulated crash
// (BufferPool.EvictAll); only the buffer pool's unflushed state is lost.
type MemDiskManager struct {
	parts map[primitives.PartitionNumber]map[primitives.PageNumber]*diskPage
}

var _ DiskSpaceManager = (*MemDiskManager)(nil)

// NewMemDiskManager returns a disk manager with the log partition already
// allocated.
func NewMemDiskManager() *MemDiskManager {
	dm := &MemDiskManager{
		parts: make(map[primitives.PartitionNumber]map[primitives.PageNumber]*diskPage),
	}
	dm.parts[primitives.LogPartition] = make(map[primitives.PageNumber]*diskPage)
	return dm
}

func (dm *MemDiskManager) PartNum(page primitives.PageNumber) primitives.PartitionNumber {
	return primitives.PartitionOf(page)
}

func (dm *MemDiskManager) AllocPart(part primitives.PartitionNumber) error {
	if _, ok := dm.parts[part]; !ok {
		dm.parts[part] = make(map[primitives.PageNumber]*diskPage)
	}
	return nil
}

func (dm *MemDiskManager) FreePart(part primitives.PartitionNumber) error {
	delete(dm.parts, part)
	return nil
}

func (dm *MemDiskManager) AllocPage(page primitives.PageNumber) error {
	part := primitives.PartitionOf(page)
	pages, ok := dm.parts[part]
	if !ok {
		return errors.Newf("partition %d not allocated", part)
	}
	if _, ok := pages[page]; !ok {
		pages[page] = &diskPage{data: make([]byte, EffectivePageSize)}
	}
	return nil
}

func (dm *MemDiskManager) FreePage(page primitives.PageNumber) error {
	if pages, ok := dm.parts[primitives.PartitionOf(page)]; ok {
		delete(pages, page)
	}
	return nil
}

func (dm *MemDiskManager) PageAllocated(page primitives.PageNumber) bool {
	pages, ok := dm.parts[primitives.PartitionOf(page)]
	if !ok {
		return false
	}
	_, ok = pages[page]
	return ok
}

func (dm *MemDiskManager) ReadPage(page primitives.PageNumber) (primitives.LSN, []byte, error) {
	pages, ok := dm.parts[primitives.PartitionOf(page)]
	if !ok {
		return 0, nil, errors.Wrapf(ErrPageNotAllocated, "page %d", page)
	}
	dp, ok := pages[page]
	if !ok {
		return 0, nil, errors.Wrapf(ErrPageNotAllocated, "page %d", page)
	}
	data := make([]byte, EffectivePageSize)
	copy(data, dp.data)
	return dp.pageLSN, data, nil
}

func (dm *MemDiskManager) WritePage(page primitives.PageNumber, pageLSN primitives.LSN, data []byte) error {
	pages, ok := dm.parts[primitives.PartitionOf(page)]
	if !ok {
		return errors.Wrapf(ErrPageNotAllocated, "page %d", page)
	}
	dp, ok := pages[page]
	if !ok {
		return errors.Wrapf(ErrPageNotAllocated, "page %d", page)
	}
	dp.pageLSN = pageLSN
	copy(dp.data, data)
	return nil
}
