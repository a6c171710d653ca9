// Package wal implements the append-only, LSN-addressed write-ahead log.
// Log records live on pages of partition 0, outside dirty-page tracking;
// flushes are page-granular. The master record owns page 0 and is
// rewritten in place.
package wal

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"sable/pkg/log/record"
	"sable/pkg/primitives"
	"sable/pkg/storage"
)

// ErrCorruptLog is returned when the log's on-disk structure cannot be
// parsed. Recovery treats it as fatal.
var ErrCorruptLog = errors.New("corrupt log")

const frameOverhead = 2

// LogManager assigns monotonically increasing LSNs and packs serialized
// records into log pages. An LSN is the byte address of its record
// within the log partition; a record never spans pages (a record that
// does not fit in the current page's remainder starts on the next page).
type LogManager struct {
	mu     sync.Mutex
	bm     storage.BufferManager
	dsm    storage.DiskSpaceManager
	logger *zap.Logger

	// nextLSN is the tail: the address the next record will get.
	nextLSN primitives.LSN

	// flushedLSN is the durability watermark: every record strictly
	// below it is on disk. It never exceeds nextLSN, so a page that
	// gains records after being flushed drops back below full
	// durability until the next flush.
	flushedLSN primitives.LSN
}

// NewLogManager opens the log, allocating the master page on first use
// and locating the append position after a restart.
func NewLogManager(bm storage.BufferManager, dsm storage.DiskSpaceManager, logger *zap.Logger) (*LogManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	lm := &LogManager{bm: bm, dsm: dsm, logger: logger}

	if err := dsm.AllocPart(primitives.LogPartition); err != nil {
		return nil, errors.Wrap(err, "allocating log partition")
	}
	if err := dsm.AllocPage(lm.logPage(0)); err != nil {
		return nil, errors.Wrap(err, "allocating master page")
	}
	if err := lm.findTail(); err != nil {
		return nil, err
	}
	// Everything on disk at open time is durable by definition.
	lm.flushedLSN = lm.nextLSN
	lm.logger.Debug("log opened", zap.Int64("tailLSN", int64(lm.nextLSN)))
	return lm, nil
}

func (lm *LogManager) logPage(index int64) primitives.PageNumber {
	return primitives.PageIn(primitives.LogPartition, index)
}

// findTail walks allocated log pages past the master page and parses
// frames until the first free slot.
func (lm *LogManager) findTail() error {
	lm.nextLSN = storage.EffectivePageSize // start of page 1
	for index := int64(1); lm.dsm.PageAllocated(lm.logPage(index)); index++ {
		page, err := lm.bm.FetchPage(lm.logPage(index))
		if err != nil {
			return errors.Wrap(err, "reading log page")
		}
		offset := 0
		for offset+frameOverhead <= storage.EffectivePageSize {
			size := int(binary.BigEndian.Uint16(page.Read(offset, frameOverhead)))
			if size == 0 {
				break
			}
			offset += frameOverhead + size
		}
		page.Unpin()
		lm.nextLSN = primitives.LSN(index*storage.EffectivePageSize + int64(offset))
		if offset+frameOverhead <= storage.EffectivePageSize {
			// Free space on this page: the tail is here.
			return nil
		}
	}
	return nil
}

// AppendToLog assigns the record its LSN, writes it to the log tail, and
// returns the LSN. The log is not flushed; call FlushToLSN for
// durability.
func (lm *LogManager) AppendToLog(r *record.LogRecord) (primitives.LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	payload, err := record.Serialize(r)
	if err != nil {
		return 0, err
	}
	need := frameOverhead + len(payload)
	if need > storage.EffectivePageSize {
		return 0, errors.Newf("log record of %d bytes exceeds page capacity", len(payload))
	}

	offset := int(lm.nextLSN % storage.EffectivePageSize)
	index := int64(lm.nextLSN / storage.EffectivePageSize)
	if offset+need > storage.EffectivePageSize {
		index++
		offset = 0
		lm.nextLSN = primitives.LSN(index * storage.EffectivePageSize)
	}
	if err := lm.dsm.AllocPage(lm.logPage(index)); err != nil {
		return 0, errors.Wrap(err, "allocating log page")
	}

	page, err := lm.bm.FetchPage(lm.logPage(index))
	if err != nil {
		return 0, errors.Wrap(err, "fetching log tail page")
	}
	defer page.Unpin()

	frame := make([]byte, need)
	binary.BigEndian.PutUint16(frame, uint16(len(payload)))
	copy(frame[frameOverhead:], payload)
	page.Write(offset, frame)

	lsn := lm.nextLSN
	r.LSN = lsn
	lm.nextLSN += primitives.LSN(need)
	return lsn, nil
}

// FlushToLSN durably flushes every log page containing records with LSN
// at or below the given one. Flushing is page granular, so the whole
// page holding lsn goes out; the tail page is re-flushed whenever it
// has gained records since the watermark last covered it.
func (lm *LogManager) FlushToLSN(lsn primitives.LSN) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lsn >= lm.nextLSN {
		lsn = lm.nextLSN - 1
	}
	if lsn < lm.flushedLSN {
		// Everything at or below lsn is already durable: the watermark
		// never runs ahead of the true flushed tail.
		return nil
	}
	first := int64(lm.flushedLSN / storage.EffectivePageSize)
	if first < 1 {
		first = 1
	}
	last := int64(lsn / storage.EffectivePageSize)
	for index := first; index <= last; index++ {
		if !lm.dsm.PageAllocated(lm.logPage(index)) {
			break
		}
		if err := lm.bm.FlushPage(lm.logPage(index)); err != nil {
			return errors.Wrapf(err, "flushing log page %d", index)
		}
		end := primitives.LSN((index + 1) * storage.EffectivePageSize)
		if end > lm.nextLSN {
			end = lm.nextLSN
		}
		if end > lm.flushedLSN {
			lm.flushedLSN = end
		}
	}
	return nil
}

// FlushedLSN returns the durability watermark: every record strictly
// below it is on disk.
func (lm *LogManager) FlushedLSN() primitives.LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushedLSN
}

// TailLSN returns the LSN the next appended record will receive. It also
// measures how many log bytes exist, which the checkpoint daemon uses as
// its size trigger.
func (lm *LogManager) TailLSN() primitives.LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN
}

// FetchLogRecord reads the record at the given LSN. LSN 0 returns the
// master record.
func (lm *LogManager) FetchLogRecord(lsn primitives.LSN) (*record.LogRecord, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.fetchLocked(lsn)
}

func (lm *LogManager) fetchLocked(lsn primitives.LSN) (*record.LogRecord, error) {
	if lsn < 0 || lsn >= lm.nextLSN && lsn != 0 {
		return nil, errors.Wrapf(ErrCorruptLog, "no record at LSN %d", lsn)
	}
	index := int64(lsn / storage.EffectivePageSize)
	offset := int(lsn % storage.EffectivePageSize)

	page, err := lm.bm.FetchPage(lm.logPage(index))
	if err != nil {
		return nil, errors.Wrapf(err, "fetching log page for LSN %d", lsn)
	}
	defer page.Unpin()

	size := int(binary.BigEndian.Uint16(page.Read(offset, frameOverhead)))
	if size == 0 || offset+frameOverhead+size > storage.EffectivePageSize {
		return nil, errors.Wrapf(ErrCorruptLog, "no record at LSN %d", lsn)
	}
	r, err := record.Deserialize(page.Read(offset+frameOverhead, size))
	if err != nil {
		return nil, errors.Wrapf(err, "at LSN %d", lsn)
	}
	r.LSN = lsn
	return r, nil
}

// RewriteMasterRecord overwrites the master record at LSN 0 and flushes
// it immediately. The operation is idempotent.
func (lm *LogManager) RewriteMasterRecord(r *record.LogRecord) error {
	if r.Type != record.TypeMaster {
		return errors.Newf("cannot rewrite master record with a %s record", r.Type)
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()

	payload, err := record.Serialize(r)
	if err != nil {
		return err
	}
	page, err := lm.bm.FetchPage(lm.logPage(0))
	if err != nil {
		return errors.Wrap(err, "fetching master page")
	}
	frame := make([]byte, frameOverhead+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(payload)))
	copy(frame[frameOverhead:], payload)
	page.Write(0, frame)
	page.Unpin()
	r.LSN = 0
	return lm.bm.FlushPage(lm.logPage(0))
}

// FetchMasterRecord reads the master record, returning a zeroed master
// on a fresh log.
func (lm *LogManager) FetchMasterRecord() (*record.LogRecord, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	page, err := lm.bm.FetchPage(lm.logPage(0))
	if err != nil {
		return nil, errors.Wrap(err, "fetching master page")
	}
	defer page.Unpin()
	size := int(binary.BigEndian.Uint16(page.Read(0, frameOverhead)))
	if size == 0 {
		return record.NewMaster(0), nil
	}
	r, err := record.Deserialize(page.Read(frameOverhead, size))
	if err != nil {
		return nil, errors.Wrap(err, "master record")
	}
	if r.Type != record.TypeMaster {
		return nil, errors.Wrapf(ErrCorruptLog, "master page holds a %s record", r.Type)
	}
	return r, nil
}

// LogIterator yields records in LSN order. Next returns io.EOF past the
// tail.
type LogIterator struct {
	lm  *LogManager
	cur primitives.LSN
}

// ScanFrom returns a forward iterator positioned at the first record
// with LSN at or after the given one.
func (lm *LogManager) ScanFrom(lsn primitives.LSN) *LogIterator {
	if lsn < storage.EffectivePageSize {
		lsn = storage.EffectivePageSize // skip the master page
	}
	return &LogIterator{lm: lm, cur: lsn}
}

// Next returns the record at the iterator's position and advances past
// it.
func (it *LogIterator) Next() (*record.LogRecord, error) {
	it.lm.mu.Lock()
	defer it.lm.mu.Unlock()
	for {
		if it.cur >= it.lm.nextLSN {
			return nil, io.EOF
		}
		index := int64(it.cur / storage.EffectivePageSize)
		offset := int(it.cur % storage.EffectivePageSize)
		if !it.lm.dsm.PageAllocated(it.lm.logPage(index)) {
			return nil, io.EOF
		}
		if offset+frameOverhead > storage.EffectivePageSize {
			it.cur = primitives.LSN((index + 1) * storage.EffectivePageSize)
			continue
		}
		page, err := it.lm.bm.FetchPage(it.lm.logPage(index))
		if err != nil {
			return nil, err
		}
		size := int(binary.BigEndian.Uint16(page.Read(offset, frameOverhead)))
		if size == 0 {
			page.Unpin()
			it.cur = primitives.LSN((index + 1) * storage.EffectivePageSize)
			continue
		}
		payload := page.Read(offset+frameOverhead, size)
		page.Unpin()
		r, err := record.Deserialize(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "at LSN %d", it.cur)
		}
		r.LSN = it.cur
		it.cur += primitives.LSN(frameOverhead + size)
		return r, nil
	}
}
