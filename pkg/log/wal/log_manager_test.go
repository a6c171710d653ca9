package wal

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sable/pkg/log/record"
	"sable/pkg/primitives"
	"sable/pkg/storage"
)

func newTestLog(t *testing.T) (*LogManager, *storage.BufferPool, *storage.MemDiskManager) {
	t.Helper()
	dm := storage.NewMemDiskManager()
	pool := storage.NewBufferPool(dm)
	lm, err := NewLogManager(pool, dm, zap.NewNop())
	require.NoError(t, err)
	return lm, pool, dm
}

func TestAppendAssignsMonotonicLSNs(t *testing.T) {
	lm, _, _ := newTestLog(t)

	var last primitives.LSN
	for i := 0; i < 10; i++ {
		lsn, err := lm.AppendToLog(record.NewCommitTransaction(1, last))
		require.NoError(t, err)
		assert.Greater(t, lsn, last)
		last = lsn
	}
	assert.GreaterOrEqual(t, last, primitives.LSN(storage.EffectivePageSize),
		"records start past the master page")
}

func TestFetchLogRecord(t *testing.T) {
	lm, _, _ := newTestLog(t)

	lsn1, err := lm.AppendToLog(record.NewAllocPart(1, 0, 2))
	require.NoError(t, err)
	lsn2, err := lm.AppendToLog(record.NewCommitTransaction(1, lsn1))
	require.NoError(t, err)

	r, err := lm.FetchLogRecord(lsn2)
	require.NoError(t, err)
	assert.Equal(t, record.TypeCommitTransaction, r.Type)
	assert.Equal(t, lsn1, r.PrevLSN)
	assert.Equal(t, lsn2, r.LSN)

	_, err = lm.FetchLogRecord(lsn2 + 1)
	assert.Error(t, err)
}

func TestScanFrom(t *testing.T) {
	lm, _, _ := newTestLog(t)

	var lsns []primitives.LSN
	for i := 0; i < 5; i++ {
		lsn, err := lm.AppendToLog(record.NewAllocPart(1, 0, primitives.PartitionNumber(i+1)))
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}

	iter := lm.ScanFrom(lsns[2])
	for want := 2; want < 5; want++ {
		r, err := iter.Next()
		require.NoError(t, err)
		assert.Equal(t, lsns[want], r.LSN)
	}
	_, err := iter.Next()
	assert.Equal(t, io.EOF, err)
}

func TestRecordsNeverSpanPages(t *testing.T) {
	lm, _, _ := newTestLog(t)

	// Large updates force page turnover.
	img := bytes.Repeat([]byte{0xab}, storage.EffectivePageSize/2-64)
	var lsns []primitives.LSN
	for i := 0; i < 6; i++ {
		lsn, err := lm.AppendToLog(record.NewUpdatePage(1, 0, 10001, 0, nil, img))
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}

	for _, lsn := range lsns {
		start := int64(lsn) / storage.EffectivePageSize
		r, err := lm.FetchLogRecord(lsn)
		require.NoError(t, err)
		data, err := record.Serialize(r)
		require.NoError(t, err)
		end := (int64(lsn) + int64(len(data)) + 1) / storage.EffectivePageSize
		assert.Equal(t, start, end, "record at LSN %d spans pages", lsn)
	}

	// The scan sees every record despite the page-end padding.
	iter := lm.ScanFrom(0)
	count := 0
	for {
		_, err := iter.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, len(lsns), count)
}

func TestFlushToLSNCoversWholeRecords(t *testing.T) {
	lm, _, _ := newTestLog(t)

	lsn, err := lm.AppendToLog(record.NewCommitTransaction(1, 0))
	require.NoError(t, err)
	require.NoError(t, lm.FlushToLSN(lsn))
	flushed := lm.FlushedLSN()
	assert.Greater(t, flushed, lsn, "the record is durable in full")
	assert.LessOrEqual(t, flushed, lm.TailLSN(), "the watermark never runs ahead of the tail")

	// Flushing below the watermark is a no-op.
	require.NoError(t, lm.FlushToLSN(lsn))
	assert.Equal(t, flushed, lm.FlushedLSN())
}

// A page that gains records after being flushed must be flushed again:
// the watermark may not silently cover the new tail.
func TestFlushToLSNReflushesSharedPage(t *testing.T) {
	lm, pool, dm := newTestLog(t)

	lsn1, err := lm.AppendToLog(record.NewAllocPart(1, 0, 2))
	require.NoError(t, err)
	require.NoError(t, lm.FlushToLSN(lsn1))

	// Two more records land on the same page.
	lsn2, err := lm.AppendToLog(record.NewUpdatePage(1, lsn1, 10001, 0, nil, []byte("abcd")))
	require.NoError(t, err)
	lsn3, err := lm.AppendToLog(record.NewCommitTransaction(1, lsn2))
	require.NoError(t, err)
	assert.Equal(t, int64(lsn1)/storage.EffectivePageSize, int64(lsn3)/storage.EffectivePageSize,
		"records share a page")

	require.NoError(t, lm.FlushToLSN(lsn3))
	assert.Greater(t, lm.FlushedLSN(), lsn3)

	// Crash: everything flushed must still be readable.
	pool.EvictAll()
	lm2, err := NewLogManager(pool, dm, zap.NewNop())
	require.NoError(t, err)
	r, err := lm2.FetchLogRecord(lsn3)
	require.NoError(t, err)
	assert.Equal(t, record.TypeCommitTransaction, r.Type)
}

func TestMasterRecordRewrite(t *testing.T) {
	lm, _, _ := newTestLog(t)

	m, err := lm.FetchMasterRecord()
	require.NoError(t, err)
	assert.Equal(t, primitives.LSN(0), m.LastCheckpointLSN, "fresh log has a zeroed master")

	require.NoError(t, lm.RewriteMasterRecord(record.NewMaster(8192)))
	require.NoError(t, lm.RewriteMasterRecord(record.NewMaster(12288)))

	m, err = lm.FetchMasterRecord()
	require.NoError(t, err)
	assert.Equal(t, primitives.LSN(12288), m.LastCheckpointLSN)

	err = lm.RewriteMasterRecord(record.NewCommitTransaction(1, 0))
	assert.Error(t, err)
}

func TestTailSurvivesReopen(t *testing.T) {
	lm, pool, dm := newTestLog(t)

	var last primitives.LSN
	for i := 0; i < 20; i++ {
		lsn, err := lm.AppendToLog(record.NewAllocPart(1, last, 3))
		require.NoError(t, err)
		last = lsn
	}
	require.NoError(t, lm.FlushToLSN(last))
	tail := lm.TailLSN()

	// Crash: drop the cache, reopen the log over the same disk.
	pool.EvictAll()
	lm2, err := NewLogManager(pool, dm, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, tail, lm2.TailLSN())

	lsn, err := lm2.AppendToLog(record.NewCommitTransaction(1, last))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, lsn, tail)
}

func TestUnflushedTailLostOnCrash(t *testing.T) {
	lm, pool, dm := newTestLog(t)

	lsn1, err := lm.AppendToLog(record.NewAllocPart(1, 0, 2))
	require.NoError(t, err)
	require.NoError(t, lm.FlushToLSN(lsn1))

	// Appended but never flushed: gone after the crash.
	bigImg := bytes.Repeat([]byte{1}, storage.EffectivePageSize/2-64)
	for i := 0; i < 4; i++ {
		_, err = lm.AppendToLog(record.NewUpdatePage(1, lsn1, 10001, 0, nil, bigImg))
		require.NoError(t, err)
	}

	pool.EvictAll()
	lm2, err := NewLogManager(pool, dm, zap.NewNop())
	require.NoError(t, err)
	assert.Less(t, lm2.TailLSN(), lm.TailLSN())
}
