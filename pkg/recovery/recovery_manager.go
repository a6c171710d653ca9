// Package recovery implements ARIES crash recovery: write-ahead logging
// of forward progress, fuzzy checkpointing, and the three-pass restart
// (analysis, redo, undo) that brings the database back to a
// transaction-consistent state.
package recovery

import (
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"sable/pkg/log/record"
	"sable/pkg/log/wal"
	"sable/pkg/primitives"
	"sable/pkg/storage"
	"sable/pkg/transaction"
)

// TransactionTableEntry is one row of the in-memory transaction table:
// the live handle, the LSN of the transaction's most recent log record,
// and its savepoints.
type TransactionTableEntry struct {
	Txn        transaction.Transaction
	LastLSN    primitives.LSN
	Savepoints map[string]primitives.LSN
}

// RecoveryManager ties the log manager to the dirty page table and the
// transaction table. Every forward-processing hook appends a log record
// and keeps both tables current; Restart rebuilds them from the log
// after a crash.
//
// Writes to both tables happen under the manager's monitor. Restart runs
// single-threaded: it holds the monitor for its whole duration, so no
// transaction can make forward progress until recovery completes.
type RecoveryManager struct {
	mu     sync.Mutex
	log    *wal.LogManager
	bm     storage.BufferManager
	dsm    storage.DiskSpaceManager
	logger *zap.Logger

	dirtyPageTable map[primitives.PageNumber]primitives.LSN
	txnTable       map[primitives.TransactionID]*TransactionTableEntry

	// newTransaction mints handles for transactions discovered during
	// restart analysis.
	newTransaction func(primitives.TransactionID) transaction.Transaction
}

// NewRecoveryManager wires the recovery manager to its collaborators.
// newTransaction mints a Running handle for a given transaction number;
// restart uses it to re-create the transactions it must roll back.
func NewRecoveryManager(
	log *wal.LogManager,
	bm storage.BufferManager,
	dsm storage.DiskSpaceManager,
	newTransaction func(primitives.TransactionID) transaction.Transaction,
	logger *zap.Logger,
) *RecoveryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryManager{
		log:            log,
		bm:             bm,
		dsm:            dsm,
		logger:         logger,
		dirtyPageTable: make(map[primitives.PageNumber]primitives.LSN),
		txnTable:       make(map[primitives.TransactionID]*TransactionTableEntry),
		newTransaction: newTransaction,
	}
}

// StartTransaction registers a new transaction in the transaction table.
func (rm *RecoveryManager) StartTransaction(txn transaction.Transaction) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.txnTable[txn.TransNum()] = &TransactionTableEntry{
		Txn:        txn,
		Savepoints: make(map[string]primitives.LSN),
	}
}

func (rm *RecoveryManager) entryLocked(transNum primitives.TransactionID) (*TransactionTableEntry, error) {
	entry, ok := rm.txnTable[transNum]
	if !ok {
		return nil, errors.Newf("transaction %d not in transaction table", transNum)
	}
	return entry, nil
}

// Commit appends a commit record, flushes the log through it, and moves
// the transaction to Committing. Returns the commit record's LSN.
func (rm *RecoveryManager) Commit(transNum primitives.TransactionID) (primitives.LSN, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	entry, err := rm.entryLocked(transNum)
	if err != nil {
		return 0, err
	}
	lsn, err := rm.log.AppendToLog(record.NewCommitTransaction(transNum, entry.LastLSN))
	if err != nil {
		return 0, err
	}
	if err := rm.log.FlushToLSN(lsn); err != nil {
		return 0, err
	}
	entry.LastLSN = lsn
	entry.Txn.SetStatus(transaction.Committing)
	return lsn, nil
}

// Abort appends an abort record and moves the transaction to Aborting.
// The rollback itself happens when the transaction ends.
func (rm *RecoveryManager) Abort(transNum primitives.TransactionID) (primitives.LSN, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	entry, err := rm.entryLocked(transNum)
	if err != nil {
		return 0, err
	}
	lsn, err := rm.log.AppendToLog(record.NewAbortTransaction(transNum, entry.LastLSN))
	if err != nil {
		return 0, err
	}
	entry.LastLSN = lsn
	entry.Txn.SetStatus(transaction.Aborting)
	return lsn, nil
}

// End finishes a transaction: an aborting transaction is first rolled
// back to the beginning of its log chain, then the end record is
// appended, the handle cleaned up, and the table row removed.
func (rm *RecoveryManager) End(transNum primitives.TransactionID) (primitives.LSN, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	entry, err := rm.entryLocked(transNum)
	if err != nil {
		return 0, err
	}
	status := entry.Txn.Status()
	if status == transaction.Aborting || status == transaction.RecoveryAborting {
		if err := rm.rollbackToLSN(entry, primitives.NilLSN); err != nil {
			return 0, err
		}
	}
	lsn, err := rm.log.AppendToLog(record.NewEndTransaction(transNum, entry.LastLSN))
	if err != nil {
		return 0, err
	}
	entry.LastLSN = lsn
	entry.Txn.Cleanup()
	entry.Txn.SetStatus(transaction.Complete)
	delete(rm.txnTable, transNum)
	return lsn, nil
}

// LogPageWrite appends an update record for a data-page write. The page
// joins the dirty page table if it is not already there. Before and
// after images are bounded to half a page.
func (rm *RecoveryManager) LogPageWrite(transNum primitives.TransactionID, pageNum primitives.PageNumber, offset uint16, before, after []byte) (primitives.LSN, error) {
	if primitives.PartitionOf(pageNum) == primitives.LogPartition {
		return 0, errors.Newf("page %d belongs to the log partition", pageNum)
	}
	if len(before) > storage.EffectivePageSize/2 || len(after) > storage.EffectivePageSize/2 {
		return 0, errors.Newf("page-write images exceed %d bytes", storage.EffectivePageSize/2)
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	entry, err := rm.entryLocked(transNum)
	if err != nil {
		return 0, err
	}
	lsn, err := rm.log.AppendToLog(record.NewUpdatePage(transNum, entry.LastLSN, pageNum, offset, before, after))
	if err != nil {
		return 0, err
	}
	entry.LastLSN = lsn
	if _, ok := rm.dirtyPageTable[pageNum]; !ok {
		rm.dirtyPageTable[pageNum] = lsn
	}
	return lsn, nil
}

// logSpace appends a space-allocation record and flushes the log through
// it; allocation changes are visible on disk as soon as they happen.
func (rm *RecoveryManager) logSpace(transNum primitives.TransactionID, rec *record.LogRecord) (primitives.LSN, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	entry, err := rm.entryLocked(transNum)
	if err != nil {
		return 0, err
	}
	rec.PrevLSN = entry.LastLSN
	lsn, err := rm.log.AppendToLog(rec)
	if err != nil {
		return 0, err
	}
	if err := rm.log.FlushToLSN(lsn); err != nil {
		return 0, err
	}
	entry.LastLSN = lsn
	return lsn, nil
}

// LogAllocPart logs a partition allocation. Partition 0 belongs to the
// log itself and is never logged; such calls return -1 and do nothing.
func (rm *RecoveryManager) LogAllocPart(transNum primitives.TransactionID, partNum primitives.PartitionNumber) (primitives.LSN, error) {
	if partNum == primitives.LogPartition {
		return -1, nil
	}
	return rm.logSpace(transNum, record.NewAllocPart(transNum, 0, partNum))
}

// LogFreePart logs a partition free. Returns -1 for the log partition.
func (rm *RecoveryManager) LogFreePart(transNum primitives.TransactionID, partNum primitives.PartitionNumber) (primitives.LSN, error) {
	if partNum == primitives.LogPartition {
		return -1, nil
	}
	return rm.logSpace(transNum, record.NewFreePart(transNum, 0, partNum))
}

// LogAllocPage logs a page allocation. Returns -1 for log-partition
// pages.
func (rm *RecoveryManager) LogAllocPage(transNum primitives.TransactionID, pageNum primitives.PageNumber) (primitives.LSN, error) {
	if primitives.PartitionOf(pageNum) == primitives.LogPartition {
		return -1, nil
	}
	return rm.logSpace(transNum, record.NewAllocPage(transNum, 0, pageNum))
}

// LogFreePage logs a page free and drops the page from the dirty page
// table; the free is flushed, so the page's disk state is current.
// Returns -1 for log-partition pages.
func (rm *RecoveryManager) LogFreePage(transNum primitives.TransactionID, pageNum primitives.PageNumber) (primitives.LSN, error) {
	if primitives.PartitionOf(pageNum) == primitives.LogPartition {
		return -1, nil
	}
	lsn, err := rm.logSpace(transNum, record.NewFreePage(transNum, 0, pageNum))
	if err != nil {
		return 0, err
	}
	rm.mu.Lock()
	delete(rm.dirtyPageTable, pageNum)
	rm.mu.Unlock()
	return lsn, nil
}

// Savepoint records the transaction's current last LSN under the given
// name.
func (rm *RecoveryManager) Savepoint(transNum primitives.TransactionID, name string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	entry, err := rm.entryLocked(transNum)
	if err != nil {
		return err
	}
	entry.Savepoints[name] = entry.LastLSN
	return nil
}

// ReleaseSavepoint forgets a savepoint.
func (rm *RecoveryManager) ReleaseSavepoint(transNum primitives.TransactionID, name string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	entry, err := rm.entryLocked(transNum)
	if err != nil {
		return err
	}
	delete(entry.Savepoints, name)
	return nil
}

// RollbackToSavepoint undoes the transaction's work past the named
// savepoint, emitting compensation records as it goes.
func (rm *RecoveryManager) RollbackToSavepoint(transNum primitives.TransactionID, name string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	entry, err := rm.entryLocked(transNum)
	if err != nil {
		return err
	}
	target, ok := entry.Savepoints[name]
	if !ok {
		return errors.Newf("transaction %d has no savepoint %q", transNum, name)
	}
	return rm.rollbackToLSN(entry, target)
}

// rollbackToLSN walks the transaction's log chain backward from its last
// LSN, undoing every undoable record with LSN above the target: for each
// one it appends a compensation record and applies it against disk.
// Already-compensated work is skipped via undoNextLSN. Caller holds
// rm.mu.
func (rm *RecoveryManager) rollbackToLSN(entry *TransactionTableEntry, target primitives.LSN) error {
	cur := entry.LastLSN
	for cur > target && cur > primitives.NilLSN {
		rec, err := rm.log.FetchLogRecord(cur)
		if err != nil {
			return errors.Wrapf(err, "rolling back transaction %d", entry.Txn.TransNum())
		}
		if rec.IsUndoable() {
			clr, err := rec.Undo(entry.LastLSN)
			if err != nil {
				return err
			}
			lsn, err := rm.log.AppendToLog(clr)
			if err != nil {
				return err
			}
			entry.LastLSN = lsn
			if clr.Type == record.TypeUndoUpdatePage {
				if _, ok := rm.dirtyPageTable[clr.PageNum]; !ok {
					rm.dirtyPageTable[clr.PageNum] = lsn
				}
			}
			if err := clr.Redo(rm.dsm, rm.bm); err != nil {
				return errors.Wrapf(err, "applying CLR at LSN %d", lsn)
			}
		}
		if rec.IsCLR() {
			cur = rec.UndoNextLSN
		} else {
			cur = rec.PrevLSN
		}
	}
	return nil
}

// Checkpoint takes a fuzzy checkpoint: a begin record, the dirty page
// table and transaction table snapshotted into as many end records as
// they need, a flush through the last of them, and finally the master
// record repointed at the begin record.
func (rm *RecoveryManager) Checkpoint() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.checkpointLocked()
}

func (rm *RecoveryManager) checkpointLocked() error {
	beginLSN, err := rm.log.AppendToLog(record.NewBeginCheckpoint())
	if err != nil {
		return errors.Wrap(err, "appending begin checkpoint")
	}

	chunkDPT := make(map[primitives.PageNumber]primitives.LSN)
	chunkTxn := make(map[primitives.TransactionID]record.CheckpointTxnEntry)
	var lastLSN primitives.LSN
	emit := func() error {
		lsn, err := rm.log.AppendToLog(record.NewEndCheckpoint(chunkDPT, chunkTxn))
		if err != nil {
			return errors.Wrap(err, "appending end checkpoint")
		}
		lastLSN = lsn
		chunkDPT = make(map[primitives.PageNumber]primitives.LSN)
		chunkTxn = make(map[primitives.TransactionID]record.CheckpointTxnEntry)
		return nil
	}

	for pageNum, recLSN := range rm.dirtyPageTable {
		if !record.EndCheckpointFits(len(chunkDPT)+1, len(chunkTxn)) {
			if err := emit(); err != nil {
				return err
			}
		}
		chunkDPT[pageNum] = recLSN
	}
	for transNum, entry := range rm.txnTable {
		if !record.EndCheckpointFits(len(chunkDPT), len(chunkTxn)+1) {
			if err := emit(); err != nil {
				return err
			}
		}
		chunkTxn[transNum] = record.CheckpointTxnEntry{
			Status:  entry.Txn.Status(),
			LastLSN: entry.LastLSN,
		}
	}
	if err := emit(); err != nil {
		return err
	}

	if err := rm.log.FlushToLSN(lastLSN); err != nil {
		return errors.Wrap(err, "flushing checkpoint")
	}
	if err := rm.log.RewriteMasterRecord(record.NewMaster(beginLSN)); err != nil {
		return errors.Wrap(err, "rewriting master record")
	}
	rm.logger.Info("checkpoint complete",
		zap.Int64("beginLSN", int64(beginLSN)),
		zap.Int("dirtyPages", len(rm.dirtyPageTable)),
		zap.Int("transactions", len(rm.txnTable)))
	return nil
}

// DirtyPageTable returns a copy of the dirty page table.
func (rm *RecoveryManager) DirtyPageTable() map[primitives.PageNumber]primitives.LSN {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make(map[primitives.PageNumber]primitives.LSN, len(rm.dirtyPageTable))
	for k, v := range rm.dirtyPageTable {
		out[k] = v
	}
	return out
}

// TransactionTable returns a copy of the transaction table rows.
func (rm *RecoveryManager) TransactionTable() map[primitives.TransactionID]TransactionTableEntry {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make(map[primitives.TransactionID]TransactionTableEntry, len(rm.txnTable))
	for k, v := range rm.txnTable {
		out[k] = *v
	}
	return out
}
