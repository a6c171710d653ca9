package recovery

import (
	"container/heap"
	"io"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"sable/pkg/log/record"
	"sable/pkg/primitives"
	"sable/pkg/transaction"
)

// RestartStats summarizes what a restart did.
type RestartStats struct {
	RecordsScanned          int
	RedoApplied             int
	CLRsWritten             int
	TransactionsRecovered   int
	TransactionsRolledBack  int
	DirtyPagesAfterAnalysis int
}

// Restart performs crash recovery: analysis rebuilds the dirty page and
// transaction tables from the log, redo replays history from the
// earliest recLSN, the dirty page table is trimmed to what the buffer
// manager actually holds dirty, undo rolls back every transaction that
// was mid-flight at crash time, and a final checkpoint bounds the next
// restart. No transaction may make forward progress until Restart
// returns.
func (rm *RecoveryManager) Restart() (RestartStats, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	var stats RestartStats
	if err := rm.restartAnalysis(&stats); err != nil {
		return stats, errors.Wrap(err, "restart analysis")
	}
	if err := rm.restartRedo(&stats); err != nil {
		return stats, errors.Wrap(err, "restart redo")
	}
	rm.cleanDirtyPageTable()
	if err := rm.restartUndo(&stats); err != nil {
		return stats, errors.Wrap(err, "restart undo")
	}
	if err := rm.checkpointLocked(); err != nil {
		return stats, errors.Wrap(err, "restart checkpoint")
	}
	rm.logger.Info("restart complete",
		zap.Int("recordsScanned", stats.RecordsScanned),
		zap.Int("redoApplied", stats.RedoApplied),
		zap.Int("rolledBack", stats.TransactionsRolledBack))
	return stats, nil
}

// ensureAnalysisEntry returns the transaction-table row for transNum,
// minting a Running handle if analysis has not seen it yet.
func (rm *RecoveryManager) ensureAnalysisEntry(transNum primitives.TransactionID) *TransactionTableEntry {
	if entry, ok := rm.txnTable[transNum]; ok {
		return entry
	}
	entry := &TransactionTableEntry{
		Txn:        rm.newTransaction(transNum),
		Savepoints: make(map[string]primitives.LSN),
	}
	rm.txnTable[transNum] = entry
	return entry
}

func (rm *RecoveryManager) restartAnalysis(stats *RestartStats) error {
	master, err := rm.log.FetchMasterRecord()
	if err != nil {
		return errors.Wrap(err, "reading master record")
	}

	endedTxns := make(map[primitives.TransactionID]bool)
	iter := rm.log.ScanFrom(master.LastCheckpointLSN)
	for {
		rec, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		stats.RecordsScanned++

		if rec.HasTransNum() {
			entry := rm.ensureAnalysisEntry(rec.TransNum)
			if rec.LSN > entry.LastLSN {
				entry.LastLSN = rec.LSN
			}
		}

		switch rec.Type {
		case record.TypeUpdatePage, record.TypeUndoUpdatePage:
			if _, ok := rm.dirtyPageTable[rec.PageNum]; !ok {
				rm.dirtyPageTable[rec.PageNum] = rec.LSN
			}

		case record.TypeFreePage, record.TypeUndoAllocPage:
			// The free was flushed when logged; the disk image is current.
			delete(rm.dirtyPageTable, rec.PageNum)

		case record.TypeCommitTransaction:
			rm.txnTable[rec.TransNum].Txn.SetStatus(transaction.Committing)

		case record.TypeAbortTransaction:
			rm.txnTable[rec.TransNum].Txn.SetStatus(transaction.RecoveryAborting)

		case record.TypeEndTransaction:
			entry := rm.txnTable[rec.TransNum]
			entry.Txn.Cleanup()
			entry.Txn.SetStatus(transaction.Complete)
			delete(rm.txnTable, rec.TransNum)
			endedTxns[rec.TransNum] = true

		case record.TypeEndCheckpoint:
			// Snapshot values override: they reflect state at
			// BeginCheckpoint time, which the scan cannot have passed.
			for pageNum, recLSN := range rec.DirtyPageTable {
				rm.dirtyPageTable[pageNum] = recLSN
			}
			for transNum, snap := range rec.TransactionTable {
				if endedTxns[transNum] {
					continue
				}
				entry := rm.ensureAnalysisEntry(transNum)
				if snap.LastLSN > entry.LastLSN {
					entry.LastLSN = snap.LastLSN
				}
				if entry.Txn.Status() != transaction.Running {
					continue
				}
				switch snap.Status {
				case transaction.Committing:
					entry.Txn.SetStatus(transaction.Committing)
				case transaction.Aborting, transaction.RecoveryAborting:
					entry.Txn.SetStatus(transaction.RecoveryAborting)
				}
			}
		}
	}

	// Settle every surviving transaction: committing transactions finish
	// now; running ones become recovery-aborting with an abort record.
	for transNum, entry := range rm.txnTable {
		switch entry.Txn.Status() {
		case transaction.Committing:
			entry.Txn.Cleanup()
			entry.Txn.SetStatus(transaction.Complete)
			if _, err := rm.log.AppendToLog(record.NewEndTransaction(transNum, entry.LastLSN)); err != nil {
				return err
			}
			delete(rm.txnTable, transNum)

		case transaction.Running:
			entry.Txn.SetStatus(transaction.RecoveryAborting)
			lsn, err := rm.log.AppendToLog(record.NewAbortTransaction(transNum, entry.LastLSN))
			if err != nil {
				return err
			}
			entry.LastLSN = lsn
		}
	}

	stats.TransactionsRecovered = len(rm.txnTable)
	stats.DirtyPagesAfterAnalysis = len(rm.dirtyPageTable)
	return nil
}

func (rm *RecoveryManager) restartRedo(stats *RestartStats) error {
	if len(rm.dirtyPageTable) == 0 {
		return nil
	}
	start := primitives.LSN(-1)
	for _, recLSN := range rm.dirtyPageTable {
		if start < 0 || recLSN < start {
			start = recLSN
		}
	}

	iter := rm.log.ScanFrom(start)
	for {
		rec, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if !rec.IsRedoable() {
			continue
		}

		switch rec.Type {
		case record.TypeAllocPart, record.TypeUndoAllocPart,
			record.TypeFreePart, record.TypeUndoFreePart,
			record.TypeAllocPage, record.TypeUndoFreePage:
			// Space structure must exist before later updates touch it.
			if err := rec.Redo(rm.dsm, rm.bm); err != nil {
				return errors.Wrapf(err, "redoing %s at LSN %d", rec.Type, rec.LSN)
			}
			stats.RedoApplied++

		case record.TypeUpdatePage, record.TypeUndoUpdatePage,
			record.TypeFreePage, record.TypeUndoAllocPage:
			recLSN, dirty := rm.dirtyPageTable[rec.PageNum]
			if !dirty || rec.LSN < recLSN {
				continue
			}
			page, err := rm.bm.FetchPage(rec.PageNum)
			if err != nil {
				// The page may have been freed later in the log; the free
				// will be (or was) replayed on its own.
				continue
			}
			pageLSN := page.PageLSN()
			page.Unpin()
			if pageLSN >= rec.LSN {
				continue
			}
			if err := rec.Redo(rm.dsm, rm.bm); err != nil {
				return errors.Wrapf(err, "redoing %s at LSN %d", rec.Type, rec.LSN)
			}
			stats.RedoApplied++
		}
	}
	return nil
}

// cleanDirtyPageTable drops DPT entries for pages the buffer manager no
// longer holds dirty: pages that were dirtied and written out during the
// crashed session stay in the log-derived table but need no flushing.
func (rm *RecoveryManager) cleanDirtyPageTable() {
	actuallyDirty := make(map[primitives.PageNumber]bool)
	rm.bm.IterPageNums(func(pageNum primitives.PageNumber, dirty bool) {
		if dirty {
			actuallyDirty[pageNum] = true
		}
	})
	for pageNum := range rm.dirtyPageTable {
		if !actuallyDirty[pageNum] {
			delete(rm.dirtyPageTable, pageNum)
		}
	}
}

// undoItem pairs a transaction with the next LSN of its chain to undo.
type undoItem struct {
	lsn      primitives.LSN
	transNum primitives.TransactionID
}

// lsnHeap is a max-heap over undoItems: undo always processes the
// largest outstanding LSN next, across all aborting transactions.
type lsnHeap []undoItem

func (h lsnHeap) Len() int           { return len(h) }
func (h lsnHeap) Less(i, j int) bool { return h[i].lsn > h[j].lsn }
func (h lsnHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *lsnHeap) Push(x any)        { *h = append(*h, x.(undoItem)) }
func (h *lsnHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (rm *RecoveryManager) restartUndo(stats *RestartStats) error {
	h := &lsnHeap{}
	for transNum, entry := range rm.txnTable {
		if entry.Txn.Status() == transaction.RecoveryAborting {
			*h = append(*h, undoItem{lsn: entry.LastLSN, transNum: transNum})
			stats.TransactionsRolledBack++
		}
	}
	heap.Init(h)

	for h.Len() > 0 {
		item := heap.Pop(h).(undoItem)
		entry, ok := rm.txnTable[item.transNum]
		if !ok {
			return errors.Newf("undo reached transaction %d missing from the transaction table", item.transNum)
		}
		rec, err := rm.log.FetchLogRecord(item.lsn)
		if err != nil {
			return errors.Wrapf(err, "undoing transaction %d", item.transNum)
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
			stats.CLRsWritten++
		}

		next := rec.PrevLSN
		if rec.IsCLR() {
			next = rec.UndoNextLSN
		}
		if next == primitives.NilLSN {
			entry.Txn.Cleanup()
			entry.Txn.SetStatus(transaction.Complete)
			if _, err := rm.log.AppendToLog(record.NewEndTransaction(item.transNum, entry.LastLSN)); err != nil {
				return err
			}
			delete(rm.txnTable, item.transNum)
			continue
		}
		heap.Push(h, undoItem{lsn: next, transNum: item.transNum})
	}
	return nil
}
