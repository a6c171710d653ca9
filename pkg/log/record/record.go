// Package record defines the tagged log-record type written to the
// write-ahead log: transaction status changes, page updates, space
// allocation, checkpoints, the master record, and the compensation
// records emitted during rollback.
package record

import (
	"github.com/cockroachdb/errors"

	"sable/pkg/primitives"
	"sable/pkg/storage"
	"sable/pkg/transaction"
)

// Type tags a log record variant.
type Type uint8

const (
	// TypeMaster is the record at LSN 0 pointing at the last successful
	// checkpoint. It is rewritten in place, never appended.
	TypeMaster Type = iota + 1

	TypeAllocPart
	TypeUndoAllocPart
	TypeFreePart
	TypeUndoFreePart
	TypeAllocPage
	TypeUndoAllocPage
	TypeFreePage
	TypeUndoFreePage

	TypeCommitTransaction
	TypeAbortTransaction
	TypeEndTransaction

	TypeBeginCheckpoint
	TypeEndCheckpoint

	TypeUpdatePage
	TypeUndoUpdatePage
)

func (t Type) String() string {
	switch t {
	case TypeMaster:
		return "MASTER"
	case TypeAllocPart:
		return "ALLOC_PART"
	case TypeUndoAllocPart:
		return "UNDO_ALLOC_PART"
	case TypeFreePart:
		return "FREE_PART"
	case TypeUndoFreePart:
		return "UNDO_FREE_PART"
	case TypeAllocPage:
		return "ALLOC_PAGE"
	case TypeUndoAllocPage:
		return "UNDO_ALLOC_PAGE"
	case TypeFreePage:
		return "FREE_PAGE"
	case TypeUndoFreePage:
		return "UNDO_FREE_PAGE"
	case TypeCommitTransaction:
		return "COMMIT"
	case TypeAbortTransaction:
		return "ABORT"
	case TypeEndTransaction:
		return "END"
	case TypeBeginCheckpoint:
		return "BEGIN_CHECKPOINT"
	case TypeEndCheckpoint:
		return "END_CHECKPOINT"
	case TypeUpdatePage:
		return "UPDATE_PAGE"
	case TypeUndoUpdatePage:
		return "UNDO_UPDATE_PAGE"
	default:
		return "UNKNOWN"
	}
}

// CheckpointTxnEntry is one transaction-table row inside an
// EndCheckpoint snapshot.
type CheckpointTxnEntry struct {
	Status  transaction.Status
	LastLSN primitives.LSN
}

// LogRecord is the closed tagged union of every record variant. Which
// fields are meaningful depends on Type; the Has* predicates tell
// callers what to read. LSN is assigned by the log manager on append.
type LogRecord struct {
	Type Type
	LSN  primitives.LSN

	TransNum primitives.TransactionID
	PrevLSN  primitives.LSN

	// UndoNextLSN is set on compensation records only: the next record of
	// the transaction to undo.
	UndoNextLSN primitives.LSN

	PageNum primitives.PageNumber
	PartNum primitives.PartitionNumber

	// UpdatePage / UndoUpdatePage payload.
	Offset uint16
	Before []byte
	After  []byte

	// EndCheckpoint snapshots.
	DirtyPageTable   map[primitives.PageNumber]primitives.LSN
	TransactionTable map[primitives.TransactionID]CheckpointTxnEntry

	// Master record payload.
	LastCheckpointLSN primitives.LSN
}

// NewMaster returns the master record pointing at the given
// BeginCheckpoint LSN.
func NewMaster(lastCheckpointLSN primitives.LSN) *LogRecord {
	return &LogRecord{Type: TypeMaster, LastCheckpointLSN: lastCheckpointLSN}
}

// NewBeginCheckpoint returns a begin-checkpoint marker.
func NewBeginCheckpoint() *LogRecord {
	return &LogRecord{Type: TypeBeginCheckpoint}
}

// NewEndCheckpoint snapshots a slice of the dirty page table and the
// transaction table. Large tables split across several records; see
// EndCheckpointFits.
func NewEndCheckpoint(dpt map[primitives.PageNumber]primitives.LSN, txns map[primitives.TransactionID]CheckpointTxnEntry) *LogRecord {
	return &LogRecord{Type: TypeEndCheckpoint, DirtyPageTable: dpt, TransactionTable: txns}
}

// NewCommitTransaction marks a transaction committed.
func NewCommitTransaction(transNum primitives.TransactionID, prevLSN primitives.LSN) *LogRecord {
	return &LogRecord{Type: TypeCommitTransaction, TransNum: transNum, PrevLSN: prevLSN}
}

// NewAbortTransaction marks a transaction aborting.
func NewAbortTransaction(transNum primitives.TransactionID, prevLSN primitives.LSN) *LogRecord {
	return &LogRecord{Type: TypeAbortTransaction, TransNum: transNum, PrevLSN: prevLSN}
}

// NewEndTransaction marks a transaction finished.
func NewEndTransaction(transNum primitives.TransactionID, prevLSN primitives.LSN) *LogRecord {
	return &LogRecord{Type: TypeEndTransaction, TransNum: transNum, PrevLSN: prevLSN}
}

// NewUpdatePage records a page write with its before and after images.
func NewUpdatePage(transNum primitives.TransactionID, prevLSN primitives.LSN, pageNum primitives.PageNumber, offset uint16, before, after []byte) *LogRecord {
	return &LogRecord{
		Type:     TypeUpdatePage,
		TransNum: transNum,
		PrevLSN:  prevLSN,
		PageNum:  pageNum,
		Offset:   offset,
		Before:   before,
		After:    after,
	}
}

// NewAllocPart records a partition allocation.
func NewAllocPart(transNum primitives.TransactionID, prevLSN primitives.LSN, partNum primitives.PartitionNumber) *LogRecord {
	return &LogRecord{Type: TypeAllocPart, TransNum: transNum, PrevLSN: prevLSN, PartNum: partNum}
}

// NewFreePart records a partition free.
func NewFreePart(transNum primitives.TransactionID, prevLSN primitives.LSN, partNum primitives.PartitionNumber) *LogRecord {
	return &LogRecord{Type: TypeFreePart, TransNum: transNum, PrevLSN: prevLSN, PartNum: partNum}
}

// NewAllocPage records a page allocation.
func NewAllocPage(transNum primitives.TransactionID, prevLSN primitives.LSN, pageNum primitives.PageNumber) *LogRecord {
	return &LogRecord{Type: TypeAllocPage, TransNum: transNum, PrevLSN: prevLSN, PageNum: pageNum}
}

// NewFreePage records a page free.
func NewFreePage(transNum primitives.TransactionID, prevLSN primitives.LSN, pageNum primitives.PageNumber) *LogRecord {
	return &LogRecord{Type: TypeFreePage, TransNum: transNum, PrevLSN: prevLSN, PageNum: pageNum}
}

// HasTransNum reports whether TransNum is meaningful for this record.
func (r *LogRecord) HasTransNum() bool {
	switch r.Type {
	case TypeMaster, TypeBeginCheckpoint, TypeEndCheckpoint:
		return false
	default:
		return true
	}
}

// HasPageNum reports whether PageNum is meaningful for this record.
func (r *LogRecord) HasPageNum() bool {
	switch r.Type {
	case TypeUpdatePage, TypeUndoUpdatePage, TypeAllocPage, TypeUndoAllocPage, TypeFreePage, TypeUndoFreePage:
		return true
	default:
		return false
	}
}

// IsCLR reports whether this is a compensation record.
func (r *LogRecord) IsCLR() bool {
	switch r.Type {
	case TypeUndoUpdatePage, TypeUndoAllocPart, TypeUndoFreePart, TypeUndoAllocPage, TypeUndoFreePage:
		return true
	default:
		return false
	}
}

// IsRedoable reports whether Redo applies this record against disk.
// Status, checkpoint, and master records carry no redo action.
func (r *LogRecord) IsRedoable() bool {
	switch r.Type {
	case TypeUpdatePage, TypeUndoUpdatePage,
		TypeAllocPart, TypeUndoAllocPart, TypeFreePart, TypeUndoFreePart,
		TypeAllocPage, TypeUndoAllocPage, TypeFreePage, TypeUndoFreePage:
		return true
	default:
		return false
	}
}

// IsUndoable reports whether Undo can build a compensation record for
// this record. Compensation records are never undone.
func (r *LogRecord) IsUndoable() bool {
	switch r.Type {
	case TypeUpdatePage, TypeAllocPart, TypeFreePart, TypeAllocPage, TypeFreePage:
		return true
	default:
		return false
	}
}

// Undo constructs (but does not apply) the compensation record that
// reverses this record. lastLSN becomes the CLR's prevLSN; the CLR's
// undoNextLSN points past this record in the transaction's chain.
func (r *LogRecord) Undo(lastLSN primitives.LSN) (*LogRecord, error) {
	clr := &LogRecord{
		TransNum:    r.TransNum,
		PrevLSN:     lastLSN,
		UndoNextLSN: r.PrevLSN,
	}
	switch r.Type {
	case TypeUpdatePage:
		clr.Type = TypeUndoUpdatePage
		clr.PageNum = r.PageNum
		clr.Offset = r.Offset
		clr.After = r.Before
	case TypeAllocPart:
		clr.Type = TypeUndoAllocPart
		clr.PartNum = r.PartNum
	case TypeFreePart:
		clr.Type = TypeUndoFreePart
		clr.PartNum = r.PartNum
	case TypeAllocPage:
		clr.Type = TypeUndoAllocPage
		clr.PageNum = r.PageNum
	case TypeFreePage:
		clr.Type = TypeUndoFreePage
		clr.PageNum = r.PageNum
	default:
		return nil, errors.Newf("record type %s is not undoable", r.Type)
	}
	return clr, nil
}

// Redo applies the record's effect against the disk space manager and
// the buffer pool. Callers decide whether redo is needed (restart
// compares pageLSNs first); Redo itself applies unconditionally.
func (r *LogRecord) Redo(dsm storage.DiskSpaceManager, bm storage.BufferManager) error {
	switch r.Type {
	case TypeUpdatePage, TypeUndoUpdatePage:
		page, err := bm.FetchPage(r.PageNum)
		if err != nil {
			return errors.Wrapf(err, "redo %s at LSN %d", r.Type, r.LSN)
		}
		defer page.Unpin()
		page.Write(int(r.Offset), r.After)
		page.SetPageLSN(r.LSN)
		return nil
	case TypeAllocPart, TypeUndoFreePart:
		return dsm.AllocPart(r.PartNum)
	case TypeFreePart, TypeUndoAllocPart:
		return dsm.FreePart(r.PartNum)
	case TypeAllocPage, TypeUndoFreePage:
		return dsm.AllocPage(r.PageNum)
	case TypeFreePage, TypeUndoAllocPage:
		return dsm.FreePage(r.PageNum)
	default:
		return errors.Newf("record type %s is not redoable", r.Type)
	}
}
