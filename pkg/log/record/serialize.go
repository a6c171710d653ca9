package record

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"sable/pkg/primitives"
	"sable/pkg/storage"
	"sable/pkg/transaction"
)

// Binary format (big endian). The LSN is not stored: a record's LSN is
// its byte address in the log. Per type:
//
//	MASTER:            [type:1][lastCheckpointLSN:8]
//	BEGIN_CHECKPOINT:  [type:1]
//	END_CHECKPOINT:    [type:1][nDPT:4][nTxn:4]
//	                   nDPT * ([pageNum:8][recLSN:8])
//	                   nTxn * ([transNum:8][status:1][lastLSN:8])
//	COMMIT/ABORT/END:  [type:1][transNum:8][prevLSN:8]
//	*_PART:            [type:1][transNum:8][prevLSN:8][partNum:8]
//	*_PAGE (space):    [type:1][transNum:8][prevLSN:8][pageNum:8]
//	  undo variants append [undoNextLSN:8]
//	UPDATE_PAGE:       [type:1][transNum:8][prevLSN:8][pageNum:8]
//	                   [offset:2][beforeLen:2][afterLen:2][before][after]
//	UNDO_UPDATE_PAGE:  [type:1][transNum:8][prevLSN:8][undoNextLSN:8]
//	                   [pageNum:8][offset:2][afterLen:2][after]

// Serialize encodes the record for appending to the log.
func Serialize(r *LogRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(r.Type))

	put := func(vs ...any) error {
		for _, v := range vs {
			if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
				return err
			}
		}
		return nil
	}

	switch r.Type {
	case TypeMaster:
		if err := put(int64(r.LastCheckpointLSN)); err != nil {
			return nil, err
		}

	case TypeBeginCheckpoint:

	case TypeEndCheckpoint:
		if err := put(uint32(len(r.DirtyPageTable)), uint32(len(r.TransactionTable))); err != nil {
			return nil, err
		}
		for pageNum, recLSN := range r.DirtyPageTable {
			if err := put(int64(pageNum), int64(recLSN)); err != nil {
				return nil, err
			}
		}
		for transNum, entry := range r.TransactionTable {
			if err := put(int64(transNum), uint8(entry.Status), int64(entry.LastLSN)); err != nil {
				return nil, err
			}
		}

	case TypeCommitTransaction, TypeAbortTransaction, TypeEndTransaction:
		if err := put(int64(r.TransNum), int64(r.PrevLSN)); err != nil {
			return nil, err
		}

	case TypeAllocPart, TypeFreePart:
		if err := put(int64(r.TransNum), int64(r.PrevLSN), int64(r.PartNum)); err != nil {
			return nil, err
		}

	case TypeUndoAllocPart, TypeUndoFreePart:
		if err := put(int64(r.TransNum), int64(r.PrevLSN), int64(r.PartNum), int64(r.UndoNextLSN)); err != nil {
			return nil, err
		}

	case TypeAllocPage, TypeFreePage:
		if err := put(int64(r.TransNum), int64(r.PrevLSN), int64(r.PageNum)); err != nil {
			return nil, err
		}

	case TypeUndoAllocPage, TypeUndoFreePage:
		if err := put(int64(r.TransNum), int64(r.PrevLSN), int64(r.PageNum), int64(r.UndoNextLSN)); err != nil {
			return nil, err
		}

	case TypeUpdatePage:
		if err := put(int64(r.TransNum), int64(r.PrevLSN), int64(r.PageNum),
			r.Offset, uint16(len(r.Before)), uint16(len(r.After))); err != nil {
			return nil, err
		}
		buf.Write(r.Before)
		buf.Write(r.After)

	case TypeUndoUpdatePage:
		if err := put(int64(r.TransNum), int64(r.PrevLSN), int64(r.UndoNextLSN),
			int64(r.PageNum), r.Offset, uint16(len(r.After))); err != nil {
			return nil, err
		}
		buf.Write(r.After)

	default:
		return nil, errors.Newf("cannot serialize record type %d", r.Type)
	}
	return buf.Bytes(), nil
}

// Deserialize decodes one record. The caller assigns the LSN from the
// record's position in the log.
func Deserialize(data []byte) (*LogRecord, error) {
	if len(data) == 0 {
		return nil, errors.New("empty log record")
	}
	r := &LogRecord{Type: Type(data[0])}
	buf := bytes.NewReader(data[1:])

	var i64 = func(dst *int64) error { return binary.Read(buf, binary.BigEndian, dst) }
	readLSN := func(dst *primitives.LSN) error {
		var v int64
		if err := i64(&v); err != nil {
			return err
		}
		*dst = primitives.LSN(v)
		return nil
	}
	readTxn := func() error {
		var v int64
		if err := i64(&v); err != nil {
			return err
		}
		r.TransNum = primitives.TransactionID(v)
		return readLSN(&r.PrevLSN)
	}

	var err error
	switch r.Type {
	case TypeMaster:
		err = readLSN(&r.LastCheckpointLSN)

	case TypeBeginCheckpoint:

	case TypeEndCheckpoint:
		var nDPT, nTxn uint32
		if err = binary.Read(buf, binary.BigEndian, &nDPT); err != nil {
			break
		}
		if err = binary.Read(buf, binary.BigEndian, &nTxn); err != nil {
			break
		}
		r.DirtyPageTable = make(map[primitives.PageNumber]primitives.LSN, nDPT)
		r.TransactionTable = make(map[primitives.TransactionID]CheckpointTxnEntry, nTxn)
		for i := uint32(0); i < nDPT; i++ {
			var pageNum, recLSN int64
			if err = i64(&pageNum); err != nil {
				break
			}
			if err = i64(&recLSN); err != nil {
				break
			}
			r.DirtyPageTable[primitives.PageNumber(pageNum)] = primitives.LSN(recLSN)
		}
		if err != nil {
			break
		}
		for i := uint32(0); i < nTxn; i++ {
			var transNum, lastLSN int64
			var status uint8
			if err = i64(&transNum); err != nil {
				break
			}
			if err = binary.Read(buf, binary.BigEndian, &status); err != nil {
				break
			}
			if err = i64(&lastLSN); err != nil {
				break
			}
			r.TransactionTable[primitives.TransactionID(transNum)] = CheckpointTxnEntry{
				Status:  transaction.Status(status),
				LastLSN: primitives.LSN(lastLSN),
			}
		}

	case TypeCommitTransaction, TypeAbortTransaction, TypeEndTransaction:
		err = readTxn()

	case TypeAllocPart, TypeFreePart:
		if err = readTxn(); err != nil {
			break
		}
		var partNum int64
		if err = i64(&partNum); err != nil {
			break
		}
		r.PartNum = primitives.PartitionNumber(partNum)

	case TypeUndoAllocPart, TypeUndoFreePart:
		if err = readTxn(); err != nil {
			break
		}
		var partNum int64
		if err = i64(&partNum); err != nil {
			break
		}
		r.PartNum = primitives.PartitionNumber(partNum)
		err = readLSN(&r.UndoNextLSN)

	case TypeAllocPage, TypeFreePage:
		if err = readTxn(); err != nil {
			break
		}
		var pageNum int64
		if err = i64(&pageNum); err != nil {
			break
		}
		r.PageNum = primitives.PageNumber(pageNum)

	case TypeUndoAllocPage, TypeUndoFreePage:
		if err = readTxn(); err != nil {
			break
		}
		var pageNum int64
		if err = i64(&pageNum); err != nil {
			break
		}
		r.PageNum = primitives.PageNumber(pageNum)
		err = readLSN(&r.UndoNextLSN)

	case TypeUpdatePage:
		if err = readTxn(); err != nil {
			break
		}
		var pageNum int64
		if err = i64(&pageNum); err != nil {
			break
		}
		r.PageNum = primitives.PageNumber(pageNum)
		var beforeLen, afterLen uint16
		if err = binary.Read(buf, binary.BigEndian, &r.Offset); err != nil {
			break
		}
		if err = binary.Read(buf, binary.BigEndian, &beforeLen); err != nil {
			break
		}
		if err = binary.Read(buf, binary.BigEndian, &afterLen); err != nil {
			break
		}
		r.Before = make([]byte, beforeLen)
		if _, err = buf.Read(r.Before); err != nil {
			break
		}
		r.After = make([]byte, afterLen)
		_, err = buf.Read(r.After)

	case TypeUndoUpdatePage:
		if err = readTxn(); err != nil {
			break
		}
		if err = readLSN(&r.UndoNextLSN); err != nil {
			break
		}
		var pageNum int64
		if err = i64(&pageNum); err != nil {
			break
		}
		r.PageNum = primitives.PageNumber(pageNum)
		var afterLen uint16
		if err = binary.Read(buf, binary.BigEndian, &r.Offset); err != nil {
			break
		}
		if err = binary.Read(buf, binary.BigEndian, &afterLen); err != nil {
			break
		}
		r.After = make([]byte, afterLen)
		_, err = buf.Read(r.After)

	default:
		return nil, errors.Newf("unknown log record type %d", r.Type)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "corrupt %s record", r.Type)
	}
	return r, nil
}

const endCheckpointHeaderSize = 1 + 4 + 4
const dptEntrySize = 8 + 8
const txnEntrySize = 8 + 1 + 8

// EndCheckpointFits reports whether an EndCheckpoint record with the
// given table sizes fits on one log page. The checkpoint writer splits
// the snapshot whenever adding another entry would not fit.
func EndCheckpointFits(numDPT, numTxn int) bool {
	size := endCheckpointHeaderSize + numDPT*dptEntrySize + numTxn*txnEntrySize
	return size <= storage.EffectivePageSize-frameOverhead
}

// frameOverhead is the per-record length prefix the log manager writes
// around each serialized record.
const frameOverhead = 2
