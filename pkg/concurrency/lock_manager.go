package concurrency

import (
	"sync"

	"github.com/cockroachdb/errors"

	"sable/pkg/primitives"
	"sable/pkg/transaction"
)

// Lock is a granted lock: a resource, a mode, and the transaction holding
// it.
type Lock struct {
	Name     ResourceName
	Mode     LockMode
	TransNum primitives.TransactionID
}

// lockRequest is a queued request. While queued, the owning transaction
// is blocked. release lists resources to let go of atomically once the
// request is granted (acquire-and-release semantics).
type lockRequest struct {
	txn     transaction.Transaction
	lock    *Lock
	release []ResourceName
}

// resourceEntry holds the granted locks and the FIFO wait queue of one
// resource. Invariant: all granted locks are pairwise compatible except
// where the conflicting pair shares a transaction.
type resourceEntry struct {
	lm      *LockManager
	name    ResourceName
	granted []*Lock
	queue   []*lockRequest
}

// LockManager is the flat lock table under the context tree: per-resource
// granted lists plus FIFO wait queues, guarded by a single coarse
// monitor. Multigranularity constraints live one layer up in
// LockContext; the manager itself treats resource names as opaque.
//
// Queue policy is strict FIFO with head-of-line blocking: once the head
// request cannot be granted, no later request is considered. Promotions
// and blocked acquire-and-release requests go to the front of the queue,
// reflecting that the transaction already holds a lock on the resource.
type LockManager struct {
	mu       sync.Mutex
	entries  map[string]*resourceEntry
	txnLocks map[primitives.TransactionID][]*Lock
}

// NewLockManager returns an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{
		entries:  make(map[string]*resourceEntry),
		txnLocks: make(map[primitives.TransactionID][]*Lock),
	}
}

func (lm *LockManager) entry(name ResourceName) *resourceEntry {
	key := name.String()
	e, ok := lm.entries[key]
	if !ok {
		e = &resourceEntry{lm: lm, name: name}
		lm.entries[key] = e
	}
	return e
}

// lockFor returns the transaction's granted lock on this resource, or
// nil.
func (e *resourceEntry) lockFor(transNum primitives.TransactionID) *Lock {
	for _, l := range e.granted {
		if l.TransNum == transNum {
			return l
		}
	}
	return nil
}

// checkCompatible reports whether a lock in the given mode could coexist
// with every granted lock held by a transaction other than except.
func (e *resourceEntry) checkCompatible(mode LockMode, except primitives.TransactionID) bool {
	for _, l := range e.granted {
		if l.TransNum == except {
			continue
		}
		if !Compatible(l.Mode, mode) {
			return false
		}
	}
	return true
}

// grantOrUpdate installs the lock. If the transaction already holds a
// lock on this resource the mode is replaced in place, preserving the
// lock's position in the transaction's acquisition order.
func (e *resourceEntry) grantOrUpdate(lock *Lock) {
	if held := e.lockFor(lock.TransNum); held != nil {
		held.Mode = lock.Mode
		return
	}
	e.granted = append(e.granted, lock)
	e.lm.txnLocks[lock.TransNum] = append(e.lm.txnLocks[lock.TransNum], lock)
}

// removeLock drops the transaction's granted lock from this entry and
// from the transaction's lock list. The caller drains the queue.
func (e *resourceEntry) removeLock(lock *Lock) {
	for i, l := range e.granted {
		if l == lock {
			e.granted = append(e.granted[:i], e.granted[i+1:]...)
			break
		}
	}
	locks := e.lm.txnLocks[lock.TransNum]
	for i, l := range locks {
		if l == lock {
			e.lm.txnLocks[lock.TransNum] = append(locks[:i], locks[i+1:]...)
			break
		}
	}
}

// processQueue drains the wait queue head-to-tail, granting every request
// compatible with the remaining granted locks and stopping at the first
// that is not. Granting a request also releases the resources on its
// release list and unblocks its transaction.
func (e *resourceEntry) processQueue() {
	for len(e.queue) > 0 {
		req := e.queue[0]
		if !e.checkCompatible(req.lock.Mode, req.lock.TransNum) {
			return
		}
		e.queue = e.queue[1:]
		e.grantOrUpdate(req.lock)
		for _, name := range req.release {
			if name.Equals(e.name) {
				continue
			}
			e.lm.releaseLocked(req.lock.TransNum, name)
		}
		req.txn.Unblock()
	}
}

// releaseLocked removes the transaction's lock on name and drains the
// queue. Caller holds lm.mu; the lock must exist.
func (lm *LockManager) releaseLocked(transNum primitives.TransactionID, name ResourceName) {
	e := lm.entry(name)
	if lock := e.lockFor(transNum); lock != nil {
		e.removeLock(lock)
		e.processQueue()
	}
}

// Acquire takes a lock on name in the given mode on behalf of txn,
// blocking until the request is granted. It returns
// ErrDuplicateLockRequest if the transaction already holds a lock on
// name. The request queues (at the back) if it conflicts with another
// transaction's lock or if the wait queue is non-empty.
func (lm *LockManager) Acquire(txn transaction.Transaction, name ResourceName, mode LockMode) error {
	lm.mu.Lock()
	e := lm.entry(name)
	transNum := txn.TransNum()
	if e.lockFor(transNum) != nil {
		lm.mu.Unlock()
		return errors.Wrapf(ErrDuplicateLockRequest, "transaction %d already holds a lock on %s", transNum, name)
	}
	lock := &Lock{Name: name, Mode: mode, TransNum: transNum}
	shouldBlock := len(e.queue) > 0 || !e.checkCompatible(mode, transNum)
	if shouldBlock {
		txn.PrepareBlock()
		e.queue = append(e.queue, &lockRequest{txn: txn, lock: lock})
	} else {
		e.grantOrUpdate(lock)
	}
	lm.mu.Unlock()

	if shouldBlock {
		txn.Block()
	}
	return nil
}

// Release drops txn's lock on name and drains the resource's wait queue.
func (lm *LockManager) Release(txn transaction.Transaction, name ResourceName) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	e := lm.entry(name)
	transNum := txn.TransNum()
	lock := e.lockFor(transNum)
	if lock == nil {
		return errors.Wrapf(ErrNoLockHeld, "transaction %d holds no lock on %s", transNum, name)
	}
	e.removeLock(lock)
	e.processQueue()
	return nil
}

// AcquireAndRelease atomically acquires (or replaces) a lock on name and
// releases every lock named in releaseNames. The new lock keeps its
// position in the transaction's acquisition order when it replaces an
// existing one. If the new lock conflicts with another transaction's
// lock, the request goes to the front of name's queue and the releases
// are deferred until it is granted.
func (lm *LockManager) AcquireAndRelease(txn transaction.Transaction, name ResourceName, mode LockMode, releaseNames []ResourceName) error {
	lm.mu.Lock()
	transNum := txn.TransNum()

	for _, rn := range releaseNames {
		if lm.entry(rn).lockFor(transNum) == nil {
			lm.mu.Unlock()
			return errors.Wrapf(ErrNoLockHeld, "transaction %d holds no lock on %s", transNum, rn)
		}
	}
	e := lm.entry(name)
	if e.lockFor(transNum) != nil {
		implied := false
		for _, rn := range releaseNames {
			if rn.Equals(name) {
				implied = true
				break
			}
		}
		if !implied {
			lm.mu.Unlock()
			return errors.Wrapf(ErrDuplicateLockRequest, "transaction %d already holds a lock on %s", transNum, name)
		}
	}

	lock := &Lock{Name: name, Mode: mode, TransNum: transNum}
	shouldBlock := !e.checkCompatible(mode, transNum)
	if shouldBlock {
		txn.PrepareBlock()
		req := &lockRequest{txn: txn, lock: lock, release: releaseNames}
		e.queue = append([]*lockRequest{req}, e.queue...)
	} else {
		e.grantOrUpdate(lock)
		for _, rn := range releaseNames {
			if rn.Equals(name) {
				continue
			}
			lm.releaseLocked(transNum, rn)
		}
	}
	lm.mu.Unlock()

	if shouldBlock {
		txn.Block()
	}
	return nil
}

// Promote replaces txn's lock on name with newMode, which must strictly
// substitute for the held mode. The held lock keeps its acquisition
// order. If the promotion conflicts with another transaction's lock, the
// request goes to the front of the queue.
func (lm *LockManager) Promote(txn transaction.Transaction, name ResourceName, newMode LockMode) error {
	lm.mu.Lock()
	e := lm.entry(name)
	transNum := txn.TransNum()
	lock := e.lockFor(transNum)
	if lock == nil {
		lm.mu.Unlock()
		return errors.Wrapf(ErrNoLockHeld, "transaction %d holds no lock on %s", transNum, name)
	}
	if lock.Mode == newMode {
		lm.mu.Unlock()
		return errors.Wrapf(ErrDuplicateLockRequest, "transaction %d already holds %s on %s", transNum, newMode, name)
	}
	if !Substitutes(newMode, lock.Mode) {
		lm.mu.Unlock()
		return errors.Wrapf(ErrInvalidLock, "%s does not substitute for %s on %s", newMode, lock.Mode, name)
	}

	promoted := &Lock{Name: name, Mode: newMode, TransNum: transNum}
	shouldBlock := !e.checkCompatible(newMode, transNum)
	if shouldBlock {
		txn.PrepareBlock()
		req := &lockRequest{txn: txn, lock: promoted}
		e.queue = append([]*lockRequest{req}, e.queue...)
	} else {
		e.grantOrUpdate(promoted)
	}
	lm.mu.Unlock()

	if shouldBlock {
		txn.Block()
	}
	return nil
}

// GetLockMode returns the mode of txn's lock on name, or NL.
func (lm *LockManager) GetLockMode(transNum primitives.TransactionID, name ResourceName) LockMode {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lock := lm.entry(name).lockFor(transNum); lock != nil {
		return lock.Mode
	}
	return ModeNL
}

// GetLocks returns the locks held by a transaction, in acquisition
// order.
func (lm *LockManager) GetLocks(transNum primitives.TransactionID) []Lock {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	locks := lm.txnLocks[transNum]
	out := make([]Lock, len(locks))
	for i, l := range locks {
		out[i] = *l
	}
	return out
}

// GetLocksOn returns the granted locks on a resource.
func (lm *LockManager) GetLocksOn(name ResourceName) []Lock {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	granted := lm.entry(name).granted
	out := make([]Lock, len(granted))
	for i, l := range granted {
		out[i] = *l
	}
	return out
}

// ReleaseAll drops every lock a transaction holds, draining each affected
// queue. Descendant locks go first so multigranularity constraints never
// observe an orphaned child.
func (lm *LockManager) ReleaseAll(txn transaction.Transaction) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	transNum := txn.TransNum()
	locks := lm.txnLocks[transNum]
	names := make([]ResourceName, len(locks))
	for i, l := range locks {
		names[i] = l.Name
	}
	// Deepest resources first.
	for i := len(names) - 1; i >= 0; i-- {
		lm.releaseLocked(transNum, names[i])
	}
	delete(lm.txnLocks, transNum)
}
