package concurrency

import (
	"sync"

	"github.com/cockroachdb/errors"

	"sable/pkg/primitives"
	"sable/pkg/transaction"
)

// LockContext is a node in the tree mirroring the resource hierarchy
// (database, table, page, ...). It layers the multigranularity rules on
// top of the flat LockManager: a child lock needs a sufficient intent
// lock on the parent, and a lock with live descendants cannot be
// released. Contexts also maintain numChildLocks, the per-transaction
// count of locks held on this context's children.
type LockContext struct {
	lm       *LockManager
	parent   *LockContext
	name     ResourceName
	readonly bool

	// childLocksDisabled forbids finer-grain locks below this context
	// (used for indexes and temporary tables); children are created
	// readonly.
	childLocksDisabled bool

	mu            sync.Mutex
	children      map[string]*LockContext
	numChildLocks map[primitives.TransactionID]int
}

// NewRootContext returns the root of a context tree over the given lock
// manager.
func NewRootContext(lm *LockManager, name string) *LockContext {
	return &LockContext{
		lm:            lm,
		name:          NewResourceName(name),
		children:      make(map[string]*LockContext),
		numChildLocks: make(map[primitives.TransactionID]int),
	}
}

// Name returns the full resource name of this context.
func (c *LockContext) Name() ResourceName { return c.name }

// ChildContext returns (lazily creating) the child context for the given
// component. Children of a readonly or child-locks-disabled context are
// readonly.
func (c *LockContext) ChildContext(component string) *LockContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	if child, ok := c.children[component]; ok {
		return child
	}
	child := &LockContext{
		lm:            c.lm,
		parent:        c,
		name:          c.name.Child(component),
		readonly:      c.readonly || c.childLocksDisabled,
		children:      make(map[string]*LockContext),
		numChildLocks: make(map[primitives.TransactionID]int),
	}
	c.children[component] = child
	return child
}

// DisableChildLocks forbids finer-grain locking below this context.
func (c *LockContext) DisableChildLocks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.childLocksDisabled = true
}

// NumChildLocks returns how many locks the transaction holds on this
// context's children.
func (c *LockContext) NumChildLocks(transNum primitives.TransactionID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numChildLocks[transNum]
}

func (c *LockContext) addChildLock(transNum primitives.TransactionID, delta int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.numChildLocks[transNum] + delta
	if n <= 0 {
		delete(c.numChildLocks, transNum)
		return
	}
	c.numChildLocks[transNum] = n
}

func (c *LockContext) zeroChildLocks(transNum primitives.TransactionID) {
	c.mu.Lock()
	delete(c.numChildLocks, transNum)
	children := make([]*LockContext, 0, len(c.children))
	for _, child := range c.children {
		children = append(children, child)
	}
	c.mu.Unlock()
	for _, child := range children {
		child.zeroChildLocks(transNum)
	}
}

// hasSIXAncestor reports whether the transaction holds SIX on any proper
// ancestor of this context.
func (c *LockContext) hasSIXAncestor(transNum primitives.TransactionID) bool {
	for a := c.parent; a != nil; a = a.parent {
		if a.GetExplicitLockType(transNum) == ModeSIX {
			return true
		}
	}
	return false
}

// GetExplicitLockType returns the transaction's lock held directly on
// this resource, or NL.
func (c *LockContext) GetExplicitLockType(transNum primitives.TransactionID) LockMode {
	return c.lm.GetLockMode(transNum, c.name)
}

// GetEffectiveLockType returns the read/write permission the transaction
// effectively has here: the explicit lock if any, otherwise the first
// non-NL ancestor lock projected downward (S and X carry through, SIX
// contributes its S component, bare intent locks contribute nothing).
func (c *LockContext) GetEffectiveLockType(transNum primitives.TransactionID) LockMode {
	if explicit := c.GetExplicitLockType(transNum); explicit != ModeNL {
		return explicit
	}
	for a := c.parent; a != nil; a = a.parent {
		mode := a.GetExplicitLockType(transNum)
		switch mode {
		case ModeNL:
			continue
		case ModeS, ModeX:
			return mode
		case ModeSIX:
			return ModeS
		default:
			return ModeNL
		}
	}
	return ModeNL
}

// Acquire takes a lock in the given mode on this resource. The parent
// must already hold an intent lock permitting the child mode, and S/IS
// under a SIX ancestor is rejected as redundant.
func (c *LockContext) Acquire(txn transaction.Transaction, mode LockMode) error {
	if c.readonly {
		return errors.Wrapf(ErrUnsupportedOperation, "acquire on readonly context %s", c.name)
	}
	if mode == ModeNL {
		return errors.Wrapf(ErrInvalidLock, "cannot acquire NL on %s; use Release", c.name)
	}
	transNum := txn.TransNum()
	if (mode == ModeIS || mode == ModeS) && c.hasSIXAncestor(transNum) {
		return errors.Wrapf(ErrInvalidLock, "%s on %s is redundant under a SIX ancestor", mode, c.name)
	}
	if c.parent != nil {
		parentMode := c.parent.GetExplicitLockType(transNum)
		if !CanBeParent(parentMode, mode) {
			return errors.Wrapf(ErrInvalidLock, "parent %s holds %s which does not permit child %s",
				c.parent.name, parentMode, mode)
		}
	}
	if err := c.lm.Acquire(txn, c.name, mode); err != nil {
		return err
	}
	c.parent.addChildLock(transNum, 1)
	return nil
}

// Release drops the transaction's lock on this resource. Fails with
// ErrInvalidLock while the transaction still holds locks on descendants.
func (c *LockContext) Release(txn transaction.Transaction) error {
	if c.readonly {
		return errors.Wrapf(ErrUnsupportedOperation, "release on readonly context %s", c.name)
	}
	transNum := txn.TransNum()
	if c.GetExplicitLockType(transNum) == ModeNL {
		return errors.Wrapf(ErrNoLockHeld, "transaction %d holds no lock on %s", transNum, c.name)
	}
	if c.NumChildLocks(transNum) > 0 {
		return errors.Wrapf(ErrInvalidLock, "releasing %s would orphan %d child locks",
			c.name, c.NumChildLocks(transNum))
	}
	if err := c.lm.Release(txn, c.name); err != nil {
		return err
	}
	c.parent.addChildLock(transNum, -1)
	return nil
}

// Promote upgrades the transaction's lock here to newMode. Promoting to
// SIX from IS, IX, or S additionally releases every redundant S or IS
// lock the transaction holds on descendants, in one atomic step.
func (c *LockContext) Promote(txn transaction.Transaction, newMode LockMode) error {
	if c.readonly {
		return errors.Wrapf(ErrUnsupportedOperation, "promote on readonly context %s", c.name)
	}
	transNum := txn.TransNum()
	current := c.GetExplicitLockType(transNum)
	if current == ModeNL {
		return errors.Wrapf(ErrNoLockHeld, "transaction %d holds no lock on %s", transNum, c.name)
	}
	if current == newMode {
		return errors.Wrapf(ErrDuplicateLockRequest, "transaction %d already holds %s on %s", transNum, newMode, c.name)
	}

	if newMode == ModeSIX && (current == ModeIS || current == ModeIX || current == ModeS) {
		if c.hasSIXAncestor(transNum) {
			return errors.Wrapf(ErrInvalidLock, "SIX on %s is redundant under a SIX ancestor", c.name)
		}
		released, releasedParents := c.sisDescendants(transNum)
		releaseNames := append(released, c.name)
		if err := c.lm.AcquireAndRelease(txn, c.name, ModeSIX, releaseNames); err != nil {
			return err
		}
		for _, parent := range releasedParents {
			parent.addChildLock(transNum, -1)
		}
		return nil
	}

	if !Substitutes(newMode, current) {
		return errors.Wrapf(ErrInvalidLock, "%s does not substitute for %s on %s", newMode, current, c.name)
	}
	return c.lm.Promote(txn, c.name, newMode)
}

// sisDescendants collects the names of every S or IS lock the
// transaction holds on strict descendants of this context, along with
// each released lock's parent context (for child-lock accounting).
func (c *LockContext) sisDescendants(transNum primitives.TransactionID) ([]ResourceName, []*LockContext) {
	var names []ResourceName
	var parents []*LockContext
	for _, lock := range c.lm.GetLocks(transNum) {
		if lock.Mode != ModeS && lock.Mode != ModeIS {
			continue
		}
		if !lock.Name.IsDescendantOf(c.name) {
			continue
		}
		names = append(names, lock.Name)
		parents = append(parents, c.contextFor(lock.Name))
	}
	return names, parents
}

// contextFor walks the child map down to the context owning the given
// descendant name, then returns its parent.
func (c *LockContext) contextFor(name ResourceName) *LockContext {
	parts := name.Parts()
	node := c
	for _, component := range parts[len(c.name.Parts()):] {
		node = node.ChildContext(component)
	}
	return node.parent
}

// Escalate replaces the transaction's locks on this context and all its
// descendants with a single coarse lock here: X if any of them is X, IX,
// or SIX, otherwise S. Escalating an already-coarse lock with no
// descendant locks is a no-op.
func (c *LockContext) Escalate(txn transaction.Transaction) error {
	if c.readonly {
		return errors.Wrapf(ErrUnsupportedOperation, "escalate on readonly context %s", c.name)
	}
	transNum := txn.TransNum()
	current := c.GetExplicitLockType(transNum)
	if current == ModeNL {
		return errors.Wrapf(ErrNoLockHeld, "transaction %d holds no lock on %s", transNum, c.name)
	}

	target := ModeS
	if current == ModeX || current == ModeIX || current == ModeSIX {
		target = ModeX
	}
	var releaseNames []ResourceName
	for _, lock := range c.lm.GetLocks(transNum) {
		if !lock.Name.IsDescendantOf(c.name) {
			continue
		}
		releaseNames = append(releaseNames, lock.Name)
		if lock.Mode == ModeX || lock.Mode == ModeIX || lock.Mode == ModeSIX {
			target = ModeX
		}
	}

	if current == target && len(releaseNames) == 0 {
		return nil
	}

	releaseNames = append(releaseNames, c.name)
	if err := c.lm.AcquireAndRelease(txn, c.name, target, releaseNames); err != nil {
		return err
	}
	c.zeroChildLocks(transNum)
	return nil
}
