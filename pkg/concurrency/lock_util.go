package concurrency

import (
	"github.com/cockroachdb/errors"

	"sable/pkg/transaction"
)

// EnsureSufficientLockHeld acquires, promotes, or escalates whatever
// locks are needed so that the transaction's effective lock on ctx
// substitutes for req (one of S, X, or NL). Ancestors end up with the
// minimum intent mode sufficient to permit the target lock.
//
// The transaction handle is passed explicitly; there is no ambient
// "current transaction".
func EnsureSufficientLockHeld(txn transaction.Transaction, ctx *LockContext, req LockMode) error {
	if req == ModeNL {
		return nil
	}
	if req != ModeS && req != ModeX {
		return errors.Wrapf(ErrInvalidLock, "requested effective mode must be S, X, or NL; got %s", req)
	}
	transNum := txn.TransNum()
	if Substitutes(ctx.GetEffectiveLockType(transNum), req) {
		return nil
	}

	required := ModeIS
	if req == ModeX {
		required = ModeIX
	}
	if err := ensureAncestors(txn, ctx.parent, required); err != nil {
		return err
	}

	// The effective mode can change as we go (an escalate may yield S
	// where X was wanted), so re-evaluate until it suffices.
	for {
		explicit := ctx.GetExplicitLockType(transNum)
		effective := ctx.GetEffectiveLockType(transNum)
		switch {
		case Substitutes(effective, req):
			return nil
		case explicit == ModeIX && req == ModeS:
			return ctx.Promote(txn, ModeSIX)
		case explicit.IsIntent():
			if err := ctx.Escalate(txn); err != nil {
				return err
			}
		case explicit == ModeNL:
			return ctx.Acquire(txn, req)
		default:
			return ctx.Promote(txn, req)
		}
	}
}

// ensureAncestors walks root to leaf, giving each ancestor the weakest
// lock that permits the descendant's target: nothing where the effective
// mode already suffices, a fresh intent lock where there is none, and a
// promotion (S promoted to SIX when IX is needed) otherwise.
func ensureAncestors(txn transaction.Transaction, ctx *LockContext, required LockMode) error {
	if ctx == nil {
		return nil
	}
	if err := ensureAncestors(txn, ctx.parent, required); err != nil {
		return err
	}
	transNum := txn.TransNum()
	if Substitutes(ctx.GetEffectiveLockType(transNum), required) {
		return nil
	}
	explicit := ctx.GetExplicitLockType(transNum)
	switch {
	case explicit == ModeNL:
		return ctx.Acquire(txn, required)
	case explicit == ModeS && required == ModeIX:
		return ctx.Promote(txn, ModeSIX)
	default:
		return ctx.Promote(txn, required)
	}
}
