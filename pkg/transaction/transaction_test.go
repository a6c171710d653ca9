package transaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusString(t *testing.T) {
	assert.Equal(t, "RUNNING", Running.String())
	assert.Equal(t, "RECOVERY_ABORTING", RecoveryAborting.String())
	assert.Equal(t, "COMPLETE", Complete.String())
}

func TestStatusTransitions(t *testing.T) {
	txn := New(7, nil)
	assert.Equal(t, Running, txn.Status())

	txn.SetStatus(Committing)
	assert.Equal(t, Committing, txn.Status())
}

func TestBlockUnblock(t *testing.T) {
	txn := New(1, nil)

	txn.PrepareBlock()
	assert.True(t, txn.Blocked())

	done := make(chan struct{})
	go func() {
		txn.Block()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Block returned before Unblock")
	case <-time.After(10 * time.Millisecond):
	}

	txn.Unblock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Block did not return after Unblock")
	}
	assert.False(t, txn.Blocked())
}

func TestCleanupRunsHook(t *testing.T) {
	ran := false
	txn := New(1, func() { ran = true })
	txn.Cleanup()
	assert.True(t, ran)

	require.NotPanics(t, func() { New(2, nil).Cleanup() })
}

func TestPrepareBlockTwicePanics(t *testing.T) {
	txn := New(1, nil)
	txn.PrepareBlock()
	assert.Panics(t, func() { txn.PrepareBlock() })
}
