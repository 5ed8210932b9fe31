package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mori-go/mori/memaddr"
	"github.com/mori-go/mori/status"
)

func TestRequestAllocateAssignAcquireFreeLifecycle(t *testing.T) {
	ctx := context.Background()
	s, mgr := newTestSession(t)

	req, err := s.CreateRequest("op1")
	require.NoError(t, err)
	defer req.Release()

	addr, err := mgr.AllocateDevice(ctx, 128)
	require.NoError(t, err)

	require.NoError(t, req.SetMemoryDataAllocated("w1", addr))
	require.NoError(t, req.SetMemoryDataAssigned("w1"))
	require.NoError(t, req.SetMemoryDataAcquired("w1"))
	require.NoError(t, req.SetMemoryDataFreed(ctx, "w1"))

	evs := s.EventStore().Select().Get()
	require.Len(t, evs, 4)
	assert.Equal(t, "allocate", evs[0].Type.String())
	assert.Equal(t, "write", evs[1].Type.String())
	assert.Equal(t, "access", evs[2].Type.String())
	assert.Equal(t, "free", evs[3].Type.String())
}

func TestRequestSetMemoryDataAssignedRejectsWrongState(t *testing.T) {
	s, _ := newTestSession(t)
	req, err := s.CreateRequest("op1")
	require.NoError(t, err)
	defer req.Release()

	// w1 starts at StatusNone; Assigned requires StatusEmpty.
	err = req.SetMemoryDataAssigned("w1")
	assert.Error(t, err)
}

func TestRequestSetMemoryDataAcquiredRejectsNonDeviceTensor(t *testing.T) {
	s, _ := newTestSession(t)
	req, err := s.CreateRequest("op1")
	require.NoError(t, err)
	defer req.Release()

	err = req.SetMemoryDataAcquired("w1")
	assert.Error(t, err)
}

func TestRequestWaitTensorNoopsWhenAlreadyOnDevice(t *testing.T) {
	ctx := context.Background()
	s, mgr := newTestSession(t)

	req, err := s.CreateRequest("op1")
	require.NoError(t, err)
	defer req.Release()

	addr, err := mgr.AllocateDevice(ctx, 128)
	require.NoError(t, err)
	require.NoError(t, req.SetMemoryDataAllocated("w1", addr))
	require.NoError(t, req.SetMemoryDataAssigned("w1"))

	before := len(mgr.Calls())
	require.NoError(t, req.WaitTensor(ctx, "w1"))
	assert.Equal(t, before, len(mgr.Calls()))
}

func TestRequestReleaseIsIdempotentAndDropsPresenters(t *testing.T) {
	ctx := context.Background()
	s, mgr := newTestSession(t)

	req, err := s.CreateRequest("op1")
	require.NoError(t, err)
	addr, err := mgr.AllocateDevice(ctx, 128)
	require.NoError(t, err)
	require.NoError(t, req.SetMemoryDataAllocated("w1", addr))

	req.Release()
	req.Release() // must not panic or double-unlock

	// Tensor presenter was dropped: a fresh reference must succeed.
	tensor, err := s.status.ReferenceTensor("w1")
	require.NoError(t, err)
	tensor.Release()
}

func TestRequestOperationsFailAfterRelease(t *testing.T) {
	s, _ := newTestSession(t)
	req, err := s.CreateRequest("op1")
	require.NoError(t, err)
	req.Release()

	err = req.SetMemoryDataAllocated("w1", memaddr.Address(1))
	assert.Error(t, err)
}

func TestCreateRequestFailsForUnknownOperator(t *testing.T) {
	s, _ := newTestSession(t)
	_, err := s.CreateRequest("nonexistent")
	assert.Error(t, err)
}

var _ = status.StatusNone // keep status import meaningful if assertions above change
