package status

import (
	"testing"

	"github.com/mori-go/mori/memaddr"
	"github.com/mori-go/mori/morierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *MemoryStatus {
	t.Helper()
	return New(nil)
}

func TestRegisterTensorRejectsDuplicates(t *testing.T) {
	s := newTestRegistry(t)
	require.NoError(t, s.RegisterTensor("w1", 1024, "weight", true, false))
	err := s.RegisterTensor("w1", 2048, "weight", true, false)
	require.Error(t, err)
	var tie *morierr.TensorInvalidError
	require.ErrorAs(t, err, &tie)
}

func TestRegisterAfterStartFails(t *testing.T) {
	s := newTestRegistry(t)
	require.NoError(t, s.Start())
	err := s.RegisterTensor("w1", 1024, "weight", true, false)
	require.ErrorIs(t, err, morierr.ErrInited)
}

func TestSetEntryAfterStartFails(t *testing.T) {
	s := newTestRegistry(t)
	require.NoError(t, s.RegisterOperator("fwd0", nil, nil, nil, false))
	require.NoError(t, s.Start())
	err := s.SetEntry("fwd0")
	require.ErrorIs(t, err, morierr.ErrInited)
}

func TestReferenceUnknownTensorSuggestsNearestName(t *testing.T) {
	s := newTestRegistry(t)
	require.NoError(t, s.RegisterTensor("activation_layer0", 1024, "inout", false, true))
	_, err := s.ReferenceTensor("activation_layer1")
	require.Error(t, err)
	var tie *morierr.TensorInvalidError
	require.ErrorAs(t, err, &tie)
	assert.Equal(t, "activation_layer0", tie.Suggestion)
}

func TestTensorAllocateLifecycle(t *testing.T) {
	s := newTestRegistry(t)
	require.NoError(t, s.RegisterTensor("t", 256, "inout", false, true))
	pres, err := s.ReferenceTensor("t")
	require.NoError(t, err)
	defer pres.Release()

	first := pres.FirstSection()
	require.Equal(t, StatusNone, first.Status)

	require.NoError(t, pres.Allocate(0, memaddr.Address(0x1000)))
	require.Equal(t, StatusEmpty, pres.FirstSection().Status)
	require.Equal(t, uint64(256), pres.DeviceSize())

	require.NoError(t, pres.Assign(0))
	require.Equal(t, StatusDevice, pres.FirstSection().Status)

	require.NoError(t, pres.CopyOut(0, memaddr.Address(0x9000)))
	require.Equal(t, StatusCoexist, pres.FirstSection().Status)
	require.Equal(t, uint64(256), pres.DeviceSize())
	require.Equal(t, uint64(256), pres.HostSize())

	require.NoError(t, pres.FreeDevice(0))
	require.Equal(t, StatusHost, pres.FirstSection().Status)
	require.Equal(t, uint64(0), pres.DeviceSize())

	require.NoError(t, pres.FreeHost(0))
	require.Equal(t, StatusNone, pres.FirstSection().Status)
}

func TestTensorIllegalTransitionRejected(t *testing.T) {
	s := newTestRegistry(t)
	require.NoError(t, s.RegisterTensor("t", 128, "inout", false, true))
	pres, err := s.ReferenceTensor("t")
	require.NoError(t, err)
	defer pres.Release()

	err = pres.Assign(0) // still StatusNone, Assign requires StatusEmpty
	require.ErrorIs(t, err, morierr.ErrMemorySectionInvalid)
}

func TestTensorSplitAndMerge(t *testing.T) {
	s := newTestRegistry(t)
	require.NoError(t, s.RegisterTensor("t", 100, "weight", true, false))
	pres, err := s.ReferenceTensor("t")
	require.NoError(t, err)
	defer pres.Release()

	require.NoError(t, pres.Allocate(0, memaddr.Address(0x2000)))
	rightOffset, err := pres.Split(0, 40)
	require.NoError(t, err)
	require.Equal(t, uint64(40), rightOffset)
	require.Equal(t, 2, pres.SectionCount())

	sections := pres.Sections()
	assert.Equal(t, uint64(40), sections[0].Size)
	assert.Equal(t, uint64(60), sections[1].Size)
	assert.Equal(t, memaddr.Address(0x2000), sections[0].DeviceAddress)
	assert.Equal(t, memaddr.Address(0x2000+40), sections[1].DeviceAddress)

	require.True(t, pres.IsMergeable(0))
	merged, err := pres.Merge(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), merged.Size)
	require.Equal(t, 1, pres.SectionCount())
}

func TestFragmentLifecycle(t *testing.T) {
	s := newTestRegistry(t)
	require.NoError(t, s.RegisterTensor("t", 64, "weight", true, false))
	pres, err := s.ReferenceTensor("t")
	require.NoError(t, err)
	defer pres.Release()

	require.False(t, pres.HasFragment())
	pres.SetFragment(16)
	require.True(t, pres.HasFragment())

	require.NoError(t, pres.SetFragmentPlaced(memaddr.Address(0x5000)))
	require.Equal(t, StatusEmpty, pres.Fragment().Status)

	require.NoError(t, pres.SetFragmentRemoved())
	require.Equal(t, StatusNone, pres.Fragment().Status)
}

func TestTryReferenceTensorNonBlocking(t *testing.T) {
	s := newTestRegistry(t)
	require.NoError(t, s.RegisterTensor("t", 64, "weight", true, false))

	first, err := s.ReferenceTensor("t")
	require.NoError(t, err)

	_, ok, err := s.TryReferenceTensor("t")
	require.NoError(t, err)
	require.False(t, ok)

	first.Release()

	second, ok, err := s.TryReferenceTensor("t")
	require.NoError(t, err)
	require.True(t, ok)
	second.Release()
}

func TestExecutionOrderAndSuccessor(t *testing.T) {
	s := newTestRegistry(t)
	require.NoError(t, s.RegisterOperator("fwd0", nil, nil, nil, false))
	require.NoError(t, s.RegisterOperator("fwd1", nil, nil, nil, false))
	require.NoError(t, s.RegisterOperator("bwd1", nil, nil, nil, true))

	require.Equal(t, []string{"fwd0", "fwd1", "bwd1"}, s.ExecutionOrder())

	next, ok := s.ExecutionSuccessor("fwd0")
	require.True(t, ok)
	assert.Equal(t, "fwd1", next)

	_, ok = s.ExecutionSuccessor("bwd1")
	require.False(t, ok)

	pres, err := s.ReferenceOperator("fwd1")
	require.NoError(t, err)
	defer pres.Release()
	assert.Equal(t, 1, pres.ExecutionOrderIndex())
	assert.False(t, pres.IsBackwardPropagation())
}

func TestUnregisterOperatorUpdatesExecutionOrder(t *testing.T) {
	s := newTestRegistry(t)
	require.NoError(t, s.RegisterOperator("a", nil, nil, nil, false))
	require.NoError(t, s.RegisterOperator("b", nil, nil, nil, false))
	require.NoError(t, s.UnregisterOperator("a"))
	assert.Equal(t, []string{"b"}, s.ExecutionOrder())
}
