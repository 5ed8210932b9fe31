package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mori-go/mori/events"
	"github.com/mori-go/mori/layout"
	"github.com/mori-go/mori/manager"
	"github.com/mori-go/mori/morictx"
	"github.com/mori-go/mori/morierr"
	"github.com/mori-go/mori/status"
)

func newTestSession(t *testing.T) (*Session, *manager.Fake) {
	t.Helper()
	st := status.New(nil)
	require.NoError(t, st.RegisterTensor("w1", 128, "weight", false, false))
	require.NoError(t, st.RegisterOperator("op1", []string{"w1"}, nil, nil, false))

	lay := layout.New()
	mgr := manager.NewFake(1<<20, 1<<20, false)

	s := New(morictx.New(nil), st, lay, nil)
	require.NoError(t, s.SetMemoryManager(mgr))
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Terminate() })
	return s, mgr
}

func TestSessionInitRejectsDoubleInit(t *testing.T) {
	s, _ := newTestSession(t)
	err := s.Init(context.Background())
	assert.ErrorIs(t, err, morierr.ErrInited)
}

func TestSessionInitRequiresMemoryManager(t *testing.T) {
	st := status.New(nil)
	lay := layout.New()
	s := New(morictx.New(nil), st, lay, nil)
	err := s.Init(context.Background())
	assert.Error(t, err)
}

func TestSessionAllocateThenFreeMemoryRoundTrips(t *testing.T) {
	ctx := context.Background()
	s, mgr := newTestSession(t)

	require.NoError(t, s.AllocateMemory(ctx, "op1", "w1"))
	evs := s.EventStore().Select().Get()
	require.Len(t, evs, 1)
	assert.Equal(t, "allocate", evs[0].Type.String())

	require.NoError(t, s.FreeMemory(ctx, "op1", "w1"))
	assert.NotEmpty(t, mgr.Calls())
}

func TestSessionFreeMemoryRejectsUnallocatedTensor(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t)
	err := s.FreeMemory(ctx, "op1", "w1")
	assert.Error(t, err)
}

func TestSessionNewIterationAdvancesCounterAndResetsStage(t *testing.T) {
	s, _ := newTestSession(t)
	require.Equal(t, int64(1), s.Iteration())

	require.NoError(t, s.HalfIteration())
	require.NoError(t, s.NewIteration())

	assert.Equal(t, int64(2), s.Iteration())
	assert.Equal(t, events.Forward, s.Stage())
}

func TestSessionTerminateIsIdempotentlyRejectedTwice(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.Terminate())
	err := s.Terminate()
	assert.Error(t, err)
}
