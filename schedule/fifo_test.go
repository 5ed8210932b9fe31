package schedule

import (
	"sync"
	"testing"

	"github.com/mori-go/mori/events"
	"github.com/mori-go/mori/morictx"
	"github.com/mori-go/mori/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildGraph(t *testing.T, st *status.MemoryStatus) {
	t.Helper()
	require.NoError(t, st.RegisterTensor("act0", 100, "inout", false, false))
	require.NoError(t, st.RegisterTensor("act1", 200, "inout", false, false))
	require.NoError(t, st.RegisterTensor("weight", 50, "weight", true, false))

	require.NoError(t, st.RegisterOperator("fwd0", []string{"act0", "weight"}, nil, []string{"fwd1"}, false))
	require.NoError(t, st.RegisterOperator("fwd1", []string{"act1"}, []string{"fwd0"}, []string{"bwd1"}, false))
	require.NoError(t, st.RegisterOperator("bwd1", []string{"act1"}, []string{"fwd1"}, []string{"bwd0"}, true))
	require.NoError(t, st.RegisterOperator("bwd0", []string{"act0"}, []string{"bwd1"}, nil, true))
}

func TestFIFODecidesOnceFromIteration1Events(t *testing.T) {
	st := status.New(nil)
	buildGraph(t, st)
	require.NoError(t, st.Start())

	store := events.New(nil)
	store.Emit(events.MemoryEvent{Iteration: 1, Operator: "fwd0", Tensor: "act0", Size: 100, Type: events.Write, Stage: events.Forward})
	store.Emit(events.MemoryEvent{Iteration: 1, Operator: "fwd1", Tensor: "act1", Size: 200, Type: events.Write, Stage: events.Forward})
	store.Emit(events.MemoryEvent{Iteration: 1, Tensor: "act1", Size: 120, Type: events.SwapOut, Stage: events.Forward})
	store.Emit(events.MemoryEvent{Iteration: 1, Operator: "bwd1", Tensor: "act1", Size: 200, Type: events.Read, Stage: events.Backward})
	store.Emit(events.MemoryEvent{Iteration: 1, Operator: "bwd0", Tensor: "act0", Size: 100, Type: events.Read, Stage: events.Backward})

	f := NewFIFO(morictx.New(nil), st, store)
	f.OnNewIteration()

	bundle := f.Bundle()
	require.Len(t, bundle.Forward.Execution, 2)
	assert.Equal(t, "act0", bundle.Forward.Execution[0].TensorName)
	assert.Equal(t, uint64(100), bundle.Forward.Execution[0].Size)
	assert.Equal(t, "fwd0", bundle.Forward.Execution[0].PostOp)
	assert.Equal(t, "act1", bundle.Forward.Execution[1].TensorName)
	assert.Equal(t, uint64(20), bundle.Forward.Execution[1].Size) // clamped to the remaining deficit
	assert.Equal(t, "fwd1", bundle.Forward.Execution[1].PostOp)

	// act0's only backward touch (bwd0) is last in execution order, so it
	// has no successor and gets no swap-in event; act1's does (bwd1 -> bwd0).
	require.Len(t, bundle.Backward.Execution, 1)
	assert.Equal(t, "act1", bundle.Backward.Execution[0].TensorName)
	assert.Equal(t, "bwd0", bundle.Backward.Execution[0].PostOp)

	// Second call must not re-decide.
	before := len(bundle.Forward.Execution)
	f.OnNewIteration()
	assert.Len(t, f.Bundle().Forward.Execution, before)
}

func TestFIFOSkipsPersistentTensors(t *testing.T) {
	st := status.New(nil)
	require.NoError(t, st.RegisterTensor("weight", 999999, "weight", true, false))
	require.NoError(t, st.RegisterOperator("fwd0", []string{"weight"}, nil, nil, false))
	require.NoError(t, st.Start())

	store := events.New(nil)
	store.Emit(events.MemoryEvent{Iteration: 1, Tensor: "weight", Size: 10, Type: events.SwapOut, Stage: events.Forward})

	f := NewFIFO(morictx.New(nil), st, store)
	f.OnNewIteration()

	assert.Empty(t, f.Bundle().Forward.Execution)
}

func TestFIFOSkipsTransientTensors(t *testing.T) {
	st := status.New(nil)
	require.NoError(t, st.RegisterTensor("scratch", 999999, "inout", false, true))
	require.NoError(t, st.RegisterOperator("fwd0", []string{"scratch"}, nil, nil, false))
	require.NoError(t, st.Start())

	store := events.New(nil)
	store.Emit(events.MemoryEvent{Iteration: 1, Tensor: "scratch", Size: 10, Type: events.SwapOut, Stage: events.Forward})

	f := NewFIFO(morictx.New(nil), st, store)
	f.OnNewIteration()

	assert.Empty(t, f.Bundle().Forward.Execution)
}

func TestFIFONoOpBeforeIteration1Events(t *testing.T) {
	st := status.New(nil)
	require.NoError(t, st.Start())
	store := events.New(nil)

	f := NewFIFO(morictx.New(nil), st, store)
	f.OnNewIteration()
	assert.Empty(t, f.Bundle().Forward.Execution)
}

func TestFIFOConcurrentOnNewIterationDecidesOnce(t *testing.T) {
	st := status.New(nil)
	buildGraph(t, st)
	require.NoError(t, st.Start())

	store := events.New(nil)
	store.Emit(events.MemoryEvent{Iteration: 1, Operator: "fwd0", Tensor: "act0", Size: 100, Type: events.Write, Stage: events.Forward})
	store.Emit(events.MemoryEvent{Iteration: 1, Tensor: "act0", Size: 100, Type: events.SwapOut, Stage: events.Forward})

	f := NewFIFO(morictx.New(nil), st, store)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.OnNewIteration()
		}()
	}
	wg.Wait()

	assert.Len(t, f.Bundle().Forward.Execution, 1)
}

func TestSchedulerFactoryUnknownName(t *testing.T) {
	st := status.New(nil)
	store := events.New(nil)
	_, err := New(morictx.New(map[string]string{"scheduler": "bogus"}), st, store)
	require.Error(t, err)
}

func TestSchedulerFactoryDefaultsToFIFO(t *testing.T) {
	st := status.New(nil)
	store := events.New(nil)
	s, err := New(morictx.New(nil), st, store)
	require.NoError(t, err)
	_, ok := s.(*FIFO)
	assert.True(t, ok)
}
