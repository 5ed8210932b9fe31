package export

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mori-go/mori/events"
	"github.com/mori-go/mori/layout"
	"github.com/mori-go/mori/schedule"
	"github.com/mori-go/mori/status"
)

func newSnapshotFixture(t *testing.T) *status.MemoryStatus {
	t.Helper()
	st := status.New(nil)
	require.NoError(t, st.RegisterTensor("w1", 128, "weight", true, false))
	require.NoError(t, st.RegisterOperator("op1", []string{"w1"}, nil, []string{"op2"}, false))
	require.NoError(t, st.RegisterOperator("op2", []string{"w1"}, []string{"op1"}, nil, true))
	require.NoError(t, st.Start())
	return st
}

func TestSnapshotStatusCapturesTensorsAndOperators(t *testing.T) {
	st := newSnapshotFixture(t)

	snap, err := SnapshotStatus(st)
	require.NoError(t, err)

	require.Len(t, snap.Tensors, 1)
	assert.Equal(t, "w1", snap.Tensors[0].Name)
	assert.Equal(t, "weight", snap.Tensors[0].Kind)
	assert.True(t, snap.Tensors[0].Persistent)
	require.Len(t, snap.Tensors[0].Sections, 1)
	assert.Equal(t, "none", snap.Tensors[0].Sections[0].Status)

	require.Len(t, snap.Operators, 2)
	assert.Equal(t, []string{"op1", "op2"}, snap.ExecutionOrder)
}

func TestRecordEventConvertsWireFields(t *testing.T) {
	ts := time.Now()
	ev := events.MemoryEvent{
		Iteration: 3,
		Operator:  "op1",
		Tensor:    "w1",
		Size:      64,
		Type:      events.SwapOut,
		Stage:     events.Backward,
		Timestamp: ts,
	}
	rec := RecordEvent(ev)
	assert.Equal(t, 3, rec.Iteration)
	assert.Equal(t, "swapout", rec.Type)
	assert.Equal(t, "backward", rec.Stage)
	assert.True(t, rec.Timestamp.Equal(ts))
}

func TestRecordBundleCapturesLayoutAndStages(t *testing.T) {
	mm := layout.NewMemoryMap()
	mm.SetMemorySize(1024)
	mm.SubmitRegionCurrent(layout.Region{Name: "w1", Size: 128, Sections: []uint64{0}})

	bundle := schedule.Bundle{
		MemoryMap: mm,
		Forward: schedule.StageEvents{
			Execution: []schedule.Event{{TensorName: "w1", Size: 128, Type: schedule.EventCopyOut, PostOp: "op1"}},
		},
	}

	rec := RecordBundle(bundle)
	require.Len(t, rec.MemoryMap.Regions, 1)
	assert.Equal(t, "w1", rec.MemoryMap.Regions[0].Name)
	require.Len(t, rec.Forward.Execution, 1)
	assert.Equal(t, "copyout", rec.Forward.Execution[0].Type)
	assert.Empty(t, rec.Backward.Execution)
}
