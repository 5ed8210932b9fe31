package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mori-go/mori/layout"
	"github.com/mori-go/mori/manager"
	"github.com/mori-go/mori/morictx"
	"github.com/mori-go/mori/schedule"
	"github.com/mori-go/mori/status"
)

func newScheduleExecutorFixture(t *testing.T, triggerMode string) (*status.MemoryStatus, *manager.Fake, *ScheduleExecutor) {
	t.Helper()
	st := status.New(nil)
	require.NoError(t, st.RegisterTensor("w1", 64, "weight", false, false))
	require.NoError(t, st.RegisterOperator("op1", []string{"w1"}, nil, []string{"op2"}, false))
	require.NoError(t, st.RegisterOperator("op2", []string{"w1"}, []string{"op1"}, nil, false))
	require.NoError(t, st.Start())

	lay := layout.New()
	lay.SetMemoryInfo(layout.MemoryInfo{DeviceSize: 1 << 20})
	mgr := manager.NewFake(1<<20, 1<<20, false)
	op := New(mgr, lay)

	appCtx := morictx.New(map[string]string{"scheduler.trigger_event": triggerMode})
	se, err := NewScheduleExecutor(appCtx, op, st, nil)
	require.NoError(t, err)
	return st, mgr, se
}

func TestNewScheduleExecutorRejectsUnknownTrigger(t *testing.T) {
	appCtx := morictx.New(map[string]string{"scheduler.trigger_event": "nonsense"})
	_, err := NewScheduleExecutor(appCtx, nil, nil, nil)
	assert.Error(t, err)
}

func TestScheduleExecutorDependencyTriggerFiresOnNextOperator(t *testing.T) {
	_, mgr, se := newScheduleExecutorFixture(t, "dependency")

	require.NoError(t, se.UpdateSchedule(schedule.StageEvents{
		Execution: []schedule.Event{
			{TensorName: "w1", Size: 64, Type: schedule.EventCopyIn, PostOp: "op2"},
		},
	}, schedule.StageEvents{}))

	require.NoError(t, se.Start(context.Background()))
	defer se.Terminate()

	se.NewIteration()
	se.NextOperator() // op1 done, offset=1, reaches op2's ExecutionOrderIndex (1)

	require.Eventually(t, func() bool {
		return len(mgr.Calls()) > 0
	}, time.Second, 5*time.Millisecond)

	calls := mgr.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "allocate_device", calls[0].Op)
}

func TestScheduleExecutorTimeTriggerFiresAfterElapsed(t *testing.T) {
	_, mgr, se := newScheduleExecutorFixture(t, "time")

	require.NoError(t, se.UpdateSchedule(schedule.StageEvents{
		Timepoint: []schedule.Event{
			{TensorName: "w1", Size: 64, Type: schedule.EventCopyIn, Timepoint: 0},
		},
	}, schedule.StageEvents{}))

	require.NoError(t, se.Start(context.Background()))
	defer se.Terminate()

	se.NewIteration()

	require.Eventually(t, func() bool {
		return len(mgr.Calls()) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestScheduleExecutorDoubleStartFails(t *testing.T) {
	_, _, se := newScheduleExecutorFixture(t, "dependency")
	require.NoError(t, se.Start(context.Background()))
	defer se.Terminate()

	err := se.Start(context.Background())
	assert.Error(t, err)
}

func TestScheduleExecutorTerminateWithoutStartFails(t *testing.T) {
	_, _, se := newScheduleExecutorFixture(t, "dependency")
	err := se.Terminate()
	assert.Error(t, err)
}

func TestScheduleExecutorWaitMemorySwapsOutFirstDeviceResidentOperator(t *testing.T) {
	ctx := context.Background()
	st, mgr, se := newScheduleExecutorFixture(t, "dependency")

	tensor, err := st.ReferenceTensor("w1")
	require.NoError(t, err)
	require.NoError(t, se.op.CopyIn(ctx, tensor, 64))
	require.NoError(t, tensor.Assign(0))
	tensor.Release()

	require.NoError(t, se.WaitMemory(ctx, 64))

	tensor, err = st.ReferenceTensor("w1")
	require.NoError(t, err)
	defer tensor.Release()
	assert.Equal(t, status.StatusHost, tensor.FirstSection().Status)
	assert.NotEmpty(t, mgr.Calls())
}
