package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mori-go/mori/memaddr"
	"github.com/mori-go/mori/morictx"
	"github.com/mori-go/mori/morierr"
	"github.com/mori-go/mori/schedule"
	"github.com/mori-go/mori/status"
)

// trigger abstracts the two ways a ScheduleExecutor decides "how far into
// the current stage are we": wall-clock elapsed time since the stage
// started, or a count of operators executed so far. Mirrors
// TimebasedMemoryScheduleExecutor/DependencyMemoryScheduleExecutor.
type trigger interface {
	reset()
	offset() int64
	advance()
}

type timeTrigger struct {
	startedAt time.Time
	now       func() time.Time
}

func (t *timeTrigger) reset()        { t.startedAt = t.now() }
func (t *timeTrigger) offset() int64 { return int64(t.now().Sub(t.startedAt) / time.Microsecond) }
func (t *timeTrigger) advance()      {}

type dependencyTrigger struct {
	count int64
}

func (d *dependencyTrigger) reset()        { d.count = 0 }
func (d *dependencyTrigger) offset() int64 { return d.count }
func (d *dependencyTrigger) advance()      { d.count++ }

func newTrigger(ctx morictx.Context) (trigger, error) {
	name, _ := ctx.Get("scheduler.trigger_event")
	switch name {
	case "time":
		return &timeTrigger{now: time.Now}, nil
	case "dependency":
		return &dependencyTrigger{}, nil
	default:
		return nil, fmt.Errorf("%w: scheduler.trigger_event %q", morierr.ErrContextInvalid, name)
	}
}

// ScheduleExecutor drains a schedule.Bundle's event sets on a background
// worker: execution-triggered events fire as nextOperator advances the
// dependency offset past them, time-triggered events fire as wall-clock
// time passes the offset recorded at stage start. An event's Instant flag
// is not consulted: every due event, instant or not, runs on the worker.
//
// Grounded on memory_schedule_executor.hpp's MemoryScheduleExecutor plus
// its Timebased/Dependency subclasses, collapsed into one type
// parameterised by the trigger strategy rather than two via inheritance.
type ScheduleExecutor struct {
	op     *MemoryOperationExecutor
	status *status.MemoryStatus
	logger *slog.Logger

	mu      sync.RWMutex
	forward []dueEvent
	fwdPos  int
	back    []dueEvent
	backPos int

	trig trigger

	group   *errgroup.Group
	cancel  context.CancelFunc
	tick    chan struct{}
	started bool

	defrag      *DefragmentationExecutor
	defragBlock memaddr.Address
	defragGrain uint64
}

// NewScheduleExecutor builds a ScheduleExecutor over op, driven by the
// trigger mode named in appCtx's "scheduler.trigger_event" key.
func NewScheduleExecutor(appCtx morictx.Context, op *MemoryOperationExecutor, st *status.MemoryStatus, logger *slog.Logger) (*ScheduleExecutor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	trig, err := newTrigger(appCtx)
	if err != nil {
		return nil, err
	}
	return &ScheduleExecutor{
		op:     op,
		status: st,
		logger: logger,
		trig:   trig,
		tick:   make(chan struct{}, 1),
	}, nil
}

// Start launches the background worker. The worker wakes on every Tick and
// re-scans both stages' execution- and time-triggered events for ones
// whose offset has now been reached.
func (e *ScheduleExecutor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return morierr.ErrInited
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	group, groupCtx := errgroup.WithContext(runCtx)
	e.group = group
	group.Go(func() error {
		return e.run(groupCtx)
	})
	return nil
}

// Terminate stops the background worker and waits for it to exit.
func (e *ScheduleExecutor) Terminate() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return morierr.ErrUninited
	}
	e.started = false
	cancel := e.cancel
	group := e.group
	e.mu.Unlock()

	cancel()
	if group != nil {
		return group.Wait()
	}
	return nil
}

func (e *ScheduleExecutor) run(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.tick:
			e.drain(ctx)
		case <-ticker.C:
			e.drain(ctx)
		}
	}
}

// Tick nudges the worker to re-scan immediately rather than waiting for
// the next poll interval, used after UpdateSchedule or NextOperator so a
// newly-reachable event does not wait out a full tick.
func (e *ScheduleExecutor) Tick() {
	select {
	case e.tick <- struct{}{}:
	default:
	}
}

// dueEvent pairs a schedule.Event with the trigger offset at which it
// fires: an execution-triggered event's offset is its PostOp's position
// in the declared execution order, a time-triggered event's offset is its
// Timepoint verbatim. Unifying both onto one offset axis lets drain walk
// a single sorted cursor per stage instead of two.
type dueEvent struct {
	offset int64
	event  schedule.Event
}

func (e *ScheduleExecutor) resolve(stage schedule.StageEvents) ([]dueEvent, error) {
	due := make([]dueEvent, 0, len(stage.Execution)+len(stage.Timepoint))
	for _, ev := range stage.Execution {
		op, err := e.status.ReferenceOperator(ev.PostOp)
		if err != nil {
			return nil, fmt.Errorf("%w: postop %q: %v", morierr.ErrSyncLabelMismatch, ev.PostOp, err)
		}
		idx := op.ExecutionOrderIndex()
		op.Release()
		due = append(due, dueEvent{offset: int64(idx), event: ev})
	}
	for _, ev := range stage.Timepoint {
		due = append(due, dueEvent{offset: ev.Timepoint, event: ev})
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].offset < due[j].offset })
	return due, nil
}

// UpdateSchedule replaces the forward/backward event sets the worker
// drains, resetting both stages' cursors (but not the trigger offset): a
// new bundle takes effect for whatever remains of the current stage,
// re-evaluated from its start.
func (e *ScheduleExecutor) UpdateSchedule(forward, back schedule.StageEvents) error {
	fwd, err := e.resolve(forward)
	if err != nil {
		return err
	}
	bck, err := e.resolve(back)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.forward = fwd
	e.fwdPos = 0
	e.back = bck
	e.backPos = 0
	e.mu.Unlock()
	e.Tick()
	return nil
}

// NewIteration resets both stages' cursors and the trigger offset for the
// iteration about to begin.
func (e *ScheduleExecutor) NewIteration() {
	e.mu.Lock()
	e.fwdPos = 0
	e.backPos = 0
	e.trig.reset()
	e.mu.Unlock()
	e.Tick()
}

// NextOperator advances the dependency-trigger offset. A no-op under the
// time trigger.
func (e *ScheduleExecutor) NextOperator() {
	e.mu.Lock()
	e.trig.advance()
	e.mu.Unlock()
	e.Tick()
}

// HalfIteration marks the forward/backward boundary within the current
// iteration. The forward and backward stage cursors already walk
// independent dueEvent slices against the same trigger offset, so no
// cursor reset is needed here; this exists as the explicit signal a
// caller sends at the boundary, mirroring the original's separate
// new_iteration/half_iteration entry points.
func (e *ScheduleExecutor) HalfIteration() {
	e.logger.Debug("mori: half iteration reached")
	e.Tick()
}

func (e *ScheduleExecutor) drain(ctx context.Context) {
	e.mu.Lock()
	offset := e.trig.offset()
	var due []schedule.Event
	due, e.fwdPos = collectDue(e.forward, e.fwdPos, offset)
	var moreDue []schedule.Event
	moreDue, e.backPos = collectDue(e.back, e.backPos, offset)
	due = append(due, moreDue...)
	e.mu.Unlock()

	for _, ev := range due {
		if err := e.perform(ctx, ev); err != nil {
			e.logger.Error("mori: scheduled operation failed", "event", ev, "err", err)
		}
	}
}

// collectDue returns the prefix of due (starting at pos) whose offset has
// not exceeded the trigger's current offset, mirroring the original's
// find_if over a sorted event vector: the remaining events stay queued
// for a later offset.
func collectDue(due []dueEvent, pos int, offset int64) (ready []schedule.Event, next int) {
	next = pos
	for next < len(due) && due[next].offset <= offset {
		ready = append(ready, due[next].event)
		next++
	}
	return ready, next
}

func (e *ScheduleExecutor) perform(ctx context.Context, ev schedule.Event) error {
	tensor, err := e.status.ReferenceTensor(ev.TensorName)
	if err != nil {
		return err
	}
	defer tensor.Release()

	switch ev.Type {
	case schedule.EventAllocate:
		return e.op.CopyIn(ctx, tensor, 0)
	case schedule.EventCopyIn:
		return e.op.CopyIn(ctx, tensor, ev.Size)
	case schedule.EventCopyOut:
		return e.op.CopyOut(ctx, tensor, ev.Size)
	case schedule.EventSwapIn:
		return e.op.SwapIn(ctx, tensor, ev.Size)
	case schedule.EventSwapOut:
		return e.op.SwapOut(ctx, tensor, ev.Size)
	case schedule.EventFreeDevice:
		return e.op.FreeDevice(ctx, tensor, ev.Size)
	case schedule.EventFreeHost:
		return e.op.FreeHost(ctx, tensor, ev.Size)
	case schedule.EventFree:
		return e.op.Free(ctx, tensor, ev.Size)
	default:
		return &morierr.TensorInvalidError{Tensor: ev.TensorName, Reason: "unknown schedule event type"}
	}
}

// SetDefragmentation attaches a DefragmentationExecutor that WaitMemory
// falls back to once the LRU eviction scan finds no operator whose
// tensors are all on device, yet the allocation that triggered WaitMemory
// still failed, so the deficit is taken to be fragmentation within the
// transient block rather than raw occupancy.
func (e *ScheduleExecutor) SetDefragmentation(d *DefragmentationExecutor, blockAddr memaddr.Address, granularity uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defrag = d
	e.defragBlock = blockAddr
	e.defragGrain = granularity
}

// WaitMemory performs an emergency eviction when the caller could not
// satisfy an allocation: walk the execution order and swap out every
// tensor of the first operator whose tensors are all on device, LRU-style
// (execution order doubles as recency since operators run in that order
// every iteration). If no operator qualifies, fall back to defragmenting
// the transient block in case the failure was a lack of a contiguous run
// rather than a lack of total space.
//
// Grounded on onMemoryInsufficient's single-pass LRU scan.
func (e *ScheduleExecutor) WaitMemory(ctx context.Context, size uint64) error {
	for _, opName := range e.status.ExecutionOrder() {
		op, err := e.status.ReferenceOperator(opName)
		if err != nil {
			return err
		}
		tensors := op.Tensors()
		op.Release()

		allOnDevice := len(tensors) > 0
		presenters := make([]*status.TensorPres, 0, len(tensors))
		for _, name := range tensors {
			tensor, err := e.status.ReferenceTensor(name)
			if err != nil {
				return err
			}
			presenters = append(presenters, tensor)
			for _, sec := range tensor.Sections() {
				if !sec.Status.OccupiesDevice() {
					allOnDevice = false
				}
			}
		}
		if !allOnDevice {
			for _, tensor := range presenters {
				tensor.Release()
			}
			continue
		}

		var firstErr error
		for _, tensor := range presenters {
			if err := e.op.SwapOut(ctx, tensor, tensor.TotalSize()); err != nil && firstErr == nil {
				firstErr = err
			}
			tensor.Release()
		}
		return firstErr
	}

	e.mu.RLock()
	defrag, block, grain := e.defrag, e.defragBlock, e.defragGrain
	e.mu.RUnlock()
	if defrag == nil {
		return nil
	}
	e.logger.Debug("mori: no swappable tensor found, defragmenting transient block", "requested", size)
	if err := defrag.SeedRegions(block); err != nil {
		return err
	}
	return defrag.PerformDefragmentation(ctx, block, grain)
}
