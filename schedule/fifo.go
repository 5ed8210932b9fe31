package schedule

import (
	"sync/atomic"

	"github.com/mori-go/mori/events"
	"github.com/mori-go/mori/morictx"
	"github.com/mori-go/mori/status"
)

// FIFO decides, once per iteration, which non-persistent tensors to swap
// out of device memory during the forward pass and back in during the
// backward pass, sized to cover exactly the deficit iteration 1's
// swapouts reported. It decides once and never revises the decision —
// the "first in, first out" in its name refers to walking the declared
// execution order forward-only, not to any runtime reordering.
//
// Grounded on FIFOMemoryScheduler::onNewIteration in
// original_source/backend/schedulers/memory_scheduler.hpp.
type FIFO struct {
	*base
	decided atomic.Bool
}

func NewFIFO(ctx morictx.Context, st *status.MemoryStatus, store *events.Store) *FIFO {
	return &FIFO{base: newBase(ctx, st, store)}
}

func (f *FIFO) OnMemoryEvent(events.MemoryEvent) {}
func (f *FIFO) OnSchedule()                      {}

// OnNewIteration decides the swap bundle from iteration 1's recorded
// deficit at most once; a concurrent second caller (the schedule
// executor's own emergency recompute trigger racing a session's
// iteration boundary) collapses into the same decide pass via
// recomputeOnce rather than deciding twice or racing on the bundle.
func (f *FIFO) OnNewIteration() {
	if f.decided.Load() {
		return
	}
	f.recomputeOnce(f.decide)
}

func (f *FIFO) decide() Bundle {
	bundle := f.Bundle()
	if f.decided.Load() {
		return bundle
	}
	if !containsInt(f.events.Iterations(), 1) {
		return bundle
	}

	iter1 := f.events.Select().Where(events.ByIteration(1))
	swapouts := iter1.Where(events.ByType(events.SwapOut)).Get()

	var unmet uint64
	for _, ev := range swapouts {
		unmet += ev.Size
	}
	if unmet == 0 {
		f.decided.Store(true)
		return bundle
	}

	type candidate struct {
		name string
		size uint64
	}
	var candidates []candidate
	var released uint64

outer:
	for _, opName := range f.status.ExecutionOrder() {
		opPres, err := f.status.ReferenceOperator(opName)
		if err != nil {
			continue
		}
		backward := opPres.IsBackwardPropagation()
		tensorNames := opPres.Tensors()
		opPres.Release()
		if backward {
			continue
		}

		for _, tensorName := range tensorNames {
			tensorPres, err := f.status.ReferenceTensor(tensorName)
			if err != nil {
				continue
			}
			skip := tensorPres.IsPersistent() || tensorPres.IsTransient()
			size := tensorPres.TotalSize()
			tensorPres.Release()
			if skip {
				continue
			}
			released += size
			candidates = append(candidates, candidate{name: tensorName, size: size})
			if unmet <= released {
				break outer
			}
		}
	}

	released = 0
	for _, c := range candidates {
		forwardTouches := iter1.Where(forwardDataTouch(c.name)).Get()
		if len(forwardTouches) == 0 {
			continue
		}
		lastForward := forwardTouches[len(forwardTouches)-1]

		swapSize := c.size
		if released+c.size > unmet {
			swapSize = unmet - released
		}

		bundle.Forward.Execution = append(bundle.Forward.Execution, Event{
			TensorName: c.name,
			Size:       swapSize,
			Type:       EventSwapOut,
			PostOp:     lastForward.Operator,
		})
		released += swapSize

		backwardTouches := iter1.Where(backwardDataTouch(c.name)).Get()
		if len(backwardTouches) > 0 {
			firstBackward := backwardTouches[0]
			if opb, ok := f.status.ExecutionSuccessor(firstBackward.Operator); ok {
				bundle.Backward.Execution = append([]Event{{
					TensorName: c.name,
					Size:       swapSize,
					Type:       EventSwapIn,
					PostOp:     opb,
				}}, bundle.Backward.Execution...)
			}
		}

		if unmet <= released {
			break
		}
	}

	f.decided.Store(true)
	return bundle
}

// forwardDataTouch matches a genuine data access of tensor during the
// forward stage: not a swap, since swaps are the scheduler's own
// bookkeeping rather than the model's actual use of the tensor.
func forwardDataTouch(tensor string) events.Predicate {
	return func(e events.MemoryEvent) bool {
		return e.Stage == events.Forward && e.Tensor == tensor && e.Type != events.SwapIn && e.Type != events.SwapOut
	}
}

func backwardDataTouch(tensor string) events.Predicate {
	return func(e events.MemoryEvent) bool {
		return e.Stage == events.Backward && e.Tensor == tensor && e.Type != events.SwapIn && e.Type != events.SwapOut
	}
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
