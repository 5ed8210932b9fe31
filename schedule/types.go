// Package schedule implements the pluggable swap-decision policies: given
// the previous iteration's recorded events and the declared execution
// order, decide which tensors to swap out in the forward pass and back in
// during the backward pass, and at which point in execution (or
// wall-clock time) to do it.
//
// Grounded on original_source/backend/schedulers/memory_scheduler.hpp and
// original_source/includes/memory_schedule_event.hpp.
package schedule

import "github.com/mori-go/mori/layout"

// EventType distinguishes the kind of memory operation a ScheduleEvent
// asks the executor to perform.
type EventType int

const (
	EventAllocate EventType = iota
	EventCopyIn
	EventCopyOut
	EventSwapIn
	EventSwapOut
	EventFreeDevice
	EventFreeHost
	EventFree
)

func (t EventType) String() string {
	switch t {
	case EventAllocate:
		return "allocate"
	case EventCopyIn:
		return "copyin"
	case EventCopyOut:
		return "copyout"
	case EventSwapIn:
		return "swapin"
	case EventSwapOut:
		return "swapout"
	case EventFreeDevice:
		return "freedev"
	case EventFreeHost:
		return "freehost"
	case EventFree:
		return "free"
	default:
		return "unknown"
	}
}

// Event is one scheduled memory operation, triggered either by execution
// reaching PostOp (an execution-triggered event) or by Timepoint elapsed
// time units since the iteration began (a time-triggered event). Instant
// is carried on the event, but the ScheduleExecutor does not read it:
// instant events run on its worker like every other due event.
type Event struct {
	OperatorName string
	TensorName   string
	Size         uint64
	Type         EventType
	PostOp       string
	Timepoint    int64
	Instant      bool
}

// StageEvents groups the execution-triggered and time-triggered events
// that apply to one half of an iteration (forward or backward).
type StageEvents struct {
	Execution []Event
	Timepoint []Event
}

// Bundle is everything a scheduler produces for the upcoming iteration:
// the layout plan tensors should follow plus the forward/backward event
// sets that move them there.
type Bundle struct {
	MemoryMap *layout.MemoryMap
	Forward   StageEvents
	Backward  StageEvents
}
