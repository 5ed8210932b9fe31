package schedule

import (
	"github.com/mori-go/mori/events"
	"github.com/mori-go/mori/morictx"
	"github.com/mori-go/mori/status"
)

// DependencyAware is reserved for a policy that schedules swaps from the
// tensor dependency graph rather than a flat execution-order walk. The
// original leaves it as an empty override set (onSchedule/onMemoryEvent/
// onNewIteration all no-ops); carried forward unimplemented rather than
// invented, per the Open Question decision in SPEC_FULL.md §5.
type DependencyAware struct {
	*base
}

func NewDependencyAware(ctx morictx.Context, st *status.MemoryStatus, store *events.Store) *DependencyAware {
	return &DependencyAware{base: newBase(ctx, st, store)}
}

func (d *DependencyAware) OnMemoryEvent(events.MemoryEvent) {}
func (d *DependencyAware) OnSchedule()                      {}
func (d *DependencyAware) OnNewIteration()                  {}

// MaximumSizePriority is reserved for a policy that prioritises swapping
// the largest tensors first. Also an empty override set in the original.
type MaximumSizePriority struct {
	*base
}

func NewMaximumSizePriority(ctx morictx.Context, st *status.MemoryStatus, store *events.Store) *MaximumSizePriority {
	return &MaximumSizePriority{base: newBase(ctx, st, store)}
}

func (m *MaximumSizePriority) OnMemoryEvent(events.MemoryEvent) {}
func (m *MaximumSizePriority) OnSchedule()                      {}
func (m *MaximumSizePriority) OnNewIteration()                  {}
