package schedule

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mori-go/mori/events"
	"github.com/mori-go/mori/morictx"
	"github.com/mori-go/mori/status"
)

// Scheduler is the pluggable swap-decision policy a session drives at
// three points: once per incoming memory event, once per scheduling
// trigger (time- or dependency-based, per morictx's
// "scheduler.trigger_event" key), and once per new iteration.
type Scheduler interface {
	OnMemoryEvent(ev events.MemoryEvent)
	OnSchedule()
	OnNewIteration()
	Bundle() Bundle
}

// base holds the collaborators every concrete scheduler needs: the
// immutable context, the registered tensor/operator universe, and the
// event history to reason from. Embed it rather than duplicating these
// fields in every policy.
type base struct {
	ctx    morictx.Context
	status *status.MemoryStatus
	events *events.Store

	mu     sync.RWMutex
	bundle Bundle
	sf     singleflight.Group
}

func newBase(ctx morictx.Context, st *status.MemoryStatus, store *events.Store) *base {
	return &base{ctx: ctx, status: st, events: store}
}

func (b *base) Bundle() Bundle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bundle
}

func (b *base) setBundle(bundle Bundle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bundle = bundle
}

// recomputeOnce runs decide under the scheduler's singleflight group so
// that concurrent OnNewIteration calls (a session's iteration boundary
// racing the schedule executor's own emergency recompute trigger)
// collapse into a single pass instead of deciding the same iteration
// twice and racing on bundle.
func (b *base) recomputeOnce(decide func() Bundle) {
	v, _, _ := b.sf.Do("recompute", func() (any, error) {
		return decide(), nil
	})
	b.setBundle(v.(Bundle))
}

// New constructs the scheduler named by ctx's "scheduler" key (default
// "fifo"). Unknown names are a context configuration error, not a silent
// fallback.
func New(ctx morictx.Context, st *status.MemoryStatus, store *events.Store) (Scheduler, error) {
	name, _ := ctx.Get("scheduler")
	switch name {
	case "fifo":
		return NewFIFO(ctx, st, store), nil
	case "dependency-aware":
		return NewDependencyAware(ctx, st, store), nil
	case "max-size-priority":
		return NewMaximumSizePriority(ctx, st, store), nil
	default:
		return nil, unknownSchedulerError(name)
	}
}
