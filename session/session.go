// Package session implements the per-iteration API the host DL framework
// drives: register the computation graph, request an operator's scoped
// access ticket, allocate/free tensor memory, and mark iteration
// boundaries. It wires status, layout, events, schedule and executor
// together the way the original's Frontend assembled a MemorySession
// around those same collaborators.
//
// Grounded on original_source/frontend/frontend.hpp and
// original_source/frontend/memory_session.hpp.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mori-go/mori/envconfig"
	"github.com/mori-go/mori/events"
	"github.com/mori-go/mori/executor"
	"github.com/mori-go/mori/export"
	"github.com/mori-go/mori/layout"
	"github.com/mori-go/mori/manager"
	"github.com/mori-go/mori/memaddr"
	"github.com/mori-go/mori/morictx"
	"github.com/mori-go/mori/morierr"
	"github.com/mori-go/mori/schedule"
	"github.com/mori-go/mori/status"
)

// allocateRetries mirrors memory_session.hpp's allocateMemory retry
// count before falling back to wait_memory.
const allocateRetries = 2

// Session is a complete memory lifecycle for one DL training run: one
// status/layout/events universe, one scheduler, one operation executor
// and its background schedule executor, and the iteration/stage cursor
// the per-operator Request API reads.
type Session struct {
	id  uuid.UUID
	ctx morictx.Context

	logger *slog.Logger

	status *status.MemoryStatus
	layout *layout.MemoryLayout
	store  *events.Store

	mgr       manager.MemoryManager
	scheduler schedule.Scheduler
	op        *executor.MemoryOperationExecutor
	schedExec *executor.ScheduleExecutor
	defrag    *executor.DefragmentationExecutor

	eventsExp   export.EventsExporter
	tensorsExp  export.TensorsExporter
	scheduleExp export.ScheduleExporter

	mu         sync.Mutex
	iteration  int64
	stage      atomic.Int32 // events.Stage, Forward by default
	lastBundle schedule.Bundle

	inited atomic.Bool
}

// New returns an unconfigured Session bound to st (which the caller
// populates with RegisterTensor/RegisterOperator before Init). logger
// nil defaults to slog.Default().
func New(ctx morictx.Context, st *status.MemoryStatus, lay *layout.MemoryLayout, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:     uuid.New(),
		ctx:    ctx,
		logger: logger,
		status: st,
		layout: lay,
		store:  events.New(logger),
	}
	s.stage.Store(int32(events.Forward))
	return s
}

// ID returns the identifier stamped on this session at construction,
// used in the session's log lines. Exporter output does not carry it.
func (s *Session) ID() uuid.UUID { return s.id }

// EventStore exposes the underlying event store for exporters and
// diagnostics.
func (s *Session) EventStore() *events.Store { return s.store }

// SetMemoryManager assigns the manager the executor and allocate/free
// paths drive. Only valid before Init.
func (s *Session) SetMemoryManager(mgr manager.MemoryManager) error {
	if s.inited.Load() {
		return morierr.ErrInited
	}
	s.mgr = mgr
	return nil
}

// Init freezes the registered tensor/operator universe, builds the
// configured scheduler and executors, and starts the schedule
// executor's background worker.
func (s *Session) Init(ctx context.Context) error {
	if s.inited.Load() {
		return morierr.ErrInited
	}
	if s.mgr == nil {
		return fmt.Errorf("session: %w: memory manager not assigned", morierr.ErrContextMissing)
	}

	if !s.status.Started() {
		if err := s.status.Start(); err != nil {
			return err
		}
	}

	info, err := s.mgr.GetMemoryInfo(ctx)
	if err != nil {
		return err
	}
	blockSize := info.Device.CommonBlock.AlignSize
	if blockSize == 0 {
		blockSize = 4096
	}
	s.layout.SetMemoryInfo(layout.MemoryInfo{
		DeviceSize: info.Device.CommonBlock.Size,
		BlockSize:  blockSize,
		AlignSize:  info.Device.CommonBlock.AlignSize,
	})

	sched, err := schedule.New(s.ctx, s.status, s.store)
	if err != nil {
		return err
	}
	s.scheduler = sched
	s.op = executor.New(s.mgr, s.layout)

	schedExec, err := executor.NewScheduleExecutor(s.ctx, s.op, s.status, s.logger)
	if err != nil {
		return err
	}
	s.schedExec = schedExec
	if err := s.schedExec.Start(ctx); err != nil {
		return err
	}

	if info.Device.TransientBlock.Size > 0 {
		s.defrag = executor.NewDefragmentationExecutor(s.status, s.layout, s.mgr, s.logger)
		if err := s.defrag.SeedRegions(info.Device.TransientBlock.Address); err != nil {
			s.logger.Warn("mori: could not seed transient block for defragmentation", "err", err)
			s.defrag = nil
		} else {
			granularity := info.Device.TransientBlock.AlignSize
			if granularity == 0 {
				granularity = blockSize
			}
			s.schedExec.SetDefragmentation(s.defrag, info.Device.TransientBlock.Address, granularity)
		}
	}

	eventsExp, err := export.NewEventsExporter(s.ctx)
	if err != nil {
		return err
	}
	s.eventsExp = eventsExp
	tensorsExp, err := export.NewTensorsExporter(s.ctx)
	if err != nil {
		return err
	}
	s.tensorsExp = tensorsExp
	scheduleExp, err := export.NewScheduleExporter(s.ctx)
	if err != nil {
		return err
	}
	s.scheduleExp = scheduleExp
	if err := s.tensorsExp.OnTensors(s.status); err != nil {
		s.logger.Warn("mori: tensors exporter failed", "err", err)
	}

	s.iteration = 1
	s.inited.Store(true)
	s.logger.Info("mori session inited", "session", s.id)
	return nil
}

// IsInited reports whether Init has completed successfully.
func (s *Session) IsInited() bool { return s.inited.Load() }

func (s *Session) checkInited() error {
	if !s.inited.Load() {
		return morierr.ErrUninited
	}
	return nil
}

// Iteration returns the current iteration number, starting at 1.
func (s *Session) Iteration() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}

// Stage returns the current forward/backward stage.
func (s *Session) Stage() events.Stage { return events.Stage(s.stage.Load()) }

// Bundle returns the most recently published schedule bundle, the zero
// value before the first NewIteration. Matches export.BundleProvider, so
// a Session can be handed directly to export.NewServer.
func (s *Session) Bundle() schedule.Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBundle
}

// CreateRequest acquires op's exclusive presenter and returns a scoped
// access ticket for its execution.
func (s *Session) CreateRequest(op string) (*Request, error) {
	if err := s.checkInited(); err != nil {
		return nil, err
	}
	opPres, err := s.status.ReferenceOperator(op)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("request created", "operator", op)
	return &Request{
		session: s,
		opName:  op,
		opPres:  opPres,
		tensors: make(map[string]*status.TensorPres),
	}, nil
}

// AllocateMemory allocates device memory for tensor directly (the
// framework-driven path, as opposed to a scheduled copy-in): it retries
// allocateRetries times before invoking WaitMemory once and retrying a
// final time.
func (s *Session) AllocateMemory(ctx context.Context, op, tensor string) error {
	if err := s.checkInited(); err != nil {
		return err
	}
	t, err := s.status.ReferenceTensor(tensor)
	if err != nil {
		return err
	}
	defer t.Release()

	first := t.FirstSection()
	if first.Status != status.StatusNone {
		return &morierr.TensorInvalidError{Tensor: tensor, Reason: "allocate_memory on a tensor that already has device state"}
	}

	addr, err := s.allocateWithRetry(ctx, first.Size)
	if err != nil {
		return err
	}
	if err := t.Allocate(first.Offset, addr); err != nil {
		return err
	}
	s.EmitEvent(op, tensor, events.Allocate, first.Size)
	return nil
}

func (s *Session) allocateWithRetry(ctx context.Context, size uint64) (addr memaddr.Address, err error) {
	for i := 0; i < allocateRetries; i++ {
		addr, err = s.mgr.AllocateDevice(ctx, size)
		if err == nil {
			return addr, nil
		}
	}
	if !morierr.IsInsufficience(err) {
		return memaddr.None, err
	}
	if waitErr := s.WaitMemory(ctx, size); waitErr != nil {
		return memaddr.None, waitErr
	}
	return s.mgr.AllocateDevice(ctx, size)
}

// FreeMemory releases tensor's current residency directly against the
// manager, the same framework-driven path AllocateMemory used to
// acquire it: it never touches the layout ledger, since that address
// was never recorded there either.
func (s *Session) FreeMemory(ctx context.Context, op, tensor string) error {
	if err := s.checkInited(); err != nil {
		return err
	}
	t, err := s.status.ReferenceTensor(tensor)
	if err != nil {
		return err
	}
	defer t.Release()

	first := t.FirstSection()
	size := first.Size
	switch first.Status {
	case status.StatusNone:
		return &morierr.TensorInvalidError{Tensor: tensor, Reason: "free_memory on a tensor with no residency"}
	case status.StatusEmpty, status.StatusDevice:
		if err := s.mgr.FreeDevice(ctx, first.DeviceAddress); err != nil {
			return err
		}
		if err := t.FreeDevice(first.Offset); err != nil {
			return err
		}
	case status.StatusHost:
		if err := s.mgr.FreeHost(ctx, first.HostAddress); err != nil {
			return err
		}
		if err := t.FreeHost(first.Offset); err != nil {
			return err
		}
	case status.StatusCoexist:
		if err := s.mgr.FreeDevice(ctx, first.DeviceAddress); err != nil {
			return err
		}
		if err := s.mgr.FreeHost(ctx, first.HostAddress); err != nil {
			return err
		}
		if err := t.FreeDevice(first.Offset); err != nil {
			return err
		}
		if err := t.FreeHost(first.Offset); err != nil {
			return err
		}
	}
	s.EmitEvent(op, tensor, events.Free, size)
	return nil
}

// WaitMemory triggers the schedule executor's emergency eviction sweep,
// used both by AllocateMemory's exhaustion path and by Request.WaitTensor.
func (s *Session) WaitMemory(ctx context.Context, size uint64) error {
	if err := s.checkInited(); err != nil {
		return err
	}
	return s.schedExec.WaitMemory(ctx, size)
}

// NewIteration closes out the current iteration: lets the scheduler
// decide the next bundle from the iteration just recorded, publishes it
// to the schedule executor, and advances the iteration counter.
func (s *Session) NewIteration() error {
	if err := s.checkInited(); err != nil {
		return err
	}
	s.scheduler.OnNewIteration()
	bundle := s.scheduler.Bundle()
	if err := s.schedExec.UpdateSchedule(bundle.Forward, bundle.Backward); err != nil {
		return err
	}
	if err := s.scheduleExp.OnSchedule(bundle); err != nil {
		s.logger.Warn("mori: schedule exporter failed", "err", err)
	}

	s.mu.Lock()
	s.iteration++
	s.lastBundle = bundle
	s.mu.Unlock()
	s.stage.Store(int32(events.Forward))
	s.schedExec.NewIteration()
	s.logger.Debug("new iteration", "iteration", s.Iteration())
	return nil
}

// HalfIteration marks the forward/backward boundary within the current
// iteration.
func (s *Session) HalfIteration() error {
	if err := s.checkInited(); err != nil {
		return err
	}
	s.stage.Store(int32(events.Backward))
	s.schedExec.HalfIteration()
	return nil
}

// EmitEvent records a MemoryEvent at the session's current iteration and
// stage, and notifies the scheduler.
func (s *Session) EmitEvent(op, tensor string, typ events.Type, size uint64) {
	ev := events.MemoryEvent{
		Iteration: int(s.Iteration()),
		Operator:  op,
		Tensor:    tensor,
		Size:      size,
		Type:      typ,
		Stage:     s.Stage(),
		Timestamp: time.Now(),
	}
	s.store.Emit(ev)
	if s.scheduler != nil {
		s.scheduler.OnMemoryEvent(ev)
	}
	if s.eventsExp != nil {
		if err := s.eventsExp.OnEvent(ev); err != nil {
			s.logger.Warn("mori: events exporter failed", "err", err)
		}
	}
}

// Terminate stops the background schedule executor and marks the
// session uninitialized. Safe to call at most once.
func (s *Session) Terminate() error {
	if !s.inited.CompareAndSwap(true, false) {
		return morierr.ErrUninited
	}
	err := s.schedExec.Terminate()
	s.eventsExp.Close()
	s.tensorsExp.Close()
	s.scheduleExp.Close()
	s.logger.Info("mori session terminated", "session", s.id)
	return err
}

// MaxQueue reports the configured pending-request depth from envconfig,
// exposed here so a caller sizing its own request channel against a
// Session does not need to import envconfig directly.
func (s *Session) MaxQueue() int { return envconfig.MaxQueue() }
