package session

import (
	"context"
	"sync"

	"github.com/mori-go/mori/events"
	"github.com/mori-go/mori/memaddr"
	"github.com/mori-go/mori/morierr"
	"github.com/mori-go/mori/status"
)

// Request is a scoped access ticket for one operator execution: it holds
// the operator's exclusive presenter plus whichever tensor presenters it
// acquires along the way, and drops all of them on Release.
//
// Grounded on memory_session.hpp, which folds the same lifecycle
// (create_request/set_operation_started/release) into MemorySession
// itself; this port lifts it into its own type since Go has no implicit
// "current request" thread-local to hang it from.
type Request struct {
	session *Session
	opName  string
	opPres  *status.OperatorPres

	mu       sync.Mutex
	tensors  map[string]*status.TensorPres
	started  bool
	released bool
}

func (r *Request) checkLive() error {
	if r.released {
		return morierr.ErrUninited
	}
	return nil
}

// referenceTensor returns the already-held presenter for name, acquiring
// one if this is the first touch this request has made to it.
func (r *Request) referenceTensor(name string) (*status.TensorPres, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tensors[name]; ok {
		return t, nil
	}
	t, err := r.session.status.ReferenceTensor(name)
	if err != nil {
		return nil, err
	}
	r.tensors[name] = t
	return t, nil
}

// WaitTensor blocks until tensor has every section resident on device:
// sections on host are copied in and their host copy released, and an
// insufficient-device error triggers the session's emergency eviction
// sweep before retrying once. A section that has never held data
// (StatusNone) lands on StatusEmpty, awaiting the operator's own
// SetMemoryDataAssigned rather than a copy-in — there is nothing to
// wait for yet.
func (r *Request) WaitTensor(ctx context.Context, tensor string) error {
	if err := r.checkLive(); err != nil {
		return err
	}
	t, err := r.referenceTensor(tensor)
	if err != nil {
		return err
	}

	allDevice := true
	for _, sec := range t.Sections() {
		if sec.Status != status.StatusDevice {
			allDevice = false
			break
		}
	}
	if allDevice {
		return nil
	}

	size := t.TotalSize()
	if err := r.session.op.CopyIn(ctx, t, size); err != nil {
		if !morierr.IsInsufficience(err) {
			return err
		}
		if waitErr := r.session.WaitMemory(ctx, size); waitErr != nil {
			return waitErr
		}
		if err := r.session.op.CopyIn(ctx, t, size); err != nil {
			return err
		}
	}
	return r.session.op.FreeHost(ctx, t, size)
}

// SetMemoryDataAllocated records a framework-side device allocation for
// tensor's first section directly into status and layout.
func (r *Request) SetMemoryDataAllocated(tensor string, addr memaddr.Address) error {
	if err := r.checkLive(); err != nil {
		return err
	}
	t, err := r.referenceTensor(tensor)
	if err != nil {
		return err
	}
	offset := t.FirstSection().Offset
	if err := t.Allocate(offset, addr); err != nil {
		return err
	}
	if err := r.session.layout.RecordAllocate(addr, t.FirstSection().Size, tensor); err != nil {
		return err
	}
	r.session.EmitEvent(r.opName, tensor, events.Allocate, t.FirstSection().Size)
	return nil
}

// SetMemoryDataAssigned transitions tensor's first section empty -> device:
// the framework has written its data into the allocated memory.
func (r *Request) SetMemoryDataAssigned(tensor string) error {
	if err := r.checkLive(); err != nil {
		return err
	}
	t, err := r.referenceTensor(tensor)
	if err != nil {
		return err
	}
	offset := t.FirstSection().Offset
	if err := t.Assign(offset); err != nil {
		return err
	}
	r.session.EmitEvent(r.opName, tensor, events.Write, t.FirstSection().Size)
	return nil
}

// SetMemoryDataAcquired reaffirms device residence for a read: the
// section must already be StatusDevice.
func (r *Request) SetMemoryDataAcquired(tensor string) error {
	if err := r.checkLive(); err != nil {
		return err
	}
	t, err := r.referenceTensor(tensor)
	if err != nil {
		return err
	}
	if t.FirstSection().Status != status.StatusDevice {
		return &morierr.TensorInvalidError{Tensor: tensor, Reason: "data acquired while not resident on device"}
	}
	r.session.EmitEvent(r.opName, tensor, events.Access, t.FirstSection().Size)
	return nil
}

// SetMemoryDataFreed transitions tensor to StatusNone on both device and
// host.
func (r *Request) SetMemoryDataFreed(ctx context.Context, tensor string) error {
	if err := r.checkLive(); err != nil {
		return err
	}
	t, err := r.referenceTensor(tensor)
	if err != nil {
		return err
	}
	size := t.TotalSize()
	if err := r.session.op.Free(ctx, t, size); err != nil {
		return err
	}
	r.session.EmitEvent(r.opName, tensor, events.Free, size)
	return nil
}

// SetOperationStarted marks the operator's critical section as entered.
// Advances the schedule executor's dependency trigger so execution-
// triggered events keyed to this operator's successors become eligible.
func (r *Request) SetOperationStarted() error {
	if err := r.checkLive(); err != nil {
		return err
	}
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	r.session.schedExec.NextOperator()
	return nil
}

// Release drops every tensor presenter this request acquired and the
// operator presenter itself. Safe to call more than once; only the
// first call has effect.
func (r *Request) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	tensors := r.tensors
	r.tensors = nil
	r.mu.Unlock()

	for _, t := range tensors {
		t.Release()
	}
	r.opPres.Release()
}
