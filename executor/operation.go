// Package executor realises the session's residency decisions against a
// manager.MemoryManager: copy-in/out, free, and (when the manager
// supports targeted sub-allocation) fragment/fuse and section-aware
// relocation. A background ScheduleExecutor drains published schedule
// bundles on a worker goroutine.
//
// Grounded on original_source/frontend/memory_operation_executor.hpp and
// memory_schedule_executor.hpp.
package executor

import (
	"context"
	"fmt"

	"github.com/mori-go/mori/layout"
	"github.com/mori-go/mori/manager"
	"github.com/mori-go/mori/status"
)

// impl is the capability-selected strategy MemoryOperationExecutor
// delegates to, mirroring MemoryOperationExecutorImpl's two concrete
// subclasses.
type impl interface {
	copyIn(ctx context.Context, tensor *status.TensorPres, size uint64) error
	copyOut(ctx context.Context, tensor *status.TensorPres, size uint64) error
	freeDevice(ctx context.Context, tensor *status.TensorPres, size uint64) error
	freeHost(ctx context.Context, tensor *status.TensorPres, size uint64) error
	fragment(ctx context.Context, tensor *status.TensorPres) error
	fuse(ctx context.Context, tensor *status.TensorPres) error
}

// MemoryOperationExecutor realises tensor residency operations against a
// single memory manager. The concrete strategy (default vs sectioned) is
// chosen once at construction from the manager's capability set.
type MemoryOperationExecutor struct {
	mgr    manager.MemoryManager
	layout *layout.MemoryLayout
	impl   impl
}

// New selects the default (whole-tensor) implementation for a manager
// that does not support targeted sub-allocation, or the sectioned
// implementation for one that does.
func New(mgr manager.MemoryManager, lay *layout.MemoryLayout) *MemoryOperationExecutor {
	e := &MemoryOperationExecutor{mgr: mgr, layout: lay}
	if mgr.SupportsSections() {
		e.impl = &sectioned{mgr: mgr, layout: lay}
	} else {
		e.impl = &deflt{mgr: mgr, layout: lay}
	}
	return e
}

func sizeError(tensor *status.TensorPres, op string) error {
	return fmt.Errorf("executor: %s size exceeds tensor %q size", op, tensor.Name())
}

// CopyIn copies size bytes of tensor data from host to device, starting
// from the section most recently evicted.
func (e *MemoryOperationExecutor) CopyIn(ctx context.Context, tensor *status.TensorPres, size uint64) error {
	if tensor.TotalSize() < size {
		return sizeError(tensor, "copy_in")
	}
	return e.impl.copyIn(ctx, tensor, size)
}

// CopyOut copies size bytes of tensor data from device to host, starting
// from the first device-resident section.
func (e *MemoryOperationExecutor) CopyOut(ctx context.Context, tensor *status.TensorPres, size uint64) error {
	if tensor.TotalSize() < size {
		return sizeError(tensor, "copy_out")
	}
	return e.impl.copyOut(ctx, tensor, size)
}

// FreeDevice releases size bytes of device residency, starting from the
// first device-resident section.
func (e *MemoryOperationExecutor) FreeDevice(ctx context.Context, tensor *status.TensorPres, size uint64) error {
	if tensor.TotalSize() < size {
		return sizeError(tensor, "free_device")
	}
	return e.impl.freeDevice(ctx, tensor, size)
}

// FreeHost releases size bytes of host residency, starting from the last
// host-resident section.
func (e *MemoryOperationExecutor) FreeHost(ctx context.Context, tensor *status.TensorPres, size uint64) error {
	if tensor.TotalSize() < size {
		return sizeError(tensor, "free_host")
	}
	return e.impl.freeHost(ctx, tensor, size)
}

// SwapIn brings size bytes back onto the device and releases their host
// copy: copyIn followed by freeHost.
func (e *MemoryOperationExecutor) SwapIn(ctx context.Context, tensor *status.TensorPres, size uint64) error {
	if err := e.CopyIn(ctx, tensor, size); err != nil {
		return err
	}
	return e.FreeHost(ctx, tensor, size)
}

// SwapOut evicts size bytes to host and releases their device copy:
// copyOut followed by freeDevice.
func (e *MemoryOperationExecutor) SwapOut(ctx context.Context, tensor *status.TensorPres, size uint64) error {
	if err := e.CopyOut(ctx, tensor, size); err != nil {
		return err
	}
	return e.FreeDevice(ctx, tensor, size)
}

// Free releases size bytes on both device and host.
func (e *MemoryOperationExecutor) Free(ctx context.Context, tensor *status.TensorPres, size uint64) error {
	if err := e.FreeDevice(ctx, tensor, size); err != nil {
		return err
	}
	return e.FreeHost(ctx, tensor, size)
}

// Fragment reserves the tensor's requested trailing fragment region.
func (e *MemoryOperationExecutor) Fragment(ctx context.Context, tensor *status.TensorPres) error {
	return e.impl.fragment(ctx, tensor)
}

// Fuse releases the tensor's reserved trailing fragment region.
func (e *MemoryOperationExecutor) Fuse(ctx context.Context, tensor *status.TensorPres) error {
	return e.impl.fuse(ctx, tensor)
}
