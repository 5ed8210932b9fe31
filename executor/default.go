package executor

import (
	"context"

	"github.com/mori-go/mori/layout"
	"github.com/mori-go/mori/manager"
	"github.com/mori-go/mori/status"
)

// deflt assumes every tensor it touches holds exactly one section: the
// manager has no targeted-allocation capability, so there is never a
// reason for the planner or the session to have split one.
//
// Grounded on MemoryOperationExecutorDefaultImpl.
type deflt struct {
	mgr    manager.MemoryManager
	layout *layout.MemoryLayout
}

func (d *deflt) copyIn(ctx context.Context, tensor *status.TensorPres, _ uint64) error {
	section := tensor.FirstSection()
	switch section.Status {
	case status.StatusNone, status.StatusHost:
		addr, err := d.mgr.AllocateDevice(ctx, section.Size)
		if err != nil {
			return err
		}
		if err := d.layout.RecordAllocate(addr, section.Size, tensor.Name()); err != nil {
			return err
		}
		if section.Status == status.StatusHost {
			if err := d.mgr.CopyIn(ctx, section.HostAddress, addr, section.Size); err != nil {
				return err
			}
		}
		return tensor.CopyIn(section.Offset, addr)
	default:
		return nil
	}
}

func (d *deflt) copyOut(ctx context.Context, tensor *status.TensorPres, _ uint64) error {
	section := tensor.FirstSection()
	if section.Status != status.StatusDevice {
		return nil
	}
	hostAddr, err := d.mgr.AllocateHost(ctx, section.Size)
	if err != nil {
		return err
	}
	if err := d.mgr.CopyOut(ctx, section.DeviceAddress, hostAddr, section.Size); err != nil {
		return err
	}
	return tensor.CopyOut(section.Offset, hostAddr)
}

func (d *deflt) freeDevice(ctx context.Context, tensor *status.TensorPres, _ uint64) error {
	section := tensor.FirstSection()
	if !section.Status.OccupiesDevice() {
		return nil
	}
	if err := d.layout.RecordFree(section.DeviceAddress); err != nil {
		return err
	}
	if err := d.mgr.FreeDevice(ctx, section.DeviceAddress); err != nil {
		return err
	}
	return tensor.FreeDevice(section.Offset)
}

func (d *deflt) freeHost(ctx context.Context, tensor *status.TensorPres, _ uint64) error {
	section := tensor.FirstSection()
	if !section.Status.OccupiesHost() {
		return nil
	}
	if err := d.mgr.FreeHost(ctx, section.HostAddress); err != nil {
		return err
	}
	return tensor.FreeHost(section.Offset)
}

func (d *deflt) fragment(context.Context, *status.TensorPres) error { return nil }
func (d *deflt) fuse(context.Context, *status.TensorPres) error     { return nil }
