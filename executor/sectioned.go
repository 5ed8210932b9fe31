package executor

import (
	"context"
	"fmt"

	"github.com/mori-go/mori/layout"
	"github.com/mori-go/mori/manager"
	"github.com/mori-go/mori/morierr"
	"github.com/mori-go/mori/status"
)

// sectioned drives a manager that supports targeted sub-allocation,
// so a tensor may be spread across several independently-tracked
// sections at different residency states. copyIn restores the most
// recently evicted data first (walking from the last section backward);
// copyOut/freeDevice walk forward; freeHost walks backward.
//
// Grounded on MemoryOperationExecutorSectionedImpl. One deliberate
// deviation: the original retargets a freed section's re-allocation at
// its previous device address (`salloc(section->device_address, ...)`),
// which depends on a freed section still remembering that address. This
// port's status.TensorPres.FreeDevice clears the address once a section
// is freed (kept for state-machine clarity — see DESIGN.md), so a
// section needing restoration is given a plain AllocateDevice instead of
// a targeted one; any allocation failure still falls back to relocate,
// preserving the externally observable behaviour (backward-first
// restore order, whole-tensor relocation on exhaustion, final merge).
type sectioned struct {
	mgr    manager.MemoryManager
	layout *layout.MemoryLayout
}

// mergeNeighbors folds the section at offset together with its successor
// and, separately, its predecessor together with it, whenever address-
// contiguous and same-status — cheap bookkeeping, since the underlying
// device ranges are already contiguous by construction.
func (s *sectioned) mergeNeighbors(tensor *status.TensorPres, offset uint64) {
	if tensor.IsMergeable(offset) {
		tensor.Merge(offset)
	}
	if prev, ok := precedingOffset(tensor.Sections(), offset); ok && tensor.IsMergeable(prev) {
		tensor.Merge(prev)
	}
}

// precedingOffset returns the offset of the section immediately before
// offset in sections, if any.
func precedingOffset(sections []status.MemorySection, offset uint64) (uint64, bool) {
	best, found := uint64(0), false
	for _, sec := range sections {
		if sec.Offset < offset && (!found || sec.Offset > best) {
			best, found = sec.Offset, true
		}
	}
	return best, found
}

// rightmostBefore returns the section with the largest offset strictly
// below frontier, the next one copyIn's backward walk should visit.
// Selecting by offset rather than by slice index keeps the walk correct
// across merges, which change section count without changing the
// offsets of sections outside the merged pair.
func rightmostBefore(sections []status.MemorySection, frontier uint64) (status.MemorySection, bool) {
	best, found := status.MemorySection{}, false
	for _, sec := range sections {
		if sec.Offset < frontier && (!found || sec.Offset > best.Offset) {
			best, found = sec, true
		}
	}
	return best, found
}

// copyIn restores size bytes of tensor data to device, walking sections
// from the last (most recently evicted) toward the first.
func (s *sectioned) copyIn(ctx context.Context, tensor *status.TensorPres, size uint64) error {
	var copied uint64
	frontier := tensor.TotalSize()
	for copied < size && frontier > 0 {
		sec, ok := rightmostBefore(tensor.Sections(), frontier)
		if !ok {
			return nil
		}

		switch sec.Status {
		case status.StatusNone, status.StatusHost:
			if tensor.TotalSize() == size && tensor.DeviceSize() == 0 {
				return s.relocate(ctx, tensor)
			}
			addr, err := s.mgr.AllocateDevice(ctx, sec.Size)
			if err != nil {
				return s.relocate(ctx, tensor)
			}
			if err := s.layout.RecordAllocate(addr, sec.Size, tensor.Name()); err != nil {
				return err
			}
			if sec.Status == status.StatusHost {
				if err := s.mgr.CopyIn(ctx, sec.HostAddress, addr, sec.Size); err != nil {
					return err
				}
			}
			if err := tensor.CopyIn(sec.Offset, addr); err != nil {
				return err
			}
			s.mergeNeighbors(tensor, sec.Offset)
		default:
			// already coexist/empty/device; nothing to do for this section.
		}
		copied += sec.Size
		frontier = sec.Offset
	}
	return nil
}

// copyOut evicts size bytes of tensor data to host, walking sections
// from the first toward the last.
func (s *sectioned) copyOut(ctx context.Context, tensor *status.TensorPres, size uint64) error {
	var copied uint64
	for copied < size {
		sections := tensor.Sections()
		sec, ok := firstWithStatus(sections, status.StatusDevice)
		if !ok {
			return nil
		}
		if copied+sec.Size > size {
			splitAt := size - copied
			right, err := tensor.Split(sec.Offset, splitAt)
			if err != nil {
				return err
			}
			if err := s.layout.RecordSplit(sec.DeviceAddress, splitAt); err != nil {
				return err
			}
			if _, err := s.mgr.Split(ctx, sec.DeviceAddress, splitAt); err != nil {
				return err
			}
			_ = right
			sections = tensor.Sections()
			sec, _ = firstWithStatus(sections, status.StatusDevice)
		}
		hostAddr, err := s.mgr.AllocateHost(ctx, sec.Size)
		if err != nil {
			return err
		}
		if err := s.mgr.CopyOut(ctx, sec.DeviceAddress, hostAddr, sec.Size); err != nil {
			return err
		}
		if err := tensor.CopyOut(sec.Offset, hostAddr); err != nil {
			return err
		}
		copied += sec.Size
	}
	return nil
}

func firstWithStatus(sections []status.MemorySection, st status.SectionStatus) (status.MemorySection, bool) {
	for _, sec := range sections {
		if sec.Status == st {
			return sec, true
		}
	}
	return status.MemorySection{}, false
}

func lastWithStatusIn(sections []status.MemorySection, sts ...status.SectionStatus) (status.MemorySection, bool) {
	for i := len(sections) - 1; i >= 0; i-- {
		for _, st := range sts {
			if sections[i].Status == st {
				return sections[i], true
			}
		}
	}
	return status.MemorySection{}, false
}

// freeDevice releases size bytes of device residency, walking sections
// from the first toward the last, folding the tensor's reserved
// fragment back in once its device footprint reaches zero.
func (s *sectioned) freeDevice(ctx context.Context, tensor *status.TensorPres, size uint64) error {
	var freed uint64
	for freed < size {
		sections := tensor.Sections()
		sec, ok := firstOccupyingDevice(sections)
		if !ok {
			break
		}
		if err := s.layout.RecordFree(sec.DeviceAddress); err != nil {
			return err
		}
		if err := s.mgr.FreeDevice(ctx, sec.DeviceAddress); err != nil {
			return err
		}
		if err := tensor.FreeDevice(sec.Offset); err != nil {
			return err
		}
		s.mergeNeighbors(tensor, sec.Offset)
		freed += sec.Size
	}
	if tensor.DeviceSize() == 0 && tensor.HasFragment() {
		frag := tensor.Fragment()
		if frag.Status == status.StatusEmpty {
			if err := s.layout.RecordFree(frag.Address); err != nil {
				return err
			}
			if err := s.mgr.FreeDevice(ctx, frag.Address); err != nil {
				return err
			}
			if err := tensor.SetFragmentRemoved(); err != nil {
				return err
			}
		}
	}
	return nil
}

func firstOccupyingDevice(sections []status.MemorySection) (status.MemorySection, bool) {
	for _, sec := range sections {
		if sec.Status.OccupiesDevice() {
			return sec, true
		}
	}
	return status.MemorySection{}, false
}

// freeHost releases size bytes of host residency, walking sections from
// the last toward the first.
func (s *sectioned) freeHost(ctx context.Context, tensor *status.TensorPres, size uint64) error {
	var freed uint64
	for freed < size {
		sections := tensor.Sections()
		sec, ok := lastWithStatusIn(sections, status.StatusHost, status.StatusCoexist)
		if !ok {
			return nil
		}
		if err := s.mgr.FreeHost(ctx, sec.HostAddress); err != nil {
			return err
		}
		if err := tensor.FreeHost(sec.Offset); err != nil {
			return err
		}
		s.mergeNeighbors(tensor, sec.Offset)
		freed += sec.Size
	}
	return nil
}

func (s *sectioned) fragment(ctx context.Context, tensor *status.TensorPres) error {
	if !tensor.HasFragment() {
		return &morierr.TensorInvalidError{Tensor: tensor.Name(), Reason: "tensor does not request a fragment"}
	}
	first := tensor.FirstSection()
	target := first.DeviceAddress.Offset(tensor.TotalSize())
	frag := tensor.Fragment()
	if err := s.mgr.SAlloc(ctx, target, frag.Size); err != nil {
		return fmt.Errorf("executor: fragment allocation for tensor %q failed: %w", tensor.Name(), err)
	}
	if err := s.layout.RecordAllocate(target, frag.Size, tensor.Name()); err != nil {
		return err
	}
	return tensor.SetFragmentPlaced(target)
}

func (s *sectioned) fuse(ctx context.Context, tensor *status.TensorPres) error {
	if !tensor.HasFragment() {
		return &morierr.TensorInvalidError{Tensor: tensor.Name(), Reason: "tensor does not request a fragment"}
	}
	frag := tensor.Fragment()
	if err := s.layout.RecordFree(frag.Address); err != nil {
		return err
	}
	if err := s.mgr.FreeDevice(ctx, frag.Address); err != nil {
		return err
	}
	return tensor.SetFragmentRemoved()
}

// relocate reallocates the tensor's full footprint as one contiguous
// device range, swapping out its current device residue first if
// capacity demands it, then copying every section's payload into the
// new range and merging them into one. copyIn calls it when the plain
// device allocation for a single section fails, and directly when the
// whole tensor is requested while none of it is on device.
func (s *sectioned) relocate(ctx context.Context, tensor *status.TensorPres) error {
	addr, err := s.mgr.AllocateDevice(ctx, tensor.TotalSize())
	if err != nil {
		if tensor.DeviceSize() != 0 {
			if err := s.copyOut(ctx, tensor, tensor.DeviceSize()); err != nil {
				return err
			}
			if err := s.freeDevice(ctx, tensor, tensor.DeviceSize()); err != nil {
				return err
			}
		}
		addr, err = s.mgr.AllocateDevice(ctx, tensor.TotalSize())
		if err != nil {
			return fmt.Errorf("executor: relocate tensor %q failed: %w", tensor.Name(), err)
		}
	}
	if err := s.layout.RecordAllocate(addr, tensor.TotalSize(), tensor.Name()); err != nil {
		return err
	}
	if tensor.HasFragment() {
		if frag := tensor.Fragment(); frag.Status == status.StatusEmpty {
			if err := s.layout.RecordFree(frag.Address); err != nil {
				return err
			}
			if err := s.mgr.FreeDevice(ctx, frag.Address); err != nil {
				return err
			}
			if err := tensor.SetFragmentRemoved(); err != nil {
				return err
			}
		}
	}

	cur := addr
	for _, sec := range tensor.Sections() {
		switch sec.Status {
		case status.StatusEmpty:
			if err := s.layout.RecordFree(sec.DeviceAddress); err != nil {
				return err
			}
			if err := s.mgr.FreeDevice(ctx, sec.DeviceAddress); err != nil {
				return err
			}
			if err := tensor.FreeDevice(sec.Offset); err != nil {
				return err
			}
			if err := tensor.CopyIn(sec.Offset, cur); err != nil {
				return err
			}
		case status.StatusNone:
			if err := tensor.CopyIn(sec.Offset, cur); err != nil {
				return err
			}
		case status.StatusHost:
			if err := s.mgr.CopyIn(ctx, sec.HostAddress, cur, sec.Size); err != nil {
				return err
			}
			if err := tensor.CopyIn(sec.Offset, cur); err != nil {
				return err
			}
		case status.StatusCoexist, status.StatusDevice:
			if err := s.mgr.CopyDevice(ctx, sec.DeviceAddress, cur, sec.Size); err != nil {
				return err
			}
			if err := s.layout.RecordFree(sec.DeviceAddress); err != nil {
				return err
			}
			if err := s.mgr.FreeDevice(ctx, sec.DeviceAddress); err != nil {
				return err
			}
			if err := tensor.Moved(sec.Offset, cur); err != nil {
				return err
			}
		}
		cur = cur.Offset(sec.Size)
	}

	for {
		secs := tensor.Sections()
		if len(secs) <= 1 {
			return nil
		}
		merged := false
		for _, sec := range secs {
			if tensor.IsMergeable(sec.Offset) {
				if _, err := tensor.Merge(sec.Offset); err != nil {
					return err
				}
				merged = true
				break
			}
		}
		if !merged {
			return nil
		}
	}
}

