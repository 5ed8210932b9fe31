package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mori-go/mori/layout"
	"github.com/mori-go/mori/manager"
	"github.com/mori-go/mori/memaddr"
	"github.com/mori-go/mori/morierr"
	"github.com/mori-go/mori/status"
)

// DefragmentationExecutor compacts the transient block: the region WaitMemory
// swaps through every iteration, and so the one that fragments fastest. It
// tracks allocated/idle regions bucketed by size so a gap too small to
// satisfy a pending allocation can be grown by relocating a same-sized
// allocation into it, falling back to swapping with its immediate right
// neighbour when no same-sized match exists.
//
// Grounded on original_source/frontend/memory_defragmentation_executor.hpp's
// MemoryDefragmentationExecutor.
type DefragmentationExecutor struct {
	status *status.MemoryStatus
	layout *layout.MemoryLayout
	mgr    manager.MemoryManager
	logger *slog.Logger

	mu        sync.Mutex
	allocated map[uint64]map[memaddr.Address]bool
	idle      map[uint64]map[memaddr.Address]bool
}

// NewDefragmentationExecutor builds a defragmentation executor over the
// given layout/manager pair. SeedRegions must be called once the manager's
// transient block is known before PerformDefragmentation does anything
// useful.
func NewDefragmentationExecutor(st *status.MemoryStatus, l *layout.MemoryLayout, mgr manager.MemoryManager, logger *slog.Logger) *DefragmentationExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefragmentationExecutor{
		status:    st,
		layout:    l,
		mgr:       mgr,
		logger:    logger,
		allocated: make(map[uint64]map[memaddr.Address]bool),
		idle:      make(map[uint64]map[memaddr.Address]bool),
	}
}

// SeedRegions populates the size buckets from the current contents of the
// block at blockAddr, replacing whatever was tracked before. Call this once
// at startup (with the manager-reported transient block address) and again
// any time the block's contents might have drifted out from under
// incremental RecordAllocate/RecordFree tracking.
func (d *DefragmentationExecutor) SeedRegions(blockAddr memaddr.Address) error {
	sections, err := d.layout.BlockSections(blockAddr)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.allocated = make(map[uint64]map[memaddr.Address]bool)
	d.idle = make(map[uint64]map[memaddr.Address]bool)
	for _, s := range sections {
		if s.Allocated {
			d.markAllocatedLocked(s.Size, s.Address)
		} else {
			d.markIdleLocked(s.Size, s.Address)
		}
	}
	return nil
}

// RecordAllocate moves addr from the idle bucket to the allocated bucket,
// both keyed by size. Call this for every allocation the defragmented block
// sees outside of PerformDefragmentation's own moves, so the size buckets
// stay accurate for the next pass.
func (d *DefragmentationExecutor) RecordAllocate(size uint64, addr memaddr.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unmarkIdleLocked(size, addr)
	d.markAllocatedLocked(size, addr)
}

// RecordFree is RecordAllocate's inverse, called for frees outside of
// PerformDefragmentation's own moves.
func (d *DefragmentationExecutor) RecordFree(size uint64, addr memaddr.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unmarkAllocatedLocked(size, addr)
	d.markIdleLocked(size, addr)
}

func (d *DefragmentationExecutor) markAllocatedLocked(size uint64, addr memaddr.Address) {
	if d.allocated[size] == nil {
		d.allocated[size] = make(map[memaddr.Address]bool)
	}
	d.allocated[size][addr] = true
}

func (d *DefragmentationExecutor) unmarkAllocatedLocked(size uint64, addr memaddr.Address) {
	delete(d.allocated[size], addr)
}

func (d *DefragmentationExecutor) markIdleLocked(size uint64, addr memaddr.Address) {
	if d.idle[size] == nil {
		d.idle[size] = make(map[memaddr.Address]bool)
	}
	d.idle[size][addr] = true
}

func (d *DefragmentationExecutor) unmarkIdleLocked(size uint64, addr memaddr.Address) {
	delete(d.idle[size], addr)
}

// AllocatableSize reports how much of the block at blockAddr is usable for
// an allocation that needs granularity-aligned runs, split into the
// immediately usable total (every idle region at least granularity bytes)
// and the total trapped in smaller fragments.
func (d *DefragmentationExecutor) AllocatableSize(blockAddr memaddr.Address, granularity uint64) (usable, fragmented uint64, err error) {
	sections, err := d.layout.BlockSections(blockAddr)
	if err != nil {
		return 0, 0, err
	}
	for _, s := range sections {
		if s.Allocated {
			continue
		}
		if s.Size >= granularity {
			usable += s.Size
		} else {
			fragmented += s.Size
		}
	}
	return usable, fragmented, nil
}

// PerformDefragmentation walks the block at blockAddr for idle gaps smaller
// than granularity and tries to grow them by relocating an allocated
// region into the gap: first choice is an allocated region of the exact
// same size elsewhere in the block (a pure swap, no size change at either
// end), falling back to pulling the gap's immediate right neighbour left
// if it happens to be allocated. Re-scans from the top after every move
// since a move shifts the addresses of everything after it; maxPasses
// bounds the sweep against a pathological block that never stops shifting.
func (d *DefragmentationExecutor) PerformDefragmentation(ctx context.Context, blockAddr memaddr.Address, granularity uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	const maxPasses = 4096
	for pass := 0; pass < maxPasses; pass++ {
		sections, err := d.layout.BlockSections(blockAddr)
		if err != nil {
			return err
		}

		moved, err := d.stepLocked(ctx, sections, granularity)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
	}
	d.logger.Warn("mori: defragmentation pass limit reached", "block", blockAddr, "granularity", granularity)
	return nil
}

// stepLocked finds the first idle gap worth closing and performs at most
// one relocation. Returns false once no section qualifies.
func (d *DefragmentationExecutor) stepLocked(ctx context.Context, sections []layout.MemorySection, granularity uint64) (bool, error) {
	for i, s := range sections {
		if s.Allocated || s.Size >= granularity {
			continue
		}

		if bucket := d.allocated[s.Size]; len(bucket) > 0 {
			if src, ok := maxAddress(bucket); ok && src != s.Address {
				if err := d.performCopyDevice(ctx, src, s.Address, s.Size); err != nil {
					return false, err
				}
				return true, nil
			}
		}

		if i+1 >= len(sections) || !sections[i+1].Allocated {
			continue
		}
		next := sections[i+1]
		if err := d.performCopyDevice(ctx, next.Address, s.Address, next.Size); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// maxAddress returns the highest address in set, so repeated fast-path
// moves drain a size bucket from its far end first and leave gaps near the
// front of the block, where later passes are more likely to find a
// neighbour worth swapping with.
func maxAddress(set map[memaddr.Address]bool) (memaddr.Address, bool) {
	var max memaddr.Address
	found := false
	for a := range set {
		if !found || a > max {
			max = a
			found = true
		}
	}
	return max, found
}

// performCopyDevice relocates the size bytes of device memory at src down
// to dst (dst must not be after src), updating the manager, the layout, the
// owning tensor's section record, and the size buckets to match.
//
// Two cases. If dst's footprint reaches src once extended by size, the
// region between them is already fully accounted for by dst and src
// themselves: a plain targeted allocation at dst, a copy, and a free of
// src suffices. Otherwise a genuine gap separates them, so the gap has to
// be merged with src into one region before the moved, now-leading part
// can be split back off and the trailing remainder freed. The copy runs
// before the merge (the original orders them merge-then-copy, valid when
// addresses are real pointers into one buffer; a manager that tracks
// allocations by address identity, like the one backing these tests,
// would lose src's own entry the moment it merges into dst, so the copy
// has to read src while it is still independently addressable).
func (d *DefragmentationExecutor) performCopyDevice(ctx context.Context, src, dst memaddr.Address, size uint64) error {
	if dst > src {
		return fmt.Errorf("mori: defragmentation target 0x%x is after source 0x%x", uintptr(dst), uintptr(src))
	}

	sec, err := d.layout.GetMemorySection(src)
	if err != nil {
		return err
	}
	if sec.Tensor == "" {
		return &morierr.MemoryError{Kind: morierr.MemoryUnmanaged, Address: uintptr(src), Detail: "defragmentation source has no owning tensor"}
	}

	tensor, err := d.status.ReferenceTensor(sec.Tensor)
	if err != nil {
		return err
	}
	defer tensor.Release()

	offset, ok := sectionOffsetByDeviceAddress(tensor, src)
	if !ok {
		return &morierr.MemoryError{Kind: morierr.MemoryUnmanaged, Address: uintptr(src), Detail: "defragmentation source not found among tensor sections"}
	}

	if dst.Offset(size) >= src {
		if err := d.mgr.SAlloc(ctx, dst, size); err != nil {
			return err
		}
		if err := d.mgr.CopyDevice(ctx, src, dst, size); err != nil {
			return err
		}
		if err := d.mgr.FreeDevice(ctx, src); err != nil {
			return err
		}
		if err := d.layout.RecordAllocate(dst, size, sec.Tensor); err != nil {
			return err
		}
		if err := d.layout.RecordFree(src); err != nil {
			return err
		}

		d.markAllocatedLocked(size, dst)
		d.unmarkAllocatedLocked(size, src)
		d.markIdleLocked(size, src)
		d.unmarkIdleLocked(size, dst)
	} else {
		gap := uint64(src - dst)
		if err := d.mgr.SAlloc(ctx, dst, gap); err != nil {
			return err
		}
		if err := d.mgr.CopyDevice(ctx, src, dst, size); err != nil {
			return err
		}
		merged, err := d.mgr.Merge(ctx, dst, src)
		if err != nil {
			return err
		}
		if !merged {
			return &morierr.MemoryError{Kind: morierr.MemoryOperationInvalid, Address: uintptr(dst), Detail: "defragmentation merge rejected by manager"}
		}
		right, err := d.mgr.Split(ctx, dst, size)
		if err != nil {
			return err
		}
		if err := d.mgr.FreeDevice(ctx, right); err != nil {
			return err
		}

		if err := d.layout.RecordAllocate(dst, gap, sec.Tensor); err != nil {
			return err
		}
		if err := d.layout.RecordMerge(dst, src); err != nil {
			return err
		}
		if err := d.layout.RecordSplit(dst, size); err != nil {
			return err
		}
		if err := d.layout.RecordFree(right); err != nil {
			return err
		}

		d.markAllocatedLocked(size, dst)
		d.unmarkAllocatedLocked(size, src)
		d.markIdleLocked(gap, src)
		d.unmarkIdleLocked(gap, dst)
	}

	return tensor.Moved(offset, dst)
}

func sectionOffsetByDeviceAddress(tensor *status.TensorPres, addr memaddr.Address) (uint64, bool) {
	for _, s := range tensor.Sections() {
		if s.DeviceAddress == addr {
			return s.Offset, true
		}
	}
	return 0, false
}
