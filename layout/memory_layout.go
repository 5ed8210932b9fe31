package layout

import (
	"sync"

	"github.com/emirpasic/gods/v2/trees/redblacktree"
	"github.com/mori-go/mori/memaddr"
	"github.com/mori-go/mori/morierr"
)

func addressComparator(a, b memaddr.Address) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// MemoryLayout is the address-ordered ledger of device memory occupancy.
// Blocks are allocated lazily in fixed BlockSize tiles as new addresses
// are recorded; within a block, sections are carved left/middle/right on
// allocate and merged with free neighbours on free.
//
// The block index is a red-black tree keyed by block base address so that
// locating the block covering an arbitrary address is the Floor lookup a
// std::map<void*, Block>::upper_bound-then-decrement performs in the
// original. Section records inside a block stay a small ordered slice:
// blocks rarely hold more than a handful of live sections at once, so a
// tree there would only add overhead the tree at the block level already
// earns back.
type MemoryLayout struct {
	mu sync.RWMutex

	blocks *redblacktree.Tree[memaddr.Address, *block]

	deviceSize uint64
	blockSize  uint64
	alignSize  uint64
}

// New returns an empty layout. SetMemoryInfo must be called before any
// record method.
func New() *MemoryLayout {
	return &MemoryLayout{blocks: redblacktree.NewWith[memaddr.Address, *block](addressComparator)}
}

// MemoryInfo carries the subset of manager.MemoryInfo the layout needs:
// total device size and the block/alignment granularity the manager
// allocates in.
type MemoryInfo struct {
	DeviceSize uint64
	BlockSize  uint64
	AlignSize  uint64
}

// SetMemoryInfo configures block and alignment sizing. Must be called
// once before any Record method.
func (l *MemoryLayout) SetMemoryInfo(info MemoryInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deviceSize = info.DeviceSize
	l.blockSize = info.BlockSize
	l.alignSize = info.AlignSize
}

// locateBlock returns the block covering addr, or nil if none does.
// Mirrors locateMemoryBlock: upper_bound(address) then decrement, i.e.
// the floor entry, checked for actual coverage.
func (l *MemoryLayout) locateBlock(addr memaddr.Address) *block {
	node, found := l.blocks.Floor(addr)
	if !found {
		return nil
	}
	b := node.Value
	if !b.covers(addr) {
		return nil
	}
	return b
}

// IsSectionExist reports whether addr is the start of a tracked section.
func (l *MemoryLayout) IsSectionExist(addr memaddr.Address) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b := l.locateBlock(addr)
	if b == nil {
		return false
	}
	_, ok := l.findExact(b, addr)
	return ok
}

func (l *MemoryLayout) findExact(b *block, addr memaddr.Address) (*MemorySection, bool) {
	for _, s := range b.sections {
		if s.Address == addr {
			return s, true
		}
	}
	return nil, false
}

// GetMemorySection returns the section starting exactly at addr.
func (l *MemoryLayout) GetMemorySection(addr memaddr.Address) (MemorySection, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b := l.locateBlock(addr)
	if b == nil {
		return MemorySection{}, &morierr.MemoryError{Kind: morierr.MemoryUnmanaged, Address: uintptr(addr)}
	}
	s, ok := l.findExact(b, addr)
	if !ok {
		return MemorySection{}, &morierr.MemoryError{Kind: morierr.MemoryUnmanaged, Address: uintptr(addr)}
	}
	return *s, nil
}

// blockFor returns the block that should own addr, creating a new
// BlockSize-sized block at addr if no existing block reaches it (a
// DeviceSize-sized one when BlockSize is zero). Mirrors
// recordMemoryAllocateEvent's block lookup/creation.
func (l *MemoryLayout) blockFor(addr memaddr.Address) *block {
	size := l.blockSize
	if size == 0 {
		size = l.deviceSize
	}
	node, found := l.blocks.Floor(addr)
	if found && node.Value.address.Offset(size) > addr {
		return node.Value
	}
	b := newBlock(addr, size)
	l.blocks.Put(addr, b)
	return b
}

// BlockSections returns the section list of the block covering addr, in
// address order, as a snapshot copy the caller can scan without holding the
// layout's lock across the whole pass. Used by the defragmentation executor
// to find small free gaps and their allocated neighbours.
func (l *MemoryLayout) BlockSections(addr memaddr.Address) ([]MemorySection, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	b := l.locateBlock(addr)
	if b == nil {
		return nil, &morierr.MemoryError{Kind: morierr.MemoryUnmanaged, Address: uintptr(addr)}
	}
	out := make([]MemorySection, len(b.sections))
	for i, s := range b.sections {
		out[i] = *s
	}
	return out, nil
}

// RecordAllocate carves out a section of size bytes at addr inside tensor
// tensor's footprint, splitting the free section it lands in into up to
// three parts (left remainder, the new allocated middle, right
// remainder). size must already be alignment-rounded by the caller (the
// manager is the source of truth for alignment, not the layout).
func (l *MemoryLayout) RecordAllocate(addr memaddr.Address, size uint64, tensor string) error {
	if size == 0 {
		size = l.alignSize
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.blockFor(addr)
	idx, ok := b.sectionIndex(addr)
	if !ok || b.sections[idx].Address > addr || b.sections[idx].Allocated {
		return &morierr.MemoryError{Kind: morierr.MemoryAllocated, Address: uintptr(addr)}
	}
	target := b.sections[idx]
	if target.end() < addr.Offset(size) {
		return &morierr.MemoryError{Kind: morierr.MemoryOperationInvalid, Address: uintptr(addr), Detail: "allocation does not fit in free section"}
	}

	out := make([]*MemorySection, 0, len(b.sections)+2)
	out = append(out, b.sections[:idx]...)

	if target.Address < addr {
		left := &MemorySection{Address: target.Address, Size: uint64(addr - target.Address)}
		out = append(out, left)
	}
	middle := &MemorySection{Address: addr, Size: size, Tensor: tensor, Allocated: true}
	out = append(out, middle)
	if target.end() > addr.Offset(size) {
		right := &MemorySection{Address: addr.Offset(size), Size: uint64(target.end() - addr.Offset(size))}
		out = append(out, right)
	}

	out = append(out, b.sections[idx+1:]...)
	b.sections = out
	return nil
}

// RecordFree releases the section starting at addr and merges it with any
// immediately adjacent free sections.
func (l *MemoryLayout) RecordFree(addr memaddr.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.locateBlock(addr)
	if b == nil {
		return &morierr.MemoryError{Kind: morierr.MemoryNotAllocated, Address: uintptr(addr)}
	}
	idx, ok := l.findExactIndex(b, addr)
	if !ok || !b.sections[idx].Allocated {
		return &morierr.MemoryError{Kind: morierr.MemoryNotAllocated, Address: uintptr(addr)}
	}
	b.sections[idx].Tensor = ""
	b.sections[idx].Allocated = false

	if idx+1 < len(b.sections) && !b.sections[idx+1].Allocated {
		b.sections[idx].Size += b.sections[idx+1].Size
		b.sections = append(b.sections[:idx+1], b.sections[idx+2:]...)
	}
	if idx > 0 && !b.sections[idx-1].Allocated {
		b.sections[idx-1].Size += b.sections[idx].Size
		b.sections = append(b.sections[:idx], b.sections[idx+1:]...)
	}
	return nil
}

func (l *MemoryLayout) findExactIndex(b *block, addr memaddr.Address) (int, bool) {
	for i, s := range b.sections {
		if s.Address == addr {
			return i, true
		}
	}
	return -1, false
}

// RecordSplit divides the allocated section at addr into two sections of
// size and (original - size) bytes, both inheriting the tensor name.
// Used when the sectioned executor's copyOut splits a section and when
// defragmentation moves a smaller region into a larger gap.
func (l *MemoryLayout) RecordSplit(addr memaddr.Address, size uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.locateBlock(addr)
	if b == nil {
		return &morierr.MemoryError{Kind: morierr.MemoryNotAllocated, Address: uintptr(addr)}
	}
	idx, ok := l.findExactIndex(b, addr)
	if !ok || !b.sections[idx].Allocated {
		return &morierr.MemoryError{Kind: morierr.MemoryNotAllocated, Address: uintptr(addr)}
	}
	s := b.sections[idx]
	if s.Size <= size {
		return &morierr.MemoryError{Kind: morierr.MemoryOperationInvalid, Address: uintptr(addr), Detail: "split size not smaller than section"}
	}
	right := &MemorySection{Address: addr.Offset(size), Size: s.Size - size, Tensor: s.Tensor, Allocated: true}
	s.Size = size
	next := make([]*MemorySection, 0, len(b.sections)+1)
	next = append(next, b.sections[:idx+1]...)
	next = append(next, right)
	next = append(next, b.sections[idx+1:]...)
	b.sections = next
	return nil
}

// RecordMerge fuses the allocated section at left with its immediate,
// address-contiguous allocated neighbour at right.
func (l *MemoryLayout) RecordMerge(left, right memaddr.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.locateBlock(left)
	if b == nil {
		return &morierr.MemoryError{Kind: morierr.MemoryNotAllocated, Address: uintptr(left)}
	}
	li, ok := l.findExactIndex(b, left)
	if !ok || !b.sections[li].Allocated {
		return &morierr.MemoryError{Kind: morierr.MemoryNotAllocated, Address: uintptr(left)}
	}
	if li+1 >= len(b.sections) || b.sections[li+1].Address != right || !b.sections[li+1].Allocated {
		return &morierr.MemoryError{Kind: morierr.MemoryNotAllocated, Address: uintptr(right)}
	}
	if b.sections[li].end() != right {
		return &morierr.MemoryError{Kind: morierr.MemoryOperationInvalid, Address: uintptr(left), Detail: "sections not contiguous"}
	}
	b.sections[li].Size += b.sections[li+1].Size
	b.sections = append(b.sections[:li+1], b.sections[li+2:]...)
	return nil
}
