// Package layout implements the address-ordered record of what occupies
// device memory: MemoryLayout tiles the address space into fixed-size
// blocks, each split into allocated/free MemorySection records, carved and
// merged on every allocate/free/split/merge the executor issues. MemoryMap
// is the separate, higher-level record a layout plan produces (which
// tensors sit in which layer) that the planner package builds and the
// executor consults when placing sections.
//
// Grounded on original_source/includes/memory_layout.hpp.
package layout

import "github.com/mori-go/mori/memaddr"

// MemorySection is one contiguous, address-ordered record inside a Block:
// either free space or the footprint of a single tensor/fragment.
type MemorySection struct {
	Address   memaddr.Address
	Size      uint64
	Tensor    string
	Allocated bool
}

func (s MemorySection) end() memaddr.Address { return s.Address.Offset(s.Size) }

// block is one fixed-size tile of the device address space, created
// lazily the first time an allocation needs to cover a new region. Its
// sections always form a contiguous, ordered partition of
// [Address, Address+Size).
type block struct {
	address  memaddr.Address
	size     uint64
	sections []*MemorySection // ordered by Address, contiguous
}

func newBlock(address memaddr.Address, size uint64) *block {
	return &block{
		address:  address,
		size:     size,
		sections: []*MemorySection{{Address: address, Size: size}},
	}
}

func (b *block) covers(addr memaddr.Address) bool {
	return addr >= b.address && addr < b.address.Offset(b.size)
}

// sectionIndex returns the index of the section whose range contains or
// starts at addr — the first section whose end is strictly greater than
// addr, matching the C++ `while (end(p) <= address) ++p` scan.
func (b *block) sectionIndex(addr memaddr.Address) (int, bool) {
	for i, s := range b.sections {
		if s.end() > addr {
			return i, true
		}
	}
	return -1, false
}
