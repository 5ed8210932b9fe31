// Package status implements the registered universe of tensors and
// operators that a session is built from: the section state machine
// (none/empty/device/host/coexist), the presenter guards that serialize
// mutation of a single entity, and the registry that owns both maps.
//
// Grounded on original_source/includes/memory_status.hpp (per-entity
// shared_mutex + presenter) and original_source/includes/presentation.hpp
// (scoped require/release template).
package status

import "github.com/mori-go/mori/memaddr"

// SectionStatus is a node in the section state machine described in
// spec.md §4.1: none -> empty -> device <-> coexist <-> host -> none.
type SectionStatus int

const (
	StatusNone SectionStatus = iota
	StatusEmpty
	StatusDevice
	StatusCoexist
	StatusHost
)

func (s SectionStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusEmpty:
		return "empty"
	case StatusDevice:
		return "device"
	case StatusCoexist:
		return "coexist"
	case StatusHost:
		return "host"
	default:
		return "unknown"
	}
}

// OccupiesDevice reports whether a section in this status holds device
// memory (and therefore counts against the device budget).
func (s SectionStatus) OccupiesDevice() bool {
	return s == StatusEmpty || s == StatusDevice || s == StatusCoexist
}

// OccupiesHost reports whether a section in this status holds host memory.
func (s SectionStatus) OccupiesHost() bool {
	return s == StatusHost || s == StatusCoexist
}

// MemoryKind distinguishes the two physical memory pools tensors move
// between. It is the kind value carried by morierr.MemoryError/
// InsufficienceError when a layout or manager call fails.
type MemoryKind int

const (
	Device MemoryKind = iota
	Host
)

func (k MemoryKind) String() string {
	if k == Host {
		return "host"
	}
	return "device"
}

// MemorySection is one contiguous byte range of a Tensor's footprint and
// its current residency. Offsets are relative to the tensor's own base,
// not to any device or host address space.
type MemorySection struct {
	Offset        uint64
	Size          uint64
	Status        SectionStatus
	DeviceAddress memaddr.Address
	HostAddress   memaddr.Address
}

func (s MemorySection) clone() *MemorySection {
	c := s
	return &c
}

// Fragment is the trailing padding a layout plan may reserve after a
// tensor so the next tensor in the same layer starts on an aligned
// boundary (spec.md §4.5, original_source/backend/decisions/layout_model.hpp).
// A Fragment only ever occupies device memory and only has two statuses:
// StatusNone (not reserved) and StatusEmpty (reserved, has an address).
type Fragment struct {
	Size    uint64
	Status  SectionStatus
	Address memaddr.Address
}
