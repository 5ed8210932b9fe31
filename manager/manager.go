// Package manager declares the external memory-manager collaborator the
// executor drives: device/host allocation, copy, and (optionally)
// targeted sub-allocation for sectioned tensors. The coordinator never
// dereferences the addresses a manager hands back — it only threads
// memaddr.Address values through the layout and status ledgers.
//
// Grounded on original_source/includes/memory_manager.hpp's abstract
// interface, the way ml/device_info.go's DeviceInfo modeled one
// concrete backend's capabilities in the teacher.
package manager

import (
	"context"

	"github.com/mori-go/mori/memaddr"
)

// BlockInfo describes one capacity tier of device memory: where it
// starts, how big it is, and how addresses within it must be aligned.
type BlockInfo struct {
	Address   memaddr.Address
	Size      uint64
	AlignSize uint64
}

// DeviceInfo describes the device memory budget a manager exposes,
// split into the three block kinds layout planning reasons about.
type DeviceInfo struct {
	Type            string
	CommonBlock     BlockInfo
	PersistentBlock BlockInfo
	TransientBlock  BlockInfo
	ReservedSize    uint64
}

// HostInfo describes the host memory budget available for evicted
// tensor payloads.
type HostInfo struct {
	Type      string
	TotalSize uint64
}

// MemoryInfo is the manager's self-reported capacity, consumed by the
// planner to size layers and by the session to report diagnostics.
type MemoryInfo struct {
	Device DeviceInfo
	Host   HostInfo
}

// MemoryManager is the pluggable back end the executor drives to
// realise copy-in/out, free, split, and merge against real device and
// host byte ranges. Implementations must be safe for concurrent use:
// the core does not serialise calls into it.
type MemoryManager interface {
	AllocateDevice(ctx context.Context, size uint64) (memaddr.Address, error)
	AllocateHost(ctx context.Context, size uint64) (memaddr.Address, error)
	CopyIn(ctx context.Context, host, dev memaddr.Address, size uint64) error
	CopyOut(ctx context.Context, dev, host memaddr.Address, size uint64) error
	FreeDevice(ctx context.Context, addr memaddr.Address) error
	FreeHost(ctx context.Context, addr memaddr.Address) error

	// SupportsSections reports whether the targeted-allocation capability
	// set below is implemented. When false, the executor only ever
	// allocates/frees whole tensors and the methods below may panic.
	SupportsSections() bool

	// SAlloc performs a targeted allocation at addr, failing (rather than
	// relocating) if that range is unavailable. Sectioned tensors use
	// this to re-occupy freed device ranges in place.
	SAlloc(ctx context.Context, addr memaddr.Address, size uint64) error
	Split(ctx context.Context, addr memaddr.Address, at uint64) (memaddr.Address, error)
	Merge(ctx context.Context, left, right memaddr.Address) (bool, error)
	CopyDevice(ctx context.Context, src, dst memaddr.Address, size uint64) error

	GetMemoryInfo(ctx context.Context) (MemoryInfo, error)
}

// ManagerCapabilities mirrors the subset of MemoryManager the executor
// needs to decide which MemoryOperationExecutor implementation to build,
// without holding a live manager reference at selection time.
type ManagerCapabilities struct {
	SupportsSections bool
}

// CapabilitiesOf reads m's capability set.
func CapabilitiesOf(m MemoryManager) ManagerCapabilities {
	return ManagerCapabilities{SupportsSections: m.SupportsSections()}
}
