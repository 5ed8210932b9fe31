package manager

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/mori-go/mori/memaddr"
	"github.com/mori-go/mori/morierr"
)

// Call records one invocation against a Fake manager, in the order it
// was made. Tests use the recorded sequence to assert replay properties
// (e.g. that a schedule bundle drives the same manager calls, in the
// same aggregate byte volume, across two iterations).
type Call struct {
	Op   string
	Size uint64
}

// Fake is an in-process MemoryManager that backs every allocation with a
// real Go byte slice and tracks a checksum of its contents, so tests can
// assert that copy_out followed by copy_in returns identical bytes
// without actually touching a device. Safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	sections     bool
	deviceCap    uint64
	hostCap      uint64
	rejectSAlloc bool

	next memaddr.Address

	deviceUsed uint64
	hostUsed   uint64

	device map[memaddr.Address][]byte
	host   map[memaddr.Address][]byte

	calls []Call
}

// NewFake returns a Fake manager. deviceCap/hostCap of zero means
// unlimited. sections selects whether SupportsSections reports true.
func NewFake(deviceCap, hostCap uint64, sections bool) *Fake {
	return &Fake{
		sections:  sections,
		deviceCap: deviceCap,
		hostCap:   hostCap,
		next:      memaddr.Address(1),
		device:    make(map[memaddr.Address][]byte),
		host:      make(map[memaddr.Address][]byte),
	}
}

func (f *Fake) record(op string, size uint64) {
	f.calls = append(f.calls, Call{Op: op, Size: size})
}

// Calls returns the recorded call sequence since construction.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Checksum returns the sha256 of the device payload currently stored at
// addr, for round-trip assertions. Panics if addr is not allocated.
func (f *Fake) Checksum(addr memaddr.Address) [32]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, ok := f.device[addr]
	if !ok {
		panic(fmt.Sprintf("manager: checksum of unallocated device address %s", addr))
	}
	return sha256.Sum256(buf)
}

// ChecksumHost returns the sha256 of the host payload currently stored at
// addr. Panics if addr is not allocated.
func (f *Fake) ChecksumHost(addr memaddr.Address) [32]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, ok := f.host[addr]
	if !ok {
		panic(fmt.Sprintf("manager: checksum of unallocated host address %s", addr))
	}
	return sha256.Sum256(buf)
}

func (f *Fake) allocAddr() memaddr.Address {
	a := f.next
	f.next = f.next.Offset(1)
	return a
}

func fill(size uint64, addr memaddr.Address) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(uintptr(addr)) ^ byte(i)
	}
	return buf
}

func (f *Fake) AllocateDevice(_ context.Context, size uint64) (memaddr.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deviceCap != 0 && f.deviceUsed+size > f.deviceCap {
		return memaddr.None, morierr.NewDeviceInsufficient(size)
	}
	addr := f.allocAddr()
	f.device[addr] = fill(size, addr)
	f.deviceUsed += size
	f.record("allocate_device", size)
	return addr, nil
}

func (f *Fake) AllocateHost(_ context.Context, size uint64) (memaddr.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hostCap != 0 && f.hostUsed+size > f.hostCap {
		return memaddr.None, morierr.NewHostInsufficient(size)
	}
	addr := f.allocAddr()
	f.host[addr] = make([]byte, size)
	f.hostUsed += size
	f.record("allocate_host", size)
	return addr, nil
}

func (f *Fake) CopyOut(_ context.Context, dev, host memaddr.Address, size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.device[dev]
	if !ok {
		return &morierr.MemoryError{Kind: morierr.MemoryNotAllocated, Address: uintptr(dev)}
	}
	dst, ok := f.host[host]
	if !ok {
		return &morierr.MemoryError{Kind: morierr.MemoryNotAllocated, Address: uintptr(host)}
	}
	copy(dst, src[:size])
	f.record("copy_out", size)
	return nil
}

func (f *Fake) CopyIn(_ context.Context, host, dev memaddr.Address, size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.host[host]
	if !ok {
		return &morierr.MemoryError{Kind: morierr.MemoryNotAllocated, Address: uintptr(host)}
	}
	dst, ok := f.device[dev]
	if !ok {
		return &morierr.MemoryError{Kind: morierr.MemoryNotAllocated, Address: uintptr(dev)}
	}
	copy(dst, src[:size])
	f.record("copy_in", size)
	return nil
}

func (f *Fake) FreeDevice(_ context.Context, addr memaddr.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, ok := f.device[addr]
	if !ok {
		return &morierr.MemoryError{Kind: morierr.MemoryNotAllocated, Address: uintptr(addr)}
	}
	f.deviceUsed -= uint64(len(buf))
	delete(f.device, addr)
	f.record("free_device", uint64(len(buf)))
	return nil
}

func (f *Fake) FreeHost(_ context.Context, addr memaddr.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, ok := f.host[addr]
	if !ok {
		return &morierr.MemoryError{Kind: morierr.MemoryNotAllocated, Address: uintptr(addr)}
	}
	f.hostUsed -= uint64(len(buf))
	delete(f.host, addr)
	f.record("free_host", uint64(len(buf)))
	return nil
}

func (f *Fake) SupportsSections() bool { return f.sections }

// SAlloc targets a fresh device allocation at an address the caller
// already associates with the tensor. The Fake never runs out of
// addressable address space, so SAlloc always succeeds unless the
// device capacity is exhausted — tests that need to exercise the
// relocate fallback should use SetRejectSAlloc.
func (f *Fake) SAlloc(_ context.Context, addr memaddr.Address, size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectSAlloc {
		f.record("salloc_rejected", size)
		return &morierr.MemoryError{Kind: morierr.MemoryOperationInvalid, Address: uintptr(addr), Detail: "salloc rejected by fake"}
	}
	if f.deviceCap != 0 && f.deviceUsed+size > f.deviceCap {
		return morierr.NewDeviceInsufficient(size)
	}
	f.device[addr] = fill(size, addr)
	f.deviceUsed += size
	f.record("salloc", size)
	return nil
}

func (f *Fake) Split(_ context.Context, addr memaddr.Address, at uint64) (memaddr.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, ok := f.device[addr]
	if !ok {
		return memaddr.None, &morierr.MemoryError{Kind: morierr.MemoryNotAllocated, Address: uintptr(addr)}
	}
	right := addr.Offset(at)
	f.device[addr] = buf[:at]
	f.device[right] = buf[at:]
	f.record("split", uint64(len(buf)))
	return right, nil
}

func (f *Fake) Merge(_ context.Context, left, right memaddr.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lbuf, lok := f.device[left]
	rbuf, rok := f.device[right]
	if !lok || !rok {
		return false, &morierr.MemoryError{Kind: morierr.MemoryNotAllocated, Address: uintptr(right)}
	}
	if left.Offset(uint64(len(lbuf))) != right {
		return false, nil
	}
	f.device[left] = append(lbuf, rbuf...)
	delete(f.device, right)
	f.record("merge", uint64(len(lbuf)+len(rbuf)))
	return true, nil
}

func (f *Fake) CopyDevice(_ context.Context, src, dst memaddr.Address, size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sbuf, ok := f.device[src]
	if !ok {
		return &morierr.MemoryError{Kind: morierr.MemoryNotAllocated, Address: uintptr(src)}
	}
	dbuf, ok := f.device[dst]
	if !ok {
		return &morierr.MemoryError{Kind: morierr.MemoryNotAllocated, Address: uintptr(dst)}
	}
	copy(dbuf, sbuf[:size])
	f.record("copy_device", size)
	return nil
}

func (f *Fake) GetMemoryInfo(_ context.Context) (MemoryInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return MemoryInfo{
		Device: DeviceInfo{
			Type:        "fake",
			CommonBlock: BlockInfo{Address: memaddr.Address(1), Size: f.deviceCap, AlignSize: 256},
		},
		Host: HostInfo{Type: "fake", TotalSize: f.hostCap},
	}, nil
}

// SetRejectSAlloc forces subsequent SAlloc calls to fail, so tests can
// drive the executor's relocate fallback deterministically.
func (f *Fake) SetRejectSAlloc(reject bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectSAlloc = reject
}
