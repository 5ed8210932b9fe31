package status

import (
	"fmt"
	"sync"

	"github.com/mori-go/mori/memaddr"
	"github.com/mori-go/mori/morierr"
)

// Tensor is a registered, opaque byte range tracked across device and host
// memory. A freshly registered tensor holds a single section spanning
// [0, TotalSize) in StatusNone; layout planning may later Split it into
// several independently-tracked sections.
type Tensor struct {
	mu sync.RWMutex

	name       string
	totalSize  uint64
	kind       string
	persistent bool
	transient  bool

	sections []*MemorySection // ordered by Offset, contiguous, covers [0,totalSize)
	fragment Fragment
}

func newTensor(name string, size uint64, kind string, persistent, transient bool) *Tensor {
	return &Tensor{
		name:       name,
		totalSize:  size,
		kind:       kind,
		persistent: persistent,
		transient:  transient,
		sections:   []*MemorySection{{Offset: 0, Size: size, Status: StatusNone}},
	}
}

func (t *Tensor) sectionAt(offset uint64) (int, *MemorySection, error) {
	for i, s := range t.sections {
		if s.Offset == offset {
			return i, s, nil
		}
	}
	return -1, nil, &morierr.TensorInvalidError{Tensor: t.name, Reason: fmt.Sprintf("no section at offset %d", offset)}
}

// TensorPres is the exclusive, scope-bound guard returned by
// MemoryStatus.ReferenceTensor. All mutating methods require a live
// presenter; Release must be called exactly once, typically via defer.
//
// Grounded on original_source/includes/presentation.hpp's Presentation<T>.
type TensorPres struct {
	status   *MemoryStatus
	tensor   *Tensor
	released bool
}

func (p *TensorPres) checkLive() {
	if p.released {
		panic("status: use of TensorPres after Release")
	}
}

// Release drops the exclusive guard on the tensor. Safe to call more than
// once; only the first call has effect.
func (p *TensorPres) Release() {
	if p.released {
		return
	}
	p.released = true
	p.tensor.mu.Unlock()
	p.status.presenters.Add(-1)
}

func (p *TensorPres) Name() string { p.checkLive(); return p.tensor.name }
func (p *TensorPres) TotalSize() uint64 { p.checkLive(); return p.tensor.totalSize }
func (p *TensorPres) Kind() string { p.checkLive(); return p.tensor.kind }
func (p *TensorPres) IsPersistent() bool { p.checkLive(); return p.tensor.persistent }
func (p *TensorPres) IsTransient() bool { p.checkLive(); return p.tensor.transient }

// Sections returns a snapshot copy of the tensor's current section list,
// ordered by offset.
func (p *TensorPres) Sections() []MemorySection {
	p.checkLive()
	out := make([]MemorySection, len(p.tensor.sections))
	for i, s := range p.tensor.sections {
		out[i] = *s
	}
	return out
}

func (p *TensorPres) SectionCount() int { p.checkLive(); return len(p.tensor.sections) }

func (p *TensorPres) FirstSection() MemorySection {
	p.checkLive()
	return *p.tensor.sections[0]
}

func (p *TensorPres) LastSection() MemorySection {
	p.checkLive()
	return *p.tensor.sections[len(p.tensor.sections)-1]
}

// DeviceSize returns the total bytes currently resident on device across
// all sections (empty, device, and coexist count; host-only does not).
func (p *TensorPres) DeviceSize() uint64 {
	p.checkLive()
	var total uint64
	for _, s := range p.tensor.sections {
		if s.Status.OccupiesDevice() {
			total += s.Size
		}
	}
	return total
}

// HostSize returns the total bytes currently resident on host.
func (p *TensorPres) HostSize() uint64 {
	p.checkLive()
	var total uint64
	for _, s := range p.tensor.sections {
		if s.Status.OccupiesHost() {
			total += s.Size
		}
	}
	return total
}

// IsDeviceLocated reports whether any section of the tensor currently
// occupies device memory.
func (p *TensorPres) IsDeviceLocated() bool { return p.DeviceSize() > 0 }

// HasFragment reports whether the tensor currently carries a reserved
// trailing fragment.
func (p *TensorPres) HasFragment() bool {
	p.checkLive()
	return p.tensor.fragment.Status != StatusNone || p.tensor.fragment.Size > 0
}

func (p *TensorPres) Fragment() Fragment { p.checkLive(); return p.tensor.fragment }

// SetFragment records that a layout plan wants size bytes of trailing
// padding reserved after this tensor. Size zero clears any prior request.
// The fragment starts unplaced (StatusNone); a later SetFragmentPlaced
// records the address once the executor actually reserves it.
func (p *TensorPres) SetFragment(size uint64) {
	p.checkLive()
	p.tensor.fragment = Fragment{Size: size, Status: StatusNone}
}

// SetFragmentPlaced transitions the fragment StatusNone -> StatusEmpty,
// recording the address the executor reserved for it (the `fragment`
// operation of the sectioned executor).
func (p *TensorPres) SetFragmentPlaced(addr memaddr.Address) error {
	p.checkLive()
	f := &p.tensor.fragment
	if f.Size == 0 {
		return &morierr.TensorInvalidError{Tensor: p.tensor.name, Reason: "no fragment requested"}
	}
	if f.Status != StatusNone {
		return morierr.ErrMemorySectionInvalid
	}
	f.Status = StatusEmpty
	f.Address = addr
	return nil
}

// SetFragmentRemoved transitions the fragment StatusEmpty -> StatusNone
// (the `fuse` operation releasing the reserved padding).
func (p *TensorPres) SetFragmentRemoved() error {
	p.checkLive()
	f := &p.tensor.fragment
	if f.Status != StatusEmpty {
		return morierr.ErrMemorySectionInvalid
	}
	f.Status = StatusNone
	f.Address = memaddr.None
	return nil
}

// Allocate transitions the section at offset from StatusNone to
// StatusEmpty, recording the device address the manager returned.
func (p *TensorPres) Allocate(offset uint64, addr memaddr.Address) error {
	p.checkLive()
	_, s, err := p.tensor.sectionAt(offset)
	if err != nil {
		return err
	}
	if s.Status != StatusNone {
		return morierr.ErrMemorySectionInvalid
	}
	s.Status = StatusEmpty
	s.DeviceAddress = addr
	return nil
}

// Assign transitions the section at offset from StatusEmpty to
// StatusDevice: the manager has written (or the session has marked as
// written) the tensor's data into the allocated device memory.
func (p *TensorPres) Assign(offset uint64) error {
	p.checkLive()
	_, s, err := p.tensor.sectionAt(offset)
	if err != nil {
		return err
	}
	if s.Status != StatusEmpty {
		return morierr.ErrMemorySectionInvalid
	}
	s.Status = StatusDevice
	return nil
}

// CopyOut transitions the section at offset from StatusDevice to
// StatusCoexist, recording the host address the copy landed at.
func (p *TensorPres) CopyOut(offset uint64, hostAddr memaddr.Address) error {
	p.checkLive()
	_, s, err := p.tensor.sectionAt(offset)
	if err != nil {
		return err
	}
	if s.Status != StatusDevice {
		return morierr.ErrMemorySectionInvalid
	}
	s.Status = StatusCoexist
	s.HostAddress = hostAddr
	return nil
}

// CopyIn transitions the section at offset to a device-resident status,
// recording the device address the copy landed at. It accepts a source of
// either StatusHost (making the section StatusCoexist) or StatusNone
// (making the section StatusEmpty, the allocate-and-copy-in-one-step path
// the sectioned executor takes when a section had never reached host).
func (p *TensorPres) CopyIn(offset uint64, devAddr memaddr.Address) error {
	p.checkLive()
	_, s, err := p.tensor.sectionAt(offset)
	if err != nil {
		return err
	}
	switch s.Status {
	case StatusHost:
		s.Status = StatusCoexist
	case StatusNone:
		s.Status = StatusEmpty
	default:
		return morierr.ErrMemorySectionInvalid
	}
	s.DeviceAddress = devAddr
	return nil
}

// FreeDevice releases the section's device-side residency: StatusCoexist
// becomes StatusHost, StatusEmpty or StatusDevice becomes StatusNone.
func (p *TensorPres) FreeDevice(offset uint64) error {
	p.checkLive()
	_, s, err := p.tensor.sectionAt(offset)
	if err != nil {
		return err
	}
	switch s.Status {
	case StatusCoexist:
		s.Status = StatusHost
	case StatusEmpty, StatusDevice:
		s.Status = StatusNone
	default:
		return morierr.ErrMemorySectionInvalid
	}
	s.DeviceAddress = memaddr.None
	return nil
}

// FreeHost releases the section's host-side residency: StatusCoexist
// becomes StatusDevice, StatusHost becomes StatusNone.
func (p *TensorPres) FreeHost(offset uint64) error {
	p.checkLive()
	_, s, err := p.tensor.sectionAt(offset)
	if err != nil {
		return err
	}
	switch s.Status {
	case StatusCoexist:
		s.Status = StatusDevice
	case StatusHost:
		s.Status = StatusNone
	default:
		return morierr.ErrMemorySectionInvalid
	}
	s.HostAddress = memaddr.None
	return nil
}

// Moved updates the device address of the section at offset without
// changing its status. Used by the sectioned executor's relocate fallback
// and by defragmentation after a section's data is copied to a new device
// address.
func (p *TensorPres) Moved(offset uint64, newAddr memaddr.Address) error {
	p.checkLive()
	_, s, err := p.tensor.sectionAt(offset)
	if err != nil {
		return err
	}
	if !s.Status.OccupiesDevice() {
		return morierr.ErrMemorySectionInvalid
	}
	s.DeviceAddress = newAddr
	return nil
}

// IsMergeable reports whether the section at offset and its immediate
// successor share the same status and, when device-resident, sit at
// contiguous addresses — the precondition Merge checks, and which the
// sectioned executor tests before merging neighbours.
func (p *TensorPres) IsMergeable(offset uint64) bool {
	p.checkLive()
	i, s, err := p.tensor.sectionAt(offset)
	if err != nil || i+1 >= len(p.tensor.sections) {
		return false
	}
	next := p.tensor.sections[i+1]
	if s.Status != next.Status {
		return false
	}
	if s.Status.OccupiesDevice() && s.DeviceAddress.IsSet() && s.DeviceAddress.Offset(s.Size) != next.DeviceAddress {
		return false
	}
	return true
}

// Merge folds the section at offset into its successor, returning the
// combined section. Both must be IsMergeable.
func (p *TensorPres) Merge(offset uint64) (MemorySection, error) {
	p.checkLive()
	i, s, err := p.tensor.sectionAt(offset)
	if err != nil {
		return MemorySection{}, err
	}
	if !p.IsMergeable(offset) {
		return MemorySection{}, morierr.ErrMemorySectionInvalid
	}
	next := p.tensor.sections[i+1]
	merged := &MemorySection{
		Offset:        s.Offset,
		Size:          s.Size + next.Size,
		Status:        s.Status,
		DeviceAddress: s.DeviceAddress,
		HostAddress:   s.HostAddress,
	}
	p.tensor.sections = append(p.tensor.sections[:i], append([]*MemorySection{merged}, p.tensor.sections[i+2:]...)...)
	return *merged, nil
}

// Split divides the section at offset into two sections of size k and
// (original size - k), both inheriting the parent's status and, if
// device-resident, contiguous addresses derived from the parent's.
// Used by the sectioned executor's copyOut to evict part of a section.
func (p *TensorPres) Split(offset uint64, k uint64) (uint64, error) {
	p.checkLive()
	i, s, err := p.tensor.sectionAt(offset)
	if err != nil {
		return 0, err
	}
	if k == 0 || k >= s.Size {
		return 0, &morierr.TensorInvalidError{Tensor: p.tensor.name, Reason: fmt.Sprintf("split size %d out of range for section of size %d", k, s.Size)}
	}
	left := &MemorySection{Offset: s.Offset, Size: k, Status: s.Status, DeviceAddress: s.DeviceAddress, HostAddress: s.HostAddress}
	right := &MemorySection{Offset: s.Offset + k, Size: s.Size - k, Status: s.Status}
	if s.Status.OccupiesDevice() && s.DeviceAddress.IsSet() {
		right.DeviceAddress = s.DeviceAddress.Offset(k)
	}
	if s.Status.OccupiesHost() && s.HostAddress.IsSet() {
		right.HostAddress = s.HostAddress.Offset(k)
	}
	next := make([]*MemorySection, 0, len(p.tensor.sections)+1)
	next = append(next, p.tensor.sections[:i]...)
	next = append(next, left, right)
	next = append(next, p.tensor.sections[i+1:]...)
	p.tensor.sections = next
	return right.Offset, nil
}
