// Package morierr implements the error taxonomy of the memory coordinator:
// sentinel values for lifecycle/context/backend/event faults, and typed
// errors for the memory and insufficience kinds that callers need to
// inspect (address, requested size) rather than just report.
package morierr

import (
	"errors"
	"fmt"
)

// Lifecycle errors: an operation was attempted in the wrong phase.
var (
	ErrUninited = errors.New("mori: component not initialized")
	ErrInited   = errors.New("mori: operation not permitted after start")
)

// Status errors not carrying extra fields.
var (
	ErrMemorySectionInvalid = errors.New("mori: illegal memory section state transition")
)

// Context errors.
var (
	ErrContextMissing = errors.New("mori: required context key missing")
	ErrContextInvalid = errors.New("mori: context value invalid")
)

// Backend errors.
var ErrDynamicLibrary = errors.New("mori: dynamic library load failed")

// Event errors.
var ErrEventConflict = errors.New("mori: duplicate iteration marker")

// Open-question decision (spec.md §9a): a schedule event's postop label
// could not be resolved against the declared execution order. Treated as
// a hard error rather than silent misalignment.
var ErrSyncLabelMismatch = errors.New("mori: schedule event postop label does not match execution order")

// TensorInvalidError reports an illegal operation against a tensor,
// optionally suggesting the nearest registered name.
type TensorInvalidError struct {
	Tensor     string
	Reason     string
	Suggestion string
}

func (e *TensorInvalidError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("mori: tensor %q invalid: %s (did you mean %q?)", e.Tensor, e.Reason, e.Suggestion)
	}
	return fmt.Sprintf("mori: tensor %q invalid: %s", e.Tensor, e.Reason)
}

// OperatorInvalidError mirrors TensorInvalidError for operators.
type OperatorInvalidError struct {
	Operator   string
	Reason     string
	Suggestion string
}

func (e *OperatorInvalidError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("mori: operator %q invalid: %s (did you mean %q?)", e.Operator, e.Reason, e.Suggestion)
	}
	return fmt.Sprintf("mori: operator %q invalid: %s", e.Operator, e.Reason)
}

// MemoryKind distinguishes the MEMORY-taxonomy faults that carry an address.
type MemoryKind int

const (
	MemoryAllocated MemoryKind = iota
	MemoryNotAllocated
	MemoryUnmanaged
	MemoryOperationInvalid
)

func (k MemoryKind) String() string {
	switch k {
	case MemoryAllocated:
		return "MEMORY_ALLOCATED"
	case MemoryNotAllocated:
		return "MEMORY_NOT_ALLOCATED"
	case MemoryUnmanaged:
		return "MEMORY_UNMANAGED"
	case MemoryOperationInvalid:
		return "MEMORY_OPERATION_INVALID"
	default:
		return "MEMORY_UNKNOWN"
	}
}

// MemoryError is the address-carrying MEMORY-taxonomy error.
type MemoryError struct {
	Kind    MemoryKind
	Address uintptr
	Detail  string
}

func (e *MemoryError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("mori: %s at 0x%x: %s", e.Kind, e.Address, e.Detail)
	}
	return fmt.Sprintf("mori: %s at 0x%x", e.Kind, e.Address)
}

// InsufficienceKind distinguishes device vs host exhaustion.
type InsufficienceKind int

const (
	DeviceInsufficient InsufficienceKind = iota
	HostInsufficient
)

func (k InsufficienceKind) String() string {
	if k == HostInsufficient {
		return "MEMORY_HOST_INSUFFICIENT"
	}
	return "MEMORY_DEVICE_INSUFFICIENT"
}

// InsufficienceError reports that the memory manager could not satisfy a
// requested allocation of Size bytes. It is self-healing: the session and
// executor respond to it by invoking wait_memory and retrying, re-raising
// only if the deficit remains after a full eviction pass.
type InsufficienceError struct {
	Kind InsufficienceKind
	Size uint64
}

func (e *InsufficienceError) Error() string {
	return fmt.Sprintf("mori: %s: requested %d bytes", e.Kind, e.Size)
}

func NewDeviceInsufficient(size uint64) error {
	return &InsufficienceError{Kind: DeviceInsufficient, Size: size}
}

func NewHostInsufficient(size uint64) error {
	return &InsufficienceError{Kind: HostInsufficient, Size: size}
}

// IsInsufficience reports whether err (or any error it wraps) is an
// InsufficienceError, the condition that triggers wait_memory.
func IsInsufficience(err error) bool {
	var ie *InsufficienceError
	return errors.As(err, &ie)
}
