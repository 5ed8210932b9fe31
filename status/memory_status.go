package status

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/agnivade/levenshtein"
	"github.com/mori-go/mori/morierr"
)

// MemoryStatus is the registry of tensors and operators a session is built
// from. Registration is only permitted before Start; after Start the
// declared universe is frozen and only presenters may mutate entity state.
//
// Grounded on original_source/includes/memory_status.hpp's MemoryStatus,
// which owns the same two maps behind a single mutex guarding registration
// plus a per-entity shared_mutex guarding use.
type MemoryStatus struct {
	mu sync.RWMutex

	tensors   map[string]*Tensor
	operators map[string]*Operator
	execOrder []string

	entry   string
	started bool

	presenters atomic.Int64

	logger *slog.Logger
}

// New returns an empty, unstarted registry.
func New(logger *slog.Logger) *MemoryStatus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStatus{
		tensors:   make(map[string]*Tensor),
		operators: make(map[string]*Operator),
		logger:    logger,
	}
}

// RegisterTensor adds a new tensor to the universe. Only valid before
// Start.
func (m *MemoryStatus) RegisterTensor(name string, size uint64, kind string, persistent, transient bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return morierr.ErrInited
	}
	if _, exists := m.tensors[name]; exists {
		return &morierr.TensorInvalidError{Tensor: name, Reason: "already registered"}
	}
	m.tensors[name] = newTensor(name, size, kind, persistent, transient)
	m.logger.Debug("tensor registered", "tensor", name, "size", size, "kind", kind, "persistent", persistent, "transient", transient)
	return nil
}

// UnregisterTensor removes a tensor. Only valid before Start.
func (m *MemoryStatus) UnregisterTensor(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return morierr.ErrInited
	}
	if _, exists := m.tensors[name]; !exists {
		return m.tensorNotFoundLocked(name)
	}
	delete(m.tensors, name)
	return nil
}

// RegisterOperator adds a new operator to the universe and appends it to
// the declared execution order. Only valid before Start.
func (m *MemoryStatus) RegisterOperator(name string, tensors, prevs, posts []string, backward bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return morierr.ErrInited
	}
	if _, exists := m.operators[name]; exists {
		return &morierr.OperatorInvalidError{Operator: name, Reason: "already registered"}
	}
	m.operators[name] = newOperator(name, tensors, prevs, posts, backward, len(m.execOrder))
	m.execOrder = append(m.execOrder, name)
	m.logger.Debug("operator registered", "operator", name, "tensors", len(tensors), "backward", backward)
	return nil
}

// UnregisterOperator removes an operator. Only valid before Start.
func (m *MemoryStatus) UnregisterOperator(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return morierr.ErrInited
	}
	if _, exists := m.operators[name]; !exists {
		return m.operatorNotFoundLocked(name)
	}
	delete(m.operators, name)
	for i, n := range m.execOrder {
		if n == name {
			m.execOrder = append(m.execOrder[:i], m.execOrder[i+1:]...)
			break
		}
	}
	return nil
}

// Start freezes the registered universe: registration calls fail from
// this point on, and entity-level mutation through presenters becomes
// legal.
func (m *MemoryStatus) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return morierr.ErrInited
	}
	m.started = true
	return nil
}

// Started reports whether Start has been called.
func (m *MemoryStatus) Started() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}

// SetEntry records the name of the operator execution begins at each
// iteration, used by schedulers that reason about the forward/backward
// boundary relative to a fixed starting point.
func (m *MemoryStatus) SetEntry(operator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return morierr.ErrInited
	}
	if _, exists := m.operators[operator]; !exists {
		return m.operatorNotFoundLocked(operator)
	}
	m.entry = operator
	return nil
}

// Entry returns the recorded entry operator, or "" if none was set.
func (m *MemoryStatus) Entry() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entry
}

// ExecutionOrder returns the declared topological linearisation of
// operators, in registration order.
func (m *MemoryStatus) ExecutionOrder() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.execOrder...)
}

// ExecutionSuccessor returns the operator immediately after name in the
// declared execution order, and false if name is last or unknown. Used by
// the FIFO scheduler to anchor a swap-in after a tensor's first backward
// touch (spec.md §4.4).
func (m *MemoryStatus) ExecutionSuccessor(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i, n := range m.execOrder {
		if n == name && i+1 < len(m.execOrder) {
			return m.execOrder[i+1], true
		}
	}
	return "", false
}

// TensorNames returns every registered tensor name, sorted for stable
// output — used by introspection surfaces that enumerate the whole
// universe rather than reference one tensor at a time.
func (m *MemoryStatus) TensorNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tensors))
	for name := range m.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReferenceTensor blocks until it can take exclusive ownership of the
// named tensor, returning a presenter the caller must Release.
func (m *MemoryStatus) ReferenceTensor(name string) (*TensorPres, error) {
	t, err := m.lookupTensor(name)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	m.presenters.Add(1)
	return &TensorPres{status: m, tensor: t}, nil
}

// TryReferenceTensor attempts to take exclusive ownership of the named
// tensor without blocking, returning ok=false if another presenter is
// already live.
func (m *MemoryStatus) TryReferenceTensor(name string) (pres *TensorPres, ok bool, err error) {
	t, err := m.lookupTensor(name)
	if err != nil {
		return nil, false, err
	}
	if !t.mu.TryLock() {
		return nil, false, nil
	}
	m.presenters.Add(1)
	return &TensorPres{status: m, tensor: t}, true, nil
}

// ReferenceOperator blocks until it can take exclusive ownership of the
// named operator.
func (m *MemoryStatus) ReferenceOperator(name string) (*OperatorPres, error) {
	op, err := m.lookupOperator(name)
	if err != nil {
		return nil, err
	}
	op.mu.Lock()
	m.presenters.Add(1)
	return &OperatorPres{status: m, operator: op}, nil
}

// TryReferenceOperator is the non-blocking counterpart to
// ReferenceOperator.
func (m *MemoryStatus) TryReferenceOperator(name string) (pres *OperatorPres, ok bool, err error) {
	op, err := m.lookupOperator(name)
	if err != nil {
		return nil, false, err
	}
	if !op.mu.TryLock() {
		return nil, false, nil
	}
	m.presenters.Add(1)
	return &OperatorPres{status: m, operator: op}, true, nil
}

func (m *MemoryStatus) lookupTensor(name string) (*Tensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tensors[name]
	if !ok {
		return nil, m.tensorNotFoundLocked(name)
	}
	return t, nil
}

func (m *MemoryStatus) lookupOperator(name string) (*Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.operators[name]
	if !ok {
		return nil, m.operatorNotFoundLocked(name)
	}
	return op, nil
}

// tensorNotFoundLocked must be called with m.mu held (read or write).
func (m *MemoryStatus) tensorNotFoundLocked(name string) error {
	names := make([]string, 0, len(m.tensors))
	for n := range m.tensors {
		names = append(names, n)
	}
	return &morierr.TensorInvalidError{Tensor: name, Reason: "not registered", Suggestion: nearestName(name, names)}
}

func (m *MemoryStatus) operatorNotFoundLocked(name string) error {
	names := make([]string, 0, len(m.operators))
	for n := range m.operators {
		names = append(names, n)
	}
	return &morierr.OperatorInvalidError{Operator: name, Reason: "not registered", Suggestion: nearestName(name, names)}
}

// nearestName returns the candidate with the smallest Levenshtein distance
// to target, or "" if candidates is empty or nothing is reasonably close.
func nearestName(target string, candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	sort.Strings(candidates) // deterministic tie-break
	best, bestDist := "", -1
	for _, c := range candidates {
		d := levenshtein.ComputeDistance(target, c)
		if bestDist == -1 || d < bestDist {
			best, bestDist = c, d
		}
	}
	maxLen := len(target)
	if len(best) > maxLen {
		maxLen = len(best)
	}
	if maxLen == 0 || bestDist*2 > maxLen {
		return ""
	}
	return best
}

// PresenterCount reports the number of presenters currently live across
// every tensor and operator. Exported for tests and for export/Dump
// diagnostics; not used to gate registration (Go's presenter locks already
// make register-while-referenced safe: registration only runs before
// Start, before any presenter can exist).
func (m *MemoryStatus) PresenterCount() int64 { return m.presenters.Load() }
