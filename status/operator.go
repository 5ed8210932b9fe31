package status

import "sync"

// Operator is a registered node in the execution-order graph: the
// tensors it touches, its direct predecessors/successors, and whether it
// belongs to the backward pass. ExecutionOrderIndex is assigned by the
// registry at registration time, mirroring the original's registerOperator
// appending to exec_order in call order.
type Operator struct {
	mu sync.RWMutex

	name                string
	tensors             []string
	prevs               []string
	posts               []string
	backwardPropagation bool
	executionOrderIndex int
}

func newOperator(name string, tensors, prevs, posts []string, backward bool, index int) *Operator {
	return &Operator{
		name:                name,
		tensors:             append([]string(nil), tensors...),
		prevs:               append([]string(nil), prevs...),
		posts:               append([]string(nil), posts...),
		backwardPropagation: backward,
		executionOrderIndex: index,
	}
}

// OperatorPres is the exclusive, scope-bound guard returned by
// MemoryStatus.ReferenceOperator. Operators carry no mutable state beyond
// what registration fixes, so the presenter is read-only in practice; it
// still gives its holder exclusive use of the operator until Release.
type OperatorPres struct {
	status   *MemoryStatus
	operator *Operator
	released bool
}

func (p *OperatorPres) checkLive() {
	if p.released {
		panic("status: use of OperatorPres after Release")
	}
}

// Release drops the exclusive guard on the operator.
func (p *OperatorPres) Release() {
	if p.released {
		return
	}
	p.released = true
	p.operator.mu.Unlock()
	p.status.presenters.Add(-1)
}

func (p *OperatorPres) Name() string { p.checkLive(); return p.operator.name }

func (p *OperatorPres) Tensors() []string {
	p.checkLive()
	return append([]string(nil), p.operator.tensors...)
}

func (p *OperatorPres) Prevs() []string {
	p.checkLive()
	return append([]string(nil), p.operator.prevs...)
}

func (p *OperatorPres) Posts() []string {
	p.checkLive()
	return append([]string(nil), p.operator.posts...)
}

func (p *OperatorPres) IsBackwardPropagation() bool { p.checkLive(); return p.operator.backwardPropagation }

func (p *OperatorPres) ExecutionOrderIndex() int { p.checkLive(); return p.operator.executionOrderIndex }
