package events

// ByTensor matches events touching the named tensor.
func ByTensor(name string) Predicate {
	return func(e MemoryEvent) bool { return e.Tensor == name }
}

// ByOperator matches events emitted by the named operator.
func ByOperator(name string) Predicate {
	return func(e MemoryEvent) bool { return e.Operator == name }
}

// ByType matches events of the given type.
func ByType(t Type) Predicate {
	return func(e MemoryEvent) bool { return e.Type == t }
}

// ByStage matches events recorded during the given stage. The comparison
// is exact: ByStage(All) matches only events whose own Stage field is All,
// not events of every stage.
func ByStage(stage Stage) Predicate {
	return func(e MemoryEvent) bool { return e.Stage == stage }
}

// ByIteration matches events recorded during the given iteration.
func ByIteration(iteration int) Predicate {
	return func(e MemoryEvent) bool { return e.Iteration == iteration }
}

// Not inverts pred.
func Not(pred Predicate) Predicate {
	return func(e MemoryEvent) bool { return !pred(e) }
}

// Or matches an event accepted by any of preds.
func Or(preds ...Predicate) Predicate {
	return func(e MemoryEvent) bool {
		for _, p := range preds {
			if p(e) {
				return true
			}
		}
		return false
	}
}
