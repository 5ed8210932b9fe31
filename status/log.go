package status

import "log/slog"

// LogValue renders a snapshot of the presenter's tensor for structured
// logging; like every TensorPres method it panics once the presenter is
// released. Mirrors the runnerRef LogValue pattern in the teacher's
// scheduler.
func (p *TensorPres) LogValue() slog.Value {
	p.checkLive()
	return slog.GroupValue(
		slog.String("tensor", p.tensor.name),
		slog.Uint64("size", p.tensor.totalSize),
		slog.Int("sections", len(p.tensor.sections)),
		slog.Bool("persistent", p.tensor.persistent),
		slog.Bool("transient", p.tensor.transient),
	)
}

// LogValue renders an operator snapshot for structured logging.
func (p *OperatorPres) LogValue() slog.Value {
	p.checkLive()
	return slog.GroupValue(
		slog.String("operator", p.operator.name),
		slog.Int("tensors", len(p.operator.tensors)),
		slog.Bool("backward", p.operator.backwardPropagation),
		slog.Int("order", p.operator.executionOrderIndex),
	)
}
