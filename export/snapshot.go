package export

import (
	"github.com/mori-go/mori/events"
	"github.com/mori-go/mori/layout"
	"github.com/mori-go/mori/schedule"
	"github.com/mori-go/mori/status"
)

// SnapshotStatus walks every registered tensor and operator in st and
// returns the wire snapshot of the whole universe, the payload the
// original's onTensors publishes.
func SnapshotStatus(st *status.MemoryStatus) (StatusSnapshot, error) {
	snap := StatusSnapshot{
		Entry:          st.Entry(),
		ExecutionOrder: st.ExecutionOrder(),
	}

	for _, name := range snap.ExecutionOrder {
		op, err := st.ReferenceOperator(name)
		if err != nil {
			return StatusSnapshot{}, err
		}
		snap.Operators = append(snap.Operators, OperatorSnapshot{
			Name:     op.Name(),
			Backprop: op.IsBackwardPropagation(),
			Tensors:  op.Tensors(),
			Prevs:    op.Prevs(),
			Posts:    op.Posts(),
		})
		op.Release()
	}

	for _, name := range st.TensorNames() {
		t, err := st.ReferenceTensor(name)
		if err != nil {
			return StatusSnapshot{}, err
		}
		ts := TensorSnapshot{
			Name:       t.Name(),
			Kind:       t.Kind(),
			TotalSize:  t.TotalSize(),
			Persistent: t.IsPersistent(),
			Transient:  t.IsTransient(),
		}
		for _, sec := range t.Sections() {
			ts.Sections = append(ts.Sections, SectionSnapshot{
				Offset: sec.Offset,
				Size:   sec.Size,
				Status: sec.Status.String(),
				Device: uint64(sec.DeviceAddress),
				Host:   uint64(sec.HostAddress),
			})
		}
		t.Release()
		snap.Tensors = append(snap.Tensors, ts)
	}
	return snap, nil
}

// RecordEvent converts one events.MemoryEvent into its wire form.
func RecordEvent(ev events.MemoryEvent) EventRecord {
	return EventRecord{
		Iteration: ev.Iteration,
		Operator:  ev.Operator,
		Tensor:    ev.Tensor,
		Size:      ev.Size,
		Type:      ev.Type.String(),
		Stage:     ev.Stage.String(),
		Timestamp: ev.Timestamp,
	}
}

func recordScheduleEvent(ev schedule.Event) ScheduleEventRecord {
	return ScheduleEventRecord{
		TensorName: ev.TensorName,
		Size:       ev.Size,
		Type:       ev.Type.String(),
		PostOp:     ev.PostOp,
		Timepoint:  ev.Timepoint,
		Instant:    ev.Instant,
	}
}

func recordStageEvents(stage schedule.StageEvents) StageEventsRecord {
	out := StageEventsRecord{
		Execution: make([]ScheduleEventRecord, 0, len(stage.Execution)),
		Timepoint: make([]ScheduleEventRecord, 0, len(stage.Timepoint)),
	}
	for _, ev := range stage.Execution {
		out.Execution = append(out.Execution, recordScheduleEvent(ev))
	}
	for _, ev := range stage.Timepoint {
		out.Timepoint = append(out.Timepoint, recordScheduleEvent(ev))
	}
	return out
}

func recordMemoryMap(m *layout.MemoryMap) MemoryMapRecord {
	if m == nil {
		return MemoryMapRecord{}
	}
	out := MemoryMapRecord{}
	for _, r := range m.Regions() {
		out.Regions = append(out.Regions, RegionRecord{
			Name:         r.Name,
			Size:         r.Size,
			Sections:     r.Sections,
			FragmentSize: r.FragmentSize,
		})
	}
	for i := 0; i < m.LayersCount(); i++ {
		l := m.Layer(i)
		out.Layers = append(out.Layers, LayerRecord{
			Regions:       l.Regions,
			Size:          l.Size,
			RequestedSize: l.RequestedSize,
		})
	}
	return out
}

// RecordBundle converts a schedule.Bundle into its wire form, grounded on
// schedule_exporter.cpp's JSONScheduleExporter::onScheduleEvents.
func RecordBundle(bundle schedule.Bundle) ScheduleBundleRecord {
	return ScheduleBundleRecord{
		MemoryMap: recordMemoryMap(bundle.MemoryMap),
		Forward:   recordStageEvents(bundle.Forward),
		Backward:  recordStageEvents(bundle.Backward),
	}
}
