// Package export implements the read-only introspection surface: wire
// snapshots of the tensor/operator universe, the event log, and a
// published schedule bundle, plus the pluggable sinks (JSON, SQLite, an
// HTTP transport) that publish them. It mirrors the original's
// EventsExporter/TensorsExporter/ScheduleExporter trio, selected by name
// out of a morictx.Context the same way the scheduler is.
//
// Grounded on original_source/backend/exporters.hpp and
// original_source/exporters/json_exporter/*.cpp.
package export

import "time"

// TensorSnapshot is the wire form of one registered tensor and its
// current section layout, grounded on json_exporter/tensors_exporter.cpp's
// to_json(TensorPres).
type TensorSnapshot struct {
	Name       string            `json:"name"`
	Kind       string            `json:"type"`
	TotalSize  uint64            `json:"size"`
	Persistent bool              `json:"persistent"`
	Transient  bool              `json:"transient"`
	Sections   []SectionSnapshot `json:"sections"`
}

// SectionSnapshot is one tensor section's current residency.
type SectionSnapshot struct {
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
	Status string `json:"status"`
	Device uint64 `json:"device_address,omitempty"`
	Host   uint64 `json:"host_address,omitempty"`
}

// OperatorSnapshot is the wire form of one registered operator, grounded
// on to_json(OperatorPres).
type OperatorSnapshot struct {
	Name     string   `json:"name"`
	Backprop bool     `json:"backprop"`
	Tensors  []string `json:"tensors"`
	Prevs    []string `json:"prevs"`
	Posts    []string `json:"posts"`
}

// StatusSnapshot is the whole tensor/operator universe at a point in
// time, the payload onTensors publishes in the original.
type StatusSnapshot struct {
	Tensors        []TensorSnapshot   `json:"tensors"`
	Operators      []OperatorSnapshot `json:"operators"`
	Entry          string             `json:"entry"`
	ExecutionOrder []string           `json:"execution_order"`
}

// EventRecord is the wire form of one events.MemoryEvent.
type EventRecord struct {
	Iteration int       `json:"iteration"`
	Operator  string    `json:"operator"`
	Tensor    string    `json:"tensor"`
	Size      uint64    `json:"size"`
	Type      string    `json:"type"`
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
}

// ScheduleEventRecord is the wire form of one schedule.Event, grounded on
// json_exporter/schedule_exporter.cpp's to_json(ScheduleEvent).
type ScheduleEventRecord struct {
	TensorName string `json:"tensor"`
	Size       uint64 `json:"size"`
	Type       string `json:"type"`
	PostOp     string `json:"post_operator,omitempty"`
	Timepoint  int64  `json:"timepoint,omitempty"`
	Instant    bool   `json:"instant,omitempty"`
}

// StageEventsRecord groups one stage's execution- and time-triggered
// events, mirroring StageEvents.
type StageEventsRecord struct {
	Execution []ScheduleEventRecord `json:"execution"`
	Timepoint []ScheduleEventRecord `json:"timepoint"`
}

// RegionRecord is one tensor's placement inside a layout plan, grounded
// on schedule_exporter.cpp's to_json(layout::Region).
type RegionRecord struct {
	Name         string   `json:"name"`
	Size         uint64   `json:"size"`
	Sections     []uint64 `json:"sections"`
	FragmentSize uint64   `json:"fragment_size"`
}

// LayerRecord is one layout layer, grounded on to_json(layout::Layer).
type LayerRecord struct {
	Regions       []string `json:"regions"`
	Size          uint64   `json:"size"`
	RequestedSize uint64   `json:"requested_size"`
}

// MemoryMapRecord is the wire form of a layout.MemoryMap.
type MemoryMapRecord struct {
	Regions []RegionRecord `json:"regions"`
	Layers  []LayerRecord  `json:"layers"`
}

// ScheduleBundleRecord is the full published schedule: the layout plan
// plus the forward/backward event sets that realise it.
type ScheduleBundleRecord struct {
	MemoryMap MemoryMapRecord   `json:"memory_map"`
	Forward   StageEventsRecord `json:"forward_schedule_events"`
	Backward  StageEventsRecord `json:"backward_schedule_events"`
}
