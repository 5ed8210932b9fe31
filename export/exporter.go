package export

import (
	"encoding/json"
	"fmt"

	"github.com/mori-go/mori/events"
	"github.com/mori-go/mori/morictx"
	"github.com/mori-go/mori/schedule"
	"github.com/mori-go/mori/status"
)

// EventsExporter publishes one MemoryEvent at a time as it is emitted,
// mirroring the original's EventsExporter::onEvent.
type EventsExporter interface {
	OnEvent(ev events.MemoryEvent) error
	Close() error
}

// TensorsExporter publishes a full snapshot of the registered universe,
// mirroring TensorsExporter::onTensors.
type TensorsExporter interface {
	OnTensors(st *status.MemoryStatus) error
	Close() error
}

// ScheduleExporter publishes a freshly decided schedule.Bundle, mirroring
// ScheduleExporter::onScheduleEvents.
type ScheduleExporter interface {
	OnSchedule(bundle schedule.Bundle) error
	Close() error
}

type jsonEventsExporter struct{ method Method }
type jsonTensorsExporter struct{ method Method }
type jsonScheduleExporter struct{ method Method }

func (e jsonEventsExporter) OnEvent(ev events.MemoryEvent) error {
	b, err := json.Marshal(RecordEvent(ev))
	if err != nil {
		return err
	}
	return e.method.ExportMessage(string(b))
}
func (e jsonEventsExporter) Close() error { return e.method.Close() }

func (e jsonTensorsExporter) OnTensors(st *status.MemoryStatus) error {
	snap, err := SnapshotStatus(st)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return e.method.ExportMessage(string(b))
}
func (e jsonTensorsExporter) Close() error { return e.method.Close() }

func (e jsonScheduleExporter) OnSchedule(bundle schedule.Bundle) error {
	b, err := json.MarshalIndent(RecordBundle(bundle), "", "  ")
	if err != nil {
		return err
	}
	return e.method.ExportMessage(string(b))
}
func (e jsonScheduleExporter) Close() error { return e.method.Close() }

type emptyEventsExporter struct{}

func (emptyEventsExporter) OnEvent(events.MemoryEvent) error { return nil }
func (emptyEventsExporter) Close() error                     { return nil }

type emptyTensorsExporter struct{}

func (emptyTensorsExporter) OnTensors(*status.MemoryStatus) error { return nil }
func (emptyTensorsExporter) Close() error                         { return nil }

type emptyScheduleExporter struct{}

func (emptyScheduleExporter) OnSchedule(schedule.Bundle) error { return nil }
func (emptyScheduleExporter) Close() error                     { return nil }

// NewEventsExporter resolves ctx's "exporters.events" key: "empty" (the
// default), "json" (newline-delimited JSON via a Method), or "sqlite" (a
// durable table, see sqlite_exporter.go).
func NewEventsExporter(ctx morictx.Context) (EventsExporter, error) {
	kind, _ := ctx.Get("exporters.events")
	switch kind {
	case "", "empty":
		return emptyEventsExporter{}, nil
	case "json":
		method, err := newMethod(methodKind(ctx, "events"), methodFilename(ctx, "events"))
		if err != nil {
			return nil, err
		}
		return jsonEventsExporter{method: method}, nil
	case "sqlite":
		path, _ := ctx.Get("exporters.events.path")
		if path == "" {
			path = "mori-events.db"
		}
		return NewSQLiteEventsExporter(path)
	default:
		return nil, fmt.Errorf("export: unknown exporters.events kind %q", kind)
	}
}

// NewTensorsExporter resolves ctx's "exporters.tensors" key: "empty" or
// "json".
func NewTensorsExporter(ctx morictx.Context) (TensorsExporter, error) {
	kind, _ := ctx.Get("exporters.tensors")
	switch kind {
	case "", "empty":
		return emptyTensorsExporter{}, nil
	case "json":
		method, err := newMethod(methodKind(ctx, "tensors"), methodFilename(ctx, "tensors"))
		if err != nil {
			return nil, err
		}
		return jsonTensorsExporter{method: method}, nil
	default:
		return nil, fmt.Errorf("export: unknown exporters.tensors kind %q", kind)
	}
}

// NewScheduleExporter resolves ctx's "exporters.schedule" key: "empty" or
// "json".
func NewScheduleExporter(ctx morictx.Context) (ScheduleExporter, error) {
	kind, _ := ctx.Get("exporters.schedule")
	switch kind {
	case "", "empty":
		return emptyScheduleExporter{}, nil
	case "json":
		method, err := newMethod(methodKind(ctx, "schedule"), methodFilename(ctx, "schedule"))
		if err != nil {
			return nil, err
		}
		return jsonScheduleExporter{method: method}, nil
	default:
		return nil, fmt.Errorf("export: unknown exporters.schedule kind %q", kind)
	}
}

// methodKind resolves the underlying sink a "json" exporter writes
// through. Defaults to "file" since a JSON exporter with no sink would
// silently discard everything it serializes.
func methodKind(ctx morictx.Context, namespace string) string {
	v, ok := ctx.Get("exporters." + namespace + ".method")
	if !ok || v == "" {
		return "file"
	}
	return v
}

func methodFilename(ctx morictx.Context, namespace string) string {
	v, _ := ctx.Get("exporters." + namespace + ".method.filename")
	if v == "" {
		v = "mori-" + namespace + ".log"
	}
	return v
}
