package export

import (
	"os"
	"sync"
)

// Method is where an exporter's serialized message ultimately lands.
// Grounded on exportimpl::ExportMethod/FileExportMethod in
// original_source/backend/exporters.hpp: the export method is the sink,
// the exporter above it decides what and when to serialize.
type Method interface {
	ExportMessage(message string) error
	Close() error
}

// emptyMethod discards every message. newMethod returns it for the
// "empty" method, for an unset method and for any unrecognised name.
type emptyMethod struct{}

func (emptyMethod) ExportMessage(string) error { return nil }
func (emptyMethod) Close() error               { return nil }

// fileMethod appends newline-delimited messages to an open file, mirroring
// FileExportMethod's ofstream-per-line behavior.
type fileMethod struct {
	mu   sync.Mutex
	file *os.File
}

// newFileMethod opens (creating or truncating) path for append-style writes.
func newFileMethod(path string) (*fileMethod, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileMethod{file: f}, nil
}

func (m *fileMethod) ExportMessage(message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.file.WriteString(message + "\n")
	return err
}

func (m *fileMethod) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file.Close()
}

// newMethod resolves the "method" key the way EventsExporter/
// TensorsExporter/ScheduleExporter's constructors do in the original:
// "empty" discards, "file" opens the path under "method.filename".
func newMethod(kind string, filename string) (Method, error) {
	switch kind {
	case "", "empty":
		return emptyMethod{}, nil
	case "file":
		return newFileMethod(filename)
	default:
		return emptyMethod{}, nil
	}
}
