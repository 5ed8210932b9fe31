package export

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mori-go/mori/events"
	"github.com/mori-go/mori/morictx"
)

func TestNewEventsExporterDefaultsToEmpty(t *testing.T) {
	exp, err := NewEventsExporter(morictx.New(nil))
	require.NoError(t, err)
	require.NoError(t, exp.OnEvent(events.MemoryEvent{Tensor: "w1"}))
	require.NoError(t, exp.Close())
}

func TestNewEventsExporterJSONWritesToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")

	ctx := morictx.New(map[string]string{
		"exporters.events":                 "json",
		"exporters.events.method":          "file",
		"exporters.events.method.filename": path,
	})
	exp, err := NewEventsExporter(ctx)
	require.NoError(t, err)

	require.NoError(t, exp.OnEvent(events.MemoryEvent{Iteration: 1, Tensor: "w1", Type: events.Allocate}))
	require.NoError(t, exp.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tensor":"w1"`)
}

func TestNewEventsExporterRejectsUnknownKind(t *testing.T) {
	ctx := morictx.New(map[string]string{"exporters.events": "nonsense"})
	_, err := NewEventsExporter(ctx)
	assert.Error(t, err)
}

func TestNewTensorsExporterDefaultsToEmpty(t *testing.T) {
	exp, err := NewTensorsExporter(morictx.New(nil))
	require.NoError(t, err)
	require.NoError(t, exp.OnTensors(newSnapshotFixture(t)))
	require.NoError(t, exp.Close())
}

func TestNewScheduleExporterDefaultsToEmpty(t *testing.T) {
	exp, err := NewScheduleExporter(morictx.New(nil))
	require.NoError(t, err)
	require.NoError(t, exp.Close())
}
