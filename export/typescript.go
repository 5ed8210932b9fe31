package export

import "github.com/tkrajina/typescriptify-golang-structs/typescriptify"

// GenerateTypeScript emits TypeScript interface declarations for every
// exporter wire struct to path, so a dashboard reading the JSON/HTTP sinks
// gets typed bindings instead of hand-maintained ones drifting from
// EventRecord/ScheduleBundleRecord/StatusSnapshot.
func GenerateTypeScript(path string) error {
	converter := typescriptify.New()
	converter.CreateInterface = true
	converter.BackupDir = ""

	converter.Add(EventRecord{})
	converter.Add(ScheduleEventRecord{})
	converter.Add(StageEventsRecord{})
	converter.Add(ScheduleBundleRecord{})
	converter.Add(RegionRecord{})
	converter.Add(LayerRecord{})
	converter.Add(MemoryMapRecord{})
	converter.Add(TensorSnapshot{})
	converter.Add(SectionSnapshot{})
	converter.Add(OperatorSnapshot{})
	converter.Add(StatusSnapshot{})

	return converter.ConvertToFile(path)
}
