package layout

import "fmt"

// Region is one tensor's placement record inside a layout plan: its
// total size, the offsets layout planning split it into (Sections), and
// any trailing padding (FragmentSize) reserved to align the next region.
type Region struct {
	Name         string
	Size         uint64
	Sections     []uint64
	FragmentSize uint64
}

// Layer is one alignment tier of a layout plan: the tensors that share
// it and the running total of bytes requested against its capacity.
type Layer struct {
	Regions       []string
	Size          uint64
	RequestedSize uint64
}

func (l *Layer) submit(name string, size uint64) {
	l.Regions = append(l.Regions, name)
	l.RequestedSize += size
}

// IsAccommodatable reports whether everything submitted to the layer so
// far still fits within its capacity.
func (l *Layer) IsAccommodatable() bool { return l.RequestedSize <= l.Size }

// MemoryMap is the layout plan the planner package produces: which layer
// each tensor was bin-packed into and, per tensor, the section
// boundaries and fragment padding generateFragments/generateTree derived.
//
// Grounded on original_source/includes/memory_layout.hpp's MemoryMap
// (regions/layers/memory_size/current_layer).
type MemoryMap struct {
	regions map[string]*Region
	layers  []*Layer

	memorySize   uint64
	currentLayer int
}

// NewMemoryMap returns a plan with a single, empty base layer.
func NewMemoryMap() *MemoryMap {
	return &MemoryMap{regions: make(map[string]*Region), layers: []*Layer{{}}}
}

// SetMemorySize fixes the device memory budget and sizes the base layer
// to match.
func (m *MemoryMap) SetMemorySize(size uint64) {
	m.memorySize = size
	m.layers[0].Size = size
}

func (m *MemoryMap) MemorySize() uint64 { return m.memorySize }

// CreateLayer appends a new layer sized to the full device memory budget
// and advances CurrentLayer to it.
func (m *MemoryMap) CreateLayer() {
	m.layers = append(m.layers, &Layer{Size: m.memorySize})
	m.currentLayer++
}

func (m *MemoryMap) CurrentLayer() int { return m.currentLayer }

func (m *MemoryMap) Layer(i int) *Layer { return m.layers[i] }

func (m *MemoryMap) CurrentLayerRef() *Layer { return m.layers[m.currentLayer] }

func (m *MemoryMap) LayersCount() int { return len(m.layers) }

// SubmitRegion records region as occupying layer, creating or replacing
// its Region entry.
func (m *MemoryMap) SubmitRegion(layer int, region Region) {
	m.layers[layer].submit(region.Name, region.Size)
	r := region
	m.regions[region.Name] = &r
}

// SubmitRegionCurrent is SubmitRegion against the current layer.
func (m *MemoryMap) SubmitRegionCurrent(region Region) { m.SubmitRegion(m.currentLayer, region) }

// Region returns the recorded placement for tensor, or an error if it
// was never submitted.
func (m *MemoryMap) Region(tensor string) (Region, error) {
	r, ok := m.regions[tensor]
	if !ok {
		return Region{}, fmt.Errorf("layout: tensor %q has no recorded region", tensor)
	}
	return *r, nil
}

// Regions returns every recorded region, in no particular order. Mirrors
// the original's getRegions(), used by the schedule exporter to publish a
// full layout plan snapshot.
func (m *MemoryMap) Regions() []Region {
	out := make([]Region, 0, len(m.regions))
	for _, r := range m.regions {
		out = append(out, *r)
	}
	return out
}

// MutableRegion returns the live Region record for tensor for in-place
// mutation, or nil if it was never submitted. Reserved for the planner
// package, which needs to repeatedly read and adjust a region's
// FragmentSize and Sections while working out a layout plan — the same
// trust relationship original_source/backend/decisions/layout_model.hpp
// expresses with `friend struct decisions::Model`.
func (m *MemoryMap) MutableRegion(tensor string) *Region {
	return m.regions[tensor]
}

// SetSections overwrites the recorded split offsets for tensor.
func (m *MemoryMap) SetSections(tensor string, sections []uint64) {
	if r, ok := m.regions[tensor]; ok {
		r.Sections = append([]uint64(nil), sections...)
	}
}

// SetFragmentSize overwrites the recorded trailing-fragment size for
// tensor.
func (m *MemoryMap) SetFragmentSize(tensor string, size uint64) {
	if r, ok := m.regions[tensor]; ok {
		r.FragmentSize = size
	}
}

// FragmentInfo returns every tensor with a non-zero recorded fragment.
func (m *MemoryMap) FragmentInfo() map[string]uint64 {
	out := make(map[string]uint64)
	for name, r := range m.regions {
		if r.FragmentSize != 0 {
			out[name] = r.FragmentSize
		}
	}
	return out
}

// Clear discards every recorded region and layer, leaving the map as if
// freshly constructed with a single empty base layer. Callers that still
// want a specific device budget should call SetMemorySize again.
func (m *MemoryMap) Clear() {
	m.regions = make(map[string]*Region)
	m.layers = []*Layer{{}}
	m.currentLayer = 0
}
