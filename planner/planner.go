// Package planner works out a layout plan: which alignment layer each
// non-persistent, non-transient tensor's footprint belongs in, how much
// trailing fragment padding each needs so the next tensor in its layer
// starts aligned, and how a lower layer's footprint should be split into
// sections so its address range can be shared by several smaller
// upper-layer tensors over time.
//
// Grounded on original_source/backend/decisions/layout_model.hpp.
package planner

import (
	"fmt"

	"github.com/mori-go/mori/layout"
	"github.com/mori-go/mori/memaddr"
	"github.com/mori-go/mori/status"
)

// node is the planner's working record for one tensor, mirroring
// LayoutModel::Node. The Sections/FragmentSize fields it produces are
// written straight through to the region's live record in the
// MemoryMap (via MutableRegion) rather than staged and copied back.
type node struct {
	region *layout.Region

	lowerRemaining     uint64
	upperRemaining     uint64
	lowerFragRemaining uint64
	upperFragRemaining uint64

	posts []*node
}

func newNode(r *layout.Region) *node {
	return &node{region: r, lowerRemaining: r.Size, upperRemaining: r.Size}
}

func (n *node) setFragment(size uint64) {
	n.region.FragmentSize = size
	n.lowerFragRemaining = size
	n.upperFragRemaining = size
}

// Planner bin-packs tensors into layers and derives their section
// splits. A fresh Planner must be Analyze()d before its MemoryMap is
// read.
type Planner struct {
	memoryMap *layout.MemoryMap
	nodes     map[string]*node

	smin       uint64
	deviceSize uint64
	alignSize  uint64

	analyzed bool
}

// New returns an unconfigured planner. SetMemoryInfo must be called
// before Analyze.
func New() *Planner {
	return &Planner{memoryMap: layout.NewMemoryMap(), nodes: make(map[string]*node), smin: 16}
}

// SetMemoryInfo configures the device capacity and allocation alignment
// the plan must respect.
func (p *Planner) SetMemoryInfo(deviceSize, alignSize uint64) {
	p.deviceSize = deviceSize
	p.alignSize = alignSize
	p.memoryMap.SetMemorySize(deviceSize)
}

// Analyze builds the layout plan from st's registered universe. A no-op
// if already analyzed; call Clear first to re-plan.
func (p *Planner) Analyze(st *status.MemoryStatus) error {
	if p.analyzed {
		return nil
	}
	if err := p.fillModel(st); err != nil {
		return err
	}
	for i := 0; i < p.memoryMap.LayersCount(); i++ {
		if !p.memoryMap.Layer(i).IsAccommodatable() {
			return fmt.Errorf("planner: layer %d overflowed during fillModel", i)
		}
	}
	if p.memoryMap.LayersCount() != 1 {
		p.generateFragments()
		for i := 0; i < p.memoryMap.LayersCount(); i++ {
			if !p.memoryMap.Layer(i).IsAccommodatable() {
				return fmt.Errorf("planner: layer %d still overflows after generateFragments", i)
			}
		}
		p.generateTree()
	} else {
		p.singleLayerSections()
	}
	p.analyzed = true
	return nil
}

// singleLayerSections gives every region in a single-layer plan one
// section spanning its whole size — the fast path generateTree's own
// top-layer handling reduces to when there is only one layer overall.
func (p *Planner) singleLayerSections() {
	if p.memoryMap.LayersCount() == 0 {
		return
	}
	for _, name := range p.memoryMap.Layer(0).Regions {
		n := p.nodes[name]
		n.region.Sections = append(n.region.Sections, n.region.Size)
	}
}

// fillModel walks the declared execution order once, bin-packing every
// non-persistent, non-transient tensor's aligned footprint into the
// current layer, opening a new layer whenever the current one would
// overflow.
func (p *Planner) fillModel(st *status.MemoryStatus) error {
	for _, opName := range st.ExecutionOrder() {
		opPres, err := st.ReferenceOperator(opName)
		if err != nil {
			return err
		}
		tensors := opPres.Tensors()
		opPres.Release()

		for _, tensorName := range tensors {
			tensorPres, err := st.ReferenceTensor(tensorName)
			if err != nil {
				return err
			}
			if tensorPres.IsPersistent() || tensorPres.IsTransient() {
				tensorPres.Release()
				continue
			}
			if _, already := p.nodes[tensorName]; already {
				tensorPres.Release()
				continue
			}
			aligned := memaddr.AlignedSize(tensorPres.TotalSize(), p.alignSize)
			name := tensorPres.Name()
			tensorPres.Release()

			layer := p.memoryMap.CurrentLayerRef()
			if layer.RequestedSize+aligned > layer.Size {
				p.memoryMap.CreateLayer()
			}
			p.memoryMap.SubmitRegionCurrent(layout.Region{Name: name, Size: aligned})
			p.nodes[name] = newNode(p.memoryMap.MutableRegion(name))
		}
	}
	return nil
}

// Clear discards the plan so Analyze can build a fresh one.
func (p *Planner) Clear() {
	p.memoryMap.Clear()
	p.memoryMap.SetMemorySize(p.deviceSize)
	p.nodes = make(map[string]*node)
	p.analyzed = false
}

// Analyzed reports whether Analyze has successfully completed.
func (p *Planner) Analyzed() bool { return p.analyzed }

// MemoryMap returns the completed layout plan. Errors if Analyze has not
// run yet.
func (p *Planner) MemoryMap() (*layout.MemoryMap, error) {
	if !p.analyzed {
		return nil, fmt.Errorf("planner: memory map not analyzed")
	}
	return p.memoryMap, nil
}

// LayersCount returns the number of layers the plan uses.
func (p *Planner) LayersCount() int { return p.memoryMap.LayersCount() }
