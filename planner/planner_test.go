package planner

import (
	"testing"

	"github.com/mori-go/mori/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeSingleLayerGivesWholeSections(t *testing.T) {
	st := status.New(nil)
	require.NoError(t, st.RegisterTensor("act0", 100, "inout", false, false))
	require.NoError(t, st.RegisterOperator("fwd0", []string{"act0"}, nil, nil, false))
	require.NoError(t, st.Start())

	p := New()
	p.SetMemoryInfo(1<<20, 256)
	require.NoError(t, p.Analyze(st))

	mm, err := p.MemoryMap()
	require.NoError(t, err)
	require.Equal(t, 1, mm.LayersCount())

	r, err := mm.Region("act0")
	require.NoError(t, err)
	require.Len(t, r.Sections, 1)
	assert.Equal(t, r.Size, r.Sections[0])
}

func TestAnalyzeSkipsPersistentAndTransientTensors(t *testing.T) {
	st := status.New(nil)
	require.NoError(t, st.RegisterTensor("weight", 1000, "weight", true, false))
	require.NoError(t, st.RegisterTensor("scratch", 1000, "workspace", false, true))
	require.NoError(t, st.RegisterTensor("act0", 200, "inout", false, false))
	require.NoError(t, st.RegisterOperator("fwd0", []string{"weight", "scratch", "act0"}, nil, nil, false))
	require.NoError(t, st.Start())

	p := New()
	p.SetMemoryInfo(1<<20, 256)
	require.NoError(t, p.Analyze(st))

	mm, err := p.MemoryMap()
	require.NoError(t, err)
	_, err = mm.Region("weight")
	assert.Error(t, err)
	_, err = mm.Region("scratch")
	assert.Error(t, err)
	_, err = mm.Region("act0")
	assert.NoError(t, err)
}

func TestAnalyzeOpensNewLayerWhenFull(t *testing.T) {
	st := status.New(nil)
	require.NoError(t, st.RegisterTensor("big1", 768, "inout", false, false))
	require.NoError(t, st.RegisterTensor("big2", 768, "inout", false, false))
	require.NoError(t, st.RegisterOperator("fwd0", []string{"big1", "big2"}, nil, nil, false))
	require.NoError(t, st.Start())

	p := New()
	p.SetMemoryInfo(1024, 256) // each tensor aligns to 768, both together exceed 1024
	require.NoError(t, p.Analyze(st))

	mm, err := p.MemoryMap()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, mm.LayersCount(), 2)
}

func TestAnalyzeIsIdempotentUntilCleared(t *testing.T) {
	st := status.New(nil)
	require.NoError(t, st.RegisterTensor("act0", 100, "inout", false, false))
	require.NoError(t, st.RegisterOperator("fwd0", []string{"act0"}, nil, nil, false))
	require.NoError(t, st.Start())

	p := New()
	p.SetMemoryInfo(1<<20, 256)
	require.NoError(t, p.Analyze(st))
	require.True(t, p.Analyzed())

	require.NoError(t, p.Analyze(st)) // no-op, must not panic or double-submit

	p.Clear()
	assert.False(t, p.Analyzed())
	_, err := p.MemoryMap()
	assert.Error(t, err)
}
