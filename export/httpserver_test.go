package export

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mori-go/mori/events"
	"github.com/mori-go/mori/schedule"
)

func TestServerRoutesServeTensorsEventsAndSchedule(t *testing.T) {
	st := newSnapshotFixture(t)
	store := events.New(nil)
	store.Emit(events.MemoryEvent{Iteration: 1, Operator: "op1", Tensor: "w1", Type: events.Allocate})

	bundle := schedule.Bundle{}
	srv := NewServer("127.0.0.1:0", st, store, func() schedule.Bundle { return bundle })

	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/tensors")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var snap StatusSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Len(t, snap.Tensors, 1)

	resp2, err := http.Get(ts.URL + "/events?iteration=1")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var recs []EventRecord
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "w1", recs[0].Tensor)

	resp3, err := http.Get(ts.URL + "/schedule")
	require.NoError(t, err)
	defer resp3.Body.Close()
	body, err := io.ReadAll(resp3.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "memory_map")
}

func TestServerEventsRejectsNonIntegerIteration(t *testing.T) {
	st := newSnapshotFixture(t)
	store := events.New(nil)
	srv := NewServer("127.0.0.1:0", st, store, nil)

	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events?iteration=abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
