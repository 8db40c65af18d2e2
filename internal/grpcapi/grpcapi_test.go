package grpcapi

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gotest.tools/poll"

	"github.com/avcontroller/avcontroller-go/internal/model"
	"github.com/avcontroller/avcontroller-go/internal/observer"
)

type fakeFleet struct {
	bus      *observer.Bus
	entities map[model.EntityID]*model.ControlledEntity
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{bus: observer.New(), entities: make(map[model.EntityID]*model.ControlledEntity)}
}

func (f *fakeFleet) Entities() []*model.ControlledEntity {
	var out []*model.ControlledEntity
	for _, e := range f.entities {
		out = append(out, e)
	}
	return out
}

func (f *fakeFleet) Entity(id model.EntityID) (*model.ControlledEntity, error) {
	e, ok := f.entities[id]
	if !ok {
		return nil, assert.AnError
	}
	return e, nil
}

func (f *fakeFleet) Subscribe(sink observer.Sink) (unsubscribe func()) {
	return f.bus.Subscribe(sink)
}

func TestFleetAndEntityRESTEndpoints(t *testing.T) {
	fleet := newFakeFleet()
	e := model.New(model.EntityID(0x1), false)
	e.SetAdvertised()
	fleet.entities[e.ID()] = e

	srv := New(fleet)
	require.NoError(t, srv.StartHTTP("127.0.0.1:18980"))
	defer srv.Stop()

	addr := "http://127.0.0.1:18980"
	poll.WaitOn(t, func(t poll.LogT) poll.Result {
		resp, err := http.Get(addr + "/fleet")
		if err != nil {
			return poll.Continue("waiting for REST server: %v", err)
		}
		resp.Body.Close()
		return poll.Success()
	}, poll.WithTimeout(2*time.Second), poll.WithDelay(10*time.Millisecond))

	resp, err := http.Get(addr + "/fleet")
	require.NoError(t, err)
	defer resp.Body.Close()
	var rows []fleetSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	if assert.Len(t, rows, 1) {
		assert.Equal(t, e.ID().String(), rows[0].EntityID)
		assert.True(t, rows[0].Advertised)
	}

	resp2, err := http.Get(addr + "/fleet/" + e.ID().String())
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	resp3, err := http.Get(addr + "/fleet/0xDEADBEEFDEADBEEF")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestHealthServerReportsServing(t *testing.T) {
	fleet := newFakeFleet()
	srv := New(fleet)
	resp, err := srv.health.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
}
