package http_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	patchhttp "github.com/aretw0/patchbay/pkg/adapters/http"
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	mu       sync.Mutex
	snap     *domain.Snapshot
	requests []domain.LinkRequest
	active   map[uint32]bool
	quantum  [2]uint32
	events   chan domain.Event
}

func newFake() *fakeController {
	return &fakeController{
		snap: &domain.Snapshot{
			Graph: "studio",
			Nodes: []domain.NodeSnapshot{{ID: 1, Name: "mic"}, {ID: 2, Name: "speaker"}},
			Links: []domain.LinkSnapshot{{ID: 3, OutputNode: 1, InputNode: 2, State: "active"}},
		},
		active: make(map[uint32]bool),
		events: make(chan domain.Event, 4),
	}
}

func (f *fakeController) Snapshot(context.Context) (*domain.Snapshot, error) { return f.snap, nil }

func (f *fakeController) Connect(_ context.Context, req domain.LinkRequest) (*domain.LinkSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Output == "missing" {
		return nil, fmt.Errorf("node %q: %w", req.Output, domain.ErrNodeNotFound)
	}
	if req.Output == req.Input {
		return nil, domain.ErrLinkExists
	}
	f.requests = append(f.requests, req)
	return &domain.LinkSnapshot{ID: 9, State: "init"}, nil
}

func (f *fakeController) Disconnect(_ context.Context, id uint32) error {
	if id != 3 {
		return domain.ErrLinkNotFound
	}
	return nil
}

func (f *fakeController) SetActive(_ context.Context, id uint32, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[id] = active
	return nil
}

func (f *fakeController) SetQuantum(_ context.Context, _ uint32, q, max uint32) error {
	if max != 0 && q > max {
		return domain.EINVAL
	}
	f.quantum = [2]uint32{q, max}
	return nil
}

func (f *fakeController) Watch(context.Context) (<-chan domain.Event, error) {
	return f.events, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestGraphRoutes(t *testing.T) {
	h := patchhttp.NewHandler(newFake(), patchhttp.WithInfo(patchhttp.Info{App: "patchbay", Version: "1.0\n", Graph: "studio"}))

	w := do(t, h, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = do(t, h, "GET", "/info", "")
	assert.Contains(t, w.Body.String(), `"version":"1.0"`)

	w = do(t, h, "GET", "/graph", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Len(t, snap.Nodes, 2)

	w = do(t, h, "GET", "/nodes/2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"speaker"`)

	assert.Equal(t, http.StatusNotFound, do(t, h, "GET", "/nodes/7", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "GET", "/nodes/abc", "").Code)

	w = do(t, h, "GET", "/nodes", "")
	assert.Contains(t, w.Body.String(), `"name":"mic"`)

	w = do(t, h, "GET", "/links", "")
	assert.Contains(t, w.Body.String(), `"state":"active"`)

	w = do(t, h, "GET", "/links/3", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"output_node":1`)
	assert.Equal(t, http.StatusNotFound, do(t, h, "GET", "/links/8", "").Code)
}

func TestLinkRoutes(t *testing.T) {
	ctrl := newFake()
	h := patchhttp.NewHandler(ctrl)

	w := do(t, h, "POST", "/links", `{"output":"mic:0","input":"speaker","min_buffers":4}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, ctrl.requests, 1)
	assert.Equal(t, uint32(4), ctrl.requests[0].MinBuffers)

	assert.Equal(t, http.StatusNotFound, do(t, h, "POST", "/links", `{"output":"missing","input":"x"}`).Code)
	assert.Equal(t, http.StatusConflict, do(t, h, "POST", "/links", `{"output":"a","input":"a"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "POST", "/links", `{`).Code)

	assert.Equal(t, http.StatusNoContent, do(t, h, "DELETE", "/links/3", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, "DELETE", "/links/4", "").Code)
}

func TestNodeRoutes(t *testing.T) {
	ctrl := newFake()
	h := patchhttp.NewHandler(ctrl)

	assert.Equal(t, http.StatusNoContent, do(t, h, "PUT", "/nodes/2/active", `{"active":false}`).Code)
	active, ok := ctrl.active[2]
	assert.True(t, ok)
	assert.False(t, active)

	assert.Equal(t, http.StatusNoContent, do(t, h, "PUT", "/nodes/2/quantum", `{"quantum":256,"max_quantum":512}`).Code)
	assert.Equal(t, [2]uint32{256, 512}, ctrl.quantum)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "PUT", "/nodes/2/quantum", `{"quantum":512,"max_quantum":256}`).Code)
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "patchbay_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	h := patchhttp.NewHandler(newFake(), patchhttp.WithGatherer(reg))
	w := do(t, h, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "patchbay_test_total 1")

	assert.Equal(t, http.StatusNotFound, do(t, patchhttp.NewHandler(newFake()), "GET", "/metrics", "").Code)
}

func TestSubscribeEvents(t *testing.T) {
	ctrl := newFake()
	h := patchhttp.NewHandler(ctrl)

	ctrl.events <- domain.Event{Type: domain.EventRecalc, Data: &domain.RecalcEvent{Groups: 1}}
	ctrl.events <- domain.Event{Type: domain.EventQuantum, Data: &domain.QuantumEvent{DriverID: 1, Quantum: 256}}
	close(ctrl.events)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req := httptest.NewRequest("GET", "/events?types=quantum", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	body := w.Body.String()
	assert.Contains(t, body, "event: ping")
	assert.Contains(t, body, "event: quantum")
	assert.Contains(t, body, `"quantum":256`)
	assert.NotContains(t, body, "event: recalc")
}
