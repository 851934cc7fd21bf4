package debugserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ailets/ailets-go/config"
	"github.com/ailets/ailets-go/dag"
	"github.com/ailets/ailets-go/handle"
	"github.com/ailets/ailets-go/kv"
	"github.com/ailets/ailets-go/plugins"
	"github.com/ailets/ailets-go/queue"
	"github.com/ailets/ailets-go/scheduler"
)

func newTestServer(t *testing.T) (*Server, *scheduler.Scheduler) {
	t.Helper()
	q := queue.New()
	kvStore := kv.New()
	dags := dag.New(q, kvStore)
	registry := plugins.New()
	plugins.RegisterStdlib(registry)

	cfg := config.SchedulerConfig{MaxWorkers: 4, IdleTimeout: time.Second}
	sched := scheduler.New(dags, kvStore, q, registry, cfg, nil, nil)

	return New(sched), sched
}

func TestOnStateChangeBroadcastsToConnectedClients(t *testing.T) {
	s, _ := newTestServer(t)

	ch := s.addClient()
	defer s.removeClient(ch)

	n := &dag.Node{ID: 3, Name: "greet", Kind: "value", State: dag.Finished}
	s.OnStateChange(n)

	select {
	case evt := <-ch:
		assert.Equal(t, "state_change", evt.Type)
		assert.Equal(t, handle.Handle(3), evt.NodeID)
		assert.Equal(t, "greet", evt.Name)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast event")
	}
}

func TestOnPipeWriteBroadcastsByteCount(t *testing.T) {
	s, _ := newTestServer(t)

	ch := s.addClient()
	defer s.removeClient(ch)

	n := &dag.Node{ID: 1, Name: "n1", Kind: "value"}
	s.OnPipeWrite(n, 42)

	evt := <-ch
	assert.Equal(t, "pipe_write", evt.Type)
	assert.Equal(t, 42, evt.Bytes)
}

func TestSlowClientDoesNotBlockBroadcast(t *testing.T) {
	s, _ := newTestServer(t)
	ch := s.addClient()
	defer s.removeClient(ch)

	n := &dag.Node{ID: 1, Name: "n1", Kind: "value"}
	for i := 0; i < 100; i++ {
		s.OnStateChange(n)
	}
	// must not deadlock; channel is bounded and excess events are dropped.
}

func TestHandleHistoryServesJSONArray(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	rec := httptest.NewRecorder()
	s.handleHistory(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var entries []*scheduler.HistoryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Empty(t, entries)
}

func TestHandleStreamDeliversBroadcastEventsOverWebSocket(t *testing.T) {
	s, _ := newTestServer(t)

	httpSrv := httptest.NewServer(http.HandlerFunc(s.handleStream))
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + httpSrv.URL[len("http"):]
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// give handleStream a moment to register its client channel.
	time.Sleep(50 * time.Millisecond)

	n := &dag.Node{ID: 9, Name: "sink", Kind: "value", State: dag.Finished}
	s.OnStateChange(n)

	var evt Event
	require.NoError(t, wsjson.Read(ctx, conn, &evt))
	assert.Equal(t, "state_change", evt.Type)
	assert.Equal(t, "sink", evt.Name)
}
