package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard/pulseboard/dashboard/conn"
	"github.com/pulseboard/pulseboard/dashboard/dedup"
	"github.com/pulseboard/pulseboard/dashboard/event"
	"github.com/pulseboard/pulseboard/dashboard/notify"
	"github.com/pulseboard/pulseboard/dashboard/telemetry"
)

// idlePush satisfies conn.PushChannel without ever connecting; API tests
// exercise the HTTP surface, not the transports.
type idlePush struct{}

func (idlePush) SetCallbacks(func([]byte), func(error)) {}
func (idlePush) Connect(context.Context) error          { return context.DeadlineExceeded }
func (idlePush) Close() error                           { return nil }

type idlePoll struct{}

func (idlePoll) SetCallback(func([][]byte))  {}
func (idlePoll) Start(context.Context)       {}
func (idlePoll) Stop()                       {}
func (idlePoll) Running() bool               { return false }
func (idlePoll) Probe(context.Context) error { return nil }

var (
	_ conn.PushChannel = idlePush{}
	_ conn.PollChannel = idlePoll{}
)

type apiFixture struct {
	machine     *telemetry.Machine
	manager     *conn.Manager
	hub         *Hub
	broadcaster *notify.Broadcaster
	srv         *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	broadcaster := notify.NewBroadcaster()
	machine := telemetry.NewMachine(telemetry.Config{}, broadcaster)
	d := dedup.New(dedup.Config{})
	manager := conn.NewManager(conn.Config{}, idlePush{}, idlePoll{}, d, machine, machine, broadcaster)
	hub := NewHub(broadcaster, 4)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	api := NewAPI(machine, manager, hub)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	return &apiFixture{machine: machine, manager: manager, hub: hub, broadcaster: broadcaster, srv: srv}
}

func (f *apiFixture) seedTask(taskID string) {
	now := time.Now()
	f.machine.Apply(event.Canonical{Kind: event.KindTaskStarted, TaskID: taskID, OccurredAt: now})
	f.machine.Apply(event.Canonical{Kind: event.KindPhaseStart, TaskID: taskID, PhaseID: "build", OccurredAt: now})
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestTasksEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTask("job-1")

	var tasks []map[string]interface{}
	status := getJSON(t, f.srv.URL+"/api/v1/tasks", &tasks)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, tasks, 1)
	assert.Equal(t, "job-1", tasks[0]["id"])

	var archived []map[string]interface{}
	status = getJSON(t, f.srv.URL+"/api/v1/tasks/archived", &archived)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, archived)
}

func TestTaskAndPhaseLookup(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTask("job-1")

	var task map[string]interface{}
	status := getJSON(t, f.srv.URL+"/api/v1/tasks/job-1", &task)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "job-1", task["id"])

	status = getJSON(t, f.srv.URL+"/api/v1/tasks/no-such-task", nil)
	assert.Equal(t, http.StatusNotFound, status)

	var phase map[string]interface{}
	status = getJSON(t, f.srv.URL+"/api/v1/tasks/job-1/phases/build", &phase)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "build", phase["id"])

	status = getJSON(t, f.srv.URL+"/api/v1/tasks/job-1/phases/no-such-phase", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTask("job-1")

	status := getJSON(t, f.srv.URL+"/api/v1/stats", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestHealthAlwaysOK(t *testing.T) {
	f := newAPIFixture(t)

	// Manager was never started: both transports are down. Health is
	// rendered as data, never as an HTTP failure.
	var health map[string]interface{}
	status := getJSON(t, f.srv.URL+"/api/v1/health", &health)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "offline", health["overall"])
}

func TestReconnectThrottled(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Post(f.srv.URL+"/api/v1/reconnect", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Immediate second trigger hits the rate limiter.
	resp, err = http.Post(f.srv.URL+"/api/v1/reconnect", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestMetricsExposed(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStreamPushesStateChanges(t *testing.T) {
	f := newAPIFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 },
		time.Second, 5*time.Millisecond, "hub should register the client")

	f.seedTask("job-live")

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var change notify.StateChange
	require.NoError(t, client.ReadJSON(&change))
	assert.Equal(t, notify.EntityTask, change.Kind)
	assert.Equal(t, "job-live", change.EntityID)
}
