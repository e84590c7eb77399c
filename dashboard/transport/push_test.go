package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsServer is a minimal push backend: it upgrades, sends any frames queued
// on the outbound channel, and closes the socket when told to.
type wsServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		// Drain client frames so pings are answered by gorilla's default
		// handler.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) send(t *testing.T, payload string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.conns, "no client connected")
	conn := s.conns[len(s.conns)-1]
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

func (s *wsServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
}

func (s *wsServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func TestPushDeliversMessages(t *testing.T) {
	server := newWSServer(t)

	var mu sync.Mutex
	var got []string

	p := NewPush(DefaultPushConfig(server.url()))
	p.SetCallbacks(func(data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	}, func(error) {})
	defer p.Close()

	require.NoError(t, p.Connect(context.Background()))
	require.Eventually(t, func() bool { return server.connCount() == 1 },
		time.Second, 5*time.Millisecond)

	server.send(t, `{"kind":"task_started","taskId":"t1"}`)
	server.send(t, `{"kind":"phase_start","phaseId":"build"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Contains(t, got[0], "task_started")
	assert.Contains(t, got[1], "phase_start")
	mu.Unlock()
}

func TestPushReportsServerDrop(t *testing.T) {
	server := newWSServer(t)

	dropped := make(chan error, 1)
	p := NewPush(DefaultPushConfig(server.url()))
	p.SetCallbacks(func([]byte) {}, func(err error) {
		select {
		case dropped <- err:
		default:
		}
	})
	defer p.Close()

	require.NoError(t, p.Connect(context.Background()))
	require.Eventually(t, func() bool { return server.connCount() == 1 },
		time.Second, 5*time.Millisecond)

	server.dropAll()

	select {
	case err := <-dropped:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close callback never fired after server drop")
	}
}

func TestPushDialFailure(t *testing.T) {
	server := newWSServer(t)
	server.srv.Close()

	p := NewPush(DefaultPushConfig(server.url()))
	p.SetCallbacks(func([]byte) {}, func(error) {})

	assert.Error(t, p.Connect(context.Background()))
}

func TestPushSupersededConnectionStaysSilent(t *testing.T) {
	server := newWSServer(t)

	dropped := make(chan error, 4)
	p := NewPush(DefaultPushConfig(server.url()))
	p.SetCallbacks(func([]byte) {}, func(err error) { dropped <- err })
	defer p.Close()

	require.NoError(t, p.Connect(context.Background()))
	require.Eventually(t, func() bool { return server.connCount() == 1 },
		time.Second, 5*time.Millisecond)

	// A second Connect replaces the first socket. The old read pump sees
	// its connection die but must not announce a disconnect for the live
	// one.
	require.NoError(t, p.Connect(context.Background()))
	require.Eventually(t, func() bool { return server.connCount() == 2 },
		time.Second, 5*time.Millisecond)

	select {
	case err := <-dropped:
		t.Fatalf("superseded connection reported a drop: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

// Keepalive pings and the close handshake are both control frames, so an
// aggressive ping cadence overlapping Close must never corrupt the
// connection's writer state.
func TestPushPingsDoNotConflictWithClose(t *testing.T) {
	server := newWSServer(t)

	cfg := DefaultPushConfig(server.url())
	cfg.PingInterval = time.Millisecond

	var mu sync.Mutex
	var got int

	p := NewPush(cfg)
	p.SetCallbacks(func([]byte) {
		mu.Lock()
		got++
		mu.Unlock()
	}, func(error) {})

	require.NoError(t, p.Connect(context.Background()))
	require.Eventually(t, func() bool { return server.connCount() == 1 },
		time.Second, 5*time.Millisecond)

	server.send(t, `{"kind":"task_started","taskId":"t1"}`)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == 1
	}, time.Second, 5*time.Millisecond, "delivery still works under ping load")

	// Let many ping ticks fire, then close mid-cadence.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Close())
}

func TestPushCloseSuppressesCallbacks(t *testing.T) {
	server := newWSServer(t)

	dropped := make(chan error, 1)
	p := NewPush(DefaultPushConfig(server.url()))
	p.SetCallbacks(func([]byte) {}, func(err error) { dropped <- err })

	require.NoError(t, p.Connect(context.Background()))
	require.Eventually(t, func() bool { return server.connCount() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close())

	select {
	case err := <-dropped:
		t.Fatalf("close callback fired after explicit Close: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	assert.ErrorIs(t, p.Connect(context.Background()), ErrPushClosed)
}
