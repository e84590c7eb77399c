package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pulseboard/pulseboard/dashboard/conn"
	"github.com/pulseboard/pulseboard/dashboard/telemetry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Dashboard is served same-origin in production; allow all for
		// local development.
		return true
	},
}

// API serves the pull-based snapshot surface for render collaborators.
type API struct {
	machine *telemetry.Machine
	manager *conn.Manager
	hub     *Hub
}

// NewAPI creates the snapshot API.
func NewAPI(machine *telemetry.Machine, manager *conn.Manager, hub *Hub) *API {
	return &API{machine: machine, manager: manager, hub: hub}
}

// Router builds the HTTP routes.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/tasks", a.handleActiveTasks)
		r.Get("/tasks/archived", a.handleArchivedTasks)
		r.Get("/tasks/{taskID}", a.handleGetTask)
		r.Get("/tasks/{taskID}/phases/{phaseID}", a.handleGetPhase)
		r.Get("/stats", a.handleStats)
		r.Get("/health", a.handleHealth)
		r.Post("/reconnect", a.handleReconnect)
	})
	r.Get("/ws", a.handleStream)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (a *API) handleActiveTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.machine.ActiveTasks())
}

func (a *API) handleArchivedTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.machine.ArchivedTasks())
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task := a.machine.GetTask(chi.URLParam(r, "taskID"))
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *API) handleGetPhase(w http.ResponseWriter, r *http.Request) {
	phase := a.machine.GetPhase(chi.URLParam(r, "taskID"), chi.URLParam(r, "phaseID"))
	if phase == nil {
		writeError(w, http.StatusNotFound, "phase not found")
		return
	}
	writeJSON(w, http.StatusOK, phase)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.machine.PhaseStatistics())
}

// handleHealth reports transport states and overall health. Degraded or
// offline is still HTTP 200: the dashboard keeps rendering last-known
// state, the health indicator is data, not an error.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.GetConnectionHealth())
}

func (a *API) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.Reconnect(); err != nil {
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}

// handleStream upgrades to websocket and registers with the hub.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("API: websocket upgrade failed: %v", err)
		return
	}

	a.hub.Register(wsConn)
	defer a.hub.Unregister(wsConn)

	// Ping/pong for dead client detection.
	wsConn.SetReadDeadline(time.Now().Add(60 * time.Second))
	wsConn.SetPongHandler(func(string) error {
		wsConn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				// WriteControl is safe alongside the hub's data writes;
				// a regular WriteMessage here would race them.
				deadline := time.Now().Add(5 * time.Second)
				if err := wsConn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	// Read pump to detect disconnections.
	for {
		if _, _, err := wsConn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("API: websocket error: %v", err)
			}
			break
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
