// Package conn owns transport lifecycle, health checks, and failover
// between the push and poll channels. Every inbound event, regardless of
// which channel delivered it, funnels through one serialized ingestion
// goroutine so the deduplicator and the state machine never observe
// concurrent mutation.
package conn

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/pulseboard/pulseboard/dashboard/dedup"
	"github.com/pulseboard/pulseboard/dashboard/event"
	"github.com/pulseboard/pulseboard/dashboard/notify"
	"github.com/pulseboard/pulseboard/dashboard/observability"
)

// PushChannel is the persistent push transport as the manager sees it.
type PushChannel interface {
	SetCallbacks(onMessage func([]byte), onClose func(error))
	Connect(ctx context.Context) error
	Close() error
}

// PollChannel is the timed-poll fallback transport.
type PollChannel interface {
	SetCallback(onBatch func([][]byte))
	Start(ctx context.Context)
	Stop()
	Running() bool
	Probe(ctx context.Context) error
}

// Sink consumes admitted canonical events. telemetry.Machine satisfies it.
type Sink interface {
	Apply(ev event.Canonical)
}

// Sweeper is the optional periodic maintenance hook the manager drives on
// its health-check cadence.
type Sweeper interface {
	Sweep()
}

// Config controls the resilience manager.
type Config struct {
	Backoff BackoffPolicy
	// InitialPushWait bounds how long initialization waits for the first
	// push handshake before falling back to poll-only.
	InitialPushWait time.Duration
	// HealthCheckInterval is the probe cadence against the poll backend.
	HealthCheckInterval time.Duration
	// ProbeTimeout bounds a single health probe.
	ProbeTimeout time.Duration
	// IngestBuffer sizes the serialized ingestion queue.
	IngestBuffer int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Backoff:             DefaultBackoff(),
		InitialPushWait:     5 * time.Second,
		HealthCheckInterval: 15 * time.Second,
		ProbeTimeout:        5 * time.Second,
		IngestBuffer:        256,
	}
}

var ErrDisposed = errors.New("conn: manager disposed")

type inbound struct {
	data    []byte
	channel event.Channel
}

// Manager maintains exactly one current event feed from the caller's
// perspective while running both underlying transports as needed.
type Manager struct {
	cfg Config

	push PushChannel
	poll PollChannel

	dedup       *dedup.Deduplicator
	sink        Sink
	sweeper     Sweeper
	broadcaster *notify.Broadcaster

	mu        sync.RWMutex
	pushState ConnectionState
	pollState ConnectionState

	events       chan inbound
	pushDown     chan error
	reconnectNow chan struct{}

	// reconnectLimiter throttles manual reconnect triggers so a
	// button-mash cannot cause a dial storm.
	reconnectLimiter *rate.Limiter

	ctx      context.Context
	cancel   context.CancelFunc
	disposed atomic.Bool
	wg       sync.WaitGroup
}

// NewManager wires the manager. broadcaster and sweeper may be nil.
func NewManager(cfg Config, push PushChannel, poll PollChannel, d *dedup.Deduplicator, sink Sink, sweeper Sweeper, b *notify.Broadcaster) *Manager {
	def := DefaultConfig()
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.InitialPushWait <= 0 {
		cfg.InitialPushWait = def.InitialPushWait
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.IngestBuffer <= 0 {
		cfg.IngestBuffer = def.IngestBuffer
	}

	return &Manager{
		cfg:              cfg,
		push:             push,
		poll:             poll,
		dedup:            d,
		sink:             sink,
		sweeper:          sweeper,
		broadcaster:      b,
		pushState:        ConnectionState{Channel: event.ChannelPush, Status: StatusDisconnected},
		pollState:        ConnectionState{Channel: event.ChannelPoll, Status: StatusDisconnected},
		events:           make(chan inbound, cfg.IngestBuffer),
		pushDown:         make(chan error, 1),
		reconnectNow:     make(chan struct{}, 1),
		reconnectLimiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// Start brings the manager up: push channel first, poll fallback if the
// push handshake does not complete within the bounded initial wait.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.push.SetCallbacks(m.onPushMessage, m.onPushClose)
	m.poll.SetCallback(m.onPollBatch)

	m.wg.Add(3)
	go m.ingestLoop()
	go m.healthLoop()
	go m.pushLoop()
}

// Close tears everything down: all timers and in-flight subscriptions are
// released, and no callback touches the manager afterwards.
func (m *Manager) Close() {
	if !m.disposed.CompareAndSwap(false, true) {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.poll.Stop()
	m.push.Close()
	m.wg.Wait()
	log.Printf("Manager: closed")
}

// Reconnect is the manual trigger: it resets the backoff budget and
// attempts a push reconnection immediately. Rate limited.
func (m *Manager) Reconnect() error {
	if m.disposed.Load() {
		return ErrDisposed
	}
	if !m.reconnectLimiter.Allow() {
		return errors.New("conn: reconnect throttled")
	}
	select {
	case m.reconnectNow <- struct{}{}:
	default:
	}
	return nil
}

// GetConnectionHealth returns a read-only snapshot of both transports and
// the derived overall signal.
func (m *Manager) GetConnectionHealth() HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return HealthSnapshot{
		Push:    m.pushState,
		Poll:    m.pollState,
		Overall: DeriveHealth(m.pushState, m.pollState),
	}
}

// --- Transport callbacks (fan into the serialized ingest queue) ---

func (m *Manager) onPushMessage(data []byte) {
	m.enqueue(data, event.ChannelPush)
}

func (m *Manager) onPushClose(err error) {
	if m.disposed.Load() {
		return
	}
	select {
	case m.pushDown <- err:
	default:
	}
}

func (m *Manager) onPollBatch(batch [][]byte) {
	for _, data := range batch {
		m.enqueue(data, event.ChannelPoll)
	}
}

func (m *Manager) enqueue(data []byte, ch event.Channel) {
	if m.disposed.Load() {
		return
	}
	observability.EventsReceived.WithLabelValues(string(ch)).Inc()
	select {
	case m.events <- inbound{data: data, channel: ch}:
	default:
		// Ingest queue full; shedding here beats blocking a transport.
		observability.EventsDropped.WithLabelValues("backpressure").Inc()
	}
}

// --- Serialized ingestion ---

func (m *Manager) ingestLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case in := <-m.events:
			m.ingest(in)
		}
	}
}

func (m *Manager) ingest(in inbound) {
	raw, err := event.ParseRaw(in.data)
	if err != nil {
		observability.EventsDropped.WithLabelValues("malformed").Inc()
		log.Printf("Manager: dropped undecodable %s event: %v", in.channel, err)
		return
	}

	canonical, err := event.Normalize(raw, time.Now())
	if err != nil {
		observability.EventsDropped.WithLabelValues("invalid").Inc()
		log.Printf("Manager: dropped invalid %s event: %v", in.channel, err)
		return
	}

	if !m.dedup.Admit(canonical) {
		observability.EventsSuppressed.WithLabelValues(string(canonical.Kind)).Inc()
		return
	}

	observability.EventsAdmitted.WithLabelValues(string(canonical.Kind)).Inc()
	m.sink.Apply(canonical)
}

// --- Push lifecycle and failover ---

// pushLoop owns the push channel state machine:
// disconnected -> connecting -> connected, with exponential backoff on
// failure and a permanent error state once the attempt budget is spent.
func (m *Manager) pushLoop() {
	defer m.wg.Done()

	attempt := 0
	for {
		if m.ctx.Err() != nil {
			return
		}

		attempt++
		m.setPushState(StatusConnecting, "", attempt)
		observability.ReconnectAttempts.WithLabelValues(string(event.ChannelPush)).Inc()

		dialCtx, cancel := context.WithTimeout(m.ctx, m.cfg.InitialPushWait)
		err := m.push.Connect(dialCtx)
		cancel()

		if err == nil {
			m.setPushState(StatusConnected, "", 0)
			attempt = 0
			// Push is live again: stop the poll fallback to avoid
			// duplicate delivery.
			m.stopPollFallback()

			select {
			case <-m.ctx.Done():
				return
			case dropErr := <-m.pushDown:
				m.setPushState(StatusDisconnected, errString(dropErr), 0)
				m.startPollFallback()
				continue
			case <-m.reconnectNow:
				// Manual trigger while connected forces a fresh dial.
				continue
			}
		}

		m.setPushState(StatusDisconnected, err.Error(), attempt)
		m.startPollFallback()

		if m.cfg.Backoff.Exhausted(attempt) {
			m.setPushState(StatusError, "reconnect budget exhausted: "+err.Error(), attempt)
			log.Printf("Manager: push channel pinned to error after %d attempts", attempt)
			select {
			case <-m.ctx.Done():
				return
			case <-m.reconnectNow:
				attempt = 0
				continue
			}
		}

		select {
		case <-m.ctx.Done():
			return
		case <-m.reconnectNow:
			attempt = 0
		case <-time.After(m.cfg.Backoff.Delay(attempt)):
		}
	}
}

func (m *Manager) startPollFallback() {
	if m.disposed.Load() || m.poll.Running() {
		return
	}
	m.poll.Start(m.ctx)
	m.setPollState(StatusConnected, "", 0)
	observability.Failovers.Inc()
	log.Printf("Manager: failover to poll channel")
}

func (m *Manager) stopPollFallback() {
	if !m.poll.Running() {
		return
	}
	m.poll.Stop()
	m.setPollState(StatusDisconnected, "", 0)
	log.Printf("Manager: poll channel stopped, push is live")
}

// --- Health checks ---

func (m *Manager) healthLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runHealthCheck()
		}
	}
}

func (m *Manager) runHealthCheck() {
	probeCtx, cancel := context.WithTimeout(m.ctx, m.cfg.ProbeTimeout)
	err := m.poll.Probe(probeCtx)
	cancel()

	if m.disposed.Load() {
		return
	}

	if err != nil {
		if m.poll.Running() {
			m.setPollState(StatusError, err.Error(), 0)
		} else {
			m.setPollState(StatusDisconnected, err.Error(), 0)
		}
	} else if m.poll.Running() {
		m.setPollState(StatusConnected, "", 0)
	}

	// Periodic hygiene rides the same tick.
	removed := m.dedup.Prune()
	if removed > 0 {
		log.Printf("Manager: pruned %d stale dedupe keys", removed)
	}
	observability.DedupeMapSize.Set(float64(m.dedup.Len()))
	if m.sweeper != nil {
		m.sweeper.Sweep()
	}
}

// --- State bookkeeping ---

func (m *Manager) setPushState(status Status, lastError string, attempts int) {
	m.mu.Lock()
	m.pushState.Status = status
	m.pushState.LastError = lastError
	m.pushState.ReconnectAttempts = attempts
	if status == StatusConnected {
		now := time.Now()
		m.pushState.LastConnectedAt = &now
		// Invariant: attempts reset on every successful connection.
		m.pushState.ReconnectAttempts = 0
	}
	snapshot := m.healthSnapshotLocked()
	m.mu.Unlock()

	m.publishHealth(event.ChannelPush, status, snapshot)
}

func (m *Manager) setPollState(status Status, lastError string, attempts int) {
	m.mu.Lock()
	m.pollState.Status = status
	m.pollState.LastError = lastError
	m.pollState.ReconnectAttempts = attempts
	if status == StatusConnected {
		now := time.Now()
		m.pollState.LastConnectedAt = &now
		m.pollState.ReconnectAttempts = 0
	}
	snapshot := m.healthSnapshotLocked()
	m.mu.Unlock()

	m.publishHealth(event.ChannelPoll, status, snapshot)
}

func (m *Manager) healthSnapshotLocked() HealthSnapshot {
	return HealthSnapshot{
		Push:    m.pushState,
		Poll:    m.pollState,
		Overall: DeriveHealth(m.pushState, m.pollState),
	}
}

func (m *Manager) publishHealth(ch event.Channel, status Status, snapshot HealthSnapshot) {
	observability.ConnectionStatus.WithLabelValues(string(ch)).Set(status.GaugeValue())
	observability.OverallHealth.Set(snapshot.Overall.GaugeValue())
	if m.broadcaster != nil {
		m.broadcaster.Publish(notify.StateChange{
			Kind:     notify.EntityConnection,
			EntityID: string(ch),
			Snapshot: snapshot,
		})
	}
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}
