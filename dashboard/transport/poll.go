package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/pulseboard/pulseboard/dashboard/observability"
)

// PollConfig configures the timed-poll fallback channel.
type PollConfig struct {
	// URL is the events endpoint; the poll cursor is sent as ?after=N.
	URL string
	// HealthURL is the lightweight probe endpoint.
	HealthURL string
	// Interval is the poll cadence.
	Interval time.Duration
	// RequestTimeout bounds each poll request and health probe.
	RequestTimeout time.Duration
}

// DefaultPollConfig returns production defaults.
func DefaultPollConfig(url, healthURL string) PollConfig {
	return PollConfig{
		URL:            url,
		HealthURL:      healthURL,
		Interval:       3 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// pollResponse is the wire shape of the poll endpoint: a batch of raw
// event objects plus the cursor to resume from.
type pollResponse struct {
	Cursor int64             `json:"cursor"`
	Events []json.RawMessage `json:"events"`
}

// Poll periodically re-reads backend progress state. It keeps a
// monotonically advancing cursor so repeated polls mostly return deltas;
// duplicates that slip through are the deduplicator's problem, not ours.
type Poll struct {
	cfg    PollConfig
	client *resty.Client

	onBatch func(batch [][]byte)

	running  atomic.Bool
	inFlight atomic.Bool
	cursor   atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewPoll creates a poll channel.
func NewPoll(cfg PollConfig) *Poll {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Accept", "application/json")
	return &Poll{cfg: cfg, client: client}
}

// SetCallback registers the batch handler. Must be called before Start.
func (p *Poll) SetCallback(onBatch func([][]byte)) {
	p.onBatch = onBatch
}

// Running reports whether the poll loop is active.
func (p *Poll) Running() bool {
	return p.running.Load()
}

// Start launches the poll loop. Starting an already-running poll is a
// no-op, so failover can call it unconditionally.
func (p *Poll) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	go p.loop(loopCtx)
	log.Printf("Poll: started (interval %v)", p.cfg.Interval)
}

// Stop halts the poll loop. Idempotent.
func (p *Poll) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()
	log.Printf("Poll: stopped")
}

func (p *Poll) loop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Fire one immediate fetch so failover does not wait a full interval.
	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick fetches once, skipping entirely if the previous fetch is still in
// flight: the ticker fires on its own schedule regardless of request
// latency, and unbounded concurrent polls must never pile up.
func (p *Poll) tick(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		observability.PollTicksSkipped.Inc()
		return
	}

	go func() {
		defer p.inFlight.Store(false)
		if err := p.fetch(ctx); err != nil {
			if ctx.Err() == nil {
				log.Printf("Poll: fetch failed: %v", err)
			}
		}
	}()
}

func (p *Poll) fetch(ctx context.Context) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("after", fmt.Sprintf("%d", p.cursor.Load())).
		Get(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("transport: poll %s: %w", p.cfg.URL, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("transport: poll %s: status %d", p.cfg.URL, resp.StatusCode())
	}

	var body pollResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return fmt.Errorf("transport: poll decode: %w", err)
	}

	if body.Cursor > p.cursor.Load() {
		p.cursor.Store(body.Cursor)
	}

	if len(body.Events) > 0 && p.onBatch != nil {
		batch := make([][]byte, 0, len(body.Events))
		for _, ev := range body.Events {
			batch = append(batch, []byte(ev))
		}
		p.onBatch(batch)
	}
	return nil
}

// Probe issues the lightweight health check against the poll backend.
func (p *Poll) Probe(ctx context.Context) error {
	url := p.cfg.HealthURL
	if url == "" {
		url = p.cfg.URL
	}
	resp, err := p.client.R().SetContext(ctx).Get(url)
	if err != nil {
		observability.HealthProbes.WithLabelValues("error").Inc()
		return fmt.Errorf("transport: probe %s: %w", url, err)
	}
	if resp.StatusCode() != http.StatusOK {
		observability.HealthProbes.WithLabelValues("bad_status").Inc()
		return fmt.Errorf("transport: probe %s: status %d", url, resp.StatusCode())
	}
	observability.HealthProbes.WithLabelValues("ok").Inc()
	return nil
}
