// Package session owns the lifecycle of chat client sessions: creation,
// connection detection, pairing, and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/relaybot/relaybot/internal/bus"
	"github.com/relaybot/relaybot/internal/domain"
	"github.com/relaybot/relaybot/internal/poller"
)

// ErrNotConnected is returned when an operation needs a connected session.
var ErrNotConnected = errors.New("session not connected")

// disconnectThreshold is how many consecutive negative detection readings
// a connected session tolerates before it is torn down. A single reading
// can be a transient rerender of the pairing overlay.
const disconnectThreshold = 3

// defaultPairingAttemptLimit bounds how many detection readings a session
// waiting for pairing gets before the watcher gives up on it.
const defaultPairingAttemptLimit = 150

// Config holds registry tuning.
type Config struct {
	DetectInterval time.Duration
	PollInterval   time.Duration
	SessionTTL     time.Duration

	// PairingAttemptLimit caps detection attempts while a session waits
	// for pairing. On exhaustion the watcher stops and the session stays
	// in the pairing state until disconnected or reaped.
	PairingAttemptLimit int
}

// InboundSink receives inbound message batches for reply dispatch.
// Implementations must queue without dropping; the reply pipeline is the
// one consumer that must see every message.
type InboundSink interface {
	Deliver(msgs []domain.InboundMessage)
}

// CreateResult is the outcome of Create.
type CreateResult struct {
	Status   domain.Status
	Artifact []byte
}

// Info is a point-in-time snapshot of one session. Artifact carries the
// current pairing image while the session waits for pairing, so a status
// poll can render the code without re-creating the session.
type Info struct {
	TenantID     string                 `json:"tenant_id"`
	BotID        string                 `json:"bot_id"`
	State        domain.ConnectionState `json:"state"`
	Status       domain.Status          `json:"status"`
	Artifact     []byte                 `json:"qr_image,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	LastActivity time.Time              `json:"last_activity"`
}

type record struct {
	key    domain.SessionKey
	driver Driver

	mu           sync.Mutex
	state        domain.ConnectionState
	artifact     []byte
	createdAt    time.Time
	lastActivity time.Time

	// cancel stops the watcher and poller goroutines for this session.
	cancel context.CancelFunc
}

func (rec *record) setState(next domain.ConnectionState) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.state.CanTransition(next) {
		slog.Error("Illegal session state transition",
			"session", rec.key, "from", rec.state, "to", next)
		return
	}
	rec.state = next
}

func (rec *record) currentState() domain.ConnectionState {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state
}

func (rec *record) touch() {
	rec.mu.Lock()
	rec.lastActivity = time.Now()
	rec.mu.Unlock()
}

// Registry tracks every session keyed by tenant and bot. One registry
// serves the whole process.
type Registry struct {
	cfg     Config
	factory DriverFactory
	events  *bus.Bus
	inbound InboundSink

	mu       sync.RWMutex
	sessions map[domain.SessionKey]*record

	// createLocks serializes Create per session key so that concurrent
	// creates for the same key await the in-flight one and then reuse
	// its result.
	createLocks sync.Map

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, factory DriverFactory, events *bus.Bus) *Registry {
	if cfg.PairingAttemptLimit <= 0 {
		cfg.PairingAttemptLimit = defaultPairingAttemptLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:        cfg,
		factory:    factory,
		events:     events,
		sessions:   make(map[domain.SessionKey]*record),
		lifeCtx:    ctx,
		lifeCancel: cancel,
	}
}

// SetInboundSink wires the reply dispatch path. Must be called before any
// session connects; messages polled without a sink are only published as
// bus notifications.
func (r *Registry) SetInboundSink(sink InboundSink) {
	r.mu.Lock()
	r.inbound = sink
	r.mu.Unlock()
}

func (r *Registry) inboundSink() InboundSink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inbound
}

// Create initializes a session for key, or reuses the live one. A session
// already connected is returned as-is without touching the browser; a
// session still pairing returns its current pairing artifact. Concurrent
// calls for the same key block until the first one settles.
func (r *Registry) Create(ctx context.Context, key domain.SessionKey) (CreateResult, error) {
	if !key.Valid() {
		return CreateResult{}, fmt.Errorf("invalid session key %q", key)
	}

	lock := r.createLock(key)
	lock.Lock()
	defer lock.Unlock()

	if res, ok := r.reuseExisting(key); ok {
		return res, nil
	}

	now := time.Now()
	rec := &record{
		key:          key,
		state:        domain.StateUninitialized,
		createdAt:    now,
		lastActivity: now,
	}
	r.mu.Lock()
	r.sessions[key] = rec
	r.mu.Unlock()

	res, err := r.initialize(ctx, rec)
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, key)
		r.mu.Unlock()
		return CreateResult{}, err
	}
	return res, nil
}

// reuseExisting returns a result for a live session, discarding a
// disconnected record so the caller can start fresh.
func (r *Registry) reuseExisting(key domain.SessionKey) (CreateResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[key]
	if !ok {
		return CreateResult{}, false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch rec.state {
	case domain.StateConnected:
		slog.Info("Session already connected, reusing", "session", key)
		return CreateResult{Status: domain.StatusConnected}, true
	case domain.StateNavigating, domain.StatePairing:
		slog.Info("Session initialization already in flight, reusing", "session", key)
		return CreateResult{Status: domain.StatusWaitingPairing, Artifact: rec.artifact}, true
	default:
		// Disconnected is terminal; a new create replaces the record.
		delete(r.sessions, key)
		return CreateResult{}, false
	}
}

func (r *Registry) initialize(ctx context.Context, rec *record) (CreateResult, error) {
	rec.setState(domain.StateNavigating)

	// The page must outlive this request, so the driver is bound to the
	// registry lifecycle rather than the request context.
	driver, err := r.factory.NewDriver(r.lifeCtx, rec.key)
	if err != nil {
		return CreateResult{}, fmt.Errorf("allocate page for %s: %w", rec.key, err)
	}
	rec.driver = driver

	if err := driver.Navigate(ctx); err != nil {
		_ = driver.Close()
		return CreateResult{}, err
	}

	sessCtx, cancel := context.WithCancel(r.lifeCtx)
	rec.cancel = cancel

	authenticated, err := driver.Authenticated(ctx)
	if err != nil {
		slog.Warn("Initial connection detection failed", "session", rec.key, "error", err)
	}
	if authenticated {
		r.markConnected(sessCtx, rec)
		r.startWatcher(sessCtx, rec)
		return CreateResult{Status: domain.StatusConnected}, nil
	}

	artifact := driver.PairingArtifact(ctx)
	rec.mu.Lock()
	rec.artifact = artifact
	rec.mu.Unlock()
	rec.setState(domain.StatePairing)

	r.publish(bus.Event{
		Type:     bus.EventQRReady,
		TenantID: rec.key.TenantID,
		BotID:    rec.key.BotID,
		Artifact: artifact,
	})
	slog.Info("Session waiting for pairing", "session", rec.key)

	r.startWatcher(sessCtx, rec)
	return CreateResult{Status: domain.StatusWaitingPairing, Artifact: artifact}, nil
}

func (r *Registry) startWatcher(ctx context.Context, rec *record) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.watch(ctx, rec)
	}()
}

// watch drives the session state machine from periodic detection readings:
// pairing flips to connected on the first positive reading within a bounded
// number of attempts, connected flips to disconnected only after sustained
// negative readings.
func (r *Registry) watch(ctx context.Context, rec *record) {
	ticker := time.NewTicker(r.cfg.DetectInterval)
	defer ticker.Stop()

	misses := 0
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch rec.currentState() {
			case domain.StatePairing:
				if attempts >= r.cfg.PairingAttemptLimit {
					slog.Info("Pairing attempts exhausted, session stays unpaired",
						"session", rec.key, "attempts", attempts)
					return
				}
				attempts++
				authenticated, err := rec.driver.Authenticated(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					slog.Warn("Connection detection failed", "session", rec.key, "error", err)
					continue
				}
				if authenticated {
					r.markConnected(ctx, rec)
					misses = 0
				}
			case domain.StateConnected:
				authenticated, err := rec.driver.Authenticated(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					slog.Warn("Connection detection failed", "session", rec.key, "error", err)
					continue
				}
				if authenticated {
					misses = 0
					continue
				}
				misses++
				if misses >= disconnectThreshold {
					slog.Info("Session lost authentication", "session", rec.key)
					r.teardown(rec)
					return
				}
			default:
				return
			}
		}
	}
}

func (r *Registry) markConnected(ctx context.Context, rec *record) {
	rec.setState(domain.StateConnected)
	rec.mu.Lock()
	rec.artifact = nil
	rec.lastActivity = time.Now()
	rec.mu.Unlock()

	r.publish(bus.Event{
		Type:     bus.EventConnected,
		TenantID: rec.key.TenantID,
		BotID:    rec.key.BotID,
	})
	slog.Info("Session connected", "session", rec.key)

	runner := poller.NewRunner(rec.key, rec.driver, r.cfg.PollInterval, func(msgs []domain.InboundMessage) {
		rec.touch()
		// The sink is the guaranteed path into reply dispatch; the bus
		// events below are lossy notifications for observers.
		if sink := r.inboundSink(); sink != nil {
			sink.Deliver(msgs)
		}
		for i := range msgs {
			m := msgs[i]
			r.publish(bus.Event{
				Type:     bus.EventMessageReceived,
				TenantID: rec.key.TenantID,
				BotID:    rec.key.BotID,
				Message:  &m,
				At:       m.ObservedAt,
			})
		}
	})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		runner.Run(ctx)
	}()
}

// Disconnect tears a session down. Unknown or already disconnected
// sessions are a no-op.
func (r *Registry) Disconnect(_ context.Context, key domain.SessionKey) error {
	r.mu.RLock()
	rec, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	r.teardown(rec)
	return nil
}

func (r *Registry) teardown(rec *record) {
	rec.mu.Lock()
	if rec.state == domain.StateDisconnected {
		rec.mu.Unlock()
		return
	}
	if !rec.state.CanTransition(domain.StateDisconnected) {
		slog.Error("Illegal session state transition",
			"session", rec.key, "from", rec.state, "to", domain.StateDisconnected)
		rec.mu.Unlock()
		return
	}
	rec.state = domain.StateDisconnected
	rec.artifact = nil
	cancel := rec.cancel
	rec.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if rec.driver != nil {
		if err := rec.driver.Close(); err != nil {
			slog.Warn("Failed to close session page", "session", rec.key, "error", err)
		}
	}

	// Disconnected is terminal: the record leaves the registry so reads
	// report not_initialized and a later create starts from scratch.
	r.mu.Lock()
	if r.sessions[rec.key] == rec {
		delete(r.sessions, rec.key)
	}
	r.mu.Unlock()
	r.createLocks.Delete(rec.key)

	r.publish(bus.Event{
		Type:     bus.EventDisconnected,
		TenantID: rec.key.TenantID,
		BotID:    rec.key.BotID,
	})
	slog.Info("Session disconnected", "session", rec.key)
}

// Status reports the external status for key. Unknown sessions report
// not_initialized rather than an error.
func (r *Registry) Status(key domain.SessionKey) domain.Status {
	r.mu.RLock()
	rec, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok {
		return domain.StatusNotInitialized
	}
	return rec.currentState().External()
}

// Get returns a snapshot for key.
func (r *Registry) Get(key domain.SessionKey) (Info, bool) {
	r.mu.RLock()
	rec, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok {
		return Info{}, false
	}
	return snapshot(rec), true
}

// List returns snapshots of all sessions, ordered by key.
func (r *Registry) List() []Info {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.sessions))
	for _, rec := range r.sessions {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(recs))
	for _, rec := range recs {
		infos = append(infos, snapshot(rec))
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].TenantID != infos[j].TenantID {
			return infos[i].TenantID < infos[j].TenantID
		}
		return infos[i].BotID < infos[j].BotID
	})
	return infos
}

// ReplySender returns the outgoing send channel for a connected session.
func (r *Registry) ReplySender(key domain.SessionKey) (ReplySender, error) {
	r.mu.RLock()
	rec, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if rec.currentState() != domain.StateConnected {
		return nil, ErrNotConnected
	}
	return rec.driver, nil
}

// StartReaper sweeps idle sessions on interval until ctx is canceled.
func (r *Registry) StartReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()
		slog.Info("Session reaper started", "interval", interval, "ttl", r.cfg.SessionTTL)

		for {
			select {
			case <-ctx.Done():
				slog.Info("Session reaper shutting down", "reason", ctx.Err())
				return
			case <-ticker.C:
				r.reapIdle()
			}
		}
	}()
}

func (r *Registry) reapIdle() {
	if r.cfg.SessionTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.cfg.SessionTTL)

	r.mu.RLock()
	var expired []*record
	for _, rec := range r.sessions {
		rec.mu.Lock()
		idle := rec.lastActivity.Before(cutoff) && rec.state != domain.StateDisconnected
		rec.mu.Unlock()
		if idle {
			expired = append(expired, rec)
		}
	}
	r.mu.RUnlock()

	for _, rec := range expired {
		slog.Info("Reaping idle session", "session", rec.key)
		r.teardown(rec)
	}
}

// Shutdown disconnects every session and stops background goroutines.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.sessions))
	for _, rec := range r.sessions {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	for _, rec := range recs {
		r.teardown(rec)
	}
	r.lifeCancel()
	r.wg.Wait()
}

func (r *Registry) createLock(key domain.SessionKey) *sync.Mutex {
	lock, _ := r.createLocks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (r *Registry) publish(ev bus.Event) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(ev); err != nil {
		slog.Debug("Event publish skipped", "type", ev.Type, "error", err)
	}
}

func snapshot(rec *record) Info {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return Info{
		TenantID:     rec.key.TenantID,
		BotID:        rec.key.BotID,
		State:        rec.state,
		Status:       rec.state.External(),
		Artifact:     rec.artifact,
		CreatedAt:    rec.createdAt,
		LastActivity: rec.lastActivity,
	}
}
