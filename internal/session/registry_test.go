package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaybot/relaybot/internal/bus"
	"github.com/relaybot/relaybot/internal/domain"
)

type fakeDriver struct {
	mu            sync.Mutex
	authenticated bool
	authCalls     int
	navErr        error
	artifact      []byte
	pending       []domain.InboundMessage
	total         int
	closed        bool
	sent          [][2]string
	sendErr       error
}

func (d *fakeDriver) Navigate(context.Context) error { return d.navErr }

func (d *fakeDriver) Authenticated(context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.authCalls++
	return d.authenticated, nil
}

func (d *fakeDriver) authenticatedCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.authCalls
}

func (d *fakeDriver) PairingArtifact(context.Context) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.artifact
}

func (d *fakeDriver) PollOnce(_ context.Context, seen int) ([]domain.InboundMessage, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.total <= seen {
		return nil, seen, nil
	}
	msgs := d.pending
	d.pending = nil
	return msgs, d.total, nil
}

func (d *fakeDriver) SendReply(_ context.Context, contact, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return d.sendErr
	}
	d.sent = append(d.sent, [2]string{contact, text})
	return nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDriver) setAuthenticated(v bool) {
	d.mu.Lock()
	d.authenticated = v
	d.mu.Unlock()
}

func (d *fakeDriver) deliver(msgs ...domain.InboundMessage) {
	d.mu.Lock()
	d.pending = append(d.pending, msgs...)
	d.total += len(msgs)
	d.mu.Unlock()
}

type fakeFactory struct {
	mu      sync.Mutex
	err     error
	drivers []*fakeDriver
	prep    func(*fakeDriver)
}

func (f *fakeFactory) NewDriver(context.Context, domain.SessionKey) (Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	d := &fakeDriver{artifact: []byte("qr-png")}
	if f.prep != nil {
		f.prep(d)
	}
	f.drivers = append(f.drivers, d)
	return d, nil
}

func (f *fakeFactory) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drivers)
}

func (f *fakeFactory) driver(i int) *fakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drivers[i]
}

func testConfig() Config {
	return Config{
		DetectInterval:      5 * time.Millisecond,
		PollInterval:        5 * time.Millisecond,
		SessionTTL:          time.Hour,
		PairingAttemptLimit: 10000,
	}
}

type fakeSink struct {
	mu   sync.Mutex
	msgs []domain.InboundMessage
}

func (s *fakeSink) Deliver(msgs []domain.InboundMessage) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msgs...)
	s.mu.Unlock()
}

func (s *fakeSink) received() []domain.InboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.InboundMessage, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func waitForEvent(t *testing.T, ch <-chan bus.Event, typ bus.EventType) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

var testKey = domain.SessionKey{TenantID: "acme", BotID: "support"}

func TestCreatePairsThenConnects(t *testing.T) {
	t.Parallel()

	events := bus.New()
	defer events.Close()
	ch, cancel := events.Subscribe(16)
	defer cancel()

	factory := &fakeFactory{}
	r := NewRegistry(testConfig(), factory, events)
	defer r.Shutdown()

	res, err := r.Create(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if res.Status != domain.StatusWaitingPairing {
		t.Fatalf("Status = %q, want %q", res.Status, domain.StatusWaitingPairing)
	}
	if string(res.Artifact) != "qr-png" {
		t.Fatalf("Artifact = %q", res.Artifact)
	}

	ev := waitForEvent(t, ch, bus.EventQRReady)
	if ev.TenantID != "acme" || ev.BotID != "support" || string(ev.Artifact) != "qr-png" {
		t.Fatalf("qr-ready event = %+v", ev)
	}

	// Operator scans the code; detection flips the session to connected.
	factory.driver(0).setAuthenticated(true)
	waitForEvent(t, ch, bus.EventConnected)

	if got := r.Status(testKey); got != domain.StatusConnected {
		t.Fatalf("Status() = %q, want %q", got, domain.StatusConnected)
	}
}

func TestCreateReusesConnectedSession(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{prep: func(d *fakeDriver) { d.authenticated = true }}
	r := NewRegistry(testConfig(), factory, nil)
	defer r.Shutdown()

	res, err := r.Create(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if res.Status != domain.StatusConnected {
		t.Fatalf("Status = %q, want connected", res.Status)
	}

	res, err = r.Create(context.Background(), testKey)
	if err != nil {
		t.Fatalf("second Create() error = %v", err)
	}
	if res.Status != domain.StatusConnected {
		t.Fatalf("second Status = %q, want connected", res.Status)
	}
	if factory.calls() != 1 {
		t.Fatalf("factory calls = %d, want 1 (no new page for reuse)", factory.calls())
	}
}

func TestCreateReusesPairingSession(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	r := NewRegistry(testConfig(), factory, nil)
	defer r.Shutdown()

	if _, err := r.Create(context.Background(), testKey); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	res, err := r.Create(context.Background(), testKey)
	if err != nil {
		t.Fatalf("second Create() error = %v", err)
	}
	if res.Status != domain.StatusWaitingPairing || string(res.Artifact) != "qr-png" {
		t.Fatalf("second Create() = %+v, want existing pairing artifact", res)
	}
	if factory.calls() != 1 {
		t.Fatalf("factory calls = %d, want 1", factory.calls())
	}
}

func TestConcurrentCreatesAllocateOnePage(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	r := NewRegistry(testConfig(), factory, nil)
	defer r.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Create(context.Background(), testKey); err != nil {
				t.Errorf("Create() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if factory.calls() != 1 {
		t.Fatalf("factory calls = %d, want 1", factory.calls())
	}
}

func TestCreateInvalidKey(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testConfig(), &fakeFactory{}, nil)
	defer r.Shutdown()

	if _, err := r.Create(context.Background(), domain.SessionKey{TenantID: "", BotID: "b"}); err == nil {
		t.Fatal("Create() with empty tenant = nil error")
	}
}

func TestCreateNavigationFailureLeavesNoSession(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{prep: func(d *fakeDriver) { d.navErr = ErrNavigationTimeout }}
	r := NewRegistry(testConfig(), factory, nil)
	defer r.Shutdown()

	_, err := r.Create(context.Background(), testKey)
	if !errors.Is(err, ErrNavigationTimeout) {
		t.Fatalf("Create() error = %v, want ErrNavigationTimeout", err)
	}
	if got := r.Status(testKey); got != domain.StatusNotInitialized {
		t.Fatalf("Status() = %q, want not_initialized", got)
	}
	if !factory.driver(0).closed {
		t.Fatal("page not released after navigation failure")
	}

	// A retry after the failure allocates a fresh page.
	factory.prep = nil
	if _, err := r.Create(context.Background(), testKey); err != nil {
		t.Fatalf("retry Create() error = %v", err)
	}
	if factory.calls() != 2 {
		t.Fatalf("factory calls = %d, want 2", factory.calls())
	}
}

func TestCreateFactoryErrorPropagates(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("browser unavailable")
	r := NewRegistry(testConfig(), &fakeFactory{err: wantErr}, nil)
	defer r.Shutdown()

	if _, err := r.Create(context.Background(), testKey); !errors.Is(err, wantErr) {
		t.Fatalf("Create() error = %v, want %v", err, wantErr)
	}
}

func TestDisconnect(t *testing.T) {
	t.Parallel()

	events := bus.New()
	defer events.Close()
	ch, cancel := events.Subscribe(16)
	defer cancel()

	factory := &fakeFactory{prep: func(d *fakeDriver) { d.authenticated = true }}
	r := NewRegistry(testConfig(), factory, events)
	defer r.Shutdown()

	if _, err := r.Create(context.Background(), testKey); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := r.Disconnect(context.Background(), testKey); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	waitForEvent(t, ch, bus.EventDisconnected)

	if !factory.driver(0).closed {
		t.Fatal("driver not closed on disconnect")
	}
	if got := r.Status(testKey); got != domain.StatusNotInitialized {
		t.Fatalf("Status() after disconnect = %q", got)
	}

	// Disconnected is terminal: the session is gone from the registry.
	if info, ok := r.Get(testKey); ok {
		t.Fatalf("Get() after disconnect = %+v, want none", info)
	}
	if infos := r.List(); len(infos) != 0 {
		t.Fatalf("List() after disconnect = %+v, want empty", infos)
	}
	if _, ok := r.createLocks.Load(testKey); ok {
		t.Fatal("create lock not pruned after disconnect")
	}

	// Repeat disconnect and disconnect of unknown sessions are no-ops.
	if err := r.Disconnect(context.Background(), testKey); err != nil {
		t.Fatalf("repeat Disconnect() error = %v", err)
	}
	if err := r.Disconnect(context.Background(), domain.SessionKey{TenantID: "x", BotID: "y"}); err != nil {
		t.Fatalf("unknown Disconnect() error = %v", err)
	}
}

func TestCreateAfterDisconnectStartsFresh(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{prep: func(d *fakeDriver) { d.authenticated = true }}
	r := NewRegistry(testConfig(), factory, nil)
	defer r.Shutdown()

	if _, err := r.Create(context.Background(), testKey); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := r.Disconnect(context.Background(), testKey); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if _, err := r.Create(context.Background(), testKey); err != nil {
		t.Fatalf("Create() after disconnect error = %v", err)
	}
	if factory.calls() != 2 {
		t.Fatalf("factory calls = %d, want 2", factory.calls())
	}
}

func TestPairingAttemptsExhausted(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.PairingAttemptLimit = 3
	factory := &fakeFactory{}
	r := NewRegistry(cfg, factory, nil)
	defer r.Shutdown()

	if _, err := r.Create(context.Background(), testKey); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// One reading happens during create, then the watcher gets its three.
	waitFor(t, 2*time.Second, func() bool {
		return factory.driver(0).authenticatedCalls() >= 4
	}, "pairing attempts to be spent")
	time.Sleep(50 * time.Millisecond)

	// The watcher has given up: a late scan no longer connects, but the
	// session is still there, waiting, until disconnected or reaped.
	factory.driver(0).setAuthenticated(true)
	time.Sleep(50 * time.Millisecond)
	if got := r.Status(testKey); got != domain.StatusWaitingPairing {
		t.Fatalf("Status() after exhaustion = %q, want %q", got, domain.StatusWaitingPairing)
	}
	if got := factory.driver(0).authenticatedCalls(); got != 4 {
		t.Fatalf("detection calls = %d, want 4 (loop stopped)", got)
	}
}

func TestGetExposesPairingArtifact(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	r := NewRegistry(testConfig(), factory, nil)
	defer r.Shutdown()

	if _, err := r.Create(context.Background(), testKey); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	info, ok := r.Get(testKey)
	if !ok {
		t.Fatal("Get() = none for pairing session")
	}
	if string(info.Artifact) != "qr-png" {
		t.Fatalf("Get().Artifact = %q, want pairing image", info.Artifact)
	}

	// Once connected the artifact is stale and disappears from snapshots.
	factory.driver(0).setAuthenticated(true)
	waitFor(t, 2*time.Second, func() bool {
		return r.Status(testKey) == domain.StatusConnected
	}, "session to connect")

	info, ok = r.Get(testKey)
	if !ok {
		t.Fatal("Get() = none for connected session")
	}
	if len(info.Artifact) != 0 {
		t.Fatalf("Get().Artifact = %q after connect, want empty", info.Artifact)
	}
}

func TestInboundMessagesReachSink(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	factory := &fakeFactory{prep: func(d *fakeDriver) { d.authenticated = true }}
	r := NewRegistry(testConfig(), factory, nil)
	defer r.Shutdown()
	r.SetInboundSink(sink)

	if _, err := r.Create(context.Background(), testKey); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	factory.driver(0).deliver(
		domain.InboundMessage{Key: testKey, Sender: "+1555", Text: "one"},
		domain.InboundMessage{Key: testKey, Sender: "+1555", Text: "two"},
	)

	waitFor(t, 2*time.Second, func() bool { return len(sink.received()) == 2 }, "messages to reach the sink")
	got := sink.received()
	if got[0].Text != "one" || got[1].Text != "two" {
		t.Fatalf("sink received %+v", got)
	}
}

func TestInboundMessagesReachBus(t *testing.T) {
	t.Parallel()

	events := bus.New()
	defer events.Close()
	ch, cancel := events.Subscribe(16)
	defer cancel()

	factory := &fakeFactory{prep: func(d *fakeDriver) { d.authenticated = true }}
	r := NewRegistry(testConfig(), factory, events)
	defer r.Shutdown()

	if _, err := r.Create(context.Background(), testKey); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	factory.driver(0).deliver(domain.InboundMessage{Key: testKey, Sender: "+1555", Text: "hello"})

	ev := waitForEvent(t, ch, bus.EventMessageReceived)
	if ev.Message == nil || ev.Message.Text != "hello" || ev.Message.Sender != "+1555" {
		t.Fatalf("message event = %+v", ev)
	}
}

func TestSustainedDetectionLossDisconnects(t *testing.T) {
	t.Parallel()

	events := bus.New()
	defer events.Close()
	ch, cancel := events.Subscribe(16)
	defer cancel()

	factory := &fakeFactory{prep: func(d *fakeDriver) { d.authenticated = true }}
	r := NewRegistry(testConfig(), factory, events)
	defer r.Shutdown()

	if _, err := r.Create(context.Background(), testKey); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	factory.driver(0).setAuthenticated(false)
	waitForEvent(t, ch, bus.EventDisconnected)

	if got := r.Status(testKey); got != domain.StatusNotInitialized {
		t.Fatalf("Status() = %q after detection loss", got)
	}
}

func TestReplySender(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	r := NewRegistry(testConfig(), factory, nil)
	defer r.Shutdown()

	if _, err := r.ReplySender(testKey); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("ReplySender() on unknown session error = %v", err)
	}

	if _, err := r.Create(context.Background(), testKey); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := r.ReplySender(testKey); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("ReplySender() while pairing error = %v", err)
	}

	factory.driver(0).setAuthenticated(true)
	waitFor(t, 2*time.Second, func() bool {
		return r.Status(testKey) == domain.StatusConnected
	}, "session to connect")

	sender, err := r.ReplySender(testKey)
	if err != nil {
		t.Fatalf("ReplySender() error = %v", err)
	}
	if err := sender.SendReply(context.Background(), "+1555", "hi"); err != nil {
		t.Fatalf("SendReply() error = %v", err)
	}
}

func TestReaperDisconnectsIdleSessions(t *testing.T) {
	t.Parallel()

	events := bus.New()
	defer events.Close()
	ch, cancel := events.Subscribe(16)
	defer cancel()

	cfg := testConfig()
	cfg.SessionTTL = 20 * time.Millisecond
	factory := &fakeFactory{prep: func(d *fakeDriver) { d.authenticated = true }}
	r := NewRegistry(cfg, factory, events)
	defer r.Shutdown()

	if _, err := r.Create(context.Background(), testKey); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	r.StartReaper(ctx, 10*time.Millisecond)

	waitForEvent(t, ch, bus.EventDisconnected)
	if got := r.Status(testKey); got != domain.StatusNotInitialized {
		t.Fatalf("Status() = %q, want reaped", got)
	}
}

func TestList(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	r := NewRegistry(testConfig(), factory, nil)
	defer r.Shutdown()

	keys := []domain.SessionKey{
		{TenantID: "beta", BotID: "a"},
		{TenantID: "alpha", BotID: "z"},
		{TenantID: "alpha", BotID: "a"},
	}
	for _, k := range keys {
		if _, err := r.Create(context.Background(), k); err != nil {
			t.Fatalf("Create(%s) error = %v", k, err)
		}
	}

	infos := r.List()
	if len(infos) != 3 {
		t.Fatalf("List() len = %d, want 3", len(infos))
	}
	wantOrder := []string{"alpha/a", "alpha/z", "beta/a"}
	for i, info := range infos {
		got := info.TenantID + "/" + info.BotID
		if got != wantOrder[i] {
			t.Errorf("List()[%d] = %s, want %s", i, got, wantOrder[i])
		}
		if info.Status != domain.StatusWaitingPairing {
			t.Errorf("List()[%d].Status = %q", i, info.Status)
		}
	}
}
