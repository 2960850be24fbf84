package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/knx-gateway/internal/knx"
)

// ─── Mock BusConnection ────────────────────────────────────────────

type sentCommand struct {
	dp    knx.Datapoint
	value any
}

// mockConn records every call made by the engine.
type mockConn struct {
	mu        sync.Mutex
	endpoint  knx.Endpoint
	status    knx.Status
	observers map[string]knx.StatusObserver
	handlers  map[knx.GroupAddress]map[string]knx.ValueHandler
	sent      []sentCommand
	sendErr   error

	connectCalls    int
	disconnectCalls int
	subscribeCalls  int
	connectErr      error
}

func newMockConn(ep knx.Endpoint) *mockConn {
	return &mockConn{
		endpoint:  ep,
		status:    knx.StatusDisconnected,
		observers: make(map[string]knx.StatusObserver),
		handlers:  make(map[knx.GroupAddress]map[string]knx.ValueHandler),
	}
}

func (m *mockConn) Connect(context.Context) error {
	m.mu.Lock()
	m.connectCalls++
	err := m.connectErr
	m.mu.Unlock()
	if err != nil {
		m.setStatus(knx.StatusError)
		return err
	}
	m.setStatus(knx.StatusConnected)
	return nil
}

func (m *mockConn) Disconnect() {
	m.mu.Lock()
	m.disconnectCalls++
	m.mu.Unlock()
	m.setStatus(knx.StatusDisconnected)
}

func (m *mockConn) setStatus(s knx.Status) {
	m.mu.Lock()
	m.status = s
	observers := make([]knx.StatusObserver, 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.mu.Unlock()
	for _, fn := range observers {
		fn(s)
	}
}

func (m *mockConn) Subscribe(dp knx.Datapoint, handler knx.ValueHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeCalls++
	if m.handlers[dp.Address] == nil {
		m.handlers[dp.Address] = make(map[string]knx.ValueHandler)
	}
	m.handlers[dp.Address][dp.Name] = handler
}

func (m *mockConn) Unsubscribe(dp knx.Datapoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers[dp.Address], dp.Name)
	if len(m.handlers[dp.Address]) == 0 {
		delete(m.handlers, dp.Address)
	}
}

func (m *mockConn) SendCommand(dp knx.Datapoint, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, sentCommand{dp: dp, value: value})
	return nil
}

func (m *mockConn) AddStatusObserver(id string, fn knx.StatusObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers[id] = fn
}

func (m *mockConn) RemoveStatusObserver(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.observers, id)
}

func (m *mockConn) Status() knx.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// emit simulates a decoded bus value arriving for ga.
func (m *mockConn) emit(ga string, value any) {
	addr, err := knx.ParseGroupAddress(ga)
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	var handlers []knx.ValueHandler
	for _, h := range m.handlers[addr] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()
	for _, h := range handlers {
		h(knx.Datapoint{Address: addr}, value)
	}
}

func (m *mockConn) sentCommands() []sentCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentCommand(nil), m.sent...)
}

func (m *mockConn) counts() (connects, disconnects int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalls, m.disconnectCalls
}

func (m *mockConn) subscribedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, byName := range m.handlers {
		n += len(byName)
	}
	return n
}

func (m *mockConn) observerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observers)
}

// mockFactory hands out one mockConn per created connection.
type mockFactory struct {
	mu      sync.Mutex
	created []*mockConn
	setup   func(*mockConn)
}

func (f *mockFactory) build(ep knx.Endpoint) BusConnection {
	c := newMockConn(ep)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setup != nil {
		f.setup(c)
	}
	f.created = append(f.created, c)
	return c
}

func (f *mockFactory) conns() []*mockConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*mockConn(nil), f.created...)
}

// ─── Recording updater ─────────────────────────────────────────────

type recordingUpdater struct {
	mu       sync.Mutex
	updates  []AttributeUpdate
	statuses map[string][]knx.Status
}

func newRecordingUpdater() *recordingUpdater {
	return &recordingUpdater{statuses: make(map[string][]knx.Status)}
}

func (r *recordingUpdater) UpdateAttribute(_ context.Context, u AttributeUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recordingUpdater) UpdateConfigurationStatus(configID string, status knx.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[configID] = append(r.statuses[configID], status)
}

func (r *recordingUpdater) attributeUpdates() []AttributeUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AttributeUpdate(nil), r.updates...)
}

func (r *recordingUpdater) lastStatus(configID string) knx.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.statuses[configID]
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

// ─── Helpers ───────────────────────────────────────────────────────

func newTestEngine(t *testing.T) (*Engine, *mockFactory, *recordingUpdater) {
	t.Helper()
	f := &mockFactory{}
	u := newRecordingUpdater()
	e, err := NewEngine(EngineOptions{Factory: f.build, Attributes: u, Statuses: u})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e, f, u
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// assertConsistent checks the per-entry binding counters against a full
// scan of the table, and that no binding points at a missing connection.
func assertConsistent(t *testing.T, e *Engine) {
	t.Helper()
	err := e.do(context.Background(), func() {
		scanned := make(map[string]int)
		for _, b := range e.table.all() {
			scanned[b.Key]++
			entry, ok := e.reg.lookup(b.Key)
			if !ok {
				t.Errorf("binding %s references missing connection %s", b.Ref, b.Key)
				continue
			}
			if entry.conn != b.Conn {
				t.Errorf("binding %s holds a stale connection for %s", b.Ref, b.Key)
			}
		}
		for key, entry := range e.reg.entries {
			if entry.bindings != scanned[key] {
				t.Errorf("connection %s: counter %d, scan %d", key, entry.bindings, scanned[key])
			}
			if !entry.referenced() {
				t.Errorf("connection %s is unreferenced but still registered", key)
			}
		}
	})
	if err != nil {
		t.Fatalf("engine request failed: %v", err)
	}
}

func tunnelConfig(id, ip string) GatewayConfig {
	return GatewayConfig{ID: id, Name: id, Enabled: true, GatewayIP: ip, ConnectionType: "tunnel"}
}
