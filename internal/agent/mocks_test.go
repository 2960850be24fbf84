package agent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/knx-gateway/internal/gateway"
	"github.com/nerrad567/knx-gateway/internal/infrastructure/database"
	"github.com/nerrad567/knx-gateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/knx-gateway/internal/knx"
	_ "github.com/nerrad567/knx-gateway/migrations" // registers the schema
)

// mockEngine records every call the agent makes.
type mockEngine struct {
	mu          sync.Mutex
	activated   []gateway.GatewayConfig
	deactivated []string
	enabled     map[string]bool
	linked      []gateway.Link
	unlinked    []gateway.AttributeRef
	writes      []gateway.WriteEvent
	connections []gateway.ConnectionInfo

	linkErr  error
	connsErr error
}

func newMockEngine() *mockEngine {
	return &mockEngine{enabled: make(map[string]bool)}
}

func (m *mockEngine) Activate(_ context.Context, cfg gateway.GatewayConfig) (gateway.ValidationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activated = append(m.activated, cfg)
	return gateway.Validate(cfg), nil
}

func (m *mockEngine) Deactivate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactivated = append(m.deactivated, id)
	return nil
}

func (m *mockEngine) SetEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled[id] = enabled
	return nil
}

func (m *mockEngine) LinkAttribute(_ context.Context, ref gateway.AttributeRef, configID string, meta gateway.LinkMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linked = append(m.linked, gateway.Link{Ref: ref, ConfigurationID: configID, Meta: meta})
	return m.linkErr
}

func (m *mockEngine) UnlinkAttribute(_ context.Context, ref gateway.AttributeRef, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlinked = append(m.unlinked, ref)
	return nil
}

func (m *mockEngine) WriteAttribute(_ context.Context, ev gateway.WriteEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, ev)
	return nil
}

func (m *mockEngine) Configurations(context.Context) ([]gateway.ConfigurationInfo, error) {
	return nil, nil
}

func (m *mockEngine) Connections(context.Context) ([]gateway.ConnectionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connections, m.connsErr
}

func (m *mockEngine) Bindings(context.Context) ([]gateway.BindingInfo, error) {
	return nil, nil
}

func (m *mockEngine) writeEvents() []gateway.WriteEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gateway.WriteEvent(nil), m.writes...)
}

// mockMQTT implements Subscriber, JSONPublisher and HealthPublisher.
type mockMQTT struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]mqtt.MessageHandler
	published []published
	err       error
}

type published struct {
	topic    string
	payload  any
	retained bool
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{connected: true, handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *mockMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return m.err
}

func (m *mockMQTT) PublishJSON(topic string, v any, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, published{topic, v, retained})
	return m.err
}

func (m *mockMQTT) Publish(topic string, payload []byte, _ byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, published{topic, payload, retained})
	return m.err
}

func (m *mockMQTT) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockMQTT) handler(topic string) mqtt.MessageHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[topic]
}

func (m *mockMQTT) messages() []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]published(nil), m.published...)
}

// recordingHistory implements History.
type recordingHistory struct {
	mu       sync.Mutex
	values   []string
	statuses []string
}

func (h *recordingHistory) WriteAttributeValue(assetID, attribute, source string, _ any, _ time.Time) {
	h.mu.Lock()
	h.values = append(h.values, assetID+"/"+attribute+"@"+source)
	h.mu.Unlock()
}

func (h *recordingHistory) WriteConnectionStatus(configID, status string, _ time.Time) {
	h.mu.Lock()
	h.statuses = append(h.statuses, configID+"="+status)
	h.mu.Unlock()
}

// recordingBroadcaster implements Broadcaster.
type recordingBroadcaster struct {
	mu       sync.Mutex
	channels []string
}

func (b *recordingBroadcaster) Broadcast(channel string, _ any) {
	b.mu.Lock()
	b.channels = append(b.channels, channel)
	b.mu.Unlock()
}

func setupRepo(t *testing.T) gateway.Repository {
	t.Helper()
	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "agent.db"),
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return gateway.NewSQLiteRepository(db.DB)
}

func tunnelConfig(id, ip string) gateway.GatewayConfig {
	return gateway.GatewayConfig{ID: id, Name: id, Enabled: true, GatewayIP: ip, ConnectionType: string(knx.ModeTunnel)}
}
