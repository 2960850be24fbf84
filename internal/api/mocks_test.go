package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/knx-gateway/internal/audit"
	"github.com/nerrad567/knx-gateway/internal/gateway"
)

// mockGateway is an in-memory Gateway that validates with the real
// validator and records writes.
type mockGateway struct {
	mu      sync.Mutex
	configs map[string]gateway.GatewayConfig
	links   map[gateway.AttributeRef]gateway.Link
	writes  []gateway.WriteEvent
	conns   []gateway.ConnectionInfo

	// Error injection
	linkErr  error
	writeErr error
	listErr  error
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		configs: make(map[string]gateway.GatewayConfig),
		links:   make(map[gateway.AttributeRef]gateway.Link),
	}
}

func (m *mockGateway) CreateConfiguration(_ context.Context, cfg gateway.GatewayConfig) (gateway.GatewayConfig, gateway.ValidationResult, error) {
	if cfg.ID == "" {
		cfg.ID = "generated"
	}
	res := gateway.Validate(cfg)
	if !res.Valid() {
		return cfg, res, res.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[cfg.ID]; ok {
		return cfg, res, fmt.Errorf("%w: %s", gateway.ErrConfigurationExists, cfg.ID)
	}
	m.configs[cfg.ID] = cfg
	return cfg, res, nil
}

func (m *mockGateway) UpdateConfiguration(_ context.Context, cfg gateway.GatewayConfig) (gateway.ValidationResult, error) {
	res := gateway.Validate(cfg)
	if !res.Valid() {
		return res, res.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[cfg.ID]; !ok {
		return res, fmt.Errorf("%w: %s", gateway.ErrConfigurationNotFound, cfg.ID)
	}
	m.configs[cfg.ID] = cfg
	return res, nil
}

func (m *mockGateway) DeleteConfiguration(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[id]; !ok {
		return fmt.Errorf("%w: %s", gateway.ErrConfigurationNotFound, id)
	}
	delete(m.configs, id)
	return nil
}

func (m *mockGateway) SetEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return fmt.Errorf("%w: %s", gateway.ErrConfigurationNotFound, id)
	}
	cfg.Enabled = enabled
	m.configs[id] = cfg
	return nil
}

func (m *mockGateway) GetConfiguration(_ context.Context, id string) (*gateway.GatewayConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", gateway.ErrConfigurationNotFound, id)
	}
	return &cfg, nil
}

func (m *mockGateway) Configurations(context.Context) ([]gateway.ConfigurationInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	infos := make([]gateway.ConfigurationInfo, 0, len(m.configs))
	for id := range m.configs {
		infos = append(infos, gateway.ConfigurationInfo{Config: m.configs[id]})
	}
	return infos, nil
}

func (m *mockGateway) Connections(context.Context) ([]gateway.ConnectionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns, m.listErr
}

func (m *mockGateway) Bindings(context.Context) ([]gateway.BindingInfo, error) {
	return nil, nil
}

func (m *mockGateway) Link(_ context.Context, link gateway.Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !link.Ref.Valid() {
		return gateway.ErrInvalidAttributeRef
	}
	if link.Meta.DatapointType == "" {
		return gateway.ErrMissingDatapointType
	}
	m.links[link.Ref] = link
	return m.linkErr
}

func (m *mockGateway) Unlink(_ context.Context, ref gateway.AttributeRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[ref]; !ok {
		return fmt.Errorf("%w: %s", gateway.ErrLinkNotFound, ref)
	}
	delete(m.links, ref)
	return nil
}

func (m *mockGateway) Links(context.Context) ([]gateway.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	links := make([]gateway.Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	return links, nil
}

func (m *mockGateway) Write(_ context.Context, ev gateway.WriteEvent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return "", m.writeErr
	}
	if ev.ID == "" {
		ev.ID = "evt-1"
	}
	m.writes = append(m.writes, ev)
	return ev.ID, nil
}

func (m *mockGateway) writeEvents() []gateway.WriteEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gateway.WriteEvent(nil), m.writes...)
}

// mockAudit keeps audit entries in memory.
type mockAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
	filter  audit.Filter

	recordErr error
	listErr   error
}

func (m *mockAudit) Record(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	m.entries = append(m.entries, *e)
	return nil
}

func (m *mockAudit) List(_ context.Context, filter audit.Filter) (*audit.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = filter
	if m.listErr != nil {
		return nil, m.listErr
	}
	return &audit.Page{Entries: append([]audit.Entry{}, m.entries...), Total: len(m.entries), Limit: filter.Limit}, nil
}

func (m *mockAudit) recorded() []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Entry(nil), m.entries...)
}
