package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/knx-gateway/internal/gateway"
	"github.com/nerrad567/knx-gateway/internal/infrastructure/config"
	"github.com/nerrad567/knx-gateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/knx-gateway/internal/knx"
)

const (
	// writeTimeout bounds one MQTT write event end to end.
	writeTimeout = 5 * time.Second

	// writeQoS is the subscription QoS for inbound write events.
	writeQoS = 1
)

// Engine is the part of *gateway.Engine the agent drives.
type Engine interface {
	Activate(ctx context.Context, cfg gateway.GatewayConfig) (gateway.ValidationResult, error)
	Deactivate(ctx context.Context, configID string) error
	SetEnabled(ctx context.Context, configID string, enabled bool) error
	LinkAttribute(ctx context.Context, ref gateway.AttributeRef, configID string, meta gateway.LinkMeta) error
	UnlinkAttribute(ctx context.Context, ref gateway.AttributeRef, configID string) error
	WriteAttribute(ctx context.Context, ev gateway.WriteEvent) error
	Configurations(ctx context.Context) ([]gateway.ConfigurationInfo, error)
	Connections(ctx context.Context) ([]gateway.ConnectionInfo, error)
	Bindings(ctx context.Context) ([]gateway.BindingInfo, error)
}

// Subscriber receives write events from the attribute bus.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Options configures an Agent.
type Options struct {
	// Engine is the running gateway engine. Required.
	Engine Engine

	// Repository persists configurations and links. Required.
	Repository gateway.Repository

	// Subscriber delivers MQTT write events. Optional.
	Subscriber Subscriber

	// Seeds are written to an empty repository on first start.
	Seeds []config.SeedConfiguration

	Logger Logger
}

// Agent owns the configuration lifecycle. It keeps the repository and the
// engine in step, restores persisted state at startup and turns MQTT write
// events into engine writes.
//
// Thread Safety: all methods are safe for concurrent use. Lifecycle
// operations are serialised so that the repository and the engine never
// observe them in different orders.
type Agent struct {
	engine Engine
	repo   gateway.Repository
	sub    Subscriber
	seeds  []config.SeedConfiguration
	logger Logger

	mu sync.Mutex
}

// New creates an agent.
func New(opts Options) (*Agent, error) {
	if opts.Engine == nil {
		return nil, errors.New("agent: engine is required")
	}
	if opts.Repository == nil {
		return nil, errors.New("agent: repository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Agent{
		engine: opts.Engine,
		repo:   opts.Repository,
		sub:    opts.Subscriber,
		seeds:  opts.Seeds,
		logger: logger,
	}, nil
}

// Start seeds an empty repository, restores every persisted configuration
// and link into the engine and subscribes to write events.
//
// Configurations are activated before any link so that links to enabled
// configurations bind straight away. Individual restore failures are
// logged and skipped.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.seed(ctx); err != nil {
		return err
	}
	if err := a.restore(ctx); err != nil {
		return err
	}
	if a.sub != nil {
		topic := mqtt.Topics{}.AllAttributeWrites()
		if err := a.sub.Subscribe(topic, writeQoS, a.handleWrite); err != nil {
			return fmt.Errorf("subscribing to write events: %w", err)
		}
		a.logger.Info("subscribed to write events", "topic", topic)
	}
	return nil
}

func (a *Agent) seed(ctx context.Context) error {
	if len(a.seeds) == 0 {
		return nil
	}
	existing, err := a.repo.ListConfigurations(ctx)
	if err != nil {
		return fmt.Errorf("listing configurations: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	for _, s := range a.seeds {
		cfg := seedConfiguration(s)
		if err := a.repo.CreateConfiguration(ctx, &cfg); err != nil {
			return fmt.Errorf("seeding configuration %s: %w", s.ID, err)
		}
		for _, l := range s.Links {
			link := gateway.Link{
				Ref:             gateway.AttributeRef{AssetID: l.AssetID, Attribute: l.Attribute},
				ConfigurationID: s.ID,
				Meta: gateway.LinkMeta{
					DatapointType: l.DatapointType,
					StatusAddress: l.StatusAddress,
					ActionAddress: l.ActionAddress,
				},
			}
			if err := a.repo.SaveLink(ctx, link); err != nil {
				return fmt.Errorf("seeding link %s: %w", link.Ref, err)
			}
		}
		a.logger.Info("configuration seeded", "configuration", s.ID, "links", len(s.Links))
	}
	return nil
}

func seedConfiguration(s config.SeedConfiguration) gateway.GatewayConfig {
	return gateway.GatewayConfig{
		ID:              s.ID,
		Name:            s.Name,
		Enabled:         s.IsEnabled(),
		GatewayIP:       s.GatewayIP,
		ConnectionType:  s.ConnectionType,
		Port:            s.Port,
		UseNAT:          s.UseNAT,
		LocalBusAddress: s.LocalBusAddress,
		LocalIP:         s.LocalIP,
	}
}

func (a *Agent) restore(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	configs, err := a.repo.ListConfigurations(ctx)
	if err != nil {
		return fmt.Errorf("listing configurations: %w", err)
	}
	for _, cfg := range configs {
		res, err := a.engine.Activate(ctx, cfg)
		if err != nil {
			return fmt.Errorf("activating %s: %w", cfg.ID, err)
		}
		if !res.Valid() {
			a.logger.Warn("persisted configuration invalid", "configuration", cfg.ID, "error", res.Err())
		}
	}

	links, err := a.repo.ListLinks(ctx)
	if err != nil {
		return fmt.Errorf("listing links: %w", err)
	}
	for _, l := range links {
		if err := a.engine.LinkAttribute(ctx, l.Ref, l.ConfigurationID, l.Meta); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, gateway.ErrEngineClosed) {
				return err
			}
			a.logger.Warn("link not bound at restore", "attribute", l.Ref.String(), "configuration", l.ConfigurationID, "error", err)
		}
	}
	a.logger.Info("state restored", "configurations", len(configs), "links", len(links))
	return nil
}

// ─── Configurations ────────────────────────────────────────────────

// CreateConfiguration validates, persists and activates a configuration.
// An empty ID is replaced by a generated one. Invalid configurations are
// rejected with the full ValidationResult and nothing is stored.
func (a *Agent) CreateConfiguration(ctx context.Context, cfg gateway.GatewayConfig) (gateway.GatewayConfig, gateway.ValidationResult, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		cfg.ID = uuid.NewString()
	}
	res := gateway.Validate(cfg)
	if !res.Valid() {
		return cfg, res, res.Err()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.repo.CreateConfiguration(ctx, &cfg); err != nil {
		return cfg, res, err
	}
	if _, err := a.engine.Activate(ctx, cfg); err != nil {
		return cfg, res, err
	}
	a.logger.Info("configuration created", "configuration", cfg.ID, "enabled", cfg.Enabled)
	return cfg, res, nil
}

// UpdateConfiguration replaces a stored configuration and re-activates it.
// Links are kept and rebound against the new endpoint.
func (a *Agent) UpdateConfiguration(ctx context.Context, cfg gateway.GatewayConfig) (gateway.ValidationResult, error) {
	res := gateway.Validate(cfg)
	if !res.Valid() {
		return res, res.Err()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.repo.UpdateConfiguration(ctx, &cfg); err != nil {
		return res, err
	}
	if _, err := a.engine.Activate(ctx, cfg); err != nil {
		return res, err
	}
	a.logger.Info("configuration updated", "configuration", cfg.ID)
	return res, nil
}

// DeleteConfiguration deactivates a configuration and deletes it together
// with its links.
func (a *Agent) DeleteConfiguration(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.repo.DeleteConfiguration(ctx, id); err != nil {
		return err
	}
	if err := a.engine.Deactivate(ctx, id); err != nil {
		return err
	}
	a.logger.Info("configuration deleted", "configuration", id)
	return nil
}

// SetEnabled persists and applies the enabled flag.
func (a *Agent) SetEnabled(ctx context.Context, id string, enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg, err := a.repo.GetConfiguration(ctx, id)
	if err != nil {
		return err
	}
	if cfg.Enabled != enabled {
		cfg.Enabled = enabled
		if err := a.repo.UpdateConfiguration(ctx, cfg); err != nil {
			return err
		}
	}
	return a.engine.SetEnabled(ctx, id, enabled)
}

// GetConfiguration returns a stored configuration.
func (a *Agent) GetConfiguration(ctx context.Context, id string) (*gateway.GatewayConfig, error) {
	return a.repo.GetConfiguration(ctx, id)
}

// Configurations returns every activated configuration with its status.
func (a *Agent) Configurations(ctx context.Context) ([]gateway.ConfigurationInfo, error) {
	return a.engine.Configurations(ctx)
}

// Connections returns the shared connections.
func (a *Agent) Connections(ctx context.Context) ([]gateway.ConnectionInfo, error) {
	return a.engine.Connections(ctx)
}

// Bindings returns the binding table.
func (a *Agent) Bindings(ctx context.Context) ([]gateway.BindingInfo, error) {
	return a.engine.Bindings(ctx)
}

// ─── Links ─────────────────────────────────────────────────────────

// Link persists an attribute link and binds it.
//
// The reference, type tag and addresses are checked before anything is
// stored. Linking to a stored configuration that is disabled or invalid
// keeps the link and returns gateway.ErrConnectionUnavailable; it binds
// once the configuration is enabled.
func (a *Agent) Link(ctx context.Context, link gateway.Link) error {
	if err := checkLink(link); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.repo.SaveLink(ctx, link); err != nil {
		return err
	}
	return a.engine.LinkAttribute(ctx, link.Ref, link.ConfigurationID, link.Meta)
}

func checkLink(link gateway.Link) error {
	if !link.Ref.Valid() {
		return fmt.Errorf("%w: %q", gateway.ErrInvalidAttributeRef, link.Ref.String())
	}
	if link.Meta.DatapointType == "" {
		return fmt.Errorf("%w: %s", gateway.ErrMissingDatapointType, link.Ref)
	}
	if _, err := knx.ParseDatapointType(link.Meta.DatapointType); err != nil {
		return err
	}
	for _, addr := range []string{link.Meta.StatusAddress, link.Meta.ActionAddress} {
		if addr == "" {
			continue
		}
		if _, err := knx.ParseGroupAddress(addr); err != nil {
			return err
		}
	}
	return nil
}

// Unlink removes an attribute's link and bindings.
func (a *Agent) Unlink(ctx context.Context, ref gateway.AttributeRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	link, err := a.repo.GetLink(ctx, ref)
	if err != nil {
		return err
	}
	if err := a.repo.DeleteLink(ctx, ref); err != nil {
		return err
	}
	return a.engine.UnlinkAttribute(ctx, ref, link.ConfigurationID)
}

// Links returns every persisted link.
func (a *Agent) Links(ctx context.Context) ([]gateway.Link, error) {
	return a.repo.ListLinks(ctx)
}

// ─── Writes ────────────────────────────────────────────────────────

// Write sends an attribute value to the bus. An empty event ID is replaced
// by a generated one, which is returned.
func (a *Agent) Write(ctx context.Context, ev gateway.WriteEvent) (string, error) {
	if !ev.Attribute.Valid() {
		return "", fmt.Errorf("%w: %q", gateway.ErrInvalidAttributeRef, ev.Attribute.String())
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return ev.ID, a.engine.WriteAttribute(ctx, ev)
}

// writePayload is the body of an MQTT write event.
type writePayload struct {
	ID    string `json:"id,omitempty"`
	Value any    `json:"value"`
}

// handleWrite turns knxgw/attribute/{asset}/{attribute}/write messages
// into engine writes.
func (a *Agent) handleWrite(topic string, payload []byte) error {
	assetID, attribute, kind, ok := mqtt.ParseAttributeTopic(topic)
	if !ok || kind != "write" {
		return fmt.Errorf("%w: topic %q", ErrInvalidPayload, topic)
	}

	var p writePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if p.Value == nil {
		return fmt.Errorf("%w: missing value", ErrInvalidPayload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	id, err := a.Write(ctx, gateway.WriteEvent{
		ID:        p.ID,
		Attribute: gateway.AttributeRef{AssetID: assetID, Attribute: attribute},
		Value:     p.Value,
	})
	if err != nil {
		return err
	}
	a.logger.Debug("write event accepted", "id", id, "asset", assetID, "attribute", attribute)
	return nil
}
