package gateway

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/knx-gateway/internal/knx"
)

// GatewayConfig is an operator-supplied gateway configuration.
//
// Connection fields are kept as the raw strings an operator or config UI
// supplies so that Validate can report every malformed field at once.
type GatewayConfig struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Enabled bool   `json:"enabled" yaml:"enabled"`

	GatewayIP       string `json:"gateway_ip" yaml:"gateway_ip"`
	ConnectionType  string `json:"connection_type,omitempty" yaml:"connection_type"`
	Port            string `json:"gateway_port,omitempty" yaml:"gateway_port"`
	UseNAT          string `json:"use_nat,omitempty" yaml:"use_nat"`
	LocalBusAddress string `json:"local_bus_address,omitempty" yaml:"local_bus_address"`
	LocalIP         string `json:"local_ip,omitempty" yaml:"local_ip"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Mode returns the transport mode, defaulting to tunnelling.
func (c GatewayConfig) Mode() knx.Mode {
	mode := strings.TrimSpace(c.ConnectionType)
	if mode == "" {
		return knx.ModeTunnel
	}
	return knx.Mode(mode)
}

// Endpoint converts a configuration that passed Validate into a KNX endpoint,
// applying defaults for absent fields.
func (c GatewayConfig) Endpoint() (knx.Endpoint, error) {
	ep := knx.Endpoint{
		Address: strings.TrimSpace(c.GatewayIP),
		Mode:    c.Mode(),
		Port:    knx.DefaultPort,
		LocalIP: strings.TrimSpace(c.LocalIP),
	}

	if c.Port != "" {
		port, err := strconv.Atoi(c.Port)
		if err != nil {
			return knx.Endpoint{}, fmt.Errorf("%w: gateway_port: %w", ErrConfigurationInvalid, err)
		}
		ep.Port = port
	}

	if c.UseNAT != "" {
		nat, err := strconv.ParseBool(c.UseNAT)
		if err != nil {
			return knx.Endpoint{}, fmt.Errorf("%w: use_nat: %w", ErrConfigurationInvalid, err)
		}
		ep.UseNAT = nat
	}

	bus := c.LocalBusAddress
	if bus == "" {
		bus = knx.DefaultLocalBusAddress
	}
	ia, err := knx.ParseIndividualAddress(bus)
	if err != nil {
		return knx.Endpoint{}, fmt.Errorf("%w: local_bus_address: %w", ErrConfigurationInvalid, err)
	}
	ep.LocalBusAddress = ia

	return ep, nil
}

// AttributeRef identifies an external attribute: an asset and one of its
// named attributes. It is comparable and stable across relinks.
type AttributeRef struct {
	AssetID   string `json:"asset_id"`
	Attribute string `json:"attribute"`
}

// String returns "asset/attribute".
func (r AttributeRef) String() string {
	return r.AssetID + "/" + r.Attribute
}

// refReserved are characters that would make String ambiguous or break
// MQTT topics built from the reference.
const refReserved = "/+#"

// Valid reports whether both parts are set and free of "/", "+" and "#".
func (r AttributeRef) Valid() bool {
	return r.AssetID != "" && r.Attribute != "" &&
		!strings.ContainsAny(r.AssetID, refReserved) &&
		!strings.ContainsAny(r.Attribute, refReserved)
}

// LinkMeta is the bus metadata attached to a linked attribute.
type LinkMeta struct {
	DatapointType string `json:"dpt" yaml:"dpt"`
	StatusAddress string `json:"status_address,omitempty" yaml:"status_address"`
	ActionAddress string `json:"action_address,omitempty" yaml:"action_address"`
}

// Link is a persisted attribute link.
type Link struct {
	Ref             AttributeRef `json:"attribute"`
	ConfigurationID string       `json:"configuration_id"`
	Meta            LinkMeta     `json:"meta"`
}

// WriteEvent asks for an attribute to take a new value on the bus.
type WriteEvent struct {
	ID        string       `json:"id,omitempty"`
	Attribute AttributeRef `json:"attribute"`
	Value     any          `json:"value"`
}

// UpdateSource records why an attribute value changed.
type UpdateSource string

// Update sources.
const (
	SourceBus   UpdateSource = "bus"
	SourceWrite UpdateSource = "write"
)

// AttributeUpdate is a value pushed to the attribute model.
type AttributeUpdate struct {
	Ref       AttributeRef `json:"attribute"`
	Value     any          `json:"value"`
	Source    UpdateSource `json:"source"`
	Timestamp time.Time    `json:"timestamp"`
}
