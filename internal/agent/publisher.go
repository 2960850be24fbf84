package agent

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/knx-gateway/internal/gateway"
	"github.com/nerrad567/knx-gateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/knx-gateway/internal/knx"
)

// Broadcast channels for live subscribers.
const (
	ChannelAttributeValue      = "attribute.value"
	ChannelConfigurationStatus = "configuration.status"
)

// JSONPublisher publishes JSON payloads on the attribute bus.
type JSONPublisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// History records attribute values and status transitions.
type History interface {
	WriteAttributeValue(assetID, attribute, source string, value any, at time.Time)
	WriteConnectionStatus(configID, status string, at time.Time)
}

// Broadcaster pushes messages to live subscribers on a named channel.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// AttributeValueMessage is published for every attribute value.
type AttributeValueMessage struct {
	AssetID   string    `json:"asset_id"`
	Attribute string    `json:"attribute"`
	Value     any       `json:"value"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// ConfigurationStatusMessage is published on every status change.
type ConfigurationStatusMessage struct {
	ConfigurationID string    `json:"configuration_id"`
	Status          string    `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
}

// Publisher fans attribute values and configuration statuses out to MQTT,
// history and live subscribers. Every sink is optional. It implements
// gateway.AttributeUpdater and gateway.StatusUpdater.
//
// Thread Safety: all methods are safe for concurrent use.
type Publisher struct {
	mqtt    JSONPublisher
	history History
	live    Broadcaster
	logger  Logger

	mu       sync.RWMutex
	statuses map[string]knx.Status
}

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	MQTT    JSONPublisher
	History History
	Live    Broadcaster
	Logger  Logger
}

// NewPublisher creates a publisher.
func NewPublisher(opts PublisherOptions) *Publisher {
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Publisher{
		mqtt:     opts.MQTT,
		history:  opts.History,
		live:     opts.Live,
		logger:   logger,
		statuses: make(map[string]knx.Status),
	}
}

// SetBroadcaster sets the live sink after construction.
func (p *Publisher) SetBroadcaster(b Broadcaster) {
	p.mu.Lock()
	p.live = b
	p.mu.Unlock()
}

func (p *Publisher) broadcaster() Broadcaster {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.live
}

// UpdateAttribute publishes one attribute value.
func (p *Publisher) UpdateAttribute(_ context.Context, u gateway.AttributeUpdate) {
	msg := AttributeValueMessage{
		AssetID:   u.Ref.AssetID,
		Attribute: u.Ref.Attribute,
		Value:     u.Value,
		Source:    string(u.Source),
		Timestamp: u.Timestamp,
	}

	if p.mqtt != nil {
		topic := mqtt.Topics{}.AttributeValue(u.Ref.AssetID, u.Ref.Attribute)
		if err := p.mqtt.PublishJSON(topic, msg, true); err != nil {
			p.logger.Warn("attribute value not published", "attribute", u.Ref.String(), "error", err)
		}
	}
	if p.history != nil {
		p.history.WriteAttributeValue(msg.AssetID, msg.Attribute, msg.Source, msg.Value, msg.Timestamp)
	}
	if live := p.broadcaster(); live != nil {
		live.Broadcast(ChannelAttributeValue, msg)
	}
}

// UpdateConfigurationStatus publishes a configuration status. Repeats of
// the last published status are dropped.
func (p *Publisher) UpdateConfigurationStatus(configID string, status knx.Status) {
	p.mu.Lock()
	if prev, ok := p.statuses[configID]; ok && prev == status {
		p.mu.Unlock()
		return
	}
	p.statuses[configID] = status
	p.mu.Unlock()

	msg := ConfigurationStatusMessage{
		ConfigurationID: configID,
		Status:          string(status),
		Timestamp:       time.Now().UTC(),
	}
	p.logger.Info("configuration status", "configuration", configID, "status", msg.Status)

	if p.mqtt != nil {
		if err := p.mqtt.PublishJSON(mqtt.Topics{}.ConfigurationStatus(configID), msg, true); err != nil {
			p.logger.Warn("configuration status not published", "configuration", configID, "error", err)
		}
	}
	if p.history != nil {
		p.history.WriteConnectionStatus(configID, msg.Status, msg.Timestamp)
	}
	if live := p.broadcaster(); live != nil {
		live.Broadcast(ChannelConfigurationStatus, msg)
	}
}

// Status returns the last published status of a configuration.
func (p *Publisher) Status(configID string) (knx.Status, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.statuses[configID]
	return s, ok
}
