package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/knx-gateway/internal/gateway"
	"github.com/nerrad567/knx-gateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/knx-gateway/internal/knx"
)

const (
	defaultHealthInterval = 30 * time.Second
	healthSnapshotTimeout = 2 * time.Second
)

// HealthStatus is the overall gateway state.
type HealthStatus string

// Health states.
const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is published retained on knxgw/health.
type HealthMessage struct {
	Status        HealthStatus             `json:"status"`
	Reason        string                   `json:"reason,omitempty"`
	Version       string                   `json:"version"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Timestamp     time.Time                `json:"timestamp"`
	Connections   []gateway.ConnectionInfo `json:"connections"`
}

// HealthPublisher is the MQTT side of health reporting.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// ConnectionLister reports the engine's shared connections.
type ConnectionLister interface {
	Connections(ctx context.Context) ([]gateway.ConnectionInfo, error)
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	Version string

	// Interval is how often to publish. Default: 30 seconds.
	Interval time.Duration

	// Publisher is optional; without it Snapshot still works.
	Publisher HealthPublisher

	Connections ConnectionLister
	Logger      Logger
}

// HealthReporter publishes gateway health at a fixed interval.
type HealthReporter struct {
	version     string
	startTime   time.Time
	interval    time.Duration
	publisher   HealthPublisher
	connections ConnectionLister
	logger      Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewHealthReporter creates a reporter. Call Start to begin publishing.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &HealthReporter{
		version:     cfg.Version,
		startTime:   time.Now(),
		interval:    interval,
		publisher:   cfg.Publisher,
		connections: cfg.Connections,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Start publishes "starting", then the current health every interval until
// ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	if err := h.publish(HealthMessage{Status: HealthStarting, Reason: "gateway starting"}); err != nil {
		h.logger.Warn("failed to publish starting health", "error", err)
	}
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status. Safe to
// call more than once.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // best-effort during shutdown
		h.publish(HealthMessage{Status: HealthStopping})
	})
}

// PublishNow publishes the current health immediately.
func (h *HealthReporter) PublishNow(ctx context.Context) error {
	return h.publish(h.Snapshot(ctx))
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(ctx); err != nil {
		h.logger.Warn("failed to publish initial health", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(ctx); err != nil {
				h.logger.Warn("failed to publish health", "error", err)
			}
		}
	}
}

// Snapshot evaluates current health. The gateway is degraded while MQTT is
// down or any shared connection is not connected.
func (h *HealthReporter) Snapshot(ctx context.Context) HealthMessage {
	msg := HealthMessage{Status: HealthHealthy}

	if h.connections != nil {
		snapCtx, cancel := context.WithTimeout(ctx, healthSnapshotTimeout)
		conns, err := h.connections.Connections(snapCtx)
		cancel()
		if err != nil {
			msg.Status, msg.Reason = HealthDegraded, "engine unavailable: "+err.Error()
		}
		msg.Connections = conns
	}

	if msg.Status == HealthHealthy && h.publisher != nil && !h.publisher.IsConnected() {
		msg.Status, msg.Reason = HealthDegraded, "MQTT disconnected"
	}
	if msg.Status == HealthHealthy {
		for _, c := range msg.Connections {
			if c.Status != knx.StatusConnected {
				msg.Status, msg.Reason = HealthDegraded, "connection "+c.Key+" is "+string(c.Status)
				break
			}
		}
	}
	return h.fill(msg)
}

func (h *HealthReporter) publish(msg HealthMessage) error {
	if h.publisher == nil {
		return nil
	}
	payload, err := json.Marshal(h.fill(msg))
	if err != nil {
		return err
	}
	return h.publisher.Publish(mqtt.Topics{}.Health(), payload, 1, true)
}

func (h *HealthReporter) fill(msg HealthMessage) HealthMessage {
	msg.Version = h.version
	msg.UptimeSeconds = int64(time.Since(h.startTime).Seconds())
	msg.Timestamp = time.Now().UTC()
	if msg.Connections == nil {
		msg.Connections = []gateway.ConnectionInfo{}
	}
	return msg
}
