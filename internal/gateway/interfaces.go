package gateway

import (
	"context"

	"github.com/nerrad567/knx-gateway/internal/knx"
)

// BusConnection is one shared link to a KNXnet/IP endpoint.
//
// Connect and Disconnect may block on network I/O and are never called from
// the engine goroutine. Every other method must return promptly.
type BusConnection interface {
	Connect(ctx context.Context) error
	Disconnect()
	Subscribe(dp knx.Datapoint, handler knx.ValueHandler)
	Unsubscribe(dp knx.Datapoint)
	SendCommand(dp knx.Datapoint, value any) error
	AddStatusObserver(id string, fn knx.StatusObserver)
	RemoveStatusObserver(id string)
	Status() knx.Status
}

// ConnectionFactory builds an unconnected BusConnection for an endpoint.
type ConnectionFactory func(ep knx.Endpoint) BusConnection

// AttributeUpdater receives attribute values from the bus and from
// optimistic write reflection.
type AttributeUpdater interface {
	UpdateAttribute(ctx context.Context, update AttributeUpdate)
}

// StatusUpdater receives per-configuration status changes.
type StatusUpdater interface {
	UpdateConfigurationStatus(configID string, status knx.Status)
}

// statsProvider is implemented by connections that keep counters.
type statsProvider interface {
	Stats() knx.ConnectionStats
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
