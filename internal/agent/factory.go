package agent

import (
	"time"

	"github.com/nerrad567/knx-gateway/internal/gateway"
	"github.com/nerrad567/knx-gateway/internal/infrastructure/config"
	"github.com/nerrad567/knx-gateway/internal/knx"
)

// ConnectionConfig converts the gateway settings into knx connection tuning.
func ConnectionConfig(s config.GatewaySettings) knx.ConnectionConfig {
	return knx.ConnectionConfig{
		ConnectTimeout:       time.Duration(s.ConnectTimeout) * time.Second,
		ReconnectInterval:    time.Duration(s.ReconnectInterval) * time.Second,
		MaxReconnectAttempts: s.MaxReconnectAttempts,
		ReadOnSubscribe:      s.ReadOnSubscribe,
		QueueSize:            s.QueueSize,
	}
}

// NewConnectionFactory returns a factory building KNXnet/IP connections
// with the given settings. Each connection logs with its endpoint key.
func NewConnectionFactory(s config.GatewaySettings, logger Logger) gateway.ConnectionFactory {
	cfg := ConnectionConfig(s)
	if logger == nil {
		logger = nopLogger{}
	}
	return func(ep knx.Endpoint) gateway.BusConnection {
		return knx.NewConnection(ep, cfg, endpointLogger{logger, ep.Key()})
	}
}

// endpointLogger adds the endpoint key to every record.
type endpointLogger struct {
	Logger
	key string
}

func (l endpointLogger) Debug(msg string, kv ...any) { l.Logger.Debug(msg, append(kv, "endpoint", l.key)...) }
func (l endpointLogger) Info(msg string, kv ...any)  { l.Logger.Info(msg, append(kv, "endpoint", l.key)...) }
func (l endpointLogger) Warn(msg string, kv ...any)  { l.Logger.Warn(msg, append(kv, "endpoint", l.key)...) }
func (l endpointLogger) Error(msg string, kv ...any) { l.Logger.Error(msg, append(kv, "endpoint", l.key)...) }
