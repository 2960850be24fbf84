// Package agent connects the gateway engine to the rest of the process.
//
// The Agent owns the configuration lifecycle: it persists configurations
// and attribute links, restores them into the engine at startup and turns
// MQTT write events into engine writes. The Publisher fans engine output
// out to MQTT, InfluxDB history and WebSocket subscribers, and the
// HealthReporter publishes a retained health summary.
package agent
