// Package logging provides structured logging for the KNX gateway.
//
// It wraps log/slog. Entries are JSON by default, or text for development,
// and always carry the service name and build version.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Components take a derived logger:
//
//	logger := logging.New(cfg.Logging, version)
//	engine := gateway.NewEngine(gateway.EngineOptions{Logger: logger.Component("engine"), ...})
//
// Never log secrets such as the JWT signing key or MQTT password.
package logging
