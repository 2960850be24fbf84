// Package api implements the HTTP management API and WebSocket feed for the
// KNX gateway.
//
// This package provides:
//   - REST endpoints for gateway configurations, attribute links and writes
//   - read-only views of shared connections and the binding table
//   - a WebSocket hub relaying attribute values and configuration statuses
//   - role-based JWT authentication
//   - an audit trail of changes made through the API
//
// # Security
//
// Everything except /health requires an HS256 bearer token signed with
// security.jwt.secret. The token's role decides which routes it may call:
// viewer reads, operator also writes attributes, admin manages
// configurations and links. The WebSocket accepts the token as a bearer
// header or as the "token" query parameter.
//
// # Live feed
//
// WebSocket clients subscribe to attribute.value and configuration.status,
// optionally narrowed to a list of assets or configurations. Subscribing
// to configuration.status first delivers the current status of every
// matching configuration.
//
// # Lifecycle
//
//	server, err := api.New(deps)
//	publisher.SetBroadcaster(server.Hub())
//	server.Start(ctx)
//	defer server.Close()
package api
