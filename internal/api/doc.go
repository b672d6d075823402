// Package api implements the local HTTP REST API and WebSocket server of
// the Tydom bridge.
//
// This package provides:
//   - REST endpoints for device snapshots, state history and commands
//   - Scenario listing and activation
//   - WebSocket hub that relays registry creations and updates
//   - Prometheus scrape endpoint and a JSON metrics summary
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The server reads the device registry and catalog directly. Commands are
// handed to the bridge, which builds the gateway request and answers with
// the same acknowledgement it would publish over MQTT. The hub observes the
// registry, so WebSocket clients see every merged delta without going
// through the broker.
//
// # Security
//
// The API has no authentication and is meant to listen on a trusted LAN
// interface. Keep api.enabled false when that is not the case.
package api
