// Package tydom implements the bridge between a Tydom home-automation
// gateway and an MQTT host platform.
//
// The gateway speaks a pseudo-HTTP protocol over one WebSocket: the bridge
// writes request frames and reads back responses (tagged with Uri-Origin)
// and echoes of its own writes, multiplexed on the same socket.
//
// # Architecture
//
//	┌───────────────┐   MQTT   ┌──────────────────────────────────┐   wss   ┌─────────┐
//	│ Host platform │◄────────►│ Bridge ─ Controller              │◄───────►│ Gateway │
//	└───────────────┘          │   │                              │         └─────────┘
//	                           │ Registry ◄─ Router ◄─ Codec ◄─ Session   │
//	                           └──────────────────────────────────┘
//
// # Key Responsibilities
//
//   - Codec: encode request frames, decode responses and request echoes
//   - CredentialClient: derive the gateway password from a cloud account
//   - Session: digest handshake, keepalive, heartbeat, reconnect, polling
//   - Router: classify frames and parse them into device deltas
//   - Controller: map host commands onto gateway writes
//   - Bridge: publish discovery, state and health; acknowledge commands
//
// # Classification Order
//
// Frames are classified by resource path first and body shape second. A
// /devices/data response whose body mentions "cdata" is still data.
//
// # Error Taxonomy
//
//   - ErrCommunication: recovered by reconnecting
//   - ErrAuthentication: surfaced at setup, never retried
//   - ErrProtocolParse: the frame is dropped
//   - ErrClient: anything else during exchange or handshake
//
// SetupErrorCode maps these onto user-facing setup codes.
//
// # Thread Safety
//
// All exported types are safe for concurrent use, except Session.Receive
// which belongs to the consumer loop.
package tydom
