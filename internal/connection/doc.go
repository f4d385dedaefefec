// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns the single authenticated STOMP-over-WebSocket connection to the broker
//   - Shares it between consumers by reference counting (Acquire/Release)
//   - Closes the transport with a DISCONNECT frame when the last consumer releases
//   - Reconnects with exponential backoff on transport failures, bounded by MaxReconnectAttempts
//   - Never retries an authentication failure; it signals CredentialExpired instead
//   - Re-establishes every registered subscription each time it reaches Connected
package connection
