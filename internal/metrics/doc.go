// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connection state, reconnect attempts and inbound frame rates
//   - Routed and dropped frames per logical address
//   - Publish attempts per command and result
//   - Applied trade transitions and negotiation phases
//   - Journal writes and history seeding
//
// A nil *Metrics is valid and records nothing.
package metrics
