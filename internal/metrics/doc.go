// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connection status and status transitions
//   - Inbound message rates and decode failures
//   - Outbound sends and sends dropped while not connected
//   - Reconnect attempts and listener panics
package metrics
