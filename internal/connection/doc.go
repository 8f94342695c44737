// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns a single logical WebSocket connection to one target address
//   - Publishes status changes (idle, connecting, connected, disconnected, error)
//   - Decodes inbound JSON envelopes and fans them out to message listeners
//   - Reconnects on a fixed interval after the connection is lost
//   - Drops outbound sends while the connection is not open
package connection
