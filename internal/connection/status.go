package connection

import "fmt"

// Status is the connectivity state of a Manager.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
	StatusError
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = StatusIdle
	case "connecting":
		*s = StatusConnecting
	case "connected":
		*s = StatusConnected
	case "disconnected":
		*s = StatusDisconnected
	case "error":
		*s = StatusError
	default:
		return fmt.Errorf("unknown status %q", text)
	}
	return nil
}
