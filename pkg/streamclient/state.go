package streamclient

// ConnectionState is the tri-state push-connection status. It is owned
// exclusively by the Client; consumers only read it.
type ConnectionState int

const (
	// StateConnecting means a connection attempt is underway, either ours or
	// a platform-level automatic retry.
	StateConnecting ConnectionState = iota
	// StateConnected means the stream is open and delivering events.
	StateConnected
	// StateDisconnected means the stream is fully closed; a reconnect may be
	// scheduled unless the client was stopped or the feature is disabled.
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
