package device

// ConnectionState is the lifecycle state of a link to a remote device
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// StatusUserInitiated is the disconnect status reported for a local Disconnect.
const StatusUserInitiated = 0

// StatusConnectionTimeout is the HCI "connection timeout" reason, reported
// when the link drops and the host gives no reason of its own.
const StatusConnectionTimeout = 0x08
