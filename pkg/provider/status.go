package provider

// Status is the provider's observable connection state. Transitions are
// produced by the supervisor loop, except Disconnect's synchronous switch to
// offline; writing the same status twice is suppressed before listeners are
// notified.
type Status string

const (
	StatusOffline     Status = "offline"
	StatusConnecting  Status = "connecting"
	StatusHandshaking Status = "handshaking"
	StatusConnected   Status = "connected"
	StatusError       Status = "error"
)
