package telemetry

// State is the connection state of a Client. Exactly one holds at a time.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
