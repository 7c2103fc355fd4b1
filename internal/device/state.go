package device

// ConnectionState is the link state of a peripheral as reported by the radio
type ConnectionState int

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

// Active reports whether a link is being established or is up.
func (s ConnectionState) Active() bool {
	return s == StateConnecting || s == StateConnected
}

// RadioState is the availability of the local BLE controller
type RadioState int

const (
	RadioUnknown RadioState = iota
	RadioResetting
	RadioUnsupported
	RadioUnauthorized
	RadioPoweredOff
	RadioPoweredOn
)

func (s RadioState) String() string {
	switch s {
	case RadioResetting:
		return "resetting"
	case RadioUnsupported:
		return "unsupported"
	case RadioUnauthorized:
		return "unauthorized"
	case RadioPoweredOff:
		return "powered_off"
	case RadioPoweredOn:
		return "powered_on"
	default:
		return "unknown"
	}
}

// CheckAvailability maps a radio state to readiness.
//
// It returns (true, nil) when operations may run, (false, nil) while the controller is
// still settling, and a non-nil error when the radio cannot be used until something
// outside the process changes.
func CheckAvailability(state RadioState) (bool, error) {
	switch state {
	case RadioPoweredOn:
		return true, nil
	case RadioUnsupported:
		return false, ErrUnsupported
	case RadioUnauthorized:
		return false, ErrUnauthorized
	case RadioPoweredOff:
		return false, ErrBluetoothOff
	default:
		return false, nil
	}
}
