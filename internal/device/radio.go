package device

// Radio is the contract of a BLE central driver binding.
//
// Every request method must return promptly: it only issues the request and reports a
// synchronous failure (e.g., unknown peripheral). The outcome is delivered later through
// the EventSink registered with SetEventSink, from any goroutine.
type Radio interface {
	SetEventSink(sink EventSink)

	// State reports the current controller availability.
	State() RadioState

	// Lookup returns a snapshot of a known peripheral, or a *NotFoundError.
	Lookup(id string) (*Peripheral, error)

	Connect(id string, opts *ConnectOptions) error
	CancelConnection(id string) error

	// DiscoverServices discovers the given services, or all of them when uuids is nil.
	DiscoverServices(id string, uuids []string) error
	// DiscoverCharacteristics discovers characteristics of one service, or all when uuids is nil.
	DiscoverCharacteristics(id, service string, uuids []string) error

	ReadValue(id, service, characteristic string) error
	WriteValue(id, service, characteristic string, data []byte, mode WriteMode) error
	SetNotifyValue(id, service, characteristic string, enabled bool) error
	ReadRSSI(id string) error
}

// EventSink receives asynchronous radio events. Implementations must tolerate calls
// from arbitrary goroutines.
type EventSink interface {
	RadioStateChanged(state RadioState)

	PeripheralConnected(id string)
	PeripheralConnectFailed(id string, err error)
	PeripheralDisconnected(id string, err error)

	ServicesDiscovered(id string, err error)
	CharacteristicsDiscovered(id, service string, err error)

	// CharacteristicValueUpdated reports a read response or an unsolicited notification.
	CharacteristicValueUpdated(id string, char *Characteristic, err error)
	CharacteristicWritten(id, service, characteristic string, err error)
	NotifyStateChanged(id, service, characteristic string, enabled bool, err error)
	RSSIRead(id string, rssi int, err error)
}
