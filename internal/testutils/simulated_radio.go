package testutils

import (
	"fmt"
	"strings"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/gattq/internal/device"
)

// Radio method names as recorded in RadioCall.Method
const (
	CallConnect                 = "Connect"
	CallCancelConnection        = "CancelConnection"
	CallDiscoverServices        = "DiscoverServices"
	CallDiscoverCharacteristics = "DiscoverCharacteristics"
	CallReadValue               = "ReadValue"
	CallWriteValue              = "WriteValue"
	CallSetNotifyValue          = "SetNotifyValue"
	CallReadRSSI                = "ReadRSSI"
)

// RadioCall records one request issued to a SimulatedRadio
type RadioCall struct {
	Method         string
	Peripheral     string
	Service        string
	Characteristic string
	UUIDs          []string
	Data           []byte
	Mode           device.WriteMode
	Enabled        bool
}

func (c RadioCall) String() string {
	switch c.Method {
	case CallDiscoverServices:
		return fmt.Sprintf("%s(%s, %v)", c.Method, c.Peripheral, c.UUIDs)
	case CallDiscoverCharacteristics:
		return fmt.Sprintf("%s(%s, %s, %v)", c.Method, c.Peripheral, c.Service, c.UUIDs)
	case CallReadValue, CallWriteValue, CallSetNotifyValue:
		return fmt.Sprintf("%s(%s, %s, %s)", c.Method, c.Peripheral, c.Service, c.Characteristic)
	default:
		return fmt.Sprintf("%s(%s)", c.Method, c.Peripheral)
	}
}

type simService struct {
	uuid  string
	chars *orderedmap.OrderedMap[string, *device.Characteristic]
}

// charSet is the set of discovered characteristics of a service; nil means never discovered.
type charSet = *orderedmap.OrderedMap[string, struct{}]

type simPeripheral struct {
	id        string
	name      string
	rssi      int
	state     device.ConnectionState
	layout    *orderedmap.OrderedMap[string, *simService]
	// discovered is nil until service discovery ran
	discovered *orderedmap.OrderedMap[string, charSet]
	notifying  map[string]bool
}

func (p *simPeripheral) snapshot() *device.Peripheral {
	snap := &device.Peripheral{ID: p.id, Name: p.name, State: p.state}
	if p.discovered == nil {
		return snap
	}
	snap.Services = []*device.Service{}
	for pair := p.discovered.Oldest(); pair != nil; pair = pair.Next() {
		svc := &device.Service{UUID: pair.Key}
		if pair.Value != nil {
			svc.Characteristics = []*device.Characteristic{}
			for c := pair.Value.Oldest(); c != nil; c = c.Next() {
				svc.Characteristics = append(svc.Characteristics, p.characteristic(pair.Key, c.Key))
			}
		}
		snap.Services = append(snap.Services, svc)
	}
	return snap
}

// characteristic returns a copy of a characteristic from the layout
func (p *simPeripheral) characteristic(service, uuid string) *device.Characteristic {
	svc, ok := p.layout.Get(service)
	if !ok {
		return nil
	}
	c, ok := svc.chars.Get(uuid)
	if !ok {
		return nil
	}
	cp := *c
	cp.Value = append([]byte(nil), c.Value...)
	return &cp
}

func (p *simPeripheral) discoveredChar(service, uuid string) bool {
	if p.discovered == nil {
		return false
	}
	chars, ok := p.discovered.Get(service)
	if !ok || chars == nil {
		return false
	}
	_, ok = chars.Get(uuid)
	return ok
}

type pendingEvent struct {
	call RadioCall
	// complete applies the request outcome with the lock held and returns the event to emit.
	complete func(err error) func(sink device.EventSink)
}

// SimulatedRadio is an in-memory device.Radio.
//
// Requests are recorded and their completion events are held as pending until the test
// releases them with Complete/CompleteAt/CompleteAll, which lets a test interleave events
// in any order. With auto-respond enabled every request completes immediately.
type SimulatedRadio struct {
	mu          sync.Mutex
	sink        device.EventSink
	state       device.RadioState
	peripherals *orderedmap.OrderedMap[string, *simPeripheral]
	calls       []RadioCall
	pending     []*pendingEvent
	autoRespond bool
	callErrors  map[string]error
	eventErrors map[string]error
}

var _ device.Radio = (*SimulatedRadio)(nil)

// NewSimulatedRadio creates a powered-on radio knowing the given peripherals
func NewSimulatedRadio(peripherals ...*PeripheralBuilder) *SimulatedRadio {
	r := &SimulatedRadio{
		state:       device.RadioPoweredOn,
		peripherals: orderedmap.New[string, *simPeripheral](),
		callErrors:  make(map[string]error),
		eventErrors: make(map[string]error),
	}
	for _, b := range peripherals {
		r.AddPeripheral(b)
	}
	return r
}

// AddPeripheral registers a disconnected peripheral built from b
func (r *SimulatedRadio) AddPeripheral(b *PeripheralBuilder) {
	profile := b.Profile()
	p := &simPeripheral{
		id:        profile.ID,
		name:      profile.Name,
		rssi:      profile.RSSI,
		state:     device.StateDisconnected,
		layout:    orderedmap.New[string, *simService](),
		notifying: make(map[string]bool),
	}
	for _, svcConfig := range profile.Services {
		svcUUID := device.NormalizeUUID(svcConfig.UUID)
		svc := &simService{uuid: svcUUID, chars: orderedmap.New[string, *device.Characteristic]()}
		for _, charConfig := range svcConfig.Characteristics {
			charUUID := device.NormalizeUUID(charConfig.UUID)
			svc.chars.Set(charUUID, &device.Characteristic{
				UUID:       charUUID,
				Service:    svcUUID,
				Properties: parseProperties(charConfig.Properties),
				Value:      charConfig.Value,
			})
		}
		p.layout.Set(svcUUID, svc)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.peripherals.Set(p.id, p)
}

// SetAutoRespond makes every request complete immediately, releasing pending events first.
func (r *SimulatedRadio) SetAutoRespond(auto bool) {
	r.mu.Lock()
	r.autoRespond = auto
	r.mu.Unlock()
	if auto {
		r.CompleteAll()
	}
}

// SetState changes the radio state and emits RadioStateChanged
func (r *SimulatedRadio) SetState(state device.RadioState) {
	r.mu.Lock()
	r.state = state
	sink := r.sink
	r.mu.Unlock()
	if sink != nil {
		sink.RadioStateChanged(state)
	}
}

// FailNextCall makes the next request of method fail synchronously with err
func (r *SimulatedRadio) FailNextCall(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callErrors[method] = err
}

// FailNextEvent makes the next completion of method carry err
func (r *SimulatedRadio) FailNextEvent(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventErrors[method] = err
}

// SetConnectionState forces a peripheral state without emitting any event
func (r *SimulatedRadio) SetConnectionState(id string, state device.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peripherals.Get(id); ok {
		p.state = state
		if state == device.StateDisconnected {
			p.discovered = nil
		}
	}
}

// DiscoverAll marks every service and characteristic of a peripheral as discovered
// without emitting any event.
func (r *SimulatedRadio) DiscoverAll(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peripherals.Get(id)
	if !ok {
		return
	}
	p.discovered = orderedmap.New[string, charSet]()
	for pair := p.layout.Oldest(); pair != nil; pair = pair.Next() {
		chars := orderedmap.New[string, struct{}]()
		for c := pair.Value.chars.Oldest(); c != nil; c = c.Next() {
			chars.Set(c.Key, struct{}{})
		}
		p.discovered.Set(pair.Key, chars)
	}
}

// DiscoverServicesOnly marks every service as discovered, leaving characteristics undiscovered.
func (r *SimulatedRadio) DiscoverServicesOnly(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peripherals.Get(id)
	if !ok {
		return
	}
	p.discovered = orderedmap.New[string, charSet]()
	for pair := p.layout.Oldest(); pair != nil; pair = pair.Next() {
		p.discovered.Set(pair.Key, nil)
	}
}

// Calls returns every recorded request
func (r *SimulatedRadio) Calls() []RadioCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RadioCall(nil), r.calls...)
}

// CallsTo returns the recorded requests of one method
func (r *SimulatedRadio) CallsTo(method string) []RadioCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RadioCall
	for _, c := range r.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// CallTrace renders the recorded requests one per line
func (r *SimulatedRadio) CallTrace() string {
	var sb strings.Builder
	for _, c := range r.Calls() {
		sb.WriteString(c.String())
		sb.WriteString("\n")
	}
	return sb.String()
}

// Pending returns the requests whose completion has not been released yet
func (r *SimulatedRadio) Pending() []RadioCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RadioCall, 0, len(r.pending))
	for _, ev := range r.pending {
		out = append(out, ev.call)
	}
	return out
}

// Complete releases the oldest pending completion. Returns false if none was pending.
func (r *SimulatedRadio) Complete() bool {
	return r.CompleteAt(0)
}

// CompleteAt releases the pending completion at index i.
func (r *SimulatedRadio) CompleteAt(i int) bool {
	r.mu.Lock()
	if i < 0 || i >= len(r.pending) {
		r.mu.Unlock()
		return false
	}
	ev := r.pending[i]
	r.pending = append(r.pending[:i], r.pending[i+1:]...)
	err, hasErr := r.eventErrors[ev.call.Method]
	if hasErr {
		delete(r.eventErrors, ev.call.Method)
	}
	emit := ev.complete(err)
	sink := r.sink
	r.mu.Unlock()

	if sink != nil && emit != nil {
		emit(sink)
	}
	return true
}

// CompleteAll releases every completion pending at the time of the call.
func (r *SimulatedRadio) CompleteAll() int {
	r.mu.Lock()
	n := len(r.pending)
	r.mu.Unlock()
	done := 0
	for i := 0; i < n; i++ {
		if r.Complete() {
			done++
		}
	}
	return done
}

// EmitNotification updates a characteristic value and pushes it as a value update
func (r *SimulatedRadio) EmitNotification(id, service, characteristic string, value []byte) {
	service, characteristic = device.NormalizeUUID(service), device.NormalizeUUID(characteristic)
	r.mu.Lock()
	p, ok := r.peripherals.Get(id)
	if !ok {
		r.mu.Unlock()
		return
	}
	if svc, ok := p.layout.Get(service); ok {
		if c, ok := svc.chars.Get(characteristic); ok {
			c.Value = append([]byte(nil), value...)
		}
	}
	char := p.characteristic(service, characteristic)
	sink := r.sink
	r.mu.Unlock()

	if sink != nil && char != nil {
		sink.CharacteristicValueUpdated(id, char, nil)
	}
}

// EmitDisconnect drops the link as if the peripheral went away
func (r *SimulatedRadio) EmitDisconnect(id string, err error) {
	r.mu.Lock()
	if p, ok := r.peripherals.Get(id); ok {
		p.state = device.StateDisconnected
		p.discovered = nil
	}
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		sink.PeripheralDisconnected(id, err)
	}
}

// Value returns the current value of a characteristic
func (r *SimulatedRadio) Value(id, service, characteristic string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peripherals.Get(id)
	if !ok {
		return nil
	}
	c := p.characteristic(device.NormalizeUUID(service), device.NormalizeUUID(characteristic))
	if c == nil {
		return nil
	}
	return c.Value
}

// Notifying reports whether notifications are enabled on a characteristic
func (r *SimulatedRadio) Notifying(id, service, characteristic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peripherals.Get(id)
	if !ok {
		return false
	}
	return p.notifying[device.NormalizeUUID(service)+"/"+device.NormalizeUUID(characteristic)]
}

// ----------------------------
// device.Radio
// ----------------------------

func (r *SimulatedRadio) SetEventSink(sink device.EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

func (r *SimulatedRadio) State() device.RadioState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *SimulatedRadio) Lookup(id string) (*device.Peripheral, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peripherals.Get(id)
	if !ok {
		return nil, &device.NotFoundError{Resource: "peripheral", UUIDs: []string{id}}
	}
	return p.snapshot(), nil
}

// begin records call and resolves its peripheral. Caller holds r.mu.
func (r *SimulatedRadio) begin(call RadioCall) (*simPeripheral, error) {
	r.calls = append(r.calls, call)
	if err, ok := r.callErrors[call.Method]; ok {
		delete(r.callErrors, call.Method)
		return nil, err
	}
	p, ok := r.peripherals.Get(call.Peripheral)
	if !ok {
		return nil, &device.NotFoundError{Resource: "peripheral", UUIDs: []string{call.Peripheral}}
	}
	return p, nil
}

// schedule queues a completion and releases it right away in auto-respond mode.
// Caller holds r.mu; it is released here.
func (r *SimulatedRadio) schedule(call RadioCall, complete func(err error) func(sink device.EventSink)) {
	r.pending = append(r.pending, &pendingEvent{call: call, complete: complete})
	auto := r.autoRespond
	r.mu.Unlock()
	if auto {
		r.CompleteAll()
	}
}

func (r *SimulatedRadio) Connect(id string, _ *device.ConnectOptions) error {
	call := RadioCall{Method: CallConnect, Peripheral: id}
	r.mu.Lock()
	p, err := r.begin(call)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	p.state = device.StateConnecting
	r.schedule(call, func(err error) func(device.EventSink) {
		if p.state != device.StateConnecting {
			return nil
		}
		if err != nil {
			p.state = device.StateDisconnected
			return func(sink device.EventSink) { sink.PeripheralConnectFailed(id, err) }
		}
		p.state = device.StateConnected
		return func(sink device.EventSink) { sink.PeripheralConnected(id) }
	})
	return nil
}

func (r *SimulatedRadio) CancelConnection(id string) error {
	call := RadioCall{Method: CallCancelConnection, Peripheral: id}
	r.mu.Lock()
	p, err := r.begin(call)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if p.state == device.StateDisconnected {
		r.mu.Unlock()
		return nil
	}
	p.state = device.StateDisconnecting
	r.schedule(call, func(err error) func(device.EventSink) {
		p.state = device.StateDisconnected
		p.discovered = nil
		return func(sink device.EventSink) { sink.PeripheralDisconnected(id, err) }
	})
	return nil
}

func matchesFilter(uuid string, filter []string) bool {
	if filter == nil {
		return true
	}
	for _, f := range filter {
		if device.NormalizeUUID(f) == uuid {
			return true
		}
	}
	return false
}

func (r *SimulatedRadio) DiscoverServices(id string, uuids []string) error {
	call := RadioCall{Method: CallDiscoverServices, Peripheral: id, UUIDs: uuids}
	r.mu.Lock()
	p, err := r.begin(call)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if p.state != device.StateConnected {
		r.mu.Unlock()
		return device.ErrNotConnected
	}
	r.schedule(call, func(err error) func(device.EventSink) {
		if err == nil {
			if p.discovered == nil {
				p.discovered = orderedmap.New[string, charSet]()
			}
			for pair := p.layout.Oldest(); pair != nil; pair = pair.Next() {
				if _, known := p.discovered.Get(pair.Key); !known && matchesFilter(pair.Key, uuids) {
					p.discovered.Set(pair.Key, nil)
				}
			}
		}
		return func(sink device.EventSink) { sink.ServicesDiscovered(id, err) }
	})
	return nil
}

func (r *SimulatedRadio) DiscoverCharacteristics(id, service string, uuids []string) error {
	service = device.NormalizeUUID(service)
	call := RadioCall{Method: CallDiscoverCharacteristics, Peripheral: id, Service: service, UUIDs: uuids}
	r.mu.Lock()
	p, err := r.begin(call)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if p.state != device.StateConnected {
		r.mu.Unlock()
		return device.ErrNotConnected
	}
	if p.discovered == nil {
		r.mu.Unlock()
		return device.ErrServiceNotDiscovered
	}
	if _, ok := p.discovered.Get(service); !ok {
		r.mu.Unlock()
		return &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}
	r.schedule(call, func(err error) func(device.EventSink) {
		if err == nil && p.discovered != nil {
			chars, _ := p.discovered.Get(service)
			if chars == nil {
				chars = orderedmap.New[string, struct{}]()
				p.discovered.Set(service, chars)
			}
			if svc, ok := p.layout.Get(service); ok {
				for c := svc.chars.Oldest(); c != nil; c = c.Next() {
					if matchesFilter(c.Key, uuids) {
						chars.Set(c.Key, struct{}{})
					}
				}
			}
		}
		return func(sink device.EventSink) { sink.CharacteristicsDiscovered(id, service, err) }
	})
	return nil
}

// beginCharacteristic runs the checks shared by characteristic requests. Caller holds r.mu.
func (r *SimulatedRadio) beginCharacteristic(call RadioCall) (*simPeripheral, error) {
	p, err := r.begin(call)
	if err != nil {
		return nil, err
	}
	if p.state != device.StateConnected {
		return nil, device.ErrNotConnected
	}
	if !p.discoveredChar(call.Service, call.Characteristic) {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{call.Service, call.Characteristic}}
	}
	return p, nil
}

func (r *SimulatedRadio) ReadValue(id, service, characteristic string) error {
	call := RadioCall{Method: CallReadValue, Peripheral: id, Service: device.NormalizeUUID(service), Characteristic: device.NormalizeUUID(characteristic)}
	r.mu.Lock()
	p, err := r.beginCharacteristic(call)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.schedule(call, func(err error) func(device.EventSink) {
		char := p.characteristic(call.Service, call.Characteristic)
		return func(sink device.EventSink) { sink.CharacteristicValueUpdated(id, char, err) }
	})
	return nil
}

func (r *SimulatedRadio) WriteValue(id, service, characteristic string, data []byte, mode device.WriteMode) error {
	call := RadioCall{
		Method:         CallWriteValue,
		Peripheral:     id,
		Service:        device.NormalizeUUID(service),
		Characteristic: device.NormalizeUUID(characteristic),
		Data:           append([]byte(nil), data...),
		Mode:           mode,
	}
	r.mu.Lock()
	p, err := r.beginCharacteristic(call)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.schedule(call, func(err error) func(device.EventSink) {
		if err == nil {
			if svc, ok := p.layout.Get(call.Service); ok {
				if c, ok := svc.chars.Get(call.Characteristic); ok {
					c.Value = call.Data
				}
			}
		}
		return func(sink device.EventSink) { sink.CharacteristicWritten(id, call.Service, call.Characteristic, err) }
	})
	return nil
}

func (r *SimulatedRadio) SetNotifyValue(id, service, characteristic string, enabled bool) error {
	call := RadioCall{
		Method:         CallSetNotifyValue,
		Peripheral:     id,
		Service:        device.NormalizeUUID(service),
		Characteristic: device.NormalizeUUID(characteristic),
		Enabled:        enabled,
	}
	r.mu.Lock()
	p, err := r.beginCharacteristic(call)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.schedule(call, func(err error) func(device.EventSink) {
		if err == nil {
			p.notifying[call.Service+"/"+call.Characteristic] = enabled
		}
		return func(sink device.EventSink) {
			sink.NotifyStateChanged(id, call.Service, call.Characteristic, enabled, err)
		}
	})
	return nil
}

func (r *SimulatedRadio) ReadRSSI(id string) error {
	call := RadioCall{Method: CallReadRSSI, Peripheral: id}
	r.mu.Lock()
	p, err := r.begin(call)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if p.state != device.StateConnected {
		r.mu.Unlock()
		return device.ErrNotConnected
	}
	rssi := p.rssi
	r.schedule(call, func(err error) func(device.EventSink) {
		return func(sink device.EventSink) { sink.RSSIRead(id, rssi, err) }
	})
	return nil
}
