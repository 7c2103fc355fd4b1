package manager

import (
	"fmt"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/gattq/internal/device"
)

// Kind identifies an operation variant
type Kind int

const (
	KindConnect Kind = iota
	KindDisconnect
	KindDiscoverServices
	KindDiscoverCharacteristics
	KindReadCharacteristic
	KindWriteCharacteristic
	KindSetNotify
	KindReadRSSI
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindDiscoverServices:
		return "discover_services"
	case KindDiscoverCharacteristics:
		return "discover_characteristics"
	case KindReadCharacteristic:
		return "read_characteristic"
	case KindWriteCharacteristic:
		return "write_characteristic"
	case KindSetNotify:
		return "set_notify"
	case KindReadRSSI:
		return "read_rssi"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Operation is a request queued on a Manager. The set of implementations is closed:
// use the New* constructors of this package.
type Operation interface {
	ID() uuid.UUID
	Kind() Kind
	Peripheral() string
	// RequiredServices lists the services that must exist once discovery ran; nil means no precondition.
	RequiredServices() []string
	// RequiredCharacteristics lists the characteristics that must exist in the required service; nil means no precondition.
	RequiredCharacteristics() []string

	// execute issues the next radio request for the operation given the current
	// peripheral state. It either issues the actual request, issues a corrective
	// request and waits to be re-executed, or resolves the operation synchronously.
	execute(m *Manager) error
	fail(err error)
	done() bool
}

type opBase struct {
	id         uuid.UUID
	peripheral string
}

func newBase(peripheral string) opBase {
	return opBase{id: uuid.New(), peripheral: peripheral}
}

func (b *opBase) ID() uuid.UUID                     { return b.id }
func (b *opBase) Peripheral() string                { return b.peripheral }
func (b *opBase) RequiredServices() []string        { return nil }
func (b *opBase) RequiredCharacteristics() []string { return nil }

// normalizeOrKeep normalizes a UUID and keeps the raw text when it is malformed, so the
// error raised at execution names what the caller passed.
func normalizeOrKeep(uuid string) string {
	if n := device.NormalizeUUID(uuid); n != "" {
		return n
	}
	return uuid
}

func normalizeAllOrKeep(uuids []string) []string {
	if uuids == nil {
		return nil
	}
	result := make([]string, 0, len(uuids))
	for _, u := range uuids {
		result = append(result, normalizeOrKeep(u))
	}
	return result
}

// ----------------------------
// Connect
// ----------------------------

type Connect struct {
	opBase
	completion[ConnectResponse]
}

// NewConnect creates an operation that connects to the peripheral.
// It succeeds immediately when the peripheral is already connected and initialized.
func NewConnect(peripheral string, cb Callback[ConnectResponse]) *Connect {
	return &Connect{opBase: newBase(peripheral), completion: completion[ConnectResponse]{cb: cb}}
}

func (o *Connect) Kind() Kind { return KindConnect }

func (o *Connect) execute(m *Manager) error {
	p, err := m.radio.Lookup(o.peripheral)
	if err != nil {
		return err
	}
	switch p.State {
	case device.StateDisconnected:
		return m.connect(o.peripheral)
	case device.StateConnected:
		m.connectionEstablished(p.ID, m.connected != p.ID)
		return nil
	default:
		// connecting or disconnecting: the next connection event decides
		return nil
	}
}

// ----------------------------
// Disconnect
// ----------------------------

type Disconnect struct {
	opBase
	completion[DisconnectResponse]
}

// NewDisconnect creates an operation that tears down the link to the peripheral.
func NewDisconnect(peripheral string, cb Callback[DisconnectResponse]) *Disconnect {
	return &Disconnect{opBase: newBase(peripheral), completion: completion[DisconnectResponse]{cb: cb}}
}

func (o *Disconnect) Kind() Kind { return KindDisconnect }

func (o *Disconnect) execute(m *Manager) error {
	p, err := m.radio.Lookup(o.peripheral)
	if err != nil {
		return err
	}
	switch p.State {
	case device.StateConnecting, device.StateConnected:
		return m.cancelConnection(o.peripheral)
	case device.StateDisconnecting:
		return nil
	default:
		o.succeed(DisconnectResponse{Peripheral: o.peripheral})
		m.advance()
		return nil
	}
}

// ----------------------------
// DiscoverServices
// ----------------------------

type DiscoverServices struct {
	opBase
	completion[DiscoverServicesResponse]
	services []string
}

// NewDiscoverServices creates an operation discovering the given services, or all of
// them when services is nil.
func NewDiscoverServices(peripheral string, services []string, cb Callback[DiscoverServicesResponse]) *DiscoverServices {
	return &DiscoverServices{
		opBase:     newBase(peripheral),
		completion: completion[DiscoverServicesResponse]{cb: cb},
		services:   normalizeAllOrKeep(services),
	}
}

func (o *DiscoverServices) Kind() Kind                 { return KindDiscoverServices }
func (o *DiscoverServices) RequiredServices() []string { return o.services }

func (o *DiscoverServices) execute(m *Manager) error {
	if len(o.services) > 0 {
		if _, err := device.ValidateUUID(o.services...); err != nil {
			return err
		}
	}
	p, err := m.radio.Lookup(o.peripheral)
	if err != nil {
		return err
	}
	if p.State != device.StateConnected {
		return m.correctiveConnect(p)
	}
	return m.radio.DiscoverServices(o.peripheral, o.services)
}

func (o *DiscoverServices) response(p *device.Peripheral) DiscoverServicesResponse {
	if o.services == nil {
		return DiscoverServicesResponse{Peripheral: p, Services: p.Services}
	}
	services := make([]*device.Service, 0, len(o.services))
	for _, u := range o.services {
		if s := p.Service(u); s != nil {
			services = append(services, s)
		}
	}
	return DiscoverServicesResponse{Peripheral: p, Services: services}
}

// ----------------------------
// DiscoverCharacteristics
// ----------------------------

type DiscoverCharacteristics struct {
	opBase
	completion[DiscoverCharacteristicsResponse]
	service         string
	characteristics []string

	// undiscovered is the fan-out countdown: services still waiting for their
	// per-service discovery event. nil outside a fan-out.
	undiscovered *orderedmap.OrderedMap[string, struct{}]
	reported     []string
}

// NewDiscoverCharacteristics creates an operation discovering characteristics of one
// service. With an empty service it fans out over every already discovered service and
// resolves once each of them has reported. A nil characteristics list discovers all.
func NewDiscoverCharacteristics(peripheral, service string, characteristics []string, cb Callback[DiscoverCharacteristicsResponse]) *DiscoverCharacteristics {
	o := &DiscoverCharacteristics{
		opBase:          newBase(peripheral),
		completion:      completion[DiscoverCharacteristicsResponse]{cb: cb},
		characteristics: normalizeAllOrKeep(characteristics),
	}
	if service != "" {
		o.service = normalizeOrKeep(service)
	}
	return o
}

func (o *DiscoverCharacteristics) Kind() Kind { return KindDiscoverCharacteristics }

func (o *DiscoverCharacteristics) RequiredServices() []string {
	if o.service == "" {
		return nil
	}
	return []string{o.service}
}

func (o *DiscoverCharacteristics) RequiredCharacteristics() []string {
	if o.service == "" {
		return nil
	}
	return o.characteristics
}

func (o *DiscoverCharacteristics) fanOut() bool {
	return o.service == ""
}

func (o *DiscoverCharacteristics) execute(m *Manager) error {
	if o.service != "" {
		if _, err := device.ValidateUUID(o.service); err != nil {
			return err
		}
	}
	p, err := m.radio.Lookup(o.peripheral)
	if err != nil {
		return err
	}
	if p.State != device.StateConnected {
		return m.correctiveConnect(p)
	}

	if !o.fanOut() {
		svc := p.Service(o.service)
		if svc == nil {
			return m.radio.DiscoverServices(o.peripheral, []string{o.service})
		}
		return m.radio.DiscoverCharacteristics(o.peripheral, svc.UUID, o.characteristics)
	}

	if p.Services == nil {
		return device.ErrServiceNotDiscovered
	}
	o.undiscovered = orderedmap.New[string, struct{}]()
	o.reported = nil
	for _, s := range p.Services {
		o.undiscovered.Set(s.UUID, struct{}{})
	}
	if o.undiscovered.Len() == 0 {
		o.undiscovered = nil
		o.succeed(DiscoverCharacteristicsResponse{Peripheral: p, Services: p.Services})
		m.advance()
		return nil
	}
	for pair := o.undiscovered.Oldest(); pair != nil; pair = pair.Next() {
		if err := m.radio.DiscoverCharacteristics(o.peripheral, pair.Key, o.characteristics); err != nil {
			return err
		}
	}
	return nil
}

// serviceReported removes a service from the fan-out countdown and reports whether the
// countdown reached zero.
func (o *DiscoverCharacteristics) serviceReported(service string) bool {
	if o.undiscovered == nil {
		return false
	}
	if _, present := o.undiscovered.Delete(service); present {
		o.reported = append(o.reported, service)
	}
	if o.undiscovered.Len() > 0 {
		return false
	}
	o.undiscovered = nil
	return true
}

func (o *DiscoverCharacteristics) response(p *device.Peripheral) DiscoverCharacteristicsResponse {
	if o.fanOut() {
		services := make([]*device.Service, 0, len(o.reported))
		for _, u := range o.reported {
			if s := p.Service(u); s != nil {
				services = append(services, s)
			}
		}
		return DiscoverCharacteristicsResponse{Peripheral: p, Services: services}
	}
	var services []*device.Service
	if s := p.Service(o.service); s != nil {
		services = []*device.Service{s}
	}
	return DiscoverCharacteristicsResponse{Peripheral: p, Services: services}
}

// ----------------------------
// Characteristic access
// ----------------------------

// charTarget locates one characteristic and runs the corrective discovery chain.
type charTarget struct {
	service        string
	characteristic string
}

func (t *charTarget) RequiredServices() []string        { return []string{t.service} }
func (t *charTarget) RequiredCharacteristics() []string { return []string{t.characteristic} }

func (t *charTarget) matches(service, characteristic string) bool {
	return device.NormalizeUUID(service) == t.service && device.NormalizeUUID(characteristic) == t.characteristic
}

// resolve returns the characteristic when the whole precondition chain holds. Otherwise
// it issues the corrective request for the first missing step and returns nil.
func (t *charTarget) resolve(m *Manager, peripheral string) (*device.Characteristic, error) {
	if _, err := device.ValidateUUID(t.service, t.characteristic); err != nil {
		return nil, err
	}
	p, err := m.radio.Lookup(peripheral)
	if err != nil {
		return nil, err
	}
	if p.State != device.StateConnected {
		return nil, m.correctiveConnect(p)
	}
	svc := p.Service(t.service)
	if svc == nil {
		return nil, m.radio.DiscoverServices(peripheral, []string{t.service})
	}
	char := svc.Characteristic(t.characteristic)
	if char == nil {
		return nil, m.radio.DiscoverCharacteristics(peripheral, svc.UUID, []string{t.characteristic})
	}
	return char, nil
}

type ReadCharacteristic struct {
	opBase
	charTarget
	completion[ReadCharacteristicResponse]
	// requested is set once the actual read went out, so a value update caused by a
	// notification before that point does not resolve the read.
	requested bool
}

// NewReadCharacteristic creates an operation reading a characteristic value.
func NewReadCharacteristic(peripheral, service, characteristic string, cb Callback[ReadCharacteristicResponse]) *ReadCharacteristic {
	return &ReadCharacteristic{
		opBase:     newBase(peripheral),
		charTarget: charTarget{service: normalizeOrKeep(service), characteristic: normalizeOrKeep(characteristic)},
		completion: completion[ReadCharacteristicResponse]{cb: cb},
	}
}

func (o *ReadCharacteristic) Kind() Kind                        { return KindReadCharacteristic }
func (o *ReadCharacteristic) RequiredServices() []string        { return o.charTarget.RequiredServices() }
func (o *ReadCharacteristic) RequiredCharacteristics() []string { return o.charTarget.RequiredCharacteristics() }

func (o *ReadCharacteristic) execute(m *Manager) error {
	char, err := o.resolve(m, o.peripheral)
	if err != nil || char == nil {
		return err
	}
	o.requested = true
	return m.radio.ReadValue(o.peripheral, char.Service, char.UUID)
}

type WriteCharacteristic struct {
	opBase
	charTarget
	completion[WriteCharacteristicResponse]
	data []byte
	mode device.WriteMode
}

// NewWriteCharacteristic creates an operation writing data to a characteristic.
// Both write modes resolve on the radio's write confirmation event.
func NewWriteCharacteristic(peripheral, service, characteristic string, data []byte, mode device.WriteMode, cb Callback[WriteCharacteristicResponse]) *WriteCharacteristic {
	return &WriteCharacteristic{
		opBase:     newBase(peripheral),
		charTarget: charTarget{service: normalizeOrKeep(service), characteristic: normalizeOrKeep(characteristic)},
		completion: completion[WriteCharacteristicResponse]{cb: cb},
		data:       data,
		mode:       mode,
	}
}

func (o *WriteCharacteristic) Kind() Kind                        { return KindWriteCharacteristic }
func (o *WriteCharacteristic) RequiredServices() []string        { return o.charTarget.RequiredServices() }
func (o *WriteCharacteristic) RequiredCharacteristics() []string { return o.charTarget.RequiredCharacteristics() }

func (o *WriteCharacteristic) execute(m *Manager) error {
	char, err := o.resolve(m, o.peripheral)
	if err != nil || char == nil {
		return err
	}
	return m.radio.WriteValue(o.peripheral, char.Service, char.UUID, o.data, o.mode)
}

type SetNotify struct {
	opBase
	charTarget
	completion[SetNotifyResponse]
	enabled bool
}

// NewSetNotify creates an operation enabling or disabling notifications.
func NewSetNotify(peripheral, service, characteristic string, enabled bool, cb Callback[SetNotifyResponse]) *SetNotify {
	return &SetNotify{
		opBase:     newBase(peripheral),
		charTarget: charTarget{service: normalizeOrKeep(service), characteristic: normalizeOrKeep(characteristic)},
		completion: completion[SetNotifyResponse]{cb: cb},
		enabled:    enabled,
	}
}

func (o *SetNotify) Kind() Kind                        { return KindSetNotify }
func (o *SetNotify) RequiredServices() []string        { return o.charTarget.RequiredServices() }
func (o *SetNotify) RequiredCharacteristics() []string { return o.charTarget.RequiredCharacteristics() }

func (o *SetNotify) execute(m *Manager) error {
	char, err := o.resolve(m, o.peripheral)
	if err != nil || char == nil {
		return err
	}
	return m.radio.SetNotifyValue(o.peripheral, char.Service, char.UUID, o.enabled)
}

// ----------------------------
// ReadRSSI
// ----------------------------

type ReadRSSI struct {
	opBase
	completion[RSSIResponse]
}

// NewReadRSSI creates an operation reading the link's signal strength.
func NewReadRSSI(peripheral string, cb Callback[RSSIResponse]) *ReadRSSI {
	return &ReadRSSI{opBase: newBase(peripheral), completion: completion[RSSIResponse]{cb: cb}}
}

func (o *ReadRSSI) Kind() Kind { return KindReadRSSI }

func (o *ReadRSSI) execute(m *Manager) error {
	p, err := m.radio.Lookup(o.peripheral)
	if err != nil {
		return err
	}
	if p.State != device.StateConnected {
		return m.correctiveConnect(p)
	}
	return m.radio.ReadRSSI(o.peripheral)
}
