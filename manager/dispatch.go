package manager

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/gattq/internal/device"
)

// Manager implements device.EventSink: every radio event is marshalled onto the executor
// and matched against the active operation there.
var _ device.EventSink = (*Manager)(nil)

// post runs fn on the executor unless the manager was disposed, either before the event
// arrived or while it was waiting in the queue.
func (m *Manager) post(fn func()) {
	if m.ctx.Err() != nil {
		return
	}
	m.exec.Async(func() {
		if m.ctx.Err() != nil {
			return
		}
		fn()
	})
}

// activeFor returns the active operation if it targets peripheral id.
func (m *Manager) activeFor(id string) Operation {
	if m.current == nil || m.current.Peripheral() != id {
		return nil
	}
	return m.current
}

func (m *Manager) RadioStateChanged(state device.RadioState) {
	m.post(func() {
		m.logger.WithField("state", state.String()).Info("Radio state changed")
		m.radioStates.Publish(state)
		if m.waitingForReady && m.current != nil {
			m.execute(m.current)
		}
	})
}

func (m *Manager) PeripheralConnected(id string) {
	m.post(func() {
		m.logger.WithField("peripheral", id).Info("Peripheral connected")
		m.publishConnection(id, device.StateConnected, nil)

		if m.activeFor(id) != nil {
			m.connectionEstablished(id, true)
			return
		}

		if m.connected != "" && m.connected != id {
			m.logger.WithFields(logrus.Fields{"peripheral": id, "focus": m.connected}).Warn("Ignoring connection of a peripheral outside the focus")
			return
		}

		// connected outside of any operation: still a fresh link that needs initializing
		m.connected = id
		if m.pending == id {
			m.pending = ""
		}
		m.initialized = false
		m.initQueue = append(m.initQueue, m.initOps(id)...)
		if m.current == nil {
			m.next()
		}
	})
}

func (m *Manager) PeripheralConnectFailed(id string, err error) {
	m.post(func() {
		m.logger.WithFields(logrus.Fields{"peripheral": id, "error": err}).Warn("Peripheral connection failed")
		m.publishConnection(id, device.StateDisconnected, err)
		if m.pending == id {
			m.pending = ""
		}
		if op := m.activeFor(id); op != nil {
			m.handleError(op, device.NewConnectFailedError(err))
		}
	})
}

func (m *Manager) PeripheralDisconnected(id string, err error) {
	m.post(func() {
		m.logger.WithFields(logrus.Fields{"peripheral": id, "error": err}).Info("Peripheral disconnected")
		m.publishConnection(id, device.StateDisconnected, err)
		if m.connected == id || m.connected == "" {
			m.connected = ""
			m.initialized = false
		}
		if m.pending == id {
			m.pending = ""
		}

		op := m.activeFor(id)
		if op == nil {
			// between two init operations the main operation is parked, not active
			if m.parked != nil && m.parked.Peripheral() == id {
				m.handleError(m.parked, device.NewDisconnectedError(err))
			}
			return
		}
		if d, ok := op.(*Disconnect); ok && err == nil {
			d.succeed(DisconnectResponse{Peripheral: id})
			m.advance()
			return
		}
		m.handleError(op, device.NewDisconnectedError(err))
	})
}

func (m *Manager) ServicesDiscovered(id string, err error) {
	m.post(func() {
		op := m.activeFor(id)
		if op == nil {
			return
		}
		if err != nil {
			m.handleError(op, err)
			return
		}
		p, lerr := m.radio.Lookup(id)
		if lerr != nil {
			m.handleError(op, lerr)
			return
		}

		if ds, ok := op.(*DiscoverServices); ok {
			if missing := missingService(p, ds.RequiredServices()); missing != "" {
				m.handleError(op, &device.NotFoundError{Resource: "service", UUIDs: []string{missing}})
				return
			}
			ds.succeed(ds.response(p))
			m.advance()
			return
		}

		required := op.RequiredServices()
		if len(required) == 0 {
			// nothing of this operation waits on service discovery
			return
		}
		if missing := missingService(p, required); missing != "" {
			m.handleError(op, &device.NotFoundError{Resource: "service", UUIDs: []string{missing}})
			return
		}
		m.execute(op)
	})
}

func (m *Manager) CharacteristicsDiscovered(id, serviceUUID string, err error) {
	m.post(func() {
		op := m.activeFor(id)
		if op == nil {
			return
		}
		if err != nil {
			m.handleError(op, err)
			return
		}
		service := device.NormalizeUUID(serviceUUID)

		if dc, ok := op.(*DiscoverCharacteristics); ok && dc.fanOut() {
			if !dc.serviceReported(service) {
				return
			}
			p, lerr := m.radio.Lookup(id)
			if lerr != nil {
				m.handleError(op, lerr)
				return
			}
			dc.succeed(dc.response(p))
			m.advance()
			return
		}

		required := op.RequiredServices()
		if len(required) == 0 || required[0] != service {
			return
		}
		p, lerr := m.radio.Lookup(id)
		if lerr != nil {
			m.handleError(op, lerr)
			return
		}
		svc := p.Service(service)
		if svc == nil {
			m.handleError(op, &device.NotFoundError{Resource: "service", UUIDs: []string{service}})
			return
		}
		for _, c := range op.RequiredCharacteristics() {
			if svc.Characteristic(c) == nil {
				m.handleError(op, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, c}})
				return
			}
		}

		if dc, ok := op.(*DiscoverCharacteristics); ok {
			dc.succeed(dc.response(p))
			m.advance()
			return
		}
		m.execute(op)
	})
}

func (m *Manager) CharacteristicValueUpdated(id string, char *device.Characteristic, err error) {
	m.post(func() {
		if char == nil {
			return
		}
		if char.Properties.CanNotify() {
			m.notifications.Publish(Notification{
				Peripheral:     id,
				Service:        char.Service,
				Characteristic: char.UUID,
				Value:          char.Value,
				Err:            err,
			})
		}

		r, ok := m.activeFor(id).(*ReadCharacteristic)
		if !ok || !r.requested || !r.matches(char.Service, char.UUID) {
			return
		}
		if err != nil {
			m.handleError(r, err)
			return
		}
		r.succeed(ReadCharacteristicResponse{Characteristic: char, Value: char.Value})
		m.advance()
	})
}

func (m *Manager) CharacteristicWritten(id, service, characteristic string, err error) {
	m.post(func() {
		w, ok := m.activeFor(id).(*WriteCharacteristic)
		if !ok || !w.matches(service, characteristic) {
			return
		}
		if err != nil {
			m.handleError(w, err)
			return
		}
		w.succeed(WriteCharacteristicResponse{Service: w.service, Characteristic: w.characteristic, Mode: w.mode})
		m.advance()
	})
}

func (m *Manager) NotifyStateChanged(id, service, characteristic string, enabled bool, err error) {
	m.post(func() {
		n, ok := m.activeFor(id).(*SetNotify)
		if !ok || !n.matches(service, characteristic) {
			return
		}
		if err != nil {
			m.handleError(n, err)
			return
		}
		n.succeed(SetNotifyResponse{Service: n.service, Characteristic: n.characteristic, Enabled: enabled})
		m.advance()
	})
}

func (m *Manager) RSSIRead(id string, rssi int, err error) {
	m.post(func() {
		r, ok := m.activeFor(id).(*ReadRSSI)
		if !ok {
			return
		}
		if err != nil {
			m.handleError(r, err)
			return
		}
		r.succeed(RSSIResponse{RSSI: rssi})
		m.advance()
	})
}

func missingService(p *device.Peripheral, required []string) string {
	for _, s := range required {
		if p.Service(s) == nil {
			return s
		}
	}
	return ""
}
