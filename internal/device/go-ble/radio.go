// Package goble implements device.Radio on top of github.com/go-ble/ble.
//
// Every request is validated synchronously, then runs on its own goroutine and reports
// its outcome through the registered device.EventSink. Requests on one peripheral are
// serialized; the adapter keeps its own table of discovered services and characteristics
// per peripheral, which is forgotten when the link drops.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/groutine"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newDevice

// Dialer establishes a GATT client link to the peripheral at address
type Dialer func(ctx context.Context, address string) (GATTClient, error)

func dialDefaultDevice(ctx context.Context, address string) (GATTClient, error) {
	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Option configures a Radio
type Option func(*Radio)

// WithLogger sets the logger used by the radio
func WithLogger(logger *logrus.Logger) Option {
	return func(r *Radio) {
		r.logger = logger
	}
}

// WithDialer replaces the go-ble default device dialer
func WithDialer(dial Dialer) Option {
	return func(r *Radio) {
		r.dial = dial
	}
}

// Radio is a device.Radio backed by the go-ble default device.
type Radio struct {
	logger *logrus.Logger
	dial   Dialer

	mu    sync.Mutex
	sink  device.EventSink
	state device.RadioState
	dev   ble.Device

	links *hashmap.Map[string, *link]
}

var _ device.Radio = (*Radio)(nil)

// NewRadio creates a radio in the unknown state; call Open to bring it up.
func NewRadio(opts ...Option) *Radio {
	r := &Radio{
		dial:  dialDefaultDevice,
		state: device.RadioUnknown,
		links: hashmap.New[string, *link](),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logrus.New()
	}
	return r
}

// Open creates the host BLE device and installs it as the go-ble default device.
// The resulting availability is reported through RadioStateChanged.
func (r *Radio) Open() error {
	r.setState(device.RadioResetting)

	dev, err := DeviceFactory()
	if err != nil {
		err = NormalizeError(err)
		r.logger.WithField("error", err).Error("Failed to create BLE device")
		r.setState(radioStateFor(err))
		return fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	r.mu.Lock()
	r.dev = dev
	r.mu.Unlock()
	r.setState(device.RadioPoweredOn)
	return nil
}

// Close cancels every link and stops the host device.
func (r *Radio) Close() error {
	r.links.Range(func(id string, _ *link) bool {
		if err := r.CancelConnection(id); err != nil {
			r.logger.WithFields(logrus.Fields{"peripheral": id, "error": err}).Warn("Failed to cancel connection during close")
		}
		return true
	})

	r.mu.Lock()
	dev := r.dev
	r.dev = nil
	r.mu.Unlock()
	if dev == nil {
		return nil
	}
	return NormalizeError(dev.Stop())
}

func (r *Radio) setState(state device.RadioState) {
	r.mu.Lock()
	if r.state == state {
		r.mu.Unlock()
		return
	}
	r.state = state
	r.mu.Unlock()

	r.logger.WithField("state", state.String()).Debug("Radio state changed")
	r.emit(func(sink device.EventSink) { sink.RadioStateChanged(state) })
}

func (r *Radio) emit(fn func(sink device.EventSink)) {
	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	if sink != nil {
		fn(sink)
	}
}

func (r *Radio) link(id string) (*link, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &device.NotFoundError{Resource: "peripheral", UUIDs: []string{id}}
	}
	l, _ := r.links.GetOrInsert(id, newLink(id))
	return l, nil
}

// request runs fn on its own goroutine, serialized with the other requests of the link
func (r *Radio) request(l *link, name string, fn func()) {
	groutine.Go(context.Background(), name+"-"+l.id, func(context.Context) {
		l.io.Lock()
		defer l.io.Unlock()
		fn()
	})
}

func (r *Radio) SetEventSink(sink device.EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

func (r *Radio) State() device.RadioState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Lookup reports the adapter's view of a peripheral. Any non-empty address is a valid
// peripheral handle; it stays disconnected until Connect succeeds.
func (r *Radio) Lookup(id string) (*device.Peripheral, error) {
	l, err := r.link(id)
	if err != nil {
		return nil, err
	}
	return l.snapshot(), nil
}

func (r *Radio) Connect(id string, opts *device.ConnectOptions) error {
	l, err := r.link(id)
	if err != nil {
		return err
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if opts != nil && opts.ConnectTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), opts.ConnectTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	l.mu.Lock()
	if l.state != device.StateDisconnected {
		state := l.state
		l.mu.Unlock()
		cancel()
		return fmt.Errorf("peripheral %s is %s", id, state)
	}
	l.session++
	session := l.session
	l.state = device.StateConnecting
	l.cancelDial = cancel
	l.closing = false
	l.mu.Unlock()

	logger := r.logger.WithField("peripheral", id)
	logger.Info("Connecting to BLE device...")

	groutine.Go(ctx, "ble-dial-"+id, func(ctx context.Context) {
		defer cancel()
		client, err := r.dial(ctx, id)

		l.mu.Lock()
		if l.session != session {
			l.mu.Unlock()
			if client != nil {
				_ = client.CancelConnection()
			}
			return
		}
		closing := l.closing
		if err != nil || closing {
			l.reset()
			l.mu.Unlock()
			if client != nil {
				_ = client.CancelConnection()
			}
			if closing {
				logger.Info("Connection attempt cancelled")
				r.emit(func(sink device.EventSink) { sink.PeripheralDisconnected(id, nil) })
				return
			}
			err = NormalizeError(err)
			logger.WithField("error", err).Error("Failed to dial BLE device")
			r.emit(func(sink device.EventSink) { sink.PeripheralConnectFailed(id, err) })
			return
		}
		l.client = client
		l.cancelDial = nil
		l.state = device.StateConnected
		l.mu.Unlock()

		logger.Info("BLE device connected successfully")
		r.emit(func(sink device.EventSink) { sink.PeripheralConnected(id) })
		r.monitor(l, session, client)
	})
	return nil
}

// monitor reports the end of a link, whether requested locally or not
func (r *Radio) monitor(l *link, session uint64, client GATTClient) {
	groutine.Go(context.Background(), "ble-link-monitor-"+l.id, func(context.Context) {
		<-client.Disconnected()

		l.mu.Lock()
		if l.session != session || l.client != client {
			l.mu.Unlock()
			return
		}
		closing := l.closing
		l.reset()
		l.mu.Unlock()

		var cause error
		if !closing {
			cause = device.ErrNotConnected
			r.logger.WithField("peripheral", l.id).Warn("BLE device reported disconnection")
		} else {
			r.logger.WithField("peripheral", l.id).Info("BLE device disconnected")
		}
		r.emit(func(sink device.EventSink) { sink.PeripheralDisconnected(l.id, cause) })
	})
}

func (r *Radio) CancelConnection(id string) error {
	l, err := r.link(id)
	if err != nil {
		return err
	}

	l.mu.Lock()
	switch l.state {
	case device.StateConnecting:
		l.closing = true
		l.state = device.StateDisconnecting
		cancel := l.cancelDial
		l.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	case device.StateConnected:
		l.closing = true
		l.state = device.StateDisconnecting
		client, session := l.client, l.session
		l.mu.Unlock()

		r.request(l, "ble-cancel", func() {
			if err := client.CancelConnection(); err != nil {
				err = NormalizeError(err)
				r.logger.WithFields(logrus.Fields{"peripheral": id, "error": err}).Warn("BLE device disconnected with errors")

				// the link monitor may never fire: finish the disconnect here
				l.mu.Lock()
				if l.session != session || l.client != client {
					l.mu.Unlock()
					return
				}
				l.reset()
				l.mu.Unlock()
				r.emit(func(sink device.EventSink) { sink.PeripheralDisconnected(id, err) })
			}
		})
		return nil
	default:
		l.mu.Unlock()
		return nil
	}
}

func (r *Radio) DiscoverServices(id string, uuids []string) error {
	l, err := r.link(id)
	if err != nil {
		return err
	}
	client, session, err := l.connected()
	if err != nil {
		return err
	}
	filter, err := parseFilter(uuids)
	if err != nil {
		return err
	}

	r.request(l, "ble-discover-services", func() {
		services, err := client.DiscoverServices(filter)
		if err == nil {
			l.addServices(session, services)
		}
		r.logger.WithFields(logrus.Fields{"peripheral": id, "services": len(services)}).Debug("Services discovered")
		err = NormalizeError(err)
		r.emit(func(sink device.EventSink) { sink.ServicesDiscovered(id, err) })
	})
	return nil
}

func (r *Radio) DiscoverCharacteristics(id, service string, uuids []string) error {
	l, err := r.link(id)
	if err != nil {
		return err
	}
	client, session, err := l.connected()
	if err != nil {
		return err
	}
	service = device.NormalizeUUID(service)
	gs, err := l.service(service)
	if err != nil {
		return err
	}
	filter, err := parseFilter(uuids)
	if err != nil {
		return err
	}

	r.request(l, "ble-discover-characteristics", func() {
		chars, err := client.DiscoverCharacteristics(filter, gs.svc)
		if err == nil {
			l.addCharacteristics(session, service, chars)
		}
		r.logger.WithFields(logrus.Fields{
			"peripheral":      id,
			"service":         service,
			"characteristics": len(chars),
		}).Debug("Characteristics discovered")
		err = NormalizeError(err)
		r.emit(func(sink device.EventSink) { sink.CharacteristicsDiscovered(id, service, err) })
	})
	return nil
}

// target resolves a characteristic request against the live link
func (r *Radio) target(id, service, characteristic string) (*link, GATTClient, *gattChar, error) {
	l, err := r.link(id)
	if err != nil {
		return nil, nil, nil, err
	}
	client, _, err := l.connected()
	if err != nil {
		return nil, nil, nil, err
	}
	c, err := l.characteristic(device.NormalizeUUID(service), device.NormalizeUUID(characteristic))
	if err != nil {
		return nil, nil, nil, err
	}
	return l, client, c, nil
}

func (r *Radio) ReadValue(id, service, characteristic string) error {
	l, client, c, err := r.target(id, service, characteristic)
	if err != nil {
		return err
	}

	r.request(l, "ble-read", func() {
		value, err := client.ReadCharacteristic(c.char)
		var snap *device.Characteristic
		if err != nil {
			snap = l.update(c, nil)
		} else {
			snap = l.update(c, value)
		}
		err = NormalizeError(err)
		r.emit(func(sink device.EventSink) { sink.CharacteristicValueUpdated(id, snap, err) })
	})
	return nil
}

func (r *Radio) WriteValue(id, service, characteristic string, data []byte, mode device.WriteMode) error {
	l, client, c, err := r.target(id, service, characteristic)
	if err != nil {
		return err
	}
	payload := append([]byte(nil), data...)

	r.request(l, "ble-write", func() {
		err := client.WriteCharacteristic(c.char, payload, mode == device.WithoutResponse)
		if err == nil {
			l.update(c, payload)
		}
		err = NormalizeError(err)
		svc, char := c.service, normalize(c.char.UUID)
		r.emit(func(sink device.EventSink) { sink.CharacteristicWritten(id, svc, char, err) })
	})
	return nil
}

func (r *Radio) SetNotifyValue(id, service, characteristic string, enabled bool) error {
	l, client, c, err := r.target(id, service, characteristic)
	if err != nil {
		return err
	}

	r.request(l, "ble-set-notify", func() {
		ind := useIndication(c.char.Property)
		var err error
		if enabled {
			if c.char.CCCD == nil {
				// subscribing through HCI needs the client characteristic configuration descriptor
				if _, derr := client.DiscoverDescriptors(nil, c.char); derr != nil {
					r.logger.WithFields(logrus.Fields{"peripheral": id, "char_uuid": characteristic, "error": derr}).Debug("Descriptor discovery failed")
				}
			}
			err = client.Subscribe(c.char, ind, func(data []byte) {
				snap := l.update(c, data)
				r.emit(func(sink device.EventSink) { sink.CharacteristicValueUpdated(id, snap, nil) })
			})
		} else {
			err = client.Unsubscribe(c.char, ind)
		}
		err = NormalizeError(err)
		svc, char := c.service, normalize(c.char.UUID)
		r.emit(func(sink device.EventSink) { sink.NotifyStateChanged(id, svc, char, enabled, err) })
	})
	return nil
}

func (r *Radio) ReadRSSI(id string) error {
	l, err := r.link(id)
	if err != nil {
		return err
	}
	client, _, err := l.connected()
	if err != nil {
		return err
	}

	r.request(l, "ble-rssi", func() {
		rssi := client.ReadRSSI()
		r.emit(func(sink device.EventSink) { sink.RSSIRead(id, rssi, nil) })
	})
	return nil
}
