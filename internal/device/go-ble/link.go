package goble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/gattq/internal/device"
)

// GATTClient is the part of ble.Client the radio drives
type GATTClient interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	ReadRSSI() int
	CancelConnection() error
	Disconnected() <-chan struct{}
}

type gattService struct {
	svc *ble.Service
	// nil until characteristic discovery ran for the service
	chars *orderedmap.OrderedMap[string, *gattChar]
}

type gattChar struct {
	service string
	char    *ble.Characteristic
	value   []byte
}

// link is the adapter-side record of one peripheral
type link struct {
	id string

	mu         sync.Mutex
	state      device.ConnectionState
	client     GATTClient
	cancelDial context.CancelFunc
	// closing is set when the disconnect was requested locally
	closing bool
	// session changes on every connect so goroutines of an older link drop their results
	session  uint64
	services *orderedmap.OrderedMap[string, *gattService]

	// io serializes requests on the client
	io sync.Mutex
}

func newLink(id string) *link {
	return &link{id: id, state: device.StateDisconnected}
}

// reset forgets the link and everything discovered on it. Caller holds l.mu.
func (l *link) reset() {
	l.state = device.StateDisconnected
	l.client = nil
	l.cancelDial = nil
	l.closing = false
	l.services = nil
}

func (l *link) snapshot() *device.Peripheral {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := &device.Peripheral{ID: l.id, State: l.state}
	if l.services == nil {
		return p
	}
	p.Services = make([]*device.Service, 0, l.services.Len())
	for pair := l.services.Oldest(); pair != nil; pair = pair.Next() {
		svc := &device.Service{UUID: pair.Key}
		if chars := pair.Value.chars; chars != nil {
			svc.Characteristics = make([]*device.Characteristic, 0, chars.Len())
			for c := chars.Oldest(); c != nil; c = c.Next() {
				svc.Characteristics = append(svc.Characteristics, c.Value.snapshot())
			}
		}
		p.Services = append(p.Services, svc)
	}
	return p
}

func (c *gattChar) snapshot() *device.Characteristic {
	return &device.Characteristic{
		UUID:       normalize(c.char.UUID),
		Service:    c.service,
		Properties: NewProperties(c.char.Property),
		Value:      append([]byte(nil), c.value...),
	}
}

// connected returns the live client of the current session
func (l *link) connected() (GATTClient, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != device.StateConnected || l.client == nil {
		return nil, 0, device.ErrNotConnected
	}
	return l.client, l.session, nil
}

func (l *link) addServices(session uint64, services []*ble.Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != session {
		return
	}
	if l.services == nil {
		l.services = orderedmap.New[string, *gattService]()
	}
	for _, s := range services {
		key := normalize(s.UUID)
		if existing, ok := l.services.Get(key); ok {
			existing.svc = s
			continue
		}
		l.services.Set(key, &gattService{svc: s})
	}
}

func (l *link) addCharacteristics(session uint64, service string, chars []*ble.Characteristic) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != session || l.services == nil {
		return
	}
	gs, ok := l.services.Get(service)
	if !ok {
		return
	}
	if gs.chars == nil {
		gs.chars = orderedmap.New[string, *gattChar]()
	}
	for _, c := range chars {
		key := normalize(c.UUID)
		if existing, ok := gs.chars.Get(key); ok {
			existing.char = c
			continue
		}
		gs.chars.Set(key, &gattChar{service: service, char: c, value: c.Value})
	}
}

// service returns a discovered service
func (l *link) service(uuid string) (*gattService, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.services == nil {
		return nil, device.ErrServiceNotDiscovered
	}
	gs, ok := l.services.Get(uuid)
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	return gs, nil
}

// characteristic returns a discovered characteristic
func (l *link) characteristic(service, uuid string) (*gattChar, error) {
	gs, err := l.service(service)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if gs.chars != nil {
		if c, ok := gs.chars.Get(uuid); ok {
			return c, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
}

// update stores a new characteristic value and returns its snapshot
func (l *link) update(c *gattChar, value []byte) *device.Characteristic {
	l.mu.Lock()
	defer l.mu.Unlock()
	if value != nil {
		c.value = append([]byte(nil), value...)
	}
	return c.snapshot()
}
