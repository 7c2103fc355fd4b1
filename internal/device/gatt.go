package device

import (
	"strings"
	"time"
)

// Property is a GATT characteristic property bit set
type Property uint8

const (
	PropBroadcast                 Property = 0x01
	PropRead                      Property = 0x02
	PropWriteWithoutResponse      Property = 0x04
	PropWrite                     Property = 0x08
	PropNotify                    Property = 0x10
	PropIndicate                  Property = 0x20
	PropAuthenticatedSignedWrites Property = 0x40
	PropExtendedProperties        Property = 0x80
)

var propertyNames = []struct {
	p    Property
	name string
}{
	{PropBroadcast, "Broadcast"},
	{PropRead, "Read"},
	{PropWriteWithoutResponse, "WriteWithoutResponse"},
	{PropWrite, "Write"},
	{PropNotify, "Notify"},
	{PropIndicate, "Indicate"},
	{PropAuthenticatedSignedWrites, "AuthenticatedSignedWrites"},
	{PropExtendedProperties, "ExtendedProperties"},
}

// Has reports whether all bits of q are set.
func (p Property) Has(q Property) bool {
	return p&q == q
}

// CanNotify reports whether the characteristic pushes values (notify or indicate).
func (p Property) CanNotify() bool {
	return p&(PropNotify|PropIndicate) != 0
}

func (p Property) String() string {
	var names []string
	for _, pn := range propertyNames {
		if p&pn.p != 0 {
			names = append(names, pn.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseProperties parses a comma separated list such as "read,notify".
// Unknown names are ignored.
func ParseProperties(s string) Property {
	var p Property
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		for _, pn := range propertyNames {
			if strings.EqualFold(part, pn.name) {
				p |= pn.p
			}
		}
		switch strings.ToLower(part) {
		case "write-without-response", "writenr", "write_without_response":
			p |= PropWriteWithoutResponse
		}
	}
	return p
}

// WriteMode selects acknowledged or unacknowledged writes
type WriteMode int

const (
	WithResponse WriteMode = iota
	WithoutResponse
)

func (m WriteMode) String() string {
	if m == WithoutResponse {
		return "without_response"
	}
	return "with_response"
}

// Characteristic is a snapshot of a discovered characteristic
type Characteristic struct {
	UUID       string
	Service    string
	Properties Property
	Value      []byte
}

// Service is a snapshot of a discovered service.
// Characteristics is nil until characteristic discovery ran for the service.
type Service struct {
	UUID            string
	Characteristics []*Characteristic
}

// Characteristic returns the discovered characteristic with the given UUID, or nil.
func (s *Service) Characteristic(uuid string) *Characteristic {
	if s == nil {
		return nil
	}
	uuid = NormalizeUUID(uuid)
	for _, c := range s.Characteristics {
		if c.UUID == uuid {
			return c
		}
	}
	return nil
}

// Peripheral is a snapshot of a remote device as known by the radio.
// Services is nil until service discovery ran at least once.
type Peripheral struct {
	ID       string
	Name     string
	State    ConnectionState
	Services []*Service
}

// Service returns the discovered service with the given UUID, or nil.
func (p *Peripheral) Service(uuid string) *Service {
	if p == nil {
		return nil
	}
	uuid = NormalizeUUID(uuid)
	for _, s := range p.Services {
		if s.UUID == uuid {
			return s
		}
	}
	return nil
}

// Characteristic returns the discovered characteristic, or nil if either level is missing.
func (p *Peripheral) Characteristic(service, uuid string) *Characteristic {
	return p.Service(service).Characteristic(uuid)
}

// ServiceUUIDs lists the UUIDs of discovered services in discovery order.
func (p *Peripheral) ServiceUUIDs() []string {
	if p == nil {
		return nil
	}
	result := make([]string, 0, len(p.Services))
	for _, s := range p.Services {
		result = append(result, s.UUID)
	}
	return result
}

// ConnectOptions defines BLE connection options
type ConnectOptions struct {
	// ConnectTimeout bounds link establishment inside the radio adapter.
	// Zero lets the adapter wait until the connection is cancelled.
	ConnectTimeout time.Duration
}
