package testutils

import (
	"encoding/json"
	"fmt"
	"sync"

	blelib "github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"

	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/testutils/mocks"
)

// CharacteristicConfig represents a BLE characteristic configuration for simulation
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,write,notify"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig represents a BLE service configuration for simulation
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// PeripheralProfile is the full GATT layout of a simulated peripheral
type PeripheralProfile struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	RSSI     int             `json:"rssi,omitempty"`
	Services []ServiceConfig `json:"services"`
}

// PeripheralBuilder builds simulated peripherals
type PeripheralBuilder struct {
	profile PeripheralProfile
}

// NewPeripheralBuilder creates a builder for a peripheral with the given id
func NewPeripheralBuilder(id string) *PeripheralBuilder {
	return &PeripheralBuilder{
		profile: PeripheralProfile{
			ID:       id,
			RSSI:     -60,
			Services: []ServiceConfig{},
		},
	}
}

// WithName sets the advertised name
func (b *PeripheralBuilder) WithName(name string) *PeripheralBuilder {
	b.profile.Name = name
	return b
}

// WithRSSI sets the value returned by RSSI reads
func (b *PeripheralBuilder) WithRSSI(rssi int) *PeripheralBuilder {
	b.profile.RSSI = rssi
	return b
}

// WithService adds a service to the profile
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{
		UUID:            uuid,
		Characteristics: []CharacteristicConfig{},
	})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}

	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

// FromJSON fills the profile from JSON; the id is kept unless the JSON sets one.
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	profile := PeripheralProfile{ID: b.profile.ID, RSSI: b.profile.RSSI}
	if err := json.Unmarshal([]byte(jsonStr), &profile); err != nil {
		panic(fmt.Sprintf("PeripheralBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.profile = profile
	return b
}

// Profile returns the configured profile
func (b *PeripheralBuilder) Profile() PeripheralProfile {
	return b.profile
}

// parseProperties converts a property string; an empty string means read,write,notify.
func parseProperties(props string) device.Property {
	if props == "" {
		return device.PropRead | device.PropWrite | device.PropNotify
	}
	return device.ParseProperties(props)
}

// BuildBLEProfile converts the profile to the go-ble representation used by mocked clients.
func (b *PeripheralBuilder) BuildBLEProfile() *blelib.Profile {
	var services []*blelib.Service
	for _, svcConfig := range b.profile.Services {
		svc := &blelib.Service{UUID: blelib.MustParse(svcConfig.UUID)}
		for _, charConfig := range svcConfig.Characteristics {
			svc.Characteristics = append(svc.Characteristics, &blelib.Characteristic{
				UUID:     blelib.MustParse(charConfig.UUID),
				Property: blelib.Property(parseProperties(charConfig.Properties)),
				Value:    charConfig.Value,
			})
		}
		services = append(services, svc)
	}
	return &blelib.Profile{Services: services}
}

// BuildGATTClient creates a mocked go-ble client serving the profile. Expectations set by
// setup are registered first and take precedence over the profile defaults. The client's
// Disconnected channel closes on CancelConnection or when the returned drop func is called.
func (b *PeripheralBuilder) BuildGATTClient(setup ...func(*mocks.MockGATTClient)) (*mocks.MockGATTClient, func()) {
	client := &mocks.MockGATTClient{}
	for _, fn := range setup {
		fn(client)
	}

	profile := b.BuildBLEProfile()
	disconnected := make(chan struct{})
	var once sync.Once
	drop := func() { once.Do(func() { close(disconnected) }) }

	client.On("DiscoverServices", mock.Anything).Return(func(filter []blelib.UUID) []*blelib.Service {
		var out []*blelib.Service
		for _, s := range profile.Services {
			if containsUUID(filter, s.UUID) {
				out = append(out, s)
			}
		}
		return out
	}, nil).Maybe()
	client.On("DiscoverCharacteristics", mock.Anything, mock.Anything).Return(func(filter []blelib.UUID, s *blelib.Service) []*blelib.Characteristic {
		var out []*blelib.Characteristic
		for _, c := range s.Characteristics {
			if containsUUID(filter, c.UUID) {
				out = append(out, c)
			}
		}
		return out
	}, nil).Maybe()
	client.On("DiscoverDescriptors", mock.Anything, mock.Anything).Return(nil, nil).Maybe()
	client.On("ReadCharacteristic", mock.Anything).Return(func(c *blelib.Characteristic) []byte {
		return c.Value
	}, nil).Maybe()
	client.On("WriteCharacteristic", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	client.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	client.On("Unsubscribe", mock.Anything, mock.Anything).Return(nil).Maybe()
	client.On("ReadRSSI").Return(b.profile.RSSI).Maybe()
	client.On("CancelConnection").Run(func(mock.Arguments) { drop() }).Return(nil).Maybe()
	client.On("Disconnected").Return(disconnected).Maybe()

	return client, drop
}

func containsUUID(filter []blelib.UUID, u blelib.UUID) bool {
	if filter == nil {
		return true
	}
	for _, f := range filter {
		if f.Equal(u) {
			return true
		}
	}
	return false
}
