// Package mocks holds testify mocks of the go-ble client surface.
package mocks

import (
	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockGATTClient is a testify mock of goble.GATTClient.
// Return values may be given as functions of the call arguments.
type MockGATTClient struct {
	mock.Mock
}

func (m *MockGATTClient) DiscoverServices(filter []ble.UUID) ([]*ble.Service, error) {
	ret := m.Called(filter)

	var r0 []*ble.Service
	if rf, ok := ret.Get(0).(func([]ble.UUID) []*ble.Service); ok {
		r0 = rf(filter)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).([]*ble.Service)
	}
	return r0, ret.Error(1)
}

func (m *MockGATTClient) DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	ret := m.Called(filter, s)

	var r0 []*ble.Characteristic
	if rf, ok := ret.Get(0).(func([]ble.UUID, *ble.Service) []*ble.Characteristic); ok {
		r0 = rf(filter, s)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).([]*ble.Characteristic)
	}
	return r0, ret.Error(1)
}

func (m *MockGATTClient) DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error) {
	ret := m.Called(filter, c)

	var r0 []*ble.Descriptor
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]*ble.Descriptor)
	}
	return r0, ret.Error(1)
}

func (m *MockGATTClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	ret := m.Called(c)

	var r0 []byte
	if rf, ok := ret.Get(0).(func(*ble.Characteristic) []byte); ok {
		r0 = rf(c)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).([]byte)
	}
	return r0, ret.Error(1)
}

func (m *MockGATTClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	ret := m.Called(c, value, noRsp)
	return ret.Error(0)
}

func (m *MockGATTClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	ret := m.Called(c, ind, h)
	return ret.Error(0)
}

func (m *MockGATTClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	ret := m.Called(c, ind)
	return ret.Error(0)
}

func (m *MockGATTClient) ReadRSSI() int {
	ret := m.Called()
	return ret.Int(0)
}

func (m *MockGATTClient) CancelConnection() error {
	ret := m.Called()
	return ret.Error(0)
}

func (m *MockGATTClient) Disconnected() <-chan struct{} {
	ret := m.Called()

	var r0 <-chan struct{}
	switch ch := ret.Get(0).(type) {
	case chan struct{}:
		r0 = ch
	case <-chan struct{}:
		r0 = ch
	}
	return r0
}
