package manager

import (
	"fmt"

	"github.com/srg/gattq/internal/device"
)

// Callback receives the outcome of an operation. It is invoked exactly once, on the
// manager's executor goroutine, with either a response or a non-nil error.
type Callback[T any] func(T, error)

type ConnectResponse struct {
	Peripheral *device.Peripheral
}

type DisconnectResponse struct {
	Peripheral string
}

type DiscoverServicesResponse struct {
	Peripheral *device.Peripheral
	// Services holds the requested services, or every discovered service when none were requested.
	Services []*device.Service
}

type DiscoverCharacteristicsResponse struct {
	Peripheral *device.Peripheral
	// Services holds the services whose characteristics were discovered.
	Services []*device.Service
}

type ReadCharacteristicResponse struct {
	Characteristic *device.Characteristic
	Value          []byte
}

type WriteCharacteristicResponse struct {
	Service        string
	Characteristic string
	Mode           device.WriteMode
}

type SetNotifyResponse struct {
	Service        string
	Characteristic string
	Enabled        bool
}

type RSSIResponse struct {
	RSSI int
}

// ConnectionEvent is published on every connection state transition the manager
// initiates or observes.
type ConnectionEvent struct {
	Peripheral string
	State      device.ConnectionState
	Err        error
}

// Notification is a characteristic value pushed by the peripheral (or read from a
// characteristic that supports notify/indicate).
type Notification struct {
	Peripheral     string
	Service        string
	Characteristic string
	Value          []byte
	Err            error
}

// AbortedError is delivered to operations that were still queued when another
// operation failed and the queues were cleared.
type AbortedError struct {
	Cause error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("operation aborted: %v", e.Cause)
}

func (e *AbortedError) Unwrap() error {
	return e.Cause
}

// completion is the single result slot of an operation.
type completion[T any] struct {
	cb    Callback[T]
	fired bool
}

func (c *completion[T]) succeed(v T) {
	if c.fired {
		return
	}
	c.fired = true
	if c.cb != nil {
		c.cb(v, nil)
	}
}

func (c *completion[T]) fail(err error) {
	if c.fired {
		return
	}
	c.fired = true
	if c.cb != nil {
		var zero T
		c.cb(zero, err)
	}
}

func (c *completion[T]) done() bool {
	return c.fired
}
