package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/gattq/internal/device"
)

// NormalizeError maps known go-ble error strings to the device error taxonomy.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "unauthorized"), containsIgnoreCase(msg, "operation not permitted"):
		return fmt.Errorf("%w: %v", device.ErrUnauthorized, err)
	case containsIgnoreCase(msg, "not supported"), containsIgnoreCase(msg, "no such device"):
		return fmt.Errorf("%w: %v", device.ErrUnsupported, err)
	case containsIgnoreCase(msg, "device not connected"), containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// radioStateFor derives the radio state implied by a device creation error.
func radioStateFor(err error) device.RadioState {
	switch {
	case err == nil:
		return device.RadioPoweredOn
	case errors.Is(err, device.ErrBluetoothOff):
		return device.RadioPoweredOff
	case errors.Is(err, device.ErrUnauthorized):
		return device.RadioUnauthorized
	case errors.Is(err, device.ErrUnsupported):
		return device.RadioUnsupported
	default:
		return device.RadioUnknown
	}
}
