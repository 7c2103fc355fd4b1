package main

import (
	"errors"
	"fmt"

	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/lua"
	"github.com/srg/gattq/manager"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a command was waiting for
	// notifications. It is distinct from device.ErrNotConnected, which reports a request
	// issued without a link.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns an error chain into a one-line message for the terminal.
// Known failures get a hint; anything else is printed as is.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var (
		aborted  *manager.AbortedError
		notFound *device.NotFoundError
		inUse    *device.AlreadyInUseError
		luaErr   *lua.LuaError
	)
	switch {
	case errors.As(err, &aborted):
		return fmt.Sprintf("command cancelled because an earlier step failed: %s", FormatUserError(aborted.Cause))
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; enable it and retry"
	case errors.Is(err, device.ErrUnauthorized):
		return "Bluetooth access is not authorized for this program; grant the permission and retry"
	case errors.Is(err, device.ErrUnsupported):
		return "Bluetooth Low Energy is not supported on this host"
	case errors.Is(err, device.ErrTimeout):
		return fmt.Sprintf("timed out (%v); the peripheral may be out of range, try a larger --timeout", err)
	case errors.Is(err, device.ErrConnectFailed):
		return fmt.Sprintf("could not connect: %v", err)
	case errors.Is(err, device.ErrDisconnected), errors.Is(err, ErrConnectionLost):
		return fmt.Sprintf("the peripheral disconnected: %v", err)
	case errors.Is(err, device.ErrServiceNotDiscovered):
		return "services have not been discovered yet"
	case errors.As(err, &notFound):
		return fmt.Sprintf("%v; run 'gattq discover' to list what the peripheral offers", notFound)
	case errors.As(err, &inUse):
		return fmt.Sprintf("%v; finish with that peripheral first", inUse)
	case errors.As(err, &luaErr):
		return fmt.Sprintf("initializer script: %v", luaErr)
	default:
		return err.Error()
	}
}
