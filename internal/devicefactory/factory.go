package devicefactory

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/gattq/internal/device"
	goble "github.com/srg/gattq/internal/device/go-ble"
)

// Radio is a device.Radio that owns host resources and must be closed.
type Radio interface {
	device.Radio
	Close() error
}

// RadioFactory creates the Radio used by the command line front-end.
// This is a variable so that it can be overridden in tests.
var RadioFactory = func(logger *logrus.Logger) (Radio, error) {
	return NewRadio(logger)
}

// NewRadio creates a go-ble backed radio and brings the host controller up.
// On failure the radio is returned anyway so that its state can be inspected.
func NewRadio(logger *logrus.Logger) (Radio, error) {
	r := goble.NewRadio(goble.WithLogger(logger))
	if err := r.Open(); err != nil {
		return r, err
	}
	return r, nil
}
