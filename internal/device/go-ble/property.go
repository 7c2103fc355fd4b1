package goble

import (
	"github.com/go-ble/ble"

	"github.com/srg/gattq/internal/device"
)

var propertyMap = []struct {
	ble ble.Property
	dev device.Property
}{
	{ble.CharBroadcast, device.PropBroadcast},
	{ble.CharRead, device.PropRead},
	{ble.CharWriteNR, device.PropWriteWithoutResponse},
	{ble.CharWrite, device.PropWrite},
	{ble.CharNotify, device.PropNotify},
	{ble.CharIndicate, device.PropIndicate},
	{ble.CharSignedWrite, device.PropAuthenticatedSignedWrites},
	{ble.CharExtended, device.PropExtendedProperties},
}

// NewProperties converts ble.Property bit flags to device properties.
func NewProperties(p ble.Property) device.Property {
	var props device.Property
	for _, m := range propertyMap {
		if p&m.ble != 0 {
			props |= m.dev
		}
	}
	return props
}

// useIndication reports whether a subscription must use indications: only when the
// characteristic indicates but cannot notify.
func useIndication(p ble.Property) bool {
	return p&ble.CharIndicate != 0 && p&ble.CharNotify == 0
}

// normalize returns the canonical form of a go-ble UUID
func normalize(u ble.UUID) string {
	return device.NormalizeUUID(u.String())
}

// parseFilter converts normalized UUID strings to a go-ble discovery filter; nil means all.
func parseFilter(uuids []string) ([]ble.UUID, error) {
	if uuids == nil {
		return nil, nil
	}
	normalized, err := device.ValidateUUID(uuids...)
	if err != nil {
		return nil, err
	}
	filter := make([]ble.UUID, 0, len(normalized))
	for _, u := range normalized {
		parsed, err := ble.Parse(u)
		if err != nil {
			return nil, err
		}
		filter = append(filter, parsed)
	}
	return filter, nil
}
