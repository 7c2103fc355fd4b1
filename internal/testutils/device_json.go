package testutils

import (
	"encoding/hex"
	"encoding/json"

	"github.com/srg/gattq/internal/device"
)

type PeripheralJSON struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	State    string        `json:"state"`
	Services []ServiceJSON `json:"services"`
}

type ServiceJSON struct {
	UUID            string               `json:"uuid"`
	Characteristics []CharacteristicJSON `json:"characteristics"`
}

type CharacteristicJSON struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties"`
	Value      string `json:"value"`
}

// PeripheralToJSON renders a peripheral snapshot with hex encoded values.
// Undiscovered services and characteristics render as null.
func PeripheralToJSON(p *device.Peripheral) string {
	out := PeripheralJSON{ID: p.ID, Name: p.Name, State: p.State.String()}
	for _, svc := range p.Services {
		sj := ServiceJSON{UUID: svc.UUID}
		for _, c := range svc.Characteristics {
			sj.Characteristics = append(sj.Characteristics, CharacteristicJSON{
				UUID:       c.UUID,
				Properties: c.Properties.String(),
				Value:      hex.EncodeToString(c.Value),
			})
		}
		out.Services = append(out.Services, sj)
	}

	b, err := json.Marshal(out)
	if err != nil {
		panic(err)
	}
	return string(b)
}
