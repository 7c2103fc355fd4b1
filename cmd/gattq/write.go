package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/manager"
)

func newWriteCmd() *cobra.Command {
	var withoutResponse bool

	cmd := &cobra.Command{
		Use:   "write <peripheral> <service> <characteristic> <hex-data>",
		Short: "Write a characteristic value",
		Long: `Writes hex encoded data to one characteristic, acknowledged by default.

Examples:
  # Reset energy expended on a heart rate sensor
  gattq write AA:BB:CC:DD:EE:FF 180d 2a39 01

  # Unacknowledged write; spaces and 0x prefixes are accepted
  gattq write AA:BB:CC:DD:EE:FF 180d 2a39 "0x01 02" --without-response

` + deviceAddressNote,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, characteristic, err := parseTarget(args[1], args[2])
			if err != nil {
				return err
			}
			data, err := parseHex(args[3])
			if err != nil {
				return err
			}
			mode := device.WithResponse
			if withoutResponse {
				mode = device.WithoutResponse
			}

			return run(cmd, args[0], func(ctx context.Context, s *session) error {
				resp, err := await(ctx, s, func(cb manager.Callback[manager.WriteCharacteristicResponse]) manager.Operation {
					return manager.NewWriteCharacteristic(s.peripheral, service, characteristic, data, mode, cb)
				})
				if err != nil {
					return err
				}
				return s.out.Write(writeView{
					Peripheral:     s.peripheral,
					Service:        resp.Service,
					Characteristic: resp.Characteristic,
					Mode:           resp.Mode.String(),
					Bytes:          len(data),
				})
			})
		},
	}

	cmd.Flags().BoolVar(&withoutResponse, "without-response", false, "Use an unacknowledged write")
	return cmd
}

// parseTarget validates and normalizes a service/characteristic pair.
func parseTarget(service, characteristic string) (string, string, error) {
	uuids, err := device.ValidateUUID(service, characteristic)
	if err != nil {
		return "", "", fmt.Errorf("invalid UUID: %w", err)
	}
	return uuids[0], uuids[1], nil
}

// parseHex decodes hex data, tolerating spaces, colons and 0x prefixes.
func parseHex(s string) ([]byte, error) {
	cleaned := strings.NewReplacer(" ", "", ":", "", "0x", "", "0X", "").Replace(s)
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data %q: %w", s, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no data to write")
	}
	return data, nil
}
