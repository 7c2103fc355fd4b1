package main

import (
	"context"
	"encoding/hex"

	"github.com/spf13/cobra"

	"github.com/srg/gattq/manager"
)

func newReadCmd() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "read <peripheral> <service> <characteristic>",
		Short: "Read a characteristic value",
		Long: `Reads one characteristic. The service and characteristic are discovered on
demand when they are not known yet.

Examples:
  # Battery level, printed as hex
  gattq read AA:BB:CC:DD:EE:FF 180f 2a19

  # Raw bytes to stdout
  gattq read AA:BB:CC:DD:EE:FF 180f 2a19 --raw > level.bin

` + deviceAddressNote,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, characteristic, err := parseTarget(args[1], args[2])
			if err != nil {
				return err
			}

			return run(cmd, args[0], func(ctx context.Context, s *session) error {
				resp, err := await(ctx, s, func(cb manager.Callback[manager.ReadCharacteristicResponse]) manager.Operation {
					return manager.NewReadCharacteristic(s.peripheral, service, characteristic, cb)
				})
				if err != nil {
					return err
				}
				return s.out.Value(valueView{
					Peripheral:     s.peripheral,
					Service:        service,
					Characteristic: characteristic,
					Value:          hex.EncodeToString(resp.Value),
				}, resp.Value, raw)
			})
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "Write the raw bytes to stdout instead of hex (text output only)")
	return cmd
}
