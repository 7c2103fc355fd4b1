package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/srg/gattq/manager"
)

const deviceAddressNote = `The peripheral is addressed by its platform identifier: a MAC address on Linux,
a CoreBluetooth UUID on macOS.`

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <peripheral>",
		Short: "Connect to a peripheral and show it",
		Long: `Connects to the peripheral, runs the initializer script if one is configured,
prints what is known about the peripheral and disconnects.

Examples:
  gattq connect AA:BB:CC:DD:EE:FF
  gattq connect AA:BB:CC:DD:EE:FF --init-script heart-rate

` + deviceAddressNote,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], func(ctx context.Context, s *session) error {
				resp, err := await(ctx, s, func(cb manager.Callback[manager.ConnectResponse]) manager.Operation {
					return manager.NewConnect(s.peripheral, cb)
				})
				if err != nil {
					return err
				}
				return s.out.Peripheral(resp.Peripheral)
			})
		},
	}
}
