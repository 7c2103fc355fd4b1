package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/srg/gattq/manager"
)

func newRSSICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rssi <peripheral>",
		Short: "Read the signal strength of the link",
		Long: `Connects if needed and reads the received signal strength.

Example:
  gattq rssi AA:BB:CC:DD:EE:FF --json

` + deviceAddressNote,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], func(ctx context.Context, s *session) error {
				resp, err := await(ctx, s, func(cb manager.Callback[manager.RSSIResponse]) manager.Operation {
					return manager.NewReadRSSI(s.peripheral, cb)
				})
				if err != nil {
					return err
				}
				return s.out.RSSI(rssiView{Peripheral: s.peripheral, RSSI: resp.RSSI})
			})
		},
	}
}
