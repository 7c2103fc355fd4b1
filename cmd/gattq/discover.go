package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/manager"
)

func newDiscoverCmd() *cobra.Command {
	var services []string

	cmd := &cobra.Command{
		Use:   "discover <peripheral>",
		Short: "Discover services and characteristics",
		Long: `Discovers the peripheral's services, then the characteristics of every
discovered service, and prints the GATT layout.

Examples:
  # Everything
  gattq discover AA:BB:CC:DD:EE:FF

  # Only the heart rate and battery services
  gattq discover AA:BB:CC:DD:EE:FF --service 180d,180f --json

` + deviceAddressNote,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseUUIDList(services)
			if err != nil {
				return fmt.Errorf("invalid --service: %w", err)
			}

			return run(cmd, args[0], func(ctx context.Context, s *session) error {
				if _, err := await(ctx, s, func(cb manager.Callback[manager.DiscoverServicesResponse]) manager.Operation {
					return manager.NewDiscoverServices(s.peripheral, filter, cb)
				}); err != nil {
					return err
				}

				// An empty service means every discovered service.
				resp, err := await(ctx, s, func(cb manager.Callback[manager.DiscoverCharacteristicsResponse]) manager.Operation {
					return manager.NewDiscoverCharacteristics(s.peripheral, "", nil, cb)
				})
				if err != nil {
					return err
				}
				return s.out.Peripheral(onlyServices(resp.Peripheral, filter))
			})
		},
	}

	cmd.Flags().StringSliceVar(&services, "service", nil, "Service UUID(s) to discover, comma-separated (default: all)")
	return cmd
}

// parseUUIDList validates UUIDs given on the command line; nil means no filter.
func parseUUIDList(values []string) ([]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	return device.ValidateUUID(values...)
}

// onlyServices narrows a snapshot to the filtered services, keeping discovery order.
func onlyServices(p *device.Peripheral, filter []string) *device.Peripheral {
	if p == nil || filter == nil {
		return p
	}
	narrowed := *p
	narrowed.Services = nil
	for _, svc := range p.Services {
		for _, uuid := range filter {
			if svc.UUID == uuid {
				narrowed.Services = append(narrowed.Services, svc)
				break
			}
		}
	}
	return &narrowed
}
