package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/manager"
)

func newSubscribeCmd() *cobra.Command {
	var (
		count    int
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "subscribe <peripheral> <service> <characteristic>",
		Short: "Print characteristic notifications",
		Long: `Enables notifications (or indications) on a characteristic and prints every
value pushed by the peripheral until --count values arrived, --duration elapsed or
Ctrl+C is pressed. Notifications are disabled again before exiting.

Examples:
  # Heart rate measurements until Ctrl+C
  gattq subscribe AA:BB:CC:DD:EE:FF 180d 2a37

  # Ten measurements as JSON lines
  gattq subscribe AA:BB:CC:DD:EE:FF 180d 2a37 --count 10 --json

` + deviceAddressNote,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, characteristic, err := parseTarget(args[1], args[2])
			if err != nil {
				return err
			}
			if count < 0 {
				return fmt.Errorf("--count must not be negative: %d", count)
			}

			return run(cmd, args[0], func(ctx context.Context, s *session) error {
				return subscribe(ctx, s, service, characteristic, count, duration)
			})
		},
	}

	cmd.Flags().IntVar(&count, "count", 0, "Stop after this many notifications (0 = unlimited)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (0 = until Ctrl+C)")
	return cmd
}

func subscribe(ctx context.Context, s *session, service, characteristic string, count int, duration time.Duration) error {
	notifications := s.mgr.Notifications()
	defer notifications.Close()
	states := s.mgr.ConnectionStates()
	defer states.Close()

	setNotify := func(ctx context.Context, enabled bool) error {
		_, err := await(ctx, s, func(cb manager.Callback[manager.SetNotifyResponse]) manager.Operation {
			return manager.NewSetNotify(s.peripheral, service, characteristic, enabled, cb)
		})
		return err
	}
	if err := setNotify(ctx, true); err != nil {
		return err
	}
	s.out.Info("Subscribed to %s/%s (Ctrl+C to stop)", service, characteristic)

	err := receive(ctx, s, notifications.C(), states.C(), service, characteristic, count, duration)
	if err == nil {
		disableCtx, cancel := context.WithTimeout(context.Background(), disconnectGrace)
		defer cancel()
		if derr := setNotify(disableCtx, false); derr != nil {
			s.logger.WithFields(logrus.Fields{"char_uuid": characteristic, "error": derr}).Warn("Failed to disable notifications")
		}
	}
	return err
}

func receive(
	ctx context.Context,
	s *session,
	notifications <-chan manager.Notification,
	states <-chan manager.ConnectionEvent,
	service, characteristic string,
	count int,
	duration time.Duration,
) error {
	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}

	received := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			return nil
		case ev, ok := <-states:
			if !ok {
				return ErrConnectionLost
			}
			if ev.Peripheral == s.peripheral && ev.State == device.StateDisconnected {
				if ev.Err != nil {
					return fmt.Errorf("%w: %v", ErrConnectionLost, ev.Err)
				}
				return ErrConnectionLost
			}
		case n, ok := <-notifications:
			if !ok {
				return ErrConnectionLost
			}
			if n.Peripheral != s.peripheral || n.Service != service || n.Characteristic != characteristic {
				continue
			}
			if err := s.out.Value(newNotificationView(n), n.Value, false); err != nil {
				return err
			}
			received++
			if count > 0 && received >= count {
				return nil
			}
		}
	}
}
