package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	gattq "github.com/srg/gattq"
	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/devicefactory"
	"github.com/srg/gattq/internal/logging"
	"github.com/srg/gattq/internal/lua"
	"github.com/srg/gattq/manager"
	"github.com/srg/gattq/pkg/config"
)

// disconnectGrace bounds the final disconnect issued when a command ends.
const disconnectGrace = 3 * time.Second

// session wires configuration, logging, radio, initializer and manager for one command.
type session struct {
	cmd         *cobra.Command
	cfg         *config.Config
	logger      *logrus.Logger
	history     *logging.HistoryHook
	radio       devicefactory.Radio
	initializer *lua.Initializer
	mgr         *manager.Manager
	out         *printer
	peripheral  string
}

// loadConfig reads --config over the defaults and applies the flags that were set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("timeout") {
		cfg.ConnectTimeout, _ = flags.GetDuration("timeout")
	}
	if flags.Changed("init-script") {
		cfg.InitializerScript, _ = flags.GetString("init-script")
	}
	if flags.Changed("json") {
		if asJSON, _ := flags.GetBool("json"); asJSON {
			cfg.OutputFormat = "json"
		} else {
			cfg.OutputFormat = "text"
		}
	}
	if flags.Changed("log-history") {
		cfg.LogHistory, _ = flags.GetInt("log-history")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadInitializer resolves a builtin script name first, then a file path.
func loadInitializer(ref string, logger *logrus.Logger) (*lua.Initializer, error) {
	if ref == "" {
		return nil, nil
	}
	if script, ok := gattq.BuiltinInitScripts[ref]; ok {
		return lua.NewInitializer(script, "builtin:"+ref, logger)
	}
	return lua.LoadInitializer(ref, logger)
}

func newSession(cmd *cobra.Command, peripheral string) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	s := &session{
		cmd:        cmd,
		cfg:        cfg,
		out:        newPrinter(cmd.OutOrStdout(), cfg.OutputFormat == "json"),
		peripheral: peripheral,
	}

	s.logger, s.history, err = configureLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	s.initializer, err = loadInitializer(cfg.InitializerScript, s.logger)
	if err != nil {
		return nil, err
	}

	s.radio, err = devicefactory.RadioFactory(s.logger)
	if err != nil {
		s.release()
		return nil, fmt.Errorf("failed to open radio: %w", err)
	}

	opts := []manager.Option{
		manager.WithLogger(s.logger),
		manager.WithBroadcastBuffer(cfg.BroadcastBuffer),
		manager.WithConnectOptions(&device.ConnectOptions{ConnectTimeout: cfg.ConnectTimeout}),
	}
	if s.initializer != nil {
		opts = append(opts, manager.WithInitializer(s.initializer.Func()))
	}
	s.mgr = manager.New(s.radio, opts...)
	return s, nil
}

// Close disconnects, disposes the manager and releases the radio. When the command failed
// and a log history is kept, the history is dumped to stderr.
func (s *session) Close(cmdErr error) {
	if s.mgr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), disconnectGrace)
		if _, err := await(ctx, s, func(cb manager.Callback[manager.DisconnectResponse]) manager.Operation {
			return manager.NewDisconnect(s.peripheral, cb)
		}); err != nil {
			s.logger.WithFields(logrus.Fields{"peripheral": s.peripheral, "error": err}).Debug("Final disconnect failed")
		}
		cancel()

		s.mgr.Dispose()
		<-s.mgr.Done()
	}
	s.release()

	if cmdErr != nil && s.history != nil && s.history.Written() > 0 {
		w := s.cmd.ErrOrStderr()
		fmt.Fprintln(w, "--- log history ---")
		if dropped := s.history.Overwritten(); dropped > 0 {
			fmt.Fprintf(w, "(%d older entries dropped)\n", dropped)
		}
		if err := s.history.Dump(w); err != nil {
			s.logger.WithError(err).Debug("Failed to dump log history")
		}
	}
}

func (s *session) release() {
	if s.initializer != nil {
		s.initializer.Close()
	}
	if s.radio != nil {
		if err := s.radio.Close(); err != nil {
			s.logger.WithError(err).Debug("Failed to close radio")
		}
	}
}

// await enqueues the operation built around a completion callback and waits for the
// callback or ctx, whichever comes first.
func await[T any](ctx context.Context, s *session, build func(cb manager.Callback[T]) manager.Operation) (T, error) {
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	op := build(func(v T, err error) {
		done <- result{value: v, err: err}
	})

	var zero T
	if err := s.mgr.Enqueue(op); err != nil {
		return zero, err
	}
	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// run executes a command body inside a session bound to peripheral.
func run(cmd *cobra.Command, peripheral string, body func(ctx context.Context, s *session) error) (err error) {
	s, err := newSession(cmd, peripheral)
	if err != nil {
		return err
	}
	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	progress := newProgress(cmd.ErrOrStderr(), fmt.Sprintf("%s %s", cmd.Name(), peripheral), s.mgr.ConnectionStates())
	s.out.before = progress.Stop
	defer func() {
		progress.Stop()
		s.Close(err)
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return body(ctx, s)
}
