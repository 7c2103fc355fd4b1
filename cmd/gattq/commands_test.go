package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/testutils"
)

var errRadio = errors.New("radio failure")

func (s *CommandTestSuite) TestConnect() {
	// GOAL: Verify connect prints the peripheral and leaves it disconnected
	//
	// TEST SCENARIO: connect P1 → header line printed → final disconnect issued → radio closed

	stdout, _, err := s.Execute("connect", testPeripheral)
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(stdout, "Peripheral P1 (HR Sensor) connected\n")
	s.Len(s.radio.CallsTo(testutils.CallCancelConnection), 1, "the command MUST disconnect before exiting")
	s.Equal(1, s.radio.closed, "the radio MUST be closed")
}

func (s *CommandTestSuite) TestDiscover() {
	// GOAL: Verify discover prints the whole GATT layout in discovery order
	//
	// TEST SCENARIO: discover P1 → every service with its characteristics and properties

	stdout, _, err := s.Execute("discover", testPeripheral)
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(stdout, `
Peripheral P1 (HR Sensor) connected
Service 180d
  2a37  Read,Notify
  2a39  WriteWithoutResponse,Write
Service 180f
  2a19  Read,Notify
`)
}

func (s *CommandTestSuite) TestDiscoverJSON() {
	stdout, _, err := s.Execute("discover", testPeripheral, "--service", "180F", "--json")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(stdout, `{
		"id": "P1",
		"name": "HR Sensor",
		"state": "connected",
		"services": [
			{"uuid": "180f", "characteristics": [{"uuid": "2a19", "properties": "Read,Notify"}]}
		]
	}`)
	s.Equal([]string{"180f"}, s.radio.CallsTo(testutils.CallDiscoverServices)[0].UUIDs,
		"the service filter MUST be forwarded to the radio")
}

func (s *CommandTestSuite) TestRead() {
	cases := []struct {
		name     string
		args     []string
		expected string
	}{
		{"hex text", []string{"read", testPeripheral, "180f", "2a19"}, "2a19: 57\n"},
		{"raw bytes", []string{"read", testPeripheral, "180f", "2a19", "--raw"}, "\x57"},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			stdout, _, err := s.Execute(tc.args...)
			s.Require().NoError(err)
			s.Equal(tc.expected, stdout)
		})
	}
}

func (s *CommandTestSuite) TestReadJSON() {
	stdout, _, err := s.Execute("read", testPeripheral, "180d", "2a37", "--json")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(stdout, `{
		"peripheral": "P1",
		"service": "180d",
		"characteristic": "2a37",
		"value": "0048"
	}`)
}

func (s *CommandTestSuite) TestWrite() {
	// GOAL: Verify write decodes hex input and honours the write mode
	//
	// TEST SCENARIO: write "0x01 02" without response → radio holds 0102 → summary printed

	stdout, _, err := s.Execute("write", testPeripheral, "180d", "2a39", "0x01 02", "--without-response")
	s.Require().NoError(err)

	s.Equal("Wrote 2 bytes to 2a39 (without_response)\n", stdout)
	s.Equal([]byte{0x01, 0x02}, s.radio.Value(testPeripheral, "180d", "2a39"))
	writes := s.radio.CallsTo(testutils.CallWriteValue)
	s.Require().Len(writes, 1)
	s.Equal(device.WithoutResponse, writes[0].Mode)
}

func (s *CommandTestSuite) TestRSSI() {
	stdout, _, err := s.Execute("rssi", testPeripheral)
	s.Require().NoError(err)
	s.Equal("RSSI -42 dBm\n", stdout)

	stdout, _, err = s.Execute("rssi", testPeripheral, "--json")
	s.Require().NoError(err)
	testutils.NewJSONAsserter(s.T()).Assert(stdout, `{"peripheral": "P1", "rssi": -42}`)
}

func (s *CommandTestSuite) TestArgumentErrors() {
	cases := []struct {
		name string
		args []string
	}{
		{"bad hex", []string{"write", testPeripheral, "180d", "2a39", "zz"}},
		{"empty data", []string{"write", testPeripheral, "180d", "2a39", "0x"}},
		{"bad uuid", []string{"read", testPeripheral, "nope", "2a19"}},
		{"bad service filter", []string{"discover", testPeripheral, "--service", "xyz"}},
		{"negative count", []string{"subscribe", testPeripheral, "180d", "2a37", "--count", "-1"}},
		{"missing args", []string{"read", testPeripheral}},
		{"bad log level", []string{"rssi", testPeripheral, "--log-level", "loud"}},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, _, err := s.Execute(tc.args...)
			s.Error(err)
		})
	}
	s.Empty(s.radio.Calls(), "invalid arguments MUST NOT reach the radio")
}

func (s *CommandTestSuite) TestOperationFailures() {
	// GOAL: Verify radio-side failures surface as user-facing messages
	//
	// TEST SCENARIO: missing characteristic, unknown peripheral, failed connect, radio off

	s.Run("characteristic not found", func() {
		_, _, err := s.Execute("read", testPeripheral, "180f", "2a99")
		var notFound *device.NotFoundError
		s.Require().ErrorAs(err, &notFound)
		s.Contains(FormatUserError(err), "gattq discover")
	})

	s.Run("unknown peripheral", func() {
		_, _, err := s.Execute("connect", "P9")
		var notFound *device.NotFoundError
		s.Require().ErrorAs(err, &notFound)
		s.Equal("peripheral", notFound.Resource)
	})

	s.Run("connect failure", func() {
		s.radio.FailNextEvent(testutils.CallConnect, errRadio)
		_, _, err := s.Execute("rssi", testPeripheral)
		s.Require().ErrorIs(err, device.ErrConnectFailed)
		s.ErrorIs(err, errRadio)
		s.Contains(FormatUserError(err), "could not connect")
	})

	s.Run("radio unavailable", func() {
		s.factoryErr = device.ErrBluetoothOff
		_, _, err := s.Execute("connect", testPeripheral)
		s.Require().ErrorIs(err, device.ErrBluetoothOff)
		s.Equal("Bluetooth is turned off; enable it and retry", FormatUserError(err))
	})
}

func (s *CommandTestSuite) TestLogHistoryDumpedOnFailure() {
	_, stderr, err := s.Execute("read", testPeripheral, "180f", "2a99", "--log-history", "64")
	s.Require().Error(err)
	s.Contains(stderr, "--- log history ---")
	s.Contains(stderr, "level=debug", "the history MUST hold entries below the terminal level")

	_, stderr, err = s.Execute("read", testPeripheral, "180f", "2a99", "--log-history", "0")
	s.Require().Error(err)
	s.NotContains(stderr, "--- log history ---", "a zero history MUST disable the dump")

	_, stderr, err = s.Execute("read", testPeripheral, "180f", "2a19", "--log-history", "64")
	s.Require().NoError(err)
	s.NotContains(stderr, "--- log history ---", "successful commands MUST NOT dump the history")
}

func (s *CommandTestSuite) TestConfigFile() {
	dir := s.T().TempDir()
	path := filepath.Join(dir, "gattq.yaml")
	s.Require().NoError(os.WriteFile(path, []byte("output_format: json\nconnect_timeout: 2s\n"), 0o600))

	stdout, _, err := s.Execute("rssi", testPeripheral, "--config", path)
	s.Require().NoError(err)
	testutils.NewJSONAsserter(s.T()).Assert(stdout, `{"rssi": -42}`)

	stdout, _, err = s.Execute("rssi", testPeripheral, "--config", path, "--json=false")
	s.Require().NoError(err)
	s.Equal("RSSI -42 dBm\n", stdout, "flags MUST override the file")

	_, _, err = s.Execute("rssi", testPeripheral, "--config", filepath.Join(dir, "missing.yaml"))
	s.Error(err)
}

func (s *CommandTestSuite) TestInitScript() {
	// GOAL: Verify --init-script runs the script on connect, builtin name or file path
	//
	// TEST SCENARIO: connect with heart-rate builtin → notify enabled and battery read;
	// connect with a file script → its RSSI read issued

	_, _, err := s.Execute("connect", testPeripheral, "--init-script", "heart-rate")
	s.Require().NoError(err)
	s.Len(s.radio.CallsTo(testutils.CallSetNotifyValue), 1)
	s.Len(s.radio.CallsTo(testutils.CallReadValue), 1)

	path := filepath.Join(s.T().TempDir(), "init.lua")
	s.Require().NoError(os.WriteFile(path, []byte(`function on_connect(p) return { { op = "rssi" } } end`), 0o600))
	_, _, err = s.Execute("connect", testPeripheral, "--init-script", path)
	s.Require().NoError(err)
	s.Len(s.radio.CallsTo(testutils.CallReadRSSI), 1)

	_, _, err = s.Execute("connect", testPeripheral, "--init-script", filepath.Join(s.T().TempDir(), "missing.lua"))
	s.Error(err, "a missing script MUST fail the command")
}

func (s *CommandTestSuite) TestSubscribe() {
	// GOAL: Verify subscribe prints pushed values, stops at --count and disables notifications
	//
	// TEST SCENARIO: subscribe --count 2 --json → two notifications emitted → two JSON lines →
	// notify turned off again

	type result struct {
		stdout string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stdout, _, err := s.Execute("subscribe", testPeripheral, "180d", "2a37", "--count", "2", "--json")
		done <- result{stdout, err}
	}()

	s.Require().Eventually(func() bool {
		return s.radio.Notifying(testPeripheral, "180d", "2a37")
	}, 2*time.Second, 5*time.Millisecond, "notifications MUST be enabled")

	s.radio.EmitNotification(testPeripheral, "180d", "2a37", []byte{0x00, 0x48})
	s.radio.EmitNotification(testPeripheral, "180d", "2a37", []byte{0x00, 0x49})

	select {
	case r := <-done:
		s.Require().NoError(r.err)
		testutils.NewJSONAsserter(s.T()).AssertLines(r.stdout, `[
			{"peripheral": "P1", "service": "180d", "characteristic": "2a37", "value": "0048"},
			{"peripheral": "P1", "service": "180d", "characteristic": "2a37", "value": "0049"}
		]`)
	case <-time.After(2 * time.Second):
		s.FailNow("subscribe did not stop after --count notifications")
	}

	calls := s.radio.CallsTo(testutils.CallSetNotifyValue)
	s.Require().Len(calls, 2)
	s.False(calls[1].Enabled, "notifications MUST be disabled before exiting")
}

func (s *CommandTestSuite) TestSubscribeStops() {
	s.Run("interrupted", func() {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, _, err := s.ExecuteContext(ctx, "subscribe", testPeripheral, "180d", "2a37")
			done <- err
		}()

		s.Require().Eventually(func() bool {
			return s.radio.Notifying(testPeripheral, "180d", "2a37")
		}, 2*time.Second, 5*time.Millisecond)
		cancel()

		select {
		case err := <-done:
			s.NoError(err, "Ctrl+C MUST be a clean exit")
		case <-time.After(2 * time.Second):
			s.FailNow("subscribe did not stop on cancel")
		}
	})

	s.Run("duration", func() {
		_, _, err := s.Execute("subscribe", testPeripheral, "180d", "2a37", "--duration", "50ms")
		s.NoError(err)
	})

	s.Run("connection lost", func() {
		done := make(chan error, 1)
		go func() {
			_, _, err := s.Execute("subscribe", testPeripheral, "180f", "2a19")
			done <- err
		}()

		s.Require().Eventually(func() bool {
			return s.radio.Notifying(testPeripheral, "180f", "2a19")
		}, 2*time.Second, 5*time.Millisecond)
		s.radio.EmitDisconnect(testPeripheral, errRadio)

		select {
		case err := <-done:
			s.ErrorIs(err, ErrConnectionLost)
			s.Contains(FormatUserError(err), "disconnected")
		case <-time.After(2 * time.Second):
			s.FailNow("subscribe did not notice the dropped link")
		}
	})
}
