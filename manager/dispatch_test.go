package manager_test

import (
	"time"

	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/manager"
)

func (s *ManagerTestSuite) TestNotificationBroadcast() {
	// GOAL: Verify value pushes from notifying characteristics reach every subscriber
	//
	// TEST SCENARIO: Two subscribers → 2a37 (notify) emits → both receive it →
	//                2a39 (no notify) emits → nothing published

	s.connectAndDiscover(hrPeripheral)
	s.newManager()
	first := s.mgr.Notifications()
	defer first.Close()
	second := s.mgr.Notifications()
	defer second.Close()

	s.radio.EmitNotification(hrPeripheral, hrService, hrMeasurement, []byte{0x00, 0x50})
	s.radio.EmitNotification(hrPeripheral, hrService, hrControlPoint, []byte{0x09})
	s.settle()

	for _, sub := range []interface {
		C() <-chan manager.Notification
	}{first, second} {
		s.Require().Len(sub.C(), 1, "exactly one notification MUST be published")
		n := <-sub.C()
		s.Assert().Equal(hrPeripheral, n.Peripheral)
		s.Assert().Equal(hrService, n.Service)
		s.Assert().Equal(hrMeasurement, n.Characteristic)
		s.Assert().Equal([]byte{0x00, 0x50}, n.Value)
		s.Assert().NoError(n.Err)
	}
}

func (s *ManagerTestSuite) TestNotificationDoesNotResolveEarlyRead() {
	// GOAL: Verify a notification arriving before the read request does not resolve the read
	//
	// TEST SCENARIO: Read(2a37) waiting on characteristic discovery → notification for 2a37 →
	//                read still pending → discovery completes → read issued → read value resolves it

	s.radio.SetConnectionState(hrPeripheral, device.StateConnected)
	s.radio.DiscoverServicesOnly(hrPeripheral)
	s.newManager()
	read := newRecorder[manager.ReadCharacteristicResponse]()

	s.enqueue(manager.NewReadCharacteristic(hrPeripheral, hrService, hrMeasurement, read.callback()))
	s.radio.EmitNotification(hrPeripheral, hrService, hrMeasurement, []byte{0x00, 0x55})
	s.settle()
	s.Assert().Zero(read.count(), "notification MUST NOT resolve a read that was not issued")

	s.complete() // characteristic discovery
	s.complete() // read

	s.Require().Equal(1, read.count())
	resp, err := read.last()
	s.Require().NoError(err)
	s.Assert().Equal([]byte{0x00, 0x55}, resp.Value)
}

func (s *ManagerTestSuite) TestStrayEventsIgnored() {
	// GOAL: Verify events that do not match the active operation leave it untouched
	//
	// TEST SCENARIO: RSSI outstanding on P1 → events for P3, a write confirmation and a services
	//                discovery for P1 arrive → RSSI still active → its own event resolves it

	s.connectAndDiscover(hrPeripheral)
	s.newManager()
	rssi := newRecorder[manager.RSSIResponse]()
	s.enqueue(manager.NewReadRSSI(hrPeripheral, rssi.callback()))

	s.mgr.RSSIRead(otherPeripheral, -10, nil)
	s.mgr.CharacteristicWritten(hrPeripheral, hrService, hrControlPoint, nil)
	s.mgr.ServicesDiscovered(hrPeripheral, nil)
	s.mgr.CharacteristicsDiscovered(hrPeripheral, hrService, nil)
	s.mgr.NotifyStateChanged(hrPeripheral, hrService, hrMeasurement, true, nil)
	s.settle()

	s.Assert().Zero(rssi.count(), "stray events MUST NOT resolve the active operation")
	status := s.mgr.Status()
	s.Require().NotNil(status.Active)
	s.Assert().Equal(manager.KindReadRSSI, status.Active.Kind())

	s.complete()
	resp, err := rssi.last()
	s.Require().NoError(err)
	s.Assert().Equal(-42, resp.RSSI)
}

func (s *ManagerTestSuite) TestSetNotify() {
	// GOAL: Verify SetNotify toggles notifications and reports the resulting state
	//
	// TEST SCENARIO: Auto-respond, P1 discovered → enable 2a19 → enabled → disable → disabled

	s.connectAndDiscover(hrPeripheral)
	s.radio.SetAutoRespond(true)
	s.newManager()
	notify := newRecorder[manager.SetNotifyResponse]()

	s.enqueue(manager.NewSetNotify(hrPeripheral, batteryService, batteryLevel, true, notify.callback()))
	resp, err := notify.last()
	s.Require().NoError(err)
	s.Assert().True(resp.Enabled)
	s.Assert().True(s.radio.Notifying(hrPeripheral, batteryService, batteryLevel))

	s.enqueue(manager.NewSetNotify(hrPeripheral, batteryService, batteryLevel, false, notify.callback()))
	resp, err = notify.last()
	s.Require().NoError(err)
	s.Assert().False(resp.Enabled)
	s.Assert().False(s.radio.Notifying(hrPeripheral, batteryService, batteryLevel))
	s.Assert().Equal(2, notify.count())
}

func (s *ManagerTestSuite) TestConnectWhileConnected() {
	// GOAL: Verify Connect on an already connected and initialized peripheral resolves without radio traffic
	//
	// TEST SCENARIO: Connect twice → one radio connect, both resolve, initializer ran once

	s.radio.SetAutoRespond(true)
	var initCalls int
	s.newManager(manager.WithInitializer(func(*device.Peripheral) []manager.Operation {
		initCalls++
		return nil
	}))
	connect := newRecorder[manager.ConnectResponse]()

	s.enqueue(manager.NewConnect(hrPeripheral, connect.callback()))
	s.enqueue(manager.NewConnect(hrPeripheral, connect.callback()))

	s.Assert().Equal(2, connect.count(), "both connects MUST resolve")
	_, err := connect.last()
	s.Assert().NoError(err)
	s.Assert().Len(s.radio.Calls(), 1, "only the first connect MUST reach the radio")
	s.Assert().Equal(1, initCalls, "initializer MUST run once per link")
}

func (s *ManagerTestSuite) TestDiscoverSpecificServices() {
	// GOAL: Verify DiscoverServices with a filter reports exactly the requested services
	//
	// TEST SCENARIO: P1 connected → DiscoverServices([180F]) → response lists 180f only

	s.radio.SetConnectionState(hrPeripheral, device.StateConnected)
	s.radio.SetAutoRespond(true)
	s.newManager()
	discover := newRecorder[manager.DiscoverServicesResponse]()

	s.enqueue(manager.NewDiscoverServices(hrPeripheral, []string{"180F"}, discover.callback()))

	resp, err := discover.last()
	s.Require().NoError(err)
	s.Require().Len(resp.Services, 1)
	s.Assert().Equal(batteryService, resp.Services[0].UUID)
}

func (s *ManagerTestSuite) TestLongRunDoesNotBlock() {
	// GOAL: Verify many synchronously resolving operations drain without stalling the executor
	//
	// TEST SCENARIO: 500 Disconnects on a disconnected peripheral → all resolve in order

	s.newManager()
	done := make(chan struct{})
	var resolved int
	ops := make([]manager.Operation, 0, 500)
	for i := 0; i < 500; i++ {
		ops = append(ops, manager.NewDisconnect(hrPeripheral, func(_ manager.DisconnectResponse, err error) {
			s.Assert().NoError(err)
			resolved++
			if resolved == 500 {
				close(done)
			}
		}))
	}
	s.Require().NoError(s.mgr.Enqueue(ops...))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.Fail("operations MUST drain")
	}
}
