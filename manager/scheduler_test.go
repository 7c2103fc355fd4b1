package manager_test

import (
	"errors"

	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/testutils"
	"github.com/srg/gattq/manager"
)

func (s *ManagerTestSuite) TestConnectWithoutInitializer() {
	// GOAL: Verify a plain connect resolves once and leaves the scheduler idle and initialized
	//
	// TEST SCENARIO: Enqueue Connect(P1) → radio reports connect success → Connect resolves once → initialized, idle

	s.newManager()
	connect := newRecorder[manager.ConnectResponse]()

	s.enqueue(manager.NewConnect(hrPeripheral, connect.callback()))

	s.Require().Len(s.radio.CallsTo(testutils.CallConnect), 1, "connect MUST be issued to the radio")
	s.Assert().Equal(0, connect.count(), "Connect MUST NOT resolve before the radio event")

	s.complete()

	s.Require().Equal(1, connect.count(), "Connect MUST resolve exactly once")
	resp, err := connect.last()
	s.Require().NoError(err, "Connect MUST succeed")
	s.Assert().Equal(hrPeripheral, resp.Peripheral.ID, "response MUST carry the connected peripheral")
	s.Assert().Equal(device.StateConnected, resp.Peripheral.State, "response snapshot MUST be connected")

	status := s.mgr.Status()
	s.Assert().True(status.Initialized, "manager MUST be initialized without an initializer")
	s.Assert().Nil(status.Active, "active slot MUST be empty when idle")
	s.Assert().Equal(hrPeripheral, status.Connected, "connected peripheral MUST be tracked")
	s.Assert().Zero(status.Queued, "main queue MUST be empty")

	s.settle()
	s.Assert().Equal(1, connect.count(), "Connect MUST NOT resolve again")
}

// @dependsOn TestConnectWithoutInitializer
func (s *ManagerTestSuite) TestConnectWithInitializer() {
	// GOAL: Verify the initializer's operations run before Connect resolves
	//
	// TEST SCENARIO: Initializer returns [DiscoverServices] → connect success → Connect parked, init op active →
	//                discovery completes → init op resolves, then Connect resolves, initialized

	discover := newRecorder[manager.DiscoverServicesResponse]()
	var initCalls int
	s.newManager(manager.WithInitializer(func(p *device.Peripheral) []manager.Operation {
		initCalls++
		return []manager.Operation{manager.NewDiscoverServices(p.ID, nil, discover.callback())}
	}))
	connect := newRecorder[manager.ConnectResponse]()

	s.enqueue(manager.NewConnect(hrPeripheral, connect.callback()))
	s.complete()

	s.Assert().Equal(1, initCalls, "initializer MUST run once per successful connect")
	s.Assert().Equal(0, connect.count(), "Connect MUST NOT resolve while init operations are pending")

	status := s.mgr.Status()
	s.Require().NotNil(status.Active, "an init operation MUST be active")
	s.Assert().Equal(manager.KindDiscoverServices, status.Active.Kind(), "DiscoverServices MUST run as the init operation")
	s.Assert().True(status.ActiveIsInit, "active operation MUST come from the init queue")
	s.Require().NotNil(status.Parked, "Connect MUST be parked")
	s.Assert().Equal(manager.KindConnect, status.Parked.Kind(), "parked operation MUST be the Connect")
	s.Assert().False(status.Initialized, "manager MUST NOT be initialized while init runs")
	s.Require().Len(s.radio.CallsTo(testutils.CallDiscoverServices), 1, "init discovery MUST be issued")

	s.complete()

	s.Require().Equal(1, discover.count(), "init operation MUST resolve")
	resp, err := discover.last()
	s.Require().NoError(err, "init discovery MUST succeed")
	s.Assert().Len(resp.Services, 2, "all services MUST be discovered")

	s.Require().Equal(1, connect.count(), "Connect MUST resolve after the init queue drains")
	_, err = connect.last()
	s.Assert().NoError(err, "Connect MUST succeed")

	status = s.mgr.Status()
	s.Assert().True(status.Initialized, "manager MUST be initialized after init drains")
	s.Assert().Nil(status.Active, "manager MUST be idle")
	s.Assert().Nil(status.Parked, "nothing MUST stay parked")
}

// @dependsOn TestConnectWithoutInitializer
func (s *ManagerTestSuite) TestCorrectiveDiscoveryChainForWrite() {
	// GOAL: Verify a write on an undiscovered characteristic runs exactly one corrective step per missing level
	//
	// TEST SCENARIO: P1 connected, nothing discovered → Write(180d/2a39) → discoverServices([180d]) →
	//                discoverCharacteristics([2a39], 180d) → write issued → confirmation resolves Write once

	s.radio.SetConnectionState(hrPeripheral, device.StateConnected)
	s.newManager()
	write := newRecorder[manager.WriteCharacteristicResponse]()

	s.enqueue(manager.NewWriteCharacteristic(hrPeripheral, hrService, hrControlPoint, []byte{0x01}, device.WithResponse, write.callback()))

	calls := s.radio.Calls()
	s.Require().Len(calls, 1, "exactly one corrective request MUST be issued")
	s.Assert().Equal(testutils.CallDiscoverServices, calls[0].Method, "missing service MUST trigger service discovery")
	s.Assert().Equal([]string{hrService}, calls[0].UUIDs, "discovery MUST target exactly the required service")

	s.complete()

	calls = s.radio.Calls()
	s.Require().Len(calls, 2, "write MUST re-execute and issue one more corrective request")
	s.Assert().Equal(testutils.CallDiscoverCharacteristics, calls[1].Method, "missing characteristic MUST trigger characteristic discovery")
	s.Assert().Equal(hrService, calls[1].Service, "characteristic discovery MUST target the required service")
	s.Assert().Equal([]string{hrControlPoint}, calls[1].UUIDs, "characteristic discovery MUST target exactly the required characteristic")
	s.Assert().Equal(0, write.count(), "Write MUST NOT resolve during corrective steps")

	s.complete()

	calls = s.radio.Calls()
	s.Require().Len(calls, 3, "the actual write MUST be issued")
	s.Assert().Equal(testutils.CallWriteValue, calls[2].Method)
	s.Assert().Equal([]byte{0x01}, calls[2].Data, "payload MUST be forwarded")
	s.Assert().Equal(0, write.count(), "Write MUST wait for confirmation")

	s.complete()

	s.Require().Equal(1, write.count(), "Write MUST resolve exactly once")
	resp, err := write.last()
	s.Require().NoError(err)
	s.Assert().Equal(hrControlPoint, resp.Characteristic)
	s.Assert().Equal([]byte{0x01}, s.radio.Value(hrPeripheral, hrService, hrControlPoint), "value MUST reach the peripheral")
	s.Assert().Empty(s.radio.Pending(), "no radio request MUST stay outstanding")
}

func (s *ManagerTestSuite) TestFanOutCharacteristicDiscovery() {
	// GOAL: Verify a service-less DiscoverCharacteristics resolves only after every service reported
	//
	// TEST SCENARIO: P1 connected with 2 services discovered → fan-out issues 2 requests →
	//                completions released in reverse order → resolves only after the second

	s.radio.SetConnectionState(hrPeripheral, device.StateConnected)
	s.radio.DiscoverServicesOnly(hrPeripheral)
	s.newManager()
	discover := newRecorder[manager.DiscoverCharacteristicsResponse]()

	s.enqueue(manager.NewDiscoverCharacteristics(hrPeripheral, "", nil, discover.callback()))

	pending := s.radio.Pending()
	s.Require().Len(pending, 2, "one discovery per discovered service MUST be issued")
	s.Assert().ElementsMatch([]string{hrService, batteryService}, []string{pending[0].Service, pending[1].Service})

	s.Require().True(s.radio.CompleteAt(1), "second completion MUST be releasable first")
	s.settle()
	s.Assert().Equal(0, discover.count(), "fan-out MUST NOT resolve while a service is outstanding")
	s.Require().NotNil(s.mgr.Status().Active, "fan-out MUST stay active")

	s.complete()

	s.Require().Equal(1, discover.count(), "fan-out MUST resolve once every service reported")
	resp, err := discover.last()
	s.Require().NoError(err)
	s.Require().Len(resp.Services, 2, "response MUST list every reported service")
	for _, svc := range resp.Services {
		s.Assert().NotEmpty(svc.Characteristics, "service %s MUST have discovered characteristics", svc.UUID)
	}
}

func (s *ManagerTestSuite) TestFanOutEdgeCases() {
	s.Run("no services discovered yet", func() {
		// GOAL: Verify a fan-out before any service discovery fails with ServiceNotDiscovered
		//
		// TEST SCENARIO: P1 connected, discovery never ran → fan-out → ErrServiceNotDiscovered

		s.SetupTest()
		s.radio.SetConnectionState(hrPeripheral, device.StateConnected)
		s.newManager()
		discover := newRecorder[manager.DiscoverCharacteristicsResponse]()

		s.enqueue(manager.NewDiscoverCharacteristics(hrPeripheral, "", nil, discover.callback()))

		s.Require().Equal(1, discover.count())
		_, err := discover.last()
		s.Assert().ErrorIs(err, device.ErrServiceNotDiscovered, "fan-out MUST require discovered services")
		s.TearDownTest()
	})

	s.Run("zero discovered services", func() {
		// GOAL: Verify a fan-out over an empty discovered set resolves immediately
		//
		// TEST SCENARIO: P2 connected with no services → fan-out → success with no services, no radio request

		s.SetupTest()
		s.radio.SetConnectionState(emptyPeripheral, device.StateConnected)
		s.radio.DiscoverAll(emptyPeripheral)
		s.newManager()
		discover := newRecorder[manager.DiscoverCharacteristicsResponse]()

		s.enqueue(manager.NewDiscoverCharacteristics(emptyPeripheral, "", nil, discover.callback()))

		s.Require().Equal(1, discover.count(), "empty fan-out MUST resolve immediately")
		resp, err := discover.last()
		s.Require().NoError(err)
		s.Assert().Empty(resp.Services)
		s.Assert().Empty(s.radio.CallsTo(testutils.CallDiscoverCharacteristics), "no discovery MUST be issued")
		s.TearDownTest()
	})
}

func (s *ManagerTestSuite) TestFIFOOrder() {
	// GOAL: Verify operations needing no corrective step complete in submission order
	//
	// TEST SCENARIO: P1 connected and discovered, auto-respond → Read, Write, RSSI, Read → callbacks in the same order

	s.connectAndDiscover(hrPeripheral)
	s.radio.SetAutoRespond(true)
	s.newManager()

	var order []string
	s.enqueue(
		manager.NewReadCharacteristic(hrPeripheral, hrService, hrMeasurement, func(_ manager.ReadCharacteristicResponse, err error) {
			s.Assert().NoError(err)
			order = append(order, "read-measurement")
		}),
		manager.NewWriteCharacteristic(hrPeripheral, hrService, hrControlPoint, []byte{0x02}, device.WithoutResponse, func(_ manager.WriteCharacteristicResponse, err error) {
			s.Assert().NoError(err)
			order = append(order, "write")
		}),
		manager.NewReadRSSI(hrPeripheral, func(_ manager.RSSIResponse, err error) {
			s.Assert().NoError(err)
			order = append(order, "rssi")
		}),
		manager.NewReadCharacteristic(hrPeripheral, batteryService, batteryLevel, func(_ manager.ReadCharacteristicResponse, err error) {
			s.Assert().NoError(err)
			order = append(order, "read-battery")
		}),
	)

	s.Assert().Equal([]string{"read-measurement", "write", "rssi", "read-battery"}, order, "completions MUST follow submission order")

	var methods []string
	for _, c := range s.radio.Calls() {
		methods = append(methods, c.Method)
	}
	s.Assert().Equal([]string{
		testutils.CallReadValue,
		testutils.CallWriteValue,
		testutils.CallReadRSSI,
		testutils.CallReadValue,
	}, methods, "radio requests MUST follow submission order")
}

func (s *ManagerTestSuite) TestSingleActiveOperation() {
	// GOAL: Verify only one radio request is outstanding at a time
	//
	// TEST SCENARIO: Enqueue 3 reads from several goroutines → only one read issued → each completion releases the next

	s.connectAndDiscover(hrPeripheral)
	s.newManager()
	read := newRecorder[manager.ReadCharacteristicResponse]()

	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		go func() {
			s.Assert().NoError(s.mgr.Enqueue(manager.NewReadCharacteristic(hrPeripheral, hrService, hrMeasurement, read.callback())))
			done <- struct{}{}
		}()
	}
	for i := 0; i < 3; i++ {
		<-done
	}
	s.settle()

	for i := 1; i <= 3; i++ {
		s.Require().Len(s.radio.Pending(), 1, "exactly one radio request MUST be outstanding")
		s.complete()
		s.Assert().Equal(i, read.count(), "reads MUST resolve one at a time")
	}
	s.Assert().Empty(s.radio.Pending())
}

// @dependsOn TestConnectWithoutInitializer
func (s *ManagerTestSuite) TestCorrectiveConnect() {
	// GOAL: Verify an operation on a disconnected peripheral connects first, runs the initializer, then resumes
	//
	// TEST SCENARIO: Auto-respond, initializer enables notifications → Read(2a19) on disconnected P1 →
	//                connect, init SetNotify, service + characteristic discovery, read → value returned

	s.radio.SetAutoRespond(true)
	notify := newRecorder[manager.SetNotifyResponse]()
	s.newManager(manager.WithInitializer(func(p *device.Peripheral) []manager.Operation {
		return []manager.Operation{manager.NewSetNotify(p.ID, hrService, hrMeasurement, true, notify.callback())}
	}))
	read := newRecorder[manager.ReadCharacteristicResponse]()

	s.enqueue(manager.NewReadCharacteristic(hrPeripheral, batteryService, batteryLevel, read.callback()))

	s.Require().Equal(1, notify.count(), "init operation MUST run")
	_, err := notify.last()
	s.Require().NoError(err)
	s.Assert().True(s.radio.Notifying(hrPeripheral, hrService, hrMeasurement), "notifications MUST be enabled by the initializer")

	s.Require().Equal(1, read.count(), "read MUST resolve")
	resp, err := read.last()
	s.Require().NoError(err)
	s.Assert().Equal([]byte{87}, resp.Value, "battery level MUST be read")

	s.Assert().Equal(
		"Connect(P1)\n"+
			"DiscoverServices(P1, [180d])\n"+
			"DiscoverCharacteristics(P1, 180d, [2a37])\n"+
			"SetNotifyValue(P1, 180d, 2a37)\n"+
			"DiscoverServices(P1, [180f])\n"+
			"DiscoverCharacteristics(P1, 180f, [2a19])\n"+
			"ReadValue(P1, 180f, 2a19)\n",
		s.radio.CallTrace(), "init MUST run to completion before the waiting read resumes")
}

func (s *ManagerTestSuite) TestReadinessGate() {
	// GOAL: Verify execution waits for a transiently unready radio and resumes on the state change
	//
	// TEST SCENARIO: Radio resetting → Connect enqueued → nothing issued, waiting → radio powered on → connect issued

	s.radio.SetState(device.RadioResetting)
	s.newManager()
	connect := newRecorder[manager.ConnectResponse]()

	s.enqueue(manager.NewConnect(hrPeripheral, connect.callback()))

	s.Assert().Empty(s.radio.Calls(), "nothing MUST be issued while the radio is not ready")
	status := s.mgr.Status()
	s.Assert().True(status.WaitingForReady, "manager MUST wait for readiness")
	s.Require().NotNil(status.Active, "operation MUST stay active while waiting")

	states := s.mgr.RadioStates()
	defer states.Close()
	s.radio.SetState(device.RadioPoweredOn)
	s.settle()

	s.Assert().Equal(device.RadioPoweredOn, <-states.C(), "radio state MUST be broadcast")
	s.Assert().Len(s.radio.CallsTo(testutils.CallConnect), 1, "connect MUST be issued once the radio is ready")
	s.Assert().False(s.mgr.Status().WaitingForReady, "waiting flag MUST be cleared")

	s.complete()
	s.Assert().Equal(1, connect.count())
}

func (s *ManagerTestSuite) TestRadioUnavailable() {
	// GOAL: Verify a permanently unavailable radio fails the operation
	//
	// TEST SCENARIO: Radio powered off → Connect → ErrBluetoothOff, queue cleared

	s.radio.SetState(device.RadioPoweredOff)
	s.newManager()
	connect := newRecorder[manager.ConnectResponse]()
	read := newRecorder[manager.ReadCharacteristicResponse]()

	s.enqueue(
		manager.NewConnect(hrPeripheral, connect.callback()),
		manager.NewReadCharacteristic(hrPeripheral, hrService, hrMeasurement, read.callback()),
	)

	_, err := connect.last()
	s.Assert().ErrorIs(err, device.ErrBluetoothOff, "powered off radio MUST fail the operation")
	_, err = read.last()
	var aborted *manager.AbortedError
	s.Assert().ErrorAs(err, &aborted, "queued operation MUST be aborted")
	s.Assert().Empty(s.radio.Calls(), "nothing MUST reach the radio")
}

func (s *ManagerTestSuite) TestEnqueueFromCallback() {
	// GOAL: Verify a completion callback can enqueue follow-up work
	//
	// TEST SCENARIO: Connect callback enqueues RSSI → both resolve

	s.radio.SetAutoRespond(true)
	s.newManager()
	rssi := newRecorder[manager.RSSIResponse]()

	s.enqueue(manager.NewConnect(hrPeripheral, func(resp manager.ConnectResponse, err error) {
		s.Require().NoError(err)
		s.Assert().NoError(s.mgr.Enqueue(manager.NewReadRSSI(resp.Peripheral.ID, rssi.callback())))
	}))

	s.Require().Equal(1, rssi.count())
	resp, err := rssi.last()
	s.Require().NoError(err)
	s.Assert().Equal(-42, resp.RSSI, "RSSI MUST come from the peripheral")
}

func (s *ManagerTestSuite) TestDisconnect() {
	s.Run("already disconnected", func() {
		// GOAL: Verify Disconnect on a disconnected peripheral succeeds without a radio request
		s.SetupTest()
		s.newManager()
		disconnect := newRecorder[manager.DisconnectResponse]()

		s.enqueue(manager.NewDisconnect(hrPeripheral, disconnect.callback()))

		s.Require().Equal(1, disconnect.count())
		_, err := disconnect.last()
		s.Assert().NoError(err)
		s.Assert().Empty(s.radio.Calls(), "no radio request MUST be issued")
		s.TearDownTest()
	})

	s.Run("connected", func() {
		// GOAL: Verify Disconnect cancels the link and resolves on the disconnect event
		//
		// TEST SCENARIO: Connect → Disconnect → cancel issued → disconnected event → success, connection cleared
		s.SetupTest()
		s.radio.SetAutoRespond(true)
		s.newManager()
		disconnect := newRecorder[manager.DisconnectResponse]()
		states := s.mgr.ConnectionStates()
		defer states.Close()

		s.enqueue(
			manager.NewConnect(hrPeripheral, nil),
			manager.NewDisconnect(hrPeripheral, disconnect.callback()),
		)

		s.Require().Equal(1, disconnect.count())
		_, err := disconnect.last()
		s.Assert().NoError(err)
		s.Assert().Len(s.radio.CallsTo(testutils.CallCancelConnection), 1, "cancel MUST be issued")

		status := s.mgr.Status()
		s.Assert().Empty(status.Connected, "connected peripheral MUST be cleared")
		s.Assert().False(status.Initialized, "initialized MUST reset on disconnect")

		var seen []device.ConnectionState
		for len(states.C()) > 0 {
			seen = append(seen, (<-states.C()).State)
		}
		s.Assert().Equal([]device.ConnectionState{
			device.StateConnecting,
			device.StateConnected,
			device.StateDisconnecting,
			device.StateDisconnected,
		}, seen, "every transition MUST be broadcast in order")
		s.TearDownTest()
	})
}

func (s *ManagerTestSuite) TestAlreadyInUse() {
	// GOAL: Verify an operation for another peripheral is rejected while one is in focus
	//
	// TEST SCENARIO: Connect P1 → Connect P3 → AlreadyInUseError naming P1, P1 link untouched

	s.radio.SetAutoRespond(true)
	s.newManager()
	other := newRecorder[manager.ConnectResponse]()

	s.enqueue(manager.NewConnect(hrPeripheral, nil))
	s.enqueue(manager.NewConnect(otherPeripheral, other.callback()))

	s.Require().Equal(1, other.count())
	_, err := other.last()
	var inUse *device.AlreadyInUseError
	s.Require().ErrorAs(err, &inUse, "second peripheral MUST be rejected")
	s.Assert().Equal(hrPeripheral, inUse.Peripheral, "error MUST name the peripheral in focus")
	s.Assert().Empty(s.radio.CallsTo(testutils.CallCancelConnection), "focused link MUST NOT be torn down")
	s.Assert().Equal(hrPeripheral, s.mgr.Status().Connected)

	// after disconnecting, the other peripheral is usable
	s.enqueue(manager.NewDisconnect(hrPeripheral, nil))
	s.enqueue(manager.NewConnect(otherPeripheral, other.callback()))
	_, err = other.last()
	s.Assert().NoError(err, "other peripheral MUST connect once the focus is released")
}

func (s *ManagerTestSuite) TestOperationIdentity() {
	op := manager.NewReadCharacteristic(hrPeripheral, "0000180D-0000-1000-8000-00805F9B34FB", "2A37", nil)

	s.Assert().Equal(manager.KindReadCharacteristic, op.Kind())
	s.Assert().Equal("read_characteristic", op.Kind().String())
	s.Assert().Equal(hrPeripheral, op.Peripheral())
	s.Assert().Equal([]string{hrService}, op.RequiredServices(), "service UUID MUST be normalized")
	s.Assert().Equal([]string{hrMeasurement}, op.RequiredCharacteristics(), "characteristic UUID MUST be normalized")
	s.Assert().NotEqual(op.ID(), manager.NewReadRSSI(hrPeripheral, nil).ID(), "operation ids MUST be unique")

	fanOut := manager.NewDiscoverCharacteristics(hrPeripheral, "", []string{hrMeasurement}, nil)
	s.Assert().Nil(fanOut.RequiredServices(), "fan-out MUST have no service precondition")
	s.Assert().Nil(fanOut.RequiredCharacteristics(), "fan-out MUST have no characteristic precondition")
	s.Assert().Nil(manager.NewDiscoverServices(hrPeripheral, nil, nil).RequiredServices(), "discover all MUST have no precondition")
}

var errRadio = errors.New("radio failure")

func (s *ManagerTestSuite) TestConnectWhileConnecting() {
	// GOAL: Verify Connect on a peripheral already connecting waits for the radio instead of dialing again
	//
	// TEST SCENARIO: P1 connecting → Connect(P1) → no radio request → connect event → Connect resolves once

	s.radio.SetConnectionState(hrPeripheral, device.StateConnecting)
	s.newManager()
	connect := newRecorder[manager.ConnectResponse]()

	s.enqueue(manager.NewConnect(hrPeripheral, connect.callback()))

	s.Assert().Empty(s.radio.Calls(), "no radio request MUST be issued while the link is being established")
	s.Assert().Equal(0, connect.count(), "Connect MUST stay pending")
	s.Require().NotNil(s.mgr.Status().Active, "Connect MUST stay active")

	s.radio.SetConnectionState(hrPeripheral, device.StateConnected)
	s.mgr.PeripheralConnected(hrPeripheral)
	s.settle()

	s.Require().Equal(1, connect.count(), "Connect MUST resolve exactly once on the connect event")
	resp, err := connect.last()
	s.Require().NoError(err)
	s.Assert().Equal(device.StateConnected, resp.Peripheral.State)
	s.Assert().Equal(hrPeripheral, s.mgr.Status().Connected)
	s.Assert().Empty(s.radio.Calls(), "the pending Connect MUST NOT dial afterwards")
}

func (s *ManagerTestSuite) TestConnectWhileDisconnecting() {
	// GOAL: Verify Connect on a peripheral being torn down is decided by the next connection event
	//
	// TEST SCENARIO: P1 disconnecting → Connect(P1) → no radio request → disconnect event →
	//                Connect fails once with Disconnected

	s.radio.SetConnectionState(hrPeripheral, device.StateDisconnecting)
	s.newManager()
	connect := newRecorder[manager.ConnectResponse]()

	s.enqueue(manager.NewConnect(hrPeripheral, connect.callback()))

	s.Assert().Empty(s.radio.Calls(), "no radio request MUST be issued while the link is going down")
	s.Assert().Equal(0, connect.count(), "Connect MUST stay pending")

	s.radio.SetConnectionState(hrPeripheral, device.StateDisconnected)
	s.mgr.PeripheralDisconnected(hrPeripheral, nil)
	s.settle()

	s.Require().Equal(1, connect.count(), "Connect MUST resolve exactly once on the disconnect event")
	_, err := connect.last()
	s.Assert().ErrorIs(err, device.ErrDisconnected)
	s.Assert().Nil(s.mgr.Status().Active)
}

func (s *ManagerTestSuite) TestDisconnectWhileDisconnecting() {
	// GOAL: Verify Disconnect on a peripheral already disconnecting waits for the disconnect event
	//
	// TEST SCENARIO: P1 disconnecting → Disconnect(P1) → no cancel issued → disconnect event →
	//                Disconnect succeeds once

	s.radio.SetConnectionState(hrPeripheral, device.StateDisconnecting)
	s.newManager()
	disconnect := newRecorder[manager.DisconnectResponse]()

	s.enqueue(manager.NewDisconnect(hrPeripheral, disconnect.callback()))

	s.Assert().Empty(s.radio.CallsTo(testutils.CallCancelConnection), "cancel MUST NOT be issued twice")
	s.Assert().Equal(0, disconnect.count(), "Disconnect MUST stay pending")

	s.radio.SetConnectionState(hrPeripheral, device.StateDisconnected)
	s.mgr.PeripheralDisconnected(hrPeripheral, nil)
	s.settle()

	s.Require().Equal(1, disconnect.count(), "Disconnect MUST resolve exactly once")
	resp, err := disconnect.last()
	s.Require().NoError(err)
	s.Assert().Equal(hrPeripheral, resp.Peripheral)
	s.Assert().Nil(s.mgr.Status().Active)
}

func (s *ManagerTestSuite) TestCorrectiveConnectWhileConnecting() {
	// GOAL: Verify an operation needing a link waits for a connection already in progress
	//
	// TEST SCENARIO: P1 connecting → ReadRSSI(P1) → no connect or RSSI request → connect event →
	//                RSSI read issued → completion resolves ReadRSSI once

	s.radio.SetConnectionState(hrPeripheral, device.StateConnecting)
	s.newManager()
	rssi := newRecorder[manager.RSSIResponse]()

	s.enqueue(manager.NewReadRSSI(hrPeripheral, rssi.callback()))

	s.Assert().Empty(s.radio.Calls(), "no corrective connect MUST be issued while connecting")
	s.Assert().Equal(0, rssi.count())

	s.radio.SetConnectionState(hrPeripheral, device.StateConnected)
	s.mgr.PeripheralConnected(hrPeripheral)
	s.settle()

	calls := s.radio.Calls()
	s.Require().Len(calls, 1, "the waiting operation MUST re-execute once connected")
	s.Assert().Equal(testutils.CallReadRSSI, calls[0].Method)
	s.Assert().Equal(0, rssi.count(), "ReadRSSI MUST wait for the RSSI event")

	s.complete()

	s.Require().Equal(1, rssi.count(), "ReadRSSI MUST resolve exactly once")
	resp, err := rssi.last()
	s.Require().NoError(err)
	s.Assert().Equal(-42, resp.RSSI)
}
