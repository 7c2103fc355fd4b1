// Package manager sequences asynchronous GATT operations against one peripheral at a time.
//
// A Manager owns two FIFO queues, a main queue fed by Enqueue and an init queue filled by
// an optional Initializer after every successful connect, plus at most one active
// operation. Operations check the peripheral state when they execute and issue corrective
// requests (connect, discover the missing service, discover the missing characteristic)
// before the actual request. The radio's asynchronous events are marshalled onto the
// manager's executor, matched against the active operation, and either resolve it or
// re-execute it. Any failure clears every queue and tears the link down.
//
// All scheduler state is confined to a single executor goroutine. Completion callbacks
// run on that goroutine: they may call Enqueue or Dispose but must not call Sync or
// Status, and must not block.
package manager

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/gattq/internal/broadcast"
	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/serial"
	"github.com/srg/gattq/pkg/config"
)

// Initializer returns the operations to run after a connection is established and before
// any other queued operation. It runs once per successful connect.
type Initializer func(p *device.Peripheral) []Operation

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger used by the manager
func WithLogger(logger *logrus.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithInitializer configures the post-connect bootstrap
func WithInitializer(fn Initializer) Option {
	return func(m *Manager) {
		m.initializer = fn
	}
}

// WithBroadcastBuffer sets the per-subscriber buffer of the broadcast channels
func WithBroadcastBuffer(size int) Option {
	return func(m *Manager) {
		m.bufferSize = size
	}
}

// WithConnectOptions sets the options forwarded to the radio on every connect
func WithConnectOptions(opts *device.ConnectOptions) Option {
	return func(m *Manager) {
		if opts != nil {
			m.connectOpts = opts
		}
	}
}

// Manager is the command-queue scheduler.
type Manager struct {
	radio       device.Radio
	logger      *logrus.Logger
	initializer Initializer
	connectOpts *device.ConnectOptions
	bufferSize  int

	exec        *serial.Executor
	ctx         context.Context
	cancel      context.CancelFunc
	disposeOnce sync.Once

	// executor-confined state
	queue           []Operation
	initQueue       []Operation
	current         Operation
	currentInit     bool
	parked          Operation // main operation suspended while the init queue drains
	connected       string
	pending         string // peripheral with a connect in flight
	initialized     bool
	waitingForReady bool

	connStates    *broadcast.Broadcaster[ConnectionEvent]
	radioStates   *broadcast.Broadcaster[device.RadioState]
	notifications *broadcast.Broadcaster[Notification]
}

// New creates a Manager driving radio and registers it as the radio's event sink.
func New(radio device.Radio, opts ...Option) *Manager {
	m := &Manager{
		radio:       radio,
		connectOpts: &device.ConnectOptions{},
		bufferSize:  broadcast.DefaultBuffer,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = config.DefaultConfig().NewLogger()
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.exec = serial.NewExecutor(m.ctx, "gattq-executor")
	m.connStates = broadcast.New[ConnectionEvent](m.bufferSize)
	m.radioStates = broadcast.New[device.RadioState](m.bufferSize)
	m.notifications = broadcast.New[Notification](m.bufferSize)

	radio.SetEventSink(m)
	return m
}

// Enqueue appends operations to the main queue and starts execution if idle.
// After Dispose it returns device.ErrDisposed and the callbacks never fire.
func (m *Manager) Enqueue(ops ...Operation) error {
	if m.ctx.Err() != nil {
		return device.ErrDisposed
	}
	accepted := m.exec.Async(func() {
		if m.ctx.Err() != nil {
			for _, op := range ops {
				if op != nil {
					op.fail(device.ErrDisposed)
				}
			}
			return
		}
		for _, op := range ops {
			if op == nil {
				continue
			}
			m.opLogger(op).Debug("Operation enqueued")
			m.queue = append(m.queue, op)
		}
		if m.current == nil {
			m.next()
		}
	})
	if !accepted {
		return device.ErrDisposed
	}
	return nil
}

// Sync blocks until every task submitted to the manager before the call has been
// processed, including radio events delivered so far.
func (m *Manager) Sync() error {
	if !m.exec.Sync(func() {}) {
		return device.ErrDisposed
	}
	return nil
}

// Dispose cancels any pending or live connection, fails every outstanding operation with
// device.ErrDisposed, closes the broadcast channels and stops the executor. Radio events
// arriving afterwards are ignored. Idempotent and non-blocking; see Done.
func (m *Manager) Dispose() {
	m.disposeOnce.Do(func() {
		m.cancel()
		m.exec.Async(m.teardown)
		m.exec.Close()
	})
}

// Done is closed once Dispose finished tearing down.
func (m *Manager) Done() <-chan struct{} {
	return m.exec.Done()
}

func (m *Manager) teardown() {
	m.logger.Info("Disposing manager")

	targets := []string{m.pending}
	if m.connected != m.pending {
		targets = append(targets, m.connected)
	}
	for _, id := range targets {
		if id == "" {
			continue
		}
		if p, err := m.radio.Lookup(id); err == nil && p.State.Active() {
			if err := m.cancelConnection(id); err != nil {
				m.logger.WithFields(logrus.Fields{"peripheral": id, "error": err}).Warn("Failed to cancel connection during dispose")
			}
		}
	}

	outstanding := make([]Operation, 0, len(m.queue)+len(m.initQueue)+2)
	for _, op := range []Operation{m.current, m.parked} {
		if op != nil {
			outstanding = append(outstanding, op)
		}
	}
	outstanding = append(outstanding, m.initQueue...)
	outstanding = append(outstanding, m.queue...)

	m.queue, m.initQueue = nil, nil
	m.current, m.currentInit, m.parked = nil, false, nil
	m.pending, m.connected = "", ""
	m.initialized, m.waitingForReady = false, false

	for _, op := range outstanding {
		op.fail(device.ErrDisposed)
	}

	m.connStates.Close()
	m.radioStates.Close()
	m.notifications.Close()
}

// ConnectionStates subscribes to connection state transitions.
func (m *Manager) ConnectionStates() *broadcast.Subscription[ConnectionEvent] {
	return m.connStates.Subscribe()
}

// RadioStates subscribes to radio availability changes.
func (m *Manager) RadioStates() *broadcast.Subscription[device.RadioState] {
	return m.radioStates.Subscribe()
}

// Notifications subscribes to values pushed by notify/indicate characteristics.
func (m *Manager) Notifications() *broadcast.Subscription[Notification] {
	return m.notifications.Subscribe()
}

// Status is a point-in-time view of the scheduler
type Status struct {
	Active          Operation
	ActiveIsInit    bool
	Parked          Operation
	Queued          int
	InitQueued      int
	Connected       string
	Initialized     bool
	WaitingForReady bool
	Disposed        bool
}

// Status returns a snapshot of the scheduler state, taken on the executor.
func (m *Manager) Status() Status {
	var s Status
	if !m.exec.Sync(func() {
		s = Status{
			Active:          m.current,
			ActiveIsInit:    m.currentInit,
			Parked:          m.parked,
			Queued:          len(m.queue),
			InitQueued:      len(m.initQueue),
			Connected:       m.connected,
			Initialized:     m.initialized,
			WaitingForReady: m.waitingForReady,
			Disposed:        m.ctx.Err() != nil,
		}
	}) {
		return Status{Disposed: true}
	}
	return s
}

// ----------------------------
// Scheduling (executor only)
// ----------------------------

// next selects the next operation: the init queue while a fresh connection is being
// initialized, then the parked operation, then the main queue.
func (m *Manager) next() {
	if m.connected != "" && !m.initialized {
		if len(m.initQueue) > 0 {
			op := m.initQueue[0]
			m.initQueue[0] = nil
			m.initQueue = m.initQueue[1:]
			m.current, m.currentInit = op, true
			m.execute(op)
			return
		}
		m.initialized = true
		m.logger.WithField("peripheral", m.connected).Debug("Connection initialized")

		if parked := m.parked; parked != nil {
			m.parked = nil
			m.current, m.currentInit = parked, false
			m.resume(parked)
			return
		}
	}

	if len(m.queue) == 0 {
		m.current, m.currentInit = nil, false
		return
	}
	op := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	m.current, m.currentInit = op, false
	m.execute(op)
}

// advance releases the active slot after a successful resolution and schedules next.
// Scheduling through the executor keeps long runs of synchronously resolved operations
// from growing the stack.
func (m *Manager) advance() {
	m.current, m.currentInit = nil, false
	m.exec.Async(func() {
		if m.ctx.Err() != nil || m.current != nil {
			return
		}
		m.next()
	})
}

// execute runs op against the radio once the radio is ready.
func (m *Manager) execute(op Operation) {
	ready, err := device.CheckAvailability(m.radio.State())
	if err != nil {
		m.handleError(op, err)
		return
	}
	if !ready {
		m.waitingForReady = true
		m.opLogger(op).Debug("Radio not ready, waiting for state change")
		return
	}
	m.waitingForReady = false

	if err := m.checkFocus(op); err != nil {
		m.handleError(op, err)
		return
	}

	m.opLogger(op).Debug("Executing operation")
	if err := op.execute(m); err != nil {
		m.handleError(op, err)
	}
}

// resume continues an operation that was parked behind the init queue.
func (m *Manager) resume(op Operation) {
	c, ok := op.(*Connect)
	if !ok {
		m.execute(op)
		return
	}
	p, err := m.radio.Lookup(c.peripheral)
	if err != nil {
		m.handleError(c, err)
		return
	}
	c.succeed(ConnectResponse{Peripheral: p})
	m.advance()
}

// checkFocus rejects an operation for a peripheral other than the one in focus while the
// radio still holds a link to the focused one.
func (m *Manager) checkFocus(op Operation) error {
	focus := m.connected
	if focus == "" {
		focus = m.pending
	}
	if focus == "" || focus == op.Peripheral() {
		return nil
	}
	if p, err := m.radio.Lookup(focus); err == nil && p.State != device.StateDisconnected {
		return &device.AlreadyInUseError{Peripheral: focus}
	}
	return nil
}

// connectionEstablished records id as connected and resumes the active operation. For a
// fresh link the initializer runs first and the active operation is parked until the
// init queue drains.
func (m *Manager) connectionEstablished(id string, fresh bool) {
	m.connected = id
	if m.pending == id {
		m.pending = ""
	}

	if fresh {
		m.initialized = false
		if ops := m.initOps(id); len(ops) > 0 {
			m.initQueue = append(m.initQueue, ops...)
			m.parked = m.current
			m.current, m.currentInit = nil, false
			m.next()
			return
		}
		m.initialized = true
	}

	if m.current != nil {
		m.resume(m.current)
	}
}

func (m *Manager) initOps(id string) []Operation {
	if m.initializer == nil {
		return nil
	}
	p, err := m.radio.Lookup(id)
	if err != nil {
		m.logger.WithFields(logrus.Fields{"peripheral": id, "error": err}).Warn("Initializer skipped, peripheral lookup failed")
		return nil
	}
	var ops []Operation
	for _, op := range m.initializer(p) {
		if op != nil {
			ops = append(ops, op)
		}
	}
	m.logger.WithFields(logrus.Fields{"peripheral": id, "operations": len(ops)}).Debug("Initializer produced operations")
	return ops
}

func (m *Manager) connect(id string) error {
	m.pending = id
	m.publishConnection(id, device.StateConnecting, nil)
	return m.radio.Connect(id, m.connectOpts)
}

// correctiveConnect connects a disconnected peripheral on behalf of the active operation.
// A peripheral that is connecting or disconnecting is left to its next event.
func (m *Manager) correctiveConnect(p *device.Peripheral) error {
	if p.State != device.StateDisconnected {
		return nil
	}
	m.logger.WithField("peripheral", p.ID).Debug("Peripheral not connected, connecting first")
	return m.connect(p.ID)
}

func (m *Manager) cancelConnection(id string) error {
	m.publishConnection(id, device.StateDisconnecting, nil)
	return m.radio.CancelConnection(id)
}

// handleError is the single failure path: it clears the active slot and both queues,
// tears down a connecting or connected target, fails op with err and every dropped
// operation with an AbortedError.
func (m *Manager) handleError(op Operation, err error) {
	m.opLogger(op).WithField("error", err).Error("Operation failed")

	queued, initQueued, parked := m.queue, m.initQueue, m.parked
	m.queue, m.initQueue = nil, nil
	m.current, m.currentInit, m.parked = nil, false, nil
	m.waitingForReady = false
	m.pending = ""

	if p, lerr := m.radio.Lookup(op.Peripheral()); lerr == nil && p.State.Active() {
		if cerr := m.cancelConnection(p.ID); cerr != nil {
			m.logger.WithFields(logrus.Fields{"peripheral": p.ID, "error": cerr}).Warn("Failed to tear down connection")
		}
	}

	op.fail(err)

	aborted := &AbortedError{Cause: err}
	if parked != nil && parked != op {
		parked.fail(aborted)
	}
	for _, q := range initQueued {
		q.fail(aborted)
	}
	for _, q := range queued {
		q.fail(aborted)
	}
}

func (m *Manager) publishConnection(id string, state device.ConnectionState, err error) {
	m.connStates.Publish(ConnectionEvent{Peripheral: id, State: state, Err: err})
}

func (m *Manager) opLogger(op Operation) *logrus.Entry {
	return m.logger.WithFields(logrus.Fields{
		"peripheral": op.Peripheral(),
		"op":         op.Kind().String(),
		"op_id":      op.ID().String(),
	})
}
