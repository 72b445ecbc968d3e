// Package connector is the orchestrator: the top-level tick that drives
// the receiver, the host-facing consumer mailbox, pairing-or-publisher,
// and the link, in that exact order, plus the lifecycle and
// value-write API the host drives it through.
package connector

import (
	"time"

	"github.com/google/uuid"

	"fbbusgw/bus"
	"fbbusgw/errcode"
	"fbbusgw/link"
	"fbbusgw/logx"
	"fbbusgw/pairing"
	"fbbusgw/publisher"
	"fbbusgw/receiver"
	"fbbusgw/registry"
	"fbbusgw/values"
)

// DeviceStateEvent is published whenever a device's connection state
// changes.
type DeviceStateEvent struct {
	DeviceID     uuid.UUID
	SerialNumber string
	Old, New     registry.State
}

// ActualValueEvent is published whenever a register's observed value
// changes.
type ActualValueEvent struct {
	RegisterID uuid.UUID
	DeviceID   uuid.UUID
	Old, New   values.Value
}

// gatewayTopic is the single topic every host-facing event is published
// to; the event's own type (carried in the bus.Message payload) is what
// a subscriber switches on, so no topic hierarchy is needed for this
// gateway's one kind of host traffic.
var gatewayTopic = bus.T("gateway")

// hostObserver forwards registry mutations the host cares about onto
// the bus connection Consumer drains.
type hostObserver struct {
	registry.NoopObserver
	conn *bus.Connection
}

func (o *hostObserver) DeviceStateChanged(d *registry.Device, old, new registry.State) {
	o.conn.Publish(o.conn.NewMessage(gatewayTopic, DeviceStateEvent{
		DeviceID: d.ID, SerialNumber: d.SerialNumber, Old: old, New: new,
	}))
}

func (o *hostObserver) ActualValueChanged(r *registry.Register, old, new values.Value) {
	o.conn.Publish(o.conn.NewMessage(gatewayTopic, ActualValueEvent{
		RegisterID: r.ID, DeviceID: r.DeviceID, Old: old, New: new,
	}))
}

// Connector is the orchestrator described above.
type Connector struct {
	reg    *registry.Registry
	link   link.Link
	recv   *receiver.Receiver
	pub    *publisher.Publisher
	pair   *pairing.Pairing
	cons   *Consumer
	logger *logx.Logger

	enabled bool
	stopped bool

	lastReceive link.ReceiveStatus
	lastSend    link.SendStatus
}

// New wires a Connector over an already-open Link. b and onEvent back
// the host-facing Consumer: every DeviceStateEvent/ActualValueEvent is
// handed to onEvent as Loop drains them, non-blockingly, once per tick.
func New(reg *registry.Registry, l link.Link, logger *logx.Logger, b *bus.Bus, onEvent func(Event)) *Connector {
	recv := receiver.New(reg, logger)
	pub := publisher.New(reg, l, recv.Watchdog(), logger)
	pair := pairing.New(reg, l, logger)
	recv.SetPairingSink(pair)

	conn := b.NewConnection("gatewayd")
	reg.Subscribe(&hostObserver{conn: conn})
	cons := NewConsumer(conn, gatewayTopic, onEvent)

	return &Connector{
		reg: reg, link: l, recv: recv, pub: pub, pair: pair, cons: cons,
		logger: logger, enabled: true,
	}
}

// EnqueueFrame is the frame-handling callback the Link should invoke
// for every inbound frame (wired at link construction time).
func (c *Connector) EnqueueFrame(addr byte, frame []byte) { c.recv.Enqueue(addr, frame) }

// Pairing exposes the enrollment state machine so the host can start or
// stop a pairing session.
func (c *Connector) Pairing() *pairing.Pairing { return c.pair }

// Start resets every known device to StateUnknown and clears the
// stopped flag: a fresh run re-establishes liveness and structure for
// everything already in the registry before resuming normal operation.
func (c *Connector) Start() {
	c.stopped = false
	for _, d := range c.reg.Devices() {
		c.reg.SetState(d, registry.StateUnknown)
	}
}

// Stop halts new outbound work (pairing/publisher no longer run once
// the current tick's inbound work has drained) but, like Start, resets
// device states to Unknown; unlike Start it leaves stopped set, so Loop
// keeps draining inbound work until HasUnfinishedTasks is false and
// becomes a no-op after that.
func (c *Connector) Stop() {
	c.stopped = true
	for _, d := range c.reg.Devices() {
		c.reg.SetState(d, registry.StateUnknown)
	}
}

// SetEnabled is the administrative on/off switch: a disabled Connector's
// Loop is a complete no-op, independent of Start/Stop's drain semantics.
func (c *Connector) SetEnabled(v bool) { c.enabled = v }
func (c *Connector) Enabled() bool     { return c.enabled }

// HasUnfinishedTasks reports whether the receiver or the host-facing
// consumer still has queued work.
func (c *Connector) HasUnfinishedTasks() bool {
	return c.recv.Pending() || c.cons.Pending()
}

// Loop runs exactly one orchestrator tick: Receiver, then Consumer,
// then (unless stopped and drained) Pairing-or-Publisher, then a Link
// poll that feeds the next tick's Receiver.
func (c *Connector) Loop(now time.Time) {
	if !c.enabled {
		return
	}
	c.recv.Loop(now)
	c.cons.Loop()

	if c.stopped && !c.HasUnfinishedTasks() {
		return
	}

	if c.pair.IsEnabled() {
		c.pair.Loop(now)
	} else {
		c.pub.Loop(now)
	}

	c.lastReceive, c.lastSend = c.link.Poll()
}

// WriteRegisterValue sets a single register's expected value, coercing
// raw through the register's own data type.
func (c *Connector) WriteRegisterValue(registerID uuid.UUID, raw any) error {
	reg, ok := c.reg.GetRegisterByID(registerID)
	if !ok {
		return &errcode.E{C: errcode.RegisterNotFound, Op: "connector.WriteRegisterValue",
			Msg: registerID.String()}
	}
	writable, dataType := c.reg.RegisterState(reg)
	if !writable {
		return &errcode.E{C: errcode.RegisterNotWritable, Op: "connector.WriteRegisterValue",
			Msg: registerID.String()}
	}
	v, err := values.ForDataType(dataType, raw)
	if err != nil {
		return err
	}
	c.reg.SetExpectedValue(reg, v)
	return nil
}

// BroadcastValue sets raw, coerced through dt, as the expected value of
// every register identified by key across every known device (e.g. a
// group of devices that all expose the same named output).
func (c *Connector) BroadcastValue(key string, raw any, dt values.DataType) error {
	v, err := values.ForDataType(dt, raw)
	if err != nil {
		return err
	}
	var matched bool
	for _, d := range c.reg.Devices() {
		reg, ok := c.reg.GetRegisterByKey(d.ID, key)
		if !ok {
			continue
		}
		if writable, _ := c.reg.RegisterState(reg); !writable {
			continue
		}
		c.reg.SetExpectedValue(reg, v)
		matched = true
	}
	if !matched {
		return &errcode.E{C: errcode.RegisterNotFound, Op: "connector.BroadcastValue", Msg: key}
	}
	return nil
}
