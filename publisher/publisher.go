// Package publisher walks known devices round-robin, emitting at most
// one outbound request per device per tick: a pending write takes
// priority over the device's first full read, which takes priority over
// periodic re-sampling.
package publisher

import (
	"time"

	"github.com/google/uuid"

	"fbbusgw/errcode"
	"fbbusgw/link"
	"fbbusgw/logx"
	"fbbusgw/receiver"
	"fbbusgw/registry"
	"fbbusgw/values"
	"fbbusgw/wire"
)

// maxBackpressureRetries is how many consecutive BUSY/FAIL sends a
// device tolerates before it is declared lost.
const maxBackpressureRetries = 3

// readOnceOrder is the order a device's register kinds get their first
// full read in, independent of which kinds later get periodic
// resampling.
var readOnceOrder = []wire.RegisterKind{
	wire.RegisterInput, wire.RegisterOutput, wire.RegisterAttribute, wire.RegisterSetting,
}

// periodicOrder is the subset of kinds periodic sampling re-reads.
var periodicOrder = []wire.RegisterKind{wire.RegisterInput, wire.RegisterOutput}

type devState struct {
	readDone      map[wire.RegisterKind]bool
	lastSampledAt time.Time
	retries       int
}

func newDevState() *devState {
	return &devState{readDone: make(map[wire.RegisterKind]bool)}
}

// Publisher is the device-walking scheduler described above.
type Publisher struct {
	reg      *registry.Registry
	link     link.Link
	watchdog *receiver.Watchdog
	logger   *logx.Logger

	cursor  int
	states  map[uuid.UUID]*devState
	lastErr error
}

func New(reg *registry.Registry, l link.Link, watchdog *receiver.Watchdog, logger *logx.Logger) *Publisher {
	return &Publisher{reg: reg, link: l, watchdog: watchdog, logger: logger, states: make(map[uuid.UUID]*devState)}
}

// LastError reports the reason for the most recent back-pressure event
// (BufferFull or ConnectionLost) or lost-device verdict (ConnectionLost),
// or nil if none has happened yet. It is never reset to nil.
func (p *Publisher) LastError() error { return p.lastErr }

func (p *Publisher) stateFor(id uuid.UUID) *devState {
	st, ok := p.states[id]
	if !ok {
		st = newDevState()
		p.states[id] = st
	}
	return st
}

// Forget drops a device's scheduling state, used when it is lost or
// re-enrolled from scratch.
func (p *Publisher) Forget(id uuid.UUID) { delete(p.states, id) }

// Loop emits at most one outbound request, to at most one eligible
// device, advancing the round-robin cursor past whichever device it
// considered (whether or not a request was actually sent).
func (p *Publisher) Loop(now time.Time) {
	devices := p.reg.Devices()
	n := len(devices)
	if n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		d := devices[idx]
		if d.State != registry.StateReady && d.State != registry.StateInit {
			continue
		}
		if p.tryDevice(d, now) {
			p.cursor = (idx + 1) % n
			return
		}
	}
}

func (p *Publisher) tryDevice(d *registry.Device, now time.Time) bool {
	if reg := p.oldestPendingWrite(d); reg != nil {
		return p.sendWrite(d, reg, now)
	}

	st := p.stateFor(d.ID)
	for _, kind := range readOnceOrder {
		if st.readDone[kind] {
			continue
		}
		regs := p.reg.RegistersByKind(d.ID, kind)
		if len(regs) == 0 {
			st.readDone[kind] = true
			continue
		}
		// A first full read also counts as a sample, so periodic
		// re-reads start one SamplingPeriod after it.
		return p.sendReadMultiple(d, kind, regs, now, func() {
			st.readDone[kind] = true
			st.lastSampledAt = now
		})
	}

	if d.SamplingPeriod > 0 && now.Sub(st.lastSampledAt) > d.SamplingPeriod {
		for _, kind := range periodicOrder {
			regs := p.reg.RegistersByKind(d.ID, kind)
			if len(regs) == 0 {
				continue
			}
			return p.sendReadMultiple(d, kind, regs, now, func() { st.lastSampledAt = now })
		}
	}
	return false
}

// oldestPendingWrite returns the register with expected_pending=true
// whose expected value was set longest ago, across all kinds.
func (p *Publisher) oldestPendingWrite(d *registry.Device) *registry.Register {
	var oldest *registry.Register
	for _, reg := range p.reg.AllRegistersOrdered(d.ID) {
		if !reg.ExpectedPending {
			continue
		}
		if oldest == nil || reg.ExpectedValueAt.Before(oldest.ExpectedValueAt) {
			oldest = reg
		}
	}
	return oldest
}

func (p *Publisher) sendWrite(d *registry.Device, reg *registry.Register, now time.Time) bool {
	raw, err := values.Encode(reg.DataType, reg.ExpectedValue)
	if err != nil {
		p.logger.Warn("cannot encode expected value, dropping write", "device", d.SerialNumber, "err", err)
		return false
	}
	payload := wire.EncodeRegisterValue(wire.KindWriteSingleRegister, reg.Kind, reg.Address, raw)
	result := p.link.Send(d.Address, payload)
	return p.afterSend(d, result, now, wire.KindWriteSingleRegister, nil)
}

func (p *Publisher) sendReadMultiple(d *registry.Device, kind wire.RegisterKind, regs []*registry.Register, now time.Time, onSuccess func()) bool {
	start := regs[0].Address
	count := byte(len(regs))
	payload := wire.EncodeReadMultipleRequest(kind, start, count)
	result := p.link.Send(d.Address, payload)
	return p.afterSend(d, result, now, wire.KindReadMultipleRegisters, onSuccess)
}

func (p *Publisher) afterSend(d *registry.Device, result link.SendResult, now time.Time, awaited wire.PacketKind, onSuccess func()) bool {
	st := p.stateFor(d.ID)
	switch result {
	case link.SendAccepted:
		st.retries = 0
		p.watchdog.Await(d.ID, awaited, now, receiver.DefaultReplyTimeout)
		if onSuccess != nil {
			onSuccess()
		}
		return true
	default:
		st.retries++
		code := errcode.BufferFull
		if result == link.SendFail {
			code = errcode.ConnectionLost
		}
		p.lastErr = &errcode.E{C: code, Op: "publisher.Loop", Msg: d.SerialNumber}
		p.logger.Warn("publisher send met back-pressure", "device", d.SerialNumber, "result", result, "retries", st.retries)
		if st.retries >= maxBackpressureRetries {
			p.lastErr = &errcode.E{C: errcode.ConnectionLost, Op: "publisher.Loop", Msg: d.SerialNumber}
			p.logger.Warn("device exceeded back-pressure retries, marking lost", "device", d.SerialNumber)
			p.reg.SetState(d, registry.StateLost)
			st.retries = 0
		}
		return true
	}
}
