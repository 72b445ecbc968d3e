// Package receiver turns inbound frames into registry mutations. It owns
// the reply watchdog: every outbound request the publisher makes
// registers an expectation here, and a device that misses enough of them
// in a row is declared lost. Pairing requests register no expectation;
// pairing tracks its own reply deadlines.
package receiver

import (
	"time"

	"fbbusgw/logx"
	"fbbusgw/registry"
	"fbbusgw/values"
	"fbbusgw/wire"
)

// MissLimit is how many consecutive missed reply deadlines demote a
// device to StateLost.
const MissLimit = 5

// DefaultReplyTimeout bounds how long the watchdog waits for a reply
// before counting it as missed.
const DefaultReplyTimeout = 2 * time.Second

// PairingSink receives DISCOVER replies; pairing.Pairing implements it.
// Kept as a narrow interface here (rather than importing package pairing
// directly) so receiver has no dependency on the pairing state machine.
type PairingSink interface {
	HandleDiscoverReply(srcAddr byte, payload []byte)
}

type inboundFrame struct {
	addr  byte
	frame []byte
}

// Receiver dispatches inbound frames by packet kind.
type Receiver struct {
	reg      *registry.Registry
	pairing  PairingSink
	watchdog *Watchdog
	logger   *logx.Logger

	queue []inboundFrame
}

func New(reg *registry.Registry, logger *logx.Logger) *Receiver {
	return &Receiver{
		reg:      reg,
		watchdog: NewWatchdog(MissLimit),
		logger:   logger,
	}
}

// SetPairingSink wires the pairing state machine in. Until this is
// called, DISCOVER replies are logged and dropped.
func (r *Receiver) SetPairingSink(p PairingSink) { r.pairing = p }

// Watchdog exposes the reply watchdog so the publisher can register its
// expectations.
func (r *Receiver) Watchdog() *Watchdog { return r.watchdog }

// Pending reports whether any inbound frame is still queued for the
// next Loop call.
func (r *Receiver) Pending() bool { return len(r.queue) > 0 }

// Enqueue buffers one inbound frame for the next Loop call. Called by
// the Link's inbound callback during Poll.
func (r *Receiver) Enqueue(addr byte, frame []byte) {
	r.queue = append(r.queue, inboundFrame{addr: addr, frame: frame})
}

// Loop drains every frame queued since the last call, dispatching each
// by packet kind, then runs the watchdog's deadline sweep.
func (r *Receiver) Loop(now time.Time) {
	pending := r.queue
	r.queue = nil
	for _, f := range pending {
		r.handleFrame(f.addr, f.frame, now)
	}
	for _, deviceID := range r.watchdog.Tick(now) {
		if d, ok := r.reg.GetDeviceByID(deviceID); ok {
			r.logger.Warn("device missed too many reply deadlines", "device", d.SerialNumber, "address", d.Address)
			r.reg.SetState(d, registry.StateLost)
		}
	}
}

func (r *Receiver) handleFrame(addr byte, frame []byte, now time.Time) {
	payload, err := wire.Decode(frame)
	if err != nil {
		r.logger.Warn("dropping frame that failed validation", "address", addr, "err", err)
		return
	}
	kind := wire.Kind(payload)

	if kind == wire.KindDiscover {
		if r.pairing != nil {
			r.pairing.HandleDiscoverReply(addr, payload)
		} else {
			r.logger.Debug("dropping discover reply, pairing not wired", "address", addr)
		}
		return
	}

	device, ok := r.reg.GetDeviceByAddress(addr)
	if !ok {
		r.logger.Debug("dropping frame from unknown address", "address", addr, "kind", kind)
		return
	}

	switch kind {
	case wire.KindPing, wire.KindPong:
		r.watchdog.Satisfy(device.ID, wire.KindPong)
		if device.State == registry.StateLost {
			r.reg.SetState(device, registry.StateReady)
		}
	case wire.KindException:
		r.logger.Warn("device reported an exception", "device", device.SerialNumber)
		r.reg.SetState(device, registry.StateLost)
	case wire.KindReadSingleRegister:
		r.handleRegisterValue(device, payload, now, wire.KindReadSingleRegister)
	case wire.KindWriteSingleRegister:
		r.handleRegisterValue(device, payload, now, wire.KindWriteSingleRegister)
	case wire.KindReportSingleRegister:
		r.handleRegisterValue(device, payload, now, wire.KindReportSingleRegister)
	case wire.KindReadMultipleRegisters:
		r.handleReadMultiple(device, payload, now)
	default:
		if kind.IsPubSub() {
			r.logger.Debug("dropping pub-sub frame, no consumer wired", "device", device.SerialNumber)
			return
		}
		r.logger.Warn("dropping frame with unrecognized packet kind", "device", device.SerialNumber, "kind", kind)
	}
}

func (r *Receiver) handleRegisterValue(device *registry.Device, payload []byte, now time.Time, awaited wire.PacketKind) {
	regKind, addr, valueAt, err := wire.DecodeRegisterValueHeader(payload)
	if err != nil {
		r.logger.Warn("malformed register value payload", "device", device.SerialNumber, "err", err)
		return
	}
	reg, ok := r.reg.GetRegisterByAddress(device.ID, regKind, addr)
	if !ok {
		r.logger.Debug("value for unknown register", "device", device.SerialNumber, "kind", regKind, "address", addr)
		return
	}
	v, err := values.Decode(reg.DataType, payload[valueAt:])
	if err != nil {
		r.logger.Warn("could not decode register value", "device", device.SerialNumber, "err", err)
		return
	}
	r.reg.SetActualValue(reg, v, now)
	r.watchdog.Satisfy(device.ID, awaited)
}

func (r *Receiver) handleReadMultiple(device *registry.Device, payload []byte, now time.Time) {
	regKind, start, count, valuesAt, err := wire.DecodeReadMultipleHeader(payload)
	if err != nil {
		r.logger.Warn("malformed read-multiple payload", "device", device.SerialNumber, "err", err)
		return
	}
	at := valuesAt
	for i := 0; i < int(count); i++ {
		addrInt := int(start) + i
		if addrInt > 255 {
			r.logger.Warn("read-multiple reply addresses ran past a byte, stopping", "device", device.SerialNumber, "start", start, "count", count)
			break
		}
		reg, ok := r.reg.GetRegisterByAddress(device.ID, regKind, byte(addrInt))
		if !ok {
			break
		}
		width, fixed := values.Width(reg.DataType)
		if !fixed || at+width > len(payload) {
			r.logger.Warn("read-multiple payload truncated or variable-width register", "device", device.SerialNumber, "address", addrInt)
			break
		}
		v, err := values.Decode(reg.DataType, payload[at:at+width])
		if err != nil {
			r.logger.Warn("could not decode register value", "device", device.SerialNumber, "err", err)
			break
		}
		r.reg.SetActualValue(reg, v, now)
		at += width
	}
	r.watchdog.Satisfy(device.ID, wire.KindReadMultipleRegisters)
}
