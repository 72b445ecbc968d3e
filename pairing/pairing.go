// Package pairing runs the two-phase enrollment state machine: a
// broadcast SEARCH sweep collects devices waiting to be paired, then
// each one is walked through WRITE_ADDRESS, PROVIDE_REGISTER_STRUCTURE
// (once per register still of unknown type) and PAIRING_FINISHED before
// it is handed to the registry as a ready device.
//
// Pairing owns no goroutines: Loop is called once per orchestrator tick
// and advances the state machine by at most one outbound request, the
// same cooperative shape the receiver and publisher use. The only
// blocking it performs is the bounded broadcast ack-wait, and only while
// searching or assigning an address, since those are the only two
// commands still addressed to the bus broadcast address rather than to
// an already-enrolled device.
package pairing

import (
	"time"

	"github.com/google/uuid"

	"fbbusgw/errcode"
	"fbbusgw/link"
	"fbbusgw/logx"
	"fbbusgw/registry"
	"fbbusgw/values"
	"fbbusgw/wire"
)

const (
	MaxSearchingAttempts     = 5
	SearchingDelay           = 2 * time.Second
	BroadcastWaitingDelay    = 2 * time.Second
	MaxTransmitAttempts      = 5
	MaxPairingDelay          = 5 * time.Second
	MaxTotalTransmitAttempts = 100
)

// Pairing is the enrollment state machine described above.
type Pairing struct {
	reg    *registry.Registry
	link   link.Link
	logger *logx.Logger

	enabled      bool
	totalAttempts int

	// Phase 1: broadcast search.
	searchAttempts          int
	broadcastSearchFinished bool
	lastSearchSentAt        time.Time
	found                   []wire.SearchReply
	foundSerials            map[string]bool

	// Phase 2: per-device enrollment.
	device            *registry.Device
	pendingAddress    byte
	cmd               wire.DiscoverCommand
	cmdDone           map[wire.DiscoverCommand]bool
	processingRegister *registry.Register
	attemptKey        uuid.UUID
	attempts          int
	waitingForReply   bool
	lastRequestSentAt time.Time

	lastErr error
}

func New(reg *registry.Registry, l link.Link, logger *logx.Logger) *Pairing {
	return &Pairing{
		reg:          reg,
		link:         l,
		logger:       logger,
		foundSerials: make(map[string]bool),
		cmdDone:      make(map[wire.DiscoverCommand]bool),
	}
}

// Enable starts a fresh pairing session: any state left over from a
// previous run (found devices, attempt counters, an in-progress
// enrollment) is discarded.
func (p *Pairing) Enable() {
	p.enabled = true
	p.totalAttempts = 0
	p.searchAttempts = 0
	p.broadcastSearchFinished = false
	p.lastSearchSentAt = time.Time{}
	p.found = nil
	p.foundSerials = make(map[string]bool)
	p.device = nil
	p.cmdDone = make(map[wire.DiscoverCommand]bool)
	p.processingRegister = nil
	p.waitingForReply = false
	p.attempts = 0
	p.lastErr = nil
}

func (p *Pairing) Disable()     { p.enabled = false }
func (p *Pairing) IsEnabled() bool { return p.enabled }

// LastError reports the reason the most recent pairing session stopped
// or the most recent device was abandoned, or nil if nothing has gone
// wrong yet. Enable clears it.
func (p *Pairing) LastError() error { return p.lastErr }

// Loop advances the state machine by at most one step.
func (p *Pairing) Loop(now time.Time) {
	if !p.enabled {
		return
	}
	if p.totalAttempts >= MaxTotalTransmitAttempts {
		p.lastErr = &errcode.E{C: errcode.TotalAttemptsCap, Op: "pairing.Loop",
			Msg: "reached total transmit budget, disabling"}
		p.logger.Warn("pairing reached its total transmit budget, disabling")
		p.enabled = false
		return
	}
	if !p.broadcastSearchFinished {
		p.loopSearching(now)
		return
	}
	p.loopEnrolling(now)
}

func (p *Pairing) loopSearching(now time.Time) {
	if p.searchAttempts >= MaxSearchingAttempts {
		p.broadcastSearchFinished = true
		p.discoverDevice(now)
		return
	}
	if p.searchAttempts == 0 || now.Sub(p.lastSearchSentAt) >= SearchingDelay {
		p.broadcastSearch(now)
	}
}

func (p *Pairing) broadcastSearch(now time.Time) {
	payload := wire.EncodeSearchRequest()
	link.AckWait(p.link, link.BroadcastAddr, payload, BroadcastWaitingDelay)
	p.totalAttempts++
	p.searchAttempts++
	p.lastSearchSentAt = now
	p.logger.Debug("broadcast pairing search", "attempt", p.searchAttempts)
}

func (p *Pairing) loopEnrolling(now time.Time) {
	if p.device == nil {
		return
	}
	if p.waitingForReply {
		if now.Sub(p.lastRequestSentAt) < MaxPairingDelay {
			return
		}
		p.waitingForReply = false
		p.attempts++
		if p.attempts >= MaxTransmitAttempts {
			p.lastErr = &errcode.E{C: errcode.PairingTimeout, Op: "pairing.Loop",
				Msg: "device did not complete pairing in time", Err: nil}
			p.logger.Warn("device did not complete pairing in time, giving up",
				"serial", p.device.SerialNumber, "cmd", p.cmd)
			p.reg.SetState(p.device, registry.StateLost)
			p.discoverDevice(now)
			return
		}
	}
	p.moveToNextCmd()
	switch p.cmd {
	case wire.DiscoverWriteAddress:
		p.sendWriteAddress(now)
	case wire.DiscoverProvideRegisterStructure:
		p.sendProvideRegisterStructure(now)
	case wire.DiscoverPairingFinished:
		p.sendPairingFinished(now)
	}
}

// beginAttempt resets the per-command retry budget whenever the command
// (or, for PROVIDE_REGISTER_STRUCTURE, the register being queried)
// actually changes, so a resend of the same outstanding request doesn't
// reset the clock.
func (p *Pairing) beginAttempt(cmd wire.DiscoverCommand, key uuid.UUID) {
	if p.cmd != cmd || p.attemptKey != key {
		p.cmd = cmd
		p.attemptKey = key
		p.attempts = 0
	}
}

func (p *Pairing) moveToNextCmd() {
	if !p.cmdDone[wire.DiscoverWriteAddress] {
		p.beginAttempt(wire.DiscoverWriteAddress, uuid.Nil)
		return
	}
	if !p.cmdDone[wire.DiscoverProvideRegisterStructure] {
		if p.processingRegister == nil {
			reg, ok := p.reg.NextUnknownRegister(p.device.ID)
			if !ok {
				p.cmdDone[wire.DiscoverProvideRegisterStructure] = true
				p.moveToNextCmd()
				return
			}
			p.processingRegister = reg
		}
		p.beginAttempt(wire.DiscoverProvideRegisterStructure, p.processingRegister.ID)
		return
	}
	p.beginAttempt(wire.DiscoverPairingFinished, uuid.Nil)
}

func (p *Pairing) sendWriteAddress(now time.Time) {
	payload := wire.EncodeWriteAddressRequest(p.pendingAddress, p.device.SerialNumber)
	link.AckWait(p.link, link.BroadcastAddr, payload, BroadcastWaitingDelay)
	p.totalAttempts++
	p.lastRequestSentAt = now
	p.waitingForReply = true
}

func (p *Pairing) sendProvideRegisterStructure(now time.Time) {
	payload := wire.EncodeRegisterStructureRequest(p.processingRegister.Kind, p.processingRegister.Address)
	p.link.Send(p.device.Address, payload)
	p.totalAttempts++
	p.lastRequestSentAt = now
	p.waitingForReply = true
}

func (p *Pairing) sendPairingFinished(now time.Time) {
	payload := wire.EncodePairingFinishedRequest()
	p.link.Send(p.device.Address, payload)
	p.totalAttempts++
	p.lastRequestSentAt = now
	p.waitingForReply = true
}

// discoverDevice pops the next found device (if any), allocates it a bus
// address, seeds placeholder unknown-typed registers for every address
// its SEARCH reply says it has, and starts its enrollment cycle. If
// nothing is left to enroll it leaves the machine idle until Enable is
// called again.
func (p *Pairing) discoverDevice(now time.Time) {
	for len(p.found) > 0 {
		info := p.found[0]
		p.found = p.found[1:]
		delete(p.foundSerials, info.SerialNumber)

		addr, ok := p.reg.FindFreeAddress()
		if !ok {
			p.logger.Warn("no free bus addresses left, cannot pair device", "serial", info.SerialNumber)
			continue
		}

		d := p.reg.AppendDevice(registry.DeviceDescriptor{
			SerialNumber:     info.SerialNumber,
			HardwareVersion:  info.HardwareVersion,
			FirmwareVersion:  info.FirmwareVersion,
			Manufacturer:     info.Manufacturer,
			Model:            info.Model,
			PubSubPub:        info.PubSubPub,
			PubSubSub:        info.PubSubSub,
			MaxSubscriptions: int(info.MaxSubscriptions),
			MaxConditions:    int(info.MaxConditions),
			MaxActions:       int(info.MaxActions),
			RegisterCounts: map[wire.RegisterKind]int{
				wire.RegisterInput:     int(info.InputCount),
				wire.RegisterOutput:    int(info.OutputCount),
				wire.RegisterAttribute: int(info.AttributeCount),
				wire.RegisterSetting:   int(info.SettingCount),
			},
		})
		p.reg.SetState(d, registry.StatePairing)
		p.seedRegisters(d, info)

		p.device = d
		p.pendingAddress = addr
		p.cmdDone = make(map[wire.DiscoverCommand]bool)
		p.processingRegister = nil
		p.waitingForReply = false
		p.attempts = 0
		p.cmd = wire.DiscoverWriteAddress
		p.attemptKey = uuid.Nil
		p.lastRequestSentAt = now
		return
	}
	p.device = nil
}

// seedRegisters creates one placeholder register per address the device
// reports for each kind, always with an unknown data type: every
// enrollment re-queries full register structure rather than trusting a
// previous run's answer, since a device that re-enters pairing may have
// had its firmware or register layout changed.
func (p *Pairing) seedRegisters(d *registry.Device, info wire.SearchReply) {
	counts := map[wire.RegisterKind]byte{
		wire.RegisterInput:     info.InputCount,
		wire.RegisterOutput:    info.OutputCount,
		wire.RegisterAttribute: info.AttributeCount,
		wire.RegisterSetting:   info.SettingCount,
	}
	for kind, n := range counts {
		for addr := byte(0); addr < n; addr++ {
			p.reg.UpsertRegister(registry.RegisterDescriptor{
				DeviceID: d.ID,
				Kind:     kind,
				Address:  addr,
				DataType: values.Unknown,
			})
		}
	}
}

// HandleDiscoverReply implements receiver.PairingSink.
func (p *Pairing) HandleDiscoverReply(srcAddr byte, payload []byte) {
	if len(payload) < 3 {
		return
	}
	cmd, ok := wire.DiscoverCommandFromReplyCode(payload[2])
	if !ok {
		return
	}
	switch cmd {
	case wire.DiscoverSearch:
		p.handleSearchReply(payload)
	case wire.DiscoverWriteAddress:
		p.handleWriteAddressReply(payload)
	case wire.DiscoverProvideRegisterStructure:
		p.handleRegisterStructureReply(srcAddr, payload)
	case wire.DiscoverPairingFinished:
		p.handlePairingFinishedReply(srcAddr)
	}
}

func (p *Pairing) handleSearchReply(payload []byte) {
	if !p.enabled || p.broadcastSearchFinished {
		return
	}
	info, err := wire.DecodeSearchReply(payload)
	if err != nil {
		p.logger.Warn("malformed search reply", "err", err)
		return
	}
	if p.foundSerials[info.SerialNumber] {
		return
	}
	if d, ok := p.reg.GetDeviceBySerial(info.SerialNumber); ok && d.State == registry.StateReady {
		p.logger.Debug("ignoring search reply from an already paired device", "serial", info.SerialNumber)
		return
	}
	p.foundSerials[info.SerialNumber] = true
	p.found = append(p.found, info)
	p.logger.Info("discovered device", "serial", info.SerialNumber, "model", info.Model)
}

func (p *Pairing) handleWriteAddressReply(payload []byte) {
	if p.device == nil || p.cmd != wire.DiscoverWriteAddress || !p.waitingForReply {
		return
	}
	serialNumber, err := wire.DecodeWriteAddressReply(payload)
	if err != nil || serialNumber != p.device.SerialNumber {
		return
	}
	p.reg.SetDeviceAddress(p.device, p.pendingAddress)
	p.cmdDone[wire.DiscoverWriteAddress] = true
	p.waitingForReply = false
}

func (p *Pairing) handleRegisterStructureReply(srcAddr byte, payload []byte) {
	if p.device == nil || p.cmd != wire.DiscoverProvideRegisterStructure || !p.waitingForReply {
		return
	}
	if srcAddr != p.device.Address || p.processingRegister == nil {
		return
	}
	reply, err := wire.DecodeRegisterStructureReply(payload)
	if err != nil {
		p.logger.Warn("malformed register structure reply", "device", p.device.SerialNumber, "err", err)
		return
	}
	if reply.Kind != p.processingRegister.Kind || reply.Address != p.processingRegister.Address {
		return
	}
	p.reg.UpsertRegister(registry.RegisterDescriptor{
		DeviceID:  p.device.ID,
		Kind:      reply.Kind,
		Address:   reply.Address,
		DataType:  reply.DataType,
		Key:       reply.Key,
		Name:      reply.Name,
		Settable:  reply.Settable,
		Queryable: reply.Queryable,
	})
	p.processingRegister = nil
	p.waitingForReply = false
}

func (p *Pairing) handlePairingFinishedReply(srcAddr byte) {
	if p.device == nil || p.cmd != wire.DiscoverPairingFinished || !p.waitingForReply {
		return
	}
	if srcAddr != p.device.Address {
		return
	}
	p.cmdDone[wire.DiscoverPairingFinished] = true
	p.waitingForReply = false
	p.finishDevice()
}

func (p *Pairing) finishDevice() {
	p.reg.SetState(p.device, registry.StateReady)
	p.logger.Info("device finished pairing", "serial", p.device.SerialNumber, "address", p.device.Address)
	p.device = nil
	p.discoverDevice(time.Now())
}
