package pairing

import (
	"testing"
	"time"

	"fbbusgw/errcode"
	"fbbusgw/link"
	"fbbusgw/logx"
	"fbbusgw/registry"
	"fbbusgw/wire"
)

func setup(t *testing.T) (*Pairing, *registry.Registry, *link.SimLink) {
	t.Helper()
	reg := registry.New()
	l := link.NewSimLink(nil)
	return New(reg, l, logx.New("test")), reg, l
}

func lastSent(l *link.SimLink) []byte {
	frames := l.SentFrames()
	return frames[len(frames)-1].Payload
}

func TestSearchPhase_BroadcastsUntilAttemptsExhaustedThenEnrolls(t *testing.T) {
	p, reg, l := setup(t)
	p.Enable()

	now := time.Now()
	p.Loop(now)
	if len(l.SentFrames()) != 1 {
		t.Fatalf("expected first search broadcast, got %d sends", len(l.SentFrames()))
	}
	if lastSent(l)[2] != byte(wire.DiscoverSearch) {
		t.Fatalf("expected a SEARCH broadcast")
	}

	p.HandleDiscoverReply(wire.UnassignedAddress, wire.EncodeSearchReply(wire.SearchReply{
		SerialNumber: "AAA", InputCount: 1,
	}))

	// Re-broadcasting before SearchingDelay elapses should not resend.
	p.Loop(now)
	if len(l.SentFrames()) != 1 {
		t.Fatalf("should not rebroadcast before SearchingDelay elapses")
	}

	for i := 1; i < MaxSearchingAttempts; i++ {
		now = now.Add(SearchingDelay)
		p.Loop(now)
	}
	if len(l.SentFrames()) != MaxSearchingAttempts {
		t.Fatalf("expected %d search broadcasts, got %d", MaxSearchingAttempts, len(l.SentFrames()))
	}

	// One more tick past the last attempt ends the search phase and
	// picks up the found device; the next tick after that sends its
	// first enrollment request.
	now = now.Add(SearchingDelay)
	p.Loop(now)
	p.Loop(now)

	d, ok := reg.GetDeviceBySerial("AAA")
	if !ok {
		t.Fatalf("expected device AAA to be registered")
	}
	if d.State != registry.StatePairing {
		t.Fatalf("state = %v, want Pairing", d.State)
	}
	last := lastSent(l)
	if last[2] != byte(wire.DiscoverWriteAddress) {
		t.Fatalf("expected a WRITE_ADDRESS request, got cmd %#x", last[2])
	}
}

func TestEnrollment_FullCycleReachesReady(t *testing.T) {
	p, reg, l := setup(t)
	p.Enable()

	now := time.Now()
	p.HandleDiscoverReply(wire.UnassignedAddress, wire.EncodeSearchReply(wire.SearchReply{
		SerialNumber: "AAA", InputCount: 1,
	}))
	for i := 0; i < MaxSearchingAttempts; i++ {
		p.Loop(now)
		now = now.Add(SearchingDelay)
	}
	p.Loop(now) // ends the search phase, picks up the found device
	p.Loop(now) // sends the first WRITE_ADDRESS

	d, _ := reg.GetDeviceBySerial("AAA")
	if d.State != registry.StatePairing {
		t.Fatalf("state = %v, want Pairing", d.State)
	}

	p.HandleDiscoverReply(wire.UnassignedAddress, wire.EncodeWriteAddressReply("AAA"))
	if d.Address == wire.UnassignedAddress {
		t.Fatalf("address should be assigned once the write-address reply arrives")
	}
	assigned := d.Address

	p.Loop(now) // sends PROVIDE_REGISTER_STRUCTURE for the one seeded Input register
	last := lastSent(l)
	if last[2] != byte(wire.DiscoverProvideRegisterStructure) {
		t.Fatalf("expected a PROVIDE_REGISTER_STRUCTURE request, got cmd %#x", last[2])
	}

	p.HandleDiscoverReply(assigned, wire.EncodeRegisterStructureReply(wire.RegisterStructureReply{
		Kind: wire.RegisterInput, Address: 0, DataType: 3, Key: "temp",
	}))

	p.Loop(now) // every register now typed, sends PAIRING_FINISHED
	last = lastSent(l)
	if last[2] != byte(wire.DiscoverPairingFinished) {
		t.Fatalf("expected a PAIRING_FINISHED request, got cmd %#x", last[2])
	}

	p.HandleDiscoverReply(assigned, wire.EncodePairingFinishedReply())
	if d.State != registry.StateReady {
		t.Fatalf("state = %v, want Ready once pairing finishes", d.State)
	}

	reg2, ok := reg.GetRegisterByAddress(d.ID, wire.RegisterInput, 0)
	if !ok || reg2.Key != "temp" {
		t.Fatalf("expected the enumerated register to carry its reported key")
	}
}

func TestEnrollment_TimesOutAfterMaxAttemptsAndMovesOn(t *testing.T) {
	p, reg, l := setup(t)
	p.Enable()

	now := time.Now()
	p.HandleDiscoverReply(wire.UnassignedAddress, wire.EncodeSearchReply(wire.SearchReply{SerialNumber: "AAA"}))
	for i := 0; i < MaxSearchingAttempts; i++ {
		p.Loop(now)
		now = now.Add(SearchingDelay)
	}
	p.Loop(now) // ends the search phase, picks up the found device
	p.Loop(now) // sends the first WRITE_ADDRESS

	d, _ := reg.GetDeviceBySerial("AAA")

	for i := 0; i < MaxTransmitAttempts; i++ {
		now = now.Add(MaxPairingDelay)
		p.Loop(now)
	}

	if d.State != registry.StateLost {
		t.Fatalf("state = %v, want Lost after exhausting the retry budget", d.State)
	}
	if p.device != nil {
		t.Fatalf("pairing should have moved past the abandoned device")
	}
	if errcode.Of(p.LastError()) != errcode.PairingTimeout {
		t.Fatalf("LastError code = %v, want %v", errcode.Of(p.LastError()), errcode.PairingTimeout)
	}
	sentWriteAddressCount := 0
	for _, f := range l.SentFrames() {
		if f.Payload[1] == byte(wire.KindDiscover) && f.Payload[2] == byte(wire.DiscoverWriteAddress) {
			sentWriteAddressCount++
		}
	}
	if sentWriteAddressCount != MaxTransmitAttempts {
		t.Fatalf("expected %d WRITE_ADDRESS attempts, got %d", MaxTransmitAttempts, sentWriteAddressCount)
	}
}

func TestTotalAttemptsBudget_DisablesPairing(t *testing.T) {
	p, _, _ := setup(t)
	p.Enable()
	p.totalAttempts = MaxTotalTransmitAttempts - 1

	now := time.Now()
	p.Loop(now) // one more broadcast pushes totalAttempts to the cap
	if !p.IsEnabled() {
		t.Fatalf("pairing should still be enabled exactly at the budget")
	}

	p.Loop(now.Add(SearchingDelay))
	if p.IsEnabled() {
		t.Fatalf("pairing should disable itself once it exceeds its total attempt budget")
	}
	if errcode.Of(p.LastError()) != errcode.TotalAttemptsCap {
		t.Fatalf("LastError code = %v, want %v", errcode.Of(p.LastError()), errcode.TotalAttemptsCap)
	}
}

// TestDiscovery_AssignsSmallestFreeAddressesInReplyOrder covers two
// devices replying to the same search sweep with addresses 1 and 2
// already held by other devices: each new device should land on the
// smallest address still free at the moment it is enrolled, in the
// order their search replies arrived.
func TestDiscovery_AssignsSmallestFreeAddressesInReplyOrder(t *testing.T) {
	p, reg, l := setup(t)

	existing1 := reg.AppendDevice(registry.DeviceDescriptor{SerialNumber: "EXIST1"})
	reg.SetDeviceAddress(existing1, 1)
	existing2 := reg.AppendDevice(registry.DeviceDescriptor{SerialNumber: "EXIST2"})
	reg.SetDeviceAddress(existing2, 2)

	p.Enable()
	now := time.Now()
	p.HandleDiscoverReply(wire.UnassignedAddress, wire.EncodeSearchReply(wire.SearchReply{SerialNumber: "AAA"}))
	p.HandleDiscoverReply(wire.UnassignedAddress, wire.EncodeSearchReply(wire.SearchReply{SerialNumber: "BBB"}))
	for i := 0; i < MaxSearchingAttempts; i++ {
		p.Loop(now)
		now = now.Add(SearchingDelay)
	}
	p.Loop(now) // ends the search phase, picks up AAA first
	p.Loop(now) // sends AAA's WRITE_ADDRESS

	dAAA, _ := reg.GetDeviceBySerial("AAA")
	p.HandleDiscoverReply(wire.UnassignedAddress, wire.EncodeWriteAddressReply("AAA"))
	if dAAA.Address != 3 {
		t.Fatalf("AAA address = %d, want 3 (smallest free above the two pre-existing devices)", dAAA.Address)
	}

	p.Loop(now) // no registers to enumerate, sends PAIRING_FINISHED
	last := lastSent(l)
	if last[2] != byte(wire.DiscoverPairingFinished) {
		t.Fatalf("expected PAIRING_FINISHED for AAA, got cmd %#x", last[2])
	}
	p.HandleDiscoverReply(dAAA.Address, wire.EncodePairingFinishedReply())
	if dAAA.State != registry.StateReady {
		t.Fatalf("AAA state = %v, want Ready", dAAA.State)
	}

	p.Loop(now) // BBB was picked up when AAA finished; this sends its WRITE_ADDRESS
	dBBB, _ := reg.GetDeviceBySerial("BBB")
	p.HandleDiscoverReply(wire.UnassignedAddress, wire.EncodeWriteAddressReply("BBB"))
	if dBBB.Address != 4 {
		t.Fatalf("BBB address = %d, want 4 (next free address once AAA took 3)", dBBB.Address)
	}
}

func TestHandleSearchReply_IgnoresAlreadyPairedDevice(t *testing.T) {
	p, reg, _ := setup(t)
	d := reg.AppendDevice(registry.DeviceDescriptor{SerialNumber: "AAA"})
	reg.SetDeviceAddress(d, 7)
	reg.SetState(d, registry.StateReady)

	p.Enable()
	p.HandleDiscoverReply(wire.UnassignedAddress, wire.EncodeSearchReply(wire.SearchReply{SerialNumber: "AAA"}))

	if len(p.found) != 0 {
		t.Fatalf("should not re-enroll a device that is already Ready")
	}
}
