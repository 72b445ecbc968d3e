package connector

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"fbbusgw/bus"
	"fbbusgw/errcode"
	"fbbusgw/link"
	"fbbusgw/logx"
	"fbbusgw/registry"
	"fbbusgw/values"
	"fbbusgw/wire"
)

func setup(t *testing.T) (*Connector, *registry.Registry, *link.SimLink) {
	t.Helper()
	reg := registry.New()
	b := bus.NewBus(8)

	var c *Connector
	l := link.NewSimLink(func(addr byte, frame []byte) { c.EnqueueFrame(addr, frame) })
	c = New(reg, l, logx.New("test"), b, nil)
	return c, reg, l
}

func readyDevice(reg *registry.Registry, addr byte) *registry.Device {
	d := reg.AppendDevice(registry.DeviceDescriptor{SerialNumber: "AAA"})
	reg.SetDeviceAddress(d, addr)
	reg.SetState(d, registry.StateReady)
	return d
}

func frameFor(payload []byte) []byte { return wire.Encode(payload) }

func TestLoop_InboundBeforeOutbound(t *testing.T) {
	c, reg, l := setup(t)
	d := readyDevice(reg, 5)
	reg.UpsertRegister(registry.RegisterDescriptor{DeviceID: d.ID, Kind: wire.RegisterInput, Address: 0, DataType: values.U8})
	reg.SetState(d, registry.StateLost)

	l.InjectFrame(5, []byte{byte(wire.ProtocolVersionV1), byte(wire.KindPong)})

	// The link hands the injected frame to the receiver during this tick's
	// closing Poll; the next tick's Receiver step then handles it.
	c.Loop(time.Now())
	c.Loop(time.Now())

	if d.State != registry.StateReady {
		t.Fatalf("state = %v, want Ready: a PONG reply should resurrect a Lost device before the publisher runs", d.State)
	}
	if len(l.SentFrames()) == 0 {
		t.Fatalf("expected the publisher to have sent a request for the now-Ready device in the same tick")
	}
}

func TestStop_DrainsInboundThenBecomesNoOp(t *testing.T) {
	c, reg, _ := setup(t)
	d := readyDevice(reg, 5)
	inReg := reg.UpsertRegister(registry.RegisterDescriptor{DeviceID: d.ID, Kind: wire.RegisterInput, Address: 0, DataType: values.U8})

	c.Stop()
	c.recv.Enqueue(5, frameFor(wire.EncodeRegisterValue(wire.KindReportSingleRegister, wire.RegisterInput, 0, []byte{9})))

	if !c.HasUnfinishedTasks() {
		t.Fatalf("expected unfinished inbound work right after Stop")
	}

	c.Loop(time.Now())

	if c.HasUnfinishedTasks() {
		t.Fatalf("inbound work should have drained on the first post-stop tick")
	}
	n, ok := inReg.ActualValue.AsInt()
	if !ok || n != 9 {
		t.Fatalf("expected the queued report to still be applied after stop, got %v", inReg.ActualValue)
	}

	sendsBefore := len(sentFrames(c))
	c.Loop(time.Now())
	if len(sentFrames(c)) != sendsBefore {
		t.Fatalf("a stopped connector with no unfinished work should send nothing")
	}
}

func sentFrames(c *Connector) []link.SentFrame {
	sl, ok := c.link.(*link.SimLink)
	if !ok {
		return nil
	}
	return sl.SentFrames()
}

func TestWriteRegisterValue_SetsExpectedValue(t *testing.T) {
	c, reg, _ := setup(t)
	d := readyDevice(reg, 5)
	out := reg.UpsertRegister(registry.RegisterDescriptor{DeviceID: d.ID, Kind: wire.RegisterOutput, Address: 0, DataType: values.U8})

	if err := c.WriteRegisterValue(out.ID, float64(7)); err != nil {
		t.Fatalf("WriteRegisterValue: %v", err)
	}
	n, ok := out.ExpectedValue.AsInt()
	if !ok || n != 7 {
		t.Fatalf("expected value = %v, want 7", out.ExpectedValue)
	}
}

func TestWriteRegisterValue_RejectsNotWritableRegister(t *testing.T) {
	c, reg, _ := setup(t)
	d := readyDevice(reg, 5)
	in := reg.UpsertRegister(registry.RegisterDescriptor{DeviceID: d.ID, Kind: wire.RegisterInput, Address: 0, DataType: values.U8})

	err := c.WriteRegisterValue(in.ID, float64(7))
	if err == nil {
		t.Fatal("expected an error writing to a read-only Input register")
	}
	if errcode.Of(err) != errcode.RegisterNotWritable {
		t.Fatalf("errcode = %v, want %v", errcode.Of(err), errcode.RegisterNotWritable)
	}
	if in.ExpectedPending {
		t.Fatal("a rejected write must not leave ExpectedPending set")
	}
}

func TestWriteRegisterValue_UnknownRegister(t *testing.T) {
	c, _, _ := setup(t)

	err := c.WriteRegisterValue(uuid.Nil, float64(7))
	if errcode.Of(err) != errcode.RegisterNotFound {
		t.Fatalf("errcode = %v, want %v", errcode.Of(err), errcode.RegisterNotFound)
	}
}

func TestBroadcastValue_SetsEveryMatchingRegisterAcrossDevices(t *testing.T) {
	c, reg, _ := setup(t)
	d1 := readyDevice(reg, 1)
	d2 := reg.AppendDevice(registry.DeviceDescriptor{SerialNumber: "BBB"})
	reg.SetDeviceAddress(d2, 2)
	reg.SetState(d2, registry.StateReady)

	o1 := reg.UpsertRegister(registry.RegisterDescriptor{DeviceID: d1.ID, Kind: wire.RegisterOutput, Address: 0, DataType: values.Bool, Key: "relay"})
	o2 := reg.UpsertRegister(registry.RegisterDescriptor{DeviceID: d2.ID, Kind: wire.RegisterOutput, Address: 0, DataType: values.Bool, Key: "relay"})

	if err := c.BroadcastValue("relay", true, values.Bool); err != nil {
		t.Fatalf("BroadcastValue: %v", err)
	}
	for _, r := range []*registry.Register{o1, o2} {
		b, ok := r.ExpectedValue.AsBool()
		if !ok || !b {
			t.Fatalf("register %s expected value = %v, want true", r.ID, r.ExpectedValue)
		}
	}
}

func TestBroadcastValue_NoMatchingRegisterIsAnError(t *testing.T) {
	c, _, _ := setup(t)
	if err := c.BroadcastValue("nonexistent", true, values.Bool); err == nil {
		t.Fatalf("expected an error when no register carries the given key")
	}
}
