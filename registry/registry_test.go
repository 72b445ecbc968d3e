package registry

import (
	"testing"
	"time"

	"fbbusgw/values"
	"fbbusgw/wire"
)

func TestAppendDevice_IdempotentOnSerial(t *testing.T) {
	r := New()
	d1 := r.AppendDevice(DeviceDescriptor{SerialNumber: "ABC12345", Manufacturer: "acme"})
	d2 := r.AppendDevice(DeviceDescriptor{SerialNumber: "ABC12345", Manufacturer: "acme-v2"})

	if d1.ID != d2.ID {
		t.Fatalf("AppendDevice created a second record for the same serial number")
	}
	if d2.Manufacturer != "acme-v2" {
		t.Fatalf("AppendDevice did not update the existing record in place")
	}
	if len(r.Devices()) != 1 {
		t.Fatalf("expected exactly one device, got %d", len(r.Devices()))
	}
}

func TestFindFreeAddress_SmallestFirst(t *testing.T) {
	r := New()
	d1 := r.AppendDevice(DeviceDescriptor{SerialNumber: "AAA"})
	d2 := r.AppendDevice(DeviceDescriptor{SerialNumber: "BBB"})
	r.SetDeviceAddress(d1, 1)
	r.SetDeviceAddress(d2, 2)

	addr, ok := r.FindFreeAddress()
	if !ok || addr != 3 {
		t.Fatalf("FindFreeAddress() = %d, %v, want 3, true", addr, ok)
	}
}

func TestFindFreeAddress_Saturated(t *testing.T) {
	r := New()
	for i := 1; i <= 253; i++ {
		d := r.AppendDevice(DeviceDescriptor{SerialNumber: string(rune(i))})
		r.SetDeviceAddress(d, byte(i))
	}
	if _, ok := r.FindFreeAddress(); ok {
		t.Fatal("expected FindFreeAddress to report saturation")
	}
}

func TestSetState_EmitsOnlyOnActualChange(t *testing.T) {
	r := New()
	d := r.AppendDevice(DeviceDescriptor{SerialNumber: "AAA"})

	var transitions int
	r.Subscribe(observerFuncs{stateChanged: func(*Device, State, State) { transitions++ }})

	r.SetState(d, StateInit)
	r.SetState(d, StateInit) // no-op, same state
	r.SetState(d, StateReady)

	if transitions != 2 {
		t.Fatalf("expected 2 state-change notifications, got %d", transitions)
	}
}

func TestSetExpectedThenActual_ClearsPendingAndFiresOnce(t *testing.T) {
	r := New()
	d := r.AppendDevice(DeviceDescriptor{SerialNumber: "AAA"})
	reg := r.UpsertRegister(RegisterDescriptor{DeviceID: d.ID, Kind: wire.RegisterOutput, Address: 0, DataType: values.U8})

	var actualChanges int
	var expectedChanges int
	r.Subscribe(observerFuncs{
		actualChanged:   func(*Register, values.Value, values.Value) { actualChanges++ },
		expectedChanged: func(*Register, values.Value, values.Value, bool) { expectedChanges++ },
	})

	r.SetExpectedValue(reg, values.NewInt(42))
	if !reg.ExpectedPending {
		t.Fatal("expected pending flag to be set after SetExpectedValue")
	}

	r.SetActualValue(reg, values.NewInt(42), time.Now())

	if reg.ExpectedPending {
		t.Fatal("expected pending flag to clear once actual matches expected")
	}
	if !reg.ExpectedValue.IsNone() {
		t.Fatalf("expected value should clear to None, got %#v", reg.ExpectedValue)
	}
	if actualChanges != 1 {
		t.Fatalf("expected exactly 1 ActualValueChanged notification, got %d", actualChanges)
	}
	if expectedChanges != 2 { // one for the set, one for the clear
		t.Fatalf("expected 2 ExpectedValueChanged notifications, got %d", expectedChanges)
	}
}

func TestSetExpectedValue_NoopOnReadOnlyRegister(t *testing.T) {
	r := New()
	d := r.AppendDevice(DeviceDescriptor{SerialNumber: "AAA"})
	reg := r.UpsertRegister(RegisterDescriptor{DeviceID: d.ID, Kind: wire.RegisterInput, Address: 0, DataType: values.U8})

	r.SetExpectedValue(reg, values.NewInt(1))
	if reg.ExpectedPending {
		t.Fatal("SetExpectedValue must be a no-op on a read-only Input register")
	}
}

func TestFullyEnumerated(t *testing.T) {
	r := New()
	d := r.AppendDevice(DeviceDescriptor{SerialNumber: "AAA"})
	r.UpsertRegister(RegisterDescriptor{DeviceID: d.ID, Kind: wire.RegisterInput, Address: 0, DataType: values.Unknown})

	if r.FullyEnumerated(d.ID) {
		t.Fatal("device with an Unknown input register must not be FullyEnumerated")
	}

	r.UpsertRegister(RegisterDescriptor{DeviceID: d.ID, Kind: wire.RegisterInput, Address: 0, DataType: values.Bool})
	if !r.FullyEnumerated(d.ID) {
		t.Fatal("device should be FullyEnumerated once its Input/Output registers are typed")
	}
}

func TestAllRegistersOrdered_KindThenAddress(t *testing.T) {
	r := New()
	d := r.AppendDevice(DeviceDescriptor{SerialNumber: "AAA"})
	r.UpsertRegister(RegisterDescriptor{DeviceID: d.ID, Kind: wire.RegisterSetting, Address: 0, DataType: values.Bool})
	r.UpsertRegister(RegisterDescriptor{DeviceID: d.ID, Kind: wire.RegisterInput, Address: 1, DataType: values.Bool})
	r.UpsertRegister(RegisterDescriptor{DeviceID: d.ID, Kind: wire.RegisterInput, Address: 0, DataType: values.Bool})
	r.UpsertRegister(RegisterDescriptor{DeviceID: d.ID, Kind: wire.RegisterOutput, Address: 0, DataType: values.Bool})

	ordered := r.AllRegistersOrdered(d.ID)
	wantKinds := []wire.RegisterKind{wire.RegisterInput, wire.RegisterInput, wire.RegisterOutput, wire.RegisterSetting}
	if len(ordered) != len(wantKinds) {
		t.Fatalf("got %d registers, want %d", len(ordered), len(wantKinds))
	}
	for i, k := range wantKinds {
		if ordered[i].Kind != k {
			t.Fatalf("position %d: kind = %v, want %v", i, ordered[i].Kind, k)
		}
	}
	if ordered[0].Address != 0 || ordered[1].Address != 1 {
		t.Fatalf("Input registers not ascending by address: %d then %d", ordered[0].Address, ordered[1].Address)
	}
}

// observerFuncs adapts function values to the Observer interface for
// tests that only care about one or two notification kinds.
type observerFuncs struct {
	NoopObserver
	stateChanged    func(*Device, State, State)
	actualChanged   func(*Register, values.Value, values.Value)
	expectedChanged func(*Register, values.Value, values.Value, bool)
}

func (o observerFuncs) DeviceStateChanged(d *Device, old, new State) {
	if o.stateChanged != nil {
		o.stateChanged(d, old, new)
	}
}
func (o observerFuncs) ActualValueChanged(r *Register, old, new values.Value) {
	if o.actualChanged != nil {
		o.actualChanged(r, old, new)
	}
}
func (o observerFuncs) ExpectedValueChanged(r *Register, old, new values.Value, pending bool) {
	if o.expectedChanged != nil {
		o.expectedChanged(r, old, new, pending)
	}
}
