package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fbbusgw/values"
	"fbbusgw/wire"
	"fbbusgw/x/mathx"
)

// Registry is the in-memory store of devices and registers. It is the
// only mutable shared state in the gateway; a single cooperative loop
// drives every mutation, but Registry still guards itself with a mutex
// so a background link reader can safely read a snapshot concurrently.
type Registry struct {
	mu sync.RWMutex

	devicesByID      map[uuid.UUID]*Device
	devicesBySerial  map[string]*Device
	devicesByAddress map[byte]*Device
	deviceOrder      []uuid.UUID // stable round-robin order, insertion order

	registersByID     map[uuid.UUID]*Register
	registersByDevice map[uuid.UUID][]*Register // not kept sorted; sort on read

	observers []Observer
}

func New() *Registry {
	return &Registry{
		devicesByID:       make(map[uuid.UUID]*Device),
		devicesBySerial:   make(map[string]*Device),
		devicesByAddress:  make(map[byte]*Device),
		registersByID:     make(map[uuid.UUID]*Register),
		registersByDevice: make(map[uuid.UUID][]*Register),
	}
}

// Subscribe registers an observer for future mutations.
func (r *Registry) Subscribe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *Registry) notifyDeviceCreatedOrUpdated(d *Device) {
	for _, o := range r.observers {
		o.DeviceCreatedOrUpdated(d)
	}
}
func (r *Registry) notifyDeviceStateChanged(d *Device, old, new State) {
	for _, o := range r.observers {
		o.DeviceStateChanged(d, old, new)
	}
}
func (r *Registry) notifyRegisterCreatedOrUpdated(reg *Register) {
	for _, o := range r.observers {
		o.RegisterCreatedOrUpdated(reg)
	}
}
func (r *Registry) notifyActualValueChanged(reg *Register, old, new values.Value) {
	for _, o := range r.observers {
		o.ActualValueChanged(reg, old, new)
	}
}
func (r *Registry) notifyExpectedValueChanged(reg *Register, old, new values.Value, pending bool) {
	for _, o := range r.observers {
		o.ExpectedValueChanged(reg, old, new, pending)
	}
}

// -----------------------------------------------------------------------------
// Device lookups
// -----------------------------------------------------------------------------

func (r *Registry) GetDeviceByID(id uuid.UUID) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devicesByID[id]
	return d, ok
}

func (r *Registry) GetDeviceByAddress(addr byte) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devicesByAddress[addr]
	return d, ok
}

func (r *Registry) GetDeviceBySerial(sn string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devicesBySerial[sn]
	return d, ok
}

// Devices returns a snapshot of all devices in stable round-robin order.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0, len(r.deviceOrder))
	for _, id := range r.deviceOrder {
		out = append(out, r.devicesByID[id])
	}
	return out
}

// AppendDevice is idempotent on SerialNumber: an existing record is
// updated in place and returned; otherwise a new one is created in state
// UNKNOWN with an unassigned address.
func (r *Registry) AppendDevice(desc DeviceDescriptor) *Device {
	r.mu.Lock()
	d, existed := r.devicesBySerial[desc.SerialNumber]
	if !existed {
		d = &Device{
			ID:           uuid.New(),
			SerialNumber: desc.SerialNumber,
			Address:      wire.UnassignedAddress,
			State:        StateUnknown,
		}
		r.devicesByID[d.ID] = d
		r.devicesBySerial[d.SerialNumber] = d
		r.deviceOrder = append(r.deviceOrder, d.ID)
	}
	d.HardwareVersion = desc.HardwareVersion
	d.FirmwareVersion = desc.FirmwareVersion
	d.Manufacturer = desc.Manufacturer
	d.Model = desc.Model
	d.PubSubPub = desc.PubSubPub
	d.PubSubSub = desc.PubSubSub
	d.MaxSubscriptions = desc.MaxSubscriptions
	d.MaxConditions = desc.MaxConditions
	d.MaxActions = desc.MaxActions
	d.SamplingPeriod = desc.SamplingPeriod
	if desc.RegisterCounts != nil {
		d.RegisterCounts = desc.RegisterCounts
	}
	r.mu.Unlock()

	r.notifyDeviceCreatedOrUpdated(d)
	return d
}

// SetDeviceAddress assigns addr to d, maintaining the by-address index.
// It does not validate uniqueness; callers allocate via FindFreeAddress
// first.
func (r *Registry) SetDeviceAddress(d *Device, addr byte) {
	if addr != wire.UnassignedAddress && !mathx.Between(addr, minDeviceAddress, maxDeviceAddress) {
		return
	}
	r.mu.Lock()
	if d.Address != wire.UnassignedAddress {
		delete(r.devicesByAddress, d.Address)
	}
	d.Address = addr
	if addr != wire.UnassignedAddress {
		r.devicesByAddress[addr] = d
	}
	r.mu.Unlock()
	r.notifyDeviceCreatedOrUpdated(d)
}

// SetState transitions d to s, emitting a state-change event iff the
// state actually changes.
func (r *Registry) SetState(d *Device, s State) {
	r.mu.Lock()
	old := d.State
	if old == s {
		r.mu.Unlock()
		return
	}
	d.State = s
	r.mu.Unlock()
	r.notifyDeviceStateChanged(d, old, s)
}

// minDeviceAddress and maxDeviceAddress bound the assignable device
// address range; 0 is the bus broadcast address and 254/255 are
// reserved for the master and "unassigned" respectively.
const (
	minDeviceAddress byte = 1
	maxDeviceAddress byte = 253
)

// FindFreeAddress returns the smallest integer in [1,253] not currently
// held by any device, or false if all 253 addresses are saturated.
func (r *Registry) FindFreeAddress() (byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for a := int(minDeviceAddress); a <= int(maxDeviceAddress); a++ {
		if _, held := r.devicesByAddress[byte(a)]; !held {
			return byte(a), true
		}
	}
	return 0, false
}

// -----------------------------------------------------------------------------
// Register lookups and mutation
// -----------------------------------------------------------------------------

func (r *Registry) GetRegisterByID(id uuid.UUID) (*Register, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.registersByID[id]
	return reg, ok
}

// RegisterState reads a register's writability and data type together
// under the registry lock, so a caller deciding whether to accept a
// write never observes one updated by a concurrent UpsertRegister (e.g.
// mid-pairing) while the other is still stale.
func (r *Registry) RegisterState(reg *Register) (writable bool, dataType values.DataType) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return reg.Writable(), reg.DataType
}

func (r *Registry) GetRegisterByAddress(deviceID uuid.UUID, kind wire.RegisterKind, addr byte) (*Register, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, reg := range r.registersByDevice[deviceID] {
		if reg.Kind == kind && reg.Address == addr {
			return reg, true
		}
	}
	return nil, false
}

func (r *Registry) GetRegisterByKey(deviceID uuid.UUID, key string) (*Register, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, reg := range r.registersByDevice[deviceID] {
		if reg.Key == key {
			return reg, true
		}
	}
	return nil, false
}

// RegistersByKind returns a device's registers of one kind, sorted by
// ascending address. This is the order pairing enumerates registers in
// and the order the publisher reads them in.
func (r *Registry) RegistersByKind(deviceID uuid.UUID, kind wire.RegisterKind) []*Register {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Register
	for _, reg := range r.registersByDevice[deviceID] {
		if reg.Kind == kind {
			out = append(out, reg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// pairingKindOrder is the order pairing enumerates register kinds in:
// INPUT, OUTPUT, ATTRIBUTE, SETTING.
var pairingKindOrder = []wire.RegisterKind{
	wire.RegisterInput, wire.RegisterOutput, wire.RegisterAttribute, wire.RegisterSetting,
}

// AllRegistersOrdered returns every register of a device in pairing
// enumeration order: kind order INPUT/OUTPUT/ATTRIBUTE/SETTING, ascending
// address within a kind.
func (r *Registry) AllRegistersOrdered(deviceID uuid.UUID) []*Register {
	var out []*Register
	for _, k := range pairingKindOrder {
		out = append(out, r.RegistersByKind(deviceID, k)...)
	}
	return out
}

// NextUnknownRegister returns the first register of deviceID, in pairing
// enumeration order (INPUT, OUTPUT, ATTRIBUTE, SETTING; ascending
// address within a kind), whose data type is still Unknown.
func (r *Registry) NextUnknownRegister(deviceID uuid.UUID) (*Register, bool) {
	for _, reg := range r.AllRegistersOrdered(deviceID) {
		if reg.DataType == values.Unknown {
			return reg, true
		}
	}
	return nil, false
}

// FullyEnumerated reports whether every INPUT/OUTPUT register of
// deviceID has a non-Unknown data type, the condition §3 requires before
// a device may enter StateReady.
func (r *Registry) FullyEnumerated(deviceID uuid.UUID) bool {
	for _, kind := range []wire.RegisterKind{wire.RegisterInput, wire.RegisterOutput} {
		for _, reg := range r.RegistersByKind(deviceID, kind) {
			if reg.DataType == values.Unknown {
				return false
			}
		}
	}
	return true
}

// UpsertRegister is idempotent on (DeviceID, Kind, Address): an existing
// record's DataType/Key/Name/Settable/Queryable are updated in place.
func (r *Registry) UpsertRegister(desc RegisterDescriptor) *Register {
	r.mu.Lock()
	var reg *Register
	for _, existing := range r.registersByDevice[desc.DeviceID] {
		if existing.Kind == desc.Kind && existing.Address == desc.Address {
			reg = existing
			break
		}
	}
	if reg == nil {
		reg = &Register{
			ID:           uuid.New(),
			DeviceID:     desc.DeviceID,
			Kind:         desc.Kind,
			Address:      desc.Address,
			ActualValue:  values.None(),
			ExpectedValue: values.None(),
		}
		r.registersByID[reg.ID] = reg
		r.registersByDevice[desc.DeviceID] = append(r.registersByDevice[desc.DeviceID], reg)
	}
	reg.DataType = desc.DataType
	reg.Key = desc.Key
	reg.Name = desc.Name
	reg.Settable = desc.Settable
	reg.Queryable = desc.Queryable
	r.mu.Unlock()

	r.notifyRegisterCreatedOrUpdated(reg)
	return reg
}

// SetExpectedValue sets v as the register's pending expected value. It is
// a no-op if the register is not writable or v already equals the
// current expected value.
func (r *Registry) SetExpectedValue(reg *Register, v values.Value) {
	r.mu.Lock()
	if !reg.Writable() {
		r.mu.Unlock()
		return
	}
	if reg.ExpectedPending && reg.ExpectedValue.Equal(v) {
		r.mu.Unlock()
		return
	}
	old := reg.ExpectedValue
	reg.ExpectedValue = v
	reg.ExpectedValueAt = time.Now()
	reg.ExpectedPending = true
	r.mu.Unlock()

	r.notifyExpectedValueChanged(reg, old, v, true)
}

// SetActualValue records an observed value. It emits ActualValueChanged
// iff the value differs from the previous actual value. If an expected
// value is pending and equals the new actual value, both the expected
// value and its pending flag clear atomically with this call.
func (r *Registry) SetActualValue(reg *Register, v values.Value, at time.Time) {
	r.mu.Lock()
	old := reg.ActualValue
	changed := !old.Equal(v)
	if changed {
		reg.ActualValue = v
		reg.ActualValueAt = at
	}

	var expectedCleared bool
	var oldExpected values.Value
	if reg.ExpectedPending && reg.ExpectedValue.Equal(v) {
		oldExpected = reg.ExpectedValue
		reg.ExpectedValue = values.None()
		reg.ExpectedPending = false
		expectedCleared = true
	}
	r.mu.Unlock()

	if changed {
		r.notifyActualValueChanged(reg, old, v)
	}
	if expectedCleared {
		r.notifyExpectedValueChanged(reg, oldExpected, values.None(), false)
	}
}
