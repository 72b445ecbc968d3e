package registry

import "fbbusgw/values"

// Observer receives synchronous, in-thread notification of every registry
// mutation. Handlers must be re-entrancy-safe: they may read the registry
// further but must never call back into a mutating Registry method.
type Observer interface {
	DeviceCreatedOrUpdated(d *Device)
	DeviceStateChanged(d *Device, old, new State)
	RegisterCreatedOrUpdated(r *Register)
	ActualValueChanged(r *Register, old, new values.Value)
	ExpectedValueChanged(r *Register, old values.Value, new values.Value, pending bool)
}

// NoopObserver implements Observer with no-op methods; embed it to
// override only the notifications a particular observer cares about.
type NoopObserver struct{}

func (NoopObserver) DeviceCreatedOrUpdated(*Device)                                 {}
func (NoopObserver) DeviceStateChanged(*Device, State, State)                       {}
func (NoopObserver) RegisterCreatedOrUpdated(*Register)                            {}
func (NoopObserver) ActualValueChanged(*Register, values.Value, values.Value)       {}
func (NoopObserver) ExpectedValueChanged(*Register, values.Value, values.Value, bool) {}
