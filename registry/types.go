// Package registry is the authoritative in-memory model of known devices
// and their registers: lookup by id/address/serial/key, free-address
// allocation, expected-vs-actual value tracking, and change notification
// through a typed observer interface (no generic event-dispatch
// framework is involved).
package registry

import (
	"time"

	"github.com/google/uuid"

	"fbbusgw/values"
	"fbbusgw/wire"
)

// State is a device's connection state.
type State byte

const (
	StateUnknown State = iota
	StateInit
	StatePairing
	StateReady
	StateLost
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateInit:
		return "init"
	case StatePairing:
		return "pairing"
	case StateReady:
		return "ready"
	case StateLost:
		return "lost"
	case StateStopped:
		return "stopped"
	default:
		return "state(?)"
	}
}

// Device is the authoritative record of one paired or pairing bus device.
type Device struct {
	ID           uuid.UUID
	Address      byte // 1..253 once assigned; wire.UnassignedAddress before then
	SerialNumber string // primary natural key

	HardwareVersion string
	FirmwareVersion string
	Manufacturer    string
	Model           string

	PubSubPub        bool
	PubSubSub        bool
	MaxSubscriptions int
	MaxConditions    int
	MaxActions       int

	// RegisterCounts holds the size the device itself reported for each
	// kind in its SEARCH reply capability descriptor, independent of
	// how many register records have actually been enumerated so far.
	RegisterCounts map[wire.RegisterKind]int

	State            State
	LastPacketSentAt time.Time
	ReadyForReply    bool
	SamplingPeriod   time.Duration
}

// Register is the union of the four register-kind variants: Input,
// Output, Attribute, Setting are all this one struct, discriminated by
// Kind. Fields that don't apply to a given kind are simply left zero
// (e.g. Input registers never have ExpectedPending set).
type Register struct {
	ID       uuid.UUID
	DeviceID uuid.UUID
	Kind     wire.RegisterKind
	Address  byte // unique within (DeviceID, Kind)
	DataType values.DataType // Unknown until enumerated by pairing

	Key  string // Input/Output identifying key
	Name string // Attribute/Setting display name

	Settable  bool // Output is implicitly settable; Setting always is
	Queryable bool // Attribute only

	ActualValue     values.Value
	ActualValueAt   time.Time
	ExpectedValue   values.Value
	ExpectedValueAt time.Time
	ExpectedPending bool
}

// Writable reports whether this register accepts SetExpectedValue: Input
// never does, Output always does, Attribute/Setting do when Settable.
func (r *Register) Writable() bool {
	switch r.Kind {
	case wire.RegisterInput:
		return false
	case wire.RegisterOutput, wire.RegisterSetting:
		return true
	case wire.RegisterAttribute:
		return r.Settable
	default:
		return false
	}
}

// DeviceDescriptor is the input to AppendDevice: everything Pairing knows
// about a newly discovered or rediscovered device.
type DeviceDescriptor struct {
	SerialNumber     string
	HardwareVersion  string
	FirmwareVersion  string
	Manufacturer     string
	Model            string
	PubSubPub        bool
	PubSubSub        bool
	MaxSubscriptions int
	MaxConditions    int
	MaxActions       int
	RegisterCounts   map[wire.RegisterKind]int
	SamplingPeriod   time.Duration
}

// RegisterDescriptor is the input to UpsertRegister.
type RegisterDescriptor struct {
	DeviceID  uuid.UUID
	Kind      wire.RegisterKind
	Address   byte
	DataType  values.DataType
	Key       string
	Name      string
	Settable  bool
	Queryable bool
}
