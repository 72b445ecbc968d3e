package wire

// Terminator ends every frame on the wire.
const Terminator byte = 0x24

// ProtocolVersion identifies the payload layout. V1 is the only version
// this gateway speaks; any other value is rejected during validation.
type ProtocolVersion byte

const ProtocolVersionV1 ProtocolVersion = 0x01

func (v ProtocolVersion) Recognized() bool { return v == ProtocolVersionV1 }

// PacketKind is payload byte 1: what kind of packet this frame carries.
type PacketKind byte

const (
	KindPing                  PacketKind = 0x01
	KindPong                  PacketKind = 0x02
	KindException             PacketKind = 0x03
	KindDiscover              PacketKind = 0x04
	KindReadSingleRegister    PacketKind = 0x21
	KindReadMultipleRegisters PacketKind = 0x22
	KindWriteSingleRegister   PacketKind = 0x31
	KindReportSingleRegister  PacketKind = 0x41

	// KindPubSubBase is the first of the optional PUB_SUB_* range
	// (0x51-5n); individual sub-kinds are not enumerated here because
	// pub-sub is an optional device capability this gateway does not
	// implement consumers for yet, only recognizes for dispatch.
	KindPubSubBase PacketKind = 0x51
	kindPubSubEnd  PacketKind = 0x5f
)

// Recognized reports whether k is a packet kind this gateway knows how
// to route, per the wire protocol table.
func (k PacketKind) Recognized() bool {
	switch {
	case k == KindPing, k == KindPong, k == KindException, k == KindDiscover,
		k == KindReadSingleRegister, k == KindReadMultipleRegisters,
		k == KindWriteSingleRegister, k == KindReportSingleRegister:
		return true
	case k >= KindPubSubBase && k <= kindPubSubEnd:
		return true
	default:
		return false
	}
}

func (k PacketKind) IsPubSub() bool { return k >= KindPubSubBase && k <= kindPubSubEnd }

// DiscoverCommand is payload byte 2 of a DISCOVER frame: which pairing
// step the frame carries. A reply frame carries ReplyCode() in that same
// position instead of the command itself.
type DiscoverCommand byte

const (
	DiscoverSearch                    DiscoverCommand = 0x01
	DiscoverWriteAddress              DiscoverCommand = 0x02
	DiscoverProvideRegisterStructure  DiscoverCommand = 0x03
	DiscoverPairingFinished           DiscoverCommand = 0x04
)

// ReplyCode returns the response code a device echoes back for this
// command: 0x50 + command.
func (c DiscoverCommand) ReplyCode() byte { return 0x50 + byte(c) }

// DiscoverCommandFromReplyCode inverts ReplyCode; ok is false if code
// does not correspond to any known command's reply.
func DiscoverCommandFromReplyCode(code byte) (cmd DiscoverCommand, ok bool) {
	if code < 0x51 || code > 0x54 {
		return 0, false
	}
	return DiscoverCommand(code - 0x50), true
}

// RegisterKind is the wire encoding of a register's kind, used inside
// PROVIDE_REGISTER_STRUCTURE and read/write payloads.
type RegisterKind byte

const (
	RegisterInput     RegisterKind = 0x01
	RegisterOutput    RegisterKind = 0x02
	RegisterAttribute RegisterKind = 0x03
	RegisterSetting   RegisterKind = 0x04
)

func (k RegisterKind) Recognized() bool {
	switch k {
	case RegisterInput, RegisterOutput, RegisterAttribute, RegisterSetting:
		return true
	default:
		return false
	}
}

// Bus addresses.
const (
	BroadcastAddress     byte = 0
	DefaultMasterAddress byte = 254
	UnassignedAddress    byte = 255
)
