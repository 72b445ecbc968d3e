// Package wire implements the bit-exact FB BUS frame format: CRC-16
// checksum, frame construction, and validation of inbound frames. Nothing
// here is aware of devices, registries, or pairing — it only turns
// payload bytes into frames and back.
package wire

import "fbbusgw/errcode"

// minFrameLen is the smallest frame that could possibly validate: one
// version byte, one packet-kind byte, two CRC bytes, one terminator.
const minFrameLen = 5

// Encode builds an outbound frame from payload (payload[0] must already
// be the protocol version, payload[1] the packet kind): the CRC-16 over
// payload, then the terminator, are appended.
func Encode(payload []byte) []byte {
	crc := crc16(payload)
	frame := make([]byte, 0, len(payload)+3)
	frame = append(frame, payload...)
	frame = append(frame, byte(crc>>8), byte(crc), Terminator)
	return frame
}

// Decode validates an inbound frame and returns its payload (protocol
// version and packet kind included, CRC and terminator stripped).
// Validation follows the documented order: version, kind, CRC,
// terminator. Every rejection is reported via a distinct errcode.Code so
// the caller can log and drop without inspecting frame bytes itself.
func Decode(frame []byte) ([]byte, error) {
	if len(frame) < minFrameLen {
		return nil, errcode.FrameTooShort
	}
	if !ProtocolVersion(frame[0]).Recognized() {
		return nil, errcode.UnknownVersion
	}
	if !PacketKind(frame[1]).Recognized() {
		return nil, errcode.UnknownKind
	}

	l := len(frame)
	payload := frame[:l-3]
	want := crc16(payload)
	got := uint16(frame[l-3])<<8 | uint16(frame[l-2])
	if got != want {
		return nil, errcode.CRCMismatch
	}
	if frame[l-1] != Terminator {
		return nil, errcode.BadTerminator
	}
	return payload, nil
}

// Kind reads the packet kind out of a decoded payload. Callers must have
// run Decode first; Kind does not itself validate.
func Kind(payload []byte) PacketKind {
	if len(payload) < 2 {
		return 0
	}
	return PacketKind(payload[1])
}

// Version reads the protocol version out of a decoded payload.
func Version(payload []byte) ProtocolVersion {
	if len(payload) < 1 {
		return 0
	}
	return ProtocolVersion(payload[0])
}
