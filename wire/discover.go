package wire

import (
	"fmt"

	"fbbusgw/values"
)

// The payload shapes below are this gateway's own encoding for each
// DISCOVER sub-command; the wire protocol table only fixes the frame,
// CRC, packet-kind, and discover-subcommand bytes, leaving per-command
// content to the implementation. Every shape is length-prefixed
// (1-byte length, ASCII content) so both directions of a conversation
// agree on layout without an external schema.

func putString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func getString(payload []byte, at int) (string, int, error) {
	if at >= len(payload) {
		return "", at, fmt.Errorf("wire: truncated length-prefixed string at offset %d", at)
	}
	n := int(payload[at])
	at++
	if at+n > len(payload) {
		return "", at, fmt.Errorf("wire: truncated string content at offset %d (want %d bytes)", at, n)
	}
	return string(payload[at : at+n]), at + n, nil
}

// SearchReply is what a device in pairing mode answers a SEARCH
// broadcast with: its identity and capability descriptor.
type SearchReply struct {
	SerialNumber     string
	HardwareVersion  string
	FirmwareVersion  string
	Manufacturer     string
	Model            string
	PubSubPub        bool
	PubSubSub        bool
	MaxSubscriptions byte
	MaxConditions    byte
	MaxActions       byte
	InputCount       byte
	OutputCount      byte
	AttributeCount   byte
	SettingCount     byte
}

// EncodeSearchReply builds the DISCOVER/SEARCH-reply payload (header
// included: version, kind, reply code).
func EncodeSearchReply(r SearchReply) []byte {
	buf := []byte{byte(ProtocolVersionV1), byte(KindDiscover), DiscoverSearch.ReplyCode()}
	buf = putString(buf, r.SerialNumber)
	buf = putString(buf, r.HardwareVersion)
	buf = putString(buf, r.FirmwareVersion)
	buf = putString(buf, r.Manufacturer)
	buf = putString(buf, r.Model)
	var flags byte
	if r.PubSubPub {
		flags |= 1 << 0
	}
	if r.PubSubSub {
		flags |= 1 << 1
	}
	buf = append(buf, flags, r.MaxSubscriptions, r.MaxConditions, r.MaxActions)
	buf = append(buf, r.InputCount, r.OutputCount, r.AttributeCount, r.SettingCount)
	return buf
}

// DecodeSearchReply parses a decoded DISCOVER frame payload (version and
// kind already stripped of ambiguity by the caller's dispatch) back into
// a SearchReply.
func DecodeSearchReply(payload []byte) (SearchReply, error) {
	var r SearchReply
	at := 3 // skip version, kind, reply code
	var err error
	if r.SerialNumber, at, err = getString(payload, at); err != nil {
		return r, err
	}
	if r.HardwareVersion, at, err = getString(payload, at); err != nil {
		return r, err
	}
	if r.FirmwareVersion, at, err = getString(payload, at); err != nil {
		return r, err
	}
	if r.Manufacturer, at, err = getString(payload, at); err != nil {
		return r, err
	}
	if r.Model, at, err = getString(payload, at); err != nil {
		return r, err
	}
	if at+7 > len(payload) {
		return r, fmt.Errorf("wire: truncated search reply trailer")
	}
	flags := payload[at]
	r.PubSubPub = flags&(1<<0) != 0
	r.PubSubSub = flags&(1<<1) != 0
	r.MaxSubscriptions, r.MaxConditions, r.MaxActions = payload[at+1], payload[at+2], payload[at+3]
	r.InputCount, r.OutputCount, r.AttributeCount, r.SettingCount = payload[at+4], payload[at+5], payload[at+6], 0
	at += 7
	if at < len(payload) {
		r.SettingCount = payload[at]
	}
	return r, nil
}

// EncodeWriteAddressRequest builds the broadcast that assigns addr to
// the device identified by serialNumber.
func EncodeWriteAddressRequest(addr byte, serialNumber string) []byte {
	buf := []byte{byte(ProtocolVersionV1), byte(KindDiscover), byte(DiscoverWriteAddress), addr}
	return putString(buf, serialNumber)
}

// DecodeWriteAddressRequest is the inverse of EncodeWriteAddressRequest,
// used by the simulated link in tests to play the device side.
func DecodeWriteAddressRequest(payload []byte) (addr byte, serialNumber string, err error) {
	if len(payload) < 4 {
		return 0, "", fmt.Errorf("wire: truncated write-address request")
	}
	addr = payload[3]
	serialNumber, _, err = getString(payload, 4)
	return addr, serialNumber, err
}

// EncodeWriteAddressReply builds a device's ack of its newly assigned
// address, identified by its serial number.
func EncodeWriteAddressReply(serialNumber string) []byte {
	buf := []byte{byte(ProtocolVersionV1), byte(KindDiscover), DiscoverWriteAddress.ReplyCode()}
	return putString(buf, serialNumber)
}

func DecodeWriteAddressReply(payload []byte) (serialNumber string, err error) {
	serialNumber, _, err = getString(payload, 3)
	return serialNumber, err
}

// EncodeRegisterStructureRequest asks a device for the structure of one
// register, identified by kind and address.
func EncodeRegisterStructureRequest(kind RegisterKind, addr byte) []byte {
	return []byte{byte(ProtocolVersionV1), byte(KindDiscover), byte(DiscoverProvideRegisterStructure), byte(kind), addr}
}

func DecodeRegisterStructureRequest(payload []byte) (kind RegisterKind, addr byte, err error) {
	if len(payload) < 5 {
		return 0, 0, fmt.Errorf("wire: truncated register-structure request")
	}
	return RegisterKind(payload[3]), payload[4], nil
}

// RegisterStructureReply is a device's answer to a structure request.
type RegisterStructureReply struct {
	Kind      RegisterKind
	Address   byte
	DataType  values.DataType
	Key       string
	Name      string
	Settable  bool
	Queryable bool
}

func EncodeRegisterStructureReply(r RegisterStructureReply) []byte {
	buf := []byte{byte(ProtocolVersionV1), byte(KindDiscover), DiscoverProvideRegisterStructure.ReplyCode(), byte(r.Kind), r.Address, byte(r.DataType)}
	buf = putString(buf, r.Key)
	buf = putString(buf, r.Name)
	var flags byte
	if r.Settable {
		flags |= 1 << 0
	}
	if r.Queryable {
		flags |= 1 << 1
	}
	return append(buf, flags)
}

func DecodeRegisterStructureReply(payload []byte) (RegisterStructureReply, error) {
	var r RegisterStructureReply
	if len(payload) < 6 {
		return r, fmt.Errorf("wire: truncated register-structure reply")
	}
	r.Kind = RegisterKind(payload[3])
	r.Address = payload[4]
	r.DataType = values.DataType(payload[5])
	at := 6
	var err error
	if r.Key, at, err = getString(payload, at); err != nil {
		return r, err
	}
	if r.Name, at, err = getString(payload, at); err != nil {
		return r, err
	}
	if at >= len(payload) {
		return r, fmt.Errorf("wire: truncated register-structure reply flags")
	}
	flags := payload[at]
	r.Settable = flags&(1<<0) != 0
	r.Queryable = flags&(1<<1) != 0
	return r, nil
}

// EncodeSearchRequest builds the SEARCH broadcast itself: header only.
func EncodeSearchRequest() []byte {
	return []byte{byte(ProtocolVersionV1), byte(KindDiscover), byte(DiscoverSearch)}
}

// EncodePairingFinishedRequest tells a device enrollment is complete.
func EncodePairingFinishedRequest() []byte {
	return []byte{byte(ProtocolVersionV1), byte(KindDiscover), byte(DiscoverPairingFinished)}
}

// EncodePairingFinishedReply is the device's ack.
func EncodePairingFinishedReply() []byte {
	return []byte{byte(ProtocolVersionV1), byte(KindDiscover), DiscoverPairingFinished.ReplyCode()}
}

// EncodeRegisterValue builds a read/write/report payload for one
// register value: [version, kind, regKind, address, value bytes...].
func EncodeRegisterValue(packetKind PacketKind, regKind RegisterKind, addr byte, raw []byte) []byte {
	buf := []byte{byte(ProtocolVersionV1), byte(packetKind), byte(regKind), addr}
	return append(buf, raw...)
}

// DecodeRegisterValueHeader reads the regKind/address header common to
// READ_SINGLE_REGISTER, WRITE_SINGLE_REGISTER, and
// REPORT_SINGLE_REGISTER payloads, returning the offset the raw value
// bytes start at.
func DecodeRegisterValueHeader(payload []byte) (regKind RegisterKind, addr byte, valueAt int, err error) {
	if len(payload) < 4 {
		return 0, 0, 0, fmt.Errorf("wire: truncated register value payload")
	}
	return RegisterKind(payload[2]), payload[3], 4, nil
}

// EncodeReadMultipleRequest asks for count consecutive registers of kind
// starting at startAddr.
func EncodeReadMultipleRequest(regKind RegisterKind, startAddr, count byte) []byte {
	return []byte{byte(ProtocolVersionV1), byte(KindReadMultipleRegisters), byte(regKind), startAddr, count}
}

// DecodeReadMultipleHeader reads the regKind/startAddr/count header of a
// READ_MULTIPLE_REGISTERS reply, returning the offset the concatenated
// value bytes start at.
func DecodeReadMultipleHeader(payload []byte) (regKind RegisterKind, startAddr, count byte, valuesAt int, err error) {
	if len(payload) < 5 {
		return 0, 0, 0, 0, fmt.Errorf("wire: truncated read-multiple payload")
	}
	return RegisterKind(payload[2]), payload[3], payload[4], 5, nil
}
