package wire

import (
	"bytes"
	"testing"

	"fbbusgw/errcode"
)

// S1: CRC over [0x01, 0x04, 0x01] (poly 0x8408, seed 0xFFFF, invert,
// byte-swap) yields a specific two-byte pair; the encoder appends it
// plus the terminator, and the decoder recovers the original payload.
func TestEncodeDecode_S1Vector(t *testing.T) {
	payload := []byte{0x01, 0x04, 0x01}
	frame := Encode(payload)

	want := []byte{0x01, 0x04, 0x01, 0xf9, 0xea, Terminator}
	if !bytes.Equal(frame, want) {
		t.Fatalf("Encode() = % x, want % x", frame, want)
	}

	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Decode() = % x, want % x", got, payload)
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		{0x01, byte(KindPing)},
		{0x01, 0x02},
		{0x01, byte(KindDiscover), byte(DiscoverSearch)},
		{0x01, byte(KindReadMultipleRegisters), 0x01, 0x00, 0x05},
	}
	for _, p := range payloads {
		frame := Encode(p)
		got, err := Decode(frame)
		if err != nil {
			t.Fatalf("Decode(%x) error: %v", frame, err)
		}
		if !bytes.Equal(got, p) {
			t.Fatalf("round trip mismatch: got % x, want % x", got, p)
		}
	}
}

func TestDecode_SingleBitMutationFails(t *testing.T) {
	payload := []byte{0x01, 0x04, 0x01, 0x02, 0x03}
	frame := Encode(payload)

	for i := 0; i < len(frame); i++ {
		mutated := append([]byte(nil), frame...)
		mutated[i] ^= 0x01
		if _, err := Decode(mutated); err == nil {
			t.Fatalf("mutating byte %d did not invalidate the frame", i)
		}
	}
}

func TestDecode_UnknownVersion(t *testing.T) {
	frame := Encode([]byte{0x09, 0x01})
	if _, err := Decode(frame); errcode.Of(err) != errcode.UnknownVersion {
		t.Fatalf("expected UnknownVersion, got %v", err)
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	frame := Encode([]byte{0x01, 0x99})
	if _, err := Decode(frame); errcode.Of(err) != errcode.UnknownKind {
		t.Fatalf("expected UnknownKind, got %v", err)
	}
}

func TestDecode_TooShort(t *testing.T) {
	if _, err := Decode([]byte{0x01, 0x01, 0x00}); errcode.Of(err) != errcode.FrameTooShort {
		t.Fatalf("expected FrameTooShort, got %v", err)
	}
}

func TestDecode_BadTerminator(t *testing.T) {
	frame := Encode([]byte{0x01, 0x01})
	frame[len(frame)-1] = 0x00
	if _, err := Decode(frame); errcode.Of(err) != errcode.BadTerminator {
		t.Fatalf("expected BadTerminator, got %v", err)
	}
}

func TestDiscoverCommand_ReplyCodeRoundTrip(t *testing.T) {
	cmds := []DiscoverCommand{DiscoverSearch, DiscoverWriteAddress, DiscoverProvideRegisterStructure, DiscoverPairingFinished}
	for _, c := range cmds {
		code := c.ReplyCode()
		got, ok := DiscoverCommandFromReplyCode(code)
		if !ok || got != c {
			t.Fatalf("ReplyCode/FromReplyCode round trip failed for %v: code=%#x got=%v ok=%v", c, code, got, ok)
		}
	}
}
