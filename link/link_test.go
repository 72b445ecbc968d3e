package link

import (
	"testing"
	"time"
)

func TestSimLink_PollDeliversInjectedFrame(t *testing.T) {
	var got []byte
	var gotAddr byte
	l := NewSimLink(func(addr byte, frame []byte) {
		gotAddr = addr
		got = frame
	})

	l.InjectFrame(5, []byte{0x01, 0x02})
	status, sendStatus := l.Poll()

	if status.FramesReceived != 1 {
		t.Fatalf("FramesReceived = %d, want 1", status.FramesReceived)
	}
	if sendStatus != SendAcked {
		t.Fatalf("SendStatus = %v, want SendAcked", sendStatus)
	}
	if gotAddr != 5 || len(got) == 0 {
		t.Fatalf("frame handler not invoked with expected frame: addr=%d frame=%v", gotAddr, got)
	}
}

func TestSimLink_ForceNextSend(t *testing.T) {
	l := NewSimLink(nil)
	l.ForceNextSend(SendBusy, SendFail)

	if r := l.Send(1, []byte{0x01}); r != SendBusy {
		t.Fatalf("first Send = %v, want SendBusy", r)
	}
	if r := l.Send(1, []byte{0x01}); r != SendFail {
		t.Fatalf("second Send = %v, want SendFail", r)
	}
	if r := l.Send(1, []byte{0x01}); r != SendAccepted {
		t.Fatalf("third Send = %v, want SendAccepted (forced results exhausted)", r)
	}

	sent := l.SentFrames()
	if len(sent) != 3 {
		t.Fatalf("SentFrames() has %d entries, want 3", len(sent))
	}
}

func TestAckWait_SucceedsWhenSendAccepted(t *testing.T) {
	l := NewSimLink(nil)
	if !AckWait(l, BroadcastAddr, []byte{0x01}, 50*time.Millisecond) {
		t.Fatal("AckWait should succeed once Send reports SendAccepted")
	}
}

func TestAckWait_FailsOnForcedFailure(t *testing.T) {
	l := NewSimLink(nil)
	l.ForceNextSend(SendFail)
	if AckWait(l, BroadcastAddr, []byte{0x01}, 50*time.Millisecond) {
		t.Fatal("AckWait should fail when Send itself reports SendFail")
	}
}
