package link

import (
	"sync"

	"fbbusgw/wire"
)

// SentFrame records one outbound Send call, for assertions in tests.
type SentFrame struct {
	Addr    byte
	Payload []byte
}

// SimLink is an in-memory Link for tests: it records every send and lets
// the test script inbound frames and force BUSY/FAIL outcomes, playing
// the part both the real serial transport and a simulated bus device
// would otherwise occupy.
type SimLink struct {
	mu     sync.Mutex
	onRecv FrameHandler

	sent   []SentFrame
	inbox  []addressedFrame
	forced []SendResult // consumed one-shot, in order, by Send
}

func NewSimLink(onFrame FrameHandler) *SimLink {
	return &SimLink{onRecv: onFrame}
}

func (s *SimLink) Send(addr byte, payload []byte) SendResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, SentFrame{Addr: addr, Payload: append([]byte(nil), payload...)})
	if len(s.forced) > 0 {
		r := s.forced[0]
		s.forced = s.forced[1:]
		return r
	}
	return SendAccepted
}

func (s *SimLink) Poll() (ReceiveStatus, SendStatus) {
	s.mu.Lock()
	pending := s.inbox
	s.inbox = nil
	s.mu.Unlock()

	var status ReceiveStatus
	for _, f := range pending {
		status.FramesReceived++
		if s.onRecv != nil {
			s.onRecv(f.addr, f.frame)
		}
	}
	return status, SendAcked
}

func (s *SimLink) Close() error { return nil }

// InjectFrame queues an inbound frame (payload only; CRC/terminator are
// added here) as if addr had just sent it, delivered on the next Poll.
func (s *SimLink) InjectFrame(addr byte, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbox = append(s.inbox, addressedFrame{addr: addr, frame: wire.Encode(payload)})
}

// ForceNextSend makes the next N calls to Send return the given results
// in order, instead of the default SendAccepted. Used to script
// back-pressure (BUSY/FAIL) scenarios.
func (s *SimLink) ForceNextSend(results ...SendResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced = append(s.forced, results...)
}

// SentFrames returns every frame sent so far, in order.
func (s *SimLink) SentFrames() []SentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentFrame(nil), s.sent...)
}
