package link

import (
	"sync"
	"time"

	serial "github.com/daedaluz/goserial"

	"fbbusgw/logx"
	"fbbusgw/wire"
)

// SerialLink carries FB BUS frames over a real serial port. The wire
// format itself only defines payload/CRC/terminator and says nothing
// about how a shared line demultiplexes devices, so this transport
// prefixes every physical frame with one address byte: the
// destination on send, the sender on receive. That byte is link-level
// framing, not part of the payload wire.Decode validates.
type SerialLink struct {
	mu     sync.Mutex
	port   *serial.Port
	logger *logx.Logger
	onRecv FrameHandler

	closeCh chan struct{}
	inbound chan addressedFrame

	lastStatus SendStatus
}

type addressedFrame struct {
	addr  byte
	frame []byte
}

// OpenSerial opens devicePath at baud and starts the background reader.
// onFrame is called from Poll (never from the reader goroutine directly)
// once per complete inbound frame.
func OpenSerial(devicePath string, baud int, logger *logx.Logger, onFrame FrameHandler) (*SerialLink, error) {
	opts := serial.NewOptions().SetReadTimeout(100 * time.Millisecond)
	port, err := serial.Open(devicePath, opts)
	if err != nil {
		return nil, err
	}
	attrs, err := port.GetAttr2()
	if err != nil {
		port.Close()
		return nil, err
	}
	attrs.MakeRaw()
	attrs.SetCustomSpeed(uint32(baud))
	if err := port.SetAttr2(serial.TCSANOW, attrs); err != nil {
		port.Close()
		return nil, err
	}

	l := &SerialLink{
		port:    port,
		logger:  logger,
		onRecv:  onFrame,
		closeCh: make(chan struct{}),
		inbound: make(chan addressedFrame, 64),
	}
	go l.readLoop()
	return l, nil
}

func (l *SerialLink) readLoop() {
	buf := make([]byte, 256)
	var addr byte
	var haveAddr bool
	var frame []byte

	for {
		select {
		case <-l.closeCh:
			return
		default:
		}

		n, err := l.port.Read(buf)
		if err != nil || n <= 0 {
			continue // read timeout is the common, expected case
		}
		for i := 0; i < n; i++ {
			b := buf[i]
			if !haveAddr {
				addr = b
				haveAddr = true
				continue
			}
			frame = append(frame, b)
			if b == wire.Terminator {
				complete := append([]byte(nil), frame...)
				select {
				case l.inbound <- addressedFrame{addr: addr, frame: complete}:
				default:
					l.logger.Warn("dropping inbound frame, consumer too slow")
				}
				frame = frame[:0]
				haveAddr = false
			}
		}
	}
}

func (l *SerialLink) Send(addr byte, payload []byte) SendResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]byte, 0, len(payload)+4)
	out = append(out, addr)
	out = append(out, wire.Encode(payload)...)

	if _, err := l.port.Write(out); err != nil {
		l.lastStatus = SendFailed
		l.logger.Warn("serial write failed", "err", err)
		return SendFail
	}
	l.lastStatus = SendAcked
	return SendAccepted
}

func (l *SerialLink) Poll() (ReceiveStatus, SendStatus) {
	var status ReceiveStatus
	for {
		select {
		case f := <-l.inbound:
			status.FramesReceived++
			if l.onRecv != nil {
				l.onRecv(f.addr, f.frame)
			}
		default:
			l.mu.Lock()
			last := l.lastStatus
			l.mu.Unlock()
			return status, last
		}
	}
}

func (l *SerialLink) Close() error {
	close(l.closeCh)
	return l.port.Close()
}
