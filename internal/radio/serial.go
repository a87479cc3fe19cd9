package radio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tarm/serial"
)

// Serial attachment framing. The radio firmware exchanges frames over the
// UART as:
//
//	94 C3        - preamble
//	u16 BE       - length of addr-len + addr + payload + checksum
//	u8           - node address length
//	addr bytes   - destination (host->radio) or sender (radio->host)
//	payload      - opaque frame bytes
//	u8           - checksum: preamble bytes + length bytes + sum(rest), mod 256
const (
	pre0 = 0x94
	pre1 = 0xC3
)

// SerialAdapter drives a mesh radio over its UART attachment.
type SerialAdapter struct {
	port   io.ReadWriteCloser
	logger zerolog.Logger

	writeMu sync.Mutex // serializes frames onto the port

	inboundCh chan inbound
	closeOnce sync.Once
	closed    chan struct{}
}

// OpenSerial opens the radio at the given port and baud rate and starts the
// reader goroutine.
func OpenSerial(portName string, baud int, logger zerolog.Logger) (*SerialAdapter, error) {
	port, err := serial.OpenPort(&serial.Config{Name: portName, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("open radio port %s: %w", portName, err)
	}

	a := &SerialAdapter{
		port:      port,
		logger:    logger.With().Str("component", "radio").Str("port", portName).Logger(),
		inboundCh: make(chan inbound, 32),
		closed:    make(chan struct{}),
	}
	go a.readLoop()
	return a, nil
}

// Send frames the payload for the UART and writes it to the port.
func (a *SerialAdapter) Send(ctx context.Context, dest string, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	select {
	case <-a.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	frame := encodePortFrame(dest, data)

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, err := a.port.Write(frame); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	return nil
}

// Recv returns the next frame delivered by the reader goroutine.
func (a *SerialAdapter) Recv(ctx context.Context) (string, []byte, error) {
	select {
	case in, ok := <-a.inboundCh:
		if !ok {
			return "", nil, ErrClosed
		}
		return in.sender, in.data, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case <-a.closed:
		return "", nil, ErrClosed
	}
}

// Close shuts the port; the reader goroutine exits on the read error.
func (a *SerialAdapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		err = a.port.Close()
	})
	return err
}

// readLoop accumulates port bytes and emits complete frames.
func (a *SerialAdapter) readLoop() {
	defer close(a.inboundCh)

	var buf bytes.Buffer
	chunk := make([]byte, 512)
	for {
		n, err := a.port.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			a.drain(&buf)
		}
		if err != nil {
			select {
			case <-a.closed:
			default:
				a.logger.Error().Err(err).Msg("Radio read failed")
			}
			return
		}
	}
}

// drain extracts every complete frame currently buffered. Garbage before a
// preamble is skipped; frames with a bad checksum are dropped and logged.
func (a *SerialAdapter) drain(buf *bytes.Buffer) {
	header := []byte{pre0, pre1}
	for {
		data := buf.Bytes()
		i := bytes.Index(data, header)
		if i < 0 {
			// keep the last byte in case the next read starts mid-preamble
			if buf.Len() > 1 {
				last := data[len(data)-1]
				buf.Reset()
				_ = buf.WriteByte(last)
			}
			return
		}
		if i > 0 {
			buf.Next(i)
			continue
		}
		if len(data) < 4 {
			return // need preamble + length
		}
		ln := int(data[2])<<8 | int(data[3])
		if ln < 2 || ln > 1+255+MaxFrameSize+1 {
			a.logger.Warn().Int("len", ln).Msg("Implausible frame length, resyncing")
			buf.Next(2)
			continue
		}
		if len(data) < 4+ln {
			return // frame incomplete, wait for more bytes
		}

		sender, payload, ok := decodePortFrame(data[:4+ln])
		buf.Next(4 + ln)
		if !ok {
			a.logger.Warn().Msg("Frame checksum mismatch, dropped")
			continue
		}

		select {
		case a.inboundCh <- inbound{sender: sender, data: payload}:
		case <-a.closed:
			return
		}
	}
}

func encodePortFrame(addr string, payload []byte) []byte {
	ln := 1 + len(addr) + len(payload) + 1
	frame := make([]byte, 0, 4+ln)
	frame = append(frame, pre0, pre1, byte(ln>>8), byte(ln))
	frame = append(frame, byte(len(addr)))
	frame = append(frame, addr...)
	frame = append(frame, payload...)
	frame = append(frame, checksum(frame))
	return frame
}

func decodePortFrame(data []byte) (addr string, payload []byte, ok bool) {
	body := data[4 : len(data)-1]
	if checksum(data[:len(data)-1]) != data[len(data)-1] {
		return "", nil, false
	}
	if len(body) < 1 {
		return "", nil, false
	}
	addrLen := int(body[0])
	if 1+addrLen > len(body) {
		return "", nil, false
	}
	addr = string(body[1 : 1+addrLen])
	payload = append([]byte(nil), body[1+addrLen:]...)
	return addr, payload, true
}

func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}
