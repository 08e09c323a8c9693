// Package virtual implements a TCP-framed loopback CAN bus used for tests
// and local development when no real hardware is attached. A broker
// (Server) relays frames between every connected Bus; each Bus additionally
// satisfies the can.Adapter contract by synthesizing loopback echoes
// locally.
package virtual

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/halden/govcan/pkg/can"
	log "github.com/sirupsen/logrus"
)

// wire format: 4-byte big-endian length prefix, then a serialized frame:
// 1 byte bus, 1 byte extended-flag, 4 byte id, 1 byte fd-flag, 1 byte data
// length, data bytes.
func serializeFrame(f can.Frame) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(f.Bus))
	ext := byte(0)
	if f.ID.Extended() {
		ext = 1
	}
	buf.WriteByte(ext)
	var idBytes [4]byte
	binary.BigEndian.PutUint32(idBytes[:], f.ID.Value())
	buf.Write(idBytes[:])
	fd := byte(0)
	if f.FD {
		fd = 1
	}
	buf.WriteByte(fd)
	buf.WriteByte(byte(len(f.Data)))
	buf.Write(f.Data)

	body := buf.Bytes()
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out
}

func deserializeFrame(body []byte) (can.Frame, error) {
	if len(body) < 8 {
		return can.Frame{}, fmt.Errorf("virtual: short frame body (%d bytes)", len(body))
	}
	bus := can.BusIndex(body[0])
	extended := body[1] != 0
	idVal := binary.BigEndian.Uint32(body[2:6])
	dataLen := int(body[7])
	if len(body) < 8+dataLen {
		return can.Frame{}, fmt.Errorf("virtual: truncated frame body")
	}
	var id can.Identifier
	var err error
	if extended {
		id, err = can.NewExtendedID(idVal)
	} else {
		id, err = can.NewStandardID(idVal)
	}
	if err != nil {
		return can.Frame{}, err
	}
	return can.NewFrame(bus, id, body[8:8+dataLen])
}

// Bus is a can.Adapter implementation that relays frames over a TCP
// connection to a Server, and synthesizes hardware loopback locally (the
// virtual wire has no concept of echo).
type Bus struct {
	mu        sync.Mutex
	addr      string
	conn      net.Conn
	recvOwn   bool
	rxBacklog []can.Frame
}

// NewBus creates a virtual adapter that will dial addr on Connect.
func NewBus(addr string) *Bus {
	return &Bus{addr: addr, recvOwn: true}
}

// SetReceiveOwn controls whether sent frames are locally echoed back with
// Loopback=true. Defaults to true since this is the only way to observe
// send confirmation on a bus with no real hardware.
func (b *Bus) SetReceiveOwn(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recvOwn = v
}

// Connect dials the broker.
func (b *Bus) Connect() error {
	conn, err := net.Dial("tcp", b.addr)
	if err != nil {
		return fmt.Errorf("virtual: dial %s: %w", b.addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	return nil
}

// Disconnect closes the connection to the broker.
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

// Send implements can.Adapter. It drains queue front-to-back, writing one
// wire frame per CAN frame; on the first write failure it stops, leaving
// the remainder (including the failed one) in queue for the caller to
// retry.
func (b *Bus) Send(queue *[]can.Frame) error {
	b.mu.Lock()
	conn := b.conn
	recvOwn := b.recvOwn
	b.mu.Unlock()
	if conn == nil {
		return errors.New("virtual: not connected")
	}

	frames := *queue
	sent := 0
	for _, f := range frames {
		_ = conn.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
		if _, err := conn.Write(serializeFrame(f)); err != nil {
			break
		}
		sent++
		if recvOwn {
			b.mu.Lock()
			b.rxBacklog = append(b.rxBacklog, f.WithLoopback(true))
			b.mu.Unlock()
		}
	}
	*queue = append([]can.Frame(nil), frames[sent:]...)
	if sent < len(frames) {
		return fmt.Errorf("virtual: sent %d/%d frames", sent, len(frames))
	}
	return nil
}

// Recv implements can.Adapter: it polls the TCP connection briefly for any
// newly arrived frames and returns whatever locally-synthesized loopback
// and remote frames have accumulated.
func (b *Bus) Recv() ([]can.Frame, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil, errors.New("virtual: not connected")
	}

	var out []can.Frame
	b.mu.Lock()
	out = append(out, b.rxBacklog...)
	b.rxBacklog = nil
	b.mu.Unlock()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Millisecond))
		lenBytes := make([]byte, 4)
		if _, err := readFull(conn, lenBytes); err != nil {
			if isTimeout(err) {
				break
			}
			return out, fmt.Errorf("virtual: reading frame header: %w", err)
		}
		bodyLen := binary.BigEndian.Uint32(lenBytes)
		body := make([]byte, bodyLen)
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if _, err := readFull(conn, body); err != nil {
			return out, fmt.Errorf("virtual: reading frame body: %w", err)
		}
		f, err := deserializeFrame(body)
		if err != nil {
			log.WithError(err).Warn("virtual: dropping malformed wire frame")
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
