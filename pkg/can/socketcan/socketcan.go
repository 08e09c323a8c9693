//go:build linux

// Package socketcan implements the can.Adapter contract against a Linux
// SocketCAN raw socket (classic CAN and CAN-FD). CAN_RAW_RECV_OWN_MSGS is
// enabled unconditionally so the kernel echoes locally transmitted frames
// back to the socket, satisfying the dispatcher's loopback contract without
// any local synthesis.
package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/halden/govcan/pkg/can"
	"golang.org/x/sys/unix"
)

const (
	classicFrameSize = 16 // struct can_frame
	fdFrameSize      = 72 // struct canfd_frame

	canEFFFlag uint32 = 0x80000000
	canEFFMask uint32 = 0x1FFFFFFF
	canSFFMask uint32 = 0x000007FF
)

// Bus is a raw SocketCAN socket wrapped as a can.Adapter.
type Bus struct {
	fd       int
	fdFramed bool // CAN-FD enabled on this socket
}

// Open binds a raw CAN_RAW socket to the named interface (e.g. "can0",
// "vcan0"). enableFD requests CAN-FD framing via CAN_RAW_FD_FRAMES.
func Open(ifaceName string, enableFD bool) (*Bus, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("socketcan: %w", err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socketcan: opening raw socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socketcan: enabling loopback: %w", err)
	}

	if enableFD {
		if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("socketcan: enabling CAN-FD framing: %w", err)
		}
	}

	timeout := unix.Timeval{Usec: 2000}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &timeout); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socketcan: setting read timeout: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socketcan: binding to %s: %w", ifaceName, err)
	}

	return &Bus{fd: fd, fdFramed: enableFD}, nil
}

// Close releases the underlying socket.
func (b *Bus) Close() error {
	return unix.Close(b.fd)
}

func packFrame(f can.Frame, fd bool) []byte {
	size := classicFrameSize
	if fd {
		size = fdFrameSize
	}
	buf := make([]byte, size)
	id := f.ID.Value()
	if f.ID.Extended() {
		id = (id & canEFFMask) | canEFFFlag
	} else {
		id &= canSFFMask
	}
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = byte(len(f.Data))
	copy(buf[8:], f.Data)
	return buf
}

func unpackFrame(bus can.BusIndex, raw []byte, loopback bool) (can.Frame, error) {
	if len(raw) != classicFrameSize && len(raw) != fdFrameSize {
		return can.Frame{}, fmt.Errorf("socketcan: unexpected frame size %d", len(raw))
	}
	rawID := binary.LittleEndian.Uint32(raw[0:4])
	extended := rawID&canEFFFlag != 0
	dataLen := int(raw[4])
	if dataLen > len(raw)-8 {
		return can.Frame{}, fmt.Errorf("socketcan: dlc %d exceeds frame payload", dataLen)
	}
	var id can.Identifier
	var err error
	if extended {
		id, err = can.NewExtendedID(rawID & canEFFMask)
	} else {
		id, err = can.NewStandardID(rawID & canSFFMask)
	}
	if err != nil {
		return can.Frame{}, err
	}
	f, err := can.NewFrame(bus, id, raw[8:8+dataLen])
	if err != nil {
		return can.Frame{}, err
	}
	return f.WithLoopback(loopback), nil
}

// Send implements can.Adapter.
func (b *Bus) Send(queue *[]can.Frame) error {
	frames := *queue
	sent := 0
	for _, f := range frames {
		raw := packFrame(f, b.fdFramed)
		n, err := unix.Write(b.fd, raw)
		if err != nil || n != len(raw) {
			break
		}
		sent++
	}
	*queue = append([]can.Frame(nil), frames[sent:]...)
	if sent < len(frames) {
		return fmt.Errorf("socketcan: sent %d/%d frames", sent, len(frames))
	}
	return nil
}

// Recv implements can.Adapter: repeatedly reads with a short timeout until
// the socket would block, returning every frame observed. The kernel
// marks a frame we previously sent and are now seeing looped back (due to
// CAN_RAW_RECV_OWN_MSGS) with MSG_CONFIRM in the message flags; that is
// the only reliable way to tell it apart from a frame of identical
// content received from another node.
func (b *Bus) Recv() ([]can.Frame, error) {
	var out []can.Frame
	size := classicFrameSize
	if b.fdFramed {
		size = fdFrameSize
	}
	raw := make([]byte, size)
	for {
		n, _, recvFlags, _, err := unix.Recvmsg(b.fd, raw, nil, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			return out, fmt.Errorf("socketcan: recv: %w", err)
		}
		loopback := recvFlags&unix.MSG_CONFIRM != 0
		f, err := unpackFrame(0, raw[:n], loopback)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}
