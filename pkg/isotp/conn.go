// Package isotp implements ISO 15765-2 segmentation and reassembly atop a
// can.Dispatcher: flow control, classic and CAN-FD framing (with escape
// sequences for oversized messages), extended addressing, padding, and
// block-size/separation-time negotiation.
package isotp

import (
	"context"
	"fmt"
	"time"

	"github.com/halden/govcan/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Conn exchanges variable-length byte vectors with a single remote ISO-TP
// endpoint identified by a transmit and receive CAN identifier. It borrows
// a dispatcher for its lifetime and holds no state between calls beyond its
// addressing/timing configuration and its receive subscription.
type Conn struct {
	disp *can.Dispatcher
	bus  can.BusIndex
	txID can.Identifier
	rxID can.Identifier
	cfg  config
	sub  *can.FilteredSubscription
	log  *log.Entry
}

// deriveRX implements the default receive-identifier derivation: Standard
// ids are tx+8, Extended ids byte-swap the low 16 bits (Toyota-style
// addressing).
func deriveRX(tx can.Identifier) (can.Identifier, error) {
	if !tx.Extended() {
		return can.NewStandardID(tx.Value() + 8)
	}
	v := tx.Value()
	low := v & 0xFFFF
	swapped := ((low & 0xFF) << 8) | ((low >> 8) & 0xFF)
	return can.NewExtendedID((v &^ 0xFFFF) | swapped)
}

// NewConn builds a Conn addressing tx on bus, deriving (or overriding, via
// WithRX/WithRXOffset) the receive identifier, and subscribes to the
// dispatcher's stream for it.
func NewConn(disp *can.Dispatcher, bus can.BusIndex, tx can.Identifier, opts ...Option) (*Conn, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var rx can.Identifier
	var err error
	switch {
	case cfg.rxOverride != nil:
		rx = *cfg.rxOverride
	case cfg.rxOffset != nil:
		if tx.Extended() {
			rx, err = can.NewExtendedID(tx.Value() + *cfg.rxOffset)
		} else {
			rx, err = can.NewStandardID(tx.Value() + *cfg.rxOffset)
		}
	default:
		rx, err = deriveRX(tx)
	}
	if err != nil {
		return nil, err
	}

	if cfg.fd && cfg.maxDLen == 0 {
		cfg.maxDLen = 64
	} else if cfg.maxDLen == 0 {
		cfg.maxDLen = 8
	}

	c := &Conn{
		disp: disp,
		bus:  bus,
		txID: tx,
		rxID: rx,
		cfg:  cfg,
		log:  log.WithField("component", "isotp").WithField("rx", rx.String()),
	}

	extByte := cfg.extAddress
	c.sub = disp.RecvFilter(func(f can.Frame) bool {
		if f.Bus != bus || f.ID != rx || f.Loopback {
			return false
		}
		if extByte != nil {
			return len(f.Data) > 0 && f.Data[0] == *extByte
		}
		return true
	})
	return c, nil
}

// Close releases the underlying receive subscription. It does not close
// the dispatcher, which the Conn merely borrows.
func (c *Conn) Close() {
	c.sub.Close()
}

// nextFrame blocks for the configured inter-frame timeout waiting for the
// next frame matching this Conn's rx identifier (and extended address, if
// configured), returning its ISO-TP body (address byte stripped).
func (c *Conn) nextFrame(ctx context.Context) ([]byte, error) {
	timer := time.NewTimer(c.cfg.timeout)
	defer timer.Stop()
	select {
	case f, ok := <-c.sub.C():
		if !ok {
			return nil, fmt.Errorf("%w: subscription closed", ErrTimeout)
		}
		return stripAddress(c.cfg, f.Data)
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) sendFrame(ctx context.Context, hdrAndData []byte) error {
	raw := assemble(c.cfg, hdrAndData)
	frame, err := can.NewFrame(c.bus, c.txID, raw)
	if err != nil {
		return err
	}
	return c.disp.Send(ctx, frame)
}

// Send segments data as necessary and transmits it to the peer, suspending
// between consecutive frames for STmin and on every Flow Control await.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if len(data) > c.cfg.maxDatagramLength() {
		return fmt.Errorf("%w: %d bytes", ErrDataTooLarge, len(data))
	}

	if hdrAndData, ok := encodeSingleFrame(c.cfg, data); ok {
		return c.sendFrame(ctx, hdrAndData)
	}

	return c.sendMultiFrame(ctx, data)
}

func (c *Conn) sendMultiFrame(ctx context.Context, data []byte) error {
	capacity := effectiveCapacity(c.cfg)
	ffHeaderLen := 2
	if len(data) > 0xFFF {
		ffHeaderLen = 6
	}
	firstChunkLen := capacity - ffHeaderLen
	if firstChunkLen > len(data) {
		firstChunkLen = len(data)
	}

	if err := c.sendFrame(ctx, encodeFirstFrame(c.cfg, uint32(len(data)), data)); err != nil {
		return fmt.Errorf("isotp: sending first frame: %w", err)
	}
	sent := firstChunkLen

	bs, stmin, err := c.awaitFlowControl(ctx)
	if err != nil {
		return err
	}

	seq := uint8(1)
	sinceFC := uint8(0)
	cfCapacity := capacity - 1
	for sent < len(data) {
		n := cfCapacity
		if sent+n > len(data) {
			n = len(data) - sent
		}
		if err := c.sendFrame(ctx, encodeConsecutiveFrame(seq, data[sent:sent+n])); err != nil {
			return fmt.Errorf("isotp: sending consecutive frame: %w", err)
		}
		sent += n
		seq = (seq + 1) & 0x0F
		sinceFC++

		if sent >= len(data) {
			break
		}
		if bs != 0 && sinceFC >= bs {
			bs, stmin, err = c.awaitFlowControl(ctx)
			if err != nil {
				return err
			}
			sinceFC = 0
			continue
		}
		if err := c.sleepSeparation(ctx, stmin); err != nil {
			return err
		}
	}
	return nil
}

// awaitFlowControl waits for a Flow Control frame, looping through Wait
// responses up to NWFTMax times, and ignoring any non-FC frame it sees
// while waiting (it belongs to some other, concurrent exchange).
func (c *Conn) awaitFlowControl(ctx context.Context) (blockSize uint8, stmin time.Duration, err error) {
	waits := 0
	for {
		raw, err := c.nextFrame(ctx)
		if err != nil {
			return 0, 0, err
		}
		if len(raw) == 0 || frameTypeOf(raw[0]) != typeFlowControl {
			continue
		}
		status, bs, peerSTmin, err := decodeFlowControl(raw)
		if err != nil {
			return 0, 0, err
		}
		switch status {
		case Overflow:
			return 0, 0, ErrOverflow
		case Wait:
			waits++
			if waits > NWFTMax {
				return 0, 0, ErrTooManyFCWait
			}
			continue
		case ContinueToSend:
			if c.cfg.stMinOverride != nil {
				peerSTmin = *c.cfg.stMinOverride
			}
			return bs, peerSTmin, nil
		default:
			return 0, 0, fmt.Errorf("%w: flow status %d", ErrFlowControl, status)
		}
	}
}

func (c *Conn) sleepSeparation(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive runs exactly one reassembly cycle and returns the next complete
// datagram (or a terminal error for that single attempt -- the Conn itself
// remains usable for the next call).
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	for {
		raw, err := c.nextFrame(ctx)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			continue
		}
		switch frameTypeOf(raw[0]) {
		case typeSingle:
			return decodeSingleFrame(c.cfg, raw)
		case typeFirst:
			return c.receiveMultiFrame(ctx, raw)
		case typeFlowControl:
			// Belongs to a concurrent send; not relevant to reassembly.
			continue
		default:
			return nil, fmt.Errorf("%w: pci %#x", ErrUnknownFrameType, raw[0]>>4)
		}
	}
}

func (c *Conn) receiveMultiFrame(ctx context.Context, ffRaw []byte) ([]byte, error) {
	totalLen, firstChunk, err := decodeFirstFrame(c.cfg, ffRaw)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, totalLen)
	buf = append(buf, firstChunk...)

	if err := c.sendFrame(ctx, encodeFlowControl(ContinueToSend, 0, 0)); err != nil {
		return nil, fmt.Errorf("isotp: sending flow control: %w", err)
	}

	expected := uint8(1)
	for uint32(len(buf)) < totalLen {
		raw, err := c.nextFrame(ctx)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			continue
		}
		switch frameTypeOf(raw[0]) {
		case typeFlowControl:
			continue
		case typeConsecutive:
			seq, chunk, err := decodeConsecutiveFrame(raw)
			if err != nil {
				return nil, err
			}
			if seq != expected {
				return nil, fmt.Errorf("%w: expected %#x got %#x", ErrOutOfOrder, expected, seq)
			}
			remaining := int(totalLen) - len(buf)
			last := remaining <= effectiveCapacity(c.cfg)-1
			switch {
			case !last && len(chunk) != effectiveCapacity(c.cfg)-1:
				return nil, fmt.Errorf("%w: non-final consecutive frame too short", ErrMalformedFrame)
			case last && len(chunk) < remaining:
				return nil, fmt.Errorf("%w: final consecutive frame shorter than remaining length", ErrMalformedFrame)
			}
			if len(chunk) > remaining {
				chunk = chunk[:remaining]
			}
			buf = append(buf, chunk...)
			expected = (expected + 1) & 0x0F
		default:
			return nil, fmt.Errorf("%w: pci %#x", ErrUnknownFrameType, raw[0]>>4)
		}
	}
	return buf, nil
}

// Datagram is one result pulled off a Conn's Stream.
type Datagram struct {
	Data []byte
	Err  error
}

// Stream wraps Receive in a goroutine, yielding an infinite channel of
// reassembled datagrams (or per-attempt errors) until ctx is cancelled.
func (c *Conn) Stream(ctx context.Context) <-chan Datagram {
	out := make(chan Datagram)
	go func() {
		defer close(out)
		for {
			data, err := c.Receive(ctx)
			select {
			case out <- Datagram{Data: data, Err: err}:
			case <-ctx.Done():
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return out
}
