package isotp

import (
	"time"

	"github.com/halden/govcan/pkg/can"
)

const (
	maxLengthClassic = 4095
	maxLengthFD       = 1<<32 - 1

	defaultTimeout   = 1 * time.Second
	defaultPadByte   = 0xCC
	fdFallbackPadByte = 0xAA
)

// frameType identifies the high nibble of an ISO-TP PCI byte.
type frameType uint8

const (
	typeSingle      frameType = 0x0
	typeFirst       frameType = 0x1
	typeConsecutive frameType = 0x2
	typeFlowControl frameType = 0x3
)

// FlowStatus is the low nibble of a Flow Control frame's first byte.
type FlowStatus uint8

const (
	ContinueToSend FlowStatus = 0
	Wait           FlowStatus = 1
	Overflow       FlowStatus = 2
)

type config struct {
	padding       *byte
	timeout       time.Duration
	stMinOverride *time.Duration
	fd            bool
	extAddress    *byte
	maxDLen       int
	rxOverride    *can.Identifier
	rxOffset      *uint32
}

func defaultConfig() config {
	pad := byte(defaultPadByte)
	return config{
		padding: &pad,
		timeout: defaultTimeout,
		maxDLen: 8,
	}
}

// Option configures a Conn at construction time.
type Option func(*config)

// WithPadding sets the byte used to pad classic-CAN frames up to 8 bytes
// (or the next valid DLC length in FD mode). Pass nil to disable padding
// for classic CAN; FD framing always pads, falling back to 0xAA when no
// byte is configured.
func WithPadding(b *byte) Option {
	return func(c *config) { c.padding = b }
}

// WithNoPadding disables padding for classic-CAN frames.
func WithNoPadding() Option {
	return func(c *config) { c.padding = nil }
}

// WithTimeout overrides the default 1s inter-frame gap tolerated while
// reassembling or awaiting flow control.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithSeparationTime overrides the locally enforced minimum gap between
// consecutive frames, ignoring whatever STmin the peer requests.
func WithSeparationTime(d time.Duration) Option {
	return func(c *config) { c.stMinOverride = &d }
}

// WithFD enables CAN-FD framing, raising the maximum single-datagram length
// from 4095 to 2^32-1 bytes and defaulting max_dlen to 64.
func WithFD() Option {
	return func(c *config) {
		c.fd = true
		if c.maxDLen == 8 {
			c.maxDLen = 64
		}
	}
}

// WithExtAddress inserts an extended-addressing byte as the first payload
// byte of every transmitted frame, and requires a matching byte on every
// received frame.
func WithExtAddress(b byte) Option {
	return func(c *config) { c.extAddress = &b }
}

// WithMaxDLen overrides the per-frame data length. It cannot exceed the
// hardware maximum (8 classic, 64 FD); callers are responsible for staying
// within whatever the adapter can actually emit.
func WithMaxDLen(n int) Option {
	return func(c *config) { c.maxDLen = n }
}

// WithRX overrides the receive identifier instead of deriving it from the
// transmit identifier.
func WithRX(id can.Identifier) Option {
	return func(c *config) { c.rxOverride = &id }
}

// WithRXOffset overrides the receive identifier derivation with a simple
// tx+offset rule, keeping the transmit identifier's Standard/Extended tag.
func WithRXOffset(offset uint32) Option {
	return func(c *config) { c.rxOffset = &offset }
}

func (c config) addrOffset() int {
	if c.extAddress != nil {
		return 1
	}
	return 0
}

func (c config) maxDatagramLength() int {
	if c.fd {
		return maxLengthFD
	}
	return maxLengthClassic
}

// padByte resolves the effective pad byte: the configured override, or the
// FD fallback, or "no padding" (nil) for classic CAN with nothing set.
func (c config) padByte() (b byte, pad bool) {
	if c.padding != nil {
		return *c.padding, true
	}
	if c.fd {
		return fdFallbackPadByte, true
	}
	return 0, false
}
