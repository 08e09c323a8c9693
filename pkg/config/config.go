// Package config loads adapter and ISO-TP session defaults from an INI
// file, mirroring the teacher's EDS/INI parsing style in pkg/od.
package config

import (
	"fmt"
	"time"

	"github.com/halden/govcan/pkg/isotp"
	"gopkg.in/ini.v1"
)

// Bus holds the settings needed to open a CAN interface.
type Bus struct {
	Channel     string // e.g. "can0", or a host:port for the virtual adapter
	Bitrate     int    // bit/s, informational for adapters that expose TimingAdapter
	FD          bool   // enable CAN-FD framing
	DataBitrate int    // bit/s for the FD data phase, if FD is set
	RecvTimeout time.Duration
}

// ISOTP holds default session parameters for isotp.Conn construction.
type ISOTP struct {
	Timeout        time.Duration
	SeparationTime time.Duration // 0 means "use peer-negotiated STmin"
	PadByte        *byte
	FD             bool
	MaxDLen        int
}

// Config is the top-level document: one [bus] section and one [isotp]
// session preset, following the teacher's one-section-per-concern layout.
type Config struct {
	Bus   Bus
	ISOTP ISOTP
}

// Load parses an INI document from a path, []byte, or io.Reader (anything
// gopkg.in/ini.v1 accepts), applying the same defaults Default() returns
// for any key the file omits.
func Load(source any) (*Config, error) {
	doc, err := ini.Load(source)
	if err != nil {
		return nil, fmt.Errorf("config: loading ini: %w", err)
	}

	cfg := Default()

	bus := doc.Section("bus")
	cfg.Bus.Channel = bus.Key("channel").MustString(cfg.Bus.Channel)
	cfg.Bus.Bitrate = bus.Key("bitrate").MustInt(cfg.Bus.Bitrate)
	cfg.Bus.FD = bus.Key("fd").MustBool(cfg.Bus.FD)
	cfg.Bus.DataBitrate = bus.Key("data_bitrate").MustInt(cfg.Bus.DataBitrate)
	if ms := bus.Key("recv_timeout_ms").MustInt(0); ms > 0 {
		cfg.Bus.RecvTimeout = time.Duration(ms) * time.Millisecond
	}

	isotp := doc.Section("isotp")
	if ms := isotp.Key("timeout_ms").MustInt(0); ms > 0 {
		cfg.ISOTP.Timeout = time.Duration(ms) * time.Millisecond
	}
	if us := isotp.Key("separation_time_us").MustInt(0); us > 0 {
		cfg.ISOTP.SeparationTime = time.Duration(us) * time.Microsecond
	}
	if pad, err := isotp.Key("pad_byte").Hex(); err == nil && isotp.HasKey("pad_byte") {
		b := byte(pad)
		cfg.ISOTP.PadByte = &b
	}
	cfg.ISOTP.FD = isotp.Key("fd").MustBool(cfg.ISOTP.FD)
	cfg.ISOTP.MaxDLen = isotp.Key("max_dlen").MustInt(cfg.ISOTP.MaxDLen)

	return cfg, nil
}

// Options translates an ISOTP preset into isotp.Option values for
// isotp.NewConn, so a Conn built from Config matches what the INI file
// (or Default) describes.
func (i ISOTP) Options() []isotp.Option {
	opts := []isotp.Option{
		isotp.WithTimeout(i.Timeout),
		isotp.WithPadding(i.PadByte),
	}
	if i.SeparationTime > 0 {
		opts = append(opts, isotp.WithSeparationTime(i.SeparationTime))
	}
	if i.FD {
		opts = append(opts, isotp.WithFD())
	}
	if i.MaxDLen != 0 {
		opts = append(opts, isotp.WithMaxDLen(i.MaxDLen))
	}
	return opts
}

// Default returns the built-in defaults: the virtual loopback adapter on
// localhost, classic CAN framing, a 1s ISO-TP timeout and 0xCC padding --
// matching isotp.defaultConfig's own choices so a Config built from an
// empty file behaves identically to isotp's zero-value options.
func Default() *Config {
	pad := byte(0xCC)
	return &Config{
		Bus: Bus{
			Channel:     "127.0.0.1:0",
			Bitrate:     500_000,
			RecvTimeout: 100 * time.Millisecond,
		},
		ISOTP: ISOTP{
			Timeout: 1 * time.Second,
			PadByte: &pad,
			MaxDLen: 8,
		},
	}
}
