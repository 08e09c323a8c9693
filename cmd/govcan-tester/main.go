// Command govcan-tester drives a single UDS request against an ECU over
// either the virtual loopback bus or a real SocketCAN interface.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/halden/govcan/pkg/can"
	"github.com/halden/govcan/pkg/can/socketcan"
	"github.com/halden/govcan/pkg/can/virtual"
	"github.com/halden/govcan/pkg/isotp"
	"github.com/halden/govcan/pkg/uds"
	log "github.com/sirupsen/logrus"
)

func main() {
	iface := flag.String("i", "vcan0", "socketcan interface, or host:port when -virtual is set")
	virtualAddr := flag.Bool("virtual", false, "treat -i as a virtual bus broker address instead of a SocketCAN interface")
	fd := flag.Bool("fd", false, "enable CAN-FD framing")
	tx := flag.String("tx", "7E0", "hex transmit CAN identifier")
	extended := flag.Bool("ext", false, "tx/rx identifiers are 29-bit extended")
	action := flag.String("action", "session", "session|read-did|tester-present|send-raw")
	sessionType := flag.String("session-type", "03", "hex DiagnosticSessionControl sub-function")
	did := flag.String("did", "F190", "hex data identifier for read-did")
	raw := flag.String("raw", "", "hex payload for send-raw")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	txVal, err := strconv.ParseUint(*tx, 16, 32)
	if err != nil {
		fatal("parsing -tx: %v", err)
	}
	var txID can.Identifier
	if *extended {
		txID, err = can.NewExtendedID(uint32(txVal))
	} else {
		txID, err = can.NewStandardID(uint32(txVal))
	}
	if err != nil {
		fatal("building identifier: %v", err)
	}

	adapter, closeFn, err := openAdapter(*iface, *virtualAddr, *fd)
	if err != nil {
		fatal("opening adapter: %v", err)
	}
	defer closeFn()

	disp := can.NewDispatcher(adapter)
	defer disp.Close()

	var opts []isotp.Option
	if *fd {
		opts = append(opts, isotp.WithFD())
	}
	conn, err := isotp.NewConn(disp, 0, txID, opts...)
	if err != nil {
		fatal("building isotp connection: %v", err)
	}
	defer conn.Close()

	client := uds.NewClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch *action {
	case "session":
		st, err := strconv.ParseUint(*sessionType, 16, 8)
		if err != nil {
			fatal("parsing -session-type: %v", err)
		}
		params, err := client.EnsureSession(ctx, byte(st))
		if err != nil {
			fatal("DiagnosticSessionControl: %v", err)
		}
		if params != nil {
			fmt.Printf("session %#02x: P2=%dms P2*=%dms\n", st, params.P2, params.P2Star)
		} else {
			fmt.Printf("session %#02x: ok\n", st)
		}
	case "tester-present":
		if err := client.TesterPresent(ctx); err != nil {
			fatal("TesterPresent: %v", err)
		}
		fmt.Println("ok")
	case "read-did":
		d, err := strconv.ParseUint(*did, 16, 16)
		if err != nil {
			fatal("parsing -did: %v", err)
		}
		data, err := client.ReadDataByIdentifier(ctx, uint16(d))
		if err != nil {
			fatal("ReadDataByIdentifier: %v", err)
		}
		fmt.Printf("%#04x: % X\n", d, data)
	case "send-raw":
		data, err := hex.DecodeString(*raw)
		if err != nil {
			fatal("parsing -raw: %v", err)
		}
		if err := conn.Send(ctx, data); err != nil {
			fatal("sending: %v", err)
		}
		resp, err := conn.Receive(ctx)
		if err != nil {
			fatal("receiving: %v", err)
		}
		fmt.Printf("% X\n", resp)
	default:
		fatal("unknown -action %q", *action)
	}
}

func openAdapter(iface string, useVirtual, fd bool) (can.Adapter, func(), error) {
	if useVirtual {
		bus := virtual.NewBus(iface)
		if err := bus.Connect(); err != nil {
			return nil, nil, err
		}
		return bus, func() { _ = bus.Disconnect() }, nil
	}
	bus, err := socketcan.Open(iface, fd)
	if err != nil {
		return nil, nil, err
	}
	return bus, func() { _ = bus.Close() }, nil
}

func fatal(format string, args ...any) {
	log.Errorf(format, args...)
	os.Exit(1)
}
