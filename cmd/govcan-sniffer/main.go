// Command govcan-sniffer dumps every frame a dispatcher observes -- both
// frames received off the wire and the loopback echo of anything this
// process sends -- until interrupted.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/halden/govcan/pkg/can"
	"github.com/halden/govcan/pkg/can/socketcan"
	"github.com/halden/govcan/pkg/can/virtual"
	log "github.com/sirupsen/logrus"
)

func main() {
	iface := flag.String("i", "vcan0", "socketcan interface, or host:port when -virtual is set")
	useVirtual := flag.Bool("virtual", false, "treat -i as a virtual bus broker address instead of a SocketCAN interface")
	fd := flag.Bool("fd", false, "enable CAN-FD framing")
	statsEvery := flag.Duration("stats-every", 5*time.Second, "interval between dispatcher stats lines, 0 disables")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	var adapter can.Adapter
	if *useVirtual {
		bus := virtual.NewBus(*iface)
		if err := bus.Connect(); err != nil {
			fatal("connecting: %v", err)
		}
		defer bus.Disconnect()
		adapter = bus
	} else {
		bus, err := socketcan.Open(*iface, *fd)
		if err != nil {
			fatal("opening %s: %v", *iface, err)
		}
		defer bus.Close()
		adapter = bus
	}

	disp := can.NewDispatcher(adapter)
	defer disp.Close()

	sub := disp.Recv()
	defer sub.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	var statsTicker <-chan time.Time
	if *statsEvery > 0 {
		ticker := time.NewTicker(*statsEvery)
		defer ticker.Stop()
		statsTicker = ticker.C
	}

	for {
		select {
		case f, ok := <-sub.C():
			if !ok {
				return
			}
			fmt.Println(f.String())
		case <-statsTicker:
			s := disp.Stats()
			log.WithFields(log.Fields{
				"sent": s.Sent, "received": s.Received,
				"dropped": s.Dropped, "pending": s.PendingSends, "subscribers": s.Subscribers,
			}).Info("dispatcher stats")
		case <-sig:
			return
		}
	}
}

func fatal(format string, args ...any) {
	log.Errorf(format, args...)
	os.Exit(1)
}
