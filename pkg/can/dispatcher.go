package can

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/halden/govcan/internal/ring"
	log "github.com/sirupsen/logrus"
)

// errReorder is wrapped into the fatal dispatcher error when a loopback
// echo arrives with no matching entry in the pending-send registry -- the
// adapter violated its FIFO-per-(bus,id) contract.
var errReorder = fmt.Errorf("adapter reordered frames")

const (
	defaultSendQueueCapacity = 128
	defaultBroadcastCapacity = 1024
	defaultPollInterval      = time.Millisecond
)

type pendingKey struct {
	bus BusIndex
	id  Identifier
}

type pendingEntry struct {
	frame  Frame
	result chan error
}

type sendRequest struct {
	frame  Frame
	result chan error
}

// DispatchStats is a point-in-time snapshot of dispatcher activity, used by
// tests and the sniffer CLI.
type DispatchStats struct {
	Sent          uint64
	Received      uint64
	Dropped       uint64
	PendingSends  int64
	Subscribers   int
}

// Dispatcher owns a blocking Adapter on a dedicated goroutine and presents a
// fully concurrent send/recv API over it. Constructing one takes ownership
// of adapter; nothing else may touch it afterwards.
type Dispatcher struct {
	adapter  Adapter
	sendCh   chan sendRequest
	shutdown chan struct{}
	done     chan struct{}
	closeOne sync.Once
	logger   *log.Entry

	broadcast *ring.Broadcaster[Frame]

	sentCount     atomic.Uint64
	recvCount     atomic.Uint64
	pendingCount  atomic.Int64
	fatalMu       sync.Mutex
	fatal         error
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithSendQueueCapacity overrides the default 128-entry transmit queue.
func WithSendQueueCapacity(n int) Option {
	return func(d *Dispatcher) { d.sendCh = make(chan sendRequest, n) }
}

// WithBroadcastCapacity overrides the default 1024-frame per-subscriber
// backlog before frames start dropping for a slow subscriber.
func WithBroadcastCapacity(n int) Option {
	return func(d *Dispatcher) { d.broadcast = ring.New[Frame](n) }
}

// WithLogger overrides the package-level logrus logger.
func WithLogger(logger *log.Entry) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher spawns the dispatch loop on a dedicated goroutine and
// returns immediately.
func NewDispatcher(adapter Adapter, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		adapter:  adapter,
		sendCh:   make(chan sendRequest, defaultSendQueueCapacity),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   log.WithField("component", "dispatch"),
	}
	d.broadcast = ring.New[Frame](defaultBroadcastCapacity)
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

// Send enqueues frame for transmission and suspends until the dispatcher has
// observed its hardware loopback echo, or ctx is done, or the dispatcher has
// shut down / hit a fatal adapter error.
func (d *Dispatcher) Send(ctx context.Context, frame Frame) error {
	req := sendRequest{frame: frame, result: make(chan error, 1)}
	select {
	case d.sendCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return d.fatalErr()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return d.fatalErr()
	}
}

// Recv subscribes to the broadcast stream of every frame observed after
// this call (sends and receives alike). Subscriptions must be closed when
// no longer needed.
func (d *Dispatcher) Recv() *ring.Subscription[Frame] {
	return d.broadcast.Subscribe()
}

// FilteredSubscription is Recv() with a client-side predicate applied.
type FilteredSubscription struct {
	sub *ring.Subscription[Frame]
	out chan Frame
	stop chan struct{}
	once sync.Once
}

// C returns the filtered frame channel.
func (fs *FilteredSubscription) C() <-chan Frame { return fs.out }

// Close unsubscribes from the underlying broadcast stream.
func (fs *FilteredSubscription) Close() {
	fs.once.Do(func() {
		close(fs.stop)
		fs.sub.Close()
	})
}

// RecvFilter is Recv() with pred applied client-side: only frames for which
// pred returns true are forwarded to the returned subscription.
func (d *Dispatcher) RecvFilter(pred func(Frame) bool) *FilteredSubscription {
	sub := d.broadcast.Subscribe()
	fs := &FilteredSubscription{sub: sub, out: make(chan Frame, defaultBroadcastCapacity), stop: make(chan struct{})}
	go func() {
		defer close(fs.out)
		for {
			select {
			case f, ok := <-sub.C():
				if !ok {
					return
				}
				if pred(f) {
					select {
					case fs.out <- f:
					default:
					}
				}
			case <-fs.stop:
				return
			}
		}
	}()
	return fs
}

// Stats returns a snapshot of dispatcher activity counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Sent:         d.sentCount.Load(),
		Received:     d.recvCount.Load(),
		Dropped:      d.broadcast.Dropped(),
		PendingSends: d.pendingCount.Load(),
		Subscribers:  d.broadcast.Subscribers(),
	}
}

// Close signals the dispatch loop to stop, joins it, and closes every open
// subscription. Safe to call more than once.
func (d *Dispatcher) Close() error {
	d.closeOne.Do(func() {
		close(d.shutdown)
	})
	<-d.done
	return nil
}

func (d *Dispatcher) fatalErr() error {
	d.fatalMu.Lock()
	defer d.fatalMu.Unlock()
	if d.fatal != nil {
		return d.fatal
	}
	return ErrDisconnected
}

func (d *Dispatcher) failFatal(err error) {
	d.fatalMu.Lock()
	if d.fatal == nil {
		d.fatal = err
	}
	d.fatalMu.Unlock()
	d.logger.WithError(err).Error("dispatch loop terminating")
}

// run is the dispatch loop described in the design: drain hardware receives
// (matching loopback echoes against the pending-send registry and
// publishing everything to the broadcast stream), then drain queued sends
// into the adapter, then sleep briefly to cap busy-wait cost.
func (d *Dispatcher) run() {
	defer close(d.done)
	defer d.broadcast.CloseAll()

	pending := make(map[pendingKey][]pendingEntry)
	var txBacklog []Frame

	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			d.drainPendingOnShutdown(pending)
			return
		default:
		}

		frames, err := d.adapter.Recv()
		if err != nil {
			d.failFatal(fmt.Errorf("adapter recv: %w", err))
			d.drainPendingOnShutdown(pending)
			return
		}

		for _, f := range frames {
			if f.Loopback {
				key := pendingKey{f.Bus, f.ID}
				entries := pending[key]
				if len(entries) == 0 {
					d.failFatal(fmt.Errorf("%w: unsolicited loopback on bus%d %s", errReorder, f.Bus, f.ID))
					d.drainPendingOnShutdown(pending)
					return
				}
				head := entries[0]
				pending[key] = entries[1:]
				d.pendingCount.Add(-1)
				if len(pending[key]) == 0 {
					delete(pending, key)
				}
				if !head.frame.Equal(f) {
					err := fmt.Errorf("%w: expected %s got %s on bus%d %s", errReorder, head.frame, f, f.Bus, f.ID)
					head.result <- err
					d.failFatal(err)
					d.drainPendingOnShutdown(pending)
					return
				}
				head.result <- nil
			}
			d.recvCount.Add(1)
			d.broadcast.Publish(f)
		}

	drainLoop:
		for {
			select {
			case req := <-d.sendCh:
				echo := req.frame.WithLoopback(true)
				key := pendingKey{req.frame.Bus, req.frame.ID}
				pending[key] = append(pending[key], pendingEntry{frame: echo, result: req.result})
				d.pendingCount.Add(1)
				txBacklog = append(txBacklog, req.frame)
			default:
				break drainLoop
			}
		}

		if len(txBacklog) > 0 {
			before := len(txBacklog)
			if err := d.adapter.Send(&txBacklog); err != nil {
				d.logger.WithError(err).Warn("adapter send failed, will retry queued frames")
			}
			d.sentCount.Add(uint64(before - len(txBacklog)))
		}

		select {
		case <-ticker.C:
		case <-d.shutdown:
			d.drainPendingOnShutdown(pending)
			return
		}
	}
}

// drainPendingOnShutdown unblocks every caller still waiting on a Send
// future so Close()/fatal errors never leak a goroutine.
func (d *Dispatcher) drainPendingOnShutdown(pending map[pendingKey][]pendingEntry) {
	err := d.fatalErr()
	for _, entries := range pending {
		for _, e := range entries {
			select {
			case e.result <- err:
			default:
			}
		}
	}
}
