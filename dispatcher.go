package analyzer

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const DefaultRecvWindow = 100 * time.Millisecond

// dispatcher owns the transport. It runs the single receive loop,
// pushes every frame into the ring, broadcasts to observers and routes
// frames addressed to a registered endpoint into that endpoint's inbox.
// Nothing else in the process may call Transport.Recv.
type dispatcher struct {
	tr     Transport
	window time.Duration
	ring   *FrameRing
	hub    *frameHub

	mu     sync.RWMutex
	routes map[uint32]*IsoTPEndpoint

	sendMu sync.Mutex

	onLost   func()
	lostOnce sync.Once

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newDispatcher(tr Transport, window time.Duration, ring *FrameRing, hub *frameHub, onLost func()) *dispatcher {
	if window <= 0 {
		window = DefaultRecvWindow
	}
	return &dispatcher{
		tr:     tr,
		window: window,
		ring:   ring,
		hub:    hub,
		routes: make(map[uint32]*IsoTPEndpoint),
		onLost: onLost,
		stop:   make(chan struct{}),
	}
}

func (d *dispatcher) start() {
	d.wg.Add(1)
	go d.run()
}

func (d *dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		frame, err := d.tr.Recv(d.window)
		switch {
		case err == nil:
			d.handle(frame)
		case err == ErrRecvTimeout:
			// idle window, keep polling
		default:
			select {
			case <-d.stop:
				return
			default:
			}
			log.Errorf("[DISPATCHER] receive loop stopped : %v (state %v)", err, d.tr.State())
			d.lost()
			return
		}
	}
}

func (d *dispatcher) handle(frame Frame) {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}
	incFramesRx()
	d.ring.Push(frame)
	d.hub.broadcast(frame)

	d.mu.RLock()
	ep := d.routes[frame.ID]
	d.mu.RUnlock()
	if ep != nil {
		ep.deliver(frame)
	}
}

// send is the single path to the transport for all outbound traffic.
// Successful sends are echoed to the ring and observers.
func (d *dispatcher) send(frame Frame) error {
	d.sendMu.Lock()
	err := d.tr.Send(frame)
	d.sendMu.Unlock()
	if err != nil {
		if err == ErrTransportDisconnected {
			d.lost()
		}
		return err
	}
	incFramesTx()
	echo := frame
	echo.Dir = DirTxEcho
	echo.Timestamp = time.Now()
	d.ring.Push(echo)
	d.hub.broadcast(echo)
	return nil
}

func (d *dispatcher) bind(ep *IsoTPEndpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.routes[ep.rxID]; ok {
		return ErrDuplicateRxId
	}
	d.routes[ep.rxID] = ep
	return nil
}

func (d *dispatcher) unbind(rxID uint32) {
	d.mu.Lock()
	delete(d.routes, rxID)
	d.mu.Unlock()
}

func (d *dispatcher) lost() {
	d.lostOnce.Do(func() {
		if d.onLost != nil {
			d.onLost()
		}
	})
}

// halt stops the receive loop without treating it as a transport loss.
func (d *dispatcher) halt() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}
