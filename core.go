package analyzer

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Core wires the transport, dispatcher, ISO-TP endpoints, UDS clients
// and the transmit scheduler together behind one handle. A Core owns
// its transport exclusively: the dispatcher is the only caller of the
// blocking receive, observers get frames through subscriptions.
type Core struct {
	cfg Config

	mu        sync.Mutex
	tr        Transport
	disp      *dispatcher
	sched     *Scheduler
	endpoints map[uint32]*IsoTPEndpoint
	clients   map[uint32]*Client
	connected bool
	shutdown  bool

	ring *FrameRing
	hub  *frameHub
	dec  *decoder

	decSub *FrameSub
	decWg  sync.WaitGroup
}

// New creates a disconnected core from an explicit configuration.
func New(cfg Config) *Core {
	c := &Core{
		cfg:       cfg,
		endpoints: make(map[uint32]*IsoTPEndpoint),
		clients:   make(map[uint32]*Client),
		ring:      NewFrameRing(cfg.RingCapacity),
		hub:       newFrameHub(cfg.HubBuffer),
		dec:       newDecoder(),
	}
	return c
}

// Connect opens the configured transport and starts the receive loop.
func (c *Core) Connect() error {
	tr, err := openTransport(c.cfg.Transport)
	if err != nil {
		return err
	}
	return c.ConnectTransport(tr)
}

// ConnectTransport starts the core on a caller-provided backend. The
// transport is moved into the core; the caller must not use it again.
func (c *Core) ConnectTransport(tr Transport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return ErrTransportClosed
	}
	if c.tr != nil {
		// a previous transport, dead or alive, must be released first
		return ErrIllegalArgument
	}
	c.tr = tr
	c.disp = newDispatcher(tr, c.cfg.Transport.RecvWindow, c.ring, c.hub, c.transportLost)
	c.sched = newScheduler(c.disp.send)
	for _, ep := range c.endpoints {
		ep.setOut(c.disp.send)
		ep.setLinkUp()
		if err := c.disp.bind(ep); err != nil {
			// re-binding a map we already vetted cannot collide
			log.Errorf("[CORE] endpoint x%X did not rebind : %v", ep.rxID, err)
		}
	}
	c.connected = true
	c.disp.start()

	c.decSub = c.hub.subscribe()
	c.decWg.Add(1)
	go func(sub *FrameSub) {
		defer c.decWg.Done()
		for {
			select {
			case f := <-sub.C:
				c.dec.handle(f)
			case <-sub.Done():
				return
			}
		}
	}(c.decSub)

	log.Infof("[CORE] connected via %v", c.cfg.Transport.Kind)
	return nil
}

// transportLost runs once per connection when the receive loop dies.
func (c *Core) transportLost() {
	log.Errorf("[CORE] transport lost")
	c.mu.Lock()
	sched := c.sched
	eps := make([]*IsoTPEndpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		eps = append(eps, ep)
	}
	c.connected = false
	c.mu.Unlock()
	if sched != nil {
		sched.stopAll("transport disconnected")
	}
	for _, ep := range eps {
		ep.setLinkDown()
	}
}

// Disconnect stops the receive loop and releases the transport.
// In-flight operations fail with ErrTransportDisconnected. Registered
// endpoints survive and rebind on the next Connect.
func (c *Core) Disconnect() {
	c.mu.Lock()
	disp := c.disp
	sched := c.sched
	tr := c.tr
	decSub := c.decSub
	eps := make([]*IsoTPEndpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		eps = append(eps, ep)
	}
	c.disp = nil
	c.sched = nil
	c.tr = nil
	c.decSub = nil
	c.connected = false
	c.mu.Unlock()

	for _, ep := range eps {
		ep.setLinkDown()
	}
	if sched != nil {
		sched.stopAll("disconnect")
		sched.close()
	}
	if disp != nil {
		disp.halt()
	}
	if tr != nil {
		if err := tr.Shutdown(); err != nil {
			log.Warnf("[CORE] transport shutdown : %v", err)
		}
	}
	if decSub != nil {
		decSub.Close()
		c.decWg.Wait()
	}
	log.Infof("[CORE] disconnected")
}

// Connected reports whether the receive loop is running.
func (c *Core) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// RegisterIsoTP creates an endpoint for a (txID, rxID) pair using the
// core's ISO-TP defaults. The rxID must be unique across the core.
func (c *Core) RegisterIsoTP(txID, rxID uint32) (*IsoTPEndpoint, error) {
	return c.RegisterIsoTPWith(txID, rxID, c.cfg.IsoTP)
}

// RegisterIsoTPWith creates an endpoint with explicit options.
func (c *Core) RegisterIsoTPWith(txID, rxID uint32, opts IsoTPOptions) (*IsoTPEndpoint, error) {
	if txID == rxID {
		return nil, ErrIllegalArgument
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return nil, ErrTransportClosed
	}
	if _, ok := c.endpoints[rxID]; ok {
		return nil, ErrDuplicateRxId
	}
	out := func(Frame) error { return ErrTransportDisconnected }
	if c.disp != nil {
		out = c.disp.send
	}
	ep := newEndpoint(txID, rxID, opts, out)
	if c.disp == nil {
		ep.setLinkDown()
	} else if err := c.disp.bind(ep); err != nil {
		ep.close()
		return nil, err
	}
	c.endpoints[rxID] = ep
	log.Infof("[CORE] isotp endpoint registered tx x%X rx x%X", txID, rxID)
	return ep, nil
}

// UnregisterIsoTP removes an endpoint and its UDS client.
func (c *Core) UnregisterIsoTP(ep *IsoTPEndpoint) {
	if ep == nil {
		return
	}
	c.mu.Lock()
	delete(c.endpoints, ep.rxID)
	client := c.clients[ep.rxID]
	delete(c.clients, ep.rxID)
	disp := c.disp
	c.mu.Unlock()
	if disp != nil {
		disp.unbind(ep.rxID)
	}
	if client != nil {
		client.Close()
	}
	ep.close()
}

// Client returns the UDS client for an endpoint, creating it on first
// use. One client per endpoint; requests are serialized through it.
func (c *Core) Client(ep *IsoTPEndpoint) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[ep.rxID]; ok {
		return client
	}
	client := NewClient(ep)
	client.SetTesterPresentPeriod(c.cfg.Uds.TesterPresentPeriod)
	client.SetAutoKeepalive(c.cfg.Uds.AutoTesterPresent)
	c.clients[ep.rxID] = client
	return client
}

// Scheduler exposes the transmit scheduler; nil when disconnected.
func (c *Core) Scheduler() *Scheduler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sched
}

// SubscribeFrames attaches an observer to the raw frame broadcast.
func (c *Core) SubscribeFrames() *FrameSub {
	return c.hub.subscribe()
}

// AttachDatabase routes broadcast frames through a message database.
func (c *Core) AttachDatabase(db MessageDatabase) {
	c.dec.attach(db)
}

// SubscribeDecoded attaches an observer to the decoded-signal stream.
func (c *Core) SubscribeDecoded() *DecodedSub {
	return c.dec.subscribe()
}

// Ring exposes the frame history buffer.
func (c *Core) Ring() *FrameRing {
	return c.ring
}

// Shutdown disconnects and tears down all endpoints and clients. Safe
// to call more than once.
func (c *Core) Shutdown() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	c.mu.Unlock()

	c.Disconnect()

	c.mu.Lock()
	clients := c.clients
	endpoints := c.endpoints
	c.clients = make(map[uint32]*Client)
	c.endpoints = make(map[uint32]*IsoTPEndpoint)
	c.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
	for _, ep := range endpoints {
		ep.close()
	}
	log.Infof("[CORE] shut down")
}
