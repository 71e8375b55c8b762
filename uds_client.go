package analyzer

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultRequestQueue        = 32
	DefaultTesterPresentPeriod = 2 * time.Second
	testerPresentMaxFailures   = 3
)

// Request is one diagnostic service invocation.
type Request struct {
	Service byte
	Sub     byte
	HasSub  bool
	Payload []byte

	// Timeout overrides the endpoint P2 when non-zero; P2Ext applies
	// after a response-pending answer.
	Timeout time.Duration
	P2Ext   time.Duration

	// noResponse suppresses waiting for an answer (tester present with
	// the suppress bit set).
	noResponse bool
}

// Response is the peer's answer. For a positive response Data holds the
// PDU after the response service byte; for a negative response Nrc is
// set and the call error is a *NegativeResponseError.
type Response struct {
	Service  byte
	Negative bool
	Nrc      byte
	Data     []byte
	Raw      []byte
}

// Call is a pending request. Done is closed once Response and Err are
// valid, in the style of net/rpc.
type Call struct {
	ID       uint64
	Request  Request
	Response Response
	Err      error
	Done     chan struct{}

	ctx context.Context
}

// SessionInfo is a snapshot of the diagnostic session state.
type SessionInfo struct {
	Type          byte
	SecurityLevel byte
	TesterPresent bool
	LastActivity  time.Time
}

// Client drives UDS request/response exchanges on one ISO-TP endpoint.
// Requests are queued and executed strictly one at a time.
type Client struct {
	ep *IsoTPEndpoint

	queue  chan *Call
	nextID atomic.Uint64

	mu            sync.Mutex
	sessionType   byte
	securityLevel byte
	lastActivity  time.Time

	tpPeriod  time.Duration
	tpAuto    bool
	tpEnabled bool
	tpStop    chan struct{}
	tpFails   int

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient creates a UDS client on the given endpoint. The endpoint's
// P2/P2Ext options are the default request timeouts.
func NewClient(ep *IsoTPEndpoint) *Client {
	c := &Client{
		ep:          ep,
		queue:       make(chan *Call, DefaultRequestQueue),
		sessionType: SessionDefault,
		tpPeriod:    DefaultTesterPresentPeriod,
		tpAuto:      true,
		closed:      make(chan struct{}),
	}
	c.wg.Add(1)
	go c.worker()
	return c
}

// Session returns the current session snapshot.
func (c *Client) Session() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SessionInfo{
		Type:          c.sessionType,
		SecurityLevel: c.securityLevel,
		TesterPresent: c.tpEnabled,
		LastActivity:  c.lastActivity,
	}
}

// Submit queues a request and returns immediately. A full queue is
// rejected synchronously with ErrQueueFull.
func (c *Client) Submit(ctx context.Context, req Request) (*Call, error) {
	call := &Call{
		ID:      c.nextID.Add(1),
		Request: req,
		Done:    make(chan struct{}),
		ctx:     ctx,
	}
	select {
	case <-c.closed:
		return nil, ErrEndpointClosed
	default:
	}
	select {
	case c.queue <- call:
		return call, nil
	default:
		return nil, ErrQueueFull
	}
}

// Request queues a request and blocks until it completes.
func (c *Client) Request(ctx context.Context, req Request) (Response, error) {
	call, err := c.Submit(ctx, req)
	if err != nil {
		return Response{}, err
	}
	select {
	case <-call.Done:
		return call.Response, call.Err
	case <-ctx.Done():
		// the worker resolves the call with ErrCancelled; don't leave
		// the caller waiting for it
		return Response{}, ErrCancelled
	}
}

func (c *Client) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.closed:
			c.drain()
			return
		case call := <-c.queue:
			c.serve(call)
		}
	}
}

func (c *Client) drain() {
	for {
		select {
		case call := <-c.queue:
			call.Err = ErrEndpointClosed
			close(call.Done)
		default:
			return
		}
	}
}

func (c *Client) serve(call *Call) {
	ctx := call.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		call.Err = ErrCancelled
		close(call.Done)
		return
	}
	call.Response, call.Err = c.exchange(ctx, call.Request)
	if call.Err == nil {
		c.completed(call.Request)
	}
	close(call.Done)
}

// completed applies session side effects of a successful request.
func (c *Client) completed(req Request) {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.tpFails = 0
	c.mu.Unlock()
	if req.Service == ServiceDiagnosticSessionControl && req.HasSub {
		c.applySession(req.Sub &^ suppressResponseBit)
	}
}

// applySession updates the session type. Entering the default session
// locks security again and stops the keepalive; any other session
// starts it when automatic keepalive is enabled.
func (c *Client) applySession(session byte) {
	c.mu.Lock()
	c.sessionType = session
	if session == SessionDefault {
		c.securityLevel = 0
	}
	auto := c.tpAuto
	c.mu.Unlock()
	if session == SessionDefault {
		c.StopTesterPresent()
	} else if auto {
		c.StartTesterPresent()
	}
	log.Infof("[UDS][x%X] active session is now x%02X", c.ep.txID, session)
}

// SetAutoKeepalive controls whether entering a non-default session
// starts the tester present keepalive automatically (default on).
func (c *Client) SetAutoKeepalive(enabled bool) {
	c.mu.Lock()
	c.tpAuto = enabled
	c.mu.Unlock()
}

func (c *Client) exchange(ctx context.Context, req Request) (Response, error) {
	pdu := make([]byte, 0, 2+len(req.Payload))
	pdu = append(pdu, req.Service)
	if req.HasSub {
		pdu = append(pdu, req.Sub)
	}
	pdu = append(pdu, req.Payload...)

	incUdsRequest()

	// late responses from an abandoned exchange must not poison this one
	for {
		select {
		case <-c.ep.pduCh:
			continue
		default:
		}
		break
	}

	if err := c.ep.SendPDU(ctx, pdu); err != nil {
		return Response{}, err
	}
	log.Debugf("[UDS][x%X][TX] %v | % X", c.ep.txID, ServiceLabel(req.Service), pdu)
	if req.noResponse {
		return Response{Service: req.Service}, nil
	}

	p2 := req.Timeout
	if p2 <= 0 {
		p2 = c.ep.opts.P2
	}
	p2ext := req.P2Ext
	if p2ext <= 0 {
		p2ext = c.ep.opts.P2Ext
	}

	deadline := p2
	for {
		rctx, cancel := context.WithTimeout(ctx, deadline)
		raw, err := c.ep.RecvPDU(rctx)
		cancel()
		if err != nil {
			if err == ErrCancelled && ctx.Err() == nil {
				return Response{}, ErrUdsTimeout
			}
			return Response{}, err
		}
		if len(raw) == 0 {
			return Response{}, ErrUdsProtocol
		}

		switch {
		case raw[0] == negativeResponseByte:
			if len(raw) < 3 {
				return Response{}, ErrUdsProtocol
			}
			if raw[1] != req.Service {
				log.Warnf("[UDS][x%X] negative response for x%02X while waiting on %v, ignored",
					c.ep.txID, raw[1], ServiceLabel(req.Service))
				continue
			}
			if raw[2] == NrcResponsePending {
				log.Debugf("[UDS][x%X] response pending, extending window to %v", c.ep.txID, p2ext)
				deadline = p2ext
				continue
			}
			incUdsNeg()
			resp := Response{Service: req.Service, Negative: true, Nrc: raw[2], Raw: raw}
			log.Warnf("[UDS][x%X][RX] %v rejected : %v", c.ep.txID, ServiceLabel(req.Service), NrcLabel(raw[2]))
			return resp, &NegativeResponseError{Service: req.Service, Nrc: raw[2]}

		case raw[0] == req.Service+positiveResponseShift:
			if req.HasSub {
				if len(raw) < 2 || raw[1] != req.Sub&^suppressResponseBit {
					return Response{}, ErrUdsProtocol
				}
			}
			log.Debugf("[UDS][x%X][RX] %v | % X", c.ep.txID, ServiceLabel(req.Service), raw)
			return Response{Service: req.Service, Data: raw[1:], Raw: raw}, nil

		default:
			log.Warnf("[UDS][x%X] unexpected response x%02X to %v", c.ep.txID, raw[0], ServiceLabel(req.Service))
			return Response{}, ErrUdsProtocol
		}
	}
}

// ---------------------------------------------------------------------
// Tester present keepalive

// StartTesterPresent begins the periodic 0x3E keepalive (suppressed
// positive response). It resets whenever other traffic succeeds; after
// three consecutive failures the session is demoted to default.
func (c *Client) StartTesterPresent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tpEnabled {
		return
	}
	c.tpEnabled = true
	c.tpStop = make(chan struct{})
	c.wg.Add(1)
	go c.keepalive(c.tpStop)
	log.Infof("[UDS][x%X] tester present keepalive started, period %v", c.ep.txID, c.tpPeriod)
}

// StopTesterPresent stops the keepalive (idempotent).
func (c *Client) StopTesterPresent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.tpEnabled {
		return
	}
	c.tpEnabled = false
	close(c.tpStop)
}

// SetTesterPresentPeriod adjusts the keepalive period (default 2s).
func (c *Client) SetTesterPresentPeriod(period time.Duration) {
	if period <= 0 {
		return
	}
	c.mu.Lock()
	c.tpPeriod = period
	c.mu.Unlock()
}

func (c *Client) keepalive(stop chan struct{}) {
	defer c.wg.Done()
	c.mu.Lock()
	period := c.tpPeriod
	c.mu.Unlock()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := time.Since(c.lastActivity) >= period
			c.mu.Unlock()
			if !idle {
				continue
			}
			call, err := c.Submit(context.Background(), Request{
				Service:    ServiceTesterPresent,
				Sub:        suppressResponseBit,
				HasSub:     true,
				noResponse: true,
			})
			if err == nil {
				<-call.Done
				err = call.Err
			}
			if err == nil {
				continue
			}
			c.mu.Lock()
			c.tpFails++
			fails := c.tpFails
			c.mu.Unlock()
			log.Warnf("[UDS][x%X] tester present failed (%v/%v) : %v", c.ep.txID, fails, testerPresentMaxFailures, err)
			if fails >= testerPresentMaxFailures {
				log.Errorf("[UDS][x%X] keepalive lost, falling back to default session", c.ep.txID)
				c.applySession(SessionDefault)
				return
			}
		}
	}
}

// ---------------------------------------------------------------------
// Service wrappers

// DiagnosticSessionControl switches the diagnostic session (0x10) and
// returns the session parameter record from the response.
func (c *Client) DiagnosticSessionControl(ctx context.Context, session byte) ([]byte, error) {
	resp, err := c.Request(ctx, Request{Service: ServiceDiagnosticSessionControl, Sub: session, HasSub: true})
	if err != nil {
		return nil, err
	}
	return resp.Data[1:], nil
}

// TesterPresent sends an explicit 0x3E with a positive response.
func (c *Client) TesterPresent(ctx context.Context) error {
	_, err := c.Request(ctx, Request{Service: ServiceTesterPresent, Sub: 0x00, HasSub: true})
	return err
}

// ECUReset requests a reset (0x11) with the given sub-function.
func (c *Client) ECUReset(ctx context.Context, resetType byte) error {
	_, err := c.Request(ctx, Request{Service: ServiceECUReset, Sub: resetType, HasSub: true})
	return err
}

// ReadDataByIdentifier reads one DID (0x22) and returns its value.
func (c *Client) ReadDataByIdentifier(ctx context.Context, did uint16) ([]byte, error) {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, did)
	resp, err := c.Request(ctx, Request{Service: ServiceReadDataByIdentifier, Payload: payload})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) < 2 || binary.BigEndian.Uint16(resp.Data) != did {
		return nil, ErrUdsProtocol
	}
	return resp.Data[2:], nil
}

// WriteDataByIdentifier writes one DID (0x2E).
func (c *Client) WriteDataByIdentifier(ctx context.Context, did uint16, value []byte) error {
	payload := make([]byte, 2, 2+len(value))
	binary.BigEndian.PutUint16(payload, did)
	payload = append(payload, value...)
	resp, err := c.Request(ctx, Request{Service: ServiceWriteDataByIdentifier, Payload: payload})
	if err != nil {
		return err
	}
	if len(resp.Data) < 2 || binary.BigEndian.Uint16(resp.Data) != did {
		return ErrUdsProtocol
	}
	return nil
}

// ReadDTCInformation invokes 0x19 with the given report sub-function.
func (c *Client) ReadDTCInformation(ctx context.Context, report byte, payload ...byte) ([]byte, error) {
	resp, err := c.Request(ctx, Request{Service: ServiceReadDTCInformation, Sub: report, HasSub: true, Payload: payload})
	if err != nil {
		return nil, err
	}
	return resp.Data[1:], nil
}

// ClearDiagnosticInformation clears DTCs (0x14) for a 3-byte group.
func (c *Client) ClearDiagnosticInformation(ctx context.Context, group uint32) error {
	payload := []byte{byte(group >> 16), byte(group >> 8), byte(group)}
	_, err := c.Request(ctx, Request{Service: ServiceClearDiagnosticInformation, Payload: payload})
	return err
}

// RoutineControl starts, stops or polls a routine (0x31).
func (c *Client) RoutineControl(ctx context.Context, sub byte, routine uint16, payload []byte) ([]byte, error) {
	p := make([]byte, 2, 2+len(payload))
	binary.BigEndian.PutUint16(p, routine)
	p = append(p, payload...)
	resp, err := c.Request(ctx, Request{Service: ServiceRoutineControl, Sub: sub, HasSub: true, Payload: p})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) < 3 || binary.BigEndian.Uint16(resp.Data[1:]) != routine {
		return nil, ErrUdsProtocol
	}
	return resp.Data[3:], nil
}

// SecurityAccess performs the seed/key handshake (0x27). The requested
// level must be odd; on success the session security level becomes that
// level. An all-zero seed means the level is already unlocked.
func (c *Client) SecurityAccess(ctx context.Context, level byte, alg SeedKey) error {
	if level == 0 || level%2 == 0 {
		return ErrIllegalArgument
	}
	resp, err := c.Request(ctx, Request{Service: ServiceSecurityAccess, Sub: level, HasSub: true})
	if err != nil {
		return err
	}
	seed := resp.Data[1:]
	if len(seed) == 0 {
		return ErrUdsProtocol
	}
	if allZero(seed) {
		log.Infof("[UDS][x%X] level %v already unlocked", c.ep.txID, level)
		c.mu.Lock()
		c.securityLevel = level
		c.mu.Unlock()
		return nil
	}

	key, err := alg.Compute(level, seed)
	if err != nil {
		return err
	}
	_, err = c.Request(ctx, Request{Service: ServiceSecurityAccess, Sub: level + 1, HasSub: true, Payload: key})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.securityLevel = level
	c.mu.Unlock()
	log.Infof("[UDS][x%X] security level %v unlocked", c.ep.txID, level)
	return nil
}

// Close stops the worker and keepalive; pending calls fail.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.StopTesterPresent()
		close(c.closed)
	})
	c.wg.Wait()
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
