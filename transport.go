package analyzer

import (
	"sync"
	"sync/atomic"
	"time"
)

// TransportState describes the health of a CAN backend
type TransportState int32

const (
	StateDisconnected TransportState = iota
	StateConnected
	StateBusOff
	StateFaulted
)

func (s TransportState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateBusOff:
		return "bus-off"
	case StateFaulted:
		return "faulted"
	}
	return "?"
}

// Transport abstracts a raw CAN device. Recv blocks up to the given
// window and is only ever called by the dispatcher; Send may be called
// from any goroutine and does not block on bus arbitration. Transient
// conditions (no data) surface as ErrRecvTimeout, real faults as
// ErrTransportDisconnected with State reflecting the cause.
type Transport interface {
	Recv(window time.Duration) (Frame, error)
	Send(frame Frame) error
	State() TransportState
	Shutdown() error
}

const pipeQueueSize = 256

// PipeTransport is an in-memory transport. Two cross-connected ends are
// created with Pipe; what one end sends, the other receives. Used for
// loop-back runs and for scripting peer behaviour in tests.
type PipeTransport struct {
	name  string
	rx    chan Frame
	peer  *PipeTransport
	state atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
}

// Pipe returns two connected in-memory transports.
func Pipe() (*PipeTransport, *PipeTransport) {
	a := &PipeTransport{name: "pipe0", rx: make(chan Frame, pipeQueueSize), closed: make(chan struct{})}
	b := &PipeTransport{name: "pipe1", rx: make(chan Frame, pipeQueueSize), closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	a.state.Store(int32(StateConnected))
	b.state.Store(int32(StateConnected))
	return a, b
}

func (p *PipeTransport) Recv(window time.Duration) (Frame, error) {
	if p.State() != StateConnected {
		return Frame{}, ErrTransportDisconnected
	}
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case f := <-p.rx:
		f.Dir = DirRx
		return f, nil
	case <-p.closed:
		return Frame{}, ErrTransportDisconnected
	case <-timer.C:
		return Frame{}, ErrRecvTimeout
	}
}

func (p *PipeTransport) Send(frame Frame) error {
	if p.State() != StateConnected {
		return ErrTransportDisconnected
	}
	if !validFrameLength(frame.Length) {
		return ErrFrameLength
	}
	select {
	case p.peer.rx <- frame:
		return nil
	case <-p.closed:
		return ErrTransportDisconnected
	default:
		return ErrTxOverflow
	}
}

func (p *PipeTransport) State() TransportState {
	return TransportState(p.state.Load())
}

// Fail simulates a driver fault: both ends observe a disconnect.
func (p *PipeTransport) Fail() {
	p.fail(StateFaulted)
	p.peer.fail(StateFaulted)
}

func (p *PipeTransport) fail(s TransportState) {
	p.state.Store(int32(s))
	p.closeOnce.Do(func() { close(p.closed) })
}

func (p *PipeTransport) Shutdown() error {
	p.fail(StateDisconnected)
	return nil
}
