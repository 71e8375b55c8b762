package analyzer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/brutella/can"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const socketcanQueueSize = 512

// SocketCAN is the Linux socketcan backend, built on brutella/can. The
// library's publish loop runs in its own goroutine and feeds a bounded
// queue that Recv drains; classic CAN only.
type SocketCAN struct {
	name string
	bus  *can.Bus
	rx   chan Frame

	sendMu sync.Mutex
	state  atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
}

func NewSocketCAN(name string) (*SocketCAN, error) {
	bus, err := can.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	s := &SocketCAN{
		name:   name,
		bus:    bus,
		rx:     make(chan Frame, socketcanQueueSize),
		closed: make(chan struct{}),
	}
	s.state.Store(int32(StateConnected))
	bus.SubscribeFunc(s.handle)
	go func() {
		err := bus.ConnectAndPublish()
		select {
		case <-s.closed:
			return
		default:
		}
		log.Errorf("[DRIVER] socketcan %v receive loop closed : %v", name, err)
		s.fail(StateFaulted)
	}()
	log.Infof("[DRIVER] socketcan %v up", name)
	return s, nil
}

// handle converts a brutella frame and queues it. A full queue loses
// the oldest frame; the loss is counted as an observer drop.
func (s *SocketCAN) handle(frame can.Frame) {
	f := Frame{Dir: DirRx, Timestamp: time.Now()}
	f.ID = frame.ID & CanEffMask
	f.Extended = frame.ID&unix.CAN_EFF_FLAG != 0
	f.Err = frame.ID&unix.CAN_ERR_FLAG != 0
	if !f.Extended {
		f.ID &= CanSffMask
	}
	n := frame.Length
	if n > 8 {
		n = 8
	}
	f.Length = n
	copy(f.Data[:8], frame.Data[:])

	select {
	case s.rx <- f:
		return
	default:
	}
	select {
	case <-s.rx:
		incObsDrop()
	default:
	}
	select {
	case s.rx <- f:
	default:
	}
}

func (s *SocketCAN) Recv(window time.Duration) (Frame, error) {
	if s.State() != StateConnected {
		return Frame{}, ErrTransportDisconnected
	}
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case f := <-s.rx:
		return f, nil
	case <-s.closed:
		return Frame{}, ErrTransportDisconnected
	case <-timer.C:
		return Frame{}, ErrRecvTimeout
	}
}

func (s *SocketCAN) Send(frame Frame) error {
	if s.State() != StateConnected {
		return ErrTransportDisconnected
	}
	if frame.Length > 8 {
		return ErrFrameLength
	}
	out := can.Frame{ID: frame.ID, Length: frame.Length}
	if frame.Extended {
		out.ID |= unix.CAN_EFF_FLAG
	}
	copy(out.Data[:], frame.Data[:8])
	s.sendMu.Lock()
	err := s.bus.Publish(out)
	s.sendMu.Unlock()
	if err != nil {
		log.Errorf("[DRIVER] socketcan %v send failed : %v", s.name, err)
		s.fail(StateFaulted)
		return ErrTransportDisconnected
	}
	return nil
}

func (s *SocketCAN) State() TransportState {
	return TransportState(s.state.Load())
}

func (s *SocketCAN) fail(state TransportState) {
	s.state.Store(int32(state))
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *SocketCAN) Shutdown() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateDisconnected))
		close(s.closed)
		err = s.bus.Disconnect()
	})
	return err
}
