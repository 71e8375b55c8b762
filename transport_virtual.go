package analyzer

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// VirtualCAN is a client for the virtualcan TCP server
// (windelbouwman/virtualcan): every frame travels as a 4-byte big
// endian length prefix followed by the serialized frame. Standard
// frame format only.
type VirtualCAN struct {
	address string
	conn    net.Conn

	writeMu sync.Mutex
	readMu  sync.Mutex
	state   atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
}

// wire layout expected by the virtualcan server
type virtualWireFrame struct {
	ID    uint32
	DLC   uint8
	Data  [8]byte
	Flags uint8
}

func NewVirtualCAN(address string) (*VirtualCAN, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			conn.Close()
			return nil, err
		}
	}
	v := &VirtualCAN{address: address, conn: conn, closed: make(chan struct{})}
	v.state.Store(int32(StateConnected))
	log.Infof("[DRIVER] virtualcan connected to %v", address)
	return v, nil
}

func (v *VirtualCAN) Recv(window time.Duration) (Frame, error) {
	if v.State() != StateConnected {
		return Frame{}, ErrTransportDisconnected
	}
	v.readMu.Lock()
	defer v.readMu.Unlock()

	if err := v.conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		return Frame{}, v.failed(err)
	}
	header := make([]byte, 4)
	if _, err := io.ReadFull(v.conn, header); err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return Frame{}, ErrRecvTimeout
		}
		return Frame{}, v.failed(err)
	}
	length := binary.BigEndian.Uint32(header)
	if length == 0 || length > 64 {
		return Frame{}, v.failed(ErrFrameLength)
	}
	payload := make([]byte, length)
	// the rest of the frame is already in flight, give it a fresh window
	if err := v.conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		return Frame{}, v.failed(err)
	}
	if _, err := io.ReadFull(v.conn, payload); err != nil {
		return Frame{}, v.failed(err)
	}

	var wire virtualWireFrame
	if err := binary.Read(bytes.NewReader(payload), binary.BigEndian, &wire); err != nil {
		return Frame{}, v.failed(err)
	}
	f := Frame{Dir: DirRx, Timestamp: time.Now()}
	f.ID = wire.ID & CanSffMask
	f.Length = wire.DLC
	if f.Length > 8 {
		f.Length = 8
	}
	copy(f.Data[:8], wire.Data[:])
	return f, nil
}

func (v *VirtualCAN) Send(frame Frame) error {
	if v.State() != StateConnected {
		return ErrTransportDisconnected
	}
	if frame.Length > 8 || frame.Extended {
		return ErrFrameLength
	}
	wire := virtualWireFrame{ID: frame.ID & CanSffMask, DLC: frame.Length}
	copy(wire.Data[:], frame.Data[:8])

	body := new(bytes.Buffer)
	if err := binary.Write(body, binary.BigEndian, wire); err != nil {
		return err
	}
	packet := make([]byte, 4, 4+body.Len())
	binary.BigEndian.PutUint32(packet, uint32(body.Len()))
	packet = append(packet, body.Bytes()...)

	v.writeMu.Lock()
	_, err := v.conn.Write(packet)
	v.writeMu.Unlock()
	if err != nil {
		return v.failed(err)
	}
	return nil
}

func (v *VirtualCAN) failed(err error) error {
	select {
	case <-v.closed:
		return ErrTransportDisconnected
	default:
	}
	log.Errorf("[DRIVER] virtualcan %v fault : %v", v.address, err)
	v.state.Store(int32(StateFaulted))
	v.closeOnce.Do(func() { close(v.closed) })
	return ErrTransportDisconnected
}

func (v *VirtualCAN) State() TransportState {
	return TransportState(v.state.Load())
}

func (v *VirtualCAN) Shutdown() error {
	var err error
	v.closeOnce.Do(func() {
		v.state.Store(int32(StateDisconnected))
		close(v.closed)
		err = v.conn.Close()
	})
	return err
}
