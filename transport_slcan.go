package analyzer

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

const slcanQueueSize = 512

// slcanBitrates maps bus bitrates to the S command code.
var slcanBitrates = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// Slcan drives an SLCAN (serial line CAN) adapter through tarm/serial.
// A reader goroutine parses the ASCII stream into frames; Recv drains
// the resulting queue.
type Slcan struct {
	device string
	port   *serial.Port
	rx     chan Frame

	writeMu sync.Mutex
	state   atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

func NewSlcan(device string, baud, bitrate int) (*Slcan, error) {
	code, ok := slcanBitrates[bitrate]
	if !ok {
		return nil, fmt.Errorf("unsupported slcan bitrate %v : %w", bitrate, ErrIllegalArgument)
	}
	if baud <= 0 {
		baud = 115200
	}
	port, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud, ReadTimeout: 100 * time.Millisecond})
	if err != nil {
		return nil, err
	}
	s := &Slcan{
		device: device,
		port:   port,
		rx:     make(chan Frame, slcanQueueSize),
		closed: make(chan struct{}),
	}
	// close a possibly open channel, set bitrate, open
	for _, cmd := range []string{"C\r", "S" + string(code) + "\r", "O\r"} {
		if _, err := port.Write([]byte(cmd)); err != nil {
			port.Close()
			return nil, err
		}
	}
	s.state.Store(int32(StateConnected))
	s.wg.Add(1)
	go s.reader()
	log.Infof("[DRIVER] slcan %v up at %v bit/s", device, bitrate)
	return s, nil
}

func (s *Slcan) reader() {
	defer s.wg.Done()
	buf := make([]byte, 256)
	line := make([]byte, 0, 64)
	for {
		select {
		case <-s.closed:
			return
		default:
		}
		n, err := s.port.Read(buf)
		if err != nil {
			select {
			case <-s.closed:
			default:
				log.Errorf("[DRIVER] slcan %v read failed : %v", s.device, err)
				s.fail(StateFaulted)
			}
			return
		}
		for _, b := range buf[:n] {
			switch b {
			case '\r', '\n', 0x07: // end of line or adapter bell (error ack)
				if len(line) > 0 {
					s.parseLine(string(line))
					line = line[:0]
				}
			default:
				line = append(line, b)
			}
		}
	}
}

// slcanEncode renders a frame as an SLCAN transmit record.
func slcanEncode(frame Frame) string {
	if frame.Extended {
		return fmt.Sprintf("T%08X%d%X\r", frame.ID&CanEffMask, frame.Length, frame.Data[:frame.Length])
	}
	return fmt.Sprintf("t%03X%d%X\r", frame.ID&CanSffMask, frame.Length, frame.Data[:frame.Length])
}

// parseLine handles one SLCAN record: 't'/'T' data frames with standard
// or extended ids. Remote frames and status records are ignored.
func (s *Slcan) parseLine(line string) {
	var idLen int
	var extended bool
	switch line[0] {
	case 't':
		idLen, extended = 3, false
	case 'T':
		idLen, extended = 8, true
	default:
		return
	}
	if len(line) < 1+idLen+1 {
		return
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return
	}
	dlc, err := strconv.Atoi(line[1+idLen : 2+idLen])
	if err != nil || dlc > 8 {
		return
	}
	hexData := line[2+idLen:]
	if len(hexData) < 2*dlc {
		return
	}
	data, err := hex.DecodeString(hexData[:2*dlc])
	if err != nil {
		return
	}

	f := Frame{Dir: DirRx, Timestamp: time.Now(), Extended: extended, Length: uint8(dlc)}
	f.ID = uint32(id)
	copy(f.Data[:], data)

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

func (s *Slcan) Recv(window time.Duration) (Frame, error) {
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

func (s *Slcan) Send(frame Frame) error {
	if s.State() != StateConnected {
		return ErrTransportDisconnected
	}
	if frame.Length > 8 {
		return ErrFrameLength
	}
	record := slcanEncode(frame)
	s.writeMu.Lock()
	_, err := s.port.Write([]byte(record))
	s.writeMu.Unlock()
	if err != nil {
		log.Errorf("[DRIVER] slcan %v write failed : %v", s.device, err)
		s.fail(StateFaulted)
		return ErrTransportDisconnected
	}
	return nil
}

func (s *Slcan) State() TransportState {
	return TransportState(s.state.Load())
}

func (s *Slcan) fail(state TransportState) {
	s.state.Store(int32(state))
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Slcan) Shutdown() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateDisconnected))
		close(s.closed)
		s.writeMu.Lock()
		_, _ = s.port.Write([]byte("C\r"))
		s.writeMu.Unlock()
		err = s.port.Close()
	})
	s.wg.Wait()
	return err
}
