package analyzer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// ISO 15765-2 transport layer for diagnostics on CAN. One endpoint per
// (txID, rxID) pair, half-duplex at the PDU level.

// N_PCI frame types, upper nibble of byte 0
const (
	pciSingle      byte = 0x0
	pciFirst       byte = 0x1
	pciConsecutive byte = 0x2
	pciFlowControl byte = 0x3
)

// Flow control status, lower nibble of byte 0
const (
	flowCTS      byte = 0x0
	flowWait     byte = 0x1
	flowOverflow byte = 0x2
)

const (
	MaxPduLength     = 4095
	DefaultPadByte   = 0xCC
	DefaultInboxSize = 64
	maxFlowWaits     = 8
)

// EndpointState mirrors the transfer progress of an endpoint.
type EndpointState int32

const (
	EndpointIdle EndpointState = iota
	EndpointWaitingFC
	EndpointReceiving
	EndpointSending
	EndpointAborted
)

func (s EndpointState) String() string {
	switch s {
	case EndpointIdle:
		return "idle"
	case EndpointWaitingFC:
		return "waiting-fc"
	case EndpointReceiving:
		return "receiving"
	case EndpointSending:
		return "sending"
	case EndpointAborted:
		return "aborted"
	}
	return "?"
}

// IsoTPOptions are the per-endpoint tuneables. The zero value is not
// usable; start from DefaultIsoTPOptions.
type IsoTPOptions struct {
	BlockSize uint8 // BS we advertise in flow control, 0 = no limit
	STmin     byte  // separation time we advertise
	Padding   bool
	PadByte   byte
	NAs       time.Duration // frame transmission budget
	NBs       time.Duration // flow control wait
	NCr       time.Duration // consecutive frame wait
	InboxSize int
	P2        time.Duration // diagnostic response timeout
	P2Ext     time.Duration // extended timeout after response-pending
}

func DefaultIsoTPOptions() IsoTPOptions {
	return IsoTPOptions{
		BlockSize: 0,
		STmin:     0,
		Padding:   true,
		PadByte:   DefaultPadByte,
		NAs:       1000 * time.Millisecond,
		NBs:       1000 * time.Millisecond,
		NCr:       1000 * time.Millisecond,
		InboxSize: DefaultInboxSize,
		P2:        1000 * time.Millisecond,
		P2Ext:     5000 * time.Millisecond,
	}
}

// IsoTPStats are per-endpoint error counters.
type IsoTPStats struct {
	Overruns       uint64
	SequenceErrors uint64
	StrayFrames    uint64
	Timeouts       uint64
}

// IsoTPEndpoint segments and reassembles PDUs of up to 4095 bytes over
// a pair of CAN ids. Incoming frames arrive through the dispatcher into
// a bounded inbox; a dedicated goroutine runs the reassembly state
// machine. Sends are serialized: a second SendPDU blocks until the
// first finishes.
type IsoTPEndpoint struct {
	txID uint32
	rxID uint32
	opts IsoTPOptions

	outMu sync.RWMutex
	out   func(Frame) error

	inbox chan Frame
	fcCh  chan Frame
	pduCh chan []byte
	errCh chan error

	sendMu sync.Mutex
	state  atomic.Int32

	overruns  atomic.Uint64
	seqErrors atomic.Uint64
	stray     atomic.Uint64
	timeouts  atomic.Uint64

	linkMu sync.Mutex
	lost   chan struct{}
	down   bool

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newEndpoint(txID, rxID uint32, opts IsoTPOptions, out func(Frame) error) *IsoTPEndpoint {
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	ep := &IsoTPEndpoint{
		txID:   txID,
		rxID:   rxID,
		opts:   opts,
		out:    out,
		inbox:  make(chan Frame, opts.InboxSize),
		fcCh:   make(chan Frame, 1),
		pduCh:  make(chan []byte, 8),
		errCh:  make(chan error, 8),
		lost:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	ep.wg.Add(1)
	go ep.run()
	return ep
}

func (ep *IsoTPEndpoint) TxId() uint32 { return ep.txID }
func (ep *IsoTPEndpoint) RxId() uint32 { return ep.rxID }

func (ep *IsoTPEndpoint) State() EndpointState {
	return EndpointState(ep.state.Load())
}

func (ep *IsoTPEndpoint) setState(s EndpointState) {
	ep.state.Store(int32(s))
}

func (ep *IsoTPEndpoint) Stats() IsoTPStats {
	return IsoTPStats{
		Overruns:       ep.overruns.Load(),
		SequenceErrors: ep.seqErrors.Load(),
		StrayFrames:    ep.stray.Load(),
		Timeouts:       ep.timeouts.Load(),
	}
}

// Errors exposes reassembly faults (sequence errors, N_Cr timeouts) to
// observers. The channel is buffered and lossy.
func (ep *IsoTPEndpoint) Errors() <-chan error { return ep.errCh }

// deliver is called by the dispatcher. A full inbox evicts the oldest
// pending frame and records an overrun.
func (ep *IsoTPEndpoint) deliver(f Frame) {
	select {
	case ep.inbox <- f:
		return
	default:
	}
	select {
	case <-ep.inbox:
		ep.overruns.Add(1)
		incOverrun()
	default:
	}
	select {
	case ep.inbox <- f:
	default:
	}
}

func (ep *IsoTPEndpoint) pushErr(err error) {
	select {
	case ep.errCh <- err:
	default:
	}
}

func (ep *IsoTPEndpoint) setLinkDown() {
	ep.linkMu.Lock()
	defer ep.linkMu.Unlock()
	if !ep.down {
		ep.down = true
		close(ep.lost)
	}
}

func (ep *IsoTPEndpoint) setLinkUp() {
	ep.linkMu.Lock()
	defer ep.linkMu.Unlock()
	if ep.down {
		ep.down = false
		ep.lost = make(chan struct{})
	}
}

func (ep *IsoTPEndpoint) linkDown() bool {
	ep.linkMu.Lock()
	defer ep.linkMu.Unlock()
	return ep.down
}

func (ep *IsoTPEndpoint) lostCh() <-chan struct{} {
	ep.linkMu.Lock()
	defer ep.linkMu.Unlock()
	return ep.lost
}

// close stops the reassembly goroutine. Called on unregister/shutdown.
func (ep *IsoTPEndpoint) close() {
	ep.closeOnce.Do(func() { close(ep.closed) })
	ep.wg.Wait()
}

// ---------------------------------------------------------------------
// Reception

func (ep *IsoTPEndpoint) run() {
	defer ep.wg.Done()

	var (
		buf       []byte
		total     int
		seq       byte
		blockCnt  uint8
		receiving bool
	)
	nCr := time.NewTimer(time.Hour)
	nCr.Stop()
	defer nCr.Stop()

	abort := func() {
		receiving = false
		buf = nil
		nCr.Stop()
		ep.setState(EndpointIdle)
	}

	for {
		var timeout <-chan time.Time
		if receiving {
			timeout = nCr.C
		}
		select {
		case <-ep.closed:
			return

		case <-timeout:
			log.Warnf("[ISOTP][x%X] timed out waiting for consecutive frame, discarding %v/%v bytes", ep.rxID, len(buf), total)
			ep.timeouts.Add(1)
			ep.pushErr(ErrTimeoutCr)
			abort()

		case f := <-ep.inbox:
			if f.Length == 0 {
				continue
			}
			switch f.Data[0] >> 4 {
			case pciSingle:
				n := int(f.Data[0] & 0x0F)
				if n == 0 || n > 7 || n > int(f.Length)-1 {
					log.Warnf("[ISOTP][x%X] malformed single frame, length nibble %v", ep.rxID, n)
					ep.stray.Add(1)
					continue
				}
				if receiving {
					log.Warnf("[ISOTP][x%X] single frame during reassembly, discarding partial transfer", ep.rxID)
					abort()
				}
				pdu := make([]byte, n)
				copy(pdu, f.Data[1:1+n])
				ep.deliverPdu(pdu)

			case pciFirst:
				if f.Length < 8 {
					ep.stray.Add(1)
					continue
				}
				declared := int(f.Data[0]&0x0F)<<8 | int(f.Data[1])
				if declared < 8 || declared > MaxPduLength {
					log.Warnf("[ISOTP][x%X] rejecting first frame with declared length %v", ep.rxID, declared)
					ep.stray.Add(1)
					continue
				}
				if receiving {
					log.Warnf("[ISOTP][x%X] first frame during reassembly, restarting", ep.rxID)
				}
				total = declared
				buf = make([]byte, 0, total)
				buf = append(buf, f.Data[2:8]...)
				seq = 1
				blockCnt = 0
				receiving = true
				ep.setState(EndpointReceiving)
				if err := ep.sendFlowControl(flowCTS); err != nil {
					log.Warnf("[ISOTP][x%X] could not send flow control : %v", ep.rxID, err)
					abort()
					continue
				}
				resetTimer(nCr, ep.opts.NCr)

			case pciConsecutive:
				if !receiving {
					ep.stray.Add(1)
					continue
				}
				got := f.Data[0] & 0x0F
				if got != seq {
					log.Warnf("[ISOTP][x%X] sequence error, expected %v got %v", ep.rxID, seq, got)
					ep.seqErrors.Add(1)
					incSeqError()
					ep.pushErr(ErrSequence)
					abort()
					continue
				}
				take := total - len(buf)
				if take > 7 {
					take = 7
				}
				buf = append(buf, f.Data[1:1+take]...)
				seq = (seq + 1) & 0x0F
				if len(buf) == total {
					ep.deliverPdu(buf)
					abort()
					continue
				}
				resetTimer(nCr, ep.opts.NCr)
				if ep.opts.BlockSize > 0 {
					blockCnt++
					if blockCnt == ep.opts.BlockSize {
						blockCnt = 0
						if err := ep.sendFlowControl(flowCTS); err != nil {
							log.Warnf("[ISOTP][x%X] could not send flow control : %v", ep.rxID, err)
							abort()
						}
					}
				}

			case pciFlowControl:
				// for the transmit side of this endpoint
				select {
				case ep.fcCh <- f:
				default:
					// replace a stale flow control
					select {
					case <-ep.fcCh:
					default:
					}
					select {
					case ep.fcCh <- f:
					default:
					}
				}

			default:
				ep.stray.Add(1)
			}
		}
	}
}

func (ep *IsoTPEndpoint) deliverPdu(pdu []byte) {
	select {
	case ep.pduCh <- pdu:
		return
	default:
	}
	select {
	case <-ep.pduCh:
		log.Warnf("[ISOTP][x%X] reassembled pdu dropped, receiver too slow", ep.rxID)
	default:
	}
	select {
	case ep.pduCh <- pdu:
	default:
	}
}

// RecvPDU blocks until a reassembled PDU is available.
func (ep *IsoTPEndpoint) RecvPDU(ctx context.Context) ([]byte, error) {
	select {
	case pdu := <-ep.pduCh:
		return pdu, nil
	case <-ctx.Done():
		return nil, ErrCancelled
	case <-ep.lostCh():
		return nil, ErrTransportDisconnected
	case <-ep.closed:
		return nil, ErrEndpointClosed
	}
}

// ---------------------------------------------------------------------
// Transmission

// SendPDU transmits one PDU, segmenting and honoring the peer's flow
// control. Half-duplex: concurrent calls are serialized.
func (ep *IsoTPEndpoint) SendPDU(ctx context.Context, data []byte) error {
	if len(data) == 0 || len(data) > MaxPduLength {
		return ErrPduLength
	}
	ep.sendMu.Lock()
	defer ep.sendMu.Unlock()

	select {
	case <-ep.closed:
		return ErrEndpointClosed
	default:
	}
	if ep.linkDown() {
		return ErrTransportDisconnected
	}

	ep.setState(EndpointSending)
	defer ep.setState(EndpointIdle)

	if len(data) <= 7 {
		return ep.sendDataFrame(byte(len(data))&0x0F, data)
	}
	return ep.sendSegmented(ctx, data)
}

func (ep *IsoTPEndpoint) sendSegmented(ctx context.Context, data []byte) error {
	// discard any flow control left over from a previous transfer
	select {
	case <-ep.fcCh:
	default:
	}

	first := Frame{ID: ep.txID, Dir: DirTx, Length: 8}
	first.Extended = ep.txID > CanSffMask
	first.Data[0] = pciFirst<<4 | byte(len(data)>>8)&0x0F
	first.Data[1] = byte(len(data))
	copy(first.Data[2:8], data[:6])
	if err := ep.emit(first); err != nil {
		return err
	}

	offset := 6
	seq := byte(1)
	waits := 0
	nBs := time.NewTimer(ep.opts.NBs)
	defer nBs.Stop()

	for offset < len(data) {
		ep.setState(EndpointWaitingFC)
		var fc Frame
	waitFC:
		for {
			select {
			case fc = <-ep.fcCh:
				switch fc.Data[0] & 0x0F {
				case flowCTS:
					waits = 0
					break waitFC
				case flowWait:
					waits++
					if waits > maxFlowWaits {
						log.Warnf("[ISOTP][x%X] peer sent %v consecutive waits, aborting", ep.txID, waits)
						ep.setState(EndpointAborted)
						return ErrTimeoutBs
					}
					resetTimer(nBs, ep.opts.NBs)
				case flowOverflow:
					ep.setState(EndpointAborted)
					return ErrOverflowRemote
				default:
					log.Warnf("[ISOTP][x%X] ignoring flow control with status x%X", ep.txID, fc.Data[0]&0x0F)
				}
			case <-nBs.C:
				ep.setState(EndpointAborted)
				ep.timeouts.Add(1)
				return ErrTimeoutBs
			case <-ctx.Done():
				ep.setState(EndpointAborted)
				return ErrCancelled
			case <-ep.lostCh():
				return ErrTransportDisconnected
			case <-ep.closed:
				return ErrEndpointClosed
			}
		}

		ep.setState(EndpointSending)
		blockSize := fc.Data[1]
		gap := decodeSTmin(fc.Data[2])
		sent := uint(0)
		for offset < len(data) && (blockSize == 0 || sent < uint(blockSize)) {
			take := len(data) - offset
			if take > 7 {
				take = 7
			}
			if err := ep.sendDataFrame(pciConsecutive<<4|seq, data[offset:offset+take]); err != nil {
				return err
			}
			offset += take
			seq = (seq + 1) & 0x0F
			sent++
			if offset < len(data) && gap > 0 {
				if err := sleepCtx(ctx, gap, ep.lostCh()); err != nil {
					return err
				}
			}
		}
		resetTimer(nBs, ep.opts.NBs)
	}
	return nil
}

// sendDataFrame builds and emits a single or consecutive frame with the
// given PCI byte prefix nibble layout already applied in pci.
func (ep *IsoTPEndpoint) sendDataFrame(pci byte, payload []byte) error {
	f := Frame{ID: ep.txID, Dir: DirTx}
	f.Extended = ep.txID > CanSffMask
	f.Data[0] = pci
	copy(f.Data[1:], payload)
	if ep.opts.Padding {
		for i := 1 + len(payload); i < 8; i++ {
			f.Data[i] = ep.opts.PadByte
		}
		f.Length = 8
	} else {
		f.Length = uint8(1 + len(payload))
	}
	return ep.emit(f)
}

func (ep *IsoTPEndpoint) sendFlowControl(status byte) error {
	f := Frame{ID: ep.txID, Dir: DirTx}
	f.Extended = ep.txID > CanSffMask
	f.Data[0] = pciFlowControl<<4 | status
	f.Data[1] = ep.opts.BlockSize
	f.Data[2] = ep.opts.STmin
	if ep.opts.Padding {
		for i := 3; i < 8; i++ {
			f.Data[i] = ep.opts.PadByte
		}
		f.Length = 8
	} else {
		f.Length = 3
	}
	return ep.emit(f)
}

func (ep *IsoTPEndpoint) setOut(out func(Frame) error) {
	ep.outMu.Lock()
	ep.out = out
	ep.outMu.Unlock()
}

func (ep *IsoTPEndpoint) emit(f Frame) error {
	ep.outMu.RLock()
	out := ep.out
	ep.outMu.RUnlock()
	err := out(f)
	if err == nil {
		return nil
	}
	if err == ErrTransportDisconnected || err == ErrTransportClosed {
		return ErrTransportDisconnected
	}
	log.Warnf("[ISOTP][x%X] frame not sent : %v", ep.txID, err)
	return ErrTimeoutAs
}

// decodeSTmin interprets the separation time byte from a flow control:
// 0x00..0x7F milliseconds, 0xF1..0xF9 hundreds of microseconds.
// Reserved values fall back to 10ms.
func decodeSTmin(st byte) time.Duration {
	switch {
	case st <= 0x7F:
		return time.Duration(st) * time.Millisecond
	case st >= 0xF1 && st <= 0xF9:
		return time.Duration(int(st)-0xF0) * 100 * time.Microsecond
	default:
		log.Warnf("[ISOTP] reserved STmin value x%X, using 10ms", st)
		return 10 * time.Millisecond
	}
}

func sleepCtx(ctx context.Context, d time.Duration, lost <-chan struct{}) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ErrCancelled
	case <-lost:
		return ErrTransportDisconnected
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
