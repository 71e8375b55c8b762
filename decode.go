package analyzer

import (
	"sync"
	"sync/atomic"
)

// MessageDatabase converts between frames and named signals. The core
// never interprets signal semantics itself; implementations wrap an
// external message database (DBC or similar).
type MessageDatabase interface {
	// Decode returns the signal values carried by a frame, or false if
	// the frame's id is not in the database.
	Decode(frame Frame) (map[string]float64, bool)
	// Encode builds frame contents for a named message.
	Encode(message string, signals map[string]float64) (id uint32, extended bool, data []byte, err error)
}

// DecodedMessage pairs a frame with its decoded signals.
type DecodedMessage struct {
	Frame   Frame
	Signals map[string]float64
}

// DecodedSub is one observer of the decoded-signal stream. Lossy like
// the raw frame hub.
type DecodedSub struct {
	C <-chan DecodedMessage

	out       chan DecodedMessage
	dec       *decoder
	dropped   atomic.Uint64
	closeOnce sync.Once
}

func (s *DecodedSub) Dropped() uint64 { return s.dropped.Load() }

func (s *DecodedSub) Close() {
	s.closeOnce.Do(func() { s.dec.remove(s) })
}

// decoder routes broadcast frames through an attached database and fans
// the result out. It is an observer task: it never blocks the
// dispatcher, and a missing database simply mutes the stream.
type decoder struct {
	mu   sync.RWMutex
	db   MessageDatabase
	subs map[*DecodedSub]struct{}
}

func newDecoder() *decoder {
	return &decoder{subs: make(map[*DecodedSub]struct{})}
}

func (d *decoder) attach(db MessageDatabase) {
	d.mu.Lock()
	d.db = db
	d.mu.Unlock()
}

func (d *decoder) subscribe() *DecodedSub {
	s := &DecodedSub{out: make(chan DecodedMessage, DefaultSubscriberBuffer), dec: d}
	s.C = s.out
	d.mu.Lock()
	d.subs[s] = struct{}{}
	d.mu.Unlock()
	return s
}

func (d *decoder) remove(s *DecodedSub) {
	d.mu.Lock()
	delete(d.subs, s)
	d.mu.Unlock()
}

// handle decodes one frame and broadcasts the result.
func (d *decoder) handle(f Frame) {
	d.mu.RLock()
	db := d.db
	empty := len(d.subs) == 0
	d.mu.RUnlock()
	if db == nil || empty {
		return
	}
	signals, ok := db.Decode(f)
	if !ok {
		return
	}
	msg := DecodedMessage{Frame: f, Signals: signals}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for s := range d.subs {
		select {
		case s.out <- msg:
		default:
			s.dropped.Add(1)
		}
	}
}
