package analyzer

import (
	"container/heap"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Scheduler drives single-shot, burst and periodic transmissions off a
// single timer and an ordered min-heap of deadlines. Periodic jobs keep
// running across transient send errors; they stop on cancel, count
// exhaustion or transport disconnect.

type txJob struct {
	id        uint64
	frame     Frame
	period    time.Duration
	remaining int64 // -1 = unlimited
	deadline  time.Time
	seq       uint64 // insertion order tie-break
	index     int
	cancelled bool
}

type jobHeap []*txJob

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *jobHeap) Push(x any) {
	job := x.(*txJob)
	job.index = len(*h)
	*h = append(*h, job)
}
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

type Scheduler struct {
	send func(Frame) error

	mu      sync.Mutex
	jobs    jobHeap
	byID    map[uint64]*txJob
	nextID  uint64
	nextSeq uint64

	wake chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newScheduler(send func(Frame) error) *Scheduler {
	s := &Scheduler{
		send:   send,
		byID:   make(map[uint64]*txJob),
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// SendOnce transmits a frame immediately.
func (s *Scheduler) SendOnce(frame Frame) error {
	return s.send(frame)
}

// SendBurst schedules count transmissions spaced gap apart. gap may be
// sub-millisecond; actual spacing is best effort at timer resolution.
func (s *Scheduler) SendBurst(frame Frame, count int, gap time.Duration) (uint64, error) {
	if count <= 0 {
		return 0, ErrIllegalArgument
	}
	if gap < 0 {
		gap = 0
	}
	return s.schedule(frame, gap, int64(count)), nil
}

// SendPeriodic schedules a repeating transmission. count 0 repeats
// until cancelled; the period must be at least one millisecond.
func (s *Scheduler) SendPeriodic(frame Frame, period time.Duration, count int) (uint64, error) {
	if period < time.Millisecond {
		return 0, ErrInvalidPeriod
	}
	n := int64(-1)
	if count > 0 {
		n = int64(count)
	}
	return s.schedule(frame, period, n), nil
}

func (s *Scheduler) schedule(frame Frame, period time.Duration, remaining int64) uint64 {
	s.mu.Lock()
	s.nextID++
	s.nextSeq++
	job := &txJob{
		id:        s.nextID,
		frame:     frame,
		period:    period,
		remaining: remaining,
		deadline:  time.Now(),
		seq:       s.nextSeq,
	}
	heap.Push(&s.jobs, job)
	s.byID[job.id] = job
	s.mu.Unlock()
	s.kick()
	log.Debugf("[SCHED] job %v scheduled, period %v, count %v", job.id, period, remaining)
	return job.id
}

// Cancel stops a job before its next transmission. Idempotent; unknown
// ids are ignored.
func (s *Scheduler) Cancel(id uint64) {
	s.mu.Lock()
	if job, ok := s.byID[id]; ok {
		job.cancelled = true
		delete(s.byID, id)
	}
	s.mu.Unlock()
	s.kick()
}

// Active returns the number of live jobs.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// stopAll drops every job; used when the transport goes away.
func (s *Scheduler) stopAll(reason string) {
	s.mu.Lock()
	n := len(s.byID)
	s.jobs = s.jobs[:0]
	s.byID = make(map[uint64]*txJob)
	s.mu.Unlock()
	if n > 0 {
		log.Warnf("[SCHED] dropped %v job(s) : %v", n, reason)
	}
	s.kick()
}

func (s *Scheduler) close() {
	s.closeOnce.Do(func() { close(s.closed) })
	s.wg.Wait()
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.mu.Lock()
		var wait time.Duration
		if len(s.jobs) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(s.jobs[0].deadline)
		}
		s.mu.Unlock()

		if wait > 0 {
			resetTimer(timer, wait)
			select {
			case <-s.closed:
				return
			case <-s.wake:
				continue
			case <-timer.C:
			}
		}
		select {
		case <-s.closed:
			return
		default:
		}
		s.fireDue()
	}
}

func (s *Scheduler) fireDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.jobs) == 0 || s.jobs[0].deadline.After(now) {
			s.mu.Unlock()
			return
		}
		job := heap.Pop(&s.jobs).(*txJob)
		if job.cancelled {
			s.mu.Unlock()
			continue
		}
		if job.remaining > 0 {
			job.remaining--
		}
		done := job.remaining == 0
		if done {
			delete(s.byID, job.id)
		} else {
			job.deadline = job.deadline.Add(job.period)
			if job.deadline.Before(now) {
				// missed slots are skipped, not replayed
				job.deadline = now.Add(job.period)
			}
			heap.Push(&s.jobs, job)
		}
		frame := job.frame
		s.mu.Unlock()

		if err := s.send(frame); err != nil {
			incSchedError()
			log.Warnf("[SCHED] job %v transmit failed : %v", job.id, err)
		}
		if done {
			log.Debugf("[SCHED] job %v finished", job.id)
		}
	}
}
