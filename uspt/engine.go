//Package uspt implements the host side of the userspace page tracking api: tracking of guest pages, delivery of
//page fault events to a monitor process (one by one or batched), retired instruction counters and guest memory reads
package uspt

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

//DefaultSyncQueueCapacity bounds the number of guest contexts that can wait for an ack at the same time
const DefaultSyncQueueCapacity = 1024

type Option func(e *Engine)

func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

//WithClock replaces time.Now for event timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithSyncQueueCapacity(n int) Option {
	return func(e *Engine) {
		e.syncCapacity = n
	}
}

//Engine is the page tracking engine of a single VM. All methods are safe for concurrent use. HandleFault is called
//from the guest's vCPU contexts, everything else from the monitor
type Engine struct {
	platform     Platform
	log          logrus.FieldLogger
	now          func() time.Time
	syncCapacity int

	//mu serializes all changes to the session, including its access map and event queue
	mu   sync.Mutex
	sess *session
}

//session is the state owned by the registered monitor. It is created by Register and dropped by Reset
type session struct {
	pid    int
	getRIP bool

	pages *accessMap
	//queue is the single event queue. Its capacity is swapped while batch tracking is active
	queue  *eventQueue
	lastID uint64

	counters *counterRegistry
	progress map[int]*progressTracker
	//backlog holds pages whose re-arming was suppressed because no instructions retired since their last fault
	backlog map[uint64]modeSet
	//unsettled holds sync events by id from queueing until their page was re-armed
	unsettled map[uint64]*queuedEvent

	batch *batchState
}

func New(p Platform, opts ...Option) *Engine {
	e := &Engine{
		platform:     p,
		log:          logrus.StandardLogger(),
		now:          time.Now,
		syncCapacity: DefaultSyncQueueCapacity,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

//Register creates the monitor session. If getRIP is set, events are enriched with the guest's instruction pointer.
//This fails with ErrUnsupported if the platform cannot access guest registers (e.g. production SEV-ES guests)
func (e *Engine) Register(pid int, getRIP bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess != nil {
		return ErrAlreadyActive
	}
	if getRIP && !e.platform.CanCaptureRIP() {
		return wrapKind(ErrUnsupported, "instruction pointer capture")
	}
	e.sess = &session{
		pid:      pid,
		getRIP:   getRIP,
		pages:    newAccessMap(e.platform),
		queue:    newEventQueue(e.syncCapacity),
		counters: newCounterRegistry(e.platform),
		progress: make(map[int]*progressTracker),
		backlog:  make(map[uint64]modeSet),

		unsettled: make(map[uint64]*queuedEvent),
	}
	e.log.WithFields(logrus.Fields{"pid": pid, "get_rip": getRIP}).Info("registered monitor")
	return nil
}

//Reset stops all tracking and drops the session. Guest contexts waiting for an ack are released without
//acknowledgement. Reset always succeeds and may be called without a session
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sess
	if s == nil {
		return
	}
	e.sess = nil

	if err := s.pages.clear(); err != nil {
		e.log.WithError(err).Error("failed to restore page access during reset")
	}
	aborted := 0
	for _, ev := range s.queue.clear() {
		if ev.waiter != nil {
			ev.waiter <- ackResult{aborted: true}
			aborted++
		}
	}
	s.counters.reset()
	e.log.WithFields(logrus.Fields{"pid": s.pid, "aborted_events": aborted}).Info("reset monitor session")
}

//activeSession returns the current session or ErrNoSession. Caller must hold e.mu
func (e *Engine) activeSession() (*session, error) {
	if e.sess == nil {
		return nil, ErrNoSession
	}
	return e.sess, nil
}

//Stats is a snapshot of the engine state
type Stats struct {
	Active             bool
	TrackedPages       int
	QueuedEvents       int
	BlockedContexts    int
	ConfiguredCounters int
	BatchActive        bool
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sess
	if s == nil {
		return Stats{}
	}
	blocked := 0
	s.queue.tree.Ascend(func(ev *queuedEvent) bool {
		if ev.waiter != nil {
			blocked++
		}
		return true
	})
	return Stats{
		Active:             true,
		TrackedPages:       s.pages.len(),
		QueuedEvents:       s.queue.count(),
		BlockedContexts:    blocked,
		ConfiguredCounters: s.counters.configuredCount(),
		BatchActive:        s.batch != nil,
	}
}

//IsTracked returns true if gpa's page is armed for mode
func (e *Engine) IsTracked(gpa uint64, mode TrackMode) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return false
	}
	return e.sess.pages.armed(gpa >> PageShift).has(mode)
}
