package uspt

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

//BatchConfig configures batch tracking
type BatchConfig struct {
	//Mode is re-applied to faulted pages if Retrack is set. The initial pages still need to be tracked by the caller,
	//e.g. with TrackAllPages
	Mode TrackMode
	//ExpectedEvents is the maximum amount of events recorded. Faults beyond that are counted as errors
	ExpectedEvents uint64
	//PerfCPU is the logical cpu to read the retired instructions counter on, the guest's vCPU must be pinned to it.
	//Negative values disable the counter
	PerfCPU int
	//Retrack re-arms faulted pages. Like for TrackPage, back to back accesses to the same page cannot be tracked.
	//Pages are not re-armed if zero instructions retired since their last fault (requires PerfCPU)
	Retrack bool
}

type batchState struct {
	cfg              BatchConfig
	errorDuringBatch bool
	dropped          uint64
}

//BatchTrackingStart switches event delivery to batch mode. Faults no longer block the guest, the events are
//collected until BatchTrackingStopAndGet
func (e *Engine) BatchTrackingStart(cfg BatchConfig) error {
	if err := checkArmable(cfg.Mode); err != nil {
		return err
	}
	if cfg.ExpectedEvents == 0 {
		return fmt.Errorf("expected events may not be zero : %w", ErrCapacity)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.activeSession()
	if err != nil {
		return err
	}
	if s.batch != nil {
		return wrapKind(ErrInvalidState, "batch tracking already active")
	}
	if n := s.queue.count(); n != 0 {
		return fmt.Errorf("%v events still wait for an ack : %w", n, ErrInvalidState)
	}
	if cfg.PerfCPU >= 0 && !s.counters.configured(cfg.PerfCPU) {
		if err := s.counters.configure(cfg.PerfCPU); err != nil {
			return err
		}
		delete(s.progress, cfg.PerfCPU)
	}

	capacity := cfg.ExpectedEvents
	if capacity > math.MaxInt32 {
		capacity = math.MaxInt32
	}
	s.queue = newEventQueue(int(capacity))
	s.batch = &batchState{cfg: cfg}
	e.log.WithFields(logrus.Fields{
		"mode":            cfg.Mode,
		"expected_events": cfg.ExpectedEvents,
		"perf_cpu":        cfg.PerfCPU,
		"retrack":         cfg.Retrack,
	}).Info("started batch tracking")
	return nil
}

//recordBatchEvent enqueues the event for f without blocking. Events that do not fit are counted and flag the
//batch as erroneous. Caller must hold the engine lock
func (e *Engine) recordBatchEvent(s *session, b *batchState, f Fault) Event {
	ev := &queuedEvent{Event: e.newEvent(s, f, b.cfg.PerfCPU)}
	if err := s.queue.push(ev); err != nil {
		if !b.errorDuringBatch {
			e.log.WithError(err).WithField("id", ev.ID).Warn("batch event buffer full, dropping events")
		}
		b.errorDuringBatch = true
		b.dropped++
	}
	return ev.Event
}

//BatchTrackingEventCount returns the number of events recorded so far
func (e *Engine) BatchTrackingEventCount() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.activeSession()
	if err != nil {
		return 0, err
	}
	if s.batch == nil {
		return 0, wrapKind(ErrInvalidState, "batch tracking not active")
	}
	return uint64(s.queue.count()), nil
}

//BatchTrackingStopAndGet ends batch tracking and returns up to capacity of the recorded events, oldest first.
//Events beyond capacity are discarded. errorDuringBatch is set if events had to be dropped during the run, the
//returned events are still usable in that case
func (e *Engine) BatchTrackingStopAndGet(capacity uint64) (events []Event, errorDuringBatch bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.activeSession()
	if err != nil {
		return nil, false, err
	}
	b := s.batch
	if b == nil {
		return nil, false, wrapKind(ErrInvalidState, "batch tracking not active")
	}
	drained := s.queue.drain(capacity)
	events = make([]Event, len(drained))
	for i, v := range drained {
		events[i] = v.Event
	}
	fields := logrus.Fields{"events": len(events), "dropped": b.dropped}
	if rest := s.queue.count(); rest > 0 {
		fields["discarded"] = rest
	}
	s.batch = nil
	s.queue = newEventQueue(e.syncCapacity)
	e.log.WithFields(fields).Info("stopped batch tracking")
	return events, b.errorDuringBatch, nil
}
