package uspt

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

//HandleFault is called by the host platform from the vCPU context that accessed a protected page.
//
//commit must let the faulting access complete (e.g. by resuming the vCPU until the instruction retired). HandleFault
//calls it exactly once, after the access rights for the page were restored and, in synchronous mode, after the
//monitor acknowledged the event. Pages are only re-armed once commit returned.
//
//In synchronous mode HandleFault blocks until the event is acknowledged or the session is reset. In batch mode it
//only records the event. The returned error is informational, the access is committed in any case
func (e *Engine) HandleFault(f Fault, commit func()) error {
	committed := false
	doCommit := func() {
		if !committed {
			committed = true
			commit()
		}
	}
	defer doCommit()

	gfn := f.GPA >> PageShift
	access := AccessFromErrorCode(f.ErrorCode)

	e.mu.Lock()
	s, err := e.activeSession()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	matched := s.pages.armed(gfn).matching(access)
	if matched == 0 {
		e.mu.Unlock()
		return fmt.Errorf("%v at gpa %x is not tracked : %w", access, f.GPA, ErrNotFound)
	}
	if err := s.pages.disarmSet(gfn, matched); err != nil {
		e.mu.Unlock()
		return err
	}

	if b := s.batch; b != nil {
		ev := e.recordBatchEvent(s, b, f)
		e.mu.Unlock()
		doCommit()
		if !b.cfg.Retrack {
			return nil
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.sess != s || s.batch != b {
			return nil
		}
		return s.retrack(e.log, gfn, modeSet(0).with(b.cfg.Mode), ev)
	}

	ev := &queuedEvent{
		Event:   e.newEvent(s, f, f.CPU),
		waiter:  make(chan ackResult, 1),
		matched: matched,
	}
	if err := s.queue.push(ev); err != nil {
		e.mu.Unlock()
		e.log.WithError(err).WithField("gpa", fmt.Sprintf("0x%x", f.GPA)).Warn("dropping page fault event")
		doCommit()
		//nobody will ack the dropped event, keep the page tracked
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.sess == s {
			if armErr := s.pages.armSet(gfn, matched); armErr != nil {
				return fmt.Errorf("failed to re-arm gpa %x after dropping event : %w", f.GPA, armErr)
			}
		}
		return err
	}
	s.unsettled[ev.ID] = ev
	e.mu.Unlock()

	res := <-ev.waiter
	doCommit()
	if res.aborted {
		return ErrAborted
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess != s {
		return nil
	}
	delete(s.unsettled, ev.ID)
	return s.retrack(e.log, gfn, ev.matched, ev.Event)
}

//newEvent assigns the next id and annotates the event with RIP and retired instructions read on perfCPU.
//Caller must hold the engine lock
func (e *Engine) newEvent(s *session, f Fault, perfCPU int) Event {
	s.lastID++
	ev := Event{
		ID:         s.lastID,
		FaultedGPA: f.GPA,
		ErrorCode:  f.ErrorCode,
		Timestamp:  e.now(),
	}
	if s.getRIP {
		rip, err := e.platform.GuestRIP(f.VCPU)
		if err != nil {
			e.log.WithError(err).WithField("vcpu", f.VCPU).Debug("failed to get rip")
		} else {
			ev.HaveRIP = true
			ev.RIP = rip
		}
	}
	if perfCPU >= 0 && s.counters.configured(perfCPU) {
		reading, err := s.counters.read(perfCPU)
		if err != nil {
			e.log.WithError(err).WithField("cpu", perfCPU).Warn("failed to read retired instructions")
		} else {
			tracker, ok := s.progress[perfCPU]
			if !ok {
				tracker = newProgressTracker()
				s.progress[perfCPU] = tracker
			}
			ev.HaveRetiredInstructions = true
			//a page's first fault is measured against the previous fault on any page
			ev.RetiredInstructions = tracker.observe(f.GPA>>PageShift, reading)
		}
	}
	return ev
}

//PollEvent returns the oldest event that was not handed out yet. If there is none, ok is false.
//The guest context that caused the event stays blocked until AckEvent is called with the event's ID
func (e *Engine) PollEvent() (ev Event, ok bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.activeSession()
	if err != nil {
		return Event{}, false, err
	}
	if s.batch != nil {
		return Event{}, false, wrapKind(ErrInvalidState, "batch tracking active")
	}
	qe, ok := s.queue.oldestUndelivered()
	if !ok {
		return Event{}, false, nil
	}
	qe.delivered = true
	return qe.Event, true, nil
}

//AckEvent retires the event with the given id and lets the guest context waiting for it continue
func (e *Engine) AckEvent(id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.activeSession()
	if err != nil {
		return err
	}
	if s.batch != nil {
		return wrapKind(ErrInvalidState, "batch tracking active")
	}
	qe, ok := s.queue.popByID(id)
	if !ok {
		return fmt.Errorf("event %v : %w", id, ErrNotFound)
	}
	qe.waiter <- ackResult{}
	e.log.WithFields(logrus.Fields{"id": id, "gpa": fmt.Sprintf("0x%x", qe.FaultedGPA)}).Debug("acked event")
	return nil
}
