package uspt

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

func checkArmable(mode TrackMode) error {
	if !mode.armable() {
		return fmt.Errorf("track mode %v cannot be armed : %w", mode, ErrUnsupported)
	}
	return nil
}

//TrackPage removes the access rights selected by mode from the page containing gpa. The next matching access
//causes an event.
//Note that a page must not be tracked while the access that faulted on it has not completed yet: the access could
//never complete and the guest would fault forever. Thus two back to back accesses to the same page cannot be tracked
func (e *Engine) TrackPage(gpa uint64, mode TrackMode) error {
	if err := checkArmable(mode); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.activeSession()
	if err != nil {
		return err
	}
	gfn := gpa >> PageShift
	if !e.platform.IsMapped(gfn) {
		return fmt.Errorf("gpa %x is not mapped : %w", gpa, ErrNotFound)
	}
	return s.pages.arm(gfn, mode)
}

//TrackAllPages is TrackPage for every page currently mapped for the guest
func (e *Engine) TrackAllPages(mode TrackMode) error {
	if err := checkArmable(mode); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.activeSession()
	if err != nil {
		return err
	}
	pages := e.platform.MappedPages()
	for _, gfn := range pages {
		if err := s.pages.arm(gfn, mode); err != nil {
			return err
		}
	}
	e.log.WithFields(logrus.Fields{"mode": mode, "pages": len(pages)}).Debug("tracked all pages")
	return nil
}

//UntrackPage restores the access rights selected by mode for the page containing gpa
func (e *Engine) UntrackPage(gpa uint64, mode TrackMode) error {
	if err := checkArmable(mode); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.activeSession()
	if err != nil {
		return err
	}
	gfn := gpa >> PageShift
	s.dropFromBacklog(gfn, mode)
	s.cancelRetrack(mode, func(evGFN uint64) bool { return evGFN == gfn })
	return s.pages.disarm(gfn, mode)
}

//UntrackAllPages restores the access rights selected by mode for all tracked pages
func (e *Engine) UntrackAllPages(mode TrackMode) error {
	if err := checkArmable(mode); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.activeSession()
	if err != nil {
		return err
	}
	for gfn := range s.backlog {
		s.dropFromBacklog(gfn, mode)
	}
	s.cancelRetrack(mode, func(uint64) bool { return true })
	return s.pages.disarmAll(mode)
}

func (s *session) dropFromBacklog(gfn uint64, mode TrackMode) {
	set, ok := s.backlog[gfn]
	if !ok {
		return
	}
	if set = set.without(mode); set == 0 {
		delete(s.backlog, gfn)
	} else {
		s.backlog[gfn] = set
	}
}

//cancelRetrack removes mode from the pending re-arm of every unsettled sync event whose page is selected
func (s *session) cancelRetrack(mode TrackMode, selected func(gfn uint64) bool) {
	for _, ev := range s.unsettled {
		if selected(ev.FaultedGPA >> PageShift) {
			ev.matched = ev.matched.without(mode)
		}
	}
}

//retrack re-arms set on gfn after the fault described by ev has been committed.
//If the event shows that no instruction retired since the previous fault on this page, the guest is most likely still
//in the middle of an instruction that needs several pages at once. Re-arming would then trap the same instruction
//forever, so the page is put in the backlog and re-armed by the next fault that shows progress. This is a heuristic,
//it makes the back to back access problem less likely but cannot rule it out.
//Caller must hold the engine lock
func (s *session) retrack(log logrus.FieldLogger, gfn uint64, set modeSet, ev Event) error {
	if ev.HaveRetiredInstructions && ev.RetiredInstructions == 0 {
		s.backlog[gfn] |= set
		log.WithFields(logrus.Fields{"gpa": fmt.Sprintf("0x%x", ev.FaultedGPA), "id": ev.ID}).Debug("no progress since last fault, deferring retrack")
		return nil
	}
	for backlogGFN, backlogSet := range s.backlog {
		if backlogGFN == gfn {
			continue
		}
		if err := s.pages.armSet(backlogGFN, backlogSet); err != nil {
			return err
		}
		delete(s.backlog, backlogGFN)
	}
	set |= s.backlog[gfn]
	delete(s.backlog, gfn)
	return s.pages.armSet(gfn, set)
}
