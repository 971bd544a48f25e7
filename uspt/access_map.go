package uspt

import (
	"fmt"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

//TrackMode selects the accesses that cause events. The values match the kvm_page_track_mode enum of the kernel
//patch (and sevStep.PageTrackMode)
type TrackMode int

const (
	TrackWrite = TrackMode(iota)
	TrackAccess
	TrackResetAccess
	TrackExec
	TrackResetExec
)

func (m TrackMode) String() string {
	switch m {
	case TrackWrite:
		return "write"
	case TrackAccess:
		return "access"
	case TrackResetAccess:
		return "reset-access"
	case TrackExec:
		return "exec"
	case TrackResetExec:
		return "reset-exec"
	default:
		return fmt.Sprintf("TrackMode(%d)", int(m))
	}
}

//armable modes, in the order they are tried when matching an access
var armableModes = []TrackMode{TrackAccess, TrackWrite, TrackExec}

func (m TrackMode) armable() bool {
	return m == TrackWrite || m == TrackAccess || m == TrackExec
}

//Traps returns true if an access of class a is trapped by mode m
func (m TrackMode) Traps(a Access) bool {
	switch m {
	case TrackAccess:
		return true
	case TrackWrite:
		return a == AccessWrite
	case TrackExec:
		return a == AccessFetch
	default:
		return false
	}
}

//modeSet is a bit set over TrackMode
type modeSet uint8

func (s modeSet) has(m TrackMode) bool {
	return s&(1<<uint(m)) != 0
}

func (s modeSet) with(m TrackMode) modeSet {
	return s | 1<<uint(m)
}

func (s modeSet) without(m TrackMode) modeSet {
	return s &^ (1 << uint(m))
}

func (s modeSet) modes() []TrackMode {
	res := make([]TrackMode, 0, len(armableModes))
	for _, m := range armableModes {
		if s.has(m) {
			res = append(res, m)
		}
	}
	return res
}

//matching returns the subset of s trapping a
func (s modeSet) matching(a Access) modeSet {
	var res modeSet
	for _, m := range s.modes() {
		if m.Traps(a) {
			res = res.with(m)
		}
	}
	return res
}

//accessMap is the per page tracking state. It is not safe for concurrent use, the engine lock guards it
type accessMap struct {
	pp PageProtector
	//armed modes per guest frame number. Frames without armed modes are removed
	pages map[uint64]modeSet
}

func newAccessMap(pp PageProtector) *accessMap {
	return &accessMap{
		pp:    pp,
		pages: make(map[uint64]modeSet),
	}
}

func (a *accessMap) armed(gfn uint64) modeSet {
	return a.pages[gfn]
}

//arm removes the access rights of mode from gfn. Arming an already armed page is a no-op
func (a *accessMap) arm(gfn uint64, mode TrackMode) error {
	cur := a.pages[gfn]
	if cur.has(mode) {
		return nil
	}
	if err := a.pp.Protect(gfn, mode); err != nil {
		return fmt.Errorf("failed to protect gfn %x for %v : %v : %w", gfn, mode, err, ErrInternal)
	}
	a.pages[gfn] = cur.with(mode)
	return nil
}

func (a *accessMap) disarm(gfn uint64, mode TrackMode) error {
	cur, ok := a.pages[gfn]
	if !ok || !cur.has(mode) {
		return nil
	}
	if err := a.pp.Unprotect(gfn, mode); err != nil {
		return fmt.Errorf("failed to unprotect gfn %x for %v : %v : %w", gfn, mode, err, ErrInternal)
	}
	if next := cur.without(mode); next == 0 {
		delete(a.pages, gfn)
	} else {
		a.pages[gfn] = next
	}
	return nil
}

func (a *accessMap) armSet(gfn uint64, set modeSet) error {
	for _, m := range set.modes() {
		if err := a.arm(gfn, m); err != nil {
			return err
		}
	}
	return nil
}

func (a *accessMap) disarmSet(gfn uint64, set modeSet) error {
	for _, m := range set.modes() {
		if err := a.disarm(gfn, m); err != nil {
			return err
		}
	}
	return nil
}

//disarmAll untracks mode on every page. All pages are visited even if some fail, the first error is returned
func (a *accessMap) disarmAll(mode TrackMode) error {
	var firstErr error
	for gfn := range a.pages {
		if err := a.disarm(gfn, mode); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

//clear restores access to every tracked page
func (a *accessMap) clear() error {
	var firstErr error
	for _, m := range armableModes {
		if err := a.disarmAll(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.pages = make(map[uint64]modeSet)
	return firstErr
}

func (a *accessMap) len() int {
	return len(a.pages)
}
