package uspt

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

//fakePlatform is an in memory Platform. Memory is "encrypted" by xoring with hostKey, flushes are recorded
type fakePlatform struct {
	mu         sync.Mutex
	pages      int
	protected  map[uint64]modeSet
	retired    []uint64
	ripCapture bool
	rips       map[int]uint64

	mem      []byte
	hostKey  byte
	flushed  []int
	failRead bool
}

func newFakePlatform(pages, cpus int) *fakePlatform {
	return &fakePlatform{
		pages:      pages,
		protected:  make(map[uint64]modeSet),
		retired:    make([]uint64, cpus),
		ripCapture: true,
		rips:       make(map[int]uint64),
		mem:        make([]byte, pages*PageSize),
		hostKey:    0x5a,
	}
}

func (f *fakePlatform) MappedPages() []uint64 {
	res := make([]uint64, f.pages)
	for i := range res {
		res[i] = uint64(i)
	}
	return res
}

func (f *fakePlatform) IsMapped(gfn uint64) bool {
	return gfn < uint64(f.pages)
}

func (f *fakePlatform) Protect(gfn uint64, mode TrackMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.protected[gfn] = f.protected[gfn].with(mode)
	return nil
}

func (f *fakePlatform) Unprotect(gfn uint64, mode TrackMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if next := f.protected[gfn].without(mode); next == 0 {
		delete(f.protected, gfn)
	} else {
		f.protected[gfn] = next
	}
	return nil
}

func (f *fakePlatform) protectedPages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.protected)
}

func (f *fakePlatform) isProtected(gfn uint64, mode TrackMode) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.protected[gfn].has(mode)
}

func (f *fakePlatform) NumCPUs() int {
	return len(f.retired)
}

func (f *fakePlatform) RetiredInstructions(cpu int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retired[cpu], nil
}

//retire advances the counter of cpu
func (f *fakePlatform) retire(cpu int, n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retired[cpu] += n
}

func (f *fakePlatform) MemorySize() uint64 {
	return uint64(len(f.mem))
}

func (f *fakePlatform) ReadPhys(gpa uint64, buf []byte) error {
	if f.failRead {
		return errors.New("read failed")
	}
	copy(buf, f.mem[gpa:])
	return nil
}

func (f *fakePlatform) DecryptHostKey(gpa uint64, buf []byte) error {
	for i := range buf {
		buf[i] ^= f.hostKey
	}
	return nil
}

func (f *fakePlatform) FlushCache(cpu int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = append(f.flushed, cpu)
	return nil
}

func (f *fakePlatform) CanCaptureRIP() bool {
	return f.ripCapture
}

func (f *fakePlatform) GuestRIP(vcpu int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rip, ok := f.rips[vcpu]
	if !ok {
		return 0, fmt.Errorf("no rip for vcpu %v", vcpu)
	}
	return rip, nil
}

//fault runs HandleFault in a new goroutine. The returned channel receives its result
func fault(e *Engine, f Fault) <-chan error {
	res := make(chan error, 1)
	go func() {
		res <- e.HandleFault(f, func() {})
	}()
	return res
}

func readFault(gpa uint64) Fault {
	return Fault{GPA: gpa, ErrorCode: uint32(PfErrorUser)}
}

func writeFault(gpa uint64) Fault {
	return Fault{GPA: gpa, ErrorCode: uint32(PfErrorPresent | PfErrorWrite | PfErrorUser)}
}

func fetchFault(gpa uint64) Fault {
	return Fault{GPA: gpa, ErrorCode: uint32(PfErrorPresent | PfErrorFetch | PfErrorUser)}
}

const testTimeout = 5 * time.Second

//pollWait polls until an event arrives
func pollWait(t *testing.T, e *Engine) Event {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		ev, ok, err := e.PollEvent()
		if err != nil {
			t.Fatalf("PollEvent failed : %v", err)
		}
		if ok {
			return ev
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no event within %v", testTimeout)
	return Event{}
}

//waitFor waits for the result of a fault started with fault
func waitFor(t *testing.T, c <-chan error) error {
	t.Helper()
	select {
	case err := <-c:
		return err
	case <-time.After(testTimeout):
		t.Fatalf("guest context still blocked after %v", testTimeout)
		return nil
	}
}

//waitUntil polls cond until it is true
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %v", what)
		}
		time.Sleep(time.Millisecond)
	}
}
