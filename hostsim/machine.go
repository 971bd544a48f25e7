//Package hostsim simulates the parts of a SEV host the page tracking engine interacts with: guest physical memory
//encrypted with per page keys, page access protection, vCPUs pinned to logical cpus, retired instruction counters and
//per cpu write back caches that are not coherent with the host's view of memory
package hostsim

import (
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"sevTrack/uspt"
)

const (
	PageShift = uspt.PageShift
	PageSize  = uspt.PageSize
)

//FaultHandler receives accesses to protected pages. *uspt.Engine implements it
type FaultHandler interface {
	HandleFault(f uspt.Fault, commit func()) error
}

type Option func(c *config)

type config struct {
	pages      int
	cpus       int
	vcpuCPUs   []int
	ripCapture bool
	cacheLines int
	guestKey   []byte
	hostKey    []byte
	log        logrus.FieldLogger
}

//WithPages sets the guest memory size in pages
func WithPages(n int) Option {
	return func(c *config) {
		c.pages = n
	}
}

//WithCPUs sets the number of logical host cpus
func WithCPUs(n int) Option {
	return func(c *config) {
		c.cpus = n
	}
}

//WithVCPUs creates one vCPU per entry, pinned to the given logical cpu
func WithVCPUs(pinnedTo ...int) Option {
	return func(c *config) {
		c.vcpuCPUs = pinnedTo
	}
}

//WithRIPCapture controls if the host can read guest registers (plain VMs, debug SEV-ES VMs)
func WithRIPCapture(enabled bool) Option {
	return func(c *config) {
		c.ripCapture = enabled
	}
}

//WithCacheLines bounds the dirty lines each logical cpu holds before evicting the oldest one
func WithCacheLines(n int) Option {
	return func(c *config) {
		c.cacheLines = n
	}
}

//WithKeys sets the memory encryption keys (32 bytes each). Random keys are used otherwise
func WithKeys(guestKey, hostKey []byte) Option {
	return func(c *config) {
		c.guestKey = guestKey
		c.hostKey = hostKey
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *config) {
		c.log = l
	}
}

type pageState struct {
	protected uint8
	//shared pages are encrypted with the host key, private pages with the guest key
	shared bool
}

func (p pageState) traps(a uspt.Access) bool {
	for _, m := range []uspt.TrackMode{uspt.TrackAccess, uspt.TrackWrite, uspt.TrackExec} {
		if p.protected&(1<<uint(m)) != 0 && m.Traps(a) {
			return true
		}
	}
	return false
}

type logicalCPU struct {
	retired atomic.Uint64
	cache   *writeBackCache
}

//Machine is a simulated guest together with the host resources it runs on. It implements uspt.Platform
type Machine struct {
	log        logrus.FieldLogger
	ripCapture bool

	guestKey, hostKey memoryKey

	handlerMu sync.RWMutex
	handler   FaultHandler

	//mu guards pages, dram and the caches
	mu    sync.Mutex
	pages []pageState
	dram  []byte
	cpus  []*logicalCPU
	vcpus []*VCPU
}

func New(opts ...Option) (*Machine, error) {
	c := &config{
		pages:      256,
		cpus:       4,
		vcpuCPUs:   []int{0},
		ripCapture: true,
		cacheLines: 512,
		log:        logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.pages <= 0 || c.cpus <= 0 {
		return nil, fmt.Errorf("invalid machine size : %v pages, %v cpus", c.pages, c.cpus)
	}
	var err error
	if c.guestKey, err = keyOrRandom(c.guestKey); err != nil {
		return nil, err
	}
	if c.hostKey, err = keyOrRandom(c.hostKey); err != nil {
		return nil, err
	}

	m := &Machine{
		log:        c.log,
		ripCapture: c.ripCapture,
		pages:      make([]pageState, c.pages),
		dram:       make([]byte, c.pages*PageSize),
		cpus:       make([]*logicalCPU, c.cpus),
	}
	if m.guestKey, err = newMemoryKey(c.guestKey); err != nil {
		return nil, fmt.Errorf("failed to setup guest key : %v", err)
	}
	if m.hostKey, err = newMemoryKey(c.hostKey); err != nil {
		return nil, fmt.Errorf("failed to setup host key : %v", err)
	}
	for i := range m.cpus {
		m.cpus[i] = &logicalCPU{cache: newWriteBackCache(c.cacheLines)}
	}
	for i, cpu := range c.vcpuCPUs {
		if cpu < 0 || cpu >= c.cpus {
			return nil, fmt.Errorf("vcpu %v pinned to unknown cpu %v", i, cpu)
		}
		m.vcpus = append(m.vcpus, &VCPU{m: m, id: i, cpu: cpu, user: true})
	}
	//memory starts zeroed from the guest's point of view
	zero := make([]byte, PageSize)
	for gfn := range m.pages {
		m.storeDRAM(uint64(gfn)<<PageShift, zero)
	}
	return m, nil
}

func keyOrRandom(key []byte) ([]byte, error) {
	if key != nil {
		return key, nil
	}
	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate memory key : %v", err)
	}
	return key, nil
}

//SetFaultHandler installs the handler for accesses to protected pages
func (m *Machine) SetFaultHandler(h FaultHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handler = h
}

func (m *Machine) faultHandler() FaultHandler {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	return m.handler
}

//VCPU returns the vCPU with the given index or nil
func (m *Machine) VCPU(id int) *VCPU {
	if id < 0 || id >= len(m.vcpus) {
		return nil
	}
	return m.vcpus[id]
}

//SetShared marks a page as shared with the host. Its content is re-encrypted with the host key
func (m *Machine) SetShared(gfn uint64, shared bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isMapped(gfn) {
		return fmt.Errorf("gfn %x not mapped", gfn)
	}
	gpa := gfn << PageShift
	plain := m.loadDRAM(gpa, PageSize)
	m.pages[gfn].shared = shared
	m.storeDRAM(gpa, plain)
	return nil
}

func (m *Machine) isMapped(gfn uint64) bool {
	return gfn < uint64(len(m.pages))
}

func (m *Machine) MappedPages() []uint64 {
	res := make([]uint64, len(m.pages))
	for i := range res {
		res[i] = uint64(i)
	}
	return res
}

func (m *Machine) IsMapped(gfn uint64) bool {
	return m.isMapped(gfn)
}

func (m *Machine) Protect(gfn uint64, mode uspt.TrackMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isMapped(gfn) {
		return fmt.Errorf("gfn %x not mapped", gfn)
	}
	m.pages[gfn].protected |= 1 << uint(mode)
	return nil
}

func (m *Machine) Unprotect(gfn uint64, mode uspt.TrackMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isMapped(gfn) {
		return fmt.Errorf("gfn %x not mapped", gfn)
	}
	m.pages[gfn].protected &^= 1 << uint(mode)
	return nil
}

//Protected reports if an access of class a to gpa would currently trap
func (m *Machine) Protected(gpa uint64, a uspt.Access) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	gfn := gpa >> PageShift
	return m.isMapped(gfn) && m.pages[gfn].traps(a)
}

func (m *Machine) NumCPUs() int {
	return len(m.cpus)
}

func (m *Machine) RetiredInstructions(cpu int) (uint64, error) {
	if cpu < 0 || cpu >= len(m.cpus) {
		return 0, fmt.Errorf("unknown cpu %v", cpu)
	}
	return m.cpus[cpu].retired.Load(), nil
}

func (m *Machine) CanCaptureRIP() bool {
	return m.ripCapture
}

func (m *Machine) GuestRIP(vcpu int) (uint64, error) {
	if !m.ripCapture {
		return 0, fmt.Errorf("guest registers are encrypted")
	}
	v := m.VCPU(vcpu)
	if v == nil {
		return 0, fmt.Errorf("unknown vcpu %v", vcpu)
	}
	return v.rip.Load(), nil
}

func (m *Machine) MemorySize() uint64 {
	return uint64(len(m.dram))
}
