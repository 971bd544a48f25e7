package uspt

import (
	"fmt"
	"sync"
)

//counterRegistry keeps the retired instruction counter configuration for each logical cpu.
//It has its own lock so that reads from the monitor never wait for fault handling
type counterRegistry struct {
	pc PerfCounters

	mu sync.RWMutex
	//baselines holds the raw counter value at configuration time, nil entries are unconfigured
	baselines []*uint64
}

func newCounterRegistry(pc PerfCounters) *counterRegistry {
	return &counterRegistry{
		pc:        pc,
		baselines: make([]*uint64, pc.NumCPUs()),
	}
}

func (c *counterRegistry) checkCPU(cpu int) error {
	if cpu < 0 || cpu >= len(c.baselines) {
		return fmt.Errorf("cpu %v outside of [0,%v) : %w", cpu, len(c.baselines), ErrCapacity)
	}
	return nil
}

//configure (re)arms the counter for cpu. Re-configuring resets the count to zero
func (c *counterRegistry) configure(cpu int) error {
	if err := c.checkCPU(cpu); err != nil {
		return err
	}
	raw, err := c.pc.RetiredInstructions(cpu)
	if err != nil {
		return fmt.Errorf("failed to program counter on cpu %v : %v : %w", cpu, err, ErrInternal)
	}
	c.mu.Lock()
	c.baselines[cpu] = &raw
	c.mu.Unlock()
	return nil
}

func (c *counterRegistry) configured(cpu int) bool {
	if c.checkCPU(cpu) != nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baselines[cpu] != nil
}

//read returns the instructions retired on cpu since configure
func (c *counterRegistry) read(cpu int) (uint64, error) {
	if err := c.checkCPU(cpu); err != nil {
		return 0, err
	}
	c.mu.RLock()
	baseline := c.baselines[cpu]
	c.mu.RUnlock()
	if baseline == nil {
		return 0, fmt.Errorf("counter on cpu %v : %w", cpu, ErrNotConfigured)
	}
	raw, err := c.pc.RetiredInstructions(cpu)
	if err != nil {
		return 0, fmt.Errorf("failed to read counter on cpu %v : %v : %w", cpu, err, ErrInternal)
	}
	//a reading taken concurrently with a reset may lag behind the new baseline
	if raw < *baseline {
		return 0, nil
	}
	return raw - *baseline, nil
}

func (c *counterRegistry) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.baselines {
		c.baselines[i] = nil
	}
}

func (c *counterRegistry) configuredCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, v := range c.baselines {
		if v != nil {
			n++
		}
	}
	return n
}

//progressTracker turns absolute counter readings into "retired since the previous fault on this page" deltas
type progressTracker struct {
	//last reading at a fault, per gfn
	lastByPage map[uint64]uint64
	//last reading at any fault
	last uint64
}

func newProgressTracker() *progressTracker {
	return &progressTracker{lastByPage: make(map[uint64]uint64)}
}

//observe records reading as the counter value at a fault on gfn and returns the delta to the previous fault on gfn.
//For the first fault on a page the previous fault of any page is used
func (p *progressTracker) observe(gfn, reading uint64) uint64 {
	prev, ok := p.lastByPage[gfn]
	if !ok {
		prev = p.last
	}
	p.lastByPage[gfn] = reading
	p.last = reading
	if reading < prev {
		return 0
	}
	return reading - prev
}
