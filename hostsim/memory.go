package hostsim

import (
	"crypto/aes"
	"fmt"

	"golang.org/x/crypto/xts"
)

const (
	//encryptionBlock is the granularity of the memory encryption. The tweak is derived from the physical address,
	//so equal plaintext at the same address always yields the same ciphertext
	encryptionBlock = 16
	cacheLineSize   = 64
)

type memoryKey struct {
	c *xts.Cipher
}

func newMemoryKey(key []byte) (memoryKey, error) {
	c, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return memoryKey{}, err
	}
	return memoryKey{c: c}, nil
}

//encrypt encrypts the block aligned buffer src located at gpa into dst
func (k memoryKey) encrypt(dst, src []byte, gpa uint64) {
	for off := 0; off < len(src); off += encryptionBlock {
		k.c.Encrypt(dst[off:off+encryptionBlock], src[off:off+encryptionBlock], (gpa+uint64(off))/encryptionBlock)
	}
}

func (k memoryKey) decrypt(dst, src []byte, gpa uint64) {
	for off := 0; off < len(src); off += encryptionBlock {
		k.c.Decrypt(dst[off:off+encryptionBlock], src[off:off+encryptionBlock], (gpa+uint64(off))/encryptionBlock)
	}
}

func (m *Machine) keyFor(gpa uint64) memoryKey {
	if m.pages[gpa>>PageShift].shared {
		return m.hostKey
	}
	return m.guestKey
}

func alignDown(v uint64) uint64 {
	return v &^ (encryptionBlock - 1)
}

func alignUp(v uint64) uint64 {
	return (v + encryptionBlock - 1) &^ (encryptionBlock - 1)
}

//storeDRAM encrypts plain with the page key and writes it to memory. plain must not cross a page. Caller holds m.mu
func (m *Machine) storeDRAM(gpa uint64, plain []byte) {
	start, end := alignDown(gpa), alignUp(gpa+uint64(len(plain)))
	buf := m.loadDRAM(start, int(end-start))
	copy(buf[gpa-start:], plain)
	m.keyFor(gpa).encrypt(m.dram[start:end], buf, start)
}

//loadDRAM returns the plaintext of [gpa,gpa+n) decrypted with the page key. Caller holds m.mu
func (m *Machine) loadDRAM(gpa uint64, n int) []byte {
	start, end := alignDown(gpa), alignUp(gpa+uint64(n))
	buf := make([]byte, end-start)
	m.keyFor(gpa).decrypt(buf, m.dram[start:end], start)
	return buf[gpa-start : gpa-start+uint64(n)]
}

//LoadPlain initializes guest memory with plaintext, bypassing the caches (like SEV's LAUNCH_UPDATE_DATA)
func (m *Machine) LoadPlain(gpa uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gpa+uint64(len(data)) > uint64(len(m.dram)) {
		return fmt.Errorf("range [%x,%x) outside of guest memory", gpa, gpa+uint64(len(data)))
	}
	for len(data) > 0 {
		n := PageSize - int(gpa%PageSize)
		if n > len(data) {
			n = len(data)
		}
		m.storeDRAM(gpa, data[:n])
		gpa += uint64(n)
		data = data[n:]
	}
	return nil
}

//GuestView returns memory content as seen by the guest running on cpu, including not yet written back cache lines
func (m *Machine) GuestView(cpu int, gpa uint64, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cpu < 0 || cpu >= len(m.cpus) {
		return nil, fmt.Errorf("unknown cpu %v", cpu)
	}
	if gpa+uint64(n) > uint64(len(m.dram)) {
		return nil, fmt.Errorf("range [%x,%x) outside of guest memory", gpa, gpa+uint64(n))
	}
	res := make([]byte, n)
	for i := 0; i < n; i++ {
		res[i] = m.guestLoadByte(m.cpus[cpu].cache, gpa+uint64(i))
	}
	return res, nil
}

func (m *Machine) guestLoadByte(c *writeBackCache, gpa uint64) byte {
	if line, ok := c.lines[lineAddr(gpa)]; ok {
		return line.data[gpa%cacheLineSize]
	}
	return m.loadDRAM(gpa, 1)[0]
}

//guestStore writes data through the cache of cpu. The host does not see it until the line is written back.
//Caller holds m.mu
func (m *Machine) guestStore(cpu int, gpa uint64, data []byte) {
	c := m.cpus[cpu].cache
	for i, b := range data {
		addr := gpa + uint64(i)
		line := c.lookupOrFill(lineAddr(addr), func(la uint64) []byte {
			return m.loadDRAM(la, cacheLineSize)
		})
		line.data[addr%cacheLineSize] = b
		line.dirty = true
	}
	for _, evicted := range c.evict() {
		m.storeDRAM(evicted.addr, evicted.data[:])
	}
}

//ReadPhys returns the raw memory content. For encrypted pages this is ciphertext
func (m *Machine) ReadPhys(gpa uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gpa+uint64(len(buf)) > uint64(len(m.dram)) {
		return fmt.Errorf("range [%x,%x) outside of guest memory", gpa, gpa+uint64(len(buf)))
	}
	copy(buf, m.dram[gpa:])
	return nil
}

//DecryptHostKey decrypts buf, which holds raw memory read at gpa, using the host key
func (m *Machine) DecryptHostKey(gpa uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := gpa + uint64(len(buf))
	if end > uint64(len(m.dram)) {
		return fmt.Errorf("range [%x,%x) outside of guest memory", gpa, end)
	}
	start, alignedEnd := alignDown(gpa), alignUp(end)
	cipher := make([]byte, alignedEnd-start)
	copy(cipher, m.dram[start:alignedEnd])
	copy(cipher[gpa-start:], buf)
	plain := make([]byte, len(cipher))
	m.hostKey.decrypt(plain, cipher, start)
	copy(buf, plain[gpa-start:])
	return nil
}

//FlushCache writes back all dirty lines of cpu and invalidates its cache
func (m *Machine) FlushCache(cpu int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cpu < 0 || cpu >= len(m.cpus) {
		return fmt.Errorf("unknown cpu %v", cpu)
	}
	c := m.cpus[cpu].cache
	for _, line := range c.flush() {
		m.storeDRAM(line.addr, line.data[:])
	}
	return nil
}

type cacheLine struct {
	addr  uint64
	data  [cacheLineSize]byte
	dirty bool
}

func lineAddr(gpa uint64) uint64 {
	return gpa &^ (cacheLineSize - 1)
}

//writeBackCache holds lines in insertion order and evicts the oldest lines once more than capacity are cached
type writeBackCache struct {
	capacity int
	lines    map[uint64]*cacheLine
	order    []uint64
}

func newWriteBackCache(capacity int) *writeBackCache {
	return &writeBackCache{
		capacity: capacity,
		lines:    make(map[uint64]*cacheLine),
	}
}

func (c *writeBackCache) lookupOrFill(addr uint64, fill func(addr uint64) []byte) *cacheLine {
	if line, ok := c.lines[addr]; ok {
		return line
	}
	line := &cacheLine{addr: addr}
	copy(line.data[:], fill(addr))
	c.lines[addr] = line
	c.order = append(c.order, addr)
	return line
}

//evict removes the oldest lines above capacity and returns the dirty ones
func (c *writeBackCache) evict() []*cacheLine {
	var res []*cacheLine
	for len(c.order) > c.capacity {
		addr := c.order[0]
		c.order = c.order[1:]
		if line := c.lines[addr]; line.dirty {
			res = append(res, line)
		}
		delete(c.lines, addr)
	}
	return res
}

//flush empties the cache and returns the dirty lines
func (c *writeBackCache) flush() []*cacheLine {
	var res []*cacheLine
	for _, addr := range c.order {
		if line := c.lines[addr]; line.dirty {
			res = append(res, line)
		}
	}
	c.lines = make(map[uint64]*cacheLine)
	c.order = c.order[:0]
	return res
}
