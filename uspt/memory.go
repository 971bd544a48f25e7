package uspt

import (
	"fmt"
)

//ReadGuestMemory copies len(buf) bytes starting at gpa into buf and returns the number of bytes written.
//
//Without decrypt, buf receives the ciphertext of encrypted guest pages. With decrypt, the data is decrypted using the
//host's key. This only yields the plaintext seen by the guest for pages the guest shares with the host, private pages
//use a different key.
//
//If flushCPU is >= 0, the caches of that logical cpu are written back before reading. Memory accesses of an encrypted
//guest are not coherent with the host, so this is required to see the guest's latest writes. The guest's vCPU must be
//pinned to flushCPU, otherwise newer writes can still be missed
func (e *Engine) ReadGuestMemory(gpa uint64, buf []byte, decrypt bool, flushCPU int) (int, error) {
	e.mu.Lock()
	_, err := e.activeSession()
	e.mu.Unlock()
	if err != nil {
		return 0, err
	}

	length := uint64(len(buf))
	size := e.platform.MemorySize()
	if gpa >= size || length > size-gpa {
		return 0, fmt.Errorf("range [%x,%x) outside of guest memory : %w", gpa, gpa+length, ErrNotFound)
	}
	if flushCPU >= 0 {
		if flushCPU >= e.platform.NumCPUs() {
			return 0, fmt.Errorf("flush cpu %v outside of [0,%v) : %w", flushCPU, e.platform.NumCPUs(), ErrCapacity)
		}
		if err := e.platform.FlushCache(flushCPU); err != nil {
			return 0, fmt.Errorf("flush on cpu %v failed : %v : %w", flushCPU, err, ErrInternal)
		}
	}
	if length == 0 {
		return 0, nil
	}
	if err := e.platform.ReadPhys(gpa, buf); err != nil {
		return 0, fmt.Errorf("failed to read %v bytes at %x : %v : %w", length, gpa, err, ErrInternal)
	}
	if decrypt {
		if err := e.platform.DecryptHostKey(gpa, buf); err != nil {
			return 0, fmt.Errorf("failed to decrypt %v bytes at %x : %v : %w", length, gpa, err, ErrInternal)
		}
	}
	return len(buf), nil
}
