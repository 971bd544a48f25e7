package uspt

//The engine does not own page tables, counters or the memory encryption engine. These interfaces describe what
//it needs from the hypervisor it is embedded in.

//PageProtector removes and restores access rights in the guest's page tables
type PageProtector interface {
	//MappedPages returns the frame numbers of all pages currently mapped for the guest
	MappedPages() []uint64
	IsMapped(gfn uint64) bool
	//Protect removes the rights covered by mode from the page, so that the next matching access
	//is reported via Engine.HandleFault
	Protect(gfn uint64, mode TrackMode) error
	//Unprotect restores the rights removed by Protect
	Unprotect(gfn uint64, mode TrackMode) error
}

//PerfCounters gives access to the per logical cpu "retired instructions in guest" counter
type PerfCounters interface {
	NumCPUs() int
	//RetiredInstructions returns the free running counter value of cpu
	RetiredInstructions(cpu int) (uint64, error)
}

//GuestMemory reads guest physical memory as seen by the host
type GuestMemory interface {
	//MemorySize is the size of guest physical memory in bytes
	MemorySize() uint64
	//ReadPhys copies the raw (possibly encrypted) memory content at gpa into buf
	ReadPhys(gpa uint64, buf []byte) error
	//DecryptHostKey decrypts buf, read from gpa, in place using the host's memory encryption key
	DecryptHostKey(gpa uint64, buf []byte) error
	//FlushCache writes back and invalidates the caches of the given logical cpu
	FlushCache(cpu int) error
}

//RIPReader captures the instruction pointer of a vCPU at fault time
type RIPReader interface {
	//CanCaptureRIP reports if instruction pointers are accessible at all for this guest
	CanCaptureRIP() bool
	GuestRIP(vcpu int) (uint64, error)
}

//Platform bundles everything the engine needs from the host
type Platform interface {
	PageProtector
	PerfCounters
	GuestMemory
	RIPReader
}
