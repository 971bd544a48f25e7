package uspt

import (
	"fmt"
	"strings"
	"time"
)

type PfErrorBit uint32

//Uses PFERR_*** defintions from Linux at arch/x86/include/asm/kvm_host.h line 205 ff
const (
	PfErrorPresent = PfErrorBit(uint32(0x1) << 0)
	PfErrorWrite   = PfErrorBit(uint32(0x1) << 1)
	PfErrorUser    = PfErrorBit(uint32(0x1) << 2)
	PfErrorRSVD    = PfErrorBit(uint32(0x1) << 3)
	PfErrorFetch   = PfErrorBit(uint32(0x1) << 4)
	PfErrorPK      = PfErrorBit(uint32(0x1) << 5)
)

var allPfErrors = []PfErrorBit{PfErrorPresent, PfErrorWrite, PfErrorUser, PfErrorRSVD, PfErrorFetch, PfErrorPK}

func (p PfErrorBit) String() string {
	switch p {
	case PfErrorPresent:
		return "Present"
	case PfErrorWrite:
		return "Write"
	case PfErrorUser:
		return "User"
	case PfErrorRSVD:
		return "RSVD"
	case PfErrorFetch:
		return "Fetch"
	case PfErrorPK:
		return "PK"
	default:
		return "Unknown"
	}
}

//ErrorBits returns the names of the bits set in code, separated by spaces
func ErrorBits(code uint32) string {
	names := make([]string, 0, len(allPfErrors))
	for _, v := range allPfErrors {
		if code&uint32(v) != 0 {
			names = append(names, v.String())
		}
	}
	return strings.Join(names, " ")
}

//Access is the class of a single guest memory access
type Access int

const (
	AccessRead = Access(iota)
	AccessWrite
	AccessFetch
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessFetch:
		return "fetch"
	default:
		return "unknown"
	}
}

//AccessFromErrorCode derives the access class from the write/fetch bits of a page fault error code
func AccessFromErrorCode(code uint32) Access {
	switch {
	case code&uint32(PfErrorFetch) != 0:
		return AccessFetch
	case code&uint32(PfErrorWrite) != 0:
		return AccessWrite
	default:
		return AccessRead
	}
}

//Fault is what the host platform reports when a guest access hits a protected page
type Fault struct {
	GPA       uint64
	ErrorCode uint32
	//CPU is the logical cpu the faulting vCPU runs on
	CPU int
	//VCPU is used to query the instruction pointer
	VCPU int
}

//Event is a page fault event as exposed to the monitor
type Event struct {
	//ID is unique per session and strictly increasing, required to acknowledge the event
	ID         uint64
	FaultedGPA uint64
	ErrorCode  uint32
	//HaveRIP is only set if the session asked for RIPs and the platform could provide it
	HaveRIP   bool
	RIP       uint64
	Timestamp time.Time
	//RetiredInstructions are the guest instructions retired since the previous fault on the same page.
	//Only valid if HaveRetiredInstructions is set
	HaveRetiredInstructions bool
	RetiredInstructions     uint64
}

func (e Event) String() string {
	retInstr := "not measured"
	if e.HaveRetiredInstructions {
		retInstr = fmt.Sprintf("%v", e.RetiredInstructions)
	}
	return fmt.Sprintf("ID %d, FaultedGPA %x, HaveRip %t, RIP %x, Timestamp %v Retired Instructions %v Error Bits(%s)", e.ID,
		e.FaultedGPA, e.HaveRIP, e.RIP, e.Timestamp.Format(time.StampNano), retInstr, ErrorBits(e.ErrorCode))
}
