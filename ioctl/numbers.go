//Package ioctl exposes a uspt.Engine through the request/response interface of the sev-step kvm patch: fixed shape
//argument records, ioctl command numbers and signed errno results
package ioctl

import "fmt"

const (
	nrbits   = 8
	typebits = 8
	sizebits = 14

	nrmask   = (1 << nrbits) - 1
	typemask = (1 << typebits) - 1
	sizemask = (1 << sizebits) - 1
	dirmask  = (1 << 2) - 1

	dirNone      = 0
	dirReadWrite = 3

	nrshift   = 0
	typeshift = nrshift + nrbits
	sizeshift = typeshift + typebits
	dirshift  = sizeshift + sizebits
)

const KVMIO = 0xAE

//Cmd is an ioctl request number
type Cmd uint32

func ioc(dir, nr, size uint32) Cmd {
	return Cmd(((dir & dirmask) << dirshift) | ((KVMIO & typemask) << typeshift) |
		((nr & nrmask) << nrshift) | ((size & sizemask) << sizeshift))
}

func iowr(nr, size uint32) Cmd {
	return ioc(dirReadWrite, nr, size)
}

func ioNone(nr uint32) Cmd {
	return ioc(dirNone, nr, 0)
}

//Nr returns the command index within KVMIO
func (c Cmd) Nr() uint32 {
	return (uint32(c) >> nrshift) & nrmask
}

//Size returns the argument size encoded in the command
func (c Cmd) Size() uint32 {
	return (uint32(c) >> sizeshift) & sizemask
}

//Sizes of the kernel's argument structs
const (
	sizeTrackPageParam       = 16
	sizeUserspaceCtx         = 8
	sizePageFaultEvent       = 56
	sizeAckEvent             = 8
	sizeReadGuestMemory      = 32
	sizeTrackAllPages        = 4
	sizeRetInstrPerfConfig   = 4
	sizeRetInstrPerf         = 16
	sizeBatchTrackConfig     = 24
	sizeBatchTrackStopAndGet = 24
	sizeBatchTrackEventCount = 8
)

var (
	KVM_TRACK_PAGE                   = iowr(0x20, sizeTrackPageParam)
	KVM_USPT_REGISTER_PID            = iowr(0x21, sizeUserspaceCtx)
	KVM_USPT_POLL_EVENT              = iowr(0x23, sizePageFaultEvent)
	KVM_USPT_ACK_EVENT               = iowr(0x24, sizeAckEvent)
	KVM_READ_GUEST_MEMORY            = iowr(0x25, sizeReadGuestMemory)
	KVM_USPT_RESET                   = ioNone(0x26)
	KVM_USPT_TRACK_ALL               = iowr(0x27, sizeTrackAllPages)
	KVM_USPT_UNTRACK_ALL             = iowr(0x28, sizeTrackAllPages)
	KVM_USPT_UNTRACK_PAGE            = iowr(0x29, sizeTrackPageParam)
	KVM_USPT_SETUP_RETINSTR_PERF     = iowr(0x30, sizeRetInstrPerfConfig)
	KVM_USPT_READ_RETINSTR_PERF      = iowr(0x31, sizeRetInstrPerf)
	KVM_USPT_BATCH_TRACK_START       = iowr(0x32, sizeBatchTrackConfig)
	KVM_USPT_BATCH_TRACK_STOP        = iowr(0x33, sizeBatchTrackStopAndGet)
	KVM_USPT_BATCH_TRACK_EVENT_COUNT = iowr(0x34, sizeBatchTrackEventCount)
)

//Special results of KVM_USPT_POLL_EVENT
const (
	PollEventGotEvent = 0
	PollEventNoEvent  = 1000
)

func (c Cmd) String() string {
	switch c {
	case KVM_TRACK_PAGE:
		return "KVM_TRACK_PAGE"
	case KVM_USPT_REGISTER_PID:
		return "KVM_USPT_REGISTER_PID"
	case KVM_USPT_POLL_EVENT:
		return "KVM_USPT_POLL_EVENT"
	case KVM_USPT_ACK_EVENT:
		return "KVM_USPT_ACK_EVENT"
	case KVM_READ_GUEST_MEMORY:
		return "KVM_READ_GUEST_MEMORY"
	case KVM_USPT_RESET:
		return "KVM_USPT_RESET"
	case KVM_USPT_TRACK_ALL:
		return "KVM_USPT_TRACK_ALL"
	case KVM_USPT_UNTRACK_ALL:
		return "KVM_USPT_UNTRACK_ALL"
	case KVM_USPT_UNTRACK_PAGE:
		return "KVM_USPT_UNTRACK_PAGE"
	case KVM_USPT_SETUP_RETINSTR_PERF:
		return "KVM_USPT_SETUP_RETINSTR_PERF"
	case KVM_USPT_READ_RETINSTR_PERF:
		return "KVM_USPT_READ_RETINSTR_PERF"
	case KVM_USPT_BATCH_TRACK_START:
		return "KVM_USPT_BATCH_TRACK_START"
	case KVM_USPT_BATCH_TRACK_STOP:
		return "KVM_USPT_BATCH_TRACK_STOP"
	case KVM_USPT_BATCH_TRACK_EVENT_COUNT:
		return "KVM_USPT_BATCH_TRACK_EVENT_COUNT"
	default:
		return fmt.Sprintf("ioctl(%#x)", uint32(c))
	}
}
