package ioctl

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"sevTrack/uspt"
)

//Device dispatches ioctl requests to an engine, like the kvm device file of the kernel patch
type Device struct {
	engine *uspt.Engine
	log    logrus.FieldLogger
}

func NewDevice(e *uspt.Engine, log logrus.FieldLogger) *Device {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Device{engine: e, log: log}
}

//Errno maps an engine error to the errno the kernel patch returns for it. nil maps to 0
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	if errors.Is(err, uspt.ErrAlreadyActive) {
		return unix.EBUSY
	}
	switch uspt.Kind(err) {
	case uspt.ErrInvalidState:
		return unix.EINVAL
	case uspt.ErrNotFound:
		return unix.ENOENT
	case uspt.ErrCapacity:
		return unix.ENOSPC
	case uspt.ErrNotConfigured:
		return unix.ENODATA
	case uspt.ErrUnsupported:
		return unix.EOPNOTSUPP
	default:
		return unix.EIO
	}
}

var (
	errBadArgument = errors.New("argument does not match command")
	errUnknownCmd  = errors.New("unknown command")
)

//Ioctl executes cmd with arg, which must be a pointer to the record of the command (nil for KVM_USPT_RESET).
//It returns 0 on success, a negative errno on failure and PollEventNoEvent if KVM_USPT_POLL_EVENT found no event
func (d *Device) Ioctl(cmd Cmd, arg interface{}) int64 {
	res, err := d.dispatch(cmd, arg)
	if err != nil {
		errno := Errno(err)
		switch {
		case errors.Is(err, errBadArgument):
			errno = unix.EFAULT
		case errors.Is(err, errUnknownCmd):
			errno = unix.ENOTTY
		}
		d.log.WithError(err).WithFields(logrus.Fields{"cmd": cmd, "errno": errno}).Debug("ioctl failed")
		return -int64(errno)
	}
	return res
}

func (d *Device) dispatch(cmd Cmd, arg interface{}) (int64, error) {
	badArg := func() (int64, error) {
		return 0, fmt.Errorf("%v got %T : %w", cmd, arg, errBadArgument)
	}
	switch cmd {
	case KVM_USPT_REGISTER_PID:
		p, ok := arg.(*UserspaceCtx)
		if !ok || p == nil {
			return badArg()
		}
		return 0, d.engine.Register(int(p.PID), p.GetRIP)
	case KVM_USPT_RESET:
		d.engine.Reset()
		return 0, nil
	case KVM_TRACK_PAGE:
		p, ok := arg.(*TrackPageParam)
		if !ok || p == nil {
			return badArg()
		}
		return 0, d.engine.TrackPage(p.GPA, uspt.TrackMode(p.TrackMode))
	case KVM_USPT_UNTRACK_PAGE:
		p, ok := arg.(*TrackPageParam)
		if !ok || p == nil {
			return badArg()
		}
		return 0, d.engine.UntrackPage(p.GPA, uspt.TrackMode(p.TrackMode))
	case KVM_USPT_TRACK_ALL:
		p, ok := arg.(*TrackAllPages)
		if !ok || p == nil {
			return badArg()
		}
		return 0, d.engine.TrackAllPages(uspt.TrackMode(p.TrackMode))
	case KVM_USPT_UNTRACK_ALL:
		p, ok := arg.(*TrackAllPages)
		if !ok || p == nil {
			return badArg()
		}
		return 0, d.engine.UntrackAllPages(uspt.TrackMode(p.TrackMode))
	case KVM_USPT_POLL_EVENT:
		p, ok := arg.(*PageFaultEvent)
		if !ok || p == nil {
			return badArg()
		}
		ev, got, err := d.engine.PollEvent()
		if err != nil {
			return 0, err
		}
		if !got {
			return PollEventNoEvent, nil
		}
		*p = fromEngineEvent(ev)
		return PollEventGotEvent, nil
	case KVM_USPT_ACK_EVENT:
		p, ok := arg.(*AckEvent)
		if !ok || p == nil {
			return badArg()
		}
		return 0, d.engine.AckEvent(p.ID)
	case KVM_READ_GUEST_MEMORY:
		p, ok := arg.(*ReadGuestMemoryParam)
		if !ok || p == nil {
			return badArg()
		}
		if uint64(len(p.Output)) < p.Length {
			return 0, fmt.Errorf("output buffer holds %v bytes, need %v : %w", len(p.Output), p.Length, errBadArgument)
		}
		_, err := d.engine.ReadGuestMemory(p.GPA, p.Output[:p.Length], p.DecryptWithHostKey, int(p.WbinvdCPU))
		return 0, err
	case KVM_USPT_SETUP_RETINSTR_PERF:
		p, ok := arg.(*RetInstrPerfConfig)
		if !ok || p == nil {
			return badArg()
		}
		return 0, d.engine.SetupRetInstrPerf(int(p.CPU))
	case KVM_USPT_READ_RETINSTR_PERF:
		p, ok := arg.(*RetInstrPerf)
		if !ok || p == nil {
			return badArg()
		}
		count, err := d.engine.ReadRetInstrPerf(int(p.CPU))
		if err != nil {
			return 0, err
		}
		p.RetiredInstructionCount = count
		return 0, nil
	case KVM_USPT_BATCH_TRACK_START:
		p, ok := arg.(*BatchTrackConfig)
		if !ok || p == nil {
			return badArg()
		}
		return 0, d.engine.BatchTrackingStart(uspt.BatchConfig{
			Mode:           uspt.TrackMode(p.TrackMode),
			ExpectedEvents: p.ExpectedEvents,
			PerfCPU:        int(p.PerfCPU),
			Retrack:        p.RetrackActive,
		})
	case KVM_USPT_BATCH_TRACK_EVENT_COUNT:
		p, ok := arg.(*BatchTrackEventCount)
		if !ok || p == nil {
			return badArg()
		}
		count, err := d.engine.BatchTrackingEventCount()
		if err != nil {
			return 0, err
		}
		p.EventCount = count
		return 0, nil
	case KVM_USPT_BATCH_TRACK_STOP:
		p, ok := arg.(*BatchTrackStopAndGet)
		if !ok || p == nil {
			return badArg()
		}
		events, errDuringBatch, err := d.engine.BatchTrackingStopAndGet(uint64(len(p.Events)))
		if err != nil {
			return 0, err
		}
		for i, ev := range events {
			p.Events[i] = fromEngineEvent(ev)
		}
		p.Len = uint64(len(events))
		p.ErrorDuringBatch = errDuringBatch
		return 0, nil
	default:
		return 0, fmt.Errorf("%v : %w", cmd, errUnknownCmd)
	}
}
