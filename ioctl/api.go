package ioctl

import (
	"fmt"

	"golang.org/x/sys/unix"
	"sevTrack/uspt"
)

//API is the monitor side of the device. Failed commands return an error wrapping the unix.Errno
type API struct {
	dev *Device
}

//MaxGuestMemoryRead is the largest length accepted by CmdReadGuestMemory
const MaxGuestMemoryRead = 1 << 30

//NewAPI registers pid as monitor. The API must be closed once done.
//tryGetRIP asks the engine to enrich events with the guest's instruction pointer. This only works for plain VMs
//and SEV-ES VMs with the debug policy bit
func NewAPI(dev *Device, pid int, tryGetRIP bool) (*API, error) {
	a := &API{dev: dev}
	arg := &UserspaceCtx{PID: int32(pid), GetRIP: tryGetRIP}
	if err := a.do(KVM_USPT_REGISTER_PID, arg); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *API) do(cmd Cmd, arg interface{}) error {
	if res := a.dev.Ioctl(cmd, arg); res < 0 {
		return fmt.Errorf("%v ioctl failed with errno %w", cmd, unix.Errno(-res))
	}
	return nil
}

//Close resets the engine, which also ends the registration
func (a *API) Close() error {
	return a.CmdReset()
}

func (a *API) CmdReset() error {
	return a.do(KVM_USPT_RESET, nil)
}

func (a *API) CmdTrackPage(gpa uint64, mode uspt.TrackMode) error {
	return a.do(KVM_TRACK_PAGE, &TrackPageParam{GPA: gpa, TrackMode: int32(mode)})
}

func (a *API) CmdUnTrackPage(gpa uint64, mode uspt.TrackMode) error {
	return a.do(KVM_USPT_UNTRACK_PAGE, &TrackPageParam{GPA: gpa, TrackMode: int32(mode)})
}

func (a *API) CmdTrackAllPages(mode uspt.TrackMode) error {
	return a.do(KVM_USPT_TRACK_ALL, &TrackAllPages{TrackMode: int32(mode)})
}

func (a *API) CmdUnTrackAllPages(mode uspt.TrackMode) error {
	return a.do(KVM_USPT_UNTRACK_ALL, &TrackAllPages{TrackMode: int32(mode)})
}

//CmdPollEvent returns a new event if available. There are two negative outcomes: if error != nil something went
//wrong, if error == nil but the bool return value is false, there is no new event
func (a *API) CmdPollEvent() (uspt.Event, bool, error) {
	var buf PageFaultEvent
	res := a.dev.Ioctl(KVM_USPT_POLL_EVENT, &buf)
	switch {
	case res == PollEventNoEvent:
		return uspt.Event{}, false, nil
	case res == PollEventGotEvent:
		return buf.Event(), true, nil
	case res < 0:
		return uspt.Event{}, false, fmt.Errorf("%v ioctl failed with errno %w", KVM_USPT_POLL_EVENT, unix.Errno(-res))
	default:
		return uspt.Event{}, false, fmt.Errorf("%v ioctl returned unexpected value %v", KVM_USPT_POLL_EVENT, res)
	}
}

func (a *API) CmdAckEvent(id uint64) error {
	return a.do(KVM_USPT_ACK_EVENT, &AckEvent{ID: id})
}

//CmdReadGuestMemory reads size bytes at gpa. If wbinvdCPU is not negative, the caches of that cpu are flushed first
func (a *API) CmdReadGuestMemory(gpa, size uint64, hostDecryption bool, wbinvdCPU int) ([]byte, error) {
	if size > MaxGuestMemoryRead {
		return nil, fmt.Errorf("%v length %v exceeds %v : %w", KVM_READ_GUEST_MEMORY, size, MaxGuestMemoryRead, unix.EINVAL)
	}
	arg := &ReadGuestMemoryParam{
		GPA:                gpa,
		Length:             size,
		DecryptWithHostKey: hostDecryption,
		WbinvdCPU:          int32(wbinvdCPU),
		Output:             make([]byte, size),
	}
	if err := a.do(KVM_READ_GUEST_MEMORY, arg); err != nil {
		return nil, err
	}
	return arg.Output, nil
}

func (a *API) CmdSetupRetInstrPerf(cpu int) error {
	return a.do(KVM_USPT_SETUP_RETINSTR_PERF, &RetInstrPerfConfig{CPU: int32(cpu)})
}

func (a *API) CmdReadRetInstrPerf(cpu int) (uint64, error) {
	arg := &RetInstrPerf{CPU: int32(cpu)}
	if err := a.do(KVM_USPT_READ_RETINSTR_PERF, arg); err != nil {
		return 0, err
	}
	return arg.RetiredInstructionCount, nil
}

func (a *API) CmdBatchTrackingStart(mode uspt.TrackMode, expectedEvents uint64, perfCPU int, retrack bool) error {
	return a.do(KVM_USPT_BATCH_TRACK_START, &BatchTrackConfig{
		TrackMode:      int32(mode),
		ExpectedEvents: expectedEvents,
		PerfCPU:        int32(perfCPU),
		RetrackActive:  retrack,
	})
}

func (a *API) CmdBatchTrackingEventCount() (uint64, error) {
	arg := &BatchTrackEventCount{}
	if err := a.do(KVM_USPT_BATCH_TRACK_EVENT_COUNT, arg); err != nil {
		return 0, err
	}
	return arg.EventCount, nil
}

//CmdBatchTrackingStopAndGet stops batch tracking and returns up to expectedEvents events. The bool return value
//reports if there was an error during the batch run, the events are still valid in that case
func (a *API) CmdBatchTrackingStopAndGet(expectedEvents uint64) ([]uspt.Event, bool, error) {
	arg := &BatchTrackStopAndGet{Events: make([]PageFaultEvent, expectedEvents)}
	if err := a.do(KVM_USPT_BATCH_TRACK_STOP, arg); err != nil {
		return nil, false, err
	}
	events := make([]uspt.Event, arg.Len)
	for i := range events {
		events[i] = arg.Events[i].Event()
	}
	return events, arg.ErrorDuringBatch, nil
}
