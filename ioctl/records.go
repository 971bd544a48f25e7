package ioctl

import (
	"time"

	"sevTrack/uspt"
)

//The records mirror the argument structs of the kernel patch. Padding fields keep the C layout, so that the
//records of pure value types have the size encoded in their command

type TrackPageParam struct {
	GPA       uint64
	TrackMode int32
	_         [4]byte
}

type UserspaceCtx struct {
	PID    int32
	GetRIP bool
	_      [3]byte
}

type PageFaultEvent struct {
	ID          uint64
	FaultedGPA  uint64
	ErrorCode   uint32
	HaveRIPInfo bool
	_           [3]byte
	RIP         uint64
	//NsTimestamp is the fault time in nanoseconds since the unix epoch
	NsTimestamp             uint64
	HaveRetiredInstructions bool
	_                       [7]byte
	RetiredInstructions     uint64
}

type AckEvent struct {
	ID uint64
}

//ReadGuestMemoryParam selects the range to read. Output must hold Length bytes
type ReadGuestMemoryParam struct {
	GPA                uint64
	Length             uint64
	DecryptWithHostKey bool
	//WbinvdCPU is the logical cpu to flush caches on before reading, negative values skip the flush
	WbinvdCPU int32
	Output    []byte
}

type TrackAllPages struct {
	TrackMode int32
}

type RetInstrPerfConfig struct {
	CPU int32
}

type RetInstrPerf struct {
	CPU                     int32
	_                       [4]byte
	RetiredInstructionCount uint64
}

type BatchTrackConfig struct {
	TrackMode      int32
	_              [4]byte
	ExpectedEvents uint64
	PerfCPU        int32
	RetrackActive  bool
	_              [3]byte
}

//BatchTrackStopAndGet receives up to len(Events) events. Len is set to the number of events written
type BatchTrackStopAndGet struct {
	Events           []PageFaultEvent
	Len              uint64
	ErrorDuringBatch bool
}

type BatchTrackEventCount struct {
	EventCount uint64
}

func fromEngineEvent(ev uspt.Event) PageFaultEvent {
	return PageFaultEvent{
		ID:                      ev.ID,
		FaultedGPA:              ev.FaultedGPA,
		ErrorCode:               ev.ErrorCode,
		HaveRIPInfo:             ev.HaveRIP,
		RIP:                     ev.RIP,
		NsTimestamp:             uint64(ev.Timestamp.UnixNano()),
		HaveRetiredInstructions: ev.HaveRetiredInstructions,
		RetiredInstructions:     ev.RetiredInstructions,
	}
}

//Event converts the record back into the engine's representation
func (p *PageFaultEvent) Event() uspt.Event {
	return uspt.Event{
		ID:                      p.ID,
		FaultedGPA:              p.FaultedGPA,
		ErrorCode:               p.ErrorCode,
		HaveRIP:                 p.HaveRIPInfo,
		RIP:                     p.RIP,
		Timestamp:               time.Unix(0, int64(p.NsTimestamp)),
		HaveRetiredInstructions: p.HaveRetiredInstructions,
		RetiredInstructions:     p.RetiredInstructions,
	}
}
