package ioctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"sevTrack/hostsim"
	"sevTrack/uspt"
)

func TestCommandNumbers(t *testing.T) {
	tests := []struct {
		cmd  Cmd
		want uint32
	}{
		{KVM_TRACK_PAGE, 0xc010ae20},
		{KVM_USPT_REGISTER_PID, 0xc008ae21},
		{KVM_USPT_POLL_EVENT, 0xc038ae23},
		{KVM_USPT_ACK_EVENT, 0xc008ae24},
		{KVM_READ_GUEST_MEMORY, 0xc020ae25},
		{KVM_USPT_RESET, 0x0000ae26},
		{KVM_USPT_TRACK_ALL, 0xc004ae27},
		{KVM_USPT_UNTRACK_ALL, 0xc004ae28},
		{KVM_USPT_UNTRACK_PAGE, 0xc010ae29},
		{KVM_USPT_SETUP_RETINSTR_PERF, 0xc004ae30},
		{KVM_USPT_READ_RETINSTR_PERF, 0xc010ae31},
		{KVM_USPT_BATCH_TRACK_START, 0xc018ae32},
		{KVM_USPT_BATCH_TRACK_STOP, 0xc018ae33},
		{KVM_USPT_BATCH_TRACK_EVENT_COUNT, 0xc008ae34},
	}
	for _, tt := range tests {
		t.Run(tt.cmd.String(), func(t *testing.T) {
			if uint32(tt.cmd) != tt.want {
				t.Errorf("got %#x, want %#x", uint32(tt.cmd), tt.want)
			}
		})
	}
}

func TestRecordSizes(t *testing.T) {
	tests := []struct {
		cmd  Cmd
		size uintptr
	}{
		{KVM_TRACK_PAGE, unsafe.Sizeof(TrackPageParam{})},
		{KVM_USPT_REGISTER_PID, unsafe.Sizeof(UserspaceCtx{})},
		{KVM_USPT_POLL_EVENT, unsafe.Sizeof(PageFaultEvent{})},
		{KVM_USPT_ACK_EVENT, unsafe.Sizeof(AckEvent{})},
		{KVM_USPT_TRACK_ALL, unsafe.Sizeof(TrackAllPages{})},
		{KVM_USPT_SETUP_RETINSTR_PERF, unsafe.Sizeof(RetInstrPerfConfig{})},
		{KVM_USPT_READ_RETINSTR_PERF, unsafe.Sizeof(RetInstrPerf{})},
		{KVM_USPT_BATCH_TRACK_START, unsafe.Sizeof(BatchTrackConfig{})},
		{KVM_USPT_BATCH_TRACK_EVENT_COUNT, unsafe.Sizeof(BatchTrackEventCount{})},
	}
	for _, tt := range tests {
		t.Run(tt.cmd.String(), func(t *testing.T) {
			if uintptr(tt.cmd.Size()) != tt.size {
				t.Errorf("command encodes size %v, record has %v", tt.cmd.Size(), tt.size)
			}
		})
	}
}

func TestErrno(t *testing.T) {
	tests := []struct {
		err  error
		want unix.Errno
	}{
		{nil, 0},
		{uspt.ErrAlreadyActive, unix.EBUSY},
		{uspt.ErrNoSession, unix.EINVAL},
		{fmt.Errorf("ack : %w", uspt.ErrNotFound), unix.ENOENT},
		{uspt.ErrCapacity, unix.ENOSPC},
		{uspt.ErrNotConfigured, unix.ENODATA},
		{uspt.ErrUnsupported, unix.EOPNOTSUPP},
		{errors.New("something else"), unix.EIO},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v", tt.err), func(t *testing.T) {
			if got := Errno(tt.err); got != tt.want {
				t.Errorf("Errno() = %v, want %v", got, tt.want)
			}
		})
	}
}

func newTestDevice(t *testing.T) (*hostsim.Machine, *Device) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m, err := hostsim.New(hostsim.WithLogger(logger))
	if err != nil {
		t.Fatalf("hostsim.New failed : %v", err)
	}
	e := uspt.New(m, uspt.WithLogger(logger))
	m.SetFaultHandler(e)
	return m, NewDevice(e, logger)
}

func newTestAPI(t *testing.T, dev *Device) *API {
	t.Helper()
	api, err := NewAPI(dev, 100, false)
	if err != nil {
		t.Fatalf("NewAPI failed : %v", err)
	}
	t.Cleanup(func() {
		if err := api.Close(); err != nil {
			t.Errorf("Close failed : %v", err)
		}
	})
	return api
}

//loads returns a program reading 8 bytes at each gpa, one instruction each
func loads(gpas ...uint64) hostsim.Program {
	var p hostsim.Program
	for i, gpa := range gpas {
		code := hostsim.DefaultVictimLayout.LoopCode + uint64(i)*4
		p = append(p, hostsim.Instruction{RIP: code, Code: code, Ops: []hostsim.MemOp{hostsim.Load(gpa, 8)}})
	}
	return p
}

func pollWait(t *testing.T, api *API) uspt.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ev, ok, err := api.CmdPollEvent()
		if err != nil {
			t.Fatalf("CmdPollEvent failed : %v", err)
		}
		if ok {
			return ev
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no event")
	return uspt.Event{}
}

func TestSyncScenario(t *testing.T) {
	m, dev := newTestDevice(t)
	api := newTestAPI(t, dev)
	if err := api.CmdTrackPage(0x1000, uspt.TrackAccess); err != nil {
		t.Fatalf("CmdTrackPage failed : %v", err)
	}

	//the ack re-arms the page, so every run faults
	var lastID uint64
	for i := 0; i < 2; i++ {
		done := make(chan error, 1)
		go func() {
			done <- m.Run(context.Background(), loads(0x1000))
		}()
		ev := pollWait(t, api)
		if ev.FaultedGPA != 0x1000 {
			t.Errorf("FaultedGPA = %x, want 1000", ev.FaultedGPA)
		}
		if ev.ID <= lastID {
			t.Errorf("id %v not greater than %v", ev.ID, lastID)
		}
		lastID = ev.ID
		if err := api.CmdAckEvent(ev.ID); err != nil {
			t.Fatalf("CmdAckEvent failed : %v", err)
		}
		if err := <-done; err != nil {
			t.Fatalf("Run failed : %v", err)
		}
		if _, ok, err := api.CmdPollEvent(); ok || err != nil {
			t.Errorf("unexpected event or error after ack : %v, %v", ok, err)
		}
	}
	if err := api.CmdAckEvent(lastID); !errors.Is(err, unix.ENOENT) {
		t.Errorf("ack of retired event = %v, want ENOENT", err)
	}
}

func TestBatchScenario(t *testing.T) {
	m, dev := newTestDevice(t)
	api := newTestAPI(t, dev)
	for _, gpa := range []uint64{0x1000, 0x2000} {
		if err := api.CmdTrackPage(gpa, uspt.TrackAccess); err != nil {
			t.Fatalf("CmdTrackPage failed : %v", err)
		}
	}
	if err := api.CmdBatchTrackingStart(uspt.TrackAccess, 2, -1, false); err != nil {
		t.Fatalf("CmdBatchTrackingStart failed : %v", err)
	}
	if err := m.Run(context.Background(), loads(0x1000, 0x2000)); err != nil {
		t.Fatalf("Run failed : %v", err)
	}
	count, err := api.CmdBatchTrackingEventCount()
	if err != nil || count != 2 {
		t.Fatalf("CmdBatchTrackingEventCount = %v, %v, want 2", count, err)
	}
	events, errDuringBatch, err := api.CmdBatchTrackingStopAndGet(2)
	if err != nil {
		t.Fatalf("CmdBatchTrackingStopAndGet failed : %v", err)
	}
	var gpas []uint64
	for _, ev := range events {
		gpas = append(gpas, ev.FaultedGPA)
	}
	if diff := cmp.Diff([]uint64{0x1000, 0x2000}, gpas); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if events[0].ID >= events[1].ID {
		t.Errorf("events not in creation order : %v, %v", events[0].ID, events[1].ID)
	}
	if errDuringBatch {
		t.Errorf("error during batch")
	}
}

func TestCounterScenario(t *testing.T) {
	m, dev := newTestDevice(t)
	api := newTestAPI(t, dev)
	if _, err := api.CmdReadRetInstrPerf(3); !errors.Is(err, unix.ENODATA) {
		t.Fatalf("CmdReadRetInstrPerf before setup = %v, want ENODATA", err)
	}
	if err := api.CmdSetupRetInstrPerf(0); err != nil {
		t.Fatalf("CmdSetupRetInstrPerf failed : %v", err)
	}
	if err := m.Run(context.Background(), loads(0x3000, 0x3008, 0x3010)); err != nil {
		t.Fatalf("Run failed : %v", err)
	}
	got, err := api.CmdReadRetInstrPerf(0)
	if err != nil || got != 3 {
		t.Errorf("CmdReadRetInstrPerf = %v, %v, want 3", got, err)
	}
	if _, err := api.CmdReadRetInstrPerf(4); !errors.Is(err, unix.ENOSPC) {
		t.Errorf("unknown cpu = %v, want ENOSPC", err)
	}
}

func TestReadGuestMemoryScenario(t *testing.T) {
	m, dev := newTestDevice(t)
	api := newTestAPI(t, dev)
	secret := []byte("0123456789abcdef")
	data := hostsim.DefaultVictimLayout.Data
	if err := m.SetShared(data>>hostsim.PageShift, true); err != nil {
		t.Fatalf("SetShared failed : %v", err)
	}
	if err := m.Run(context.Background(), hostsim.SecretWriter(hostsim.DefaultVictimLayout.LoopCode, data, secret, 0)); err != nil {
		t.Fatalf("Run failed : %v", err)
	}
	got, err := api.CmdReadGuestMemory(data, uint64(len(secret)), true, 0)
	if err != nil {
		t.Fatalf("CmdReadGuestMemory failed : %v", err)
	}
	if diff := cmp.Diff(secret, got); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
	if _, err := api.CmdReadGuestMemory(m.MemorySize(), 1, false, -1); !errors.Is(err, unix.ENOENT) {
		t.Errorf("read beyond memory = %v, want ENOENT", err)
	}
}

func TestDeviceErrors(t *testing.T) {
	_, dev := newTestDevice(t)
	if res := dev.Ioctl(KVM_USPT_POLL_EVENT, &PageFaultEvent{}); res != -int64(unix.EINVAL) {
		t.Errorf("poll without registration = %v, want -EINVAL", res)
	}
	api := newTestAPI(t, dev)

	tests := []struct {
		name string
		cmd  Cmd
		arg  interface{}
		want int64
	}{
		{name: "second registration", cmd: KVM_USPT_REGISTER_PID, arg: &UserspaceCtx{PID: 1}, want: -int64(unix.EBUSY)},
		{name: "poll without event", cmd: KVM_USPT_POLL_EVENT, arg: &PageFaultEvent{}, want: PollEventNoEvent},
		{name: "ack unknown id", cmd: KVM_USPT_ACK_EVENT, arg: &AckEvent{ID: 77}, want: -int64(unix.ENOENT)},
		{name: "wrong record", cmd: KVM_TRACK_PAGE, arg: &AckEvent{}, want: -int64(unix.EFAULT)},
		{name: "nil record", cmd: KVM_USPT_ACK_EVENT, arg: (*AckEvent)(nil), want: -int64(unix.EFAULT)},
		{name: "short output buffer", cmd: KVM_READ_GUEST_MEMORY, arg: &ReadGuestMemoryParam{Length: 8, WbinvdCPU: -1}, want: -int64(unix.EFAULT)},
		{name: "reset mode", cmd: KVM_USPT_TRACK_ALL, arg: &TrackAllPages{TrackMode: int32(uspt.TrackResetAccess)}, want: -int64(unix.EOPNOTSUPP)},
		{name: "unknown command", cmd: iowr(0x99, 8), arg: &AckEvent{}, want: -int64(unix.ENOTTY)},
		{name: "batch with zero events", cmd: KVM_USPT_BATCH_TRACK_START, arg: &BatchTrackConfig{TrackMode: int32(uspt.TrackAccess), PerfCPU: -1}, want: -int64(unix.ENOSPC)},
		{name: "stop without batch", cmd: KVM_USPT_BATCH_TRACK_STOP, arg: &BatchTrackStopAndGet{}, want: -int64(unix.EINVAL)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dev.Ioctl(tt.cmd, tt.arg); got != tt.want {
				t.Errorf("Ioctl(%v) = %v, want %v", tt.cmd, got, tt.want)
			}
		})
	}
	if err := api.CmdReset(); err != nil {
		t.Errorf("CmdReset failed : %v", err)
	}
	if res := dev.Ioctl(KVM_USPT_RESET, nil); res != 0 {
		t.Errorf("second reset = %v, want 0", res)
	}
}

func TestPageFaultEventRoundTrip(t *testing.T) {
	ev := uspt.Event{
		ID:                      7,
		FaultedGPA:              0x6efa1000,
		ErrorCode:               uint32(uspt.PfErrorWrite | uspt.PfErrorUser),
		HaveRIP:                 true,
		RIP:                     0x5555555d1e60,
		Timestamp:               time.Unix(1628939615, 555557920),
		HaveRetiredInstructions: true,
		RetiredInstructions:     12,
	}
	rec := fromEngineEvent(ev)
	if diff := cmp.Diff(ev, rec.Event()); diff != "" {
		t.Errorf("event changed by record conversion (-want +got):\n%s", diff)
	}
}

func TestReadGuestMemoryLength(t *testing.T) {
	m, dev := newTestDevice(t)
	api := newTestAPI(t, dev)

	tests := []struct {
		name string
		size uint64
		want error
	}{
		{name: "beyond int", size: 1 << 62, want: unix.EINVAL},
		{name: "above maximum", size: MaxGuestMemoryRead + 1, want: unix.EINVAL},
		{name: "larger than memory", size: m.MemorySize() + 1, want: unix.ENOENT},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := api.CmdReadGuestMemory(0, tt.size, false, -1)
			if !errors.Is(err, tt.want) {
				t.Errorf("CmdReadGuestMemory(0, %v) = %v, want %v", tt.size, err, tt.want)
			}
			if out != nil {
				t.Errorf("got %v bytes on error", len(out))
			}
		})
	}
}
