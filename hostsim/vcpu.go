package hostsim

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"sevTrack/uspt"
)

//MemOp is a data access of an instruction
type MemOp struct {
	GPA   uint64
	Write bool
	//Data is stored for writes. For reads only the length matters
	Data []byte
}

func Load(gpa uint64, n int) MemOp {
	return MemOp{GPA: gpa, Data: make([]byte, n)}
}

func Store(gpa uint64, data []byte) MemOp {
	return MemOp{GPA: gpa, Write: true, Data: data}
}

//Instruction is the unit of guest execution. It retires only if its code page and all pages it accesses are
//accessible at the same time
type Instruction struct {
	//RIP is the guest virtual address reported as instruction pointer
	RIP uint64
	//Code is the guest physical address the instruction is fetched from
	Code uint64
	Ops  []MemOp
}

type access struct {
	gpa  uint64
	kind uspt.Access
}

func (in Instruction) accesses() []access {
	res := make([]access, 0, len(in.Ops)+1)
	res = append(res, access{gpa: in.Code, kind: uspt.AccessFetch})
	for _, op := range in.Ops {
		kind := uspt.AccessRead
		if op.Write {
			kind = uspt.AccessWrite
		}
		res = append(res, access{gpa: op.GPA, kind: kind})
	}
	return res
}

//Program is a sequence of instructions
type Program []Instruction

//VCPU executes instructions on the logical cpu it is pinned to
type VCPU struct {
	m    *Machine
	id   int
	cpu  int
	user bool
	rip  atomic.Uint64
}

func (v *VCPU) ID() int {
	return v.id
}

//CPU returns the logical cpu the vCPU is pinned to
func (v *VCPU) CPU() int {
	return v.cpu
}

//SetUserMode controls the user bit of reported page faults
func (v *VCPU) SetUserMode(user bool) {
	v.user = user
}

//Run executes p until it is done or ctx is cancelled
func (v *VCPU) Run(ctx context.Context, p Program) error {
	for i, in := range p {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := v.Execute(in); err != nil {
			return fmt.Errorf("instruction %v at rip %x : %v", i, in.RIP, err)
		}
	}
	return nil
}

//Execute runs a single instruction. If one of its pages is protected, the fault handler is invoked and the
//instruction is re-executed from within the handler's commit callback, i.e. before the handler returns
func (v *VCPU) Execute(in Instruction) error {
	v.rip.Store(in.RIP)
	accesses := in.accesses()

	v.m.mu.Lock()
	for _, a := range accesses {
		gfn := a.gpa >> PageShift
		if !v.m.isMapped(gfn) {
			v.m.mu.Unlock()
			return fmt.Errorf("%v access to unmapped gpa %x", a.kind, a.gpa)
		}
		if p := v.m.pages[gfn]; p.traps(a.kind) {
			v.m.mu.Unlock()
			return v.fault(in, a, p)
		}
	}
	for _, op := range in.Ops {
		if op.Write {
			v.m.guestStore(v.cpu, op.GPA, op.Data)
		} else {
			for i := range op.Data {
				op.Data[i] = v.m.guestLoadByte(v.m.cpus[v.cpu].cache, op.GPA+uint64(i))
			}
		}
	}
	v.m.mu.Unlock()
	v.m.cpus[v.cpu].retired.Add(1)
	return nil
}

func (v *VCPU) errorCode(a access, p pageState) uint32 {
	var code uint32
	//access tracking clears the present bit, write and exec tracking are protection faults
	if p.protected&(1<<uint(uspt.TrackAccess)) == 0 {
		code |= uint32(uspt.PfErrorPresent)
	}
	switch a.kind {
	case uspt.AccessWrite:
		code |= uint32(uspt.PfErrorWrite)
	case uspt.AccessFetch:
		code |= uint32(uspt.PfErrorFetch)
	}
	if v.user {
		code |= uint32(uspt.PfErrorUser)
	}
	return code
}

func (v *VCPU) fault(in Instruction, a access, p pageState) error {
	f := uspt.Fault{
		GPA:       a.gpa,
		ErrorCode: v.errorCode(a, p),
		CPU:       v.cpu,
		VCPU:      v.id,
	}
	h := v.m.faultHandler()
	if h == nil {
		v.m.unprotectAll(a)
		return v.Execute(in)
	}

	var execErr error
	herr := h.HandleFault(f, func() {
		//the handler did not lift the protection, e.g. because the page was not tracked by it
		if v.m.Protected(a.gpa, a.kind) {
			v.m.log.WithFields(logrus.Fields{"gpa": fmt.Sprintf("0x%x", a.gpa), "access": a.kind}).Warn("fault not resolved by handler, unprotecting")
			v.m.unprotectAll(a)
		}
		execErr = v.Execute(in)
	})
	if herr != nil && !errors.Is(herr, uspt.ErrAborted) {
		v.m.log.WithError(herr).WithField("vcpu", v.id).Debug("fault handler reported error")
	}
	return execErr
}

func (m *Machine) unprotectAll(a access) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gfn := a.gpa >> PageShift
	for _, mode := range []uspt.TrackMode{uspt.TrackAccess, uspt.TrackWrite, uspt.TrackExec} {
		if mode.Traps(a.kind) {
			m.pages[gfn].protected &^= 1 << uint(mode)
		}
	}
}
