package hostsim

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

//Run executes programs[i] on vCPU i concurrently and waits until all are done
func (m *Machine) Run(ctx context.Context, programs ...Program) error {
	if len(programs) > len(m.vcpus) {
		return fmt.Errorf("got %v programs but only %v vcpus", len(programs), len(m.vcpus))
	}
	eg, ctx := errgroup.WithContext(ctx)
	for i, p := range programs {
		v, p := m.vcpus[i], p
		eg.Go(func() error {
			if err := v.Run(ctx, p); err != nil {
				return fmt.Errorf("vcpu %v : %w", v.id, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

//VictimLayout places the code and data of the square and multiply victim in guest memory.
//All addresses are guest physical addresses
type VictimLayout struct {
	//LoopCode holds the loop over the exponent bits
	LoopCode uint64
	//SquareCode and MultiplyCode are the two functions called per bit. They must be on different pages for the
	//control flow to leak through page faults
	SquareCode   uint64
	MultiplyCode uint64
	//Data holds the operands and the result
	Data uint64
}

//DefaultVictimLayout puts every part on its own page
var DefaultVictimLayout = VictimLayout{
	LoopCode:     0x10 << PageShift,
	SquareCode:   0x11 << PageShift,
	MultiplyCode: 0x12 << PageShift,
	Data:         0x20 << PageShift,
}

const (
	//guest virtual base of the victim's code, used for the reported RIPs
	victimTextBase = 0x400000
	//instructions per call of square resp. multiply
	squareLen   = 3
	multiplyLen = 4
)

func (l VictimLayout) instr(code uint64, idx int, ops ...MemOp) Instruction {
	gpa := code + uint64(idx)*4
	return Instruction{
		RIP:  victimTextBase + gpa,
		Code: gpa,
		Ops:  ops,
	}
}

//SquareAndMultiply builds a left to right square and multiply exponentiation over the given exponent bits
//(most significant first). Multiply is only executed for one bits, which is the secret dependent control flow
//that page tracking recovers. The intermediate result is stored to the data page after every step
func SquareAndMultiply(l VictimLayout, exponent []bool) Program {
	var p Program
	acc := l.Data
	operand := l.Data + 8
	p = append(p, l.instr(l.LoopCode, 0, Store(acc, []byte{1, 0, 0, 0, 0, 0, 0, 0})))
	for i, bit := range exponent {
		p = append(p, l.instr(l.LoopCode, 1, Load(acc, 8)))
		for j := 0; j < squareLen; j++ {
			p = append(p, l.instr(l.SquareCode, j, Load(acc, 8)))
		}
		p = append(p, l.instr(l.LoopCode, 2, Store(acc, []byte{byte(2 * i), 0, 0, 0, 0, 0, 0, 0})))
		if bit {
			for j := 0; j < multiplyLen; j++ {
				p = append(p, l.instr(l.MultiplyCode, j, Load(operand, 8)))
			}
			p = append(p, l.instr(l.LoopCode, 3, Store(acc, []byte{byte(2*i + 1), 0, 0, 0, 0, 0, 0, 0})))
		}
	}
	p = append(p, l.instr(l.LoopCode, 4))
	return p
}

//SecretWriter stores secret to gpa in a single instruction, followed by filler instructions on the same code page.
//The store stays in the cache of the executing cpu until it is evicted or flushed
func SecretWriter(code, gpa uint64, secret []byte, filler int) Program {
	p := Program{{RIP: victimTextBase + code, Code: code, Ops: []MemOp{Store(gpa, secret)}}}
	for i := 1; i <= filler; i++ {
		p = append(p, Instruction{RIP: victimTextBase + code + uint64(i)*4, Code: code + uint64(i)*4})
	}
	return p
}

//Workload is a guest program that can be started by name, e.g. via a sim:// trigger
type Workload func(ctx context.Context, m *Machine) error

//Workloads returns the built in workloads. "sqm" runs SquareAndMultiply over bits on vCPU 0 with the default layout
func Workloads(bits []bool) map[string]Workload {
	return map[string]Workload{
		"sqm": func(ctx context.Context, m *Machine) error {
			return m.Run(ctx, SquareAndMultiply(DefaultVictimLayout, bits))
		},
		"secret": func(ctx context.Context, m *Machine) error {
			secret := make([]byte, 16)
			for i, b := range bits {
				if b && i < len(secret)*8 {
					secret[i/8] |= 1 << uint(7-i%8)
				}
			}
			return m.Run(ctx, SecretWriter(DefaultVictimLayout.LoopCode, DefaultVictimLayout.Data, secret, 1))
		},
	}
}

//ParseBits parses a string of '0' and '1'
func ParseBits(s string) ([]bool, error) {
	res := make([]bool, len(s))
	for i, c := range s {
		switch c {
		case '0':
		case '1':
			res[i] = true
		default:
			return nil, fmt.Errorf("invalid bit %q at offset %v", c, i)
		}
	}
	return res, nil
}
