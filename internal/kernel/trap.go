package kernel

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/cowfork/internal/kernel/mem"
)

// Fault error code bits.
const (
	// FECPresent is set when the faulting page was present, i.e. the fault is
	// a protection violation rather than a missing page.
	FECPresent uint32 = 0x1
	// FECWrite is set when the faulting access was a write.
	FECWrite uint32 = 0x2
	// FECUser is set when the fault happened in user mode.
	FECUser uint32 = 0x4
)

// UTrapframeSize is the encoded size of a UTrapframe.
const UTrapframeSize = 12

// maxRedeliveries bounds how many times in a row the same access may fault
// and be handed to the upcall before the env is killed.
const maxRedeliveries = 8

// UTrapframe is the fault record the kernel pushes onto the exception stack
// before running an env's page fault upcall.
type UTrapframe struct {
	FaultVA uint32
	Err     uint32
	Env     EnvID
}

// Encode writes the record in the layout the upcall reads.
func (utf UTrapframe) Encode(b []byte) {
	_ = b[UTrapframeSize-1]
	binary.LittleEndian.PutUint32(b[0:], utf.FaultVA)
	binary.LittleEndian.PutUint32(b[4:], utf.Err)
	binary.LittleEndian.PutUint32(b[8:], uint32(utf.Env))
}

// DecodeUTrapframe parses a record written by Encode.
func DecodeUTrapframe(b []byte) (UTrapframe, error) {
	if len(b) < UTrapframeSize {
		return UTrapframe{}, fmt.Errorf("utrapframe: short buffer (%d bytes)", len(b))
	}
	return UTrapframe{
		FaultVA: binary.LittleEndian.Uint32(b[0:]),
		Err:     binary.LittleEndian.Uint32(b[4:]),
		Env:     EnvID(binary.LittleEndian.Uint32(b[8:])),
	}, nil
}

// DescribeFault renders a fault error code for diagnostics.
func DescribeFault(err uint32) string {
	access := "read"
	if err&FECWrite != 0 {
		access = "write"
	}
	cause := "not-present"
	if err&FECPresent != 0 {
		cause = "protection"
	}
	return access + " " + cause
}

// translateLocked runs the MMU for a user access to va. It returns the frame
// backing va or, on failure, the fault error code.
func (e *Env) translateLocked(va uintptr, write bool) (mem.Frame, uint32, bool) {
	code := FECUser
	if write {
		code |= FECWrite
	}
	if va >= mem.ULIM {
		return 0, code | FECPresent, false
	}

	pte, ok := e.pgdir.lookup(va)
	if !ok {
		return 0, code, false
	}
	if !pte.HasFlags(mem.PermUser) || (write && !pte.HasFlags(mem.PermWrite)) {
		return 0, code | FECPresent, false
	}
	return pte.Frame(), 0, true
}

// access copies between p and user memory at va, one page at a time,
// delivering faults as the MMU raises them.
func (s *Sys) access(va uintptr, p []byte, write bool) {
	for len(p) > 0 {
		n := min(uintptr(len(p)), mem.PGSIZE-mem.PGOFF(va))
		faults := 0

		for {
			s.enter("")
			f, code, ok := s.env.translateLocked(va, write)
			if ok {
				pg := s.k.phys.bytes(f)
				off := mem.PGOFF(va)
				if write {
					copy(pg[off:off+n], p[:n])
				} else {
					copy(p[:n], pg[off:off+n])
				}
				s.leave("", nil)
				break
			}

			faults++
			if faults > maxRedeliveries {
				s.fatalFaultLocked(va, code, "fault not repaired by upcall")
			}
			s.deliverLocked(va, code)
		}

		va += n
		p = p[n:]
	}
}

// deliverLocked pushes a UTrapframe onto the env's exception stack and runs
// its upcall. It is entered with the kernel lock held and returns with it
// released; if the fault cannot be delivered the env is destroyed and the
// goroutine exits.
func (s *Sys) deliverLocked(va uintptr, code uint32) {
	e := s.env
	e.stats.Faults++
	s.k.faults++

	if e.upcall == nil {
		s.fatalFaultLocked(va, code, "no page fault upcall")
	}
	if e.inUpcall {
		s.fatalFaultLocked(va, code, "fault while running page fault upcall")
	}

	xpte, ok := e.pgdir.lookup(mem.UXSTACKTOP - mem.PGSIZE)
	if !ok || !xpte.HasFlags(mem.PermPresent|mem.PermUser|mem.PermWrite) {
		s.fatalFaultLocked(va, code, "no writable exception stack")
	}

	utfva := mem.UXSTACKTOP - UTrapframeSize
	utf := UTrapframe{FaultVA: uint32(va), Err: code, Env: e.id}
	utf.Encode(s.k.phys.bytes(xpte.Frame())[mem.PGOFF(utfva):])

	upcall := e.upcall
	e.inUpcall = true
	s.k.logger.Debug("page fault",
		envField(e.id),
		vaField(va),
		zap.String("cause", DescribeFault(code)),
	)
	s.leave("", nil)
	s.k.metrics.RecordFault("upcall")

	upcall(s, utfva)

	s.enter("")
	s.env.inUpcall = false
	s.leave("", nil)
}

// fatalFaultLocked destroys the faulting env. It does not return.
func (s *Sys) fatalFaultLocked(va uintptr, code uint32, why string) {
	err := fmt.Errorf("%w: %s at va %08x (%s)", ErrFault, why, va, DescribeFault(code))
	s.k.logger.Error("user fault",
		envField(s.env.id),
		vaField(va),
		zap.String("cause", DescribeFault(code)),
		zap.String("why", why),
	)
	s.k.metrics.RecordFault("fatal")
	s.exitLocked(ExitFault, err)
}

// Read copies len(p) bytes of user memory starting at va into p, as a load
// instruction would.
func (s *Sys) Read(va uintptr, p []byte) { s.access(va, p, false) }

// Write copies p into user memory starting at va, as a store instruction
// would.
func (s *Sys) Write(va uintptr, p []byte) { s.access(va, p, true) }

// LoadWord reads the little-endian 32-bit word at va.
func (s *Sys) LoadWord(va uintptr) uint32 {
	var b [4]byte
	s.access(va, b[:], false)
	return binary.LittleEndian.Uint32(b[:])
}

// StoreWord writes v as a little-endian 32-bit word at va.
func (s *Sys) StoreWord(va uintptr, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	s.access(va, b[:], true)
}
