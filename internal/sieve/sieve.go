// Package sieve is the concurrent prime sieve of McIlroy run as a pipeline
// of forked envs. A generator env feeds 2, 3, 4, ... to the first filter.
// Each filter keeps the first number it receives as its prime, prints it and
// passes on every later number that its prime does not divide.
//
// Unlike the classic version, which forks the next filter as soon as it has
// its prime, a filter here forks its successor only when it first has a
// number to pass on. The last filter never forks, so a run up to n makes one
// fork per prime and never holds more than primes+1 envs.
package sieve

import (
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/cowfork/internal/kernel"
	"github.com/GriffinCanCode/cowfork/internal/kernel/mem"
	"github.com/GriffinCanCode/cowfork/internal/ulib"
)

// Terminator ends the stream of numbers. Each filter forwards it to its
// successor, if any, and exits.
const Terminator uint32 = 0

// Layout of the filter state page.
const (
	StateVA      = mem.UTEXT
	primeOff     = 0
	forwardedOff = 4
)

// Tracer observes the pipeline. Its methods are called from env goroutines.
type Tracer interface {
	Prime(env kernel.EnvID, p uint32)
	Forward(from, to kernel.EnvID, v uint32)
}

type nopTracer struct{}

func (nopTracer) Prime(kernel.EnvID, uint32) {}
func (nopTracer) Forward(kernel.EnvID, kernel.EnvID, uint32) {}

// Image is the program image every pipeline env runs from: a single
// writable state page. Filters write their prime there, so each one takes a
// copy-on-write fault on it.
func Image() kernel.Image {
	return kernel.Image{Segments: []kernel.Segment{
		{VA: StateVA, MemSize: mem.PGSIZE, Writable: true},
	}}
}

// Start spawns the generator of a pipeline that finds the primes up to
// limit.
func Start(k *kernel.Kernel, limit uint32, tr Tracer) (kernel.EnvID, error) {
	return ulib.Spawn(k, "primes", Image(), Main(limit, tr))
}

// Main returns the generator's body: fork the first filter, feed it
// 2..limit, then the terminator.
func Main(limit uint32, tr Tracer) func(e *ulib.Env) {
	if tr == nil {
		tr = nopTracer{}
	}

	return func(e *ulib.Env) {
		ctx := e.Context()
		first := e.Fork(func(f *ulib.Env) { filter(f, tr) })

		for i := uint32(2); i <= limit; i++ {
			if err := e.Send(ctx, first, i, ulib.NoPage, 0); err != nil {
				e.Logger().Warn("generator stopped", zap.Uint32("next", i), zap.Error(err))
				return
			}
		}
		_ = e.Send(ctx, first, Terminator, ulib.NoPage, 0)
	}
}

func filter(e *ulib.Env, tr Tracer) {
	ctx := e.Context()
	sys := e.Sys()

	msg, err := e.Recv(ctx, ulib.NoPage)
	if err != nil || msg.Value == Terminator {
		return
	}

	p := msg.Value
	sys.StoreWord(StateVA+primeOff, p)
	sys.StoreWord(StateVA+forwardedOff, 0)
	e.Printf("%s: %d\n", e.ID(), p)
	tr.Prime(e.ID(), p)

	var next kernel.EnvID
	for {
		msg, err := e.Recv(ctx, ulib.NoPage)
		if err != nil {
			return
		}

		i := msg.Value
		if i == Terminator {
			if next != 0 {
				_ = e.Send(ctx, next, Terminator, ulib.NoPage, 0)
			}
			return
		}

		p := sys.LoadWord(StateVA + primeOff)
		if i%p == 0 {
			continue
		}

		if next == 0 {
			next = e.Fork(func(f *ulib.Env) { filter(f, tr) })
		}
		if err := e.Send(ctx, next, i, ulib.NoPage, 0); err != nil {
			return
		}
		sys.StoreWord(StateVA+forwardedOff, sys.LoadWord(StateVA+forwardedOff)+1)
		tr.Forward(e.ID(), next, i)
	}
}

// Recorder is a Tracer that remembers everything it sees.
type Recorder struct {
	mu        sync.Mutex
	primes    []uint32
	owners    map[uint32]kernel.EnvID
	forwarded map[kernel.EnvID][]uint32
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		owners:    make(map[uint32]kernel.EnvID),
		forwarded: make(map[kernel.EnvID][]uint32),
	}
}

func (r *Recorder) Prime(env kernel.EnvID, p uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primes = append(r.primes, p)
	r.owners[p] = env
}

func (r *Recorder) Forward(from, _ kernel.EnvID, v uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwarded[from] = append(r.forwarded[from], v)
}

// Primes returns the primes in the order filters found them.
func (r *Recorder) Primes() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32(nil), r.primes...)
}

// Forwarded returns the values the filter holding prime p passed on.
func (r *Recorder) Forwarded(p uint32) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32(nil), r.forwarded[r.owners[p]]...)
}

// Owner returns the env that holds prime p.
func (r *Recorder) Owner(p uint32) (kernel.EnvID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.owners[p]
	return id, ok
}
