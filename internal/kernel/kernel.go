package kernel

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/cowfork/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/cowfork/internal/shared/id"
)

// Config sizes the machine.
type Config struct {
	// MaxEnvs is the number of env table slots (at most NEnv).
	MaxEnvs int
	// PhysPages is the number of physical frames, frame 0 included.
	PhysPages int
	// Console receives everything envs print with Cputs.
	Console io.Writer
	// MaxExitRecords caps how many exit records are kept. The oldest go
	// first. Zero means DefaultMaxExitRecords.
	MaxExitRecords int
}

// DefaultMaxExitRecords is the exit record cap used when none is configured.
const DefaultMaxExitRecords = 4096

// DefaultConfig returns the configuration of the reference machine.
func DefaultConfig() Config {
	return Config{
		MaxEnvs:   NEnv,
		PhysPages:      8192,
		Console:        io.Discard,
		MaxExitRecords: DefaultMaxExitRecords,
	}
}

// Kernel is a simulated exokernel: an env table, a physical page pool, per-env
// page tables and the syscall surface user-level libraries are built on.
//
// Every env runs on its own goroutine. A single lock serialises all kernel
// state, so each syscall and each user memory access is atomic with respect
// to every other env.
type Kernel struct {
	mu sync.Mutex

	machineID id.MachineID
	logger    *zap.Logger
	metrics   *monitoring.Metrics
	console   io.Writer
	booted    time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	phys     *physmem
	envs     []*Env
	freeEnvs []int
	live     int
	maxLive  int
	forks    uint64
	faults   uint64
	shutdown bool

	exits     map[EnvID]ExitRecord
	exitOrder []EnvID
	exitCount uint64
	maxExits  int

	// changed is closed and replaced every time something an env may be
	// waiting for happens (a receiver appears, a message lands, an env
	// dies, a status changes).
	changed chan struct{}
}

// New boots a machine. The logger may be nil.
func New(cfg Config, logger *zap.Logger) (*Kernel, error) {
	if cfg.MaxEnvs <= 0 || cfg.MaxEnvs > NEnv {
		return nil, fmt.Errorf("max envs must be in [1, %d], got %d", NEnv, cfg.MaxEnvs)
	}
	if cfg.PhysPages < 2 {
		return nil, fmt.Errorf("need at least 2 physical pages, got %d", cfg.PhysPages)
	}
	if cfg.MaxExitRecords < 0 {
		return nil, fmt.Errorf("max exit records must not be negative, got %d", cfg.MaxExitRecords)
	}
	if cfg.MaxExitRecords == 0 {
		cfg.MaxExitRecords = DefaultMaxExitRecords
	}
	if cfg.Console == nil {
		cfg.Console = io.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	machineID := id.NewMachineID()
	ctx, cancel := context.WithCancel(context.Background())

	k := &Kernel{
		machineID: machineID,
		logger:    logger.Named("kernel").With(zap.String("machine", string(machineID))),
		console:   cfg.Console,
		booted:    time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		phys:      newPhysmem(cfg.PhysPages),
		envs:      make([]*Env, cfg.MaxEnvs),
		freeEnvs:  make([]int, 0, cfg.MaxEnvs),
		exits:     make(map[EnvID]ExitRecord),
		maxExits:  cfg.MaxExitRecords,
		changed:   make(chan struct{}),
	}
	for i := range k.envs {
		k.envs[i] = &Env{}
		k.freeEnvs = append(k.freeEnvs, i)
	}

	k.logger.Info("machine booted",
		zap.Int("max_envs", cfg.MaxEnvs),
		zap.Int("phys_pages", cfg.PhysPages),
	)
	return k, nil
}

// WithMetrics attaches a metrics collector.
func (k *Kernel) WithMetrics(m *monitoring.Metrics) *Kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.metrics = m
	k.metrics.SetPagesInUse(k.phys.total() - k.phys.available())
	return k
}

// MachineID returns the ID assigned to this machine at boot.
func (k *Kernel) MachineID() id.MachineID { return k.machineID }

// Uptime returns the time since boot.
func (k *Kernel) Uptime() time.Duration { return time.Since(k.booted) }

// notifyLocked wakes every env blocked in Yield, IPCRecv or a parked state.
func (k *Kernel) notifyLocked() {
	close(k.changed)
	k.changed = make(chan struct{})
}

// startLocked launches the goroutine of an env that just became runnable.
func (k *Kernel) startLocked(e *Env) {
	e.status = StatusRunning
	if e.started {
		k.notifyLocked()
		return
	}

	e.started = true
	e.stats.Runs++
	s := &Sys{k: k, env: e, id: e.id, seen: k.changed}
	entry := e.entry

	k.wg.Add(1)
	go k.run(s, entry)
}

// run is the body of every env goroutine. An env whose entry returns exits
// normally, as if it had called Exit; one that panics is destroyed.
func (k *Kernel) run(s *Sys, entry Entry) {
	defer k.wg.Done()
	defer func() {
		reason, err := ExitNormal, error(nil)
		if r := recover(); r != nil {
			reason, err = ExitPanic, fmt.Errorf("env panicked: %v", r)
		}

		k.mu.Lock()
		defer k.mu.Unlock()
		if s.env.alive(s.id) {
			k.destroyLocked(s.env, reason, err)
		}
	}()

	if entry != nil {
		entry(s)
	}
}

// Wait blocks until no env is alive and every env goroutine has returned, or
// until ctx is done.
func (k *Kernel) Wait(ctx context.Context) error {
	for {
		k.mu.Lock()
		live, ch := k.live, k.changed
		k.mu.Unlock()

		if live == 0 {
			break
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown destroys every env. Env goroutines blocked in the kernel return
// immediately; the rest exit at their next kernel entry.
func (k *Kernel) Shutdown() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.shutdown {
		return
	}
	k.shutdown = true
	k.cancel()

	for _, e := range k.envs {
		if e.status != StatusFree {
			k.destroyLocked(e, ExitShutdown, ErrShutdown)
		}
	}
	k.logger.Info("machine shut down", zap.Int("max_live", k.maxLive))
}

// Destroy kills env id from outside the machine, as an operator would.
func (k *Kernel) Destroy(id EnvID) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.lookupLocked(id)
	if err != nil {
		return err
	}
	k.destroyLocked(e, ExitKilled, nil)
	return nil
}

func (k *Kernel) lookupLocked(id EnvID) (*Env, error) {
	if id == 0 || ENVX(id) >= len(k.envs) || !k.envs[ENVX(id)].alive(id) {
		return nil, ErrBadEnv
	}
	return k.envs[ENVX(id)], nil
}
