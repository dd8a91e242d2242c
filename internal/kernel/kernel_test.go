package kernel

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GriffinCanCode/cowfork/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/cowfork/internal/kernel/mem"
)

const urw = mem.PermPresent | mem.PermUser | mem.PermWrite

func newTestKernel(t *testing.T, cfg Config) *Kernel {
	t.Helper()
	if cfg.MaxEnvs == 0 {
		cfg.MaxEnvs = 16
	}
	if cfg.PhysPages == 0 {
		cfg.PhysPages = 256
	}
	k, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		k.Shutdown()
		waitIdle(t, k)
	})
	return k
}

func waitIdle(t *testing.T, k *Kernel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, k.Wait(ctx))
}

// testImage has a writable page at UTEXT and a read-only one right after it.
func testImage() Image {
	return Image{Segments: []Segment{
		{VA: mem.UTEXT, Data: []byte("data"), Writable: true},
		{VA: mem.UTEXT + mem.PGSIZE, Data: []byte("text"), MemSize: mem.PGSIZE},
	}}
}

func runEnv(t *testing.T, k *Kernel, entry Entry) EnvID {
	t.Helper()
	id, err := k.Spawn("test", testImage(), entry)
	require.NoError(t, err)
	waitIdle(t, k)
	return id
}

func exitReason(t *testing.T, k *Kernel, id EnvID) ExitRecord {
	t.Helper()
	rec, ok := k.ExitRecord(id)
	require.True(t, ok, "env %s has no exit record", id)
	return rec
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{MaxEnvs: 0, PhysPages: 16}, nil)
	assert.Error(t, err)

	_, err = New(Config{MaxEnvs: NEnv + 1, PhysPages: 16}, nil)
	assert.Error(t, err)

	_, err = New(Config{MaxEnvs: 4, PhysPages: 1}, nil)
	assert.Error(t, err)

	k, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	assert.Contains(t, k.MachineID().String(), "mach_")
	k.Shutdown()
}

func TestEnvIDs(t *testing.T) {
	k := newTestKernel(t, Config{MaxEnvs: 1})

	first := runEnv(t, k, func(s *Sys) {})
	second := runEnv(t, k, func(s *Sys) {})

	assert.NotZero(t, first)
	assert.NotEqual(t, first, second)
	assert.Equal(t, ENVX(first), ENVX(second), "freed slot is reused")
	assert.Equal(t, EnvID(1<<12), second-first, "generation starts at bit 12")
	assert.Equal(t, "00001000", EnvID(0x1000).String())
	assert.Equal(t, 5, ENVX(EnvID(0x3000|5)))
}

func TestSpawnLoadsImage(t *testing.T) {
	k := newTestKernel(t, Config{})

	type view struct {
		id         EnvID
		data, text mem.PTE
		stack      mem.PTE
		pde, empty mem.PTE
		word       uint32
	}
	got := make(chan view, 1)

	id := runEnv(t, k, func(s *Sys) {
		got <- view{
			id:    s.Getenvid(),
			data:  s.VPT(mem.PGNUM(mem.UTEXT)),
			text:  s.VPT(mem.PGNUM(mem.UTEXT + mem.PGSIZE)),
			stack: s.VPT(mem.PGNUM(mem.USTACKTOP - mem.PGSIZE)),
			pde:   s.VPD(mem.PDX(mem.UTEXT)),
			empty: s.VPD(mem.PDX(0x10000000)),
			word:  s.LoadWord(mem.UTEXT),
		}
	})

	v := <-got
	assert.Equal(t, id, v.id)
	assert.True(t, v.data.HasFlags(urw))
	assert.True(t, v.text.HasFlags(mem.PermPresent|mem.PermUser))
	assert.False(t, v.text.HasFlags(mem.PermWrite))
	assert.True(t, v.stack.HasFlags(urw))
	assert.True(t, v.pde.HasFlags(mem.PermPresent))
	assert.Zero(t, v.empty)
	assert.Equal(t, uint32('d')|uint32('a')<<8|uint32('t')<<16|uint32('a')<<24, v.word)

	assert.Equal(t, ExitNormal, exitReason(t, k, id).Reason)
	assert.Equal(t, 0, k.Stats().UsedFrames, "all frames are returned on exit")
}

func TestSpawnRejectsBadImage(t *testing.T) {
	k := newTestKernel(t, Config{})

	_, err := k.Spawn("bad", Image{Segments: []Segment{{VA: mem.UTEXT + 1, Data: []byte{1}}}}, nil)
	assert.ErrorIs(t, err, ErrInval)

	_, err = k.Spawn("bad", Image{Segments: []Segment{{VA: mem.USTACKTOP - mem.PGSIZE, MemSize: mem.PGSIZE}}}, nil)
	assert.ErrorIs(t, err, ErrInval)

	assert.Zero(t, k.Stats().Live)
}

func TestSpawnAfterShutdown(t *testing.T) {
	k := newTestKernel(t, Config{})
	k.Shutdown()

	_, err := k.Spawn("late", testImage(), nil)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestPageSyscallValidation(t *testing.T) {
	k := newTestKernel(t, Config{})

	errs := make(chan []error, 1)
	runEnv(t, k, func(s *Sys) {
		errs <- []error{
			s.PageAlloc(0, mem.UTOP, urw),
			s.PageAlloc(0, mem.UTEMP+1, urw),
			s.PageAlloc(0, mem.UTEMP, mem.PermPresent|mem.PermWrite),
			s.PageAlloc(0, mem.UTEMP, urw|0x100),
			s.PageAlloc(0, mem.UTEMP, urw|mem.PermCOW),
			s.PageMap(0, mem.UTEXT+mem.PGSIZE, 0, mem.UTEMP, urw),
			s.PageMap(0, 0x10000000, 0, mem.UTEMP, mem.PermPresent|mem.PermUser),
			s.PageMap(0, mem.UTEXT, 0, mem.UTOP, mem.PermPresent|mem.PermUser),
			s.PageUnmap(0, 0x10000000),
			s.PageUnmap(0, mem.UTOP),
			s.PageAlloc(0x7fff0000, mem.UTEMP, urw),
		}
	})

	got := <-errs
	assert.ErrorIs(t, got[0], ErrInval, "va at UTOP")
	assert.ErrorIs(t, got[1], ErrInval, "unaligned va")
	assert.ErrorIs(t, got[2], ErrInval, "missing PermUser")
	assert.ErrorIs(t, got[3], ErrInval, "bit outside PermSyscall")
	assert.NoError(t, got[4], "COW is an available bit")
	assert.ErrorIs(t, got[5], ErrInval, "writable map of read-only page")
	assert.ErrorIs(t, got[6], ErrInval, "unmapped source")
	assert.ErrorIs(t, got[7], ErrInval, "destination at UTOP")
	assert.NoError(t, got[8], "unmapping nothing")
	assert.ErrorIs(t, got[9], ErrInval)
	assert.ErrorIs(t, got[10], ErrBadEnv)
}

func TestPageMapSharesFrames(t *testing.T) {
	k := newTestKernel(t, Config{})

	done := make(chan EnvID, 1)
	release := make(chan struct{})
	id, err := k.Spawn("share", testImage(), func(s *Sys) {
		assert.NoError(t, s.PageMap(0, mem.UTEXT, 0, mem.UTEMP, mem.PermPresent|mem.PermUser))
		s.StoreWord(mem.UTEXT, 99)
		done <- s.Getenvid()
		<-release
	})
	require.NoError(t, err)
	<-done

	a, ok := k.Lookup(id, mem.UTEXT)
	require.True(t, ok)
	b, ok := k.Lookup(id, mem.UTEMP)
	require.True(t, ok)
	assert.Equal(t, a.Frame(), b.Frame())
	assert.False(t, b.HasFlags(mem.PermWrite))
	assert.Equal(t, 2, k.FrameRefs(a.Frame()))

	word, err := k.Peek(id, mem.UTEMP, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{99, 0, 0, 0}, word)

	close(release)
	waitIdle(t, k)
}

func TestOutOfMemory(t *testing.T) {
	k := newTestKernel(t, Config{PhysPages: 8})

	result := make(chan error, 1)
	runEnv(t, k, func(s *Sys) {
		for va := mem.UTEMP; ; va += mem.PGSIZE {
			if err := s.PageAlloc(0, va, urw); err != nil {
				result <- err
				return
			}
		}
	})

	assert.ErrorIs(t, <-result, ErrNoMem)
}

func TestExoforkStartsChildOnlyWhenRunnable(t *testing.T) {
	k := newTestKernel(t, Config{})

	started := make(chan EnvID, 1)
	parentDone := make(chan [3]EnvID, 1)
	errs := make(chan []error, 1)

	parent := runEnv(t, k, func(s *Sys) {
		child, err := s.Exofork(func(cs *Sys) {
			started <- cs.Getenvid()
		})
		if !assert.NoError(t, err) {
			return
		}

		info := s.EnvInfo(child)
		select {
		case <-started:
			t.Error("child ran before it was made runnable")
		case <-time.After(20 * time.Millisecond):
		}

		errs <- []error{
			s.EnvSetStatus(child, StatusDying),
			s.PageAlloc(child, mem.UTEMP, urw),
			s.EnvSetStatus(child, StatusRunnable),
		}
		parentDone <- [3]EnvID{child, info.ParentID, s.Getenvid()}
	})

	ids := <-parentDone
	got := <-errs
	assert.ErrorIs(t, got[0], ErrInval)
	assert.NoError(t, got[1])
	assert.NoError(t, got[2])

	assert.Equal(t, ids[0], <-started)
	assert.Equal(t, parent, ids[1])
	assert.Equal(t, parent, ids[2])
	assert.Equal(t, uint64(1), k.Stats().Forks)
	assert.Equal(t, 2, k.Stats().MaxLive)
}

func TestOutOfEnvs(t *testing.T) {
	k := newTestKernel(t, Config{MaxEnvs: 2})

	result := make(chan error, 1)
	runEnv(t, k, func(s *Sys) {
		child, err := s.Exofork(nil)
		if !assert.NoError(t, err) {
			return
		}
		_, err = s.Exofork(nil)
		result <- err
		assert.NoError(t, s.EnvDestroy(child))
	})

	assert.ErrorIs(t, <-result, ErrNoFreeEnv)
}

func TestUnstartedChildDiesWithParent(t *testing.T) {
	k := newTestKernel(t, Config{})

	children := make(chan EnvID, 1)
	runEnv(t, k, func(s *Sys) {
		child, err := s.Exofork(func(cs *Sys) {
			t.Error("orphaned child ran")
		})
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, s.PageAlloc(child, mem.UTEMP, urw))
		children <- child
	})

	child := <-children
	rec := exitReason(t, k, child)
	assert.Equal(t, ExitKilled, rec.Reason)
	assert.NoError(t, rec.Err)
	assert.Zero(t, k.Stats().Live)
	assert.Zero(t, k.Stats().UsedFrames)
}

func TestStartedChildOutlivesParent(t *testing.T) {
	k := newTestKernel(t, Config{})

	release := make(chan struct{})
	children := make(chan EnvID, 1)
	parent, err := k.Spawn("parent", testImage(), func(s *Sys) {
		child, err := s.Exofork(func(cs *Sys) {
			<-release
		})
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, s.EnvSetStatus(child, StatusRunnable))
		children <- child
	})
	require.NoError(t, err)

	child := <-children
	require.Eventually(t, func() bool {
		_, ok := k.ExitRecord(parent)
		return ok
	}, time.Second, 5*time.Millisecond)
	_, dead := k.ExitRecord(child)
	assert.False(t, dead)

	close(release)
	waitIdle(t, k)
	assert.Equal(t, ExitNormal, exitReason(t, k, child).Reason)
}

func TestEnvDestroyPermissions(t *testing.T) {
	k := newTestKernel(t, Config{})

	block := make(chan struct{})
	victim, err := k.Spawn("victim", testImage(), func(s *Sys) { <-block })
	require.NoError(t, err)

	result := make(chan []error, 1)
	runEnv(t, k, func(s *Sys) {
		child, err := s.Exofork(func(*Sys) { select {} })
		if !assert.NoError(t, err) {
			return
		}
		result <- []error{
			s.EnvDestroy(victim),
			s.EnvSetStatus(victim, StatusNotRunnable),
			s.EnvDestroy(child),
			s.EnvDestroy(child),
		}
		close(block)
	})

	got := <-result
	assert.ErrorIs(t, got[0], ErrBadEnv, "not a child")
	assert.ErrorIs(t, got[1], ErrBadEnv, "not a child")
	assert.NoError(t, got[2])
	assert.ErrorIs(t, got[3], ErrBadEnv, "already gone")
	assert.Equal(t, ExitNormal, exitReason(t, k, victim).Reason)
}

func TestEnvDestroySelfDoesNotReturn(t *testing.T) {
	k := newTestKernel(t, Config{})

	reached := make(chan struct{}, 1)
	id := runEnv(t, k, func(s *Sys) {
		_ = s.EnvDestroy(0)
		reached <- struct{}{}
	})

	assert.Empty(t, reached)
	assert.Equal(t, ExitNormal, exitReason(t, k, id).Reason)
}

func TestAbortAndPanicRecordReason(t *testing.T) {
	k := newTestKernel(t, Config{})
	boom := errors.New("boom")

	aborted := runEnv(t, k, func(s *Sys) { s.Abort(boom) })
	panicked := runEnv(t, k, func(s *Sys) { panic("oops") })

	rec := exitReason(t, k, aborted)
	assert.Equal(t, ExitPanic, rec.Reason)
	assert.ErrorIs(t, rec.Err, boom)

	rec = exitReason(t, k, panicked)
	assert.Equal(t, ExitPanic, rec.Reason)
	assert.ErrorContains(t, rec.Err, "oops")
}

func TestCputsWritesConsole(t *testing.T) {
	var console bytes.Buffer
	k := newTestKernel(t, Config{Console: &console})

	runEnv(t, k, func(s *Sys) { s.Cputs("hello\n") })

	assert.Equal(t, "hello\n", console.String())
}

func TestNotRunnableEnvParks(t *testing.T) {
	k := newTestKernel(t, Config{})

	progress := make(chan int, 16)
	drain := func() {
		for len(progress) > 0 {
			<-progress
		}
	}

	runEnv(t, k, func(s *Sys) {
		child, err := s.Exofork(func(cs *Sys) {
			for i := 0; ; i++ {
				cs.Getenvid()
				progress <- i
				time.Sleep(time.Millisecond)
			}
		})
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, s.EnvSetStatus(child, StatusRunnable))
		<-progress

		// The child may finish one iteration before it next enters the
		// kernel and parks.
		assert.NoError(t, s.EnvSetStatus(child, StatusNotRunnable))
		time.Sleep(20 * time.Millisecond)
		drain()
		time.Sleep(20 * time.Millisecond)
		assert.Empty(t, progress, "parked env kept running")

		assert.NoError(t, s.EnvSetStatus(child, StatusRunnable))
		<-progress
		assert.NoError(t, s.EnvDestroy(child))
	})
}

func TestOperatorDestroyAndSnapshot(t *testing.T) {
	k := newTestKernel(t, Config{})
	metrics := monitoring.NewMetrics()
	k.WithMetrics(metrics)

	ready := make(chan struct{})
	id, err := k.Spawn("looper", testImage(), func(s *Sys) {
		close(ready)
		for {
			_ = s.Yield(context.Background())
		}
	})
	require.NoError(t, err)
	<-ready

	snap := k.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, id, snap[0].ID)
	assert.Equal(t, "looper", snap[0].Name)
	assert.Equal(t, "running", snap[0].Status)
	assert.Equal(t, 3, snap[0].Pages)

	require.NoError(t, k.Destroy(id))
	waitIdle(t, k)
	assert.ErrorIs(t, k.Destroy(id), ErrBadEnv)
	assert.Equal(t, ExitKilled, exitReason(t, k, id).Reason)
	assert.Empty(t, k.Snapshot())
	assert.Equal(t, int64(0), metrics.Snapshot().EnvsLive)
	assert.Len(t, k.Exits(), 1)
}

func TestExitRecordsAreCapped(t *testing.T) {
	k := newTestKernel(t, Config{MaxExitRecords: 2})

	first := runEnv(t, k, func(s *Sys) {})
	second := runEnv(t, k, func(s *Sys) {})
	third := runEnv(t, k, func(s *Sys) {})

	_, ok := k.ExitRecord(first)
	assert.False(t, ok, "oldest record is evicted")
	exitReason(t, k, second)
	exitReason(t, k, third)
	assert.Len(t, k.Exits(), 2)
	assert.Equal(t, uint64(3), k.Stats().Exits)

	_, err := New(Config{MaxEnvs: 1, PhysPages: 16, MaxExitRecords: -1}, nil)
	assert.Error(t, err)
}

func TestWaitHonoursContext(t *testing.T) {
	k := newTestKernel(t, Config{})

	_, err := k.Spawn("sleeper", testImage(), func(s *Sys) {
		<-s.Context().Done()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, k.Wait(ctx), context.DeadlineExceeded)
	assert.Greater(t, k.Uptime(), time.Duration(0))
}
