package ulib

import (
	"context"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/cowfork/internal/kernel"
	"github.com/GriffinCanCode/cowfork/internal/kernel/mem"
)

// mockSys is a testify mock of the syscall surface. Abort panics with an
// aborted value so tests can observe fatal paths.
type mockSys struct {
	mock.Mock
	log *zap.Logger
}

type aborted struct{ err error }

func (m *mockSys) Getenvid() kernel.EnvID {
	return m.Called().Get(0).(kernel.EnvID)
}

func (m *mockSys) EnvInfo(id kernel.EnvID) kernel.EnvInfo {
	return m.Called(id).Get(0).(kernel.EnvInfo)
}

func (m *mockSys) Context() context.Context { return context.Background() }

func (m *mockSys) Logger() *zap.Logger {
	if m.log == nil {
		return zap.NewNop()
	}
	return m.log
}

func (m *mockSys) Cputs(s string) { m.Called(s) }

func (m *mockSys) Exit() { m.Called() }

func (m *mockSys) Abort(err error) { panic(aborted{err: err}) }

func (m *mockSys) Yield(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockSys) Exofork(resume kernel.Entry) (kernel.EnvID, error) {
	args := m.Called(resume)
	return args.Get(0).(kernel.EnvID), args.Error(1)
}

func (m *mockSys) EnvSetStatus(id kernel.EnvID, status kernel.Status) error {
	return m.Called(id, status).Error(0)
}

func (m *mockSys) EnvSetPgfaultUpcall(id kernel.EnvID, upcall kernel.Upcall) error {
	return m.Called(id, upcall).Error(0)
}

func (m *mockSys) EnvDestroy(id kernel.EnvID) error {
	return m.Called(id).Error(0)
}

func (m *mockSys) PageAlloc(id kernel.EnvID, va uintptr, perm mem.Perm) error {
	return m.Called(id, va, perm).Error(0)
}

func (m *mockSys) PageMap(srcid kernel.EnvID, srcva uintptr, dstid kernel.EnvID, dstva uintptr, perm mem.Perm) error {
	return m.Called(srcid, srcva, dstid, dstva, perm).Error(0)
}

func (m *mockSys) PageUnmap(id kernel.EnvID, va uintptr) error {
	return m.Called(id, va).Error(0)
}

func (m *mockSys) IPCTrySend(to kernel.EnvID, value uint32, srcva uintptr, perm mem.Perm) error {
	return m.Called(to, value, srcva, perm).Error(0)
}

func (m *mockSys) IPCRecv(ctx context.Context, dstva uintptr) (kernel.Message, error) {
	args := m.Called(ctx, dstva)
	return args.Get(0).(kernel.Message), args.Error(1)
}

// VPD and VPT accept either a fixed entry or a function of the index as the
// return value.
func (m *mockSys) VPD(pdx int) mem.PTE {
	ret := m.Called(pdx).Get(0)
	if fn, ok := ret.(func(int) mem.PTE); ok {
		return fn(pdx)
	}
	return ret.(mem.PTE)
}

func (m *mockSys) VPT(pn int) mem.PTE {
	ret := m.Called(pn).Get(0)
	if fn, ok := ret.(func(int) mem.PTE); ok {
		return fn(pn)
	}
	return ret.(mem.PTE)
}

func (m *mockSys) Read(va uintptr, p []byte) { m.Called(va, p) }

func (m *mockSys) Write(va uintptr, p []byte) { m.Called(va, p) }

func (m *mockSys) LoadWord(va uintptr) uint32 {
	return m.Called(va).Get(0).(uint32)
}

func (m *mockSys) StoreWord(va uintptr, v uint32) { m.Called(va, v) }

var _ Syscalls = (*mockSys)(nil)

const testEnvID kernel.EnvID = 0x1001

// newMockEnv returns an Env bound to a fresh mock.
func newMockEnv() (*Env, *mockSys) {
	m := &mockSys{}
	m.On("Getenvid").Return(testEnvID).Once()
	m.On("EnvInfo", testEnvID).Return(kernel.EnvInfo{ID: testEnvID, Name: "test", Status: kernel.StatusRunning}).Once()
	return NewEnv(m), m
}

// expectFatal runs fn and returns the FatalError it aborted with, or nil if
// it returned normally.
func expectFatal(fn func()) (ferr *FatalError) {
	defer func() {
		if r := recover(); r != nil {
			a, ok := r.(aborted)
			if !ok {
				panic(r)
			}
			ferr, _ = a.err.(*FatalError)
		}
	}()
	fn()
	return nil
}
