package kernel

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/cowfork/internal/kernel/mem"
)

// Segment is a contiguous, page-aligned region of a program image.
type Segment struct {
	VA   uintptr
	Data []byte
	// MemSize is the size of the region in memory. Bytes past len(Data) are
	// zero. If smaller than len(Data) it is ignored.
	MemSize  uintptr
	Writable bool
}

// Image is a program the loader can place in a fresh address space.
type Image struct {
	Segments []Segment
}

func (seg Segment) size() uintptr {
	return max(seg.MemSize, uintptr(len(seg.Data)))
}

// Spawn creates a root env, loads img into its address space, gives it a one
// page user stack below USTACKTOP and starts it at entry.
func (k *Kernel) Spawn(name string, img Image, entry Entry) (EnvID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.shutdown {
		return 0, ErrShutdown
	}

	e, err := k.allocEnvLocked(0, name)
	if err != nil {
		return 0, err
	}

	if err := k.loadLocked(e, img); err != nil {
		k.destroyLocked(e, ExitFault, err)
		return 0, fmt.Errorf("load %s: %w", name, err)
	}

	e.entry = entry
	k.startLocked(e)
	k.logger.Info("env spawned", envField(e.id), zap.String("name", name))
	return e.id, nil
}

func (k *Kernel) loadLocked(e *Env, img Image) error {
	for _, seg := range img.Segments {
		size := seg.size()
		if !mem.Aligned(seg.VA) || seg.VA+size > mem.USTACKTOP-mem.PGSIZE || seg.VA+size < seg.VA {
			return fmt.Errorf("segment at %08x+%x: %w", seg.VA, size, ErrInval)
		}

		perm := mem.PermUser
		if seg.Writable {
			perm |= mem.PermWrite
		}

		for off := uintptr(0); off < size; off += mem.PGSIZE {
			f, err := k.phys.alloc()
			if err != nil {
				return err
			}
			if off < uintptr(len(seg.Data)) {
				copy(k.phys.bytes(f)[:], seg.Data[off:])
			}
			e.pgdir.insert(k.phys, f, seg.VA+off, perm)
		}
	}

	f, err := k.phys.alloc()
	if err != nil {
		return err
	}
	e.pgdir.insert(k.phys, f, mem.USTACKTOP-mem.PGSIZE, mem.PermUser|mem.PermWrite)

	k.metrics.SetPagesInUse(k.phys.total() - k.phys.available())
	return nil
}
