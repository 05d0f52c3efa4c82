package mempool

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

// Anonymous is a memfd-backed shared memory region. It hands out an ashmem
// descriptor for the driver and keeps its own mapping so the creator can
// fill inputs and read outputs.
type Anonymous struct {
	fd   int
	data []byte
}

// NewAnonymous creates a shared memory region of size bytes.
func NewAnonymous(name string, size int) (*Anonymous, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: anonymous pool size %d", ErrUnsupportedMemory, size)
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: memfd_create: %w", ErrMapFailed, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: ftruncate: %w", ErrMapFailed, err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: %w", ErrMapFailed, err)
	}
	return &Anonymous{fd: fd, data: data}, nil
}

// Memory returns the ashmem descriptor for this region.
func (a *Anonymous) Memory() nnapi.Memory {
	return nnapi.Memory{Name: nnapi.MemoryAshmem, Size: uint64(len(a.data)), Handle: []int32{int32(a.fd)}}
}

func (a *Anonymous) Bytes() []byte { return a.data }

func (a *Anonymous) Close() error {
	if a.data == nil {
		return nil
	}
	err := unix.Munmap(a.data)
	a.data = nil
	return errors.Join(err, unix.Close(a.fd))
}

type closers []io.Closer

func (cs closers) Close() error {
	var errs []error
	for _, c := range cs {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Materialize turns serialized pool descriptors (inline Data or a file
// Path) into descriptors with native handles. Descriptors that already
// carry a handle pass through. The returned closer releases everything
// that was opened.
func Materialize(mems []nnapi.Memory) ([]nnapi.Memory, io.Closer, error) {
	out := make([]nnapi.Memory, len(mems))
	var opened closers
	for i, m := range mems {
		switch {
		case len(m.Handle) > 0:
			out[i] = m

		case m.Path != "":
			mem, f, err := openFile(m)
			if err != nil {
				_ = opened.Close()
				return nil, nil, fmt.Errorf("pool %d: %w", i, err)
			}
			opened = append(opened, f)
			out[i] = mem

		default:
			size := max(int(m.Size), len(m.Data))
			anon, err := NewAnonymous(fmt.Sprintf("dnnhal-pool-%d", i), size)
			if err != nil {
				_ = opened.Close()
				return nil, nil, fmt.Errorf("pool %d: %w", i, err)
			}
			copy(anon.Bytes(), m.Data)
			opened = append(opened, anon)
			out[i] = anon.Memory()
		}
	}
	return out, opened, nil
}

func openFile(m nnapi.Memory) (nnapi.Memory, *os.File, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	f, err := os.OpenFile(m.Path, os.O_RDWR, 0)
	if err != nil {
		prot = unix.PROT_READ
		if f, err = os.Open(m.Path); err != nil {
			return nnapi.Memory{}, nil, err
		}
	}
	size := m.Size
	if size == 0 {
		st, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nnapi.Memory{}, nil, err
		}
		size = uint64(st.Size())
	}
	return nnapi.Memory{
		Name:   nnapi.MemoryMmapFD,
		Size:   size,
		Handle: []int32{int32(f.Fd()), int32(prot), 0, 0},
	}, f, nil
}
