// Package mempool maps caller memory descriptors into byte slices.
//
// Two kinds are understood. "ashmem" carries a single shared-memory fd that
// is mapped read/write; "mmap_fd" carries {fd, prot, offset_low,
// offset_high} and is mapped with the given protection at the combined
// 64-bit offset. The caller keeps ownership of the fds; a Pool only owns its
// mapping.
package mempool

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

var (
	ErrUnsupportedMemory = errors.New("unsupported memory")
	ErrMapFailed         = errors.New("memory mapping failed")
)

// Pool is one mapped memory region.
type Pool struct {
	name     string
	mapping  []byte
	data     []byte
	writable bool
}

// Map maps m into the process. The returned Pool must be closed.
func Map(m nnapi.Memory) (*Pool, error) {
	if m.Size == 0 {
		return nil, fmt.Errorf("%w: %s pool has zero size", ErrUnsupportedMemory, m.Name)
	}
	if m.Size > uint64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: %s pool size %d", ErrUnsupportedMemory, m.Name, m.Size)
	}
	size := int(m.Size)

	switch m.Name {
	case nnapi.MemoryAshmem:
		if len(m.Handle) < 1 {
			return nil, fmt.Errorf("%w: ashmem handle needs an fd", ErrUnsupportedMemory)
		}
		mapping, err := unix.Mmap(int(m.Handle[0]), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("%w: ashmem fd %d: %w", ErrMapFailed, m.Handle[0], err)
		}
		return &Pool{name: m.Name, mapping: mapping, data: mapping, writable: true}, nil

	case nnapi.MemoryMmapFD:
		if len(m.Handle) < 4 {
			return nil, fmt.Errorf("%w: mmap_fd handle needs 4 words, have %d", ErrUnsupportedMemory, len(m.Handle))
		}
		fd, prot := int(m.Handle[0]), int(m.Handle[1])
		offset := SizeFromInts(m.Handle[2], m.Handle[3])
		page := uint64(os.Getpagesize())
		aligned := offset &^ (page - 1)
		delta := int(offset - aligned)
		mapping, err := unix.Mmap(fd, int64(aligned), size+delta, prot, unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("%w: mmap_fd fd %d offset %d: %w", ErrMapFailed, fd, offset, err)
		}
		return &Pool{
			name:     m.Name,
			mapping:  mapping,
			data:     mapping[delta : delta+size],
			writable: prot&unix.PROT_WRITE != 0,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMemory, m.Name)
	}
}

// SizeFromInts joins two 32-bit halves into a 64-bit value.
func SizeFromInts(lo, hi int32) uint64 {
	return uint64(uint32(lo)) | uint64(uint32(hi))<<32
}

// SplitSize is the inverse of SizeFromInts.
func SplitSize(v uint64) (lo, hi int32) {
	return int32(uint32(v)), int32(uint32(v >> 32))
}

func (p *Pool) Name() string   { return p.name }
func (p *Pool) Bytes() []byte  { return p.data }
func (p *Pool) Writable() bool { return p.writable }

// Sync makes writes visible to other holders of the memory. Shared memory
// is always committed; file mappings are flushed only when writable.
func (p *Pool) Sync() error {
	if p.mapping == nil || !p.writable {
		return nil
	}
	if err := unix.Msync(p.mapping, unix.MS_SYNC); err != nil {
		return fmt.Errorf("sync %s pool: %w", p.name, err)
	}
	return nil
}

func (p *Pool) Close() error {
	if p == nil || p.mapping == nil {
		return nil
	}
	err := unix.Munmap(p.mapping)
	p.mapping = nil
	p.data = nil
	return err
}

// Pools is the set of pools mapped for one model or request, indexed like
// the descriptor list.
type Pools []*Pool

// MapAll maps every descriptor, unmapping what was mapped on failure.
func MapAll(mems []nnapi.Memory) (Pools, error) {
	pools := make(Pools, 0, len(mems))
	for i, m := range mems {
		p, err := Map(m)
		if err != nil {
			_ = pools.Close()
			return nil, fmt.Errorf("pool %d: %w", i, err)
		}
		pools = append(pools, p)
	}
	return pools, nil
}

// Region returns pool[idx][offset:offset+length].
func (ps Pools) Region(idx, offset, length uint32) ([]byte, error) {
	if int(idx) >= len(ps) {
		return nil, fmt.Errorf("%w: pool index %d of %d", ErrUnsupportedMemory, idx, len(ps))
	}
	data := ps[idx].Bytes()
	end := uint64(offset) + uint64(length)
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("%w: range [%d,%d) outside pool %d of %d bytes", ErrUnsupportedMemory, offset, end, idx, len(data))
	}
	return data[offset:end], nil
}

// Sync commits every pool and returns the first error.
func (ps Pools) Sync() error {
	var first error
	for _, p := range ps {
		if err := p.Sync(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (ps Pools) Close() error {
	var errs []error
	for _, p := range ps {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
