package dnn

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"unsafe"
)

// Memory binds a Desc to a byte buffer.
type Memory struct {
	desc  Desc
	buf   []byte
	owned bool
}

// NewMemory allocates a zeroed buffer for d.
func NewMemory(d Desc) (*Memory, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if !d.Concrete() {
		return nil, fmt.Errorf("%w: cannot allocate %s", ErrInvalidDesc, d)
	}
	// allocate as []float32-sized words so 4-byte loads stay aligned
	words := make([]uint32, (d.Size()+3)/4)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), len(words)*4)[:d.Size()]
	return &Memory{desc: d, buf: buf, owned: true}, nil
}

// NewMemoryView wraps buf without copying. buf must hold at least d.Size()
// bytes. A misaligned buffer for a 4-byte type is copied once, which only
// happens for constants placed at odd offsets.
func NewMemoryView(d Desc, buf []byte) (*Memory, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if !d.Concrete() {
		return nil, fmt.Errorf("%w: cannot view %s", ErrInvalidDesc, d)
	}
	if len(buf) < d.Size() {
		return nil, fmt.Errorf("%w: %s needs %d bytes, have %d", ErrMemoryMismatch, d, d.Size(), len(buf))
	}
	buf = buf[:d.Size()]
	if d.Type.Size() == 4 && len(buf) > 0 && uintptr(unsafe.Pointer(unsafe.SliceData(buf)))%4 != 0 {
		m, err := NewMemory(d)
		if err != nil {
			return nil, err
		}
		copy(m.buf, buf)
		return m, nil
	}
	return &Memory{desc: d, buf: buf}, nil
}

func (m *Memory) Desc() Desc    { return m.desc }
func (m *Memory) Bytes() []byte { return m.buf }

// Owned reports whether the buffer was allocated by NewMemory.
func (m *Memory) Owned() bool { return m.owned }

// Float32s reinterprets the buffer as float32 values.
func (m *Memory) Float32s() []float32 {
	if m.desc.Type != F32 {
		invariant("Float32s on %s", m.desc)
	}
	if len(m.buf) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(m.buf))), len(m.buf)/4)
}

// load reads element i (a physical element offset) as float32.
func (m *Memory) load(i int) float32 {
	switch m.desc.Type {
	case F32:
		return math.Float32frombits(binary.LittleEndian.Uint32(m.buf[i*4:]))
	case S32:
		return float32(int32(binary.LittleEndian.Uint32(m.buf[i*4:])))
	case S16:
		return float32(int16(binary.LittleEndian.Uint16(m.buf[i*2:])))
	case S8:
		return float32(int8(m.buf[i]))
	case U8:
		return float32(m.buf[i])
	}
	invariant("load from %s", m.desc)
	return 0
}

// store writes v to element i, rounding to nearest even and saturating for
// integer types.
func (m *Memory) store(i int, v float32) {
	t := m.desc.Type
	if t == F32 {
		binary.LittleEndian.PutUint32(m.buf[i*4:], math.Float32bits(v))
		return
	}
	lo, hi := t.bounds()
	r := math.RoundToEven(float64(v))
	if math.IsNaN(r) {
		r = 0
	}
	r = math.Max(lo, math.Min(hi, r))
	switch t {
	case S32:
		binary.LittleEndian.PutUint32(m.buf[i*4:], uint32(int32(r)))
	case S16:
		binary.LittleEndian.PutUint16(m.buf[i*2:], uint16(int16(r)))
	case S8:
		m.buf[i] = byte(int8(r))
	case U8:
		m.buf[i] = byte(r)
	default:
		invariant("store to %s", m.desc)
	}
}

func (m *Memory) release() {
	m.buf = nil
}

// Arena owns every Memory and Primitive created for one compiled graph.
// Release drops all of them at once.
type Arena struct {
	mu       sync.Mutex
	mems     []*Memory
	prims    []Primitive
	bytes    int
	released bool
}

func NewArena() *Arena {
	return &Arena{}
}

// NewMemory allocates a driver-owned buffer tracked by the arena.
func (a *Arena) NewMemory(d Desc) (*Memory, error) {
	m, err := NewMemory(d)
	if err != nil {
		return nil, err
	}
	return m, a.track(m)
}

// View wraps an external buffer and tracks the view.
func (a *Arena) View(d Desc, buf []byte) (*Memory, error) {
	m, err := NewMemoryView(d, buf)
	if err != nil {
		return nil, err
	}
	return m, a.track(m)
}

func (a *Arena) track(m *Memory) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return ErrArenaReleased
	}
	a.mems = append(a.mems, m)
	if m.owned {
		a.bytes += len(m.buf)
	}
	return nil
}

// Keep records a primitive so its lifetime follows the arena.
func (a *Arena) Keep(p Primitive) Primitive {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		invariant("primitive %s created after arena release", p.Kind())
	}
	a.prims = append(a.prims, p)
	return p
}

// ArenaStats summarizes arena contents.
type ArenaStats struct {
	Memories   int
	Primitives int
	OwnedBytes int
}

func (a *Arena) Stats() ArenaStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ArenaStats{Memories: len(a.mems), Primitives: len(a.prims), OwnedBytes: a.bytes}
}

// Release drops every buffer and primitive. It is safe to call twice.
func (a *Arena) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return
	}
	for _, m := range a.mems {
		m.release()
	}
	a.mems = nil
	a.prims = nil
	a.bytes = 0
	a.released = true
}

func (a *Arena) Released() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}
