package wasmjni

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/partite-ai/jinterop/jni"
)

const minChunkSize = 4096

type chunk struct {
	ptr  uint32
	size uint32
}

// arena is per-env scratch space in guest memory. Chunks are obtained from
// the guest allocator once and reused; nested calls allocate past the mark
// of the call they interrupt.
type arena struct {
	realloc func(originalPtr, originalSize, alignment, newSize uint32) (uint32, error)
	chunks  []chunk
	cur     int
	off     uint32
}

type mark struct {
	cur int
	off uint32
}

func (a *arena) mark() mark {
	return mark{cur: a.cur, off: a.off}
}

func (a *arena) reset(m mark) {
	a.cur = m.cur
	a.off = m.off
}

func alignUp(v, alignment uint32) uint32 {
	return (v + alignment - 1) &^ (alignment - 1)
}

func (a *arena) alloc(size, alignment uint32) (uint32, error) {
	if size == 0 {
		return 0, nil
	}
	for a.cur < len(a.chunks) {
		c := a.chunks[a.cur]
		off := alignUp(a.off, alignment)
		if off+size <= c.size {
			a.off = off + size
			return c.ptr + off, nil
		}
		if a.cur == len(a.chunks)-1 {
			break
		}
		a.cur++
		a.off = 0
	}

	n := max(size, minChunkSize)
	ptr, err := a.realloc(0, 0, max(alignment, 8), n)
	if err != nil {
		return 0, err
	}
	if ptr == 0 {
		return 0, fmt.Errorf("guest allocator failed to provide %d bytes", n)
	}
	a.chunks = append(a.chunks, chunk{ptr: ptr, size: n})
	a.cur = len(a.chunks) - 1
	a.off = size
	return ptr, nil
}

var errOutOfRange = errors.New("guest memory access out of range")

type memoryContext struct {
	memory api.Memory
	arena  *arena
}

func (mc *memoryContext) writeBytes(b []byte, alignment uint32) (uint32, error) {
	ptr, err := mc.arena.alloc(uint32(len(b)), alignment)
	if err != nil || len(b) == 0 {
		return ptr, err
	}
	if !mc.memory.Write(ptr, b) {
		return 0, fmt.Errorf("failed to write %d bytes at ptr %d: %w", len(b), ptr, errOutOfRange)
	}
	return ptr, nil
}

func (mc *memoryContext) writeString(s string) (uint32, uint32, error) {
	ptr, err := mc.writeBytes([]byte(s), 1)
	return ptr, uint32(len(s)), err
}

func (mc *memoryContext) writeValues(vals []jni.Value) (uint32, uint32, error) {
	ptr, err := mc.arena.alloc(uint32(len(vals))*8, 8)
	if err != nil {
		return 0, 0, err
	}
	for i, v := range vals {
		offset := ptr + uint32(i)*8
		if !mc.memory.WriteUint64Le(offset, uint64(v)) {
			return 0, 0, fmt.Errorf("failed to write value slot at offset %d: %w", offset, errOutOfRange)
		}
	}
	return ptr, uint32(len(vals)), nil
}

func readValues(memory api.Memory, ptr, n uint32, into []jni.Value) error {
	for i := range n {
		offset := ptr + i*8
		v, ok := memory.ReadUint64Le(offset)
		if !ok {
			return fmt.Errorf("failed to read value slot at offset %d: %w", offset, errOutOfRange)
		}
		into[i] = jni.Value(v)
	}
	return nil
}

// guestLock serializes calls into a guest. The owner may re-enter, which
// happens when a native callback calls back into the guest on the same env.
type guestLock struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner uint64
	depth int
}

func newGuestLock() *guestLock {
	l := &guestLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *guestLock) acquire(owner uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.depth > 0 && l.owner != owner {
		l.cond.Wait()
	}
	l.owner = owner
	l.depth++
}

func (l *guestLock) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.depth--
	if l.depth == 0 {
		l.owner = 0
		l.cond.Broadcast()
	}
}
