package wasmjni

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeAllocator struct {
	next  uint32
	calls int
}

func (f *fakeAllocator) realloc(_, _, alignment, newSize uint32) (uint32, error) {
	f.calls++
	ptr := alignUp(f.next, alignment)
	f.next = ptr + newSize
	return ptr, nil
}

func TestArena(t *testing.T) {
	fa := &fakeAllocator{next: 8}
	a := &arena{realloc: fa.realloc}

	p1, err := a.alloc(10, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p2, err := a.alloc(8, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p2 != p1+16 {
		t.Errorf("expected the second allocation aligned after the first, got %d and %d", p1, p2)
	}
	if fa.calls != 1 {
		t.Errorf("expected one guest allocation, got %d", fa.calls)
	}

	m := a.mark()
	big, err := a.alloc(minChunkSize*2, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fa.calls != 2 {
		t.Errorf("expected an oversized request to add a chunk, got %d calls", fa.calls)
	}
	a.reset(m)

	p3, err := a.alloc(8, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p3 != p2+8 {
		t.Errorf("expected reset to rewind to the mark, got %d want %d", p3, p2+8)
	}
	again, err := a.alloc(minChunkSize*2, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again != big || fa.calls != 2 {
		t.Errorf("expected the second chunk to be reused, got ptr %d (want %d) after %d calls", again, big, fa.calls)
	}

	if p, err := a.alloc(0, 8); err != nil || p != 0 {
		t.Errorf("alloc(0) = %d, %v, want 0, nil", p, err)
	}
}

func TestArena_AllocatorFailure(t *testing.T) {
	a := &arena{realloc: func(_, _, _, _ uint32) (uint32, error) { return 0, nil }}
	if _, err := a.alloc(4, 4); err == nil {
		t.Errorf("expected a null allocation to fail")
	}
	boom := errors.New("boom")
	a = &arena{realloc: func(_, _, _, _ uint32) (uint32, error) { return 0, boom }}
	if _, err := a.alloc(4, 4); !errors.Is(err, boom) {
		t.Errorf("expected the allocator error, got %v", err)
	}
}

func TestGuestLock(t *testing.T) {
	l := newGuestLock()
	l.acquire(1)
	l.acquire(1)

	acquired := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.acquire(2)
		close(acquired)
		l.release()
	}()

	l.release()
	select {
	case <-acquired:
		t.Fatalf("another owner acquired the lock while it was still held")
	case <-time.After(20 * time.Millisecond):
	}
	l.release()
	wg.Wait()
	select {
	case <-acquired:
	default:
		t.Errorf("expected the waiting owner to acquire the lock")
	}
}
