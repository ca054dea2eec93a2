package jni

import (
	"fmt"
	"sync/atomic"
)

// RefKind is the strength of a foreign reference.
type RefKind int

const (
	RefInvalid RefKind = iota
	RefLocal
	RefGlobal
	RefWeakGlobal
)

func (k RefKind) String() string {
	switch k {
	case RefLocal:
		return "local"
	case RefGlobal:
		return "global"
	case RefWeakGlobal:
		return "weak-global"
	}
	return "invalid"
}

// Handle owns one foreign reference. A Handle is released exactly once;
// promotion and demotion transfer ownership to a new Handle and invalidate
// the source. Handles are not safe for concurrent mutation.
type Handle struct {
	ref      ObjectRef
	kind     RefKind
	owner    *Env
	borrowed bool
	released atomic.Bool
}

func newHandle(env *Env, ref ObjectRef, kind RefKind) *Handle {
	h := &Handle{
		ref:  ref,
		kind: kind,
	}
	if kind == RefLocal {
		h.owner = env
		env.liveLocals.Add(1)
	}
	return h
}

// borrowedHandle wraps a reference owned by a foreign call frame.
func borrowedHandle(env *Env, ref ObjectRef) *Handle {
	if ref == 0 {
		return nil
	}
	return &Handle{
		ref:      ref,
		kind:     RefLocal,
		owner:    env,
		borrowed: true,
	}
}

// Valid reports whether the handle may be passed to the foreign runtime.
func (h *Handle) Valid() bool {
	return h != nil && h.ref != 0 && h.kind != RefInvalid && !h.released.Load()
}

func (h *Handle) Kind() RefKind {
	if !h.Valid() {
		return RefInvalid
	}
	return h.kind
}

// Borrowed reports whether the reference belongs to a foreign call frame.
func (h *Handle) Borrowed() bool {
	return h != nil && h.borrowed
}

// Ref returns the native reference. Dereferencing an invalid handle is a
// programming error and panics.
func (h *Handle) Ref() ObjectRef {
	if !h.Valid() {
		if h != nil && h.released.Load() {
			panic(usageError("Handle.Ref", ErrAlreadyReleased))
		}
		panic(usageError("Handle.Ref", ErrInvalidHandle))
	}
	return h.ref
}

// Check returns a *UsageError when h may not be passed to the foreign
// runtime. A nil handle fails too; callers that accept null test for it
// first.
func (h *Handle) Check(op string) error {
	switch {
	case h == nil:
		return usageError(op, ErrInvalidHandle)
	case h.released.Load():
		return usageError(op, ErrAlreadyReleased)
	case h.ref == 0 || h.kind == RefInvalid:
		return usageError(op, ErrInvalidHandle)
	}
	return nil
}

// Reference makes *Handle usable wherever a Referent is accepted.
func (h *Handle) Reference() *Handle {
	return h
}

func (h *Handle) String() string {
	if h == nil {
		return "null"
	}
	if h.released.Load() {
		return fmt.Sprintf("%s:0x%x(released)", h.kind, uint64(h.ref))
	}
	return fmt.Sprintf("%s:0x%x", h.kind, uint64(h.ref))
}

func (h *Handle) checkReleasable(op string, env *Env) {
	if h == nil {
		panic(usageError(op, ErrInvalidHandle))
	}
	if h.released.Load() {
		panic(usageError(op, ErrAlreadyReleased))
	}
	if h.ref == 0 || h.kind == RefInvalid {
		panic(usageError(op, ErrInvalidHandle))
	}
	if h.borrowed {
		panic(usageErrorf(op, "handle %s is borrowed from a foreign call frame", h))
	}
	if h.kind == RefLocal && h.owner != env {
		panic(usageError(op, ErrWrongThread))
	}
}

// Release deletes the foreign reference. Releasing twice panics.
func (h *Handle) Release(env *Env) {
	h.checkReleasable("Handle.Release", env)
	env.checkThread("Handle.Release")
	if !h.released.CompareAndSwap(false, true) {
		panic(usageError("Handle.Release", ErrAlreadyReleased))
	}
	env.deleteRef(h.ref, h.kind)
}

// Promote moves the reference to global strength, which survives the
// current native frame. The receiver is invalidated.
func (h *Handle) Promote(env *Env) *Handle {
	return h.transfer("Handle.Promote", env, RefGlobal)
}

// Demote moves the reference to local strength owned by env. The receiver
// is invalidated.
func (h *Handle) Demote(env *Env) *Handle {
	return h.transfer("Handle.Demote", env, RefLocal)
}

// Weaken moves the reference to weak-global strength. The receiver is
// invalidated.
func (h *Handle) Weaken(env *Env) *Handle {
	return h.transfer("Handle.Weaken", env, RefWeakGlobal)
}

func (h *Handle) transfer(op string, env *Env, kind RefKind) *Handle {
	h.checkReleasable(op, env)
	env.checkThread(op)
	if h.kind == kind && kind != RefLocal {
		return h
	}
	ref := env.newRef(h.ref, kind)
	if !h.released.CompareAndSwap(false, true) {
		env.deleteRef(ref, kind)
		panic(usageError(op, ErrAlreadyReleased))
	}
	env.deleteRef(h.ref, h.kind)
	if ref == 0 {
		// a weak reference whose referent was collected
		return nil
	}
	return newHandle(env, ref, kind)
}

// NewRef creates an independently owned reference to the same object.
func (h *Handle) NewRef(env *Env, kind RefKind) *Handle {
	if !h.Valid() {
		panic(usageError("Handle.NewRef", ErrInvalidHandle))
	}
	env.checkThread("Handle.NewRef")
	ref := env.newRef(h.ref, kind)
	if ref == 0 {
		return nil
	}
	return newHandle(env, ref, kind)
}

// Referent is implemented by host values that wrap a foreign reference.
type Referent interface {
	Reference() *Handle
}

// surrender hands the reference to a foreign frame, which becomes
// responsible for deleting it. The receiver is invalidated.
func (h *Handle) surrender(env *Env) ObjectRef {
	if h.borrowed {
		return h.ref
	}
	switch h.kind {
	case RefLocal:
		h.checkReleasable("Handle.surrender", env)
		if !h.released.CompareAndSwap(false, true) {
			panic(usageError("Handle.surrender", ErrAlreadyReleased))
		}
		env.liveLocals.Add(-1)
		return h.ref
	default:
		return env.ni.NewLocalRef(h.Ref())
	}
}
