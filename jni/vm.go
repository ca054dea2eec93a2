package jni

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

// VM is the host-side view of the foreign runtime. It owns the Invoker,
// hands out thread-bound Envs, and releases handles of collected wrappers.
type VM struct {
	invoker Invoker
	config  *Config
	logger  *slog.Logger
	types   *TypeManager
	version int32

	mu   sync.Mutex
	envs map[uint64]*Env

	pendingMu   sync.Mutex
	collectable []*Handle
	deferred    []*Handle

	idsMu sync.Mutex
	ids   *coreMethodIDs

	nextWrapper atomic.Uint64
}

type coreMethodIDs struct {
	classGetName        MethodID
	throwableGetMessage MethodID
}

// NewVM acquires the Invoker from entry and validates the interface
// version. Any failure is a *StartupError.
func NewVM(entry EntryPoint, cfg *Config) (*VM, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if entry == nil {
		return nil, &StartupError{Err: ErrNoEntryPoint}
	}
	invoker, err := entry()
	if err != nil {
		return nil, &StartupError{Err: err}
	}
	if invoker == nil {
		return nil, &StartupError{Err: ErrNoEntryPoint}
	}
	version := invoker.GetVersion()
	if err := cfg.checkVersion(version); err != nil {
		return nil, &StartupError{Err: err}
	}
	vm := &VM{
		invoker: invoker,
		config:  cfg,
		logger:  cfg.logger,
		types:   newTypeManager(cfg.mapping),
		version: version,
		envs:    make(map[uint64]*Env),
	}
	vm.logger.Debug("vm started", slog.String("version", VersionString(version)))
	return vm, nil
}

var (
	currentMu sync.Mutex
	current   *VM
)

// Initialize brings up the process-wide VM. It succeeds at most once.
func Initialize(entry EntryPoint, cfg *Config) (*VM, error) {
	currentMu.Lock()
	defer currentMu.Unlock()
	if current != nil {
		return nil, &StartupError{Err: ErrAlreadyInitialized}
	}
	vm, err := NewVM(entry, cfg)
	if err != nil {
		return nil, err
	}
	current = vm
	return vm, nil
}

// Current returns the VM installed by Initialize, or nil.
func Current() *VM {
	currentMu.Lock()
	defer currentMu.Unlock()
	return current
}

func (vm *VM) Version() int32 {
	return vm.version
}

func (vm *VM) Logger() *slog.Logger {
	return vm.logger
}

func (vm *VM) TypeManager() *TypeManager {
	return vm.types
}

// Attach binds the calling goroutine to its OS thread and returns the Env
// for that thread. Attaching an already attached thread returns the same
// Env; each Attach must be paired with a Detach.
func (vm *VM) Attach() (*Env, error) {
	runtime.LockOSThread()
	tid := currentThreadID()
	if threadAffinityChecked {
		vm.mu.Lock()
		if e, ok := vm.envs[tid]; ok {
			e.depth++
			vm.mu.Unlock()
			return e, nil
		}
		vm.mu.Unlock()
	}

	ni, err := vm.invoker.AttachCurrentThread()
	if err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("failed to attach thread %d: %w", tid, err)
	}
	e := &Env{
		vm:       vm,
		ni:       ni,
		tid:      tid,
		depth:    1,
		attached: true,
	}
	if threadAffinityChecked {
		vm.mu.Lock()
		vm.envs[tid] = e
		vm.mu.Unlock()
	}
	vm.logger.Debug("thread attached", slog.Uint64("tid", tid))
	vm.ReleasePending(e)
	return e, nil
}

func (vm *VM) detach(e *Env) error {
	if !e.attached {
		return usageError("Env.Detach", ErrNotAttached)
	}
	e.checkThread("Env.Detach")
	vm.ReleasePending(e)
	e.depth--
	if e.depth > 0 {
		runtime.UnlockOSThread()
		return nil
	}
	e.attached = false
	if threadAffinityChecked {
		vm.mu.Lock()
		delete(vm.envs, e.tid)
		vm.mu.Unlock()
	}
	err := vm.invoker.DetachCurrentThread(e.ni)
	runtime.UnlockOSThread()
	vm.logger.Debug("thread detached", slog.Uint64("tid", e.tid), slog.Int("leaked_locals", e.LiveLocals()))
	if err != nil {
		return fmt.Errorf("failed to detach thread %d: %w", e.tid, err)
	}
	return nil
}

// WithEnv runs fn with an attached Env and detaches on every exit path.
func (vm *VM) WithEnv(fn func(env *Env) error) (err error) {
	env, err := vm.Attach()
	if err != nil {
		return err
	}
	defer func() {
		if derr := env.Detach(); derr != nil && err == nil {
			err = derr
		}
	}()
	return fn(env)
}

// frameEnv returns an Env for a native callback arriving with ni. A
// callback on an attached thread reuses that thread's Env.
func (vm *VM) frameEnv(ni NativeInterface) *Env {
	tid := currentThreadID()
	if threadAffinityChecked {
		vm.mu.Lock()
		e, ok := vm.envs[tid]
		vm.mu.Unlock()
		if ok && e.ni == ni {
			return e
		}
	}
	return &Env{
		vm:       vm,
		ni:       ni,
		tid:      tid,
		depth:    1,
		attached: true,
	}
}

// Tracked is the registration of a host wrapper with the disposal policy.
type Tracked struct {
	ID      WrapperID
	cleanup runtime.Cleanup
}

// Stop cancels tracking. Call it when the wrapper releases its handle
// explicitly.
func (t Tracked) Stop() {
	t.cleanup.Stop()
}

// Track arranges for h to be released once wrapper becomes unreachable, as
// decided by the configured DisposalPolicy. h must not be a local handle.
func Track[T any](vm *VM, wrapper *T, h *Handle) Tracked {
	if h.Kind() == RefLocal {
		panic(usageErrorf("Track", "local handle %s cannot outlive its frame", h))
	}
	id := WrapperID(vm.nextWrapper.Add(1))
	c := runtime.AddCleanup(wrapper, func(h *Handle) {
		vm.finalize(id, h)
	}, h)
	return Tracked{ID: id, cleanup: c}
}

func (vm *VM) finalize(id WrapperID, h *Handle) {
	if !h.Valid() {
		return
	}
	collect := vm.config.policy.TryCollect(id, h)
	vm.pendingMu.Lock()
	if collect {
		vm.collectable = append(vm.collectable, h)
	} else {
		vm.deferred = append(vm.deferred, h)
	}
	vm.pendingMu.Unlock()
}

// PendingReleases reports the handles queued by collected wrappers.
func (vm *VM) PendingReleases() (collectable, deferred int) {
	vm.pendingMu.Lock()
	defer vm.pendingMu.Unlock()
	return len(vm.collectable), len(vm.deferred)
}

// ReleasePending releases every handle the disposal policy agreed to
// collect.
func (vm *VM) ReleasePending(env *Env) int {
	vm.pendingMu.Lock()
	batch := vm.collectable
	vm.collectable = nil
	vm.pendingMu.Unlock()
	return vm.releaseAll(env, batch)
}

// Safepoint releases every queued handle, including those the policy
// deferred.
func (vm *VM) Safepoint(env *Env) int {
	vm.pendingMu.Lock()
	batch := append(vm.collectable, vm.deferred...)
	vm.collectable = nil
	vm.deferred = nil
	vm.pendingMu.Unlock()
	return vm.releaseAll(env, batch)
}

func (vm *VM) releaseAll(env *Env, batch []*Handle) int {
	n := 0
	for _, h := range batch {
		if !h.Valid() {
			continue
		}
		h.Release(env)
		n++
	}
	if n > 0 {
		vm.logger.Debug("released collected handles", slog.Int("count", n))
	}
	return n
}

// coreIDs resolves the reflection methods the Env needs to describe
// exceptions. It uses raw calls since it runs inside exception handling.
func (vm *VM) coreIDs(e *Env) (*coreMethodIDs, error) {
	vm.idsMu.Lock()
	defer vm.idsMu.Unlock()
	if vm.ids != nil {
		return vm.ids, nil
	}
	lookup := func(className, name, sig string) (MethodID, error) {
		cls := e.ni.FindClass(className)
		if e.discardException() || cls == 0 {
			return 0, fmt.Errorf("class %s not found", className)
		}
		defer e.ni.DeleteLocalRef(cls)
		id := e.ni.GetMethodID(cls, name, sig)
		if e.discardException() || id == 0 {
			return 0, fmt.Errorf("method %s.%s%s not found", className, name, sig)
		}
		return id, nil
	}
	getName, err1 := lookup("java/lang/Class", "getName", "()Ljava/lang/String;")
	getMessage, err2 := lookup("java/lang/Throwable", "getMessage", "()Ljava/lang/String;")
	if err := errors.Join(err1, err2); err != nil {
		return nil, err
	}
	vm.ids = &coreMethodIDs{classGetName: getName, throwableGetMessage: getMessage}
	return vm.ids, nil
}

func (vm *VM) logAttrs(level slog.Level, msg string, attrs ...slog.Attr) {
	vm.logger.LogAttrs(context.Background(), level, msg, attrs...)
}
