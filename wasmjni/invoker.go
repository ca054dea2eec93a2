package wasmjni

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"

	"github.com/partite-ai/jinterop/jni"
)

type config struct {
	ctx    context.Context
	memory api.Memory
	logger *slog.Logger
}

type Option func(*config)

// WithMemory makes the guest's scratch allocations and value lists use
// memory instead of the guest's exported memory.
func WithMemory(memory api.Memory) Option {
	return func(c *config) {
		c.memory = memory
	}
}

// WithContext sets the context guest functions are called with.
func WithContext(ctx context.Context) Option {
	return func(c *config) {
		c.ctx = ctx
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func newConfig(opts []Option) *config {
	cfg := &config{
		ctx:    context.Background(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	return cfg
}

// attachKeyBase keeps lock keys used before an env id exists apart from
// guest env ids.
const attachKeyBase = 1 << 63

type invoker struct {
	host   *Host
	guest  api.Module
	memory api.Memory
	ctx    context.Context
	logger *slog.Logger

	lock    *guestLock
	nextKey atomic.Uint64
}

var _ jni.Invoker = (*invoker)(nil)

// EntryPoint returns a jni.EntryPoint backed by guest. The guest exports
// are validated when the VM is created.
func (h *Host) EntryPoint(guest api.Module, opts ...Option) jni.EntryPoint {
	return func() (jni.Invoker, error) {
		cfg := newConfig(opts)
		if err := checkExports(guest); err != nil {
			return nil, fmt.Errorf("guest %s: %w", guest.Name(), err)
		}
		memory := cfg.memory
		if memory == nil {
			memory = guest.ExportedMemory(memoryName)
		}
		if memory == nil {
			return nil, fmt.Errorf("guest %s exports no memory", guest.Name())
		}
		return &invoker{
			host:   h,
			guest:  guest,
			memory: memory,
			ctx:    cfg.ctx,
			logger: cfg.logger,
			lock:   newGuestLock(),
		}, nil
	}
}

func (inv *invoker) call(name string, params ...uint64) ([]uint64, error) {
	res, err := inv.guest.ExportedFunction(name).Call(inv.ctx, params...)
	if err != nil {
		return nil, &TrapError{Function: name, Err: err}
	}
	return res, nil
}

func (inv *invoker) realloc(originalPtr, originalSize, alignment, newSize uint32) (uint32, error) {
	res, err := inv.call(reallocName, api.EncodeU32(originalPtr), api.EncodeU32(originalSize), api.EncodeU32(alignment), api.EncodeU32(newSize))
	if err != nil {
		return 0, err
	}
	return api.DecodeU32(res[0]), nil
}

func (inv *invoker) unlockedKey() uint64 {
	return attachKeyBase | inv.nextKey.Add(1)
}

func (inv *invoker) GetVersion() int32 {
	inv.lock.acquire(inv.unlockedKey())
	defer inv.lock.release()
	res, err := inv.call("jni_GetVersion")
	if err != nil {
		inv.logger.Error("guest version query failed", slog.Any("error", err))
		return 0
	}
	return api.DecodeI32(res[0])
}

func (inv *invoker) AttachCurrentThread() (jni.NativeInterface, error) {
	inv.lock.acquire(inv.unlockedKey())
	res, err := inv.call("jni_AttachCurrentThread")
	inv.lock.release()
	if err != nil {
		return nil, err
	}
	id := res[0]
	if id == 0 {
		return nil, errors.New("guest refused to attach a thread")
	}
	e := &guestEnv{inv: inv, id: id}
	e.mc = &memoryContext{memory: inv.memory, arena: &arena{realloc: inv.realloc}}
	if err := inv.host.register(e); err != nil {
		if derr := inv.detach(e); derr != nil {
			err = errors.Join(err, derr)
		}
		return nil, err
	}
	inv.logger.Debug("guest env attached", slog.String("guest", inv.guest.Name()), slog.Uint64("env", id))
	return e, nil
}

func (inv *invoker) DetachCurrentThread(ni jni.NativeInterface) error {
	e, ok := ni.(*guestEnv)
	if !ok || e.inv != inv {
		return errors.New("wasmjni: not an env of this guest")
	}
	inv.host.unregister(e)
	return inv.detach(e)
}

func (inv *invoker) detach(e *guestEnv) error {
	inv.lock.acquire(e.id)
	defer inv.lock.release()
	res, err := inv.call("jni_DetachCurrentThread", e.id)
	if err != nil {
		return err
	}
	if rc := api.DecodeI32(res[0]); rc != 0 {
		return fmt.Errorf("guest failed to detach env %d: status %d", e.id, rc)
	}
	inv.logger.Debug("guest env detached", slog.String("guest", inv.guest.Name()), slog.Uint64("env", e.id))
	return nil
}
