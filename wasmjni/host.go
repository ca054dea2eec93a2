package wasmjni

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/partite-ai/jinterop/internal/table"
	"github.com/partite-ai/jinterop/jni"
)

// Host owns the jni_host import module of a wazero runtime: the registered
// native functions and the envs attached through it.
type Host struct {
	module api.Module
	logger *slog.Logger

	mu      sync.Mutex
	natives *table.Table[jni.NativeFunc]
	envs    map[uint64]*guestEnv
}

// NewHost instantiates the jni_host module in r. Guests importing
// native_call must be instantiated afterwards.
func NewHost(ctx context.Context, r wazero.Runtime, opts ...Option) (*Host, error) {
	cfg := newConfig(opts)
	h := &Host{
		logger:  cfg.logger,
		natives: table.New[jni.NativeFunc](),
		envs:    make(map[uint64]*guestEnv),
	}
	mod, err := r.NewHostModuleBuilder(HostModuleName).NewFunctionBuilder().
		WithGoModuleFunction(
			api.GoModuleFunc(h.nativeCall),
			[]api.ValueType{i64, i64, i64, i32, i32},
			[]api.ValueType{i64},
		).
		Export(NativeCallName).
		Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s module: %w", HostModuleName, err)
	}
	inst, err := r.InstantiateModule(ctx, mod, wazero.NewModuleConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate %s module: %w", HostModuleName, err)
	}
	h.module = inst
	return h, nil
}

// Close closes the host module and forgets every registered native.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	h.natives = table.New[jni.NativeFunc]()
	clear(h.envs)
	h.mu.Unlock()
	return h.module.Close(ctx)
}

// Natives is the number of native functions currently registered.
func (h *Host) Natives() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.natives.Len()
}

func (h *Host) addNative(fn jni.NativeFunc) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return uint64(h.natives.Add(fn))
}

func (h *Host) removeNatives(tokens []uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, tok := range tokens {
		h.natives.Remove(uint32(tok))
	}
}

func (h *Host) register(e *guestEnv) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.envs[e.id]; ok {
		return fmt.Errorf("env id %d is already attached to this host", e.id)
	}
	h.envs[e.id] = e
	return nil
}

func (h *Host) unregister(e *guestEnv) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.envs[e.id] == e {
		delete(h.envs, e.id)
	}
}

func (h *Host) nativeCall(_ context.Context, _ api.Module, stack []uint64) {
	envID, token, this := stack[0], stack[1], jni.ObjectRef(stack[2])
	argsPtr, nargs := api.DecodeU32(stack[3]), api.DecodeU32(stack[4])

	h.mu.Lock()
	env := h.envs[envID]
	fn, ok := h.natives.Lookup(uint32(token))
	h.mu.Unlock()
	stack[0] = 0
	if env == nil || !ok {
		h.logger.Error("native call dropped", slog.Uint64("env", envID), slog.Uint64("token", token), slog.Bool("known_env", env != nil))
		return
	}

	args := make([]jni.Value, nargs)
	if err := readValues(env.inv.memory, argsPtr, nargs, args); err != nil {
		h.logger.Error("native call dropped", slog.Uint64("env", envID), slog.Any("error", err))
		return
	}
	stack[0] = uint64(fn(env, this, args))
}
