package dynamic

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/partite-ai/jinterop/jni"
)

// ErrNoOverload is returned when no member of an overload set accepts the
// arguments.
var ErrNoOverload = errors.New("no overload accepts the arguments")

var errClosed = errors.New("closed")

// Class is a host-side view of a foreign class. Metadata is acquired from
// the registry on first use and released by Close.
type Class struct {
	registry *Registry
	name     string

	mu     sync.Mutex
	info   *ClassInfo
	closed bool
}

// NewClass returns a view of the named class. The name must be
// slash-separated; the class itself is not looked up until first use.
func NewClass(r *Registry, name string) (*Class, error) {
	if err := jni.ValidateClassName(name); err != nil {
		return nil, err
	}
	return &Class{registry: r, name: name}, nil
}

func (c *Class) Name() string {
	return c.name
}

func (c *Class) metadata() (*ClassInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("class %s: %w", c.name, errClosed)
	}
	if c.info == nil {
		info, err := c.registry.Get(c.name)
		if err != nil {
			return nil, err
		}
		c.info = info
	}
	return c.info, nil
}

// New constructs an instance with the first constructor accepting args.
func (c *Class) New(env *jni.Env, args ...any) (*Instance, error) {
	c.registry.Sweep(env)
	info, err := c.metadata()
	if err != nil {
		return nil, err
	}
	ctors, err := info.Constructors(env)
	if err != nil {
		return nil, err
	}
	res, ok, err := c.registry.TryInvoke(env, nil, ctors, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to construct %s: %w", c.name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: constructor of %s with %d arguments", ErrNoOverload, c.name, len(args))
	}
	return res.(*Instance), nil
}

// InvokeStatic calls the static method name.
func (c *Class) InvokeStatic(env *jni.Env, name string, args ...any) (any, error) {
	c.registry.Sweep(env)
	info, err := c.metadata()
	if err != nil {
		return nil, err
	}
	overloads, err := info.Method(env, name)
	if err != nil {
		return nil, err
	}
	res, ok, err := c.registry.TryInvoke(env, nil, overloads, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to invoke %s.%s: %w", c.name, name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: static %s.%s with %d arguments", ErrNoOverload, c.name, name, len(args))
	}
	return res, nil
}

// GetStatic reads the static field name.
func (c *Class) GetStatic(env *jni.Env, name string) (any, error) {
	info, err := c.metadata()
	if err != nil {
		return nil, err
	}
	fields, err := info.Field(env, name)
	if err != nil {
		return nil, err
	}
	v, ok, err := c.registry.TryGetField(env, nil, fields)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s.%s: %w", c.name, name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: static field %s.%s", ErrNoOverload, c.name, name)
	}
	return v, nil
}

// SetStatic assigns the static field name.
func (c *Class) SetStatic(env *jni.Env, name string, value any) error {
	info, err := c.metadata()
	if err != nil {
		return err
	}
	fields, err := info.Field(env, name)
	if err != nil {
		return err
	}
	ok, err := c.registry.TrySetField(env, nil, fields, value)
	if err != nil {
		return fmt.Errorf("failed to assign %s.%s: %w", c.name, name, err)
	}
	if !ok {
		return fmt.Errorf("%w: static field %s.%s accepting %T", ErrNoOverload, c.name, name, value)
	}
	return nil
}

// Close releases the class metadata reference. Closing twice is a no-op.
func (c *Class) Close(env *jni.Env) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.info == nil {
		return nil
	}
	info := c.info
	c.info = nil
	return c.registry.Release(env, info)
}

// Instance is a host wrapper around a foreign object. It holds a global
// reference, released by Close or, once the Instance is unreachable, by the
// VM disposal policy.
type Instance struct {
	registry  *Registry
	handle    *jni.Handle
	info      *ClassInfo
	className string

	tracked jni.Tracked
	orphan  runtime.Cleanup
	closed  bool
}

// Wrap takes ownership of h and returns an Instance for it. A local h is
// promoted to global strength. On failure h is released.
func (r *Registry) Wrap(env *jni.Env, h *jni.Handle) (_ *Instance, err error) {
	defer func() {
		if err != nil {
			h.Release(env)
		}
	}()
	cls, err := env.GetObjectClass(h)
	if err != nil {
		return nil, err
	}
	sig, err := classSignature(env, cls)
	cls.Release(env)
	if err != nil {
		return nil, err
	}
	info, err := r.Get(sig.Name())
	if err != nil {
		return nil, err
	}

	g := h
	if h.Kind() != jni.RefGlobal {
		g = h.Promote(env)
	}
	inst := &Instance{
		registry:  r,
		handle:    g,
		info:      info,
		className: sig.Name(),
	}
	inst.tracked = jni.Track(r.vm, inst, g)
	inst.orphan = runtime.AddCleanup(inst, r.orphan, info)
	return inst, nil
}

// Reference returns the global handle. After Close the handle is released,
// so passing a closed Instance to the foreign runtime is a usage error.
func (o *Instance) Reference() *jni.Handle {
	if o == nil {
		return nil
	}
	return o.handle
}

// ClassName is the runtime class of the object in FindClass form.
func (o *Instance) ClassName() string {
	return o.className
}

func (o *Instance) Info() *ClassInfo {
	return o.info
}

func (o *Instance) check() error {
	if o.closed {
		return fmt.Errorf("instance of %s: %w", o.className, errClosed)
	}
	return nil
}

// Invoke calls the instance method name.
func (o *Instance) Invoke(env *jni.Env, name string, args ...any) (any, error) {
	if err := o.check(); err != nil {
		return nil, err
	}
	o.registry.Sweep(env)
	overloads, err := o.info.Method(env, name)
	if err != nil {
		return nil, err
	}
	res, ok, err := o.registry.TryInvoke(env, o.handle, overloads, args...)
	runtime.KeepAlive(o)
	if err != nil {
		return nil, fmt.Errorf("failed to invoke %s.%s: %w", o.className, name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s with %d arguments", ErrNoOverload, o.className, name, len(args))
	}
	return res, nil
}

// Get reads the instance field name.
func (o *Instance) Get(env *jni.Env, name string) (any, error) {
	if err := o.check(); err != nil {
		return nil, err
	}
	fields, err := o.info.Field(env, name)
	if err != nil {
		return nil, err
	}
	v, ok, err := o.registry.TryGetField(env, o.handle, fields)
	runtime.KeepAlive(o)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s.%s: %w", o.className, name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: field %s.%s", ErrNoOverload, o.className, name)
	}
	return v, nil
}

// Set assigns the instance field name.
func (o *Instance) Set(env *jni.Env, name string, value any) error {
	if err := o.check(); err != nil {
		return err
	}
	fields, err := o.info.Field(env, name)
	if err != nil {
		return err
	}
	ok, err := o.registry.TrySetField(env, o.handle, fields, value)
	runtime.KeepAlive(o)
	if err != nil {
		return fmt.Errorf("failed to assign %s.%s: %w", o.className, name, err)
	}
	if !ok {
		return fmt.Errorf("%w: field %s.%s accepting %T", ErrNoOverload, o.className, name, value)
	}
	return nil
}

// Close releases the object reference and the class metadata reference.
// Closing twice is a no-op.
func (o *Instance) Close(env *jni.Env) error {
	if o.closed {
		return nil
	}
	o.closed = true
	o.tracked.Stop()
	o.orphan.Stop()
	o.handle.Release(env)
	return o.registry.Release(env, o.info)
}

// Sweep releases what collected host objects left behind: their object
// references, as the disposal policy allows, and their class metadata
// references.
func (r *Registry) Sweep(env *jni.Env) int {
	n := r.vm.ReleasePending(env)
	n += r.ReleaseOrphans(env)
	if n > 0 {
		r.logger.Debug("swept collected instances", slog.Int("count", n))
	}
	return n
}
