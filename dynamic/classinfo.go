package dynamic

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/partite-ai/jinterop/jni"
)

// ClassInfo is the cached reflective metadata of one foreign class.
// Constructors, fields and methods are each populated once, on first use,
// under their own lock.
type ClassInfo struct {
	registry *Registry
	name     string

	// refs is guarded by registry.mu.
	refs     int
	disposed atomic.Bool

	peerMu sync.Mutex
	peer   *jni.Handle

	ctorMu    sync.Mutex
	ctors     []*MemberInfo
	ctorsDone bool

	fieldMu    sync.Mutex
	fields     map[string][]*MemberInfo
	fieldsDone bool

	methodMu    sync.Mutex
	methods     map[string][]*MemberInfo
	methodsDone bool
}

func newClassInfo(r *Registry, name string) *ClassInfo {
	return &ClassInfo{
		registry: r,
		name:     name,
	}
}

func (c *ClassInfo) Name() string {
	return c.name
}

func (c *ClassInfo) Disposed() bool {
	return c.disposed.Load()
}

// Class returns the global handle of the foreign class, acquiring it on
// first use. The handle is owned by c.
func (c *ClassInfo) Class(env *jni.Env) (*jni.Handle, error) {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	if c.disposed.Load() {
		return nil, fmt.Errorf("class metadata for %s is disposed", c.name)
	}
	if c.peer != nil {
		return c.peer, nil
	}
	cls, err := env.FindClass(c.name)
	if err != nil {
		return nil, err
	}
	c.peer = cls.Promote(env)
	return c.peer, nil
}

// Constructors returns the public constructors in enumeration order. It
// returns nil after disposal.
func (c *ClassInfo) Constructors(env *jni.Env) ([]*MemberInfo, error) {
	c.ctorMu.Lock()
	defer c.ctorMu.Unlock()
	if c.disposed.Load() {
		return nil, nil
	}
	if c.ctorsDone {
		return c.ctors, nil
	}
	ids, err := c.registry.reflection(env)
	if err != nil {
		return nil, err
	}
	members, err := c.enumerate(env, ids.classGetConstructors, func(elem *jni.Handle) (*MemberInfo, error) {
		return c.newConstructor(env, ids, elem)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate constructors of %s: %w", c.name, err)
	}
	c.ctors = members
	c.ctorsDone = true
	c.registry.logger.Debug("constructors loaded", slog.String("class", c.name), slog.Int("count", len(members)))
	return c.ctors, nil
}

// Fields returns the public fields keyed by name. Each list holds the
// same-named fields in enumeration order. It returns nil after disposal.
func (c *ClassInfo) Fields(env *jni.Env) (map[string][]*MemberInfo, error) {
	c.fieldMu.Lock()
	defer c.fieldMu.Unlock()
	if c.disposed.Load() {
		return nil, nil
	}
	if c.fieldsDone {
		return c.fields, nil
	}
	ids, err := c.registry.reflection(env)
	if err != nil {
		return nil, err
	}
	members, err := c.enumerate(env, ids.classGetFields, func(elem *jni.Handle) (*MemberInfo, error) {
		return c.newField(env, ids, elem)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate fields of %s: %w", c.name, err)
	}
	c.fields = groupByName(members)
	c.fieldsDone = true
	c.registry.logger.Debug("fields loaded", slog.String("class", c.name), slog.Int("count", len(members)))
	return c.fields, nil
}

// Methods returns the public methods keyed by name, each list in
// enumeration order. It returns nil after disposal.
func (c *ClassInfo) Methods(env *jni.Env) (map[string][]*MemberInfo, error) {
	c.methodMu.Lock()
	defer c.methodMu.Unlock()
	if c.disposed.Load() {
		return nil, nil
	}
	if c.methodsDone {
		return c.methods, nil
	}
	ids, err := c.registry.reflection(env)
	if err != nil {
		return nil, err
	}
	members, err := c.enumerate(env, ids.classGetMethods, func(elem *jni.Handle) (*MemberInfo, error) {
		return c.newMethod(env, ids, elem)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate methods of %s: %w", c.name, err)
	}
	c.methods = groupByName(members)
	c.methodsDone = true
	c.registry.logger.Debug("methods loaded", slog.String("class", c.name), slog.Int("count", len(members)))
	return c.methods, nil
}

// Field returns the fields named name.
func (c *ClassInfo) Field(env *jni.Env, name string) ([]*MemberInfo, error) {
	fields, err := c.Fields(env)
	if err != nil {
		return nil, err
	}
	return fields[name], nil
}

// Method returns the overloads of the method named name.
func (c *ClassInfo) Method(env *jni.Env, name string) ([]*MemberInfo, error) {
	methods, err := c.Methods(env)
	if err != nil {
		return nil, err
	}
	return methods[name], nil
}

func groupByName(members []*MemberInfo) map[string][]*MemberInfo {
	ret := make(map[string][]*MemberInfo, len(members))
	for _, m := range members {
		ret[m.Name] = append(ret[m.Name], m)
	}
	return ret
}

// enumerate calls a Class.getXxx reflection method and builds one member
// per array element. On failure every member built so far is released.
func (c *ClassInfo) enumerate(env *jni.Env, getter jni.MethodID, build func(elem *jni.Handle) (*MemberInfo, error)) (members []*MemberInfo, err error) {
	cls, err := c.Class(env)
	if err != nil {
		return nil, err
	}
	arr, err := env.CallObjectMethod(cls, getter)
	if err != nil {
		return nil, err
	}
	if arr == nil {
		return nil, nil
	}
	defer arr.Release(env)

	defer func() {
		if err != nil {
			for _, m := range members {
				m.release(env)
			}
			members = nil
		}
	}()
	n, err := env.GetArrayLength(arr)
	if err != nil {
		return nil, err
	}
	for i := range n {
		elem, err := env.GetObjectArrayElement(arr, i)
		if err != nil {
			return members, err
		}
		if elem == nil {
			continue
		}
		m, err := build(elem)
		elem.Release(env)
		if err != nil {
			return members, err
		}
		members = append(members, m)
	}
	return members, nil
}

// dispose tears the entry down. It runs with registry.mu held and waits
// for any population in progress.
func (c *ClassInfo) dispose(env *jni.Env) {
	c.ctorMu.Lock()
	c.fieldMu.Lock()
	c.methodMu.Lock()
	c.peerMu.Lock()
	defer c.ctorMu.Unlock()
	defer c.fieldMu.Unlock()
	defer c.methodMu.Unlock()
	defer c.peerMu.Unlock()

	c.disposed.Store(true)
	for _, m := range c.ctors {
		m.release(env)
	}
	for _, list := range c.fields {
		for _, m := range list {
			m.release(env)
		}
	}
	for _, list := range c.methods {
		for _, m := range list {
			m.release(env)
		}
	}
	c.ctors, c.fields, c.methods = nil, nil, nil
	if c.peer != nil {
		c.peer.Release(env)
		c.peer = nil
	}
}
