// Package dynamic caches reflective class metadata of the foreign runtime
// and dispatches calls against it by runtime argument types.
package dynamic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/partite-ai/jinterop/jni"
)

// Registry is the reference-counted class metadata cache of one VM.
// Lookup, creation and teardown of entries share one mutex, so an entry
// being disposed is never handed out.
type Registry struct {
	vm     *jni.VM
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*ClassInfo
	orphans []*ClassInfo

	idsMu sync.Mutex
	ids   *reflectionIDs
}

func NewRegistry(vm *jni.VM) *Registry {
	return &Registry{
		vm:      vm,
		logger:  vm.Logger().With(slog.String("component", "class-registry")),
		entries: make(map[string]*ClassInfo),
	}
}

func (r *Registry) VM() *jni.VM {
	return r.vm
}

// Get returns the entry for className with its reference count
// incremented. The name must be slash-separated.
func (r *Registry) Get(className string) (*ClassInfo, error) {
	if err := jni.ValidateClassName(className); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.entries[className]; ok {
		if !info.disposed.Load() {
			info.refs++
			return info, nil
		}
		// stale slot
		delete(r.entries, className)
	}
	info := newClassInfo(r, className)
	info.refs = 1
	r.entries[className] = info
	r.logger.Debug("class metadata created", slog.String("class", className))
	return info, nil
}

// Release drops one reference. The entry is torn down when the last
// reference goes away. Releasing an entry that holds no references is a
// usage error.
func (r *Registry) Release(env *jni.Env, info *ClassInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.releaseLocked(env, info); err != nil {
		return err
	}
	r.releaseOrphansLocked(env)
	return nil
}

func (r *Registry) releaseLocked(env *jni.Env, info *ClassInfo) error {
	if info == nil || info.registry != r {
		return &jni.UsageError{Op: "Registry.Release", Err: errors.New("class metadata does not belong to this registry")}
	}
	if info.refs <= 0 || info.disposed.Load() {
		return &jni.UsageError{Op: "Registry.Release", Err: fmt.Errorf("class metadata for %s already released", info.name)}
	}
	info.refs--
	if info.refs > 0 {
		return nil
	}
	info.dispose(env)
	if r.entries[info.name] == info {
		delete(r.entries, info.name)
	}
	r.logger.Debug("class metadata disposed", slog.String("class", info.name))
	return nil
}

// orphan queues a reference held by a collected host object. It runs in a
// cleanup context and must not call into the foreign runtime.
func (r *Registry) orphan(info *ClassInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orphans = append(r.orphans, info)
}

// ReleaseOrphans releases the references of collected host objects.
func (r *Registry) ReleaseOrphans(env *jni.Env) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseOrphansLocked(env)
}

func (r *Registry) releaseOrphansLocked(env *jni.Env) int {
	orphans := r.orphans
	r.orphans = nil
	n := 0
	for _, info := range orphans {
		if err := r.releaseLocked(env, info); err != nil {
			r.logger.Warn("failed to release orphaned class metadata", slog.String("class", info.name), slog.Any("error", err))
			continue
		}
		n++
	}
	return n
}

// RefCount reports the reference count of the live entry for className,
// or -1 when there is none.
func (r *Registry) RefCount(className string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.entries[className]
	if !ok || info.disposed.Load() {
		return -1
	}
	return info.refs
}

// Len is the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, info := range r.entries {
		if !info.disposed.Load() {
			n++
		}
	}
	return n
}

// Preload looks up every named class and populates its constructors,
// fields and methods, one worker per class. Each worker attaches its own
// thread. On success the caller owns one reference to every returned
// entry; on failure no references are kept.
func (r *Registry) Preload(ctx context.Context, names ...string) ([]*ClassInfo, error) {
	infos := make([]*ClassInfo, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			info, err := r.Get(name)
			if err != nil {
				return err
			}
			infos[i] = info
			return r.vm.WithEnv(func(env *jni.Env) error {
				if _, err := info.Constructors(env); err != nil {
					return fmt.Errorf("failed to load constructors of %s: %w", name, err)
				}
				if _, err := info.Fields(env); err != nil {
					return fmt.Errorf("failed to load fields of %s: %w", name, err)
				}
				if _, err := info.Methods(env); err != nil {
					return fmt.Errorf("failed to load methods of %s: %w", name, err)
				}
				return nil
			})
		})
	}
	err := g.Wait()
	if err == nil {
		return infos, nil
	}
	cerr := r.vm.WithEnv(func(env *jni.Env) error {
		var errs []error
		for _, info := range infos {
			if info != nil {
				errs = append(errs, r.Release(env, info))
			}
		}
		return errors.Join(errs...)
	})
	return nil, errors.Join(err, cerr)
}

type reflectionIDs struct {
	classGetName            jni.MethodID
	classGetConstructors    jni.MethodID
	classGetFields          jni.MethodID
	classGetMethods         jni.MethodID
	memberGetName           jni.MethodID
	memberGetModifiers      jni.MethodID
	memberGetDeclaringClass jni.MethodID
	ctorGetParameterTypes   jni.MethodID
	methodGetParameterTypes jni.MethodID
	methodGetReturnType     jni.MethodID
	fieldGetType            jni.MethodID
}

// reflection resolves the reflective method ids once per registry.
func (r *Registry) reflection(env *jni.Env) (*reflectionIDs, error) {
	r.idsMu.Lock()
	defer r.idsMu.Unlock()
	if r.ids != nil {
		return r.ids, nil
	}
	ids := &reflectionIDs{}
	lookups := []struct {
		class, name, sig string
		id               *jni.MethodID
	}{
		{"java/lang/Class", "getName", "()Ljava/lang/String;", &ids.classGetName},
		{"java/lang/Class", "getConstructors", "()[Ljava/lang/reflect/Constructor;", &ids.classGetConstructors},
		{"java/lang/Class", "getFields", "()[Ljava/lang/reflect/Field;", &ids.classGetFields},
		{"java/lang/Class", "getMethods", "()[Ljava/lang/reflect/Method;", &ids.classGetMethods},
		{"java/lang/reflect/Member", "getName", "()Ljava/lang/String;", &ids.memberGetName},
		{"java/lang/reflect/Member", "getModifiers", "()I", &ids.memberGetModifiers},
		{"java/lang/reflect/Member", "getDeclaringClass", "()Ljava/lang/Class;", &ids.memberGetDeclaringClass},
		{"java/lang/reflect/Constructor", "getParameterTypes", "()[Ljava/lang/Class;", &ids.ctorGetParameterTypes},
		{"java/lang/reflect/Method", "getParameterTypes", "()[Ljava/lang/Class;", &ids.methodGetParameterTypes},
		{"java/lang/reflect/Method", "getReturnType", "()Ljava/lang/Class;", &ids.methodGetReturnType},
		{"java/lang/reflect/Field", "getType", "()Ljava/lang/Class;", &ids.fieldGetType},
	}
	for _, l := range lookups {
		cls, err := env.FindClass(l.class)
		if err != nil {
			return nil, fmt.Errorf("failed to find reflection class %s: %w", l.class, err)
		}
		id, err := env.GetMethodID(cls, l.name, l.sig)
		cls.Release(env)
		if err != nil {
			return nil, fmt.Errorf("failed to find reflection method %s.%s: %w", l.class, l.name, err)
		}
		*l.id = id
	}
	r.ids = ids
	return ids, nil
}
