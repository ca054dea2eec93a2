package jni

import (
	"fmt"
	"iter"
	"reflect"
	"strings"
	"sync"
)

// TypeSignatureProvider is implemented by host types that declare their
// foreign signature. The method is called on the zero value.
type TypeSignatureProvider interface {
	JNITypeSignature() TypeSignature
}

// GenericDefinition names an uninstantiated generic type, e.g. the
// definition of Box[int32] is {PkgPath of Box, "Box"}.
type GenericDefinition struct {
	PkgPath string
	Name    string
}

// DefinitionOf returns the generic definition of an instantiated generic
// type.
func DefinitionOf(t reflect.Type) (GenericDefinition, bool) {
	name := t.Name()
	i := strings.IndexByte(name, '[')
	if i <= 0 {
		return GenericDefinition{}, false
	}
	return GenericDefinition{PkgPath: t.PkgPath(), Name: name[:i]}, true
}

// TypeMapping is the extension point consulted after the builtin rules. It
// is how generated bindings register the foreign names of their types.
type TypeMapping interface {
	// SimpleReferences returns the simple references for a non-array type.
	SimpleReferences(t reflect.Type) []string
	// DefinitionSimpleReferences returns the simple references registered for
	// every instantiation of a generic definition.
	DefinitionSimpleReferences(def GenericDefinition) []string
	// TypesForSimpleReference returns host types for a simple reference.
	TypesForSimpleReference(simpleRef string) []reflect.Type
}

// TypeMap is a TypeMapping backed by explicit registrations.
type TypeMap struct {
	mu     sync.RWMutex
	byType map[reflect.Type][]string
	byDef  map[GenericDefinition][]string
	byRef  map[string][]reflect.Type
}

func NewTypeMap() *TypeMap {
	return &TypeMap{
		byType: make(map[reflect.Type][]string),
		byDef:  make(map[GenericDefinition][]string),
		byRef:  make(map[string][]reflect.Type),
	}
}

// Add maps t to simpleRef in both directions.
func (m *TypeMap) Add(t reflect.Type, simpleRef string) error {
	if t == nil {
		return usageErrorf("TypeMap.Add", "type is nil")
	}
	if err := ValidateSimpleReference(simpleRef); err != nil {
		return usageError("TypeMap.Add", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byType[t] = append(m.byType[t], simpleRef)
	m.byRef[simpleRef] = append(m.byRef[simpleRef], t)
	return nil
}

// AddDefinition maps every instantiation of def to simpleRef.
func (m *TypeMap) AddDefinition(def GenericDefinition, simpleRef string) error {
	if err := ValidateSimpleReference(simpleRef); err != nil {
		return usageError("TypeMap.AddDefinition", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byDef[def] = append(m.byDef[def], simpleRef)
	return nil
}

func (m *TypeMap) SimpleReferences(t reflect.Type) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byType[t]
}

func (m *TypeMap) DefinitionSimpleReferences(def GenericDefinition) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byDef[def]
}

func (m *TypeMap) TypesForSimpleReference(simpleRef string) []reflect.Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byRef[simpleRef]
}

// MapType registers T under simpleRef.
func MapType[T any](m *TypeMap, simpleRef string) error {
	return m.Add(reflect.TypeFor[T](), simpleRef)
}

// TypeManager resolves between Go types and foreign type signatures.
type TypeManager struct {
	mapping TypeMapping
}

func newTypeManager(mapping TypeMapping) *TypeManager {
	return &TypeManager{mapping: mapping}
}

// NewTypeManager returns a resolver using mapping as its extension point.
// mapping may be nil.
func NewTypeManager(mapping TypeMapping) *TypeManager {
	return newTypeManager(mapping)
}

// TypeSignatures returns the candidate signatures for t, preferred first.
// Fixed-length arrays are rejected with *UnsupportedError.
func (m *TypeManager) TypeSignatures(t reflect.Type) (iter.Seq[TypeSignature], error) {
	if t == nil {
		return nil, usageErrorf("TypeManager.TypeSignatures", "type is nil")
	}
	elem := t
	rank := 0
	for {
		if elem.Kind() == reflect.Array {
			return nil, &UnsupportedError{Type: t, Reason: "fixed-length arrays have no foreign equivalent"}
		}
		if elem.Kind() != reflect.Slice {
			break
		}
		rank++
		elem = elem.Elem()
	}
	return dedupe(m.signatures(elem, rank)), nil
}

func (m *TypeManager) signatures(t reflect.Type, rank int) iter.Seq[TypeSignature] {
	return func(yield func(TypeSignature) bool) {
		if m.isEnum(t) {
			t = underlyingKinds[t.Kind()]
		}

		for _, mapping := range builtinTypes {
			if mapping.t == t {
				if !yield(mapping.sig.AddArrayRank(rank)) {
					return
				}
			}
		}

		wrapped := t
		if t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct {
			wrapped = t.Elem()
		}

		for _, mapping := range builtinArrayTypes {
			if mapping.t == wrapped {
				if !yield(mapping.sig.AddArrayRank(rank)) {
					return
				}
			}
		}

		if sig, ok := providedSignature(t); ok {
			if !yield(sig.AddArrayRank(rank)) {
				return
			}
		}

		if wrapped.Implements(reflect.TypeFor[arrayWrapper]()) {
			elem := reflect.Zero(wrapped).Interface().(arrayWrapper).arrayElementType()
			if sig, err := m.TypeSignature(elem); err == nil {
				if !yield(sig.AddArrayRank(rank + 1)) {
					return
				}
			}
		}

		if m.mapping == nil {
			return
		}
		for _, ref := range m.mapping.SimpleReferences(t) {
			if ref == "" {
				continue
			}
			if !yield(classSignature(ref).AddArrayRank(rank)) {
				return
			}
		}
		if def, ok := DefinitionOf(wrapped); ok {
			for _, ref := range m.mapping.DefinitionSimpleReferences(def) {
				if ref == "" {
					continue
				}
				if !yield(classSignature(ref).AddArrayRank(rank)) {
					return
				}
			}
		}
	}
}

// isEnum reports whether t is a named integer type that neither declares
// its own signature nor is named by the type mapping.
func (m *TypeManager) isEnum(t reflect.Type) bool {
	if t.PkgPath() == "" {
		return false
	}
	if _, ok := underlyingKinds[t.Kind()]; !ok {
		return false
	}
	if t.Implements(reflect.TypeFor[TypeSignatureProvider]()) {
		return false
	}
	if m.mapping != nil {
		for _, ref := range m.mapping.SimpleReferences(t) {
			if ref != "" {
				return false
			}
		}
	}
	return true
}

func providedSignature(t reflect.Type) (TypeSignature, bool) {
	if !t.Implements(reflect.TypeFor[TypeSignatureProvider]()) {
		return TypeSignature{}, false
	}
	var p TypeSignatureProvider
	if t.Kind() == reflect.Pointer {
		p = reflect.New(t.Elem()).Interface().(TypeSignatureProvider)
	} else {
		p = reflect.Zero(t).Interface().(TypeSignatureProvider)
	}
	sig := p.JNITypeSignature()
	return sig, sig.IsValid()
}

func dedupe[T comparable](seq iter.Seq[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		seen := make(map[T]struct{})
		for v := range seq {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			if !yield(v) {
				return
			}
		}
	}
}

// TypeSignature returns the preferred signature for t.
func (m *TypeManager) TypeSignature(t reflect.Type) (TypeSignature, error) {
	seq, err := m.TypeSignatures(t)
	if err != nil {
		return TypeSignature{}, err
	}
	for sig := range seq {
		return sig, nil
	}
	return TypeSignature{}, &UnsupportedError{Type: t, Reason: "no foreign type signature"}
}

// TypeSignatureFor is TypeSignature for a static type. It panics if T has
// no signature.
func TypeSignatureFor[T any](m *TypeManager) TypeSignature {
	sig, err := m.TypeSignature(reflect.TypeFor[T]())
	if err != nil {
		panic(fmt.Sprintf("TypeSignatureFor: %v", err))
	}
	return sig
}

// HostTypes returns the candidate Go types for sig, preferred first. The
// simple reference must be in simplified form.
func (m *TypeManager) HostTypes(sig TypeSignature) (iter.Seq[reflect.Type], error) {
	if !sig.IsValid() {
		return func(func(reflect.Type) bool) {}, nil
	}
	if err := ValidateSimpleReference(sig.SimpleReference); err != nil {
		return nil, usageError("TypeManager.HostTypes", err)
	}
	return dedupe(func(yield func(reflect.Type) bool) {
		for base := range m.typesForSimpleReference(sig.SimpleReference) {
			if sig.ArrayRank == 0 {
				if !yield(base) {
					return
				}
				continue
			}
			if sig.IsKeyword {
				if k, ok := kindOfType(base); ok {
					wrapped := primitiveArrayTypes[k]
					for range sig.ArrayRank - 1 {
						wrapped = reflect.SliceOf(wrapped)
					}
					if !yield(wrapped) {
						return
					}
				}
			}
			arr := base
			for range sig.ArrayRank {
				arr = reflect.SliceOf(arr)
			}
			if !yield(arr) {
				return
			}
		}
	}), nil
}

func (m *TypeManager) typesForSimpleReference(ref string) iter.Seq[reflect.Type] {
	return func(yield func(reflect.Type) bool) {
		for _, mapping := range builtinTypes {
			if mapping.sig.SimpleReference == ref {
				if !yield(mapping.t) {
					return
				}
			}
		}
		if m.mapping == nil {
			return
		}
		for _, t := range m.mapping.TypesForSimpleReference(ref) {
			if !yield(t) {
				return
			}
		}
	}
}

// HostType returns the preferred Go type for sig.
func (m *TypeManager) HostType(sig TypeSignature) (reflect.Type, error) {
	seq, err := m.HostTypes(sig)
	if err != nil {
		return nil, err
	}
	for t := range seq {
		return t, nil
	}
	return nil, fmt.Errorf("no host type for signature %s", sig)
}
