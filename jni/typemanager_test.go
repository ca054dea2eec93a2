package jni

import (
	"errors"
	"reflect"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type customMatrix struct{}

func (customMatrix) JNITypeSignature() TypeSignature {
	return TypeSignature{SimpleReference: "com/example/Row", ArrayRank: 1}
}

type color int32

type box[T any] struct{ v T }

type widget struct{}

func signaturesOf(t *testing.T, m *TypeManager, typ reflect.Type) []TypeSignature {
	t.Helper()
	seq, err := m.TypeSignatures(typ)
	if err != nil {
		t.Fatalf("TypeSignatures(%v): unexpected error: %v", typ, err)
	}
	return slices.Collect(seq)
}

func TestTypeManager_RoundTrip(t *testing.T) {
	m := NewTypeManager(nil)
	elems := []reflect.Type{
		reflect.TypeFor[bool](),
		reflect.TypeFor[int8](),
		reflect.TypeFor[uint16](),
		reflect.TypeFor[int16](),
		reflect.TypeFor[int32](),
		reflect.TypeFor[int64](),
		reflect.TypeFor[float32](),
		reflect.TypeFor[float64](),
		reflect.TypeFor[string](),
	}
	for _, elem := range elems {
		typ := elem
		for rank := 0; rank <= 3; rank++ {
			sig, err := m.TypeSignature(typ)
			if err != nil {
				t.Fatalf("TypeSignature(%v): unexpected error: %v", typ, err)
			}
			if sig.ArrayRank != rank {
				t.Errorf("TypeSignature(%v) rank = %d, want %d", typ, sig.ArrayRank, rank)
			}
			seq, err := m.HostTypes(sig)
			if err != nil {
				t.Fatalf("HostTypes(%s): unexpected error: %v", sig, err)
			}
			if !slices.Contains(slices.Collect(seq), typ) {
				t.Errorf("HostTypes(TypeSignature(%v)) does not include %v", typ, typ)
			}
			typ = reflect.SliceOf(typ)
		}
	}
}

func TestTypeManager_PrimitiveArrayWrappers(t *testing.T) {
	m := NewTypeManager(nil)
	got := signaturesOf(t, m, reflect.TypeFor[*PrimitiveArray[int32]]())
	want := []TypeSignature{keywordSignature(KindInt).AddArrayRank(1)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("signatures mismatch (-want +got):\n%s", diff)
	}

	got = signaturesOf(t, m, reflect.TypeFor[[]ObjectArray[string]]())
	want = []TypeSignature{classSignature("java/lang/String").AddArrayRank(2)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("signatures mismatch (-want +got):\n%s", diff)
	}

	seq, err := m.HostTypes(keywordSignature(KindInt).AddArrayRank(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := slices.Collect(seq)[0]
	if first != reflect.TypeFor[[]PrimitiveArray[int32]]() {
		t.Errorf("expected the innermost level to use the primitive array wrapper, got %v", first)
	}
}

func TestTypeManager_RankAccumulation(t *testing.T) {
	m := NewTypeManager(nil)
	sig, err := m.TypeSignature(reflect.TypeFor[[][]customMatrix]())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := TypeSignature{SimpleReference: "com/example/Row", ArrayRank: 3}
	if sig != want {
		t.Errorf("TypeSignature() = %s, want %s", sig, want)
	}
}

func TestTypeManager_Enums(t *testing.T) {
	m := NewTypeManager(nil)
	sig, err := m.TypeSignature(reflect.TypeFor[[]color]())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig != keywordSignature(KindInt).AddArrayRank(1) {
		t.Errorf("expected named integers to resolve to their underlying kind, got %s", sig)
	}

	tm := NewTypeMap()
	if err := MapType[color](tm, "com/example/Color"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := signaturesOf(t, NewTypeManager(tm), reflect.TypeFor[color]())
	want := []TypeSignature{classSignature("com/example/Color")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("expected a mapped named integer to keep its mapping (-want +got):\n%s", diff)
	}
}

func TestTypeManager_Unsupported(t *testing.T) {
	m := NewTypeManager(nil)

	_, err := m.TypeSignatures(reflect.TypeFor[[2][3]int32]())
	var unsupported *UnsupportedError
	if !errors.As(err, &unsupported) {
		t.Errorf("expected *UnsupportedError for fixed-length arrays, got %v", err)
	}

	_, err = m.TypeSignatures(nil)
	var usage *UsageError
	if !errors.As(err, &usage) {
		t.Errorf("expected *UsageError for a nil type, got %v", err)
	}

	if _, err := m.TypeSignature(reflect.TypeFor[widget]()); err == nil {
		t.Errorf("expected an error for a type without a signature")
	}
}

func TestTypeManager_RejectsMalformedSimpleReferences(t *testing.T) {
	m := NewTypeManager(nil)
	for _, ref := range []string{"[I", "Ljava/lang/String;", "java.lang.String"} {
		_, err := m.HostTypes(TypeSignature{SimpleReference: ref})
		var usage *UsageError
		if !errors.As(err, &usage) {
			t.Errorf("HostTypes(%q) = %v, want *UsageError", ref, err)
		}
	}
}

func TestTypeManager_Mapping(t *testing.T) {
	tm := NewTypeMap()
	if err := MapType[widget](tm, "com/example/Widget"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	def, ok := DefinitionOf(reflect.TypeFor[box[int32]]())
	if !ok {
		t.Fatalf("expected box[int32] to be a generic instantiation")
	}
	if err := tm.AddDefinition(def, "com/example/Box"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tm.Add(reflect.TypeFor[widget](), "com.example.Widget"); err == nil {
		t.Errorf("expected dot-separated names to be rejected")
	}
	m := NewTypeManager(tm)

	got := signaturesOf(t, m, reflect.TypeFor[[]widget]())
	want := []TypeSignature{classSignature("com/example/Widget").AddArrayRank(1)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("signatures mismatch (-want +got):\n%s", diff)
	}

	got = signaturesOf(t, m, reflect.TypeFor[box[string]]())
	want = []TypeSignature{classSignature("com/example/Box")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("generic definition mismatch (-want +got):\n%s", diff)
	}

	typ, err := m.HostType(classSignature("com/example/Widget"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if typ != reflect.TypeFor[widget]() {
		t.Errorf("HostType() = %v, want widget", typ)
	}
}

func TestTypeManager_Deduplicates(t *testing.T) {
	tm := NewTypeMap()
	if err := MapType[string](tm, "java/lang/String"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := NewTypeManager(tm)
	got := signaturesOf(t, m, reflect.TypeFor[string]())
	if len(got) != 1 {
		t.Errorf("expected duplicate candidates to be removed, got %v", got)
	}
}
