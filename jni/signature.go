package jni

import (
	"fmt"
	"strings"
)

// TypeSignature is a foreign type descriptor split into its simple
// reference ("java/lang/String", or a keyword such as "I"), its array rank,
// and whether the simple reference is a primitive keyword.
type TypeSignature struct {
	SimpleReference string
	ArrayRank       int
	IsKeyword       bool
}

func (s TypeSignature) IsValid() bool {
	return s.SimpleReference != ""
}

// AddArrayRank returns s with n more array dimensions.
func (s TypeSignature) AddArrayRank(n int) TypeSignature {
	s.ArrayRank += n
	return s
}

// QualifiedReference is the descriptor form: "I", "[[I",
// "Ljava/lang/String;", "[Ljava/lang/String;".
func (s TypeSignature) QualifiedReference() string {
	var b strings.Builder
	for range s.ArrayRank {
		b.WriteByte('[')
	}
	if s.IsKeyword {
		b.WriteString(s.SimpleReference)
	} else {
		b.WriteByte('L')
		b.WriteString(s.SimpleReference)
		b.WriteByte(';')
	}
	return b.String()
}

// Name is the form FindClass accepts: the simple reference for classes and
// the descriptor for arrays.
func (s TypeSignature) Name() string {
	if s.ArrayRank == 0 {
		return s.SimpleReference
	}
	return s.QualifiedReference()
}

// Kind is the slot kind a value of this type occupies.
func (s TypeSignature) Kind() Kind {
	if s.ArrayRank > 0 || !s.IsKeyword {
		return KindObject
	}
	k, _ := kindForKeyword(s.SimpleReference)
	return k
}

func (s TypeSignature) String() string {
	if !s.IsValid() {
		return "<invalid>"
	}
	return s.QualifiedReference()
}

func keywordSignature(k Kind) TypeSignature {
	return TypeSignature{SimpleReference: k.Keyword(), IsKeyword: true}
}

func classSignature(name string) TypeSignature {
	return TypeSignature{SimpleReference: name}
}

// ValidateSimpleReference rejects names that are not slash-separated simple
// class names.
func ValidateSimpleReference(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty simple reference", ErrMalformedSignature)
	case strings.Contains(name, "."):
		return fmt.Errorf("%w: %q", ErrDotSeparatedName, name)
	case strings.HasPrefix(name, "["):
		return fmt.Errorf("%w: simple reference %q must not be an array descriptor", ErrMalformedSignature, name)
	case strings.HasPrefix(name, "L") && strings.HasSuffix(name, ";"):
		return fmt.Errorf("%w: simple reference %q must not be a qualified reference", ErrMalformedSignature, name)
	case strings.ContainsAny(name, ";[()"):
		return fmt.Errorf("%w: %q", ErrMalformedSignature, name)
	}
	return nil
}

// ParseTypeSignature parses a descriptor ("[I", "Ljava/lang/Object;") or a
// bare simple reference ("java/lang/Object").
func ParseTypeSignature(s string) (TypeSignature, error) {
	if s == "" {
		return TypeSignature{}, fmt.Errorf("%w: empty signature", ErrMalformedSignature)
	}
	sig, n, err := parseDescriptor(s, 0)
	if err == nil && n == len(s) {
		return sig, nil
	}
	if strings.HasPrefix(s, "[") || strings.HasSuffix(s, ";") {
		if err == nil {
			err = fmt.Errorf("%w: trailing data in %q", ErrMalformedSignature, s)
		}
		return TypeSignature{}, err
	}
	if err := ValidateSimpleReference(s); err != nil {
		return TypeSignature{}, err
	}
	if _, ok := kindForKeyword(s); ok {
		return TypeSignature{SimpleReference: s, IsKeyword: true}, nil
	}
	return classSignature(s), nil
}

func parseDescriptor(s string, i int) (TypeSignature, int, error) {
	rank := 0
	for i < len(s) && s[i] == '[' {
		rank++
		i++
	}
	if i >= len(s) {
		return TypeSignature{}, i, fmt.Errorf("%w: truncated %q", ErrMalformedSignature, s)
	}
	if s[i] == 'L' {
		end := strings.IndexByte(s[i:], ';')
		if end < 0 {
			return TypeSignature{}, i, fmt.Errorf("%w: unterminated class reference in %q", ErrMalformedSignature, s)
		}
		name := s[i+1 : i+end]
		if err := ValidateSimpleReference(name); err != nil {
			return TypeSignature{}, i, err
		}
		return TypeSignature{SimpleReference: name, ArrayRank: rank}, i + end + 1, nil
	}
	k, ok := kindForKeyword(s[i : i+1])
	if !ok {
		return TypeSignature{}, i, fmt.Errorf("%w: unexpected %q in %q", ErrMalformedSignature, s[i], s)
	}
	if k == KindVoid && rank > 0 {
		return TypeSignature{}, i, fmt.Errorf("%w: array of void in %q", ErrMalformedSignature, s)
	}
	return TypeSignature{SimpleReference: s[i : i+1], ArrayRank: rank, IsKeyword: true}, i + 1, nil
}

// ParseMethodSignature splits "(ILjava/lang/String;)V" into parameter and
// return signatures.
func ParseMethodSignature(s string) ([]TypeSignature, TypeSignature, error) {
	if !strings.HasPrefix(s, "(") {
		return nil, TypeSignature{}, fmt.Errorf("%w: method signature %q must start with '('", ErrMalformedSignature, s)
	}
	var params []TypeSignature
	i := 1
	for {
		if i >= len(s) {
			return nil, TypeSignature{}, fmt.Errorf("%w: unterminated parameter list in %q", ErrMalformedSignature, s)
		}
		if s[i] == ')' {
			i++
			break
		}
		p, next, err := parseDescriptor(s, i)
		if err != nil {
			return nil, TypeSignature{}, err
		}
		if p.IsKeyword && p.ArrayRank == 0 && p.SimpleReference == "V" {
			return nil, TypeSignature{}, fmt.Errorf("%w: void parameter in %q", ErrMalformedSignature, s)
		}
		params = append(params, p)
		i = next
	}
	ret, next, err := parseDescriptor(s, i)
	if err != nil {
		return nil, TypeSignature{}, err
	}
	if next != len(s) {
		return nil, TypeSignature{}, fmt.Errorf("%w: trailing data in %q", ErrMalformedSignature, s)
	}
	return params, ret, nil
}

// MethodSignature renders parameter and return signatures as a method
// descriptor.
func MethodSignature(ret TypeSignature, params ...TypeSignature) string {
	var b strings.Builder
	b.WriteByte('(')
	for _, p := range params {
		b.WriteString(p.QualifiedReference())
	}
	b.WriteByte(')')
	b.WriteString(ret.QualifiedReference())
	return b.String()
}

var primitiveClassNames = map[string]Kind{
	"void":    KindVoid,
	"boolean": KindBoolean,
	"byte":    KindByte,
	"char":    KindChar,
	"short":   KindShort,
	"int":     KindInt,
	"long":    KindLong,
	"float":   KindFloat,
	"double":  KindDouble,
}

// TypeSignatureFromClassName converts the binary name reported by
// Class.getName ("int", "java.lang.String", "[Ljava.lang.String;").
func TypeSignatureFromClassName(name string) (TypeSignature, error) {
	if k, ok := primitiveClassNames[name]; ok {
		return keywordSignature(k), nil
	}
	slashed := strings.ReplaceAll(name, ".", "/")
	if strings.HasPrefix(slashed, "[") {
		return ParseTypeSignature(slashed)
	}
	if err := ValidateSimpleReference(slashed); err != nil {
		return TypeSignature{}, err
	}
	return classSignature(slashed), nil
}
