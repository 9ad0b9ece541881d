// Package managed is the object model seen through the JNI bridge:
// classes, members, instances, arrays, strings and throwables, plus the
// descriptor grammar used to name them.
package managed

import (
	"fmt"
	"strings"
)

// Kind is a descriptor type code.
type Kind byte

const (
	Void    Kind = 'V'
	Boolean Kind = 'Z'
	Byte    Kind = 'B'
	Char    Kind = 'C'
	Short   Kind = 'S'
	Int     Kind = 'I'
	Long    Kind = 'J'
	Float   Kind = 'F'
	Double  Kind = 'D'
	Ref     Kind = 'L'
)

// Size returns the storage size of a primitive kind in bytes. Ref is
// reported as 8, the width of a handle.
func (k Kind) Size() int {
	switch k {
	case Boolean, Byte:
		return 1
	case Char, Short:
		return 2
	case Int, Float:
		return 4
	case Long, Double, Ref:
		return 8
	}
	return 0
}

// IsPrimitive reports whether k is a non-void primitive kind.
func (k Kind) IsPrimitive() bool {
	switch k {
	case Boolean, Byte, Char, Short, Int, Long, Float, Double:
		return true
	}
	return false
}

// IsFloat reports whether k travels in floating point registers.
func (k Kind) IsFloat() bool { return k == Float || k == Double }

// Name returns the Java keyword for a primitive kind.
func (k Kind) Name() string {
	switch k {
	case Void:
		return "void"
	case Boolean:
		return "boolean"
	case Byte:
		return "byte"
	case Char:
		return "char"
	case Short:
		return "short"
	case Int:
		return "int"
	case Long:
		return "long"
	case Float:
		return "float"
	case Double:
		return "double"
	case Ref:
		return "object"
	}
	return fmt.Sprintf("kind(%c)", byte(k))
}

func (k Kind) String() string { return k.Name() }

// Type is one parsed field descriptor.
type Type struct {
	Kind Kind
	// Desc is the full descriptor, e.g. "I", "Ljava/lang/String;" or "[[J".
	Desc string
}

// ClassName returns the binary name a reference descriptor denotes:
// "java.lang.String" for "Ljava/lang/String;" and "[I" for "[I".
func (t Type) ClassName() string {
	switch {
	case t.Kind != Ref:
		return t.Kind.Name()
	case t.Desc[0] == 'L':
		return strings.ReplaceAll(t.Desc[1:len(t.Desc)-1], "/", ".")
	default:
		return strings.ReplaceAll(t.Desc, "/", ".")
	}
}

// MethodType is a parsed method descriptor.
type MethodType struct {
	Params []Type
	Return Type
}

// ParseFieldDescriptor parses a single field descriptor.
func ParseFieldDescriptor(desc string) (Type, error) {
	t, n, err := parseType(desc, 0, false)
	if err != nil {
		return Type{}, err
	}
	if n != len(desc) {
		return Type{}, fmt.Errorf("descriptor %q: trailing data at %d", desc, n)
	}
	return t, nil
}

// ParseMethodDescriptor parses "(params)ret".
func ParseMethodDescriptor(desc string) (MethodType, error) {
	if len(desc) < 3 || desc[0] != '(' {
		return MethodType{}, fmt.Errorf("method descriptor %q: missing '('", desc)
	}
	var mt MethodType
	i := 1
	for i < len(desc) && desc[i] != ')' {
		t, n, err := parseType(desc, i, false)
		if err != nil {
			return MethodType{}, err
		}
		mt.Params = append(mt.Params, t)
		i = n
	}
	if i >= len(desc) {
		return MethodType{}, fmt.Errorf("method descriptor %q: missing ')'", desc)
	}
	ret, n, err := parseType(desc, i+1, true)
	if err != nil {
		return MethodType{}, err
	}
	if n != len(desc) {
		return MethodType{}, fmt.Errorf("method descriptor %q: trailing data at %d", desc, n)
	}
	mt.Return = ret
	return mt, nil
}

func parseType(desc string, i int, allowVoid bool) (Type, int, error) {
	if i >= len(desc) {
		return Type{}, i, fmt.Errorf("descriptor %q: unexpected end", desc)
	}
	switch c := Kind(desc[i]); c {
	case Boolean, Byte, Char, Short, Int, Long, Float, Double:
		return Type{Kind: c, Desc: desc[i : i+1]}, i + 1, nil
	case Void:
		if !allowVoid {
			return Type{}, i, fmt.Errorf("descriptor %q: void not allowed at %d", desc, i)
		}
		return Type{Kind: Void, Desc: "V"}, i + 1, nil
	case 'L':
		end := strings.IndexByte(desc[i:], ';')
		if end <= 1 {
			return Type{}, i, fmt.Errorf("descriptor %q: unterminated class at %d", desc, i)
		}
		return Type{Kind: Ref, Desc: desc[i : i+end+1]}, i + end + 1, nil
	case '[':
		j := i
		for j < len(desc) && desc[j] == '[' {
			j++
		}
		if j-i > 255 {
			return Type{}, i, fmt.Errorf("descriptor %q: too many dimensions", desc)
		}
		_, n, err := parseType(desc, j, false)
		if err != nil {
			return Type{}, i, err
		}
		return Type{Kind: Ref, Desc: desc[i:n]}, n, nil
	default:
		return Type{}, i, fmt.Errorf("descriptor %q: bad type code %q at %d", desc, desc[i], i)
	}
}

// DescriptorOf returns the field descriptor for a binary class name.
func DescriptorOf(name string) string {
	if strings.HasPrefix(name, "[") {
		return strings.ReplaceAll(name, ".", "/")
	}
	switch name {
	case "boolean":
		return "Z"
	case "byte":
		return "B"
	case "char":
		return "C"
	case "short":
		return "S"
	case "int":
		return "I"
	case "long":
		return "J"
	case "float":
		return "F"
	case "double":
		return "D"
	case "void":
		return "V"
	}
	return "L" + strings.ReplaceAll(name, ".", "/") + ";"
}
