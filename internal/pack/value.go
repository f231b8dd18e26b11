// Package pack implements the packing interface the core RPC layer
// consumes (§4.4): turning a structured user value into one self-describing
// byte slice and back, plus the structure-hashing and leaf-mapping
// primitives the batching gateway needs.
package pack

import "fmt"

// Kind discriminates the variants a Value may hold.
type Kind uint8

const (
	KindNull Kind = iota
	KindBytes
	KindString
	KindArray
	KindShared
	KindList
	KindStruct
)

// Array is an N-D array leaf: an explicit dtype and shape over a flat byte
// buffer. Dtype strings follow the numpy-style convention ("float32",
// "int64", "uint8", ...) since that's what the array serialization format
// this core sits on top of (out of scope, §1) is expected to produce.
type Array struct {
	Dtype string
	Shape []int64
	Data  []byte
}

func (a *Array) elemSize() int {
	switch a.Dtype {
	case "int8", "uint8", "bool":
		return 1
	case "int16", "uint16", "float16":
		return 2
	case "int32", "uint32", "float32":
		return 4
	case "int64", "uint64", "float64":
		return 8
	default:
		return 1
	}
}

// RowCount returns the size of the leading axis, i.e. the batch dimension.
func (a *Array) RowCount() int64 {
	if len(a.Shape) == 0 {
		return 0
	}
	return a.Shape[0]
}

// SliceRow returns a new Array holding row i along the leading axis
// (shape[1:], data sliced accordingly). Used to unstack a batched result;
// rows are written into a destination buffer with SetRow.
func (a *Array) SliceRow(i int64) (*Array, error) {
	if len(a.Shape) == 0 {
		return nil, fmt.Errorf("pack: cannot slice a scalar array")
	}
	if i < 0 || i >= a.Shape[0] {
		return nil, fmt.Errorf("pack: row %d out of bounds (leading axis %d)", i, a.Shape[0])
	}
	rowShape := append([]int64(nil), a.Shape[1:]...)
	rowElems := int64(1)
	for _, d := range rowShape {
		rowElems *= d
	}
	stride := rowElems * int64(a.elemSize())
	start := i * stride
	return &Array{
		Dtype: a.Dtype,
		Shape: rowShape,
		Data:  a.Data[start : start+stride],
	}, nil
}

// NewStackedArray allocates a destination buffer shaped (n, *leafShape)
// with leaf's dtype, for the batching gateway (§4.7).
func NewStackedArray(leaf *Array, n int) *Array {
	shape := make([]int64, len(leaf.Shape)+1)
	shape[0] = int64(n)
	copy(shape[1:], leaf.Shape)
	elems := int64(1)
	for _, d := range leaf.Shape {
		elems *= d
	}
	rowBytes := elems * int64(leaf.elemSize())
	return &Array{
		Dtype: leaf.Dtype,
		Shape: shape,
		Data:  make([]byte, rowBytes*int64(n)),
	}
}

// SetRow copies src (a non-stacked leaf of the same dtype/shape) into row i
// of a stacked destination array.
func (a *Array) SetRow(i int, src *Array) error {
	if src.Dtype != a.Dtype {
		return fmt.Errorf("pack: dtype mismatch setting row %d: %s != %s", i, src.Dtype, a.Dtype)
	}
	if len(src.Shape) != len(a.Shape)-1 {
		return fmt.Errorf("pack: shape rank mismatch setting row %d", i)
	}
	for d := range src.Shape {
		if src.Shape[d] != a.Shape[d+1] {
			return fmt.Errorf("pack: shape mismatch setting row %d: %v != %v", i, src.Shape, a.Shape[1:])
		}
	}
	rowBytes := len(src.Data)
	start := i * rowBytes
	if start+rowBytes > len(a.Data) {
		return fmt.Errorf("pack: row %d exceeds destination buffer", i)
	}
	copy(a.Data[start:start+rowBytes], src.Data)
	return nil
}

// Shared is an opaque shared-memory array handle (§4.4): the core never
// interprets it beyond carrying it through pack/unpack.
type Shared struct {
	ID    string
	Dtype string
	Shape []int64
}

// Field is one named member of a Struct value; Structs keep Fields ordered
// so structure hashing and wire encoding are deterministic.
type Field struct {
	Name  string
	Value Value
}

// Value is the core's structured-argument model: a tagged union over
// bytes, UTF-8 strings, scalar/N-D arrays, shared-array handles, null,
// ordered lists, and ordered structs (nesting is unrestricted).
type Value struct {
	Kind   Kind
	Bytes  []byte
	Str    string
	Array  *Array
	Shared *Shared
	List   []Value
	Fields []Field
}

func Null() Value                 { return Value{Kind: KindNull} }
func Bytes(b []byte) Value        { return Value{Kind: KindBytes, Bytes: b} }
func String(s string) Value       { return Value{Kind: KindString, Str: s} }
func FromArray(a *Array) Value    { return Value{Kind: KindArray, Array: a} }
func FromShared(s *Shared) Value  { return Value{Kind: KindShared, Shared: s} }
func List(vs ...Value) Value      { return Value{Kind: KindList, List: vs} }
func Struct(fields ...Field) Value {
	return Value{Kind: KindStruct, Fields: fields}
}
