package pack

import (
	"encoding/binary"
	"hash/fnv"
)

// Structure is a deterministic, data-independent fingerprint of a Value's
// shape: kind, nesting, field names, and (for arrays) dtype + shape. Two
// values with the same Structure satisfy I5/I6's "identical argument
// structure" requirement.
type Structure uint64

// Hash computes v's Structure, ignoring actual leaf bytes. When v is itself
// an array, its leading axis is left out of the fingerprint; arrays nested
// inside lists or structs contribute their full shape.
func Hash(v Value) Structure {
	h := fnv.New64a()
	hashInto(h, v, true)
	return Structure(h.Sum64())
}

func hashInto(h interface{ Write([]byte) (int, error) }, v Value, topLevelArray bool) {
	write := func(b []byte) { _, _ = h.Write(b) }
	writeU64 := func(n uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], n)
		write(b[:])
	}

	writeU64(uint64(v.Kind))
	switch v.Kind {
	case KindNull:
	case KindBytes:
		// content-independent: only the kind tag matters.
	case KindString:
	case KindArray:
		write([]byte(v.Array.Dtype))
		shape := v.Array.Shape
		if topLevelArray && len(shape) > 0 {
			shape = shape[1:]
		}
		writeU64(uint64(len(shape)))
		for _, d := range shape {
			writeU64(uint64(d))
		}
	case KindShared:
		write([]byte(v.Shared.Dtype))
		writeU64(uint64(len(v.Shared.Shape)))
		for _, d := range v.Shared.Shape {
			writeU64(uint64(d))
		}
	case KindList:
		writeU64(uint64(len(v.List)))
		for _, e := range v.List {
			hashInto(h, e, false)
		}
	case KindStruct:
		writeU64(uint64(len(v.Fields)))
		for _, f := range v.Fields {
			write([]byte(f.Name))
			hashInto(h, f.Value, false)
		}
	}
}

// LeafRef is a pointer to one array leaf inside a structured value,
// addressable so the batching gateway can copy into it or slice out of it
// without reconstructing the whole value.
type LeafRef struct {
	Get func() *Array
	Set func(*Array)
}

// Leaves walks v in a fixed, deterministic order (lists left-to-right,
// struct fields in declaration order) and returns a LeafRef for every array
// leaf. Non-array leaves (bytes/string/null/shared) are not batchable and
// are skipped; callers that require an all-array argument list (the
// batching gateway) must check Leaves' length against the total leaf count
// separately.
func Leaves(v *Value) []LeafRef {
	var out []LeafRef
	var walk func(v *Value)
	walk = func(v *Value) {
		switch v.Kind {
		case KindArray:
			vv := v
			out = append(out, LeafRef{
				Get: func() *Array { return vv.Array },
				Set: func(a *Array) { vv.Array = a },
			})
		case KindList:
			for i := range v.List {
				walk(&v.List[i])
			}
		case KindStruct:
			for i := range v.Fields {
				walk(&v.Fields[i].Value)
			}
		}
	}
	walk(v)
	return out
}

// CountLeaves counts every leaf value (array or not), used to validate that
// a batched method's arguments are array-only (§4.7: "Only array arguments
// can be batched").
func CountLeaves(v *Value) (arrays, total int) {
	var walk func(v *Value)
	walk = func(v *Value) {
		switch v.Kind {
		case KindArray:
			arrays++
			total++
		case KindList:
			for i := range v.List {
				walk(&v.List[i])
			}
		case KindStruct:
			for i := range v.Fields {
				walk(&v.Fields[i].Value)
			}
		default:
			total++
		}
	}
	walk(v)
	return arrays, total
}

// SliceRowAll returns a deep copy of v with every array leaf replaced by row
// i of itself (leading axis dropped). Used to unstack a batched inner
// result back into N individual replies (§4.7, P5).
func SliceRowAll(v Value, i int64) (Value, error) {
	switch v.Kind {
	case KindArray:
		row, err := v.Array.SliceRow(i)
		if err != nil {
			return Value{}, err
		}
		return FromArray(row), nil
	case KindList:
		out := make([]Value, len(v.List))
		for idx, e := range v.List {
			sliced, err := SliceRowAll(e, i)
			if err != nil {
				return Value{}, err
			}
			out[idx] = sliced
		}
		return List(out...), nil
	case KindStruct:
		out := make([]Field, len(v.Fields))
		for idx, f := range v.Fields {
			sliced, err := SliceRowAll(f.Value, i)
			if err != nil {
				return Value{}, err
			}
			out[idx] = Field{Name: f.Name, Value: sliced}
		}
		return Struct(out...), nil
	default:
		return v, nil
	}
}
