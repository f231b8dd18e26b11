package pack

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

// Codec is the packing service the core consumes (§4.4): Pack turns a
// Value into self-describing bytes, Unpack reverses it. Framing (the
// length prefix) is added separately by the frame codec, never by Pack.
type Codec interface {
	Pack(v Value) ([]byte, error)
	Unpack(data []byte) (Value, error)
}

// BorshCodec encodes Values with github.com/gagliardetto/binary's Borsh
// encoder, the same tagged-struct encoding
// smartcontract/sdk/go/telemetry's account state uses for its on-chain
// structures, adapted here to a recursive variant encoding instead of a
// single fixed layout.
type BorshCodec struct{}

func NewBorshCodec() *BorshCodec { return &BorshCodec{} }

func (BorshCodec) Pack(v Value) ([]byte, error) {
	var buf bytes.Buffer
	enc := bin.NewBorshEncoder(&buf)
	if err := encodeValue(enc, v); err != nil {
		return nil, fmt.Errorf("pack: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (BorshCodec) Unpack(data []byte) (Value, error) {
	dec := bin.NewBorshDecoder(data)
	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, fmt.Errorf("pack: decode: %w", err)
	}
	return v, nil
}

func encodeValue(enc *bin.Encoder, v Value) error {
	if err := enc.Encode(uint8(v.Kind)); err != nil {
		return err
	}
	switch v.Kind {
	case KindNull:
		return nil
	case KindBytes:
		return enc.Encode(v.Bytes)
	case KindString:
		return enc.Encode(v.Str)
	case KindArray:
		return encodeArray(enc, v.Array)
	case KindShared:
		if err := enc.Encode(v.Shared.ID); err != nil {
			return err
		}
		if err := enc.Encode(v.Shared.Dtype); err != nil {
			return err
		}
		return enc.Encode(v.Shared.Shape)
	case KindList:
		if err := enc.Encode(uint64(len(v.List))); err != nil {
			return err
		}
		for _, e := range v.List {
			if err := encodeValue(enc, e); err != nil {
				return err
			}
		}
		return nil
	case KindStruct:
		if err := enc.Encode(uint64(len(v.Fields))); err != nil {
			return err
		}
		for _, f := range v.Fields {
			if err := enc.Encode(f.Name); err != nil {
				return err
			}
			if err := encodeValue(enc, f.Value); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("pack: unknown kind %d", v.Kind)
	}
}

func encodeArray(enc *bin.Encoder, a *Array) error {
	if err := enc.Encode(a.Dtype); err != nil {
		return err
	}
	if err := enc.Encode(a.Shape); err != nil {
		return err
	}
	return enc.Encode(a.Data)
}

func decodeValue(dec *bin.Decoder) (Value, error) {
	var kind uint8
	if err := dec.Decode(&kind); err != nil {
		return Value{}, err
	}
	switch Kind(kind) {
	case KindNull:
		return Null(), nil
	case KindBytes:
		var b []byte
		if err := dec.Decode(&b); err != nil {
			return Value{}, err
		}
		return Bytes(b), nil
	case KindString:
		var s string
		if err := dec.Decode(&s); err != nil {
			return Value{}, err
		}
		return String(s), nil
	case KindArray:
		a, err := decodeArray(dec)
		if err != nil {
			return Value{}, err
		}
		return FromArray(a), nil
	case KindShared:
		var id, dtype string
		var shape []int64
		if err := dec.Decode(&id); err != nil {
			return Value{}, err
		}
		if err := dec.Decode(&dtype); err != nil {
			return Value{}, err
		}
		if err := dec.Decode(&shape); err != nil {
			return Value{}, err
		}
		return FromShared(&Shared{ID: id, Dtype: dtype, Shape: shape}), nil
	case KindList:
		var n uint64
		if err := dec.Decode(&n); err != nil {
			return Value{}, err
		}
		list := make([]Value, n)
		for i := range list {
			e, err := decodeValue(dec)
			if err != nil {
				return Value{}, err
			}
			list[i] = e
		}
		return List(list...), nil
	case KindStruct:
		var n uint64
		if err := dec.Decode(&n); err != nil {
			return Value{}, err
		}
		fields := make([]Field, n)
		for i := range fields {
			var name string
			if err := dec.Decode(&name); err != nil {
				return Value{}, err
			}
			val, err := decodeValue(dec)
			if err != nil {
				return Value{}, err
			}
			fields[i] = Field{Name: name, Value: val}
		}
		return Struct(fields...), nil
	default:
		return Value{}, fmt.Errorf("pack: unknown kind %d", kind)
	}
}

func decodeArray(dec *bin.Decoder) (*Array, error) {
	var dtype string
	var shape []int64
	var data []byte
	if err := dec.Decode(&dtype); err != nil {
		return nil, err
	}
	if err := dec.Decode(&shape); err != nil {
		return nil, err
	}
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	return &Array{Dtype: dtype, Shape: shape, Data: data}, nil
}
