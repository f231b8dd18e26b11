package pack

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPack_BorshCodec_RoundTrips_AllKinds(t *testing.T) {
	t.Parallel()

	arr := &Array{Dtype: "float32", Shape: []int64{2, 3}, Data: make([]byte, 2*3*4)}
	for i := range arr.Data {
		arr.Data[i] = byte(i)
	}

	cases := map[string]Value{
		"null":   Null(),
		"bytes":  Bytes([]byte{1, 2, 3}),
		"string": String("hello"),
		"array":  FromArray(arr),
		"shared": FromShared(&Shared{ID: "shm0", Dtype: "int64", Shape: []int64{4}}),
		"list":   List(String("a"), Bytes([]byte{9}), Null()),
		"struct": Struct(
			Field{Name: "x", Value: String("v")},
			Field{Name: "y", Value: FromArray(arr)},
		),
		"nested": List(
			Struct(Field{Name: "inner", Value: List(Null(), String("z"))}),
		),
	}

	codec := NewBorshCodec()
	for name, v := range cases {
		v := v
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			body, err := codec.Pack(v)
			require.NoError(t, err)

			got, err := codec.Unpack(body)
			require.NoError(t, err)
			require.Equal(t, v, got)
		})
	}
}

func TestPack_BorshCodec_Unpack_RejectsTruncatedInput(t *testing.T) {
	t.Parallel()

	codec := NewBorshCodec()
	body, err := codec.Pack(Struct(Field{Name: "f", Value: String("v")}))
	require.NoError(t, err)

	_, err = codec.Unpack(body[:len(body)-2])
	require.Error(t, err)
}

func TestPack_BorshCodec_Unpack_RejectsUnknownKind(t *testing.T) {
	t.Parallel()

	codec := NewBorshCodec()
	_, err := codec.Unpack([]byte{42})
	require.Error(t, err)
}
