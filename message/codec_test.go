package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streambus/errors"
)

type order struct {
	ID    int     `json:"id" yaml:"id"`
	Item  string  `json:"item" yaml:"item"`
	Total float64 `json:"total" yaml:"total"`
}

func TestJSONCodec(t *testing.T) {
	codec := JSONCodec[order]{}
	data, err := codec.Encode(order{ID: 1, Item: "widget", Total: 9.5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"item":"widget","total":9.5}`, string(data))

	got, err := Decode[order](codec, New("orders.new", data))
	require.NoError(t, err)
	assert.Equal(t, "widget", got.Item)
}

func TestJSONCodec_DecodeError(t *testing.T) {
	_, err := JSONCodec[order]{}.Decode([]byte("{not json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSerialization)
	assert.True(t, errors.IsInvalid(err))
	assert.False(t, errors.IsTransient(err))
}

func TestJSONCodec_EncodeError(t *testing.T) {
	_, err := JSONCodec[chan int]{}.Encode(make(chan int))
	assert.ErrorIs(t, err, errors.ErrSerialization)
}

func TestYAMLCodec(t *testing.T) {
	codec := YAMLCodec[order]{}
	data, err := codec.Encode(order{ID: 2, Item: "gadget"})
	require.NoError(t, err)
	assert.Contains(t, string(data), "item: gadget")

	got, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ID)

	_, err = codec.Decode([]byte("id: [unterminated"))
	assert.ErrorIs(t, err, errors.ErrSerialization)
}

func TestStringAndBytesCodec(t *testing.T) {
	s, err := StringCodec{}.Decode([]byte("Hello, World!"))
	require.NoError(t, err)
	assert.Equal(t, "Hello, World!", s)

	in := []byte{1, 2, 3}
	out, err := BytesCodec{}.Encode(in)
	require.NoError(t, err)
	in[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, out)
}
