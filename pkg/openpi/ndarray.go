package openpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// NDArray is the msgpack convention numpy-speaking peers use for arrays: a
// map with binary keys nd, type, kind, shape and data. Type is the numpy
// dtype descriptor ("|u1", "<f4", ...) and Data the raw C-order buffer.
type NDArray struct {
	Type  string
	Shape []int
	Data  []byte
}

// Message is a decoded msgpack map with its binary or string keys
// normalized to strings.
type Message map[string]any

// Uint8ND wraps a raw uint8 tensor.
func Uint8ND(shape []int, data []byte) NDArray {
	return NDArray{Type: "|u1", Shape: shape, Data: data}
}

// Float32ND builds a one-dimensional float32 array.
func Float32ND(vals []float64) NDArray {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(float32(v)))
	}
	return NDArray{Type: "<f4", Shape: []int{len(vals)}, Data: data}
}

// Len returns the element count implied by the shape.
func (a NDArray) Len() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// EncodeMsgpack writes the array in the exact layout the Python side
// matches on: a map whose keys are msgpack bin values, not strings.
func (a NDArray) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(5); err != nil {
		return err
	}
	if err := enc.EncodeBytes([]byte("nd")); err != nil {
		return err
	}
	if err := enc.EncodeBool(true); err != nil {
		return err
	}
	if err := enc.EncodeBytes([]byte("type")); err != nil {
		return err
	}
	if err := enc.EncodeString(a.Type); err != nil {
		return err
	}
	if err := enc.EncodeBytes([]byte("kind")); err != nil {
		return err
	}
	if err := enc.EncodeString(""); err != nil {
		return err
	}
	if err := enc.EncodeBytes([]byte("shape")); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(a.Shape)); err != nil {
		return err
	}
	for _, d := range a.Shape {
		if err := enc.EncodeInt(int64(d)); err != nil {
			return err
		}
	}
	if err := enc.EncodeBytes([]byte("data")); err != nil {
		return err
	}
	return enc.EncodeBytes(a.Data)
}

// Floats returns the array's elements as float64, flattened in C order.
func (a NDArray) Floats() ([]float64, error) {
	order, size, err := a.layout()
	if err != nil {
		return nil, err
	}
	if len(a.Data) != size*a.Len() {
		return nil, fmt.Errorf("ndarray %s: %d data bytes for shape %v", a.Type, len(a.Data), a.Shape)
	}

	out := make([]float64, a.Len())
	for i := range out {
		chunk := a.Data[i*size:]
		switch {
		case size == 1:
			out[i] = float64(chunk[0])
		case a.Type[1] == 'f' && size == 4:
			out[i] = float64(math.Float32frombits(order.Uint32(chunk)))
		case a.Type[1] == 'f' && size == 8:
			out[i] = math.Float64frombits(order.Uint64(chunk))
		case size == 4:
			out[i] = float64(int32(order.Uint32(chunk)))
		default:
			out[i] = float64(int64(order.Uint64(chunk)))
		}
	}
	return out, nil
}

func (a NDArray) layout() (binary.ByteOrder, int, error) {
	if len(a.Type) != 3 {
		return nil, 0, fmt.Errorf("unsupported dtype %q", a.Type)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if a.Type[0] == '>' {
		order = binary.BigEndian
	}
	switch a.Type[1:] {
	case "u1", "i1":
		return order, 1, nil
	case "f4", "i4", "u4":
		return order, 4, nil
	case "f8", "i8", "u8":
		return order, 8, nil
	}
	return nil, 0, fmt.Errorf("unsupported dtype %q", a.Type)
}

// decodeMessage decodes one msgpack frame. Maps following the numpy
// convention come back as NDArray, other maps as Message.
func decodeMessage(data []byte) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	return decodeAny(dec)
}

func decodeAny(dec *msgpack.Decoder) (any, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}
	switch {
	case c == msgpcode.Nil:
		return nil, dec.DecodeNil()
	case c == msgpcode.True, c == msgpcode.False:
		return dec.DecodeBool()
	case msgpcode.IsFixedNum(c),
		c == msgpcode.Uint8, c == msgpcode.Uint16, c == msgpcode.Uint32, c == msgpcode.Uint64,
		c == msgpcode.Int8, c == msgpcode.Int16, c == msgpcode.Int32, c == msgpcode.Int64:
		return dec.DecodeInt64()
	case c == msgpcode.Float, c == msgpcode.Double:
		return dec.DecodeFloat64()
	case msgpcode.IsString(c):
		return dec.DecodeString()
	case msgpcode.IsBin(c):
		return dec.DecodeBytes()
	case msgpcode.IsFixedArray(c), c == msgpcode.Array16, c == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		out := make([]any, n)
		for i := range out {
			if out[i], err = decodeAny(dec); err != nil {
				return nil, err
			}
		}
		return out, nil
	case msgpcode.IsFixedMap(c), c == msgpcode.Map16, c == msgpcode.Map32:
		return decodeMap(dec)
	default:
		return dec.DecodeInterface()
	}
}

// decodeMap normalizes binary and string keys to strings, then lifts maps
// following the numpy convention into NDArray values.
func decodeMap(dec *msgpack.Decoder) (any, error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	msg := make(Message, n)
	for i := 0; i < n; i++ {
		rawKey, err := decodeAny(dec)
		if err != nil {
			return nil, err
		}
		var key string
		switch k := rawKey.(type) {
		case string:
			key = k
		case []byte:
			key = string(k)
		default:
			return nil, fmt.Errorf("map key %T, want string or bytes", rawKey)
		}
		if msg[key], err = decodeAny(dec); err != nil {
			return nil, err
		}
	}
	if nd, ok := asNDArray(msg); ok {
		return nd, nil
	}
	return msg, nil
}

func asNDArray(msg Message) (NDArray, bool) {
	isND, ok := msg["nd"].(bool)
	if !ok || !isND {
		return NDArray{}, false
	}
	dtype, ok := msg["type"].(string)
	if !ok {
		return NDArray{}, false
	}
	data, ok := msg["data"].([]byte)
	if !ok {
		return NDArray{}, false
	}
	rawShape, ok := msg["shape"].([]any)
	if !ok {
		return NDArray{}, false
	}
	shape := make([]int, len(rawShape))
	for i, d := range rawShape {
		dim, ok := d.(int64)
		if !ok {
			return NDArray{}, false
		}
		shape[i] = int(dim)
	}
	return NDArray{Type: dtype, Shape: shape, Data: data}, true
}
