package checkpoints

import (
	"bytes"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Binary layout:
//
//	"TRHP" | version byte | protobuf-wire body | blake2b-256(everything before)
//
// Body fields:
//
//	1 kind        string
//	2 created_at  google.protobuf.Timestamp
//	3 scalar      message { 1 key string, 2 value double }  (repeated, sorted by key)
//	4 tensor      message { 1 name string, 2 shape packed varint, 3 data packed float } (repeated)
var magic = []byte("TRHP")

const formatVersion byte = 1

// ErrCorruptCheckpoint is returned for files that fail framing or digest checks
var ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

const (
	fieldKind      protowire.Number = 1
	fieldCreatedAt protowire.Number = 2
	fieldScalar    protowire.Number = 3
	fieldTensor    protowire.Number = 4

	fieldScalarKey   protowire.Number = 1
	fieldScalarValue protowire.Number = 2

	fieldTensorName  protowire.Number = 1
	fieldTensorShape protowire.Number = 2
	fieldTensorData  protowire.Number = 3
)

// Marshal encodes sd into the binary checkpoint format
func Marshal(sd *StateDict) ([]byte, error) {
	b := make([]byte, 0, estimateSize(sd))
	b = append(b, magic...)
	b = append(b, formatVersion)

	b = protowire.AppendTag(b, fieldKind, protowire.BytesType)
	b = protowire.AppendString(b, sd.Kind)

	if !sd.CreatedAt.IsZero() {
		ts, err := proto.Marshal(timestamppb.New(sd.CreatedAt))
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal checkpoint timestamp")
		}
		b = protowire.AppendTag(b, fieldCreatedAt, protowire.BytesType)
		b = protowire.AppendBytes(b, ts)
	}

	for _, key := range sd.scalarKeys() {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldScalarKey, protowire.BytesType)
		entry = protowire.AppendString(entry, key)
		entry = protowire.AppendTag(entry, fieldScalarValue, protowire.Fixed64Type)
		entry = protowire.AppendFixed64(entry, math.Float64bits(sd.Scalars[key]))

		b = protowire.AppendTag(b, fieldScalar, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	for _, t := range sd.Tensors {
		b = protowire.AppendTag(b, fieldTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(t))
	}

	sum := blake2b.Sum256(b)
	return append(b, sum[:]...), nil
}

func marshalTensor(t Tensor) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTensorName, protowire.BytesType)
	b = protowire.AppendString(b, t.Name)

	var shape []byte
	for _, dim := range t.Shape {
		shape = protowire.AppendVarint(shape, uint64(dim))
	}
	b = protowire.AppendTag(b, fieldTensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 4*len(t.Data))
	for _, v := range t.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, fieldTensorData, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

func estimateSize(sd *StateDict) int {
	size := len(magic) + 1 + blake2b.Size256 + 64
	for _, t := range sd.Tensors {
		size += len(t.Name) + 8*len(t.Shape) + 4*len(t.Data) + 16
	}
	return size + 24*len(sd.Scalars)
}

// Unmarshal decodes the binary checkpoint format
func Unmarshal(data []byte) (*StateDict, error) {
	header := len(magic) + 1
	if len(data) < header+blake2b.Size256 {
		return nil, errors.Wrap(ErrCorruptCheckpoint, "file too short")
	}
	if !bytes.Equal(data[:len(magic)], magic) {
		return nil, errors.Wrap(ErrCorruptCheckpoint, "bad magic")
	}
	if data[len(magic)] != formatVersion {
		return nil, errors.Wrapf(ErrCorruptCheckpoint, "unsupported format version %d", data[len(magic)])
	}

	payload, digest := data[:len(data)-blake2b.Size256], data[len(data)-blake2b.Size256:]
	sum := blake2b.Sum256(payload)
	if !bytes.Equal(sum[:], digest) {
		return nil, errors.Wrap(ErrCorruptCheckpoint, "digest mismatch")
	}

	sd := &StateDict{Scalars: make(map[string]float64)}
	b := payload[header:]
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, wireError(protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, wireError(protowire.ParseError(n))
			}
			sd.Kind = v
			b = b[n:]
		case num == fieldCreatedAt && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, wireError(protowire.ParseError(n))
			}
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(v, &ts); err != nil {
				return nil, wireError(err)
			}
			sd.CreatedAt = ts.AsTime()
			b = b[n:]
		case num == fieldScalar && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, wireError(protowire.ParseError(n))
			}
			key, value, err := unmarshalScalar(v)
			if err != nil {
				return nil, err
			}
			sd.Scalars[key] = value
			b = b[n:]
		case num == fieldTensor && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, wireError(protowire.ParseError(n))
			}
			t, err := unmarshalTensor(v)
			if err != nil {
				return nil, err
			}
			sd.Tensors = append(sd.Tensors, t)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, wireError(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return sd, nil
}

func unmarshalScalar(b []byte) (string, float64, error) {
	var key string
	var value float64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", 0, wireError(protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldScalarKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", 0, wireError(protowire.ParseError(n))
			}
			key = v
			b = b[n:]
		case num == fieldScalarValue && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return "", 0, wireError(protowire.ParseError(n))
			}
			value = math.Float64frombits(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", 0, wireError(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return key, value, nil
}

func unmarshalTensor(b []byte) (Tensor, error) {
	var t Tensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return t, wireError(protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldTensorName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return t, wireError(protowire.ParseError(n))
			}
			t.Name = v
			b = b[n:]
		case num == fieldTensorShape && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return t, wireError(protowire.ParseError(n))
			}
			t.Shape = make([]int, 0, 4)
			for len(v) > 0 {
				dim, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return t, wireError(protowire.ParseError(m))
				}
				t.Shape = append(t.Shape, int(dim))
				v = v[m:]
			}
			b = b[n:]
		case num == fieldTensorData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return t, wireError(protowire.ParseError(n))
			}
			if len(v)%4 != 0 {
				return t, errors.Wrapf(ErrCorruptCheckpoint, "tensor %q data is %d bytes", t.Name, len(v))
			}
			t.Data = make([]float32, 0, len(v)/4)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed32(v)
				if m < 0 {
					return t, wireError(protowire.ParseError(m))
				}
				t.Data = append(t.Data, math.Float32frombits(bits))
				v = v[m:]
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return t, wireError(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if t.Data == nil {
		t.Data = []float32{}
	}
	return t, nil
}

func wireError(err error) error {
	return errors.Wrapf(ErrCorruptCheckpoint, "malformed body: %v", err)
}
