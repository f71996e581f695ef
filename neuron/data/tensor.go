package data

import (
	"encoding/binary"
	"math"
)

// NewFloat32Tensor builds a FLOAT32 tensor from values laid out in row-major
// order.
func NewFloat32Tensor(shape []int64, values []float32) Tensor {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return Tensor{Buffer: buf, Def: TensorDef{Shape: append([]int64(nil), shape...), DType: DTypeFloat32}}
}

// Zeros allocates a zero-filled tensor for def. UNKNOWN dtypes yield an
// empty buffer.
func Zeros(def TensorDef) Tensor {
	return Tensor{
		Buffer: make([]byte, def.Elements()*int64(def.DType.Size())),
		Def:    def.Clone(),
	}
}

// Float32s decodes a FLOAT32 buffer. It returns nil for other dtypes.
func (t Tensor) Float32s() []float32 {
	if t.Def.DType != DTypeFloat32 {
		return nil
	}
	out := make([]float32, len(t.Buffer)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Buffer[4*i:]))
	}
	return out
}
