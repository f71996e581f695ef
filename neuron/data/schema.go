package data

import (
	"bytes"
	"fmt"
	"math"
	"net"
)

// DType enumerates tensor element types.
type DType int32

const (
	DTypeFloat32 DType = 0
	DTypeFloat64 DType = 1
	DTypeInt32   DType = 2
	DTypeInt64   DType = 3
	DTypeUnknown DType = 4
)

var dtypeNames = map[DType]string{
	DTypeFloat32: "FLOAT32",
	DTypeFloat64: "FLOAT64",
	DTypeInt32:   "INT32",
	DTypeInt64:   "INT64",
	DTypeUnknown: "UNKNOWN",
}

func (d DType) String() string {
	if s, ok := dtypeNames[d]; ok {
		return s
	}
	return fmt.Sprintf("DType(%d)", int32(d))
}

// Valid reports whether d is a member of the enum.
func (d DType) Valid() bool {
	return d >= DTypeFloat32 && d <= DTypeUnknown
}

// Size returns the element width in bytes, or 0 for UNKNOWN.
func (d DType) Size() int {
	switch d {
	case DTypeFloat32, DTypeInt32:
		return 4
	case DTypeFloat64, DTypeInt64:
		return 8
	default:
		return 0
	}
}

// ParseDType parses the textual form produced by String.
func ParseDType(s string) (DType, error) {
	for d, name := range dtypeNames {
		if name == s {
			return d, nil
		}
	}
	return DTypeUnknown, fmt.Errorf("unknown dtype %q", s)
}

// maxTensorBytes bounds a single tensor buffer.
const maxTensorBytes = 1 << 32

// Direction selects the Fwd or Bwd call of the tensor exchange.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "bwd"
	}
	return "fwd"
}

// TensorDef is the shape and element type contract of a tensor.
type TensorDef struct {
	Shape []int64
	DType DType
}

// Elements returns the product of the shape dimensions (1 for a scalar).
func (d TensorDef) Elements() int64 {
	n := int64(1)
	for _, dim := range d.Shape {
		n *= dim
	}
	return n
}

// Validate checks that every dimension is positive and the dtype is known to
// the enum.
func (d TensorDef) Validate() error {
	if !d.DType.Valid() {
		return malformed("invalid dtype %d", int32(d.DType))
	}
	for i, dim := range d.Shape {
		if dim < 1 {
			return malformed("shape dimension %d is %d", i, dim)
		}
	}
	return nil
}

// Equal compares shape and dtype.
func (d TensorDef) Equal(o TensorDef) bool {
	if d.DType != o.DType || len(d.Shape) != len(o.Shape) {
		return false
	}
	for i := range d.Shape {
		if d.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

func (d TensorDef) String() string {
	return fmt.Sprintf("%v %s", d.Shape, d.DType)
}

// Clone returns a deep copy.
func (d TensorDef) Clone() TensorDef {
	return TensorDef{Shape: append([]int64(nil), d.Shape...), DType: d.DType}
}

// Tensor is a raw little-endian element buffer plus its definition.
type Tensor struct {
	Buffer []byte
	Def    TensorDef
}

// Validate checks the definition and that the buffer length equals
// product(shape) * size(dtype).
func (t Tensor) Validate() error {
	if err := t.Def.Validate(); err != nil {
		return err
	}
	size := t.Def.DType.Size()
	if size == 0 {
		return malformed("tensor dtype %s has no element size", t.Def.DType)
	}
	want := int64(size)
	for _, dim := range t.Def.Shape {
		if dim > maxTensorBytes/want {
			return malformed("tensor shape %v is too large", t.Def.Shape)
		}
		want *= dim
	}
	if int64(len(t.Buffer)) != want {
		return malformed("tensor buffer is %d bytes, shape %v %s needs %d",
			len(t.Buffer), t.Def.Shape, t.Def.DType, want)
	}
	return nil
}

// Matches reports whether the tensor satisfies def exactly.
func (t Tensor) Matches(def TensorDef) bool {
	return t.Def.Equal(def)
}

// Equal compares buffer contents and definitions.
func (t Tensor) Equal(o Tensor) bool {
	return bytes.Equal(t.Buffer, o.Buffer) && t.Def.Equal(o.Def)
}

// Synapse is a neuron's signed advertisement of its reachable endpoint and
// model contract.
type Synapse struct {
	Version       float32
	NeuronKey     string
	Signature     []byte
	BlockHash     []byte
	ProofOfWork   []byte
	Identity      string
	Address       string
	Port          string
	MetagraphPort string
	InputDef      TensorDef
	OutputDef     TensorDef
}

// Equal compares every field, treating nil and empty slices as equal.
func (s *Synapse) Equal(o *Synapse) bool {
	if s == nil || o == nil {
		return s == o
	}
	return sameFloat(s.Version, o.Version) &&
		s.NeuronKey == o.NeuronKey &&
		bytes.Equal(s.Signature, o.Signature) &&
		bytes.Equal(s.BlockHash, o.BlockHash) &&
		bytes.Equal(s.ProofOfWork, o.ProofOfWork) &&
		s.Identity == o.Identity &&
		s.Address == o.Address &&
		s.Port == o.Port &&
		s.MetagraphPort == o.MetagraphPort &&
		s.InputDef.Equal(o.InputDef) &&
		s.OutputDef.Equal(o.OutputDef)
}

// Clone returns a deep copy.
func (s *Synapse) Clone() *Synapse {
	if s == nil {
		return nil
	}
	c := *s
	c.Signature = append([]byte(nil), s.Signature...)
	c.BlockHash = append([]byte(nil), s.BlockHash...)
	c.ProofOfWork = append([]byte(nil), s.ProofOfWork...)
	c.InputDef = s.InputDef.Clone()
	c.OutputDef = s.OutputDef.Clone()
	return &c
}

// Endpoint returns host:port of the axon. IPv6 hosts are bracketed.
func (s *Synapse) Endpoint() string {
	return net.JoinHostPort(s.Address, s.Port)
}

// MetagraphEndpoint returns host:port of the metagraph service.
func (s *Synapse) MetagraphEndpoint() string {
	return net.JoinHostPort(s.Address, s.MetagraphPort)
}

// SynapseBatch is a signed collection of synapses exchanged during gossip.
type SynapseBatch struct {
	Version   float32
	NeuronKey string
	Signature []byte
	Synapses  []*Synapse
}

// TensorMessage carries tensors for a Fwd or Bwd call.
type TensorMessage struct {
	Version   float32
	NeuronKey string
	SourceID  string
	TargetID  string
	Nonce     []byte
	Signature []byte
	Tensors   []Tensor
}

// Equal compares every field, treating nil and empty slices as equal.
func (m *TensorMessage) Equal(o *TensorMessage) bool {
	if m == nil || o == nil {
		return m == o
	}
	if !sameFloat(m.Version, o.Version) || m.NeuronKey != o.NeuronKey ||
		m.SourceID != o.SourceID || m.TargetID != o.TargetID ||
		!bytes.Equal(m.Nonce, o.Nonce) || !bytes.Equal(m.Signature, o.Signature) ||
		len(m.Tensors) != len(o.Tensors) {
		return false
	}
	for i := range m.Tensors {
		if !m.Tensors[i].Equal(o.Tensors[i]) {
			return false
		}
	}
	return true
}

// sameFloat compares bit patterns so that NaN versions still compare equal
// after a round trip.
func sameFloat(a, b float32) bool {
	return math.Float32bits(a) == math.Float32bits(b)
}
