package data

import (
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from opentensor.proto.
const (
	fieldDefShape protowire.Number = 2
	fieldDefDType protowire.Number = 4

	fieldTensorBuffer protowire.Number = 1
	fieldTensorDef    protowire.Number = 2

	fieldSynVersion     protowire.Number = 1
	fieldSynNeuronKey   protowire.Number = 2
	fieldSynSignature   protowire.Number = 3
	fieldSynBlockHash   protowire.Number = 4
	fieldSynProofOfWork protowire.Number = 5
	fieldSynIdentity    protowire.Number = 6
	fieldSynAddress     protowire.Number = 7
	fieldSynPort        protowire.Number = 8
	fieldSynMPort       protowire.Number = 9
	fieldSynInputDef    protowire.Number = 10
	fieldSynOutputDef   protowire.Number = 11

	fieldBatchVersion   protowire.Number = 1
	fieldBatchNeuronKey protowire.Number = 2
	fieldBatchSignature protowire.Number = 3
	fieldBatchSynapses  protowire.Number = 4

	fieldMsgVersion   protowire.Number = 1
	fieldMsgNeuronKey protowire.Number = 2
	fieldMsgSourceID  protowire.Number = 3
	fieldMsgTargetID  protowire.Number = 4
	fieldMsgNonce     protowire.Number = 5
	fieldMsgSignature protowire.Number = 6
	fieldMsgTensors   protowire.Number = 7
)

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	if v == 0 && !math.Signbit(float64(v)) {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// fieldReader walks the fields of one encoded message.
type fieldReader struct {
	b []byte
}

func (r *fieldReader) next() (protowire.Number, protowire.Type, error) {
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		return 0, 0, malformed("bad tag: %v", protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return num, typ, nil
}

func (r *fieldReader) done() bool { return len(r.b) == 0 }

func (r *fieldReader) skip(num protowire.Number, typ protowire.Type) error {
	n := protowire.ConsumeFieldValue(num, typ, r.b)
	if n < 0 {
		return malformed("field %d: %v", num, protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return nil
}

func (r *fieldReader) expect(num protowire.Number, got, want protowire.Type) error {
	if got != want {
		return malformed("field %d: wire type %d, want %d", num, got, want)
	}
	return nil
}

func (r *fieldReader) bytes(num protowire.Number, typ protowire.Type) ([]byte, error) {
	if err := r.expect(num, typ, protowire.BytesType); err != nil {
		return nil, err
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		return nil, malformed("field %d: %v", num, protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return v, nil
}

// ownedBytes copies so that decoded values never alias the input buffer.
func (r *fieldReader) ownedBytes(num protowire.Number, typ protowire.Type) ([]byte, error) {
	v, err := r.bytes(num, typ)
	if err != nil || len(v) == 0 {
		return nil, err
	}
	return append([]byte(nil), v...), nil
}

func (r *fieldReader) string(num protowire.Number, typ protowire.Type) (string, error) {
	v, err := r.bytes(num, typ)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(v) {
		return "", malformed("field %d: invalid UTF-8", num)
	}
	return string(v), nil
}

func (r *fieldReader) varint(num protowire.Number, typ protowire.Type) (uint64, error) {
	if err := r.expect(num, typ, protowire.VarintType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		return 0, malformed("field %d: %v", num, protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return v, nil
}

func (r *fieldReader) float(num protowire.Number, typ protowire.Type) (float32, error) {
	if err := r.expect(num, typ, protowire.Fixed32Type); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeFixed32(r.b)
	if n < 0 {
		return 0, malformed("field %d: %v", num, protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return math.Float32frombits(v), nil
}

// Marshal encodes the definition. Shape is written packed.
func (d TensorDef) Marshal() []byte {
	var b []byte
	if len(d.Shape) > 0 {
		var packed []byte
		for _, dim := range d.Shape {
			packed = protowire.AppendVarint(packed, uint64(dim))
		}
		b = appendMessage(b, fieldDefShape, packed)
	}
	return appendInt(b, fieldDefDType, int64(d.DType))
}

// Unmarshal decodes b into d. Packed and unpacked shapes are both accepted.
func (d *TensorDef) Unmarshal(b []byte) error {
	var out TensorDef
	r := fieldReader{b: b}
	for !r.done() {
		num, typ, err := r.next()
		if err != nil {
			return err
		}
		switch num {
		case fieldDefShape:
			switch typ {
			case protowire.VarintType:
				v, err := r.varint(num, typ)
				if err != nil {
					return err
				}
				out.Shape = append(out.Shape, int64(v))
			case protowire.BytesType:
				packed, err := r.bytes(num, typ)
				if err != nil {
					return err
				}
				for len(packed) > 0 {
					v, n := protowire.ConsumeVarint(packed)
					if n < 0 {
						return malformed("shape: %v", protowire.ParseError(n))
					}
					out.Shape = append(out.Shape, int64(v))
					packed = packed[n:]
				}
			default:
				return malformed("field %d: wire type %d not valid for shape", num, typ)
			}
		case fieldDefDType:
			v, err := r.varint(num, typ)
			if err != nil {
				return err
			}
			if v > uint64(DTypeUnknown) {
				return malformed("invalid dtype %d", int64(v))
			}
			out.DType = DType(v)
		default:
			if err := r.skip(num, typ); err != nil {
				return err
			}
		}
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*d = out
	return nil
}

// Marshal encodes the tensor. The definition is always written.
func (t Tensor) Marshal() []byte {
	b := appendBytes(nil, fieldTensorBuffer, t.Buffer)
	return appendMessage(b, fieldTensorDef, t.Def.Marshal())
}

// Unmarshal decodes b into t and rejects buffers that do not match the shape.
func (t *Tensor) Unmarshal(b []byte) error {
	var out Tensor
	r := fieldReader{b: b}
	for !r.done() {
		num, typ, err := r.next()
		if err != nil {
			return err
		}
		switch num {
		case fieldTensorBuffer:
			if out.Buffer, err = r.ownedBytes(num, typ); err != nil {
				return err
			}
		case fieldTensorDef:
			raw, err := r.bytes(num, typ)
			if err != nil {
				return err
			}
			if err := out.Def.Unmarshal(raw); err != nil {
				return err
			}
		default:
			if err := r.skip(num, typ); err != nil {
				return err
			}
		}
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*t = out
	return nil
}

// Marshal encodes the synapse.
func (s *Synapse) Marshal() []byte {
	var b []byte
	b = appendFloat(b, fieldSynVersion, s.Version)
	b = appendString(b, fieldSynNeuronKey, s.NeuronKey)
	b = appendBytes(b, fieldSynSignature, s.Signature)
	b = appendBytes(b, fieldSynBlockHash, s.BlockHash)
	b = appendBytes(b, fieldSynProofOfWork, s.ProofOfWork)
	b = appendString(b, fieldSynIdentity, s.Identity)
	b = appendString(b, fieldSynAddress, s.Address)
	b = appendString(b, fieldSynPort, s.Port)
	b = appendString(b, fieldSynMPort, s.MetagraphPort)
	b = appendMessage(b, fieldSynInputDef, s.InputDef.Marshal())
	return appendMessage(b, fieldSynOutputDef, s.OutputDef.Marshal())
}

// SigningBytes returns the canonical encoding with the signature cleared.
func (s *Synapse) SigningBytes() []byte {
	c := *s
	c.Signature = nil
	return c.Marshal()
}

// Unmarshal decodes b into s.
func (s *Synapse) Unmarshal(b []byte) error {
	var out Synapse
	r := fieldReader{b: b}
	for !r.done() {
		num, typ, err := r.next()
		if err != nil {
			return err
		}
		switch num {
		case fieldSynVersion:
			out.Version, err = r.float(num, typ)
		case fieldSynNeuronKey:
			out.NeuronKey, err = r.string(num, typ)
		case fieldSynSignature:
			out.Signature, err = r.ownedBytes(num, typ)
		case fieldSynBlockHash:
			out.BlockHash, err = r.ownedBytes(num, typ)
		case fieldSynProofOfWork:
			out.ProofOfWork, err = r.ownedBytes(num, typ)
		case fieldSynIdentity:
			out.Identity, err = r.string(num, typ)
		case fieldSynAddress:
			out.Address, err = r.string(num, typ)
		case fieldSynPort:
			out.Port, err = r.string(num, typ)
		case fieldSynMPort:
			out.MetagraphPort, err = r.string(num, typ)
		case fieldSynInputDef, fieldSynOutputDef:
			var raw []byte
			if raw, err = r.bytes(num, typ); err != nil {
				return err
			}
			def := &out.InputDef
			if num == fieldSynOutputDef {
				def = &out.OutputDef
			}
			err = def.Unmarshal(raw)
		default:
			err = r.skip(num, typ)
		}
		if err != nil {
			return err
		}
	}
	*s = out
	return nil
}

// Marshal encodes the batch.
func (sb *SynapseBatch) Marshal() []byte {
	var b []byte
	b = appendFloat(b, fieldBatchVersion, sb.Version)
	b = appendString(b, fieldBatchNeuronKey, sb.NeuronKey)
	b = appendBytes(b, fieldBatchSignature, sb.Signature)
	for _, s := range sb.Synapses {
		b = appendMessage(b, fieldBatchSynapses, s.Marshal())
	}
	return b
}

// SigningBytes returns the canonical encoding with the batch signature
// cleared. Member synapses keep their own signatures.
func (sb *SynapseBatch) SigningBytes() []byte {
	c := *sb
	c.Signature = nil
	return c.Marshal()
}

// Unmarshal decodes b into sb.
func (sb *SynapseBatch) Unmarshal(b []byte) error {
	var out SynapseBatch
	r := fieldReader{b: b}
	for !r.done() {
		num, typ, err := r.next()
		if err != nil {
			return err
		}
		switch num {
		case fieldBatchVersion:
			out.Version, err = r.float(num, typ)
		case fieldBatchNeuronKey:
			out.NeuronKey, err = r.string(num, typ)
		case fieldBatchSignature:
			out.Signature, err = r.ownedBytes(num, typ)
		case fieldBatchSynapses:
			var raw []byte
			if raw, err = r.bytes(num, typ); err != nil {
				return err
			}
			s := new(Synapse)
			if err = s.Unmarshal(raw); err == nil {
				out.Synapses = append(out.Synapses, s)
			}
		default:
			err = r.skip(num, typ)
		}
		if err != nil {
			return err
		}
	}
	*sb = out
	return nil
}

// Equal compares batches field by field.
func (sb *SynapseBatch) Equal(o *SynapseBatch) bool {
	if sb == nil || o == nil {
		return sb == o
	}
	if !sameFloat(sb.Version, o.Version) || sb.NeuronKey != o.NeuronKey ||
		string(sb.Signature) != string(o.Signature) || len(sb.Synapses) != len(o.Synapses) {
		return false
	}
	for i := range sb.Synapses {
		if !sb.Synapses[i].Equal(o.Synapses[i]) {
			return false
		}
	}
	return true
}

// Marshal encodes the message.
func (m *TensorMessage) Marshal() []byte {
	var b []byte
	b = appendFloat(b, fieldMsgVersion, m.Version)
	b = appendString(b, fieldMsgNeuronKey, m.NeuronKey)
	b = appendString(b, fieldMsgSourceID, m.SourceID)
	b = appendString(b, fieldMsgTargetID, m.TargetID)
	b = appendBytes(b, fieldMsgNonce, m.Nonce)
	b = appendBytes(b, fieldMsgSignature, m.Signature)
	for _, t := range m.Tensors {
		b = appendMessage(b, fieldMsgTensors, t.Marshal())
	}
	return b
}

// SigningBytes returns the canonical encoding with the signature cleared.
func (m *TensorMessage) SigningBytes() []byte {
	c := *m
	c.Signature = nil
	return c.Marshal()
}

// Unmarshal decodes b into m. Every tensor is validated against its shape.
func (m *TensorMessage) Unmarshal(b []byte) error {
	var out TensorMessage
	r := fieldReader{b: b}
	for !r.done() {
		num, typ, err := r.next()
		if err != nil {
			return err
		}
		switch num {
		case fieldMsgVersion:
			out.Version, err = r.float(num, typ)
		case fieldMsgNeuronKey:
			out.NeuronKey, err = r.string(num, typ)
		case fieldMsgSourceID:
			out.SourceID, err = r.string(num, typ)
		case fieldMsgTargetID:
			out.TargetID, err = r.string(num, typ)
		case fieldMsgNonce:
			out.Nonce, err = r.ownedBytes(num, typ)
		case fieldMsgSignature:
			out.Signature, err = r.ownedBytes(num, typ)
		case fieldMsgTensors:
			var raw []byte
			if raw, err = r.bytes(num, typ); err != nil {
				return err
			}
			var t Tensor
			if err = t.Unmarshal(raw); err == nil {
				out.Tensors = append(out.Tensors, t)
			}
		default:
			err = r.skip(num, typ)
		}
		if err != nil {
			return err
		}
	}
	*m = out
	return nil
}
