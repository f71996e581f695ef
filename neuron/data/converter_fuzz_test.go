package data

import (
	"testing"
)

// FuzzTensorMessageUnmarshal checks that decoding never panics and that any
// accepted input re-encodes to something that decodes to the same value.
// Run with: go test -fuzz=FuzzTensorMessageUnmarshal -fuzztime=30s ./neuron/data/
func FuzzTensorMessageUnmarshal(f *testing.F) {
	f.Add(sampleMessage().Marshal())
	f.Add((&TensorMessage{}).Marshal())
	f.Add([]byte{0x3a, 0x00})
	f.Add([]byte{0x12, 0x01, 0xff})
	f.Add([]byte{0x80})

	f.Fuzz(func(t *testing.T, data []byte) {
		var m TensorMessage
		if err := m.Unmarshal(data); err != nil {
			return
		}
		var again TensorMessage
		if err := again.Unmarshal(m.Marshal()); err != nil {
			t.Fatalf("Re-decode failed: %v", err)
		}
		if !again.Equal(&m) {
			t.Fatal("Re-encoded message differs")
		}
	})
}

// FuzzSynapseBatchUnmarshal checks the gossip payload decoder.
// Run with: go test -fuzz=FuzzSynapseBatchUnmarshal -fuzztime=30s ./neuron/data/
func FuzzSynapseBatchUnmarshal(f *testing.F) {
	f.Add((&SynapseBatch{NeuronKey: "a", Synapses: []*Synapse{sampleSynapse()}}).Marshal())
	f.Add([]byte{})
	f.Add([]byte{0x22, 0x02, 0x52, 0x00})

	f.Fuzz(func(t *testing.T, data []byte) {
		var b SynapseBatch
		if err := b.Unmarshal(data); err != nil {
			return
		}
		var again SynapseBatch
		if err := again.Unmarshal(b.Marshal()); err != nil {
			t.Fatalf("Re-decode failed: %v", err)
		}
		if !again.Equal(&b) {
			t.Fatal("Re-encoded batch differs")
		}
	})
}

// FuzzTensorsToRecord tests the Arrow conversion with random buffers.
// Run with: go test -fuzz=FuzzTensorsToRecord -fuzztime=30s ./neuron/data/
func FuzzTensorsToRecord(f *testing.F) {
	f.Add(make([]byte, 16), int64(4), int32(0))
	f.Add(make([]byte, 16), int64(2), int32(1))
	f.Add([]byte{}, int64(0), int32(4))

	c := NewConverter()

	f.Fuzz(func(t *testing.T, buf []byte, dim int64, dtype int32) {
		tensor := Tensor{Buffer: buf, Def: TensorDef{Shape: []int64{dim}, DType: DType(dtype)}}
		record, err := c.TensorsToRecord([]Tensor{tensor})
		if err != nil {
			return
		}
		defer record.Release()

		out, err := c.RecordToTensors(record)
		if err != nil {
			t.Fatalf("RecordToTensors failed: %v", err)
		}
		if !out[0].Equal(tensor) {
			t.Fatal("Arrow round trip mismatch")
		}
	})
}
