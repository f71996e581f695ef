// Package network carries the neuron's RPC surface over gRPC and ZeroMQ.
//
// The gRPC services are described by hand (no generated code) and use a
// codec that writes the data package's protobuf encoding directly, so the
// bytes on the wire match the opentensor.proto messages:
//   - Opentensor: Fwd and Bwd on the axon port
//   - Metagraph: Gossip on the metagraph port
//
// Errors cross the wire as gRPC status codes and are mapped back onto the
// data error taxonomy by the clients.
package network

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype used on the wire.
const CodecName = "proto"

// wireMessage is implemented by every message the services exchange.
type wireMessage interface {
	Marshal() []byte
	Unmarshal(b []byte) error
}

// Codec is a grpc encoding.Codec for data.TensorMessage and
// data.SynapseBatch. It is forced on both ends instead of being registered,
// so the process-wide protobuf codec is left alone.
type Codec struct{}

var _ encoding.Codec = Codec{}

// Marshal encodes a wire message.
func (Codec) Marshal(v interface{}) ([]byte, error) {
	msg, ok := v.(wireMessage)
	if !ok || msg == nil {
		return nil, fmt.Errorf("network codec: cannot marshal %T", v)
	}
	return msg.Marshal(), nil
}

// Unmarshal decodes into a wire message.
func (Codec) Unmarshal(b []byte, v interface{}) error {
	msg, ok := v.(wireMessage)
	if !ok || msg == nil {
		return fmt.Errorf("network codec: cannot unmarshal into %T", v)
	}
	return msg.Unmarshal(b)
}

// Name returns CodecName.
func (Codec) Name() string {
	return CodecName
}
