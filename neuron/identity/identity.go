// Package identity provides neuron keys, signatures and registration proofs.
//
// A NeuronKey is the string form of a libp2p peer ID derived from an ed25519
// public key, so any node can recover the verifying key from the NeuronKey
// alone.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/pandablue0809/bittensor/neuron/data"
)

// ErrNoSigner is returned when signing without a Signer.
var ErrNoSigner = errors.New("no signer configured")

// Verifier checks signatures and registration proofs. Implementations must be
// safe for concurrent use.
type Verifier interface {
	VerifySignature(payload, signature []byte, neuronKey string) bool
	VerifyRegistration(neuronKey string, blockHash, proofOfWork []byte) bool
}

// Signer produces signatures under a single NeuronKey.
type Signer interface {
	NeuronKey() string
	Sign(payload []byte) ([]byte, error)
}

// SignSynapse stamps syn with the signer's key and signs it.
func SignSynapse(signer Signer, syn *data.Synapse) error {
	if signer == nil {
		return ErrNoSigner
	}
	syn.NeuronKey = signer.NeuronKey()
	sig, err := signer.Sign(syn.SigningBytes())
	if err != nil {
		return fmt.Errorf("failed to sign synapse: %w", err)
	}
	syn.Signature = sig
	return nil
}

// VerifySynapse checks the synapse signature against its own key.
func VerifySynapse(v Verifier, syn *data.Synapse) bool {
	return syn != nil && syn.NeuronKey != "" &&
		v.VerifySignature(syn.SigningBytes(), syn.Signature, syn.NeuronKey)
}

// VerifyRegistrationOf checks the synapse registration proof.
func VerifyRegistrationOf(v Verifier, syn *data.Synapse) bool {
	return syn != nil && v.VerifyRegistration(syn.NeuronKey, syn.BlockHash, syn.ProofOfWork)
}

// SignBatch stamps the batch with the signer's key and signs it.
func SignBatch(signer Signer, batch *data.SynapseBatch) error {
	if signer == nil {
		return ErrNoSigner
	}
	batch.NeuronKey = signer.NeuronKey()
	sig, err := signer.Sign(batch.SigningBytes())
	if err != nil {
		return fmt.Errorf("failed to sign batch: %w", err)
	}
	batch.Signature = sig
	return nil
}

// VerifyBatch checks the batch signature against its author key.
func VerifyBatch(v Verifier, batch *data.SynapseBatch) bool {
	return batch != nil && batch.NeuronKey != "" &&
		v.VerifySignature(batch.SigningBytes(), batch.Signature, batch.NeuronKey)
}

// SignMessage stamps the message with the signer's key and signs it.
func SignMessage(signer Signer, msg *data.TensorMessage) error {
	if signer == nil {
		return ErrNoSigner
	}
	msg.NeuronKey = signer.NeuronKey()
	sig, err := signer.Sign(msg.SigningBytes())
	if err != nil {
		return fmt.Errorf("failed to sign message: %w", err)
	}
	msg.Signature = sig
	return nil
}

// VerifyMessage checks the message signature against its sender key.
func VerifyMessage(v Verifier, msg *data.TensorMessage) bool {
	return msg != nil && msg.NeuronKey != "" &&
		v.VerifySignature(msg.SigningBytes(), msg.Signature, msg.NeuronKey)
}

// Advertise completes syn for publication: it stamps the block hash, solves
// the registration proof and signs the result.
func Advertise(ctx context.Context, signer Signer, syn *data.Synapse, blockHash []byte, difficulty int) error {
	if signer == nil {
		return ErrNoSigner
	}
	pow, err := SolveWork(ctx, signer.NeuronKey(), blockHash, difficulty)
	if err != nil {
		return fmt.Errorf("failed to solve registration proof: %w", err)
	}
	syn.BlockHash = append([]byte(nil), blockHash...)
	syn.ProofOfWork = pow
	return SignSynapse(signer, syn)
}
