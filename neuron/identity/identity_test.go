package identity

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandablue0809/bittensor/neuron/data"
)

func TestKeypairSignVerify(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	v := NewKeyVerifier(0)
	payload := []byte("tensor payload")
	sig, err := kp.Sign(payload)
	require.NoError(t, err)

	assert.True(t, v.VerifySignature(payload, sig, kp.NeuronKey()))
	assert.False(t, v.VerifySignature([]byte("tampered"), sig, kp.NeuronKey()))
	assert.False(t, v.VerifySignature(payload, nil, kp.NeuronKey()))
	assert.False(t, v.VerifySignature(payload, sig, "not-a-peer-id"))

	other, err := GenerateKeypair()
	require.NoError(t, err)
	assert.False(t, v.VerifySignature(payload, sig, other.NeuronKey()))
}

func TestVerifierHoldsNoPerKeyState(t *testing.T) {
	v := NewKeyVerifier(3)
	payload := []byte("tensor payload")
	for i := 0; i < 200; i++ {
		kp, err := GenerateKeypair()
		require.NoError(t, err)
		assert.False(t, v.VerifySignature(payload, []byte("bogus"), kp.NeuronKey()))
	}
	assert.Equal(t, KeyVerifier{Difficulty: 3}, *v)

	kp, err := GenerateKeypair()
	require.NoError(t, err)
	sig, err := kp.Sign(payload)
	require.NoError(t, err)
	assert.True(t, v.VerifySignature(payload, sig, kp.NeuronKey()))
}

func TestLoadOrCreatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "neuron.key")

	first, err := LoadOrCreate(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, first.NeuronKey(), second.NeuronKey())
}

func TestLoadKeypairCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.key")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := LoadOrCreate(path)
	assert.Error(t, err)
}

func TestProofOfWork(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	hash := BlockHashAt(time.Unix(1700000000, 0))

	pow, err := SolveWork(context.Background(), kp.NeuronKey(), hash, 8)
	require.NoError(t, err)
	assert.True(t, CheckWork(kp.NeuronKey(), hash, pow, 8))

	v := NewKeyVerifier(8)
	assert.True(t, v.VerifyRegistration(kp.NeuronKey(), hash, pow))
	assert.False(t, v.VerifyRegistration(kp.NeuronKey(), nil, pow))
	assert.False(t, v.VerifyRegistration("", hash, pow))
}

func TestSolveWorkCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := SolveWork(ctx, "key", []byte{1}, 64)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBlockHashOrdering(t *testing.T) {
	earlier := BlockHashAt(time.Unix(100, 0))
	later := BlockHashAt(time.Unix(200, 0))
	assert.Equal(t, 1, bytes.Compare(later, earlier))
}

func TestAdvertiseAndVerify(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	v := NewKeyVerifier(4)

	syn := &data.Synapse{
		Address:   "127.0.0.1",
		Port:      "8091",
		InputDef:  data.TensorDef{Shape: []int64{1, 4}},
		OutputDef: data.TensorDef{Shape: []int64{1, 2}},
	}
	require.NoError(t, Advertise(context.Background(), kp, syn, BlockHashAt(time.Now()), 4))

	assert.Equal(t, kp.NeuronKey(), syn.NeuronKey)
	assert.True(t, VerifySynapse(v, syn))
	assert.True(t, VerifyRegistrationOf(v, syn))

	syn.Port = "9000"
	assert.False(t, VerifySynapse(v, syn), "signature must cover the port")
}

func TestSignBatchAndMessage(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	v := NewKeyVerifier(0)

	batch := &data.SynapseBatch{Version: 1}
	require.NoError(t, SignBatch(kp, batch))
	assert.True(t, VerifyBatch(v, batch))
	batch.Version = 2
	assert.False(t, VerifyBatch(v, batch))

	msg := &data.TensorMessage{SourceID: kp.NeuronKey(), TargetID: "peer", Nonce: []byte("n")}
	require.NoError(t, SignMessage(kp, msg))
	assert.True(t, VerifyMessage(v, msg))
	msg.Nonce = []byte("m")
	assert.False(t, VerifyMessage(v, msg))

	assert.ErrorIs(t, SignMessage(nil, msg), ErrNoSigner)
}
