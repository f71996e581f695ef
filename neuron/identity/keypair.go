package identity

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Keypair is an ed25519 identity. It implements Signer.
type Keypair struct {
	priv crypto.PrivKey
	id   peer.ID
}

// persistedKey is the on-disk form of a Keypair.
type persistedKey struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

// GenerateKeypair creates a fresh ed25519 identity.
func GenerateKeypair() (*Keypair, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return keypairFromPriv(priv)
}

func keypairFromPriv(priv crypto.PrivKey) (*Keypair, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to derive peer id: %w", err)
	}
	return &Keypair{priv: priv, id: id}, nil
}

// LoadKeypair reads an identity written by Save.
func LoadKeypair(path string) (*Keypair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pk persistedKey
	if err := json.Unmarshal(raw, &pk); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	priv, err := crypto.UnmarshalPrivateKey(pk.PrivKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal private key: %w", err)
	}
	kp, err := keypairFromPriv(priv)
	if err != nil {
		return nil, err
	}
	if pk.PeerID != "" && pk.PeerID != kp.id.String() {
		return nil, fmt.Errorf("key file peer id %s does not match key %s", pk.PeerID, kp.id)
	}
	return kp, nil
}

// Save writes the identity to path with owner-only permissions.
func (k *Keypair) Save(path string) error {
	privBytes, err := crypto.MarshalPrivateKey(k.priv)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	raw, err := json.Marshal(persistedKey{PrivKey: privBytes, PeerID: k.id.String()})
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	return os.WriteFile(path, raw, 0o600)
}

// LoadOrCreate loads the identity at path, generating and saving a new one if
// the file does not exist. An empty path yields an ephemeral identity.
func LoadOrCreate(path string) (*Keypair, error) {
	if path == "" {
		return GenerateKeypair()
	}
	kp, err := LoadKeypair(path)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	kp, err = GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := kp.Save(path); err != nil {
		return nil, fmt.Errorf("failed to save identity: %w", err)
	}
	return kp, nil
}

// NeuronKey returns the peer ID string.
func (k *Keypair) NeuronKey() string { return k.id.String() }

// PeerID returns the libp2p peer ID.
func (k *Keypair) PeerID() peer.ID { return k.id }

// Sign signs payload with the private key.
func (k *Keypair) Sign(payload []byte) ([]byte, error) {
	return k.priv.Sign(payload)
}

// KeyVerifier verifies ed25519 signatures whose public key is embedded in the
// NeuronKey, and proof-of-work registrations at a fixed difficulty. It keeps
// no per-key state: the key is decoded from the NeuronKey on every call.
type KeyVerifier struct {
	// Difficulty is the number of leading zero bits a registration proof must
	// produce.
	Difficulty int
}

// NewKeyVerifier creates a verifier requiring difficulty leading zero bits.
func NewKeyVerifier(difficulty int) *KeyVerifier {
	return &KeyVerifier{Difficulty: difficulty}
}

func publicKey(neuronKey string) (crypto.PubKey, error) {
	id, err := peer.Decode(neuronKey)
	if err != nil {
		return nil, err
	}
	return id.ExtractPublicKey()
}

// VerifySignature implements Verifier.
func (v *KeyVerifier) VerifySignature(payload, signature []byte, neuronKey string) bool {
	if len(signature) == 0 {
		return false
	}
	pub, err := publicKey(neuronKey)
	if err != nil {
		return false
	}
	ok, err := pub.Verify(payload, signature)
	return err == nil && ok
}

// VerifyRegistration implements Verifier.
func (v *KeyVerifier) VerifyRegistration(neuronKey string, blockHash, proofOfWork []byte) bool {
	if neuronKey == "" || len(blockHash) == 0 {
		return false
	}
	return CheckWork(neuronKey, blockHash, proofOfWork, v.Difficulty)
}
