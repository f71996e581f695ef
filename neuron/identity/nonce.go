package identity

import "github.com/google/uuid"

// NewNonce returns 16 fresh random bytes for a TensorMessage nonce.
func NewNonce() []byte {
	id := uuid.New()
	return id[:]
}
