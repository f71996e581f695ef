package identity

import (
	"context"
	"encoding/binary"
	"math/bits"
	"time"

	"golang.org/x/crypto/sha3"
)

// BlockHashAt returns the registration block hash for t: the big-endian Unix
// second. Later registrations therefore compare greater.
func BlockHashAt(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.Unix()))
	return b
}

func workDigest(neuronKey string, blockHash, proofOfWork []byte) [32]byte {
	h := sha3.New256()
	h.Write([]byte(neuronKey))
	h.Write(blockHash)
	h.Write(proofOfWork)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func leadingZeroBits(sum [32]byte) int {
	n := 0
	for _, b := range sum {
		if b == 0 {
			n += 8
			continue
		}
		return n + bits.LeadingZeros8(b)
	}
	return n
}

// CheckWork reports whether sha3-256(key || blockHash || proofOfWork) has at
// least difficulty leading zero bits.
func CheckWork(neuronKey string, blockHash, proofOfWork []byte, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	return leadingZeroBits(workDigest(neuronKey, blockHash, proofOfWork)) >= difficulty
}

// SolveWork searches for a proof of work satisfying difficulty.
func SolveWork(ctx context.Context, neuronKey string, blockHash []byte, difficulty int) ([]byte, error) {
	nonce := make([]byte, 8)
	for i := uint64(0); ; i++ {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		binary.BigEndian.PutUint64(nonce, i)
		if CheckWork(neuronKey, blockHash, nonce, difficulty) {
			return nonce, nil
		}
	}
}
