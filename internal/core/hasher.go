package core

import (
	"PerpCore/internal/store"
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "PerpCore:genesis:v1"

// GenesisHash is the chain tip before the first commit.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// StateHasher computes deterministic state hashes
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

// NewStateHasherFrom resumes a chain at tip.
func NewStateHasherFrom(tip [32]byte) *StateHasher {
	if tip == ([32]byte{}) {
		return NewStateHasher()
	}
	return &StateHasher{prevHash: tip}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	h.prevHash = hash

	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// ComputeDigest encodes written records as address || len_le32 || canonical,
// in address order.
func ComputeDigest(records []store.Record) []byte {
	size := 0
	for _, r := range records {
		size += 36 + len(r.Canonical)
	}
	digest := make([]byte, 0, size)
	var lenBuf [4]byte
	for _, r := range records {
		digest = append(digest, r.Address[:]...)
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(r.Canonical)))
		digest = append(digest, lenBuf[:]...)
		digest = append(digest, r.Canonical...)
	}
	return digest
}
