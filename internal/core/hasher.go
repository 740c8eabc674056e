package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "PerpSettle:genesis:v1"

// StateHasher chains one hash per committed command.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// Peek computes SHA-256(prev_hash || command_seq || digest) without moving
// the chain tip.
func (h *StateHasher) Peek(commandSeq int64, digest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	// command sequence, 8 bytes LE
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(commandSeq))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// ComputeHash computes the next hash and advances the chain tip to it.
func (h *StateHasher) ComputeHash(commandSeq int64, digest []byte) [32]byte {
	hash := h.Peek(commandSeq, digest)
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resets the chain tip, used when restoring from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}
