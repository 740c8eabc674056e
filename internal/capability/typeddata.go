package capability

import (
	"encoding/binary"
	"math/big"

	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var domainTypeHash = crypto.Keccak256Hash([]byte(
	"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
))

// Domain is the EIP-712 signing domain every user signature is bound to.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract common.Address
}

// Separator returns the domain separator hash.
func (d Domain) Separator() common.Hash {
	chain := new(big.Int).SetUint64(d.ChainID)
	return crypto.Keccak256Hash(
		domainTypeHash[:],
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		common.LeftPadBytes(chain.Bytes(), 32),
		common.LeftPadBytes(d.VerifyingContract[:], 32),
	)
}

// Digest returns keccak256(0x1901 || separator || structHash).
func (d Domain) Digest(structHash common.Hash) common.Hash {
	sep := d.Separator()
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, sep[:], structHash[:])
}

// TypeHash hashes an EIP-712 struct type string.
func TypeHash(typ string) common.Hash {
	return crypto.Keccak256Hash([]byte(typ))
}

// StructEncoder builds encodeData for a struct made only of static fields.
type StructEncoder struct {
	buf []byte
}

func NewStructEncoder(typeHash common.Hash) *StructEncoder {
	e := &StructEncoder{buf: make([]byte, 0, 32*8)}
	e.buf = append(e.buf, typeHash[:]...)
	return e
}

func (e *StructEncoder) Address(a common.Address) *StructEncoder {
	e.buf = append(e.buf, common.LeftPadBytes(a[:], 32)...)
	return e
}

func (e *StructEncoder) Uint(v uint64) *StructEncoder {
	var w [32]byte
	binary.BigEndian.PutUint64(w[24:], v)
	e.buf = append(e.buf, w[:]...)
	return e
}

// Amount encodes a fixed-18 amount by its raw scaled integer, sign-extended.
func (e *StructEncoder) Amount(f fpmath.Fixed) *StructEncoder {
	w := f.Word32()
	e.buf = append(e.buf, w[:]...)
	return e
}

func (e *StructEncoder) Hash() common.Hash {
	return crypto.Keccak256Hash(e.buf)
}
