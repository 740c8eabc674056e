package testutil

import (
	"crypto/ecdsa"
	"testing"

	"PerpSettle/internal/capability"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/operation"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Key is a deterministic secp256k1 test key.
type Key struct {
	Priv *ecdsa.PrivateKey
	Addr common.Address
}

// NewKey derives a key from keccak256(seed). The same seed always yields
// the same address.
func NewKey(seed string) Key {
	priv, err := crypto.ToECDSA(crypto.Keccak256([]byte(seed)))
	if err != nil {
		panic("testutil: derive key " + seed + ": " + err.Error())
	}
	return Key{Priv: priv, Addr: crypto.PubkeyToAddress(priv.PublicKey)}
}

// Sign produces a 65-byte r||s||v signature with v in {0,1}.
func (k Key) Sign(digest common.Hash) []byte {
	sig, err := crypto.Sign(digest[:], k.Priv)
	if err != nil {
		panic("testutil: sign: " + err.Error())
	}
	return sig
}

// Domain is the signing domain used across tests.
func Domain() capability.Domain {
	return capability.Domain{
		Name:              "PerpSettle",
		Version:           "1",
		ChainID:           31337,
		VerifyingContract: common.HexToAddress("0x5e77e1e000000000000000000000000000000001"),
	}
}

// Fx parses a decimal literal into a fixed-18 value.
func Fx(s string) fpmath.Fixed {
	return fpmath.MustParse(s)
}

// SignDigest signs op's EIP-712 digest under Domain.
func SignDigest(k Key, op operation.Signed) []byte {
	return k.Sign(operation.Digest(Domain(), op))
}

// SignOrder signs o with k, which becomes the order's signer.
func SignOrder(k Key, o operation.Order, fee fpmath.Fixed) operation.SignedOrder {
	return operation.SignedOrder{
		Order:     o,
		Signature: SignDigest(k, o),
		Signer:    k.Addr,
		Fee:       fee,
	}
}

// Record encodes op as a batch record with the given sequence id.
func Record(t testing.TB, seq uint32, op operation.Operation) []byte {
	t.Helper()
	raw, err := operation.Encode(seq, op)
	if err != nil {
		t.Fatalf("encode %s: %v", op.Opcode(), err)
	}
	return raw
}
