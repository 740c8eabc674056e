package operation

import (
	"PerpSettle/internal/capability"

	"github.com/ethereum/go-ethereum/common"
)

var (
	orderTypeHash       = capability.TypeHash("Order(address sender,uint128 size,uint128 price,uint64 nonce,uint8 productIndex,uint8 orderSide)")
	addSignerTypeHash   = capability.TypeHash("AddSigner(address sender,address signer,uint64 nonce)")
	withdrawTypeHash    = capability.TypeHash("Withdraw(address sender,address token,uint128 amount,uint64 nonce)")
	transferTypeHash    = capability.TypeHash("Transfer(address from,address to,address token,uint128 amount,uint64 nonce)")
	crossLedgerTypeHash = capability.TypeHash("CrossLedgerTransfer(address sender,address recipient,address token,uint128 amount,uint32 destinationLedger,uint64 nonce)")
	registerTypeHash    = capability.TypeHash("RegisterVault(address vault,address feeRecipient,uint16 profitShareBps)")
	stakeTypeHash       = capability.TypeHash("Stake(address staker,address vault,uint128 amount,uint64 nonce)")
	unstakeTypeHash     = capability.TypeHash("Unstake(address staker,address vault,uint128 shares,uint64 nonce)")
)

// Signed is implemented by every variant that carries a user signature over
// an EIP-712 struct.
type Signed interface {
	StructHash() common.Hash
}

// Digest returns the EIP-712 digest of s under domain.
func Digest(domain capability.Domain, s Signed) common.Hash {
	return domain.Digest(s.StructHash())
}

func (o Order) StructHash() common.Hash {
	return capability.NewStructEncoder(orderTypeHash).
		Address(o.Sender).
		Amount(o.Size).
		Amount(o.Price).
		Uint(o.Nonce).
		Uint(uint64(o.Market)).
		Uint(uint64(o.Side)).
		Hash()
}

func (op *AddSigner) StructHash() common.Hash {
	return capability.NewStructEncoder(addSignerTypeHash).
		Address(op.Sender).
		Address(op.Signer).
		Uint(op.Nonce).
		Hash()
}

func (op *Withdraw) StructHash() common.Hash {
	return capability.NewStructEncoder(withdrawTypeHash).
		Address(op.Sender).
		Address(op.Asset).
		Amount(op.Amount).
		Uint(op.Nonce).
		Hash()
}

func (op *Transfer) StructHash() common.Hash {
	return capability.NewStructEncoder(transferTypeHash).
		Address(op.From).
		Address(op.To).
		Address(op.Asset).
		Amount(op.Amount).
		Uint(op.Nonce).
		Hash()
}

func (op *CrossLedgerTransfer) StructHash() common.Hash {
	return capability.NewStructEncoder(crossLedgerTypeHash).
		Address(op.Sender).
		Address(op.Recipient).
		Address(op.Asset).
		Amount(op.Amount).
		Uint(uint64(op.DestinationLedger)).
		Uint(op.Nonce).
		Hash()
}

func (op *RegisterVault) StructHash() common.Hash {
	return capability.NewStructEncoder(registerTypeHash).
		Address(op.Vault).
		Address(op.FeeRecipient).
		Uint(uint64(op.ProfitShareBps)).
		Hash()
}

func (op *Stake) StructHash() common.Hash {
	return capability.NewStructEncoder(stakeTypeHash).
		Address(op.Staker).
		Address(op.Vault).
		Amount(op.Amount).
		Uint(op.Nonce).
		Hash()
}

func (op *Unstake) StructHash() common.Hash {
	return capability.NewStructEncoder(unstakeTypeHash).
		Address(op.Staker).
		Address(op.Vault).
		Amount(op.Shares).
		Uint(op.Nonce).
		Hash()
}
