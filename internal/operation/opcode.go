package operation

import "fmt"

// Opcode is the first byte of every record.
type Opcode uint8

const (
	OpAddSigner           Opcode = 0x01
	OpMatchOrders         Opcode = 0x02
	OpMatchLiquidation    Opcode = 0x03
	OpUpdateFunding       Opcode = 0x04
	OpWithdraw            Opcode = 0x05
	OpTransfer            Opcode = 0x06
	OpCrossLedgerTransfer Opcode = 0x07
	OpLiquidate           Opcode = 0x08
	OpRegisterVault       Opcode = 0x09
	OpStake               Opcode = 0x0A
	OpUnstake             Opcode = 0x0B
)

var opcodeNames = map[Opcode]string{
	OpAddSigner:           "AddSigner",
	OpMatchOrders:         "MatchOrders",
	OpMatchLiquidation:    "MatchLiquidation",
	OpUpdateFunding:       "UpdateFunding",
	OpWithdraw:            "Withdraw",
	OpTransfer:            "Transfer",
	OpCrossLedgerTransfer: "CrossLedgerTransfer",
	OpLiquidate:           "Liquidate",
	OpRegisterVault:       "RegisterVault",
	OpStake:               "Stake",
	OpUnstake:             "Unstake",
}

func (o Opcode) String() string {
	if n, ok := opcodeNames[o]; ok {
		return n
	}
	return fmt.Sprintf("Opcode(0x%02x)", uint8(o))
}

// Known reports whether o is part of the closed opcode set.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}

// SoftFail reports whether failures of this operation are contained to the
// record rather than aborting the batch. Liquidate contains failures per
// request instead.
func (o Opcode) SoftFail() bool {
	switch o {
	case OpAddSigner, OpWithdraw, OpTransfer, OpCrossLedgerTransfer, OpStake, OpUnstake:
		return true
	}
	return false
}
