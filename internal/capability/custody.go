package capability

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var ErrUnknownToken = errors.New("unknown token decimals")

type PayoutKind string

const (
	PayoutWithdraw          PayoutKind = "withdraw"
	PayoutCrossLedger       PayoutKind = "cross_ledger"
	PayoutInsuranceWithdraw PayoutKind = "insurance_withdraw"
	PayoutFeeClaim          PayoutKind = "fee_claim"
	PayoutRefund            PayoutKind = "refund"
)

// Payout is a committed instruction to move tokens out of the venue. Amount
// is fixed-18; custody rescales to the token's native decimals.
type Payout struct {
	Kind              PayoutKind     `json:"kind"`
	CommandSeq        int64          `json:"command_seq"`
	Index             int            `json:"index"`
	Account           common.Address `json:"account"`
	Asset             common.Address `json:"asset"`
	Amount            fpmath.Fixed   `json:"amount"`
	DestinationLedger uint32         `json:"destination_ledger,omitempty"`
}

// Custody moves real tokens. Collect runs before a deposit is credited;
// Payout runs only after the debiting command has committed.
type Custody interface {
	Collect(ctx context.Context, from, asset common.Address, amount fpmath.Fixed) error
	Payout(ctx context.Context, p Payout) error
}

// LoggingCustody validates rescaling against configured token decimals and
// logs the transfer it would make. Used where settlement of real tokens
// happens out of process.
type LoggingCustody struct {
	decimals map[common.Address]uint8
	logger   zerolog.Logger
}

func NewLoggingCustody(decimals map[common.Address]uint8, logger zerolog.Logger) *LoggingCustody {
	d := make(map[common.Address]uint8, len(decimals))
	for a, n := range decimals {
		d[a] = n
	}
	return &LoggingCustody{decimals: d, logger: logger}
}

// Native converts a fixed-18 amount of asset into the token's base units.
func (c *LoggingCustody) Native(asset common.Address, amount fpmath.Fixed) (*big.Int, error) {
	dec, ok := c.decimals[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, asset.Hex())
	}
	return fpmath.ToNative(amount, dec)
}

// FromNative converts base units of asset into fixed-18.
func (c *LoggingCustody) FromNative(asset common.Address, native *big.Int) (fpmath.Fixed, error) {
	dec, ok := c.decimals[asset]
	if !ok {
		return fpmath.Fixed{}, fmt.Errorf("%w: %s", ErrUnknownToken, asset.Hex())
	}
	return fpmath.FromNative(native, dec), nil
}

func (c *LoggingCustody) Collect(ctx context.Context, from, asset common.Address, amount fpmath.Fixed) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	native, err := c.Native(asset, amount)
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	c.logger.Info().
		Str("from", from.Hex()).
		Str("asset", asset.Hex()).
		Str("amount", amount.String()).
		Str("native", native.String()).
		Msg("custody collect")
	return nil
}

func (c *LoggingCustody) Payout(ctx context.Context, p Payout) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	native, err := c.Native(p.Asset, p.Amount)
	if err != nil {
		return fmt.Errorf("payout: %w", err)
	}
	c.logger.Info().
		Str("kind", string(p.Kind)).
		Int64("command_seq", p.CommandSeq).
		Str("to", p.Account.Hex()).
		Str("asset", p.Asset.Hex()).
		Str("amount", p.Amount.String()).
		Str("native", native.String()).
		Uint32("destination_ledger", p.DestinationLedger).
		Msg("custody payout")
	return nil
}
