package state

import (
	"fmt"

	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
)

// FeePool accrues protocol trading fees (net of rebates) and sequencer fees.
type FeePool struct {
	undo    *ledger.UndoLog
	allowed ledger.AllowList

	trading   fpmath.Fixed
	sequencer fpmath.Fixed
}

type FeePoolState struct {
	Trading   fpmath.Fixed `json:"trading"`
	Sequencer fpmath.Fixed `json:"sequencer"`
}

func NewFeePool(undo *ledger.UndoLog, callers ...ledger.Caller) *FeePool {
	return &FeePool{undo: undo, allowed: ledger.NewAllowList(callers...)}
}

func (p *FeePool) Trading() fpmath.Fixed   { return p.trading }
func (p *FeePool) Sequencer() fpmath.Fixed { return p.sequencer }

// AccrueTrading adds a signed net trading-fee amount. Rebates paid out of the
// pool may not drive it below zero.
func (p *FeePool) AccrueTrading(caller ledger.Caller, amount fpmath.Fixed) error {
	if err := p.allowed.Check(caller); err != nil {
		return err
	}
	next := p.trading.Add(amount)
	if next.IsNegative() {
		return fmt.Errorf("%w: accrual %s leaves %s", ErrFeePoolInsufficient, amount, next)
	}
	if err := next.CheckRange(); err != nil {
		return err
	}
	ledger.SetValue(p.undo, &p.trading, next)
	return nil
}

func (p *FeePool) AccrueSequencer(caller ledger.Caller, amount fpmath.Fixed) error {
	if err := p.allowed.Check(caller); err != nil {
		return err
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrNegativeSequencerFee, amount)
	}
	next := p.sequencer.Add(amount)
	if err := next.CheckRange(); err != nil {
		return err
	}
	ledger.SetValue(p.undo, &p.sequencer, next)
	return nil
}

// Claim empties both accruals and returns what they held.
func (p *FeePool) Claim(caller ledger.Caller) (FeePoolState, error) {
	if err := p.allowed.Check(caller); err != nil {
		return FeePoolState{}, err
	}
	out := FeePoolState{Trading: p.trading, Sequencer: p.sequencer}
	ledger.SetValue(p.undo, &p.trading, fpmath.Zero())
	ledger.SetValue(p.undo, &p.sequencer, fpmath.Zero())
	return out, nil
}

func (p *FeePool) Export() FeePoolState {
	return FeePoolState{Trading: p.trading, Sequencer: p.sequencer}
}

func (p *FeePool) Import(st FeePoolState) {
	p.trading = st.Trading
	p.sequencer = st.Sequencer
}
