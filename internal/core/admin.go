package core

import (
	"fmt"
	"time"

	"PerpSettle/internal/capability"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// ExecuteAdmin runs one direct call as its own command. Any error reverts
// only this call. Custody must already have collected the funds of a
// Deposit or InsuranceDeposit. A repeated call.ID returns nil, nil.
func (e *Engine) ExecuteAdmin(call AdminCall) (*Output, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	if call.ID == "" {
		e.adminMetric(call.Kind, "rejected")
		return nil, ErrMissingID
	}
	role, err := call.Kind.Role()
	if err != nil {
		e.adminMetric(call.Kind, "rejected")
		return nil, err
	}
	if !e.auth.HasRole(role, call.Caller) {
		e.adminMetric(call.Kind, "unauthorized")
		return nil, fmt.Errorf("%w: %s is not %s", ErrUnauthorized, call.Caller.Hex(), role)
	}
	if e.idempotency.IsDuplicate(KindAdmin, call.ID) {
		e.adminMetric(call.Kind, "duplicate")
		return nil, nil
	}

	if err := e.runAdmin(call); err != nil {
		e.adminMetric(call.Kind, "failed")
		e.logger.Warn().Err(err).Str("kind", string(call.Kind)).Str("id", call.ID).Msg("admin call reverted")
		return nil, err
	}
	admin := call
	out, err := e.commit(Command{Kind: KindAdmin, Caller: call.Caller, Admin: &admin})
	if err != nil {
		e.adminMetric(call.Kind, "failed")
		return nil, err
	}
	e.idempotency.MarkProcessed(KindAdmin, call.ID)

	e.adminMetric(call.Kind, "success")
	e.logger.Info().
		Str("kind", string(call.Kind)).
		Str("id", call.ID).
		Int64("command_seq", out.Command.Seq).
		Dur("took", time.Since(start)).
		Msg("admin call applied")
	e.emit(out)
	return out, nil
}

// runAdmin applies call, rolling back its partial effects on error.
func (e *Engine) runAdmin(call AdminCall) error {
	sp := e.undo.Savepoint()
	evt, err := e.applyAdmin(call)
	if err != nil {
		e.undo.RollbackTo(sp)
		e.resetScratch()
		return err
	}
	e.record(evt)
	return nil
}

func (e *Engine) applyAdmin(call AdminCall) (event.Event, error) {
	switch call.Kind {
	case AdminDeposit:
		if !call.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: deposit %s", ErrInvalidAmount, call.Amount)
		}
		if err := e.balances.ApplyDeltas(ledger.CallerProcessor, []ledger.BalanceDelta{
			{Account: call.Account, Asset: call.Asset, Amount: call.Amount},
		}); err != nil {
			return nil, err
		}
		return &event.Deposit{
			Result:  event.Success(),
			Account: call.Account,
			Asset:   call.Asset,
			Amount:  call.Amount,
			Balance: e.balances.Balance(call.Account, call.Asset),
		}, nil

	case AdminInsuranceDeposit:
		if err := e.insurance.Deposit(ledger.CallerProcessor, call.Amount); err != nil {
			return nil, err
		}
		return &event.InsuranceDeposit{Result: event.Success(), Amount: call.Amount, Pool: e.insurance.Pool()}, nil

	case AdminInsuranceWithdraw:
		if call.Account == (common.Address{}) {
			return nil, fmt.Errorf("%w: withdraw destination", ErrZeroAddress)
		}
		if err := e.insurance.EmergencyWithdraw(ledger.CallerProcessor, call.Amount); err != nil {
			return nil, err
		}
		e.queuePayout(capability.Payout{
			Kind:    capability.PayoutInsuranceWithdraw,
			Account: call.Account,
			Asset:   e.cfg.Collateral,
			Amount:  call.Amount,
		})
		return &event.InsuranceWithdraw{
			Result: event.Success(),
			To:     call.Account,
			Amount: call.Amount,
			Pool:   e.insurance.Pool(),
		}, nil

	case AdminCoverLoss:
		if err := e.insurance.CoverLoss(ledger.CallerProcessor, call.Account, call.Amount); err != nil {
			return nil, err
		}
		if e.accounts.IsVault(call.Account) {
			e.touchedVaults[call.Account] = struct{}{}
		}
		if e.metrics != nil {
			e.metrics.LossCovered.WithLabelValues("insurance").Inc()
		}
		return &event.CoverLoss{
			Result:  event.Success(),
			Account: call.Account,
			Amount:  call.Amount,
			Source:  "insurance",
			Balance: e.balances.Balance(call.Account, e.cfg.Collateral),
		}, nil

	case AdminSetSupplyCap:
		if err := e.balances.SetSupplyCap(ledger.CallerProcessor, call.Asset, call.Amount); err != nil {
			return nil, err
		}
		return &event.SupplyCapSet{Result: event.Success(), Asset: call.Asset, USDCap: call.Amount}, nil

	case AdminClaimFees:
		if call.Account == (common.Address{}) {
			return nil, fmt.Errorf("%w: fee recipient", ErrZeroAddress)
		}
		claimed, err := e.fees.Claim(ledger.CallerProcessor)
		if err != nil {
			return nil, err
		}
		total := claimed.Trading.Add(claimed.Sequencer)
		if !total.IsPositive() {
			return nil, fmt.Errorf("%w: fee pool is empty", ErrInvalidAmount)
		}
		e.queuePayout(capability.Payout{
			Kind:    capability.PayoutFeeClaim,
			Account: call.Account,
			Asset:   e.cfg.Collateral,
			Amount:  total,
		})
		return &event.FeeClaim{
			Result:    event.Success(),
			Recipient: call.Account,
			Trading:   claimed.Trading,
			Sequencer: claimed.Sequencer,
		}, nil

	case AdminSetSubaccountActive:
		if err := e.accounts.SetActive(ledger.CallerProcessor, call.Account, call.Active); err != nil {
			return nil, err
		}
		return &event.SubaccountStatus{Result: event.Success(), Subaccount: call.Account, Active: call.Active}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAdmin, call.Kind)
}

func (e *Engine) adminMetric(kind AdminKind, outcome string) {
	if e.metrics != nil {
		e.metrics.AdminCalls.WithLabelValues(string(kind), outcome).Inc()
	}
}
