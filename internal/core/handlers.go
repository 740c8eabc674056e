package core

import (
	"fmt"

	"PerpSettle/internal/capability"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/matching"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/operation"

	"github.com/ethereum/go-ethereum/common"
)

// Engine dispatches every record variant through operation.Handler.
var _ operation.Handler = (*Engine)(nil)

// HandleAddSigner delegates signing for a Main or Vault account. The
// account must sign the registration itself.
func (e *Engine) HandleAddSigner(op *operation.AddSigner) error {
	evt := &event.SignerAdded{Account: op.Sender, Signer: op.Signer, Nonce: op.Nonce}
	e.guarded(operation.OpAddSigner, ledger.PurposeSignerRegistration, op.Sender, op.Nonce, evt, func() error {
		if e.accounts.Type(op.Sender) == ledger.AccountSubaccount {
			return fmt.Errorf("%w: %s", ErrSignerAccount, op.Sender.Hex())
		}
		digest := operation.Digest(e.cfg.Domain, op)
		if e.verifier == nil || !e.verifier.IsValidSignature(op.Sender, digest, op.Signature) {
			return fmt.Errorf("%w: %s", capability.ErrInvalidSignature, op.Sender.Hex())
		}
		return e.accounts.AddSigner(ledger.CallerProcessor, op.Sender, op.Signer)
	})
	return nil
}

func (e *Engine) HandleMatchOrders(op *operation.MatchOrders) error {
	evt, err := e.matcher.Match(ledger.CallerMatching, &op.Match, matching.ModeRegular)
	if err != nil {
		return err
	}
	e.recordMatch(evt)
	return nil
}

func (e *Engine) HandleMatchLiquidation(op *operation.MatchLiquidation) error {
	evt, err := e.liquidator.ForcedMatch(&op.Match)
	if err != nil {
		return err
	}
	e.recordMatch(evt)
	return nil
}

func (e *Engine) recordMatch(evt *event.Match) {
	e.record(evt)
	if e.metrics != nil {
		mode := "regular"
		if evt.Liquidation {
			mode = "liquidation"
		}
		e.metrics.Fills.WithLabelValues(fmt.Sprint(evt.Market), mode).Inc()
	}
}

// HandleUpdateFunding adds each delta to its market's cumulative index.
// Positions settle lazily on their next touch.
func (e *Engine) HandleUpdateFunding(op *operation.UpdateFunding) error {
	for _, u := range op.Updates {
		if !e.matcher.KnownMarket(u.Market) {
			return fmt.Errorf("%w: %d", matching.ErrUnknownMarket, u.Market)
		}
		m, err := e.positions.UpdateFundingIndex(ledger.CallerProcessor, u.Market, u.IndexDelta)
		if err != nil {
			return err
		}
		e.fundedMarkets[u.Market] = struct{}{}
		e.record(&event.FundingUpdate{
			Result:          event.Success(),
			Market:          u.Market,
			IndexDelta:      u.IndexDelta,
			CumulativeIndex: m.CumulativeFundingIndex,
		})
		if e.metrics != nil {
			e.metrics.FundingUpdates.WithLabelValues(fmt.Sprint(u.Market)).Inc()
		}
	}
	return nil
}

func (e *Engine) HandleWithdraw(op *operation.Withdraw) error {
	evt := &event.Withdrawal{Sender: op.Sender, Asset: op.Asset, Amount: op.Amount, Nonce: op.Nonce}
	e.guarded(operation.OpWithdraw, ledger.PurposeWithdraw, op.Sender, op.Nonce, evt, func() error {
		if err := e.auth.Authorize(op.Sender, operation.Digest(e.cfg.Domain, op), op.Signature); err != nil {
			return err
		}
		if err := e.debit(op.Sender, op.Asset, op.Amount); err != nil {
			return err
		}
		evt.Balance = e.balances.Balance(op.Sender, op.Asset)
		e.queuePayout(capability.Payout{
			Kind:    capability.PayoutWithdraw,
			Account: op.Sender,
			Asset:   op.Asset,
			Amount:  op.Amount,
		})
		return nil
	})
	return nil
}

func (e *Engine) HandleTransfer(op *operation.Transfer) error {
	evt := &event.Transfer{From: op.From, To: op.To, Asset: op.Asset, Amount: op.Amount, Nonce: op.Nonce}
	e.guarded(operation.OpTransfer, ledger.PurposeTransfer, op.From, op.Nonce, evt, func() error {
		if err := e.auth.Authorize(op.From, operation.Digest(e.cfg.Domain, op), op.Signature); err != nil {
			return err
		}
		created, err := e.linkTransfer(op.From, op.To)
		if err != nil {
			return err
		}
		if err := e.checkDebit(op.From, op.Asset, op.Amount); err != nil {
			return err
		}
		if err := e.balances.ApplyDeltas(ledger.CallerProcessor, []ledger.BalanceDelta{
			{Account: op.From, Asset: op.Asset, Amount: op.Amount.Neg()},
			{Account: op.To, Asset: op.Asset, Amount: op.Amount},
		}); err != nil {
			return err
		}
		evt.CreatedSubaccount = created
		return nil
	})
	return nil
}

// linkTransfer checks that from and to may exchange funds and attaches a
// fresh to address to a sending Main. It reports whether it did so.
func (e *Engine) linkTransfer(from, to common.Address) (bool, error) {
	if from == to {
		return false, ErrSameAccount
	}
	if e.accounts.IsVault(from) || e.accounts.IsVault(to) {
		return false, ErrVaultAccount
	}

	switch e.accounts.Type(from) {
	case ledger.AccountMain:
		if parent, ok := e.accounts.Parent(to); ok {
			if parent != from {
				return false, fmt.Errorf("%w: %s belongs to %s", ErrNotRelated, to.Hex(), parent.Hex())
			}
			break
		}
		if !e.isFresh(to) {
			return false, fmt.Errorf("%w: %s is an existing account", ErrNotRelated, to.Hex())
		}
		if err := e.accounts.CreateSubaccount(ledger.CallerProcessor, from, to); err != nil {
			return false, err
		}
		return true, nil
	case ledger.AccountSubaccount:
		parent, _ := e.accounts.Parent(from)
		if to == parent {
			return false, nil
		}
		if p, ok := e.accounts.Parent(to); !ok || p != parent {
			return false, fmt.Errorf("%w: %s is not a sibling of %s", ErrNotRelated, to.Hex(), from.Hex())
		}
	}

	if e.accounts.Type(to) == ledger.AccountSubaccount && !e.accounts.IsActive(to) {
		return false, fmt.Errorf("%w: %s", ledger.ErrSubaccountInactive, to.Hex())
	}
	return false, nil
}

// isFresh reports whether addr has never held funds, positions or
// subaccounts.
func (e *Engine) isFresh(addr common.Address) bool {
	return e.accounts.Type(addr) == ledger.AccountMain &&
		!e.accounts.HasSubaccounts(addr) &&
		e.balances.IsEmpty(addr) &&
		!e.positions.HasAnyPosition(addr)
}

func (e *Engine) HandleCrossLedgerTransfer(op *operation.CrossLedgerTransfer) error {
	evt := &event.CrossLedgerTransfer{
		Sender:            op.Sender,
		Recipient:         op.Recipient,
		Asset:             op.Asset,
		Amount:            op.Amount,
		DestinationLedger: op.DestinationLedger,
		Nonce:             op.Nonce,
	}
	e.guarded(operation.OpCrossLedgerTransfer, ledger.PurposeCrossLedger, op.Sender, op.Nonce, evt, func() error {
		if err := e.auth.Authorize(op.Sender, operation.Digest(e.cfg.Domain, op), op.Signature); err != nil {
			return err
		}
		if err := e.debit(op.Sender, op.Asset, op.Amount); err != nil {
			return err
		}
		e.queuePayout(capability.Payout{
			Kind:              capability.PayoutCrossLedger,
			Account:           op.Recipient,
			Asset:             op.Asset,
			Amount:            op.Amount,
			DestinationLedger: op.DestinationLedger,
		})
		return nil
	})
	return nil
}

// checkDebit validates an outgoing amount against the account's balance.
func (e *Engine) checkDebit(account, asset common.Address, amount fpmath.Fixed) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if !e.balances.IsSupported(asset) {
		return fmt.Errorf("%w: %s", ledger.ErrUnsupportedAsset, asset.Hex())
	}
	if bal := e.balances.Balance(account, asset); bal.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ledger.ErrInsufficientBalance, account.Hex(), bal, amount)
	}
	return nil
}

// debit removes amount from a non-vault account, reducing supply.
func (e *Engine) debit(account, asset common.Address, amount fpmath.Fixed) error {
	if e.accounts.IsVault(account) {
		return fmt.Errorf("%w: %s", ErrVaultAccount, account.Hex())
	}
	if err := e.checkDebit(account, asset, amount); err != nil {
		return err
	}
	return e.balances.ApplyDeltas(ledger.CallerProcessor, []ledger.BalanceDelta{
		{Account: account, Asset: asset, Amount: amount.Neg()},
	})
}

// HandleLiquidate runs each request in its own failure boundary.
func (e *Engine) HandleLiquidate(op *operation.Liquidate) error {
	for _, evt := range e.liquidator.Liquidate(op.Requests) {
		e.record(evt)
		if e.metrics != nil {
			e.metrics.Liquidations.WithLabelValues(evt.Status.String()).Inc()
		}
	}
	return nil
}

// HandleRegisterVault fails the batch on any error, including a bad
// signature. Only the vault's own key may register it.
func (e *Engine) HandleRegisterVault(op *operation.RegisterVault) error {
	digest := operation.Digest(e.cfg.Domain, op)
	if e.verifier == nil || !e.verifier.IsValidSignature(op.Vault, digest, op.Signature) {
		return fmt.Errorf("register vault %s: %w", op.Vault.Hex(), capability.ErrInvalidSignature)
	}
	evt, err := e.vaults.Register(op.Vault, op.FeeRecipient, op.ProfitShareBps)
	if err != nil {
		e.vaultMetric("register", "fatal")
		return fmt.Errorf("register vault %s: %w", op.Vault.Hex(), err)
	}
	e.touchedVaults[op.Vault] = struct{}{}
	e.record(evt)
	e.vaultMetric("register", "success")
	return nil
}

func (e *Engine) HandleStake(op *operation.Stake) error {
	evt := &event.Stake{Staker: op.Staker, Vault: op.Vault, Amount: op.Amount, Nonce: op.Nonce}
	e.guarded(operation.OpStake, ledger.PurposeStake, op.Staker, op.Nonce, evt, func() error {
		if err := e.auth.Authorize(op.Staker, operation.Digest(e.cfg.Domain, op), op.Signature); err != nil {
			return err
		}
		res, cover, err := e.vaults.Deposit(op.Staker, op.Vault, op.Amount)
		if err != nil {
			return err
		}
		if cover != nil {
			e.record(cover)
			if e.metrics != nil {
				e.metrics.LossCovered.WithLabelValues(cover.Source).Inc()
			}
		}
		*evt = *res
		evt.Nonce = op.Nonce
		e.touchedVaults[op.Vault] = struct{}{}
		return nil
	})
	e.vaultMetric("stake", evt.Status.String())
	return nil
}

func (e *Engine) HandleUnstake(op *operation.Unstake) error {
	evt := &event.Unstake{Staker: op.Staker, Vault: op.Vault, Shares: op.Shares, Nonce: op.Nonce}
	e.guarded(operation.OpUnstake, ledger.PurposeUnstake, op.Staker, op.Nonce, evt, func() error {
		if err := e.auth.Authorize(op.Staker, operation.Digest(e.cfg.Domain, op), op.Signature); err != nil {
			return err
		}
		res, err := e.vaults.Withdraw(op.Staker, op.Vault, op.Shares)
		if err != nil {
			return err
		}
		*evt = *res
		evt.Nonce = op.Nonce
		e.touchedVaults[op.Vault] = struct{}{}
		return nil
	})
	e.vaultMetric("unstake", evt.Status.String())
	return nil
}

func (e *Engine) vaultMetric(op, outcome string) {
	if e.metrics != nil {
		e.metrics.VaultOperations.WithLabelValues(op, outcome).Inc()
	}
}
