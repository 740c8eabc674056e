package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"PerpSettle/internal/capability"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/liquidation"
	"PerpSettle/internal/matching"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/operation"
	"PerpSettle/internal/state"
	"PerpSettle/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Config fixes the engine's domain parameters.
type Config struct {
	Domain                 capability.Domain
	Collateral             common.Address
	InsuranceAccount       common.Address
	Assets                 []common.Address
	Matching               matching.Config
	LiquidationPenaltyRate fpmath.Fixed
	DedupCapacity          int

	// CheckInvariants runs the supply and open-interest checks before every
	// commit. Each check walks the full ledgers.
	CheckInvariants bool
}

// Deps are the engine's collaborators. Nil channels are skipped.
type Deps struct {
	Roles          capability.RoleChecker
	Verifier       capability.SignatureVerifier
	Oracle         capability.PriceOracle
	DBChecker      DBIdempotencyChecker
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
	PersistChan    chan<- *Output
	ProjectionChan chan<- *Output
	PublishChan    chan<- *Output
}

// Engine is the sequenced operation processor. Batches and admin calls
// take the write lock; queries take the read lock. Every command runs to
// completion against the undo log and is committed or rolled back whole.
type Engine struct {
	mu sync.RWMutex

	cfg       Config
	undo      *ledger.UndoLog
	accounts  *ledger.AccountBook
	balances  *ledger.BalanceLedger
	positions *ledger.PositionLedger
	nonces    *ledger.NonceSet
	fees      *state.FeePool
	insurance *state.InsuranceFund
	validator *ledger.InvariantValidator

	matcher    *matching.Engine
	liquidator *liquidation.Engine
	vaults     *vault.Engine

	auth     *capability.Authorizer
	verifier capability.SignatureVerifier

	sequence    *SequenceValidator
	hasher      *StateHasher
	commandSeq  int64
	idempotency *IdempotencyChecker

	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan    chan<- *Output
	projectionChan chan<- *Output
	publishChan    chan<- *Output

	// per-command scratch, cleared on commit and rollback
	pending       []pendingEvent
	payouts       []capability.Payout
	recordSeq     *uint32
	touchedVaults map[common.Address]struct{}
	fundedMarkets map[ledger.MarketID]struct{}
}

type pendingEvent struct {
	recordSeq *uint32
	evt       event.Event
}

func NewEngine(cfg Config, deps Deps) *Engine {
	oracle := deps.Oracle
	if oracle == nil {
		oracle = capability.NewStaticOracle(nil)
	}
	roles := deps.Roles
	if roles == nil {
		roles = capability.NewStaticRoles(nil)
	}
	verifier := deps.Verifier
	if verifier == nil {
		verifier = capability.NewECDSAVerifier()
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = 100_000
	}

	undo := ledger.NewUndoLog()
	accounts := ledger.NewAccountBook(undo, ledger.CallerProcessor, ledger.CallerVault)
	balances := ledger.NewBalanceLedger(undo, oracle,
		ledger.CallerProcessor, ledger.CallerMatching, ledger.CallerLiquidation,
		ledger.CallerVault, ledger.CallerClearing)
	positions := ledger.NewPositionLedger(undo, balances, cfg.Collateral,
		ledger.CallerProcessor, ledger.CallerMatching, ledger.CallerLiquidation)
	nonces := ledger.NewNonceSet(undo,
		ledger.CallerProcessor, ledger.CallerMatching, ledger.CallerLiquidation)
	fees := state.NewFeePool(undo,
		ledger.CallerProcessor, ledger.CallerMatching, ledger.CallerLiquidation)
	insurance := state.NewInsuranceFund(undo, balances, cfg.Collateral, cfg.InsuranceAccount,
		ledger.CallerProcessor, ledger.CallerMatching, ledger.CallerLiquidation)
	auth := capability.NewAuthorizer(verifier, roles, accounts)

	balances.RegisterAsset(cfg.Collateral)
	for _, a := range cfg.Assets {
		balances.RegisterAsset(a)
	}

	matcher := matching.NewEngine(cfg.Matching, cfg.Domain, matching.Deps{
		Undo:      undo,
		Auth:      auth,
		Accounts:  accounts,
		Balances:  balances,
		Positions: positions,
		Nonces:    nonces,
		Fees:      fees,
		Insurance: insurance,
	})

	e := &Engine{
		cfg:       cfg,
		undo:      undo,
		accounts:  accounts,
		balances:  balances,
		positions: positions,
		nonces:    nonces,
		fees:      fees,
		insurance: insurance,
		validator: ledger.NewInvariantValidator(balances, positions),
		matcher:   matcher,
		liquidator: liquidation.NewEngine(cfg.Collateral, cfg.LiquidationPenaltyRate, liquidation.Deps{
			Undo:      undo,
			Matcher:   matcher,
			Balances:  balances,
			Nonces:    nonces,
			Insurance: insurance,
			Oracle:    oracle,
		}),
		vaults:         vault.NewEngine(undo, accounts, balances, positions),
		auth:           auth,
		verifier:       verifier,
		sequence:       NewSequenceValidator(undo, deps.Metrics),
		hasher:         NewStateHasher(),
		idempotency:    NewIdempotencyChecker(cfg.DedupCapacity, deps.DBChecker, deps.Metrics),
		metrics:        deps.Metrics,
		logger:         deps.Logger,
		persistChan:    deps.PersistChan,
		projectionChan: deps.ProjectionChan,
		publishChan:    deps.PublishChan,
		touchedVaults:  make(map[common.Address]struct{}),
		fundedMarkets:  make(map[ledger.MarketID]struct{}),
	}
	undo.Commit()
	e.resetScratch()
	return e
}

// ProcessBatch applies an ordered list of records as one command. A nil
// Output with a nil error means batchID was already committed.
func (e *Engine) ProcessBatch(caller common.Address, batchID string, records [][]byte) (*Output, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.auth.HasRole(capability.RoleSequencer, caller) {
		e.rejectBatch("unauthorized")
		return nil, &FatalError{Index: -1, Err: fmt.Errorf("%w: %s is not %s", ErrUnauthorized, caller.Hex(), capability.RoleSequencer)}
	}
	if batchID != "" && e.idempotency.IsDuplicate(KindBatch, batchID) {
		e.rejectBatch("duplicate")
		e.logger.Debug().Str("batch_id", batchID).Msg("duplicate batch skipped")
		return nil, nil
	}

	if err := e.runBatch(records); err != nil {
		e.rejectBatch("fatal")
		e.logger.Warn().Err(err).Str("batch_id", batchID).Int("records", len(records)).Msg("batch rejected")
		return nil, err
	}

	out, err := e.commit(Command{Kind: KindBatch, BatchID: batchID, Caller: caller, Records: records})
	if err != nil {
		e.rejectBatch("invariant")
		e.logger.Error().Err(err).Str("batch_id", batchID).Msg("batch failed post-checks")
		return nil, err
	}
	if batchID != "" {
		e.idempotency.MarkProcessed(KindBatch, batchID)
	}

	if e.metrics != nil {
		e.metrics.BatchesApplied.Inc()
		e.metrics.BatchSize.Observe(float64(len(records)))
		e.metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}
	e.emit(out)
	return out, nil
}

func (e *Engine) rejectBatch(reason string) {
	if e.metrics != nil {
		e.metrics.BatchesRejected.WithLabelValues(reason).Inc()
	}
}

// runBatch applies every record or, on the first fatal error, rolls the
// whole batch back including the counter.
func (e *Engine) runBatch(records [][]byte) error {
	if len(records) == 0 {
		return &FatalError{Index: -1, Err: ErrEmptyBatch}
	}
	sp := e.undo.Savepoint()
	for i, raw := range records {
		if err := e.applyRecord(i, raw); err != nil {
			e.undo.RollbackTo(sp)
			e.resetScratch()
			return err
		}
	}
	return nil
}

func (e *Engine) applyRecord(i int, raw []byte) error {
	code, seq, payload, err := operation.ParseHeader(raw)
	if err != nil {
		return &FatalError{Index: i, Err: err}
	}
	fatal := func(err error) error {
		return &FatalError{Index: i, SeqID: seq, Opcode: code, Err: err}
	}

	if err := e.sequence.Validate(seq); err != nil {
		return fatal(err)
	}
	if !code.Known() {
		return fatal(fmt.Errorf("%w: 0x%02x", operation.ErrUnknownOpcode, uint8(code)))
	}
	op, err := operation.DecodePayload(code, payload)
	if err != nil {
		return fatal(err)
	}
	if err := e.sequence.Advance(); err != nil {
		return fatal(err)
	}

	e.recordSeq = &seq
	defer func() { e.recordSeq = nil }()
	if err := operation.Dispatch(op, e); err != nil {
		if code.SoftFail() {
			e.logger.Error().Err(err).Str("opcode", code.String()).Uint32("seq", seq).
				Msg("contained operation failed the batch")
		}
		return fatal(err)
	}
	if e.metrics != nil {
		e.metrics.RecordsApplied.WithLabelValues(code.String()).Inc()
	}
	return nil
}

// commit seals the current command: it wraps events, extends the hash
// chain and clears the undo log. On an invariant failure the command is
// rolled back instead.
func (e *Engine) commit(cmd Command) (*Output, error) {
	if e.cfg.CheckInvariants {
		if err := e.validator.ValidateAll(); err != nil {
			e.undo.RollbackTo(0)
			e.resetScratch()
			return nil, fmt.Errorf("post-check: %w", err)
		}
	}

	hashStart := time.Now()
	seq := e.commandSeq + 1
	out := &Output{PrevHash: e.hasher.GetPrevHash()}

	for i, p := range e.pending {
		env, err := event.Wrap(seq, i, p.recordSeq, p.evt)
		if err != nil {
			e.undo.RollbackTo(0)
			e.resetScratch()
			return nil, err
		}
		out.Envelopes = append(out.Envelopes, env)
	}
	out.Payouts = e.payouts
	e.collectTouched(out)

	out.StateHash = e.hasher.ComputeHash(seq, e.computeStateDigest(out))
	cmd.Seq = seq
	cmd.StateHash = out.StateHash
	out.Command = cmd

	e.commandSeq = seq
	e.undo.Commit()
	e.pending = nil
	e.payouts = nil
	clear(e.touchedVaults)
	clear(e.fundedMarkets)

	if e.metrics != nil {
		e.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
		e.metrics.CommandSequence.Set(float64(seq))
		e.metrics.RecordCounter.Set(float64(e.sequence.Expected()))
		e.metrics.InsuranceFundBalance.Set(e.insurance.Pool().Decimal().InexactFloat64())
	}
	return out, nil
}

// collectTouched copies the post-commit value of every written key.
func (e *Engine) collectTouched(out *Output) {
	for _, k := range e.balances.DrainTouched() {
		out.Balances = append(out.Balances, ledger.BalanceRecord{
			Account: k.Account,
			Asset:   k.Asset,
			Amount:  e.balances.Balance(k.Account, k.Asset),
		})
		if k.Asset == e.cfg.Collateral && e.accounts.IsVault(k.Account) {
			e.touchedVaults[k.Account] = struct{}{}
		}
	}
	for _, k := range e.positions.DrainTouched() {
		out.Positions = append(out.Positions, ledger.PositionRecord{
			Account:  k.Account,
			Market:   k.Market,
			Position: e.positions.Position(k.Account, k.Market),
		})
		e.fundedMarkets[k.Market] = struct{}{}
	}

	markets := make([]ledger.MarketID, 0, len(e.fundedMarkets))
	for id := range e.fundedMarkets {
		markets = append(markets, id)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i] < markets[j] })
	for _, id := range markets {
		out.Markets = append(out.Markets, ledger.MarketRecord{ID: id, Market: e.positions.Market(id)})
	}

	vaults := make([]common.Address, 0, len(e.touchedVaults))
	for v := range e.touchedVaults {
		vaults = append(vaults, v)
	}
	sort.Slice(vaults, func(i, j int) bool { return bytes.Compare(vaults[i][:], vaults[j][:]) < 0 })
	for _, v := range vaults {
		if view, ok := e.vaultView(v); ok {
			out.Vaults = append(out.Vaults, view)
		}
	}
}

// computeStateDigest creates canonical bytes for the state hash: the record
// counter, every written key with its value, then every event.
func (e *Engine) computeStateDigest(out *Output) []byte {
	digest := make([]byte, 0, 256)
	digest = binary.LittleEndian.AppendUint32(digest, e.sequence.Expected())

	for _, b := range out.Balances {
		digest = append(digest, b.Account[:]...)
		digest = append(digest, b.Asset[:]...)
		digest = appendFixed(digest, b.Amount)
	}
	for _, p := range out.Positions {
		digest = append(digest, p.Account[:]...)
		digest = append(digest, byte(p.Market))
		digest = appendFixed(digest, p.Size)
		digest = appendFixed(digest, p.QuoteBalance)
		digest = appendFixed(digest, p.LastFundingIndex)
	}
	for _, m := range out.Markets {
		digest = append(digest, byte(m.ID))
		digest = appendFixed(digest, m.CumulativeFundingIndex)
		digest = appendFixed(digest, m.OpenInterest)
	}
	for _, env := range out.Envelopes {
		digest = binary.LittleEndian.AppendUint32(digest, uint32(env.EventType))
		digest = append(digest, byte(env.Status))
		digest = binary.LittleEndian.AppendUint32(digest, uint32(len(env.Payload)))
		digest = append(digest, env.Payload...)
	}
	return digest
}

// appendFixed writes the value's sign and big-endian magnitude,
// length-prefixed.
func appendFixed(buf []byte, f fpmath.Fixed) []byte {
	raw := f.Raw()
	mag := raw.Bytes()
	buf = append(buf, byte(raw.Sign()+1), byte(len(mag)))
	return append(buf, mag...)
}

// emit hands a committed Output to the shell. Persistence blocks; the
// projection and publish channels drop when full and can be rebuilt from
// the event log.
func (e *Engine) emit(out *Output) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("state").Inc()
			}
		}
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (e *Engine) resetScratch() {
	e.pending = nil
	e.payouts = nil
	e.recordSeq = nil
	clear(e.touchedVaults)
	clear(e.fundedMarkets)
	e.balances.DrainTouched()
	e.positions.DrainTouched()
}

// record queues evt for the current command, tagged with the record that
// produced it.
func (e *Engine) record(evt event.Event) {
	e.pending = append(e.pending, pendingEvent{recordSeq: e.recordSeq, evt: evt})
}

// resultEvent is an event whose outcome is filled in after the operation
// has run.
type resultEvent interface {
	event.Event
	SetOutcome(event.Result)
}

// guarded runs a nonce-protected user operation inside the soft-fail
// boundary. A used nonce fails without consuming anything. Once the nonce
// is marked, failures roll back only run's effects and the nonce stays
// used. The outcome is recorded on evt, which is emitted either way.
func (e *Engine) guarded(code operation.Opcode, purpose ledger.Purpose, account common.Address, nonce uint64, evt resultEvent, run func() error) {
	if err := e.nonces.Use(ledger.CallerProcessor, purpose, account, nonce); err != nil {
		e.softFail(code, evt, err)
		return
	}

	sp := e.undo.Savepoint()
	nPending, nPayouts := len(e.pending), len(e.payouts)
	if err := run(); err != nil {
		e.undo.RollbackTo(sp)
		e.pending = e.pending[:nPending]
		e.payouts = e.payouts[:nPayouts]
		e.softFail(code, evt, err)
		return
	}
	evt.SetOutcome(event.Success())
	e.record(evt)
}

func (e *Engine) softFail(code operation.Opcode, evt resultEvent, err error) {
	evt.SetOutcome(event.Failure(err))
	e.record(evt)
	if e.metrics != nil {
		e.metrics.RecordsSoftFailed.WithLabelValues(code.String()).Inc()
	}
	e.logger.Debug().Err(err).Str("opcode", code.String()).Msg("operation soft-failed")
}

// queuePayout schedules a custody transfer for after the command commits.
func (e *Engine) queuePayout(p capability.Payout) {
	p.CommandSeq = e.commandSeq + 1
	p.Index = len(e.payouts)
	e.payouts = append(e.payouts, p)
}

// --- Replay ---

// Replay re-executes a logged command. Role checks and dedup are skipped;
// the command was authorized when it first committed. A non-zero
// StateHash on cmd must be reproduced exactly.
func (e *Engine) Replay(cmd Command) (*Output, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ValidateCommandSeq(e.commandSeq, cmd.Seq); err != nil {
		return nil, err
	}
	expected := cmd.StateHash

	switch {
	case cmd.Admin != nil:
		if err := e.runAdmin(*cmd.Admin); err != nil {
			return nil, fmt.Errorf("replay admin %d: %w", cmd.Seq, err)
		}
	default:
		if err := e.runBatch(cmd.Records); err != nil {
			return nil, fmt.Errorf("replay batch %d: %w", cmd.Seq, err)
		}
	}

	cmd.Seq, cmd.StateHash = 0, common.Hash{}
	out, err := e.commit(cmd)
	if err != nil {
		return nil, err
	}
	if expected != (common.Hash{}) && common.Hash(out.StateHash) != expected {
		return out, fmt.Errorf("%w: command %d, logged %s, got %x", ErrHashMismatch, out.Command.Seq, expected.Hex(), out.StateHash)
	}
	if id := out.Command.DedupID(); id != "" {
		e.idempotency.MarkProcessed(out.Command.Kind, id)
	}
	if e.metrics != nil {
		e.metrics.ReplayCommandsTotal.Inc()
	}
	return out, nil
}

// --- Accessors ---

// CommandSeq returns the last committed command sequence.
func (e *Engine) CommandSeq() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.commandSeq
}

// Counter returns the sequence id the next record must carry.
func (e *Engine) Counter() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sequence.Expected()
}

// StateHash returns the current state hash (chain tip).
func (e *Engine) StateHash() [32]byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hasher.GetPrevHash()
}

// WarmLRU loads recently committed command ids into the dedup cache.
func (e *Engine) WarmLRU(kind string, ids []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.Warm(kind, ids)
}

// View runs fn under the read lock. fn must not retain the Reader.
func (e *Engine) View(fn func(r Reader) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fn(reader{e})
}

func (e *Engine) vaultView(addr common.Address) (VaultView, bool) {
	v, ok := e.vaults.Vault(addr)
	if !ok {
		return VaultView{}, false
	}
	nav, err := e.vaults.NAV(addr)
	if err != nil {
		nav = fpmath.Zero()
	}
	return VaultView{
		Address: addr,
		Vault:   v,
		Balance: e.balances.Balance(addr, e.cfg.Collateral),
		NAV:     nav,
	}, true
}
