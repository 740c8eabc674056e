package operation

import (
	"encoding/binary"
	"errors"
	"fmt"

	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

const (
	HeaderSize     = 5
	SignatureSize  = 65
	OrderBlockSize = 164
	ReferralSize   = 22
	PenaltySize    = 16

	addSignerSize     = 20 + 20 + 8 + SignatureSize
	matchBaseSize     = 2*OrderBlockSize + 16
	withdrawSize      = 20 + 20 + 16 + 8 + SignatureSize
	transferSize      = 20 + 20 + 20 + 16 + 8 + SignatureSize
	crossLedgerSize   = 20 + 20 + 20 + 16 + 4 + 8 + SignatureSize
	registerVaultSize = 20 + 20 + 2 + SignatureSize
	stakeSize         = 20 + 20 + 16 + 8 + SignatureSize
	fundingEntrySize  = 1 + 16
	liquidationSize   = 20 + 20 + 16 + 8
)

var (
	ErrShortRecord      = errors.New("record shorter than header")
	ErrUnknownOpcode    = errors.New("unknown opcode")
	ErrMalformedPayload = errors.New("malformed payload")
)

// Record is a decoded [opcode:1][seqId:4][payload] record.
type Record struct {
	SeqID uint32
	Op    Operation
}

// ParseHeader splits a raw record into opcode, sequence id and payload. It
// does not check that the opcode is known.
func ParseHeader(raw []byte) (Opcode, uint32, []byte, error) {
	if len(raw) < HeaderSize {
		return 0, 0, nil, fmt.Errorf("%w: %d bytes", ErrShortRecord, len(raw))
	}
	return Opcode(raw[0]), binary.BigEndian.Uint32(raw[1:5]), raw[HeaderSize:], nil
}

// Decode parses a full record.
func Decode(raw []byte) (Record, error) {
	code, seq, payload, err := ParseHeader(raw)
	if err != nil {
		return Record{}, err
	}
	op, err := DecodePayload(code, payload)
	if err != nil {
		return Record{}, err
	}
	return Record{SeqID: seq, Op: op}, nil
}

// DecodePayload parses the payload for a known opcode.
func DecodePayload(code Opcode, payload []byte) (Operation, error) {
	switch code {
	case OpAddSigner:
		return parseAddSigner(payload)
	case OpMatchOrders:
		m, err := parseMatch(payload, false)
		if err != nil {
			return nil, err
		}
		return &MatchOrders{Match: m}, nil
	case OpMatchLiquidation:
		m, err := parseMatch(payload, true)
		if err != nil {
			return nil, err
		}
		return &MatchLiquidation{Match: m}, nil
	case OpUpdateFunding:
		return parseUpdateFunding(payload)
	case OpWithdraw:
		return parseWithdraw(payload)
	case OpTransfer:
		return parseTransfer(payload)
	case OpCrossLedgerTransfer:
		return parseCrossLedgerTransfer(payload)
	case OpLiquidate:
		return parseLiquidate(payload)
	case OpRegisterVault:
		return parseRegisterVault(payload)
	case OpStake:
		return parseStake(payload)
	case OpUnstake:
		return parseUnstake(payload)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, uint8(code))
	}
}

// Encode serializes op as a record carrying seq.
func Encode(seq uint32, op Operation) ([]byte, error) {
	b := make([]byte, HeaderSize, 256)
	b[0] = byte(op.Opcode())
	binary.BigEndian.PutUint32(b[1:5], seq)
	return op.appendPayload(b)
}

func expectLen(code Opcode, payload []byte, want ...int) error {
	for _, n := range want {
		if len(payload) == n {
			return nil
		}
	}
	return fmt.Errorf("%w: %s payload is %d bytes, want %v", ErrMalformedPayload, code, len(payload), want)
}

// --- Readers ---

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if r.off+n > len(r.b) {
		r.err = fmt.Errorf("%w: truncated at offset %d", ErrMalformedPayload, r.off)
		return make([]byte, n)
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) address() common.Address { return common.BytesToAddress(r.take(20)) }
func (r *reader) u8() uint8               { return r.take(1)[0] }
func (r *reader) u16() uint16             { return binary.BigEndian.Uint16(r.take(2)) }
func (r *reader) u32() uint32             { return binary.BigEndian.Uint32(r.take(4)) }
func (r *reader) u64() uint64             { return binary.BigEndian.Uint64(r.take(8)) }

func (r *reader) signature() []byte {
	return append([]byte(nil), r.take(SignatureSize)...)
}

func (r *reader) flag(field string) bool {
	v := r.u8()
	if v > 1 && r.err == nil {
		r.err = fmt.Errorf("%w: %s must be 0 or 1, got %d", ErrMalformedPayload, field, v)
	}
	return v == 1
}

func (r *reader) side() Side {
	v := r.u8()
	if v > 1 && r.err == nil {
		r.err = fmt.Errorf("%w: side must be 0 or 1, got %d", ErrMalformedPayload, v)
	}
	return Side(v)
}

func (r *reader) uamount(field string) fpmath.Fixed {
	f, err := fpmath.FromUint128Bytes(r.take(16))
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%w: %s: %v", ErrMalformedPayload, field, err)
	}
	return f
}

func (r *reader) iamount(field string) fpmath.Fixed {
	f, err := fpmath.FromInt128Bytes(r.take(16))
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%w: %s: %v", ErrMalformedPayload, field, err)
	}
	return f
}

func (r *reader) order() SignedOrder {
	var o SignedOrder
	o.Sender = r.address()
	o.Size = r.uamount("size")
	o.Price = r.uamount("price")
	o.Nonce = r.u64()
	o.Market = ledger.MarketID(r.u8())
	o.Side = r.side()
	o.Signature = r.signature()
	o.Signer = r.address()
	o.IsLiquidation = r.flag("is_liquidation")
	o.Fee = r.iamount("fee")
	return o
}

func parseAddSigner(p []byte) (*AddSigner, error) {
	if err := expectLen(OpAddSigner, p, addSignerSize); err != nil {
		return nil, err
	}
	r := &reader{b: p}
	op := &AddSigner{
		Sender:    r.address(),
		Signer:    r.address(),
		Nonce:     r.u64(),
		Signature: r.signature(),
	}
	return op, r.err
}

func parseMatch(p []byte, liquidation bool) (Match, error) {
	code := OpMatchOrders
	sizes := []int{matchBaseSize, matchBaseSize + ReferralSize}
	if liquidation {
		code = OpMatchLiquidation
		sizes = append(sizes, matchBaseSize+PenaltySize, matchBaseSize+ReferralSize+PenaltySize)
	}
	if err := expectLen(code, p, sizes...); err != nil {
		return Match{}, err
	}

	r := &reader{b: p}
	m := Match{
		Maker:        r.order(),
		Taker:        r.order(),
		SequencerFee: r.iamount("sequencer_fee"),
	}
	tail := len(p) - matchBaseSize
	if tail == ReferralSize || tail == ReferralSize+PenaltySize {
		m.Referral = &Referral{Referrer: r.address(), RebateBps: r.u16()}
	}
	if liquidation && (tail == PenaltySize || tail == ReferralSize+PenaltySize) {
		m.Penalty = r.iamount("liquidation_penalty")
	}
	return m, r.err
}

func parseUpdateFunding(p []byte) (*UpdateFunding, error) {
	if len(p) < 1 {
		return nil, fmt.Errorf("%w: empty UpdateFunding payload", ErrMalformedPayload)
	}
	n := int(p[0])
	if n == 0 {
		return nil, fmt.Errorf("%w: UpdateFunding carries no markets", ErrMalformedPayload)
	}
	if err := expectLen(OpUpdateFunding, p, 1+n*fundingEntrySize); err != nil {
		return nil, err
	}
	r := &reader{b: p, off: 1}
	op := &UpdateFunding{Updates: make([]FundingUpdate, n)}
	for i := range op.Updates {
		op.Updates[i] = FundingUpdate{
			Market:     ledger.MarketID(r.u8()),
			IndexDelta: r.iamount("index_delta"),
		}
	}
	return op, r.err
}

func parseWithdraw(p []byte) (*Withdraw, error) {
	if err := expectLen(OpWithdraw, p, withdrawSize); err != nil {
		return nil, err
	}
	r := &reader{b: p}
	op := &Withdraw{
		Sender:    r.address(),
		Asset:     r.address(),
		Amount:    r.uamount("amount"),
		Nonce:     r.u64(),
		Signature: r.signature(),
	}
	return op, r.err
}

func parseTransfer(p []byte) (*Transfer, error) {
	if err := expectLen(OpTransfer, p, transferSize); err != nil {
		return nil, err
	}
	r := &reader{b: p}
	op := &Transfer{
		From:      r.address(),
		To:        r.address(),
		Asset:     r.address(),
		Amount:    r.uamount("amount"),
		Nonce:     r.u64(),
		Signature: r.signature(),
	}
	return op, r.err
}

func parseCrossLedgerTransfer(p []byte) (*CrossLedgerTransfer, error) {
	if err := expectLen(OpCrossLedgerTransfer, p, crossLedgerSize); err != nil {
		return nil, err
	}
	r := &reader{b: p}
	op := &CrossLedgerTransfer{
		Sender:            r.address(),
		Recipient:         r.address(),
		Asset:             r.address(),
		Amount:            r.uamount("amount"),
		DestinationLedger: r.u32(),
		Nonce:             r.u64(),
		Signature:         r.signature(),
	}
	return op, r.err
}

func parseLiquidate(p []byte) (*Liquidate, error) {
	if len(p) < 1 {
		return nil, fmt.Errorf("%w: empty Liquidate payload", ErrMalformedPayload)
	}
	n := int(p[0])
	if n == 0 {
		return nil, fmt.Errorf("%w: Liquidate carries no requests", ErrMalformedPayload)
	}
	if err := expectLen(OpLiquidate, p, 1+n*liquidationSize); err != nil {
		return nil, err
	}
	r := &reader{b: p, off: 1}
	op := &Liquidate{Requests: make([]LiquidationRequest, n)}
	for i := range op.Requests {
		op.Requests[i] = LiquidationRequest{
			Account: r.address(),
			Asset:   r.address(),
			Amount:  r.uamount("amount"),
			Nonce:   r.u64(),
		}
	}
	return op, r.err
}

func parseRegisterVault(p []byte) (*RegisterVault, error) {
	if err := expectLen(OpRegisterVault, p, registerVaultSize); err != nil {
		return nil, err
	}
	r := &reader{b: p}
	op := &RegisterVault{
		Vault:          r.address(),
		FeeRecipient:   r.address(),
		ProfitShareBps: r.u16(),
		Signature:      r.signature(),
	}
	return op, r.err
}

func parseStake(p []byte) (*Stake, error) {
	if err := expectLen(OpStake, p, stakeSize); err != nil {
		return nil, err
	}
	r := &reader{b: p}
	op := &Stake{
		Staker:    r.address(),
		Vault:     r.address(),
		Amount:    r.uamount("amount"),
		Nonce:     r.u64(),
		Signature: r.signature(),
	}
	return op, r.err
}

func parseUnstake(p []byte) (*Unstake, error) {
	if err := expectLen(OpUnstake, p, stakeSize); err != nil {
		return nil, err
	}
	r := &reader{b: p}
	op := &Unstake{
		Staker:    r.address(),
		Vault:     r.address(),
		Shares:    r.uamount("shares"),
		Nonce:     r.u64(),
		Signature: r.signature(),
	}
	return op, r.err
}

// --- Writers ---

type writer struct {
	b   []byte
	err error
}

func (w *writer) address(a common.Address) { w.b = append(w.b, a[:]...) }
func (w *writer) u8(v uint8)               { w.b = append(w.b, v) }
func (w *writer) u16(v uint16)             { w.b = binary.BigEndian.AppendUint16(w.b, v) }
func (w *writer) u32(v uint32)             { w.b = binary.BigEndian.AppendUint32(w.b, v) }
func (w *writer) u64(v uint64)             { w.b = binary.BigEndian.AppendUint64(w.b, v) }

func (w *writer) flag(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) signature(sig []byte) {
	if len(sig) != SignatureSize && w.err == nil {
		w.err = fmt.Errorf("%w: signature is %d bytes", ErrMalformedPayload, len(sig))
	}
	var out [SignatureSize]byte
	copy(out[:], sig)
	w.b = append(w.b, out[:]...)
}

func (w *writer) uamount(f fpmath.Fixed) {
	enc, err := f.Uint128Bytes()
	if err != nil && w.err == nil {
		w.err = err
	}
	w.b = append(w.b, enc[:]...)
}

func (w *writer) iamount(f fpmath.Fixed) {
	enc, err := f.Int128Bytes()
	if err != nil && w.err == nil {
		w.err = err
	}
	w.b = append(w.b, enc[:]...)
}

func (w *writer) order(o SignedOrder) {
	w.address(o.Sender)
	w.uamount(o.Size)
	w.uamount(o.Price)
	w.u64(o.Nonce)
	w.u8(uint8(o.Market))
	w.u8(uint8(o.Side))
	w.signature(o.Signature)
	w.address(o.Signer)
	w.flag(o.IsLiquidation)
	w.iamount(o.Fee)
}

func (w *writer) match(m Match, liquidation bool) {
	w.order(m.Maker)
	w.order(m.Taker)
	w.iamount(m.SequencerFee)
	if m.Referral != nil {
		w.address(m.Referral.Referrer)
		w.u16(m.Referral.RebateBps)
	}
	if liquidation && !m.Penalty.IsZero() {
		w.iamount(m.Penalty)
	}
}

func (op *AddSigner) appendPayload(b []byte) ([]byte, error) {
	w := &writer{b: b}
	w.address(op.Sender)
	w.address(op.Signer)
	w.u64(op.Nonce)
	w.signature(op.Signature)
	return w.b, w.err
}

func (op *MatchOrders) appendPayload(b []byte) ([]byte, error) {
	w := &writer{b: b}
	w.match(op.Match, false)
	return w.b, w.err
}

func (op *MatchLiquidation) appendPayload(b []byte) ([]byte, error) {
	w := &writer{b: b}
	w.match(op.Match, true)
	return w.b, w.err
}

func (op *UpdateFunding) appendPayload(b []byte) ([]byte, error) {
	if len(op.Updates) == 0 || len(op.Updates) > 255 {
		return nil, fmt.Errorf("%w: %d funding updates", ErrMalformedPayload, len(op.Updates))
	}
	w := &writer{b: b}
	w.u8(uint8(len(op.Updates)))
	for _, u := range op.Updates {
		w.u8(uint8(u.Market))
		w.iamount(u.IndexDelta)
	}
	return w.b, w.err
}

func (op *Withdraw) appendPayload(b []byte) ([]byte, error) {
	w := &writer{b: b}
	w.address(op.Sender)
	w.address(op.Asset)
	w.uamount(op.Amount)
	w.u64(op.Nonce)
	w.signature(op.Signature)
	return w.b, w.err
}

func (op *Transfer) appendPayload(b []byte) ([]byte, error) {
	w := &writer{b: b}
	w.address(op.From)
	w.address(op.To)
	w.address(op.Asset)
	w.uamount(op.Amount)
	w.u64(op.Nonce)
	w.signature(op.Signature)
	return w.b, w.err
}

func (op *CrossLedgerTransfer) appendPayload(b []byte) ([]byte, error) {
	w := &writer{b: b}
	w.address(op.Sender)
	w.address(op.Recipient)
	w.address(op.Asset)
	w.uamount(op.Amount)
	w.u32(op.DestinationLedger)
	w.u64(op.Nonce)
	w.signature(op.Signature)
	return w.b, w.err
}

func (op *Liquidate) appendPayload(b []byte) ([]byte, error) {
	if len(op.Requests) == 0 || len(op.Requests) > 255 {
		return nil, fmt.Errorf("%w: %d liquidation requests", ErrMalformedPayload, len(op.Requests))
	}
	w := &writer{b: b}
	w.u8(uint8(len(op.Requests)))
	for _, req := range op.Requests {
		w.address(req.Account)
		w.address(req.Asset)
		w.uamount(req.Amount)
		w.u64(req.Nonce)
	}
	return w.b, w.err
}

func (op *RegisterVault) appendPayload(b []byte) ([]byte, error) {
	w := &writer{b: b}
	w.address(op.Vault)
	w.address(op.FeeRecipient)
	w.u16(op.ProfitShareBps)
	w.signature(op.Signature)
	return w.b, w.err
}

func (op *Stake) appendPayload(b []byte) ([]byte, error) {
	w := &writer{b: b}
	w.address(op.Staker)
	w.address(op.Vault)
	w.uamount(op.Amount)
	w.u64(op.Nonce)
	w.signature(op.Signature)
	return w.b, w.err
}

func (op *Unstake) appendPayload(b []byte) ([]byte, error) {
	w := &writer{b: b}
	w.address(op.Staker)
	w.address(op.Vault)
	w.uamount(op.Shares)
	w.u64(op.Nonce)
	w.signature(op.Signature)
	return w.b, w.err
}
