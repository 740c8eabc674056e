package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// Decimals is the shared scale of every monetary amount in the ledger.
const Decimals = 18

var (
	ErrOverflow       = errors.New("fixed-point overflow")
	ErrDivisionByZero = errors.New("fixed-point division by zero")
	ErrInvalidAmount  = errors.New("invalid fixed-point amount")
)

var (
	scale     = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
	maxInt128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minInt128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	two128    = new(big.Int).Lsh(big.NewInt(1), 128)
	bpsDenom  = big.NewInt(10_000)
)

// Intermediate products are up to 256 bits wide; pooled to keep the hot
// matching path allocation-light.
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

type RoundingMode int

const (
	RoundDown     RoundingMode = iota // toward zero
	RoundHalfEven                     // banker's rounding
	RoundUp                           // away from zero
)

// Fixed is a signed 18-decimal fixed-point amount. The zero value is 0.
// Values are immutable: every operation returns a new Fixed.
type Fixed struct {
	v *big.Int
}

// Zero returns 0.
func Zero() Fixed { return Fixed{} }

// One returns 1.0 (10^18 raw).
func One() Fixed { return Fixed{v: new(big.Int).Set(scale)} }

// NewFromInt returns n whole units.
func NewFromInt(n int64) Fixed {
	return Fixed{v: new(big.Int).Mul(big.NewInt(n), scale)}
}

// NewFromRaw wraps an already-scaled integer. The argument is copied.
func NewFromRaw(raw *big.Int) Fixed {
	if raw == nil {
		return Fixed{}
	}
	return Fixed{v: new(big.Int).Set(raw)}
}

// NewFromRawInt64 wraps an already-scaled int64.
func NewFromRawInt64(raw int64) Fixed {
	return Fixed{v: big.NewInt(raw)}
}

// Parse reads a decimal string such as "75000.5". More than 18 fractional
// digits is an error rather than a silent truncation.
func Parse(s string) (Fixed, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Fixed{}, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Fixed {
	f, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return f
}

// FromDecimal converts a decimal with at most 18 fractional digits.
func FromDecimal(d decimal.Decimal) (Fixed, error) {
	shifted := d.Shift(Decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return Fixed{}, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidAmount, d, Decimals)
	}
	return Fixed{v: shifted.BigInt()}, nil
}

func (f Fixed) raw() *big.Int {
	if f.v == nil {
		return new(big.Int)
	}
	return f.v
}

// Raw returns a copy of the scaled integer.
func (f Fixed) Raw() *big.Int { return new(big.Int).Set(f.raw()) }

func (f Fixed) Add(g Fixed) Fixed { return Fixed{v: new(big.Int).Add(f.raw(), g.raw())} }
func (f Fixed) Sub(g Fixed) Fixed { return Fixed{v: new(big.Int).Sub(f.raw(), g.raw())} }
func (f Fixed) Neg() Fixed        { return Fixed{v: new(big.Int).Neg(f.raw())} }
func (f Fixed) Abs() Fixed        { return Fixed{v: new(big.Int).Abs(f.raw())} }

func (f Fixed) Sign() int                { return f.raw().Sign() }
func (f Fixed) Cmp(g Fixed) int          { return f.raw().Cmp(g.raw()) }
func (f Fixed) Equal(g Fixed) bool       { return f.Cmp(g) == 0 }
func (f Fixed) IsZero() bool             { return f.Sign() == 0 }
func (f Fixed) IsNegative() bool         { return f.Sign() < 0 }
func (f Fixed) IsPositive() bool         { return f.Sign() > 0 }
func (f Fixed) LessThan(g Fixed) bool    { return f.Cmp(g) < 0 }
func (f Fixed) GreaterThan(g Fixed) bool { return f.Cmp(g) > 0 }

// InRange reports whether f fits a signed 128-bit integer.
func (f Fixed) InRange() bool {
	r := f.raw()
	return r.Cmp(maxInt128) <= 0 && r.Cmp(minInt128) >= 0
}

// CheckRange returns ErrOverflow when f does not fit int128.
func (f Fixed) CheckRange() error {
	if !f.InRange() {
		return fmt.Errorf("%w: %s", ErrOverflow, f)
	}
	return nil
}

// PositivePart returns max(f, 0).
func (f Fixed) PositivePart() Fixed {
	if f.Sign() > 0 {
		return f
	}
	return Fixed{}
}

func Min(a, b Fixed) Fixed {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func Max(a, b Fixed) Fixed {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// mulDiv computes x*y/d with the given rounding. d must be non-zero.
func mulDiv(x, y, d *big.Int, mode RoundingMode) *big.Int {
	num := getInt()
	defer putInt(num)
	num.Mul(x, y)

	rem := getInt()
	defer putInt(rem)

	q := new(big.Int)
	q.QuoRem(num, d, rem)
	if rem.Sign() == 0 {
		return q
	}

	// Sign of the exact quotient.
	neg := (num.Sign() < 0) != (d.Sign() < 0)
	step := big.NewInt(1)
	if neg {
		step.SetInt64(-1)
	}

	switch mode {
	case RoundUp:
		q.Add(q, step)
	case RoundHalfEven:
		twice := getInt()
		defer putInt(twice)
		twice.Abs(rem).Lsh(twice, 1)
		absD := getInt()
		defer putInt(absD)
		absD.Abs(d)
		c := twice.Cmp(absD)
		if c > 0 || (c == 0 && q.Bit(0) == 1) {
			q.Add(q, step)
		}
	}
	return q
}

// Mul returns a*b truncated toward zero.
func Mul(a, b Fixed) (Fixed, error) {
	return MulRound(a, b, RoundDown)
}

// MulRound returns a*b with the given rounding, checked against int128.
func MulRound(a, b Fixed, mode RoundingMode) (Fixed, error) {
	out := Fixed{v: mulDiv(a.raw(), b.raw(), scale, mode)}
	if err := out.CheckRange(); err != nil {
		return Fixed{}, err
	}
	return out, nil
}

// Div returns a/b truncated toward zero.
func Div(a, b Fixed) (Fixed, error) {
	return DivRound(a, b, RoundDown)
}

// DivRound returns a/b with the given rounding, checked against int128.
func DivRound(a, b Fixed, mode RoundingMode) (Fixed, error) {
	if b.IsZero() {
		return Fixed{}, ErrDivisionByZero
	}
	out := Fixed{v: mulDiv(a.raw(), scale, b.raw(), mode)}
	if err := out.CheckRange(); err != nil {
		return Fixed{}, err
	}
	return out, nil
}

// MulBps returns a*bps/10000 truncated toward zero.
func MulBps(a Fixed, bps uint64) Fixed {
	return Fixed{v: mulDiv(a.raw(), new(big.Int).SetUint64(bps), bpsDenom, RoundDown)}
}

// Decimal returns the human-readable value.
func (f Fixed) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(f.raw(), -Decimals)
}

func (f Fixed) String() string {
	return f.Decimal().String()
}

func (f Fixed) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Fixed) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// --- Wire encoding ---

// FromInt128Bytes decodes a 16-byte big-endian two's-complement integer.
func FromInt128Bytes(b []byte) (Fixed, error) {
	if len(b) != 16 {
		return Fixed{}, fmt.Errorf("%w: int128 needs 16 bytes, got %d", ErrInvalidAmount, len(b))
	}
	v := new(big.Int).SetBytes(b)
	if b[0]&0x80 != 0 {
		v.Sub(v, two128)
	}
	return Fixed{v: v}, nil
}

// FromUint128Bytes decodes a 16-byte big-endian unsigned integer. Values
// above the int128 range are rejected.
func FromUint128Bytes(b []byte) (Fixed, error) {
	if len(b) != 16 {
		return Fixed{}, fmt.Errorf("%w: uint128 needs 16 bytes, got %d", ErrInvalidAmount, len(b))
	}
	out := Fixed{v: new(big.Int).SetBytes(b)}
	if err := out.CheckRange(); err != nil {
		return Fixed{}, err
	}
	return out, nil
}

// Int128Bytes encodes f as 16-byte big-endian two's complement.
func (f Fixed) Int128Bytes() ([16]byte, error) {
	var out [16]byte
	if err := f.CheckRange(); err != nil {
		return out, err
	}
	v := new(big.Int).Set(f.raw())
	if v.Sign() < 0 {
		v.Add(v, two128)
	}
	v.FillBytes(out[:])
	return out, nil
}

// Uint128Bytes encodes a non-negative f as 16 big-endian bytes.
func (f Fixed) Uint128Bytes() ([16]byte, error) {
	var out [16]byte
	if f.IsNegative() {
		return out, fmt.Errorf("%w: negative value %s as uint128", ErrInvalidAmount, f)
	}
	if err := f.CheckRange(); err != nil {
		return out, err
	}
	f.raw().FillBytes(out[:])
	return out, nil
}

// Word32 returns the value as a 32-byte big-endian two's-complement word,
// the layout used by typed-data struct hashing.
func (f Fixed) Word32() [32]byte {
	var out [32]byte
	v := new(big.Int).Set(f.raw())
	if v.Sign() < 0 {
		v.Add(v, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	v.FillBytes(out[:])
	return out
}

// --- Native decimal rescaling ---

// FromNative converts a token amount with the given native decimals into
// fixed-18. Tokens with more than 18 decimals lose the excess precision,
// truncated toward zero.
func FromNative(amount *big.Int, decimals uint8) Fixed {
	if amount == nil {
		return Fixed{}
	}
	v := new(big.Int).Set(amount)
	switch {
	case decimals < Decimals:
		v.Mul(v, pow10(Decimals-int(decimals)))
	case decimals > Decimals:
		v.Quo(v, pow10(int(decimals)-Decimals))
	}
	return Fixed{v: v}
}

// ToNative converts fixed-18 into a token amount with the given native
// decimals. Precision finer than the token supports is an error; custody
// must never round a payout.
func ToNative(f Fixed, decimals uint8) (*big.Int, error) {
	v := new(big.Int).Set(f.raw())
	switch {
	case decimals < Decimals:
		rem := new(big.Int)
		v.QuoRem(v, pow10(Decimals-int(decimals)), rem)
		if rem.Sign() != 0 {
			return nil, fmt.Errorf("%w: %s not representable with %d decimals", ErrInvalidAmount, f, decimals)
		}
	case decimals > Decimals:
		v.Mul(v, pow10(int(decimals)-Decimals))
	}
	return v, nil
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
