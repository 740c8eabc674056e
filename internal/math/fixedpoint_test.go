package math_test

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	fpmath "PerpSettle/internal/math"
)

func TestParseAndString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0", "0"},
		{"75000", "75000"},
		{"2.5", "2.5"},
		{"-0.000000000000000001", "-0.000000000000000001"},
	}
	for _, tt := range tests {
		f, err := fpmath.Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.in, err)
		}
		if got := f.String(); got != tt.want {
			t.Errorf("Parse(%q).String() = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := fpmath.Parse("0.0000000000000000001"); !errors.Is(err, fpmath.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for 19 decimals, got %v", err)
	}
}

func TestMulTruncatesTowardZero(t *testing.T) {
	a := fpmath.NewFromRawInt64(3)
	half := fpmath.MustParse("0.5")

	got, err := fpmath.Mul(a, half)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cmp(fpmath.NewFromRawInt64(1)) != 0 {
		t.Errorf("3e-18 * 0.5 = %s, want 1e-18", got)
	}

	got, err = fpmath.Mul(a.Neg(), half)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cmp(fpmath.NewFromRawInt64(-1)) != 0 {
		t.Errorf("-3e-18 * 0.5 = %s, want -1e-18", got)
	}
}

func TestMulRoundHalfEven(t *testing.T) {
	half := fpmath.MustParse("0.5")
	cases := []struct {
		raw  int64
		want int64
	}{
		{1, 0}, // 0.5 -> 0
		{3, 2}, // 1.5 -> 2
		{5, 2}, // 2.5 -> 2
		{-3, -2},
	}
	for _, c := range cases {
		got, err := fpmath.MulRound(fpmath.NewFromRawInt64(c.raw), half, fpmath.RoundHalfEven)
		if err != nil {
			t.Fatal(err)
		}
		if got.Cmp(fpmath.NewFromRawInt64(c.want)) != 0 {
			t.Errorf("%d * 0.5 half-even = %s raw, want %d", c.raw, got.Raw(), c.want)
		}
	}
}

func TestMulOverflow(t *testing.T) {
	huge := fpmath.NewFromRaw(new(big.Int).Lsh(big.NewInt(1), 120))
	if _, err := fpmath.Mul(huge, fpmath.NewFromInt(1_000_000)); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestDiv(t *testing.T) {
	got, err := fpmath.Div(fpmath.NewFromInt(50), fpmath.NewFromInt(1))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(fpmath.NewFromInt(50)) {
		t.Errorf("50/1 = %s", got)
	}

	got, err = fpmath.Div(fpmath.NewFromInt(1), fpmath.NewFromInt(3))
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != "0.333333333333333333" {
		t.Errorf("1/3 = %s", got)
	}

	if _, err := fpmath.Div(fpmath.One(), fpmath.Zero()); !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Fatalf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestInt128RoundTrip(t *testing.T) {
	for _, s := range []string{"0", "1", "-1", "-75000.25", "170141183460469231731.687303715884105727"} {
		f := fpmath.MustParse(s)
		b, err := f.Int128Bytes()
		if err != nil {
			t.Fatalf("Int128Bytes(%s): %v", s, err)
		}
		back, err := fpmath.FromInt128Bytes(b[:])
		if err != nil {
			t.Fatal(err)
		}
		if !back.Equal(f) {
			t.Errorf("round trip %s -> %s", s, back)
		}
	}
}

func TestUint128RejectsAboveInt128(t *testing.T) {
	var b [16]byte
	b[0] = 0x80
	if _, err := fpmath.FromUint128Bytes(b[:]); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestNativeRescale(t *testing.T) {
	// 1.5 USDC with 6 decimals
	native := big.NewInt(1_500_000)
	f := fpmath.FromNative(native, 6)
	if !f.Equal(fpmath.MustParse("1.5")) {
		t.Fatalf("FromNative = %s", f)
	}
	back, err := fpmath.ToNative(f, 6)
	if err != nil {
		t.Fatal(err)
	}
	if back.Cmp(native) != 0 {
		t.Errorf("ToNative = %s", back)
	}

	if _, err := fpmath.ToNative(fpmath.MustParse("0.0000001"), 6); !errors.Is(err, fpmath.ErrInvalidAmount) {
		t.Errorf("expected sub-unit payout to be rejected, got %v", err)
	}
}

func TestFixedJSON(t *testing.T) {
	type wrapper struct {
		Amount fpmath.Fixed `json:"amount"`
	}
	data, err := json.Marshal(wrapper{Amount: fpmath.MustParse("-30.5")})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"amount":"-30.5"}` {
		t.Fatalf("marshal = %s", data)
	}
	var w wrapper
	if err := json.Unmarshal(data, &w); err != nil {
		t.Fatal(err)
	}
	if !w.Amount.Equal(fpmath.MustParse("-30.5")) {
		t.Errorf("unmarshal = %s", w.Amount)
	}
}

func TestFundingOwed(t *testing.T) {
	owed, err := fpmath.FundingOwed(fpmath.NewFromInt(12), fpmath.NewFromInt(10), fpmath.MustParse("-2"))
	if err != nil {
		t.Fatal(err)
	}
	if !owed.Equal(fpmath.NewFromInt(-4)) {
		t.Errorf("short 2 with index +2 owes %s, want -4", owed)
	}
}
