package math

// FundingOwed returns the funding a position of the given size owes since
// its last snapshot: (cumulativeIndex - lastIndex) * size. A positive result
// is paid by the holder, a negative one is received.
func FundingOwed(cumulativeIndex, lastIndex, size Fixed) (Fixed, error) {
	if size.IsZero() {
		return Zero(), nil
	}
	return Mul(cumulativeIndex.Sub(lastIndex), size)
}

// Notional returns |size| * price truncated toward zero.
func Notional(size, price Fixed) (Fixed, error) {
	return Mul(size.Abs(), price)
}

// WeightedAverage returns (qtyA*priceA + qtyB*priceB) / (qtyA + qtyB).
// Used for stakers' average entry price; an empty total yields zero.
func WeightedAverage(qtyA, priceA, qtyB, priceB Fixed) (Fixed, error) {
	total := qtyA.Add(qtyB)
	if total.IsZero() {
		return Zero(), nil
	}
	a, err := Mul(qtyA, priceA)
	if err != nil {
		return Fixed{}, err
	}
	b, err := Mul(qtyB, priceB)
	if err != nil {
		return Fixed{}, err
	}
	return Div(a.Add(b), total)
}
