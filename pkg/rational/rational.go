package rational

import (
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/xdr"
)

// DefaultMaxDenominator bounds the continued-fraction reduction. Stellar's
// price fields are int32, so the hard ceiling is math.MaxInt32; 10_000_000
// keeps one stroop of precision while leaving numerator headroom.
const DefaultMaxDenominator = 10_000_000

// ErrNonPositivePrice is returned for zero or negative inputs.
var ErrNonPositivePrice = fmt.Errorf("rational: price must be positive")

// Converter turns decimal prices into Stellar's exact n/d representation.
// The zero value is not usable; construct with NewConverter.
type Converter struct {
	maxDenominator int64
}

// NewConverter creates a converter with the given denominator bound.
// maxDenominator <= 0 selects DefaultMaxDenominator; values above
// math.MaxInt32 are clamped to it.
func NewConverter(maxDenominator int64) *Converter {
	if maxDenominator <= 0 {
		maxDenominator = DefaultMaxDenominator
	}
	if maxDenominator > math.MaxInt32 {
		maxDenominator = math.MaxInt32
	}
	return &Converter{maxDenominator: maxDenominator}
}

// MaxDenominator returns the configured denominator bound.
func (c *Converter) MaxDenominator() int64 {
	return c.maxDenominator
}

// ToRational converts price to the closest fraction whose denominator does
// not exceed the configured bound. The reduction is a standard bounded
// continued fraction walk, so the result is deterministic and idempotent:
// converting the decimal form of the result yields the same fraction.
func (c *Converter) ToRational(price decimal.Decimal) (xdr.Price, error) {
	if price.Sign() <= 0 {
		return xdr.Price{}, ErrNonPositivePrice
	}

	intPart := price.IntPart()
	if intPart+1 > math.MaxInt32 {
		return xdr.Price{}, fmt.Errorf("rational: price %s exceeds int32 numerator range", price)
	}

	// Tighten the denominator bound so the numerator stays within int32:
	// n ~= price * d < (intPart + 1) * maxDen.
	maxDen := c.maxDenominator
	if lim := int64(math.MaxInt32) / (intPart + 1); lim < maxDen {
		maxDen = lim
	}
	if maxDen < 1 {
		return xdr.Price{}, fmt.Errorf("rational: price %s not representable with int32 fields", price)
	}

	r := price.Rat()
	n, d := limitDenominator(r.Num(), r.Denom(), maxDen)
	if !n.IsInt64() || n.Int64() > math.MaxInt32 || n.Int64() < 1 {
		return xdr.Price{}, fmt.Errorf("rational: price %s reduces to out-of-range numerator", price)
	}
	return xdr.Price{N: xdr.Int32(n.Int64()), D: xdr.Int32(d.Int64())}, nil
}

// FromRational returns n/d as a decimal.
func (c *Converter) FromRational(p xdr.Price) (decimal.Decimal, error) {
	if p.D <= 0 {
		return decimal.Zero, fmt.Errorf("rational: denominator must be positive, got %d", p.D)
	}
	return decimal.NewFromInt(int64(p.N)).Div(decimal.NewFromInt(int64(p.D))), nil
}

// limitDenominator returns the closest fraction to n/d with denominator
// <= maxDen. n/d must be in lowest terms with d > 0. Mirrors the classic
// semiconvergent construction: walk the continued fraction until the next
// convergent's denominator would overflow the bound, then pick the closer
// of the last convergent and the best semiconvergent.
func limitDenominator(n, d *big.Int, maxDen int64) (*big.Int, *big.Int) {
	md := big.NewInt(maxDen)
	if d.CmpAbs(md) <= 0 {
		return new(big.Int).Set(n), new(big.Int).Set(d)
	}

	p0, q0 := big.NewInt(0), big.NewInt(1)
	p1, q1 := big.NewInt(1), big.NewInt(0)
	nn := new(big.Int).Set(n)
	dd := new(big.Int).Set(d)

	for {
		a := new(big.Int).Quo(nn, dd)
		q2 := new(big.Int).Add(q0, new(big.Int).Mul(a, q1))
		if q2.Cmp(md) > 0 {
			break
		}
		p2 := new(big.Int).Add(p0, new(big.Int).Mul(a, p1))
		p0, q0, p1, q1 = p1, q1, p2, q2

		rem := new(big.Int).Sub(nn, new(big.Int).Mul(a, dd))
		nn, dd = dd, rem
		if dd.Sign() == 0 {
			// Exact termination inside the bound.
			return p1, q1
		}
	}

	// Best semiconvergent still inside the bound.
	k := new(big.Int).Quo(new(big.Int).Sub(md, q0), q1)
	sn := new(big.Int).Add(p0, new(big.Int).Mul(k, p1))
	sd := new(big.Int).Add(q0, new(big.Int).Mul(k, q1))

	// Compare |p1/q1 - n/d| against |sn/sd - n/d| by cross-multiplying;
	// ties go to the convergent.
	convErr := new(big.Int).Abs(new(big.Int).Sub(new(big.Int).Mul(p1, d), new(big.Int).Mul(n, q1)))
	convErr.Mul(convErr, sd)
	semiErr := new(big.Int).Abs(new(big.Int).Sub(new(big.Int).Mul(sn, d), new(big.Int).Mul(n, sd)))
	semiErr.Mul(semiErr, q1)

	if convErr.Cmp(semiErr) <= 0 {
		return p1, q1
	}
	return sn, sd
}
