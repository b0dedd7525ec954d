// Package bucket maps a user-facing price bucket size onto the wire-level
// precision parameters (significant figures + mantissa) understood by the
// feed server.
//
// All functions are pure and safe for concurrent use.
package bucket

import (
	"math"

	"github.com/shopspring/decimal"
)

// Significant-figure range accepted by the feed server.
const (
	MinSigFigs = 2
	MaxSigFigs = 5
)

// Config is the wire-level precision for one bucket size.
type Config struct {
	// SigFigs is the significant-figure limit; 0 means full precision.
	SigFigs int

	// Mantissa is the secondary rounding multiplier. Only meaningful at
	// SigFigs == 5, and only values 2 and 5; 0 means not reported.
	Mantissa int

	// Size is the bucket size actually achieved by these parameters.
	Size decimal.Decimal
}

// FullPrecision reports whether the config imposes no rounding.
func (c Config) FullPrecision() bool {
	return c.SigFigs == 0
}

// Compute derives the precision parameters that approximate the desired
// bucket size using the preferred mantissa (1, 2, or 5). A non-positive
// price or desired size yields full precision.
func Compute(price, desired float64, mantissa int) Config {
	if price <= 0 || desired <= 0 {
		return Config{}
	}

	priceDigits := floorLog10(price) + 1
	bucketDigits := floorLog10(desired / float64(mantissa))

	sigFigs := priceDigits - bucketDigits
	if sigFigs < MinSigFigs {
		sigFigs = MinSigFigs
	}
	if sigFigs > MaxSigFigs {
		sigFigs = MaxSigFigs
	}

	reported := 0
	if sigFigs == MaxSigFigs && (mantissa == 2 || mantissa == 5) {
		reported = mantissa
	}

	return Config{
		SigFigs:  sigFigs,
		Mantissa: reported,
		Size:     decimal.New(int64(mantissa), int32(priceDigits-sigFigs)),
	}
}

// Best evaluates Compute for each mantissa and returns the candidate whose
// achieved size is closest to the desired size. Ties resolve in evaluation
// order: 1 before 2 before 5.
func Best(price, desired float64) Config {
	target := decimal.NewFromFloat(desired)

	var best Config
	var bestDiff decimal.Decimal
	for i, m := range []int{1, 2, 5} {
		cand := Compute(price, desired, m)
		diff := cand.Size.Sub(target).Abs()
		if i == 0 || diff.LessThan(bestDiff) {
			best = cand
			bestDiff = diff
		}
	}
	return best
}

// Options returns the five bucket sizes offered to the user for a price,
// ascending from finest to coarsest granularity. Empty for a non-positive
// price.
func Options(price float64) []Config {
	if price <= 0 {
		return nil
	}

	priceDigits := floorLog10(price) + 1

	pairs := []struct{ sigFigs, mantissa int }{
		{5, 2},
		{5, 5},
		{4, 1},
		{3, 1},
		{2, 1},
	}

	opts := make([]Config, 0, len(pairs))
	for _, p := range pairs {
		reported := 0
		if p.sigFigs == MaxSigFigs && p.mantissa != 1 {
			reported = p.mantissa
		}
		opts = append(opts, Config{
			SigFigs:  p.sigFigs,
			Mantissa: reported,
			Size:     decimal.New(int64(p.mantissa), int32(priceDigits-p.sigFigs)),
		})
	}
	return opts
}

// Default picks the starting bucket size for a price: the four-significant-
// figure size, snapped to the nearest of {1x, 2x, 5x} its order of
// magnitude. Zero for a non-positive price.
func Default(price float64) decimal.Decimal {
	if price <= 0 {
		return decimal.Zero
	}

	priceDigits := floorLog10(price) + 1
	raw := math.Pow10(priceDigits - 4)

	exp := floorLog10(raw)
	ratio := raw / math.Pow10(exp)

	var mantissa int64
	switch {
	case ratio <= 1.5:
		mantissa = 1
	case ratio <= 3.5:
		mantissa = 2
	default:
		mantissa = 5
	}

	return decimal.New(mantissa, int32(exp))
}

// floorLog10 returns floor(log10(x)) for positive x. The epsilon keeps
// exact powers of ten from landing one digit low when libm rounds log10
// just under the integer.
func floorLog10(x float64) int {
	return int(math.Floor(math.Log10(x) + 1e-9))
}
