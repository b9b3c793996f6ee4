package ranking

import "math"

// WilsonLowerBound returns the lower bound of the Wilson score interval for
// a binomial proportion, at the confidence expressed by the normal quantile z
// (1.96 for 95%). It discounts high proportions computed from few
// observations: one positive vote out of one yields a bound well below 1.0,
// while 40 out of 50 yields a bound near 0.8.
//
// The caller is responsible for the n=0 case; this function returns 0 for
// non-positive totals.
func WilsonLowerBound(positive, total int64, z float64) float64 {
	if total <= 0 {
		return 0
	}
	n := float64(total)
	p := float64(positive) / n
	z2 := z * z

	center := p + z2/(2*n)
	margin := z * math.Sqrt((p*(1-p)+z2/(4*n))/n)
	return (center - margin) / (1 + z2/n)
}
