package mutation

// ClampInt bounds v to [lo, hi]. Optimistic quantity changes clamp with the
// same bounds the server applies, so the optimistic and authoritative
// outcomes converge whenever the input is in range.
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampFloat bounds v to [lo, hi].
func ClampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// QuantityClamp returns a clamp function for cart quantities: never below
// 1, never above the available stock.
func QuantityClamp(available int) func(int) int {
	return func(qty int) int {
		return ClampInt(qty, 1, available)
	}
}
