package aggregate

import (
	"fmt"
	"math"
)

const maxMoneynessSteps = 10

// Moneyness classifies a strike against the underlying close using the
// per-symbol strike gap. Strikes within half a gap of spot are ATM; above
// spot OTM{n}, below ITM{n}, with n clamped at 10.
func Moneyness(strike, underlyingClose, gap float64) string {
	if gap <= 0 {
		gap = 50
	}
	offset := strike - underlyingClose
	if math.Abs(offset) < gap/2 {
		return "ATM"
	}

	steps := int(math.Round(math.Abs(offset) / gap))
	if steps > maxMoneynessSteps {
		steps = maxMoneynessSteps
	}
	if steps < 1 {
		steps = 1
	}

	if offset > 0 {
		return fmt.Sprintf("OTM%d", steps)
	}
	return fmt.Sprintf("ITM%d", steps)
}
