// Package credit implements the walk-to-unlock credit accounting: a pure
// calculator mapping activity counts to minutes, and the per-day ledger of
// earned vs. spent credits.
package credit

const (
	// DefaultStepsPerUnit is the activity count that earns one credit unit.
	DefaultStepsPerUnit = 1000

	// DefaultMinutesPerUnit is the minutes granted per credit unit.
	DefaultMinutesPerUnit = 10
)

// Calculator converts a raw activity count into earned minutes.
// Pure and stateless; monotonic non-decreasing in the count.
type Calculator struct {
	stepsPerUnit   int
	minutesPerUnit int
}

// NewCalculator creates a calculator. Non-positive parameters fall back to
// the defaults.
func NewCalculator(stepsPerUnit, minutesPerUnit int) Calculator {
	if stepsPerUnit <= 0 {
		stepsPerUnit = DefaultStepsPerUnit
	}
	if minutesPerUnit <= 0 {
		minutesPerUnit = DefaultMinutesPerUnit
	}
	return Calculator{stepsPerUnit: stepsPerUnit, minutesPerUnit: minutesPerUnit}
}

// DefaultCalculator returns a calculator with the default conversion rate.
func DefaultCalculator() Calculator {
	return NewCalculator(DefaultStepsPerUnit, DefaultMinutesPerUnit)
}

// Credits returns the minutes earned for count activity units.
// Zero for non-positive input; otherwise the float ratio truncated toward
// zero.
func (c Calculator) Credits(count int) int {
	if count <= 0 {
		return 0
	}
	ratio := float64(count) * float64(c.minutesPerUnit) / float64(c.stepsPerUnit)
	return int(ratio)
}
