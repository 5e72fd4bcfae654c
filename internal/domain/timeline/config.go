package timeline

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// ErrInvalidConfig is returned by Validate and NewEngine.
var ErrInvalidConfig = errors.New("invalid timeline config")

// IntensityTiers lists the discretised doses of each tier for one drug.
// A nil tier is absent for that drug.
type IntensityTiers struct {
	Low    []float64 `json:"low" mapstructure:"low"`
	Medium []float64 `json:"medium" mapstructure:"medium"`
	High   []float64 `json:"high" mapstructure:"high"`
}

// Classify returns the tier containing dose, or nil.
func (t IntensityTiers) Classify(dose float64) *Intensity {
	for _, tier := range []struct {
		doses []float64
		level Intensity
	}{
		{t.Low, IntensityLow},
		{t.Medium, IntensityMedium},
		{t.High, IntensityHigh},
	} {
		for _, d := range tier.doses {
			if d == dose {
				level := tier.level
				return &level
			}
		}
	}
	return nil
}

// Config holds every tunable of the engine.
type Config struct {
	// MissedRxCount is the number of expected durations that must elapse
	// before a gap counts as an interruption or discontinuation.
	MissedRxCount int
	// GapCutoff excludes longer refill gaps from duration estimation.
	GapCutoff time.Duration
	// DiscreteDoses are the guideline daily dose levels, ascending.
	DiscreteDoses []float64
	// UpperLimit bounds the daily doses that are discretised.
	UpperLimit float64
	// MinSwitchFromRx and MaxSwitchFromRx bound the outgoing drug run length.
	MinSwitchFromRx int
	MaxSwitchFromRx int
	// MinSwitchToRx is the minimum incoming drug run length.
	MinSwitchToRx int
	// IntensityTiers maps a generic drug name to its tiers.
	IntensityTiers map[string]IntensityTiers
	// SmoothingWindow is the centred rolling window for dose smoothing; 0 disables.
	SmoothingWindow int
	// SmoothingMedian selects a rolling median instead of a mean.
	SmoothingMedian bool
	// Workers is the number of per-patient workers.
	Workers int
}

// DefaultIntensityTiers returns the statin guideline intensity table.
func DefaultIntensityTiers() map[string]IntensityTiers {
	return map[string]IntensityTiers{
		"simvastatin":  {Low: []float64{5, 10}, Medium: []float64{20, 40}, High: []float64{80}},
		"fluvastatin":  {Low: []float64{20, 40}, Medium: []float64{80}},
		"pravastatin":  {Low: []float64{10, 20, 40}},
		"atorvastatin": {Medium: []float64{5, 10}, High: []float64{20, 40, 80}},
		"rosuvastatin": {Medium: []float64{5}, High: []float64{10, 20, 40}},
	}
}

// DefaultConfig returns the configuration used for the statin cohort.
func DefaultConfig() Config {
	return Config{
		MissedRxCount:   4,
		GapCutoff:       182 * Day,
		DiscreteDoses:   []float64{5, 10, 20, 40, 80},
		UpperLimit:      120,
		MinSwitchFromRx: 2,
		MaxSwitchFromRx: 6,
		MinSwitchToRx:   1,
		IntensityTiers:  DefaultIntensityTiers(),
		SmoothingWindow: 0,
		Workers:         8,
	}
}

// Validate checks the configuration before any record is processed.
func (c Config) Validate() error {
	if c.MissedRxCount < 1 {
		return fmt.Errorf("%w: missed_rx_count must be >= 1, got %d", ErrInvalidConfig, c.MissedRxCount)
	}
	if c.GapCutoff <= 0 {
		return fmt.Errorf("%w: gap cutoff must be positive", ErrInvalidConfig)
	}
	if len(c.DiscreteDoses) == 0 {
		return fmt.Errorf("%w: discrete doses are empty", ErrInvalidConfig)
	}
	for i, d := range c.DiscreteDoses {
		if d <= 0 || math.IsNaN(d) || math.IsInf(d, 0) {
			return fmt.Errorf("%w: discrete dose %v is not a positive number", ErrInvalidConfig, d)
		}
		if i > 0 && d <= c.DiscreteDoses[i-1] {
			return fmt.Errorf("%w: discrete doses must be strictly increasing", ErrInvalidConfig)
		}
	}
	if !(c.UpperLimit > 0) {
		return fmt.Errorf("%w: upper limit must be positive", ErrInvalidConfig)
	}
	if c.MinSwitchFromRx < 1 || c.MaxSwitchFromRx < c.MinSwitchFromRx {
		return fmt.Errorf("%w: switch-from bounds [%d, %d] are invalid", ErrInvalidConfig, c.MinSwitchFromRx, c.MaxSwitchFromRx)
	}
	if c.MinSwitchToRx < 1 {
		return fmt.Errorf("%w: min_switch_to_rx must be >= 1", ErrInvalidConfig)
	}
	if c.SmoothingWindow != 0 && (c.SmoothingWindow < 3 || c.SmoothingWindow%2 == 0) {
		return fmt.Errorf("%w: smoothing window must be 0 or an odd number >= 3", ErrInvalidConfig)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers must not be negative", ErrInvalidConfig)
	}

	drugs := make([]string, 0, len(c.IntensityTiers))
	for drug := range c.IntensityTiers {
		drugs = append(drugs, drug)
	}
	sort.Strings(drugs)
	for _, drug := range drugs {
		if err := validateTiers(c.IntensityTiers[drug]); err != nil {
			return fmt.Errorf("%w: intensity tiers for %s: %v", ErrInvalidConfig, drug, err)
		}
	}
	return nil
}

// validateTiers requires positive doses and every dose of a lower tier to be
// below every dose of a higher tier.
func validateTiers(t IntensityTiers) error {
	prevMax := math.Inf(-1)
	for _, tier := range [][]float64{t.Low, t.Medium, t.High} {
		if len(tier) == 0 {
			continue
		}
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, d := range tier {
			if d <= 0 || math.IsNaN(d) {
				return fmt.Errorf("dose %v is not positive", d)
			}
			lo = math.Min(lo, d)
			hi = math.Max(hi, d)
		}
		if lo <= prevMax {
			return errors.New("tiers are not monotonic")
		}
		prevMax = hi
	}
	return nil
}

// threshold is the gap after which a refill counts as missed.
func (c Config) threshold(expected time.Duration) time.Duration {
	return expected * time.Duration(c.MissedRxCount)
}
