package timeline

import (
	"math"
	"sort"
)

// StandardizeStrength converts microgram strengths to milligrams. Every
// other unit is returned unchanged.
func StandardizeStrength(amount float64, unit StrengthUnit) (float64, StrengthUnit) {
	if unit == UnitMicrogram {
		return amount / 1000, UnitMilligram
	}
	return amount, unit
}

// Discretize maps dose to the nearest configured level. It returns nil
// unless 0 < dose < UpperLimit. Ties go to the earlier level.
func (c Config) Discretize(dose float64) *float64 {
	if !(dose > 0 && dose < c.UpperLimit) {
		return nil
	}
	best := 0
	bestDist := math.Abs(dose - c.DiscreteDoses[0])
	for i := 1; i < len(c.DiscreteDoses); i++ {
		if d := math.Abs(dose - c.DiscreteDoses[i]); d < bestDist {
			best, bestDist = i, d
		}
	}
	return floatPtr(c.DiscreteDoses[best])
}

// Intensity returns the tier of a discretised dose for drug, or nil.
func (c Config) Intensity(drug string, dose *float64) *Intensity {
	if dose == nil {
		return nil
	}
	tiers, ok := c.IntensityTiers[drug]
	if !ok {
		return nil
	}
	return tiers.Classify(*dose)
}

// perDay divides amount over the days until the next fill, or over the
// expected duration when there is no usable next fill.
func perDay(amount float64, r *LabeledRecord) *float64 {
	if r.IssueGap != nil && !r.Discontinued {
		if d := days(*r.IssueGap); d > 0 {
			return floatPtr(amount / d)
		}
	}
	if r.ExpectedDuration != nil {
		if d := days(*r.ExpectedDuration); d > 0 {
			return floatPtr(amount / d)
		}
	}
	return nil
}

// applyDosage fills the dosage columns of one patient's sorted records.
func (c Config) applyDosage(recs []*LabeledRecord) {
	for _, r := range recs {
		r.StandardStrength, r.StandardUnit = StandardizeStrength(r.StrengthAmount, r.StrengthUnit)

		// Time-supply records are already duration-denominated.
		if r.SupplyDuration != nil {
			continue
		}

		volume := r.Packs() * r.PackSize * r.StandardStrength
		r.VolumePrescribed = floatPtr(volume)
		r.QuantityPerDay = perDay(r.Quantity(), r)
		r.DosePerDay = perDay(volume, r)
		if r.DosePerDay != nil {
			r.DiscreteDosePerDay = c.Discretize(*r.DosePerDay)
		}
		r.DoseIntensity = c.Intensity(r.GenericDrug, r.DiscreteDosePerDay)
	}

	if c.SmoothingWindow > 0 {
		c.smoothDoses(recs)
	}
}

// smoothDoses sets SmoothedDosePerDay to the centred rolling mean (or
// median) of DosePerDay. Windows that cross either end of the sequence or
// contain a missing dose stay nil.
func (c Config) smoothDoses(recs []*LabeledRecord) {
	half := c.SmoothingWindow / 2
	window := make([]float64, 0, c.SmoothingWindow)
	for i, r := range recs {
		if i-half < 0 || i+half >= len(recs) {
			continue
		}
		window = window[:0]
		for j := i - half; j <= i+half; j++ {
			if recs[j].DosePerDay == nil {
				break
			}
			window = append(window, *recs[j].DosePerDay)
		}
		if len(window) != c.SmoothingWindow {
			continue
		}
		if c.SmoothingMedian {
			sort.Float64s(window)
			r.SmoothedDosePerDay = floatPtr(window[half])
			continue
		}
		sum := 0.0
		for _, v := range window {
			sum += v
		}
		r.SmoothedDosePerDay = floatPtr(sum / float64(len(window)))
	}
}
