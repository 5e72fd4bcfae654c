package timeline

import (
	"math"
	"sort"
	"time"
)

// stratumKey groups records whose refill interval is expected to match.
type stratumKey struct {
	drug     string
	form     string
	strength float64
	unit     StrengthUnit
	quantity float64
}

func keyOf(r DispensingRecord) stratumKey {
	return stratumKey{
		drug:     r.GenericDrug,
		form:     r.Form,
		strength: r.StrengthAmount,
		unit:     r.StrengthUnit,
		quantity: r.Quantity(),
	}
}

// StratumEstimate is the representative refill gap of one stratum.
// MeanGap is nil when no patient in the stratum had a usable gap.
type StratumEstimate struct {
	Drug     string         `json:"drug"`
	Form     string         `json:"form"`
	Strength float64        `json:"strength_amount"`
	Unit     StrengthUnit   `json:"strength_unit"`
	Quantity float64        `json:"quantity"`
	Patients int            `json:"patients"`
	MeanGap  *time.Duration `json:"mean_gap,omitempty"`
}

// patientMedians computes, for one patient, the median usable gap of each
// stratum the patient has records in. A stratum without a usable gap maps
// to nil.
func patientMedians(recs []*LabeledRecord, cutoff time.Duration) map[stratumKey]*time.Duration {
	gaps := make(map[stratumKey][]time.Duration)
	for _, r := range recs {
		k := keyOf(r.DispensingRecord)
		if _, ok := gaps[k]; !ok {
			gaps[k] = nil
		}
		if r.NextIssueDate == nil || r.IssueGap == nil || *r.IssueGap >= cutoff {
			continue
		}
		gaps[k] = append(gaps[k], *r.IssueGap)
	}

	out := make(map[stratumKey]*time.Duration, len(gaps))
	for k, g := range gaps {
		if len(g) == 0 {
			out[k] = nil
			continue
		}
		m := median(g)
		out[k] = &m
	}
	return out
}

func median(d []time.Duration) time.Duration {
	s := append([]time.Duration(nil), d...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return s[mid-1] + (s[mid]-s[mid-1])/2
}

type stratumAcc struct {
	patients int
	medians  int
	sum      float64
}

// DurationTable holds the mean-of-medians estimate of every stratum. It is
// built once all patients have contributed and is read-only afterwards.
type DurationTable struct {
	estimates map[stratumKey]*time.Duration
	patients  map[stratumKey]int
}

// durationReducer accumulates per-patient medians into stratum means.
type durationReducer struct {
	acc map[stratumKey]*stratumAcc
}

func newDurationReducer() *durationReducer {
	return &durationReducer{acc: make(map[stratumKey]*stratumAcc)}
}

func (d *durationReducer) add(medians map[stratumKey]*time.Duration) {
	for k, m := range medians {
		a, ok := d.acc[k]
		if !ok {
			a = &stratumAcc{}
			d.acc[k] = a
		}
		a.patients++
		if m != nil {
			a.medians++
			a.sum += float64(*m)
		}
	}
}

func (d *durationReducer) table() *DurationTable {
	t := &DurationTable{
		estimates: make(map[stratumKey]*time.Duration, len(d.acc)),
		patients:  make(map[stratumKey]int, len(d.acc)),
	}
	for k, a := range d.acc {
		t.patients[k] = a.patients
		if a.medians == 0 {
			t.estimates[k] = nil
			continue
		}
		mean := time.Duration(math.Round(a.sum / float64(a.medians)))
		t.estimates[k] = &mean
	}
	return t
}

// EstimateDurations builds the duration table for already sorted patient
// groups whose gaps have been computed.
func EstimateDurations(groups [][]*LabeledRecord, cutoff time.Duration) *DurationTable {
	red := newDurationReducer()
	for _, g := range groups {
		red.add(patientMedians(g, cutoff))
	}
	return red.table()
}

// Lookup returns the stratum estimate for r.
func (t *DurationTable) Lookup(r DispensingRecord) (time.Duration, bool) {
	m := t.estimates[keyOf(r)]
	if m == nil {
		return 0, false
	}
	return *m, true
}

// Unestimated returns the number of strata with no usable gap.
func (t *DurationTable) Unestimated() int {
	n := 0
	for _, m := range t.estimates {
		if m == nil {
			n++
		}
	}
	return n
}

// Strata lists every stratum, ordered by drug, form, strength, unit and quantity.
func (t *DurationTable) Strata() []StratumEstimate {
	out := make([]StratumEstimate, 0, len(t.estimates))
	for k, m := range t.estimates {
		out = append(out, StratumEstimate{
			Drug:     k.drug,
			Form:     k.form,
			Strength: k.strength,
			Unit:     k.unit,
			Quantity: k.quantity,
			Patients: t.patients[k],
			MeanGap:  m,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Drug != b.Drug {
			return a.Drug < b.Drug
		}
		if a.Form != b.Form {
			return a.Form < b.Form
		}
		if a.Strength != b.Strength {
			return a.Strength < b.Strength
		}
		if a.Unit != b.Unit {
			return a.Unit < b.Unit
		}
		return a.Quantity < b.Quantity
	})
	return out
}

// assignDurations sets ExpectedDuration and ExpectedEndDate. An explicit
// supply duration wins over the stratum estimate. It returns the number of
// records left without an expected duration.
func assignDurations(recs []*LabeledRecord, table *DurationTable) int {
	missing := 0
	for _, r := range recs {
		switch {
		case r.SupplyDuration != nil:
			r.ExpectedDuration = durationPtr(*r.SupplyDuration)
		default:
			if d, ok := table.Lookup(r.DispensingRecord); ok {
				r.ExpectedDuration = durationPtr(d)
			}
		}
		if r.ExpectedDuration == nil {
			missing++
			continue
		}
		r.ExpectedEndDate = timePtr(r.IssueDate.Add(*r.ExpectedDuration))
	}
	return missing
}
