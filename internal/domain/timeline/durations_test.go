package timeline

import (
	"testing"
	"time"
)

func groupsOf(recs ...[]DispensingRecord) [][]*LabeledRecord {
	var groups [][]*LabeledRecord
	for _, g := range recs {
		p := pointers(g)
		sortRecords(p)
		computeGaps(p)
		groups = append(groups, p)
	}
	return groups
}

func TestEstimateDurationsConstantGap(t *testing.T) {
	var a, b []DispensingRecord
	for n := 0; n <= 280; n += 28 {
		a = append(a, fill("a", "simvastatin", n))
		b = append(b, fill("b", "simvastatin", n+5))
	}
	table := EstimateDurations(groupsOf(a, b), DefaultConfig().GapCutoff)

	got, ok := table.Lookup(a[0])
	if !ok {
		t.Fatal("stratum has no estimate")
	}
	if got != 28*Day {
		t.Errorf("estimate = %v, want %v", got, 28*Day)
	}
	strata := table.Strata()
	if len(strata) != 1 || strata[0].Patients != 2 {
		t.Errorf("strata = %+v", strata)
	}
}

func TestEstimateDurationsMeanOfMedians(t *testing.T) {
	// Patient a: gaps 20, 30, 100 -> median 30.
	a := []DispensingRecord{
		fill("a", "simvastatin", 0),
		fill("a", "simvastatin", 20),
		fill("a", "simvastatin", 50),
		fill("a", "simvastatin", 150),
	}
	// Patient b: gaps 40, 60 -> median 50. The 300 day gap is over the cutoff.
	b := []DispensingRecord{
		fill("b", "simvastatin", 0),
		fill("b", "simvastatin", 40),
		fill("b", "simvastatin", 100),
		fill("b", "simvastatin", 400),
	}
	table := EstimateDurations(groupsOf(a, b), 182*Day)

	got, _ := table.Lookup(a[0])
	if got != 40*Day {
		t.Errorf("estimate = %v, want %v", got, 40*Day)
	}
}

func TestEstimateDurationsUnestimatedStratum(t *testing.T) {
	single := []DispensingRecord{fill("a", "pravastatin", 0)}
	table := EstimateDurations(groupsOf(single), 182*Day)

	if _, ok := table.Lookup(single[0]); ok {
		t.Error("single-record stratum should have no estimate")
	}
	if table.Unestimated() != 1 {
		t.Errorf("Unestimated() = %d, want 1", table.Unestimated())
	}

	recs := pointers(single)
	if missing := assignDurations(recs, table); missing != 1 {
		t.Errorf("missing = %d, want 1", missing)
	}
	if recs[0].ExpectedDuration != nil || recs[0].ExpectedEndDate != nil {
		t.Error("record without estimate should have nil duration and end date")
	}
}

func TestAssignDurationsExplicitSupplyWins(t *testing.T) {
	supply := 56 * Day
	r := fill("a", "simvastatin", 0)
	r.SupplyDuration = &supply
	recs := groupsOf([]DispensingRecord{r, fill("a", "simvastatin", 28), fill("a", "simvastatin", 56)})
	table := EstimateDurations(recs, 182*Day)

	assignDurations(recs[0], table)
	if got := *recs[0][0].ExpectedDuration; got != supply {
		t.Errorf("explicit supply record duration = %v, want %v", got, supply)
	}
	if got := *recs[0][0].ExpectedEndDate; !got.Equal(on(56)) {
		t.Errorf("expected end = %v, want %v", got, on(56))
	}
}

func TestMedian(t *testing.T) {
	tests := []struct {
		name string
		in   []time.Duration
		want time.Duration
	}{
		{"odd", []time.Duration{3 * Day, Day, 2 * Day}, 2 * Day},
		{"even", []time.Duration{Day, 3 * Day}, 2 * Day},
		{"single", []time.Duration{5 * Day}, 5 * Day},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := median(tt.in); got != tt.want {
				t.Errorf("median() = %v, want %v", got, tt.want)
			}
		})
	}
}
