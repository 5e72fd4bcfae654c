package timeline

import (
	"context"
	"testing"
	"time"
)

var t0 = time.Date(2015, time.January, 1, 0, 0, 0, 0, time.UTC)

func on(n int) time.Time { return t0.Add(time.Duration(n) * Day) }

// fill builds a 20 mg tablet record of 30 tablets issued n days after t0.
func fill(patient, drug string, n int) DispensingRecord {
	return DispensingRecord{
		PatientID:      patient,
		GenericDrug:    drug,
		IssueDate:      on(n),
		Form:           "tablet",
		StrengthAmount: 20,
		StrengthUnit:   UnitMilligram,
		PackSize:       30,
		NumPacks:       1,
	}
}

// boundsFor observes a patient from two years before t0 until lastDay.
func boundsFor(patient string, lastDay int) CohortBounds {
	return CohortBounds{
		PatientID:          patient,
		MinGlobalIssueDate: t0.AddDate(-2, 0, 0),
		MaxGlobalIssueDate: on(lastDay),
	}
}

func runEngine(t *testing.T, cfg Config, records []DispensingRecord, bounds []CohortBounds) *Result {
	t.Helper()
	e, err := NewEngine(cfg, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	res, err := e.Run(context.Background(), records, bounds)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return res
}

func pointers(recs []DispensingRecord) []*LabeledRecord {
	out := make([]*LabeledRecord, len(recs))
	for i, r := range recs {
		out[i] = &LabeledRecord{DispensingRecord: r, seq: i}
	}
	return out
}

func recordOn(t *testing.T, res *Result, patient, drug string, n int) LabeledRecord {
	t.Helper()
	for _, r := range res.Records {
		if r.PatientID == patient && r.GenericDrug == drug && r.IssueDate.Equal(on(n)) {
			return r
		}
	}
	t.Fatalf("no %s record for %s on day %d", drug, patient, n)
	return LabeledRecord{}
}
