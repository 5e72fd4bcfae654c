// Package integration runs the timeline pipeline end to end over Parquet
// files.
package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/drfirst/go-rxtimeline/internal/domain/timeline"
	"github.com/drfirst/go-rxtimeline/internal/infrastructure/parquetio"
)

var t0 = time.Date(2015, time.January, 1, 0, 0, 0, 0, time.UTC)

func on(n int) time.Time { return t0.AddDate(0, 0, n) }

func fill(patient, drug string, n int) timeline.DispensingRecord {
	return timeline.DispensingRecord{
		PatientID:      patient,
		GenericDrug:    drug,
		IssueDate:      on(n),
		Form:           "tablet",
		StrengthAmount: 20,
		StrengthUnit:   timeline.UnitMilligram,
		PackSize:       30,
		NumPacks:       1,
	}
}

// cohort has a stopper, a switcher and one malformed patient.
func cohort() ([]timeline.DispensingRecord, []parquetio.GlobalDatesRow, []parquetio.DemographicsRow) {
	var recs []timeline.DispensingRecord
	for n := 0; n <= 360; n += 30 {
		recs = append(recs, fill("stopper", "atorvastatin", n))
	}
	recs = append(recs,
		fill("switcher", "simvastatin", 0),
		fill("switcher", "simvastatin", 30),
		fill("switcher", "simvastatin", 60),
		fill("switcher", "atorvastatin", 90),
		fill("switcher", "atorvastatin", 120),
	)
	bad := fill("malformed", "pravastatin", 0)
	bad.PackSize = -1
	recs = append(recs, bad, fill("malformed", "pravastatin", 30))

	var dates []parquetio.GlobalDatesRow
	for _, p := range []string{"stopper", "switcher", "malformed"} {
		dates = append(dates, parquetio.GlobalDatesRow{
			EID:                  p,
			MinGlobalRxIssueDate: t0.AddDate(-2, 0, 0),
			MaxGlobalRxIssueDate: on(1000),
		})
	}
	demo := []parquetio.DemographicsRow{{EID: "stopper"}}
	return recs, dates, demo
}

func TestParquetPipeline(t *testing.T) {
	dir := t.TempDir()
	recs, dates, demo := cohort()

	recordsPath := filepath.Join(dir, "prescriptions.parquet")
	datesPath := filepath.Join(dir, "global_dates.parquet")
	demoPath := filepath.Join(dir, "demographics.parquet")
	if err := parquetio.WriteRecords(recordsPath, recs); err != nil {
		t.Fatalf("WriteRecords() error = %v", err)
	}
	if err := parquetio.WriteGlobalDates(datesPath, dates); err != nil {
		t.Fatalf("WriteGlobalDates() error = %v", err)
	}
	if err := parquetio.WriteDemographics(demoPath, demo); err != nil {
		t.Fatalf("WriteDemographics() error = %v", err)
	}

	records, err := parquetio.ReadRecords(recordsPath)
	if err != nil {
		t.Fatalf("ReadRecords() error = %v", err)
	}
	bounds, err := parquetio.ReadBounds(datesPath, demoPath)
	if err != nil {
		t.Fatalf("ReadBounds() error = %v", err)
	}

	cfg := timeline.DefaultConfig()
	cfg.Workers = 3
	engine, err := timeline.NewEngine(cfg, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	res, err := engine.Run(context.Background(), records, bounds)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Exclusions.RejectedPatients != 1 || len(res.Rejects) != 1 || res.Rejects[0].PatientID != "malformed" {
		t.Errorf("rejects = %+v, exclusions = %+v", res.Rejects, res.Exclusions)
	}
	if len(res.Records) != 18 {
		t.Fatalf("labeled records = %d, want 18", len(res.Records))
	}

	var switches, discontinued int
	for _, r := range res.Records {
		if r.PatientID == "switcher" && r.IsSwitch {
			switches++
			if !r.IssueDate.Equal(on(60)) || r.SwitchToDrug == nil || *r.SwitchToDrug != "atorvastatin" {
				t.Errorf("switch record = %+v", r)
			}
		}
		if r.PatientID == "stopper" && r.Discontinued {
			discontinued++
			if !r.IssueDate.Equal(on(360)) {
				t.Errorf("stopper discontinued on %v, want day 360", r.IssueDate)
			}
		}
	}
	if switches != 1 || discontinued != 1 {
		t.Errorf("switches = %d, discontinued = %d, want 1, 1", switches, discontinued)
	}

	labeledPath := filepath.Join(dir, "labeled.parquet")
	periodsPath := filepath.Join(dir, "periods.parquet")
	summaryPath := filepath.Join(dir, "summary.parquet")
	strataPath := filepath.Join(dir, "strata.parquet")

	if err := parquetio.WriteLabeled(labeledPath, res.Records); err != nil {
		t.Fatalf("WriteLabeled() error = %v", err)
	}
	if err := parquetio.WritePeriods(periodsPath, res.Periods); err != nil {
		t.Fatalf("WritePeriods() error = %v", err)
	}
	if err := parquetio.WriteStrata(strataPath, res.Strata); err != nil {
		t.Fatalf("WriteStrata() error = %v", err)
	}
	summary := timeline.Summarize(res.Records, timeline.DefaultSummaryOptions())
	if err := parquetio.WriteSummary(summaryPath, summary); err != nil {
		t.Fatalf("WriteSummary() error = %v", err)
	}

	labeled, err := parquetio.ReadLabeled(labeledPath)
	if err != nil {
		t.Fatalf("ReadLabeled() error = %v", err)
	}
	if len(labeled) != len(res.Records) {
		t.Errorf("labeled rows = %d, want %d", len(labeled), len(res.Records))
	}
	for i, row := range labeled {
		if row.EID != res.Records[i].PatientID || !row.IssueDate.Equal(res.Records[i].IssueDate) {
			t.Errorf("row %d = %s %v, want %s %v", i, row.EID, row.IssueDate,
				res.Records[i].PatientID, res.Records[i].IssueDate)
			break
		}
	}

	periods, err := parquetio.ReadPeriods(periodsPath)
	if err != nil {
		t.Fatalf("ReadPeriods() error = %v", err)
	}
	if len(periods) != len(res.Periods) {
		t.Errorf("period rows = %d, want %d", len(periods), len(res.Periods))
	}

	rows, err := parquetio.ReadSummary(summaryPath)
	if err != nil {
		t.Fatalf("ReadSummary() error = %v", err)
	}
	if len(rows) == 0 || rows[0].Group != timeline.GroupTotalUsers || rows[0].Count != 2 {
		t.Errorf("summary rows = %+v", rows)
	}
}

func TestPipelineIsDeterministic(t *testing.T) {
	recs, dates, demo := cohort()
	bounds := parquetio.JoinBounds(dates, demo)

	var first *timeline.Result
	for _, workers := range []int{1, 4} {
		cfg := timeline.DefaultConfig()
		cfg.Workers = workers
		engine, err := timeline.NewEngine(cfg, nil)
		if err != nil {
			t.Fatalf("NewEngine() error = %v", err)
		}
		res, err := engine.Run(context.Background(), recs, bounds)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if first == nil {
			first = res
			continue
		}
		if len(res.Records) != len(first.Records) {
			t.Fatalf("records = %d, want %d", len(res.Records), len(first.Records))
		}
		for i := range res.Records {
			a, b := first.Records[i], res.Records[i]
			if a.PatientID != b.PatientID || !a.IssueDate.Equal(b.IssueDate) ||
				a.Discontinued != b.Discontinued || a.IsSwitch != b.IsSwitch {
				t.Errorf("record %d differs between worker counts", i)
			}
		}
	}
}
