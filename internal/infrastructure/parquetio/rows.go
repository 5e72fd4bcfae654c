// Package parquetio reads cohort inputs from and writes timeline outputs to
// Parquet files.
package parquetio

import (
	"time"

	"github.com/drfirst/go-rxtimeline/internal/domain/timeline"
)

// DispensingRow is one input prescription row.
type DispensingRow struct {
	EID            string    `parquet:"eid"`
	GenericName    string    `parquet:"generic_name"`
	IssueDate      time.Time `parquet:"issue_date"`
	Form           string    `parquet:"form"`
	StrengthAmount float64   `parquet:"strength_amt"`
	StrengthUnit   string    `parquet:"strength_unit"`
	PackSize       float64   `parquet:"pack_size"`
	NumPacks       float64   `parquet:"num_packs"`
	TimeSupplyDays *int32    `parquet:"time_supply,optional"` // explicit supply in whole days
}

// GlobalDatesRow is a patient's first and last prescription date in the
// wider dataset.
type GlobalDatesRow struct {
	EID                  string    `parquet:"eid"`
	MinGlobalRxIssueDate time.Time `parquet:"min_global_rx_issue_date"`
	MaxGlobalRxIssueDate time.Time `parquet:"max_global_rx_issue_date"`
}

// DemographicsRow carries the date of death when known.
type DemographicsRow struct {
	EID         string     `parquet:"eid"`
	DateOfDeath *time.Time `parquet:"date_of_death,optional"`
}

// LabeledRow is one enriched output row.
type LabeledRow struct {
	EID                  string     `parquet:"eid"`
	GenericName          string     `parquet:"generic_name"`
	IssueDate            time.Time  `parquet:"issue_date"`
	Form                 string     `parquet:"form"`
	StrengthAmount       float64    `parquet:"strength_amt"`
	StrengthUnit         string     `parquet:"strength_unit"`
	PackSize             float64    `parquet:"pack_size"`
	NumPacks             float64    `parquet:"num_packs"`
	TimeSupplyDays       *int32     `parquet:"time_supply,optional"`
	NextIssueDate        *time.Time `parquet:"next_issue_date,optional"`
	IssueGapDays         *float64   `parquet:"issue_date_diff,optional"`
	ExpectedRxDuration   *float64   `parquet:"expected_rx_duration,optional"`
	ExpectedEndDate      *time.Time `parquet:"expected_end_date,optional"`
	FirstIssueDate       time.Time  `parquet:"first_issue_date"`
	Interrupted          bool       `parquet:"interrupted"`
	Discontinued         bool       `parquet:"discontinued"`
	DiscontinuationCount int32      `parquet:"discontinuation_count"`
	Restarted            bool       `parquet:"restarted"`
	IsSwitch             bool       `parquet:"is_switch"`
	SwitchToDrug         *string    `parquet:"switch_to_drug,optional"`
	StandardStrength     float64    `parquet:"standard_strength_amt"`
	StandardUnit         string     `parquet:"standard_strength_unit"`
	VolumePrescribed     *float64   `parquet:"volume_prescribed,optional"`
	QuantityPerDay       *float64   `parquet:"quantity_per_day,optional"`
	DosagePerDay         *float64   `parquet:"dosage_per_day,optional"`
	DiscreteDosagePerDay *float64   `parquet:"discrete_dosage_per_day,optional"`
	DoseIntensity        *string    `parquet:"dose_intensity,optional"`
	SmoothedDosagePerDay *float64   `parquet:"smoothed_dosage_per_day,optional"`
}

// PeriodRow is one treatment period.
type PeriodRow struct {
	EID                    string    `parquet:"eid"`
	Period                 int32     `parquet:"period"`
	Drug                   string    `parquet:"drug"`
	StartDate              time.Time `parquet:"start_date"`
	EndDate                time.Time `parquet:"end_date"`
	EndedByDiscontinuation bool      `parquet:"ended_by_discontinuation"`
	EndedBySwitch          bool      `parquet:"ended_by_switch"`
}

// SummaryRow is one cohort sample-size line.
type SummaryRow struct {
	Group             string  `parquet:"group"`
	Count             int64   `parquet:"count"`
	PropStatinUsers   float64 `parquet:"prop_statin_users"`
	PropDiscontinuers float64 `parquet:"prop_discontinuers"`
}

// StratumRow is one duration estimate.
type StratumRow struct {
	GenericName       string   `parquet:"generic_name"`
	Form              string   `parquet:"form"`
	StrengthAmount    float64  `parquet:"strength_amt"`
	StrengthUnit      string   `parquet:"strength_unit"`
	Quantity          float64  `parquet:"quantity"`
	Patients          int32    `parquet:"patients"`
	MeanIssueDateDiff *float64 `parquet:"mean_issue_date_diff,optional"`
}

// ToRecord converts an input row.
func (r DispensingRow) ToRecord() timeline.DispensingRecord {
	rec := timeline.DispensingRecord{
		PatientID:      r.EID,
		GenericDrug:    r.GenericName,
		IssueDate:      r.IssueDate.UTC(),
		Form:           r.Form,
		StrengthAmount: r.StrengthAmount,
		StrengthUnit:   timeline.StrengthUnit(r.StrengthUnit).Normalize(),
		PackSize:       r.PackSize,
		NumPacks:       r.NumPacks,
	}
	if r.TimeSupplyDays != nil {
		d := time.Duration(*r.TimeSupplyDays) * timeline.Day
		rec.SupplyDuration = &d
	}
	return rec
}

// FromRecord converts a dispensing record to an input row.
func FromRecord(rec timeline.DispensingRecord) DispensingRow {
	return DispensingRow{
		EID:            rec.PatientID,
		GenericName:    rec.GenericDrug,
		IssueDate:      rec.IssueDate,
		Form:           rec.Form,
		StrengthAmount: rec.StrengthAmount,
		StrengthUnit:   string(rec.StrengthUnit),
		PackSize:       rec.PackSize,
		NumPacks:       rec.NumPacks,
		TimeSupplyDays: supplyDays(rec.SupplyDuration),
	}
}

// JoinBounds combines global dates with demographics. Patients without a
// global dates row get no bounds. A later row for the same patient wins.
func JoinBounds(dates []GlobalDatesRow, demographics []DemographicsRow) []timeline.CohortBounds {
	death := make(map[string]*time.Time, len(demographics))
	for _, d := range demographics {
		if d.DateOfDeath != nil {
			t := d.DateOfDeath.UTC()
			death[d.EID] = &t
		} else {
			death[d.EID] = nil
		}
	}

	out := make([]timeline.CohortBounds, 0, len(dates))
	for _, d := range dates {
		out = append(out, timeline.CohortBounds{
			PatientID:          d.EID,
			MinGlobalIssueDate: d.MinGlobalRxIssueDate.UTC(),
			MaxGlobalIssueDate: d.MaxGlobalRxIssueDate.UTC(),
			DateOfDeath:        death[d.EID],
		})
	}
	return out
}

func supplyDays(d *time.Duration) *int32 {
	if d == nil {
		return nil
	}
	n := int32(*d / timeline.Day)
	return &n
}

func durationDays(d *time.Duration) *float64 {
	if d == nil {
		return nil
	}
	n := d.Hours() / 24
	return &n
}

// FromLabeled converts an enriched record.
func FromLabeled(r timeline.LabeledRecord) LabeledRow {
	row := LabeledRow{
		EID:                  r.PatientID,
		GenericName:          r.GenericDrug,
		IssueDate:            r.IssueDate,
		Form:                 r.Form,
		StrengthAmount:       r.StrengthAmount,
		StrengthUnit:         string(r.StrengthUnit),
		PackSize:             r.PackSize,
		NumPacks:             r.NumPacks,
		TimeSupplyDays:       supplyDays(r.SupplyDuration),
		NextIssueDate:        r.NextIssueDate,
		IssueGapDays:         durationDays(r.IssueGap),
		ExpectedRxDuration:   durationDays(r.ExpectedDuration),
		ExpectedEndDate:      r.ExpectedEndDate,
		FirstIssueDate:       r.FirstIssueDate,
		Interrupted:          r.Interrupted,
		Discontinued:         r.Discontinued,
		DiscontinuationCount: int32(r.DiscontinuationCount),
		Restarted:            r.Restarted,
		IsSwitch:             r.IsSwitch,
		SwitchToDrug:         r.SwitchToDrug,
		StandardStrength:     r.StandardStrength,
		StandardUnit:         string(r.StandardUnit),
		VolumePrescribed:     r.VolumePrescribed,
		QuantityPerDay:       r.QuantityPerDay,
		DosagePerDay:         r.DosePerDay,
		DiscreteDosagePerDay: r.DiscreteDosePerDay,
		SmoothedDosagePerDay: r.SmoothedDosePerDay,
	}
	if r.DoseIntensity != nil {
		s := string(*r.DoseIntensity)
		row.DoseIntensity = &s
	}
	return row
}

// FromPeriod converts a treatment period.
func FromPeriod(p timeline.TreatmentPeriod) PeriodRow {
	return PeriodRow{
		EID:                    p.PatientID,
		Period:                 int32(p.Period),
		Drug:                   p.Drug,
		StartDate:              p.StartDate,
		EndDate:                p.EndDate,
		EndedByDiscontinuation: p.EndedByDiscontinuation,
		EndedBySwitch:          p.EndedBySwitch,
	}
}

// FromSummaryRow converts a summary line.
func FromSummaryRow(s timeline.SummaryRow) SummaryRow {
	return SummaryRow{
		Group:             s.Group,
		Count:             int64(s.Count),
		PropStatinUsers:   s.ProportionUsers,
		PropDiscontinuers: s.ProportionDiscontinuers,
	}
}

// FromStratum converts a duration estimate.
func FromStratum(s timeline.StratumEstimate) StratumRow {
	return StratumRow{
		GenericName:       s.Drug,
		Form:              s.Form,
		StrengthAmount:    s.Strength,
		StrengthUnit:      string(s.Unit),
		Quantity:          s.Quantity,
		Patients:          int32(s.Patients),
		MeanIssueDateDiff: durationDays(s.MeanGap),
	}
}
