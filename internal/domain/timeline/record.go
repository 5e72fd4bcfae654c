// Package timeline implements the per-patient treatment timeline engine:
// refill gaps, expected durations, interruption/discontinuation/restart
// labels, drug switches, dose standardisation and treatment periods.
package timeline

import (
	"strings"
	"time"
)

// StrengthUnit is the unit a strength amount is recorded in.
type StrengthUnit string

const (
	UnitGram       StrengthUnit = "g"
	UnitMilligram  StrengthUnit = "mg"
	UnitMicrogram  StrengthUnit = "mcg"
	UnitUnit       StrengthUnit = "unit"
	UnitLitre      StrengthUnit = "l"
	UnitMillilitre StrengthUnit = "ml"
	UnitDose       StrengthUnit = "dose"
	UnitPercent    StrengthUnit = "pct"
)

// Normalize lowercases and trims a unit as recorded upstream, so "MCG "
// and "mcg" standardise and stratify alike.
func (u StrengthUnit) Normalize() StrengthUnit {
	return StrengthUnit(strings.ToLower(strings.TrimSpace(string(u))))
}

// Day is the unit all refill arithmetic is done in.
const Day = 24 * time.Hour

// year is the censoring guard window.
const year = 365 * Day

// DispensingRecord is one pharmacy fill event as ingested. It is never
// modified by the engine.
type DispensingRecord struct {
	PatientID      string         `json:"patient_id"`
	GenericDrug    string         `json:"generic_drug"`
	IssueDate      time.Time      `json:"issue_date"`
	Form           string         `json:"form"`
	StrengthAmount float64        `json:"strength_amount"`
	StrengthUnit   StrengthUnit   `json:"strength_unit"`
	PackSize       float64        `json:"pack_size"`
	NumPacks       float64        `json:"num_packs"`
	SupplyDuration *time.Duration `json:"explicit_supply_duration,omitempty"`
}

// Packs returns the number of packs, treating zero as one.
func (r DispensingRecord) Packs() float64 {
	if r.NumPacks == 0 {
		return 1
	}
	return r.NumPacks
}

// Quantity returns pack size times number of packs.
func (r DispensingRecord) Quantity() float64 {
	return r.PackSize * r.Packs()
}

// CohortBounds holds the externally supplied observation window of a patient.
type CohortBounds struct {
	PatientID          string     `json:"patient_id"`
	MinGlobalIssueDate time.Time  `json:"min_global_issue_date"`
	MaxGlobalIssueDate time.Time  `json:"max_global_issue_date"`
	DateOfDeath        *time.Time `json:"date_of_death,omitempty"`
}

// Intensity is the clinical potency tier of a discretised daily dose.
type Intensity string

const (
	IntensityLow    Intensity = "low"
	IntensityMedium Intensity = "medium"
	IntensityHigh   Intensity = "high"
)

// LabeledRecord is a DispensingRecord plus every derived column. Each stage
// only fills the fields it owns; none overwrites an upstream field.
type LabeledRecord struct {
	DispensingRecord

	// Gap Calculator
	NextIssueDate *time.Time     `json:"next_issue_date,omitempty"`
	IssueGap      *time.Duration `json:"issue_gap,omitempty"`

	// Duration Estimator
	ExpectedDuration *time.Duration `json:"expected_duration,omitempty"`
	ExpectedEndDate  *time.Time     `json:"expected_end_date,omitempty"`

	// Event Classifier
	FirstIssueDate       time.Time `json:"first_issue_date_for_drug"`
	Interrupted          bool      `json:"interrupted"`
	Discontinued         bool      `json:"discontinued"`
	DiscontinuationCount int       `json:"discontinuation_count"`
	Restarted            bool      `json:"restarted"`

	// Switch Detector
	IsSwitch     bool    `json:"is_switch"`
	SwitchToDrug *string `json:"switch_to_drug,omitempty"`

	// Dosage Engine
	StandardStrength   float64      `json:"standard_strength_amount"`
	StandardUnit       StrengthUnit `json:"standard_strength_unit"`
	VolumePrescribed   *float64     `json:"volume_prescribed,omitempty"`
	QuantityPerDay     *float64     `json:"quantity_per_day,omitempty"`
	DosePerDay         *float64     `json:"dose_per_day,omitempty"`
	DiscreteDosePerDay *float64     `json:"discrete_dose_per_day,omitempty"`
	DoseIntensity      *Intensity   `json:"dose_intensity,omitempty"`
	SmoothedDosePerDay *float64     `json:"smoothed_dose_per_day,omitempty"`

	// seq is the ingestion position, used to break issue-date ties.
	seq int
}

// Seq returns the ingestion position of the record.
func (r *LabeledRecord) Seq() int { return r.seq }

// TreatmentPeriod is a contiguous run of one drug for one patient.
type TreatmentPeriod struct {
	PatientID              string    `json:"patient_id"`
	Period                 int       `json:"period"`
	Drug                   string    `json:"drug"`
	StartDate              time.Time `json:"start_date"`
	EndDate                time.Time `json:"end_date"`
	EndedByDiscontinuation bool      `json:"ended_by_discontinuation"`
	EndedBySwitch          bool      `json:"ended_by_switch"`
}

func timePtr(t time.Time) *time.Time { return &t }

func durationPtr(d time.Duration) *time.Duration { return &d }

func floatPtr(f float64) *float64 { return &f }

// days returns the whole number of days in d, truncated toward zero.
func days(d time.Duration) float64 {
	return float64(d / Day)
}

// sameCalendarDate reports whether a and b fall on the same calendar date.
func sameCalendarDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
