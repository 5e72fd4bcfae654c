package timeline

import (
	"sort"
	"time"
)

// Summary group labels.
const (
	GroupTotalUsers         = "Total Users"
	GroupDiscontinuers      = "Discontinuers"
	GroupRestarters         = "Restarters"
	GroupSingleRestarters   = "Single Restarters"
	GroupMultipleRestarters = "Multiple Restarters"
	GroupFinalDiscontinuers = "Final Discontinuers"
	GroupFinalNoPrior       = "Final Discontinuers (No Prior Discontinuation)"
	GroupFinalSinglePrior   = "Final Discontinuers (Single Prior Discontinuation)"
	GroupFinalMultiplePrior = "Final Discontinuers (Multiple Prior Discontinuations)"
	GroupFinalWithinYears   = "Final Discontinuation Within Follow-up Years"
	GroupFinalAfterYears    = "Final Discontinuation After Follow-up Years"
	GroupContinuers         = "Continuers"
	GroupInterrupters       = "Interrupters"
	GroupSwitchers          = "Switchers"
)

// SummaryOptions restricts and parameterises the cohort summary.
type SummaryOptions struct {
	// IncludeDrugs keeps only these drugs when non-empty.
	IncludeDrugs []string
	// ExcludeDrugs drops these drugs.
	ExcludeDrugs []string
	// FollowUpYears splits final discontinuations by time since first fill.
	FollowUpYears int
}

// DefaultSummaryOptions returns a two-year follow-up split over all drugs.
func DefaultSummaryOptions() SummaryOptions {
	return SummaryOptions{FollowUpYears: 2}
}

// SummaryRow is one sample-size line of the cohort summary.
type SummaryRow struct {
	Group                   string  `json:"group"`
	Count                   int     `json:"count"`
	ProportionUsers         float64 `json:"proportion_users"`
	ProportionDiscontinuers float64 `json:"proportion_discontinuers"`
}

// FlowCounts holds the distinct patient counts behind the summary rows.
type FlowCounts struct {
	Users               int `json:"users"`
	Discontinuers       int `json:"discontinuers"`
	Restarters          int `json:"restarters"`
	SingleRestarters    int `json:"single_restarters"`
	MultipleRestarters  int `json:"multiple_restarters"`
	FinalDiscontinuers  int `json:"final_discontinuers"`
	FinalNoPrior        int `json:"final_no_prior"`
	FinalSinglePrior    int `json:"final_single_prior"`
	FinalMultiplePrior  int `json:"final_multiple_prior"`
	FinalWithinFollowUp int `json:"final_within_follow_up"`
	FinalAfterFollowUp  int `json:"final_after_follow_up"`
	Continuers          int `json:"continuers"`
	Interrupters        int `json:"interrupters"`
	Switchers           int `json:"switchers"`
}

// Summary is the cohort-level aggregate of a labeled record stream.
type Summary struct {
	Counts FlowCounts   `json:"counts"`
	Rows   []SummaryRow `json:"rows"`
}

type patientFlags struct {
	discontinued   bool
	interrupted    bool
	switched       bool
	restarts       int
	final          bool
	priorAtFinal   int
	withinFollowUp bool
}

// Summarize counts distinct patients meeting each classifier predicate.
// It is a pure aggregation over already labeled records.
func Summarize(records []LabeledRecord, opts SummaryOptions) Summary {
	keep := drugFilter(opts)

	order := make([]string, 0)
	byPatient := make(map[string][]LabeledRecord)
	for _, r := range records {
		if !keep(r.GenericDrug) {
			continue
		}
		if _, ok := byPatient[r.PatientID]; !ok {
			order = append(order, r.PatientID)
		}
		byPatient[r.PatientID] = append(byPatient[r.PatientID], r)
	}

	followUp := time.Duration(opts.FollowUpYears) * year
	var c FlowCounts
	for _, id := range order {
		recs := byPatient[id]
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].IssueDate.Before(recs[j].IssueDate) })
		f := flagsOf(recs, followUp)

		c.Users++
		if f.discontinued {
			c.Discontinuers++
		}
		if f.interrupted {
			c.Interrupters++
		}
		if f.switched {
			c.Switchers++
		}
		if f.restarts > 0 {
			c.Restarters++
			if f.restarts == 1 {
				c.SingleRestarters++
			}
		}
		if f.final {
			c.FinalDiscontinuers++
			switch {
			case f.priorAtFinal == 0:
				c.FinalNoPrior++
			case f.priorAtFinal == 1:
				c.FinalSinglePrior++
			default:
				c.FinalMultiplePrior++
			}
			if f.withinFollowUp {
				c.FinalWithinFollowUp++
			}
		}
	}
	c.MultipleRestarters = c.Restarters - c.SingleRestarters
	c.FinalAfterFollowUp = c.FinalDiscontinuers - c.FinalWithinFollowUp
	c.Continuers = (c.Users - c.Discontinuers) + (c.Restarters - c.FinalSinglePrior - c.FinalMultiplePrior)

	return Summary{Counts: c, Rows: summaryRows(c)}
}

func flagsOf(recs []LabeledRecord, followUp time.Duration) patientFlags {
	var f patientFlags
	prior := 0
	for i, r := range recs {
		f.discontinued = f.discontinued || r.Discontinued
		f.interrupted = f.interrupted || r.Interrupted
		f.switched = f.switched || r.IsSwitch
		if r.Restarted {
			f.restarts++
		}
		if r.Discontinued && i == len(recs)-1 {
			f.final = true
			f.priorAtFinal = prior
			f.withinFollowUp = r.IssueDate.Sub(recs[0].IssueDate) <= followUp
		}
		if r.Discontinued {
			prior++
		}
	}
	return f
}

func drugFilter(opts SummaryOptions) func(string) bool {
	include := make(map[string]bool, len(opts.IncludeDrugs))
	for _, d := range opts.IncludeDrugs {
		include[d] = true
	}
	exclude := make(map[string]bool, len(opts.ExcludeDrugs))
	for _, d := range opts.ExcludeDrugs {
		exclude[d] = true
	}
	return func(drug string) bool {
		if len(include) > 0 && !include[drug] {
			return false
		}
		return !exclude[drug]
	}
}

func summaryRows(c FlowCounts) []SummaryRow {
	groups := []struct {
		label string
		n     int
	}{
		{GroupTotalUsers, c.Users},
		{GroupDiscontinuers, c.Discontinuers},
		{GroupRestarters, c.Restarters},
		{GroupSingleRestarters, c.SingleRestarters},
		{GroupMultipleRestarters, c.MultipleRestarters},
		{GroupFinalDiscontinuers, c.FinalDiscontinuers},
		{GroupFinalNoPrior, c.FinalNoPrior},
		{GroupFinalSinglePrior, c.FinalSinglePrior},
		{GroupFinalMultiplePrior, c.FinalMultiplePrior},
		{GroupFinalWithinYears, c.FinalWithinFollowUp},
		{GroupFinalAfterYears, c.FinalAfterFollowUp},
		{GroupContinuers, c.Continuers},
		{GroupInterrupters, c.Interrupters},
		{GroupSwitchers, c.Switchers},
	}
	rows := make([]SummaryRow, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, SummaryRow{
			Group:                   g.label,
			Count:                   g.n,
			ProportionUsers:         proportion(g.n, c.Users),
			ProportionDiscontinuers: proportion(g.n, c.Discontinuers),
		})
	}
	return rows
}

func proportion(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}
