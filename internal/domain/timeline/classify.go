package timeline

import (
	"time"
)

// window is the observation window a classification is evaluated against.
// bounds is nil when no cohort bounds were supplied for the patient, in
// which case every censoring-guarded predicate is false.
type window struct {
	bounds    *CohortBounds
	cohortMax time.Time
}

// observedBefore reports whether first is at least a year before the
// patient's last global issue date.
func (w window) observedBefore(first time.Time) bool {
	return w.bounds != nil && !first.After(w.bounds.MaxGlobalIssueDate.Add(-year))
}

// uncensored reports whether first lies strictly inside the patient's
// global window shrunk by a year on each side.
func (w window) uncensored(first time.Time) bool {
	if w.bounds == nil {
		return false
	}
	return first.After(w.bounds.MinGlobalIssueDate.Add(year)) &&
		first.Before(w.bounds.MaxGlobalIssueDate.Add(-year))
}

// setFirstIssueDates records the first issue date of each drug on every
// record of that drug. recs must be sorted.
func setFirstIssueDates(recs []*LabeledRecord) {
	first := make(map[string]time.Time)
	for _, r := range recs {
		if _, ok := first[r.GenericDrug]; !ok {
			first[r.GenericDrug] = r.IssueDate
		}
		r.FirstIssueDate = first[r.GenericDrug]
	}
}

// isInterrupted reports a gap longer than MissedRxCount expected durations
// that was later followed by a refill of the same drug.
func (c Config) isInterrupted(r *LabeledRecord, w window) bool {
	if r.NextIssueDate == nil || r.ExpectedDuration == nil {
		return false
	}
	next := *r.NextIssueDate
	due := r.IssueDate.Add(c.threshold(*r.ExpectedDuration))
	return next.After(due) &&
		!r.IssueDate.Equal(next) &&
		w.observedBefore(r.FirstIssueDate) &&
		!sameCalendarDate(next, r.IssueDate)
}

// isDiscontinued reports a last fill of a drug that was not followed by a
// refill although the patient stayed observable long enough for one.
func (c Config) isDiscontinued(r *LabeledRecord, w window) bool {
	if r.NextIssueDate != nil || r.ExpectedDuration == nil || r.ExpectedEndDate == nil || w.bounds == nil {
		return false
	}
	due := r.IssueDate.Add(c.threshold(*r.ExpectedDuration))
	if death := w.bounds.DateOfDeath; death != nil && !death.After(due) {
		return false
	}
	return !w.bounds.MaxGlobalIssueDate.Before(due) &&
		r.ExpectedEndDate.Before(w.cohortMax) &&
		w.uncensored(r.FirstIssueDate)
}

// classify labels interruptions, discontinuations and restarts for one
// patient. recs must be sorted, with gaps and durations assigned.
//
// Restarted is an independent label: a certified discontinuation of one
// drug followed by any later dispensing for the same patient.
func (c Config) classify(recs []*LabeledRecord, w window) {
	setFirstIssueDates(recs)

	count := 0
	for _, r := range recs {
		r.Interrupted = c.isInterrupted(r, w)
		r.Discontinued = c.isDiscontinued(r, w)
		if r.Discontinued {
			count++
		}
	}
	for i, r := range recs {
		r.DiscontinuationCount = count
		r.Restarted = r.Discontinued && i < len(recs)-1
	}
}
