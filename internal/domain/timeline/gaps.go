package timeline

import (
	"sort"
)

// sortRecords orders one patient's records by issue date. Records issued on
// the same instant keep their ingestion order.
func sortRecords(recs []*LabeledRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.IssueDate.Equal(b.IssueDate) {
			return a.IssueDate.Before(b.IssueDate)
		}
		return a.seq < b.seq
	})
}

// computeGaps sets NextIssueDate and IssueGap on each record from the next
// record of the same drug. recs must already be sorted.
func computeGaps(recs []*LabeledRecord) {
	next := make(map[string]*LabeledRecord)
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		if n, ok := next[r.GenericDrug]; ok {
			r.NextIssueDate = timePtr(n.IssueDate)
			r.IssueGap = durationPtr(n.IssueDate.Sub(r.IssueDate))
		}
		next[r.GenericDrug] = r
	}
}
