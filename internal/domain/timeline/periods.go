package timeline

// BuildPeriods collapses one patient's sorted, labeled records into
// treatment periods. A period ends when the drug changes or when its last
// record was a discontinuation or a switch.
func BuildPeriods(recs []LabeledRecord) []TreatmentPeriod {
	var periods []TreatmentPeriod
	var cur *TreatmentPeriod
	for i := range recs {
		r := &recs[i]
		if cur == nil || r.GenericDrug != cur.Drug || recs[i-1].Discontinued || recs[i-1].IsSwitch {
			if cur != nil {
				periods = append(periods, *cur)
			}
			cur = &TreatmentPeriod{
				PatientID: r.PatientID,
				Period:    len(periods) + 1,
				Drug:      r.GenericDrug,
				StartDate: r.IssueDate,
				EndDate:   r.IssueDate,
			}
		}
		if r.IssueDate.Before(cur.StartDate) {
			cur.StartDate = r.IssueDate
		}
		if r.IssueDate.After(cur.EndDate) {
			cur.EndDate = r.IssueDate
		}
		cur.EndedByDiscontinuation = r.Discontinued
		cur.EndedBySwitch = r.IsSwitch
	}
	if cur != nil {
		periods = append(periods, *cur)
	}
	return periods
}
