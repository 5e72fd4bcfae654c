package timeline

// detectSwitches flags records after which the patient moves to a different
// drug. The outgoing drug must have been filled between MinSwitchFromRx and
// MaxSwitchFromRx times up to and including the record, the incoming drug
// must have at least MinSwitchToRx fills from the switch onwards, and the
// outgoing drug's first issue date must be uncensored.
func (c Config) detectSwitches(recs []*LabeledRecord, w window) {
	n := len(recs)
	if n < 2 {
		return
	}

	ordinal := make([]int, n)
	seen := make(map[string]int)
	for i, r := range recs {
		seen[r.GenericDrug]++
		ordinal[i] = seen[r.GenericDrug]
	}

	remaining := make([]int, n)
	left := make(map[string]int)
	for i := n - 1; i >= 0; i-- {
		left[recs[i].GenericDrug]++
		remaining[i] = left[recs[i].GenericDrug]
	}

	for i := 0; i < n-1; i++ {
		r, next := recs[i], recs[i+1]
		if next.GenericDrug == r.GenericDrug {
			continue
		}
		if ordinal[i] < c.MinSwitchFromRx || ordinal[i] > c.MaxSwitchFromRx {
			continue
		}
		if remaining[i+1] < c.MinSwitchToRx {
			continue
		}
		if !w.uncensored(r.FirstIssueDate) {
			continue
		}
		to := next.GenericDrug
		r.IsSwitch = true
		r.SwitchToDrug = &to
	}
}
