package timeline

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of timeline event
type EventType string

const (
	EventInterrupted  EventType = "TreatmentInterrupted"
	EventDiscontinued EventType = "TreatmentDiscontinued"
	EventRestarted    EventType = "TreatmentRestarted"
	EventSwitched     EventType = "TreatmentSwitched"
)

// EventTypes lists every event type in emission order for one record.
var EventTypes = []EventType{EventInterrupted, EventDiscontinued, EventRestarted, EventSwitched}

// Event is a labeled timeline occurrence published to downstream consumers.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	RunID         string          `json:"run_id,omitempty"`
}

// NewEvent creates a new event for a patient timeline
func NewEvent(patientID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   patientID,
		AggregateType: "PatientTimeline",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithRunID tags the event with the run that produced it.
func (e *Event) WithRunID(runID string) *Event {
	e.RunID = runID
	return e
}

// RecordEventData describes the dispensing that carried a label.
type RecordEventData struct {
	PatientID            string     `json:"patient_id"`
	Drug                 string     `json:"drug"`
	IssueDate            time.Time  `json:"issue_date"`
	NextIssueDate        *time.Time `json:"next_issue_date,omitempty"`
	ExpectedEndDate      *time.Time `json:"expected_end_date,omitempty"`
	GapDays              *float64   `json:"gap_days,omitempty"`
	DiscontinuationCount int        `json:"discontinuation_count"`
}

// SwitchEventData describes a switch between two drugs.
type SwitchEventData struct {
	RecordEventData
	ToDrug string `json:"to_drug"`
}

func recordEventData(r LabeledRecord) RecordEventData {
	d := RecordEventData{
		PatientID:            r.PatientID,
		Drug:                 r.GenericDrug,
		IssueDate:            r.IssueDate,
		NextIssueDate:        r.NextIssueDate,
		ExpectedEndDate:      r.ExpectedEndDate,
		DiscontinuationCount: r.DiscontinuationCount,
	}
	if r.IssueGap != nil {
		d.GapDays = floatPtr(days(*r.IssueGap))
	}
	return d
}

// EventsFromRecords emits one event per true label on each record, in
// record order.
func EventsFromRecords(records []LabeledRecord) ([]*Event, error) {
	var events []*Event
	for _, r := range records {
		base := recordEventData(r)
		for _, et := range EventTypes {
			var data interface{}
			switch {
			case et == EventInterrupted && r.Interrupted,
				et == EventDiscontinued && r.Discontinued,
				et == EventRestarted && r.Restarted:
				data = base
			case et == EventSwitched && r.IsSwitch && r.SwitchToDrug != nil:
				data = SwitchEventData{RecordEventData: base, ToDrug: *r.SwitchToDrug}
			default:
				continue
			}
			e, err := NewEvent(r.PatientID, et, data)
			if err != nil {
				return nil, err
			}
			events = append(events, e)
		}
	}
	return events, nil
}

// CountEvents tallies the labels of records by event type.
func CountEvents(records []LabeledRecord) map[EventType]int {
	counts := make(map[EventType]int, len(EventTypes))
	for _, r := range records {
		if r.Interrupted {
			counts[EventInterrupted]++
		}
		if r.Discontinued {
			counts[EventDiscontinued]++
		}
		if r.Restarted {
			counts[EventRestarted]++
		}
		if r.IsSwitch {
			counts[EventSwitched]++
		}
	}
	return counts
}
