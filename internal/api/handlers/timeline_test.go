package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/drfirst/go-rxtimeline/internal/domain/timeline"
)

var start = time.Date(2015, time.January, 1, 0, 0, 0, 0, time.UTC)

func day(n int) string { return start.AddDate(0, 0, n).Format("2006-01-02") }

// yearOfFills is one patient filling atorvastatin monthly for a year and
// then stopping, observed long enough for the stop to count.
func yearOfFills() ClassifyRequest {
	var req ClassifyRequest
	for n := 0; n <= 360; n += 30 {
		req.Records = append(req.Records, RecordRequest{
			PatientID:      "p1",
			GenericDrug:    "atorvastatin",
			IssueDate:      mustDate(day(n)),
			Form:           "tablet",
			StrengthAmount: 20,
			StrengthUnit:   "MG",
			PackSize:       30,
			NumPacks:       1,
		})
	}
	req.Bounds = []BoundsRequest{{
		PatientID:          "p1",
		MinGlobalIssueDate: mustDate(day(-730)),
		MaxGlobalIssueDate: mustDate(day(760)),
	}}
	return req
}

func mustDate(s string) Date {
	var d Date
	if err := d.UnmarshalJSON([]byte(`"` + s + `"`)); err != nil {
		panic(err)
	}
	return d
}

func newHandler(t *testing.T, pub EventPublisher) *TimelineHandler {
	t.Helper()
	engine, err := timeline.NewEngine(timeline.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return NewTimelineHandler(engine, pub, "timeline.events", timeline.DefaultSummaryOptions(), nil)
}

func post(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw)))
	return rec
}

type fakePublisher struct {
	topic  string
	events []*timeline.Event
	err    error
}

func (f *fakePublisher) PublishEvents(ctx context.Context, topic string, events []*timeline.Event) error {
	f.topic = topic
	f.events = append(f.events, events...)
	return f.err
}

func TestClassify(t *testing.T) {
	pub := &fakePublisher{}
	rec := post(t, newHandler(t, pub).Routes(), "/classify", yearOfFills())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp ClassifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Records) != 13 {
		t.Fatalf("records = %d, want 13", len(resp.Records))
	}
	first := resp.Records[0]
	if first.GapDays == nil || *first.GapDays != 30 {
		t.Errorf("first gap = %v, want 30", first.GapDays)
	}
	if first.Form != "tablet" || first.StrengthAmount != 20 || first.StrengthUnit != "mg" || first.PackSize != 30 || first.NumPacks != 1 {
		t.Errorf("first record input columns = %+v", first)
	}
	if first.VolumePrescribed == nil || *first.VolumePrescribed != 600 {
		t.Errorf("volume prescribed = %v, want 600", first.VolumePrescribed)
	}
	if first.QuantityPerDay == nil || *first.QuantityPerDay != 1 {
		t.Errorf("quantity per day = %v, want 1", first.QuantityPerDay)
	}
	if first.DosePerDay == nil || *first.DosePerDay != 20 {
		t.Errorf("dose per day = %v, want 20", first.DosePerDay)
	}
	if !resp.Records[12].Discontinued {
		t.Error("last record should be discontinued")
	}
	if resp.Events[timeline.EventDiscontinued] != 1 {
		t.Errorf("events = %v", resp.Events)
	}
	if resp.EventsPublished != 1 || len(pub.events) != 1 || pub.topic != "timeline.events" {
		t.Errorf("published = %d, events = %d, topic = %q", resp.EventsPublished, len(pub.events), pub.topic)
	}
	if len(resp.Periods) != 1 || !resp.Periods[0].EndedByDiscontinuation {
		t.Errorf("periods = %+v", resp.Periods)
	}
}

func TestClassifyReportsPublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("circuit breaker is open")}
	rec := post(t, newHandler(t, pub).Routes(), "/classify", yearOfFills())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp ClassifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.EventsPublished != 0 || resp.PublishError == "" {
		t.Errorf("published = %d, error = %q", resp.EventsPublished, resp.PublishError)
	}
}

func TestClassifyRejectsBadInput(t *testing.T) {
	h := newHandler(t, nil).Routes()

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"no records", `{"records":[]}`},
		{"bad date", `{"records":[{"patient_id":"p1","issue_date":"01/02/2015"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/classify", bytes.NewBufferString(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestClassifyRejectedPatientIsReported(t *testing.T) {
	req := yearOfFills()
	req.Records = append(req.Records, RecordRequest{
		PatientID:      "p2",
		GenericDrug:    "simvastatin",
		IssueDate:      mustDate(day(0)),
		StrengthAmount: 40,
		StrengthUnit:   "mg",
		PackSize:       -28,
	})

	rec := post(t, newHandler(t, nil).Routes(), "/classify", req)
	var resp ClassifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Rejects) != 1 || resp.Rejects[0].PatientID != "p2" {
		t.Errorf("rejects = %+v", resp.Rejects)
	}
	if len(resp.Records) != 13 {
		t.Errorf("records = %d, want 13", len(resp.Records))
	}
}

func TestSummary(t *testing.T) {
	rec := post(t, newHandler(t, nil).Routes(), "/summary", SummaryRequest{ClassifyRequest: yearOfFills()})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var s timeline.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Counts.Users != 1 || s.Counts.Discontinuers != 1 || s.Counts.FinalNoPrior != 1 {
		t.Errorf("counts = %+v", s.Counts)
	}
}

func TestSummaryExcludedDrug(t *testing.T) {
	req := SummaryRequest{ClassifyRequest: yearOfFills(), ExcludeDrugs: []string{"atorvastatin"}}
	rec := post(t, newHandler(t, nil).Routes(), "/summary", req)

	var s timeline.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Counts.Users != 0 {
		t.Errorf("users = %d, want 0", s.Counts.Users)
	}
}

func TestSummaryRejectsNonPositiveFollowUp(t *testing.T) {
	zero := 0
	req := SummaryRequest{ClassifyRequest: yearOfFills(), FollowUpYears: &zero}
	if rec := post(t, newHandler(t, nil).Routes(), "/summary", req); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

type failingRunner struct{ err error }

func (f failingRunner) Run(context.Context, []timeline.DispensingRecord, []timeline.CohortBounds) (*timeline.Result, error) {
	return nil, f.err
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{context.Canceled, http.StatusServiceUnavailable},
		{timeline.ErrStageFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		h := NewTimelineHandler(failingRunner{tt.err}, nil, "", timeline.DefaultSummaryOptions(), nil)
		if rec := post(t, h.Routes(), "/classify", yearOfFills()); rec.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}

func TestDaysOfKeepsFraction(t *testing.T) {
	d := 732 * time.Hour
	if got := daysOf(&d); got == nil || *got != 30.5 {
		t.Errorf("daysOf(732h) = %v, want 30.5", got)
	}
	if daysOf(nil) != nil {
		t.Error("daysOf(nil) should be nil")
	}
}
