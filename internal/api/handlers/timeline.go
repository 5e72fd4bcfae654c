// Package handlers provides HTTP handlers for the timeline API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxtimeline/internal/api/middleware"
	"github.com/drfirst/go-rxtimeline/internal/domain/timeline"
)

// Runner runs the timeline engine.
type Runner interface {
	Run(ctx context.Context, records []timeline.DispensingRecord, bounds []timeline.CohortBounds) (*timeline.Result, error)
}

// EventPublisher publishes labeled events downstream.
type EventPublisher interface {
	PublishEvents(ctx context.Context, topic string, events []*timeline.Event) error
}

// TimelineHandler handles timeline endpoints
type TimelineHandler struct {
	runner    Runner
	publisher EventPublisher
	topic     string
	summary   timeline.SummaryOptions
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewTimelineHandler creates a new handler. publisher may be nil, in which
// case events are counted but not published.
func NewTimelineHandler(runner Runner, publisher EventPublisher, topic string, summary timeline.SummaryOptions, logger *zap.Logger) *TimelineHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimelineHandler{
		runner:    runner,
		publisher: publisher,
		topic:     topic,
		summary:   summary,
		logger:    logger,
		tracer:    otel.Tracer("timeline-handler"),
	}
}

// Routes returns the handler routes
func (h *TimelineHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/classify", h.Classify)
	r.Post("/summary", h.Summary)
	return r
}

// Date accepts either a calendar date (2006-01-02) or an RFC 3339 timestamp.
type Date struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		d.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("invalid date %q", s)
}

// RecordRequest is one dispensing record in a request body.
type RecordRequest struct {
	PatientID      string  `json:"patient_id"`
	GenericDrug    string  `json:"generic_drug"`
	IssueDate      Date    `json:"issue_date"`
	Form           string  `json:"form"`
	StrengthAmount float64 `json:"strength_amount"`
	StrengthUnit   string  `json:"strength_unit"`
	PackSize       float64 `json:"pack_size"`
	NumPacks       float64 `json:"num_packs"`
	SupplyDays     *int    `json:"supply_days,omitempty"`
}

// BoundsRequest is one patient's observation window in a request body.
type BoundsRequest struct {
	PatientID          string `json:"patient_id"`
	MinGlobalIssueDate Date   `json:"min_global_issue_date"`
	MaxGlobalIssueDate Date   `json:"max_global_issue_date"`
	DateOfDeath        *Date  `json:"date_of_death,omitempty"`
}

// ClassifyRequest is the request body for POST /classify
type ClassifyRequest struct {
	Records []RecordRequest `json:"records"`
	Bounds  []BoundsRequest `json:"bounds"`
}

// SummaryRequest is the request body for POST /summary
type SummaryRequest struct {
	ClassifyRequest
	IncludeDrugs  []string `json:"include_drugs,omitempty"`
	ExcludeDrugs  []string `json:"exclude_drugs,omitempty"`
	FollowUpYears *int     `json:"follow_up_years,omitempty"`
}

func (req ClassifyRequest) domain() ([]timeline.DispensingRecord, []timeline.CohortBounds) {
	records := make([]timeline.DispensingRecord, len(req.Records))
	for i, r := range req.Records {
		records[i] = timeline.DispensingRecord{
			PatientID:      r.PatientID,
			GenericDrug:    r.GenericDrug,
			IssueDate:      r.IssueDate.Time,
			Form:           r.Form,
			StrengthAmount: r.StrengthAmount,
			StrengthUnit:   timeline.StrengthUnit(r.StrengthUnit).Normalize(),
			PackSize:       r.PackSize,
			NumPacks:       r.NumPacks,
		}
		if r.SupplyDays != nil {
			d := time.Duration(*r.SupplyDays) * timeline.Day
			records[i].SupplyDuration = &d
		}
	}

	bounds := make([]timeline.CohortBounds, len(req.Bounds))
	for i, b := range req.Bounds {
		bounds[i] = timeline.CohortBounds{
			PatientID:          b.PatientID,
			MinGlobalIssueDate: b.MinGlobalIssueDate.Time,
			MaxGlobalIssueDate: b.MaxGlobalIssueDate.Time,
		}
		if b.DateOfDeath != nil && !b.DateOfDeath.IsZero() {
			d := b.DateOfDeath.Time
			bounds[i].DateOfDeath = &d
		}
	}
	return records, bounds
}

// LabeledResponse is one labeled record with durations in days. It echoes
// the input columns so each row can be matched to its stratum.
type LabeledResponse struct {
	PatientID            string     `json:"patient_id"`
	GenericDrug          string     `json:"generic_drug"`
	IssueDate            time.Time  `json:"issue_date"`
	Form                 string     `json:"form"`
	StrengthAmount       float64    `json:"strength_amount"`
	StrengthUnit         string     `json:"strength_unit"`
	PackSize             float64    `json:"pack_size"`
	NumPacks             float64    `json:"num_packs"`
	SupplyDays           *float64   `json:"supply_days,omitempty"`
	NextIssueDate        *time.Time `json:"next_issue_date,omitempty"`
	GapDays              *float64   `json:"issue_date_diff,omitempty"`
	ExpectedDays         *float64   `json:"expected_rx_duration,omitempty"`
	ExpectedEndDate      *time.Time `json:"expected_end_date,omitempty"`
	FirstIssueDate       time.Time  `json:"first_issue_date_for_drug"`
	Interrupted          bool       `json:"interrupted"`
	Discontinued         bool       `json:"discontinued"`
	DiscontinuationCount int        `json:"discontinuation_count"`
	Restarted            bool       `json:"restarted"`
	IsSwitch             bool       `json:"is_switch"`
	SwitchToDrug         *string    `json:"switch_to_drug,omitempty"`
	StandardStrength     float64    `json:"standard_strength_amount"`
	StandardUnit         string     `json:"standard_strength_unit"`
	VolumePrescribed     *float64   `json:"volume_prescribed,omitempty"`
	QuantityPerDay       *float64   `json:"quantity_per_day,omitempty"`
	DosePerDay           *float64   `json:"dosage_per_day,omitempty"`
	DiscreteDosePerDay   *float64   `json:"discrete_dosage_per_day,omitempty"`
	DoseIntensity        *string    `json:"dose_intensity,omitempty"`
	SmoothedDosePerDay   *float64   `json:"smoothed_dosage_per_day,omitempty"`
}

// StratumResponse is one duration estimate with the mean gap in days.
type StratumResponse struct {
	Drug        string   `json:"drug"`
	Form        string   `json:"form"`
	Strength    float64  `json:"strength_amount"`
	Unit        string   `json:"strength_unit"`
	Quantity    float64  `json:"quantity"`
	Patients    int      `json:"patients"`
	MeanGapDays *float64 `json:"mean_issue_date_diff,omitempty"`
}

// ClassifyResponse is the response for POST /classify
type ClassifyResponse struct {
	Records         []LabeledResponse          `json:"records"`
	Periods         []timeline.TreatmentPeriod `json:"periods"`
	Strata          []StratumResponse          `json:"strata"`
	Rejects         []timeline.Reject          `json:"rejects,omitempty"`
	Exclusions      timeline.ExclusionReport   `json:"exclusions"`
	Events          map[timeline.EventType]int `json:"events"`
	EventsPublished int                        `json:"events_published"`
	PublishError    string                     `json:"publish_error,omitempty"`
}

func daysOf(d *time.Duration) *float64 {
	if d == nil {
		return nil
	}
	v := d.Hours() / 24
	return &v
}

func labeledResponse(r timeline.LabeledRecord) LabeledResponse {
	resp := LabeledResponse{
		PatientID:            r.PatientID,
		GenericDrug:          r.GenericDrug,
		IssueDate:            r.IssueDate,
		Form:                 r.Form,
		StrengthAmount:       r.StrengthAmount,
		StrengthUnit:         string(r.StrengthUnit),
		PackSize:             r.PackSize,
		NumPacks:             r.NumPacks,
		SupplyDays:           daysOf(r.SupplyDuration),
		NextIssueDate:        r.NextIssueDate,
		GapDays:              daysOf(r.IssueGap),
		ExpectedDays:         daysOf(r.ExpectedDuration),
		ExpectedEndDate:      r.ExpectedEndDate,
		FirstIssueDate:       r.FirstIssueDate,
		Interrupted:          r.Interrupted,
		Discontinued:         r.Discontinued,
		DiscontinuationCount: r.DiscontinuationCount,
		Restarted:            r.Restarted,
		IsSwitch:             r.IsSwitch,
		SwitchToDrug:         r.SwitchToDrug,
		StandardStrength:     r.StandardStrength,
		StandardUnit:         string(r.StandardUnit),
		VolumePrescribed:     r.VolumePrescribed,
		QuantityPerDay:       r.QuantityPerDay,
		DosePerDay:           r.DosePerDay,
		DiscreteDosePerDay:   r.DiscreteDosePerDay,
		SmoothedDosePerDay:   r.SmoothedDosePerDay,
	}
	if r.DoseIntensity != nil {
		s := string(*r.DoseIntensity)
		resp.DoseIntensity = &s
	}
	return resp
}

// Classify handles POST /timelines/classify
func (h *TimelineHandler) Classify(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "classify_timelines")
	defer span.End()

	var req ClassifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	span.SetAttributes(attribute.Int("records", len(req.Records)))

	res, ok := h.run(ctx, w, req)
	if !ok {
		return
	}

	resp := ClassifyResponse{
		Records:    make([]LabeledResponse, len(res.Records)),
		Periods:    res.Periods,
		Strata:     make([]StratumResponse, len(res.Strata)),
		Rejects:    res.Rejects,
		Exclusions: res.Exclusions,
		Events:     timeline.CountEvents(res.Records),
	}
	for i, rec := range res.Records {
		resp.Records[i] = labeledResponse(rec)
	}
	for i, s := range res.Strata {
		resp.Strata[i] = StratumResponse{
			Drug:        s.Drug,
			Form:        s.Form,
			Strength:    s.Strength,
			Unit:        string(s.Unit),
			Quantity:    s.Quantity,
			Patients:    s.Patients,
			MeanGapDays: daysOf(s.MeanGap),
		}
	}

	if h.publisher != nil {
		n, err := h.publish(ctx, res.Records)
		resp.EventsPublished = n
		if err != nil {
			span.RecordError(err)
			h.logger.Error("event publish failed",
				zap.String("request_id", middleware.GetRequestID(ctx)),
				zap.Error(err))
			resp.PublishError = err.Error()
		}
	}

	h.logger.Info("timelines classified",
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.Int("records", len(res.Records)),
		zap.Int("rejected_patients", res.Exclusions.RejectedPatients))

	writeJSON(w, http.StatusOK, resp)
}

// Summary handles POST /timelines/summary
func (h *TimelineHandler) Summary(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "summarize_timelines")
	defer span.End()

	var req SummaryRequest
	if !h.decode(w, r, &req) {
		return
	}

	opts := h.summary
	if len(req.IncludeDrugs) > 0 {
		opts.IncludeDrugs = req.IncludeDrugs
	}
	if len(req.ExcludeDrugs) > 0 {
		opts.ExcludeDrugs = req.ExcludeDrugs
	}
	if req.FollowUpYears != nil {
		if *req.FollowUpYears <= 0 {
			h.jsonError(w, "follow_up_years must be positive", http.StatusBadRequest)
			return
		}
		opts.FollowUpYears = *req.FollowUpYears
	}

	res, ok := h.run(ctx, w, req.ClassifyRequest)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, timeline.Summarize(res.Records, opts))
}

func (h *TimelineHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *TimelineHandler) run(ctx context.Context, w http.ResponseWriter, req ClassifyRequest) (*timeline.Result, bool) {
	if len(req.Records) == 0 {
		h.jsonError(w, "records are required", http.StatusBadRequest)
		return nil, false
	}

	records, bounds := req.domain()
	res, err := h.runner.Run(ctx, records, bounds)
	switch {
	case err == nil:
		return res, true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.jsonError(w, "request cancelled", http.StatusServiceUnavailable)
	default:
		h.logger.Error("timeline run failed",
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		h.jsonError(w, "timeline run failed", http.StatusInternalServerError)
	}
	return nil, false
}

func (h *TimelineHandler) publish(ctx context.Context, records []timeline.LabeledRecord) (int, error) {
	events, err := timeline.EventsFromRecords(records)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	if id := middleware.GetRequestID(ctx); id != "" {
		for _, e := range events {
			e.WithRunID(id)
		}
	}
	if err := h.publisher.PublishEvents(ctx, h.topic, events); err != nil {
		return 0, err
	}
	return len(events), nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *TimelineHandler) jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}
