package timeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxtimeline/pkg/workerpool"
)

// Stage names reported to the Observer and used as span names.
const (
	StageIngest    = "ingest"
	StageGaps      = "gaps"
	StageDurations = "durations"
	StageLabel     = "label"
	StageAssemble  = "assemble"
)

// ErrStageFailed is returned when a per-patient stage fails for a reason
// other than bad input data.
var ErrStageFailed = errors.New("timeline stage failed")

// Observer receives pipeline measurements. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveStage(stage string, d time.Duration)
	AddRecords(n int)
	AddRejected(patients int)
	AddExcludedStrata(n int)
	AddEvents(kind EventType, n int)
}

type nopObserver struct{}

func (nopObserver) ObserveStage(string, time.Duration) {}
func (nopObserver) AddRecords(int)                     {}
func (nopObserver) AddRejected(int)                    {}
func (nopObserver) AddExcludedStrata(int)              {}
func (nopObserver) AddEvents(EventType, int)           {}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver reports stage timings and counts to o.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithTracer overrides the tracer used for stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// ExclusionReport counts everything the engine could not label.
type ExclusionReport struct {
	UnestimatedStrata      int `json:"unestimated_strata"`
	RecordsWithoutDuration int `json:"records_without_duration"`
	PatientsWithoutBounds  int `json:"patients_without_bounds"`
	RejectedPatients       int `json:"rejected_patients"`
	RejectedRecords        int `json:"rejected_records"`
}

// Result is the output of one engine run. Records and Periods are grouped
// by patient in first-appearance order and sorted within each patient.
type Result struct {
	Records    []LabeledRecord   `json:"records"`
	Periods    []TreatmentPeriod `json:"periods"`
	Strata     []StratumEstimate `json:"strata"`
	Rejects    []Reject          `json:"rejects,omitempty"`
	Exclusions ExclusionReport   `json:"exclusions"`
}

// Engine runs the timeline stages over a batch of dispensing records. An
// Engine holds no per-run state and may be shared.
type Engine struct {
	config   Config
	logger   *zap.Logger
	observer Observer
	tracer   trace.Tracer

	gapPool   *workerpool.Pool[*patientJob, map[stratumKey]*time.Duration]
	labelPool *workerpool.Pool[*patientJob, struct{}]
}

// patientJob carries one patient's records through the per-patient stages.
type patientJob struct {
	id      string
	recs    []*LabeledRecord
	window  window
	table   *DurationTable
	missing int
	periods []TreatmentPeriod
}

// NewEngine validates cfg and builds an engine.
func NewEngine(cfg Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		config:   cfg,
		logger:   logger,
		observer: nopObserver{},
		tracer:   otel.Tracer("timeline-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}

	poolCfg := workerpool.Config{Workers: cfg.Workers}
	var err error
	e.gapPool, err = workerpool.New(poolCfg, e.gapTask, logger.Named("gaps"))
	if err != nil {
		return nil, fmt.Errorf("failed to create gap pool: %w", err)
	}
	e.labelPool, err = workerpool.New(poolCfg, e.labelTask, logger.Named("label"))
	if err != nil {
		return nil, fmt.Errorf("failed to create label pool: %w", err)
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.config }

// Run labels records against bounds. Patients with a malformed record are
// rejected as a whole and reported in Result.Rejects. Patients missing from
// bounds are labeled with every censoring-guarded predicate false.
func (e *Engine) Run(ctx context.Context, records []DispensingRecord, bounds []CohortBounds) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "timeline.Run",
		trace.WithAttributes(attribute.Int("timeline.records", len(records))))
	defer span.End()

	res := &Result{}
	e.observer.AddRecords(len(records))

	// Ingest
	var jobs []*patientJob
	e.stage(ctx, StageIngest, func(ctx context.Context) error {
		jobs = e.ingest(records, bounds, res)
		return nil
	})
	if len(res.Rejects) > 0 {
		e.observer.AddRejected(res.Exclusions.RejectedPatients)
	}

	// Phase 1: sort, gaps and per-patient medians.
	reducer := newDurationReducer()
	if err := e.stage(ctx, StageGaps, func(ctx context.Context) error {
		for i, o := range e.gapPool.Run(ctx, jobs) {
			if o.Err != nil {
				return stageError(jobs[i].id, o.Err)
			}
			reducer.add(o.Value)
		}
		return nil
	}); err != nil {
		return nil, e.fail(span, err)
	}

	// Barrier: every patient has contributed its medians.
	var table *DurationTable
	e.stage(ctx, StageDurations, func(ctx context.Context) error {
		table = reducer.table()
		res.Strata = table.Strata()
		res.Exclusions.UnestimatedStrata = table.Unestimated()
		return nil
	})
	if n := res.Exclusions.UnestimatedStrata; n > 0 {
		e.observer.AddExcludedStrata(n)
		e.logger.Info("strata without a usable refill gap", zap.Int("strata", n))
	}

	// Phase 2: durations, labels, dosage and periods.
	if err := e.stage(ctx, StageLabel, func(ctx context.Context) error {
		for _, j := range jobs {
			j.table = table
		}
		for i, o := range e.labelPool.Run(ctx, jobs) {
			if o.Err != nil {
				return stageError(jobs[i].id, o.Err)
			}
		}
		return nil
	}); err != nil {
		return nil, e.fail(span, err)
	}

	e.stage(ctx, StageAssemble, func(ctx context.Context) error {
		e.assemble(jobs, res)
		return nil
	})

	for kind, n := range CountEvents(res.Records) {
		e.observer.AddEvents(kind, n)
	}
	span.SetAttributes(
		attribute.Int("timeline.patients", len(jobs)),
		attribute.Int("timeline.rejected_patients", res.Exclusions.RejectedPatients),
	)
	e.logger.Info("timeline run complete",
		zap.Int("records", len(records)),
		zap.Int("patients", len(jobs)),
		zap.Int("labeled_records", len(res.Records)),
		zap.Int("periods", len(res.Periods)),
		zap.Int("rejected_patients", res.Exclusions.RejectedPatients),
		zap.Int("unestimated_strata", res.Exclusions.UnestimatedStrata),
		zap.Int("records_without_duration", res.Exclusions.RecordsWithoutDuration),
		zap.Int("patients_without_bounds", res.Exclusions.PatientsWithoutBounds))
	return res, nil
}

// stage runs fn inside a span and reports its duration.
func (e *Engine) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "timeline."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	e.observer.ObserveStage(name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.logger.Error("timeline run failed", zap.Error(err))
	return err
}

func stageError(patientID string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: patient %s: %v", ErrStageFailed, patientID, err)
}

// ingest validates records and groups them by patient in first-appearance
// order. A patient with any malformed record is dropped and reported.
func (e *Engine) ingest(records []DispensingRecord, bounds []CohortBounds, res *Result) []*patientJob {
	byPatient := make(map[string]*CohortBounds, len(bounds))
	var cohortMax time.Time
	for i := range bounds {
		b := bounds[i]
		byPatient[b.PatientID] = &b
		if b.MaxGlobalIssueDate.After(cohortMax) {
			cohortMax = b.MaxGlobalIssueDate
		}
	}

	index := make(map[string]int)
	var jobs []*patientJob
	rejected := make(map[string]bool)
	for i, r := range records {
		r.StrengthUnit = r.StrengthUnit.Normalize()
		if err := validateRecord(r); err != nil {
			res.Exclusions.RejectedRecords++
			if !rejected[r.PatientID] {
				rejected[r.PatientID] = true
				res.Rejects = append(res.Rejects, Reject{
					PatientID:   r.PatientID,
					RecordIndex: i,
					Reason:      err.Error(),
					Err:         err,
				})
				e.logger.Warn("rejecting patient",
					zap.String("patient_id", r.PatientID),
					zap.Int("record_index", i),
					zap.Error(err))
			}
			continue
		}
		j, ok := index[r.PatientID]
		if !ok {
			j = len(jobs)
			index[r.PatientID] = j
			jobs = append(jobs, &patientJob{
				id:     r.PatientID,
				window: window{bounds: byPatient[r.PatientID], cohortMax: cohortMax},
			})
		}
		jobs[j].recs = append(jobs[j].recs, &LabeledRecord{DispensingRecord: r, seq: i})
	}

	kept := jobs[:0]
	for _, j := range jobs {
		if rejected[j.id] {
			res.Exclusions.RejectedRecords += len(j.recs)
			continue
		}
		if j.window.bounds == nil {
			res.Exclusions.PatientsWithoutBounds++
		}
		kept = append(kept, j)
	}
	res.Exclusions.RejectedPatients = len(rejected)
	return kept
}

func (e *Engine) gapTask(ctx context.Context, j *patientJob) (map[stratumKey]*time.Duration, error) {
	sortRecords(j.recs)
	computeGaps(j.recs)
	return patientMedians(j.recs, e.config.GapCutoff), nil
}

func (e *Engine) labelTask(ctx context.Context, j *patientJob) (struct{}, error) {
	j.missing = assignDurations(j.recs, j.table)
	e.config.classify(j.recs, j.window)
	e.config.detectSwitches(j.recs, j.window)
	e.config.applyDosage(j.recs)

	flat := make([]LabeledRecord, len(j.recs))
	for i, r := range j.recs {
		flat[i] = *r
	}
	j.periods = BuildPeriods(flat)
	return struct{}{}, nil
}

func (e *Engine) assemble(jobs []*patientJob, res *Result) {
	n := 0
	for _, j := range jobs {
		n += len(j.recs)
	}
	res.Records = make([]LabeledRecord, 0, n)
	for _, j := range jobs {
		for _, r := range j.recs {
			res.Records = append(res.Records, *r)
		}
		res.Periods = append(res.Periods, j.periods...)
		res.Exclusions.RecordsWithoutDuration += j.missing
	}
}
