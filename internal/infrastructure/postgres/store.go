package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxtimeline/internal/domain/timeline"
)

// ErrRunNotFound is returned when a run id has no stored row.
var ErrRunNotFound = errors.New("timeline run not found")

const schema = `
CREATE TABLE IF NOT EXISTS dispensing_records (
	id              BIGSERIAL PRIMARY KEY,
	patient_id      TEXT NOT NULL,
	generic_drug    TEXT NOT NULL,
	issue_date      TIMESTAMPTZ NOT NULL,
	form            TEXT NOT NULL DEFAULT '',
	strength_amount DOUBLE PRECISION NOT NULL,
	strength_unit   TEXT NOT NULL,
	pack_size       DOUBLE PRECISION NOT NULL,
	num_packs       DOUBLE PRECISION NOT NULL DEFAULT 0,
	supply_days     INTEGER
);

CREATE INDEX IF NOT EXISTS idx_dispensing_records_patient ON dispensing_records (patient_id);

CREATE TABLE IF NOT EXISTS cohort_bounds (
	patient_id            TEXT PRIMARY KEY,
	min_global_issue_date TIMESTAMPTZ NOT NULL,
	max_global_issue_date TIMESTAMPTZ NOT NULL,
	date_of_death         TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS timeline_runs (
	id          UUID PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	config      JSONB NOT NULL,
	exclusions  JSONB NOT NULL,
	records     INTEGER NOT NULL,
	periods     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS labeled_records (
	run_id                UUID NOT NULL REFERENCES timeline_runs (id) ON DELETE CASCADE,
	seq                   INTEGER NOT NULL,
	patient_id            TEXT NOT NULL,
	generic_drug          TEXT NOT NULL,
	issue_date            TIMESTAMPTZ NOT NULL,
	next_issue_date       TIMESTAMPTZ,
	gap_days              DOUBLE PRECISION,
	expected_days         DOUBLE PRECISION,
	expected_end_date     TIMESTAMPTZ,
	interrupted           BOOLEAN NOT NULL,
	discontinued          BOOLEAN NOT NULL,
	discontinuation_count INTEGER NOT NULL,
	restarted             BOOLEAN NOT NULL,
	is_switch             BOOLEAN NOT NULL,
	switch_to_drug        TEXT,
	dose_per_day          DOUBLE PRECISION,
	discrete_dose_per_day DOUBLE PRECISION,
	dose_intensity        TEXT,
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS treatment_periods (
	run_id                   UUID NOT NULL REFERENCES timeline_runs (id) ON DELETE CASCADE,
	patient_id               TEXT NOT NULL,
	period                   INTEGER NOT NULL,
	drug                     TEXT NOT NULL,
	start_date               TIMESTAMPTZ NOT NULL,
	end_date                 TIMESTAMPTZ NOT NULL,
	ended_by_discontinuation BOOLEAN NOT NULL,
	ended_by_switch          BOOLEAN NOT NULL,
	PRIMARY KEY (run_id, patient_id, period)
);

CREATE TABLE IF NOT EXISTS outbox (
	id              BIGSERIAL PRIMARY KEY,
	patient_id      TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	payload         JSONB NOT NULL,
	topic           TEXT NOT NULL,
	msg_key         TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at    TIMESTAMPTZ,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (id) WHERE processed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_outbox_key_pending ON outbox (msg_key, id) WHERE processed_at IS NULL;
`

// Connect opens a pgx pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Store persists dispensing inputs and timeline run outputs.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewStore creates a store over an existing pool.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("timeline-store"),
	}
}

// EnsureSchema creates every table the services use.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// ImportRecords bulk loads dispensing records with COPY.
func (s *Store) ImportRecords(ctx context.Context, records []timeline.DispensingRecord) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "store.import_records",
		trace.WithAttributes(attribute.Int("records", len(records))))
	defer span.End()

	rows := make([][]interface{}, len(records))
	for i, r := range records {
		rows[i] = []interface{}{
			r.PatientID, r.GenericDrug, r.IssueDate, r.Form,
			r.StrengthAmount, string(r.StrengthUnit), r.PackSize, r.NumPacks,
			supplyDays(r.SupplyDuration),
		}
	}

	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"dispensing_records"},
		[]string{"patient_id", "generic_drug", "issue_date", "form",
			"strength_amount", "strength_unit", "pack_size", "num_packs", "supply_days"},
		pgx.CopyFromRows(rows))
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to copy dispensing records: %w", err)
	}
	return n, nil
}

// ImportBounds upserts cohort bounds. A later row for the same patient
// replaces an earlier one.
func (s *Store) ImportBounds(ctx context.Context, bounds []timeline.CohortBounds) error {
	batch := &pgx.Batch{}
	for _, b := range bounds {
		batch.Queue(`
			INSERT INTO cohort_bounds (patient_id, min_global_issue_date, max_global_issue_date, date_of_death)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (patient_id) DO UPDATE
			SET min_global_issue_date = EXCLUDED.min_global_issue_date,
			    max_global_issue_date = EXCLUDED.max_global_issue_date,
			    date_of_death = EXCLUDED.date_of_death
		`, b.PatientID, b.MinGlobalIssueDate, b.MaxGlobalIssueDate, b.DateOfDeath)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert cohort bounds: %w", err)
	}
	return nil
}

// LoadRecords returns every dispensing record in insertion order.
func (s *Store) LoadRecords(ctx context.Context) ([]timeline.DispensingRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT patient_id, generic_drug, issue_date, form, strength_amount,
		       strength_unit, pack_size, num_packs, supply_days
		FROM dispensing_records
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var records []timeline.DispensingRecord
	for rows.Next() {
		var (
			r      timeline.DispensingRecord
			unit   string
			supply *int32
		)
		if err := rows.Scan(&r.PatientID, &r.GenericDrug, &r.IssueDate, &r.Form,
			&r.StrengthAmount, &unit, &r.PackSize, &r.NumPacks, &supply); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		r.IssueDate = r.IssueDate.UTC()
		r.StrengthUnit = timeline.StrengthUnit(unit)
		if supply != nil {
			d := time.Duration(*supply) * timeline.Day
			r.SupplyDuration = &d
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// LoadBounds returns every stored cohort bound.
func (s *Store) LoadBounds(ctx context.Context) ([]timeline.CohortBounds, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT patient_id, min_global_issue_date, max_global_issue_date, date_of_death
		FROM cohort_bounds
		ORDER BY patient_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var bounds []timeline.CohortBounds
	for rows.Next() {
		var b timeline.CohortBounds
		if err := rows.Scan(&b.PatientID, &b.MinGlobalIssueDate, &b.MaxGlobalIssueDate, &b.DateOfDeath); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		b.MinGlobalIssueDate = b.MinGlobalIssueDate.UTC()
		b.MaxGlobalIssueDate = b.MaxGlobalIssueDate.UTC()
		if b.DateOfDeath != nil {
			d := b.DateOfDeath.UTC()
			b.DateOfDeath = &d
		}
		bounds = append(bounds, b)
	}
	return bounds, rows.Err()
}

// RunMeta describes a stored run.
type RunMeta struct {
	ID         string                   `json:"id"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Config     timeline.Config          `json:"config"`
	Exclusions timeline.ExclusionReport `json:"exclusions"`
	Records    int                      `json:"records"`
	Periods    int                      `json:"periods"`
}

// SaveRun stores a run's labeled records and periods and queues its events
// on the outbox, all in one transaction.
func (s *Store) SaveRun(ctx context.Context, meta RunMeta, res *timeline.Result, events []*timeline.Event, topic string) error {
	ctx, span := s.tracer.Start(ctx, "store.save_run",
		trace.WithAttributes(
			attribute.String("run_id", meta.ID),
			attribute.Int("records", len(res.Records)),
			attribute.Int("events", len(events)),
		))
	defer span.End()

	cfgJSON, err := json.Marshal(meta.Config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	exclJSON, err := json.Marshal(res.Exclusions)
	if err != nil {
		return fmt.Errorf("failed to encode exclusions: %w", err)
	}

	entries, err := EntriesFromEvents(topic, events)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO timeline_runs (id, started_at, finished_at, config, exclusions, records, periods)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, meta.ID, meta.StartedAt, meta.FinishedAt, cfgJSON, exclJSON, len(res.Records), len(res.Periods))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"labeled_records"}, labeledColumns,
		pgx.CopyFromSlice(len(res.Records), func(i int) ([]interface{}, error) {
			return labeledRow(meta.ID, i, res.Records[i]), nil
		})); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to copy labeled records: %w", err)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"treatment_periods"}, periodColumns,
		pgx.CopyFromSlice(len(res.Periods), func(i int) ([]interface{}, error) {
			p := res.Periods[i]
			return []interface{}{meta.ID, p.PatientID, p.Period, p.Drug, p.StartDate, p.EndDate,
				p.EndedByDiscontinuation, p.EndedBySwitch}, nil
		})); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to copy treatment periods: %w", err)
	}

	if _, err := enqueue(ctx, tx, entries); err != nil {
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	s.logger.Info("timeline run saved",
		zap.String("run_id", meta.ID),
		zap.Int("records", len(res.Records)),
		zap.Int("periods", len(res.Periods)),
		zap.Int("events", len(events)))
	return nil
}

// GetRun loads run metadata by id.
func (s *Store) GetRun(ctx context.Context, id string) (*RunMeta, error) {
	var (
		meta RunMeta
		cfgJSON, exclRaw []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, started_at, finished_at, config, exclusions, records, periods
		FROM timeline_runs WHERE id = $1
	`, id).Scan(&meta.ID, &meta.StartedAt, &meta.FinishedAt, &cfgJSON, &exclRaw, &meta.Records, &meta.Periods)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	if err := json.Unmarshal(cfgJSON, &meta.Config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := json.Unmarshal(exclRaw, &meta.Exclusions); err != nil {
		return nil, fmt.Errorf("failed to decode exclusions: %w", err)
	}
	return &meta, nil
}

var labeledColumns = []string{
	"run_id", "seq", "patient_id", "generic_drug", "issue_date", "next_issue_date",
	"gap_days", "expected_days", "expected_end_date", "interrupted", "discontinued",
	"discontinuation_count", "restarted", "is_switch", "switch_to_drug",
	"dose_per_day", "discrete_dose_per_day", "dose_intensity",
}

var periodColumns = []string{
	"run_id", "patient_id", "period", "drug", "start_date", "end_date",
	"ended_by_discontinuation", "ended_by_switch",
}

func labeledRow(runID string, seq int, r timeline.LabeledRecord) []interface{} {
	var intensity *string
	if r.DoseIntensity != nil {
		v := string(*r.DoseIntensity)
		intensity = &v
	}
	return []interface{}{
		runID, seq, r.PatientID, r.GenericDrug, r.IssueDate, r.NextIssueDate,
		durationDays(r.IssueGap), durationDays(r.ExpectedDuration), r.ExpectedEndDate,
		r.Interrupted, r.Discontinued, r.DiscontinuationCount, r.Restarted,
		r.IsSwitch, r.SwitchToDrug, r.DosePerDay, r.DiscreteDosePerDay, intensity,
	}
}

func supplyDays(d *time.Duration) *int32 {
	if d == nil {
		return nil
	}
	n := int32(*d / timeline.Day)
	return &n
}

func durationDays(d *time.Duration) *float64 {
	if d == nil {
		return nil
	}
	n := d.Hours() / 24
	return &n
}
