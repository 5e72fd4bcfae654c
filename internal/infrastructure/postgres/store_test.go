package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-rxtimeline/internal/domain/timeline"
)

func TestEntriesFromEvents(t *testing.T) {
	e, err := timeline.NewEvent("p1", timeline.EventSwitched, timeline.SwitchEventData{ToDrug: "rosuvastatin"})
	if err != nil {
		t.Fatalf("NewEvent() error = %v", err)
	}

	entries, err := EntriesFromEvents("timeline.events", []*timeline.Event{e})
	if err != nil {
		t.Fatalf("EntriesFromEvents() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len = %d, want 1", len(entries))
	}
	got := entries[0]
	if got.Key != "p1" || got.PatientID != "p1" {
		t.Errorf("entry = %+v", got)
	}
	if got.EventType != string(timeline.EventSwitched) || got.Topic != "timeline.events" {
		t.Errorf("entry = %+v", got)
	}

	var decoded timeline.Event
	if err := json.Unmarshal(got.Payload, &decoded); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if decoded.ID != e.ID {
		t.Errorf("payload id = %s, want %s", decoded.ID, e.ID)
	}
}

func TestDeadLetterPayload(t *testing.T) {
	msg := "broker unavailable"
	entry := Entry{
		PatientID: "p9",
		EventType: string(timeline.EventDiscontinued),
		Payload:   json.RawMessage(`{"id":"x"}`),
		Topic:     "timeline.events",
		Attempts:  5,
		LastError: &msg,
	}

	raw, err := deadLetterPayload(entry)
	if err != nil {
		t.Fatalf("deadLetterPayload() error = %v", err)
	}
	var dl deadLetter
	if err := json.Unmarshal(raw, &dl); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if dl.OriginalTopic != "timeline.events" || dl.PatientID != "p9" || dl.Attempts != 5 {
		t.Errorf("dead letter = %+v", dl)
	}
	if dl.LastError == nil || *dl.LastError != msg {
		t.Errorf("last error = %v", dl.LastError)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{20, time.Minute},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempts, time.Second, time.Minute); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestLabeledRowColumns(t *testing.T) {
	gap := 30 * timeline.Day
	high := timeline.IntensityHigh
	r := timeline.LabeledRecord{
		DispensingRecord: timeline.DispensingRecord{PatientID: "p1", GenericDrug: "atorvastatin"},
		IssueGap:         &gap,
		DoseIntensity:    &high,
	}

	row := labeledRow("run", 3, r)
	if len(row) != len(labeledColumns) {
		t.Fatalf("row has %d values for %d columns", len(row), len(labeledColumns))
	}
	if g := row[6].(*float64); g == nil || *g != 30 {
		t.Errorf("gap_days = %v", row[6])
	}
	if s := row[17].(*string); s == nil || *s != "high" {
		t.Errorf("dose_intensity = %v", row[17])
	}
}

func TestSupplyDays(t *testing.T) {
	if supplyDays(nil) != nil {
		t.Error("nil duration should stay nil")
	}
	d := 28*timeline.Day + 3*time.Hour
	if got := supplyDays(&d); got == nil || *got != 28 {
		t.Errorf("supplyDays = %v, want 28", got)
	}
}

// TestStoreRoundTrip needs a disposable database in TEST_DATABASE_URL.
func TestStoreRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	pool, err := Connect(ctx, url, 4)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer pool.Close()

	store := NewStore(pool, nil)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}

	patient := "store-test-" + uuid.NewString()
	start := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	var records []timeline.DispensingRecord
	for i := 0; i < 4; i++ {
		records = append(records, timeline.DispensingRecord{
			PatientID:      patient,
			GenericDrug:    "simvastatin",
			IssueDate:      start.Add(time.Duration(i*28) * timeline.Day),
			Form:           "tablet",
			StrengthAmount: 40,
			StrengthUnit:   timeline.UnitMilligram,
			PackSize:       28,
			NumPacks:       1,
		})
	}
	bounds := []timeline.CohortBounds{{
		PatientID:          patient,
		MinGlobalIssueDate: start.AddDate(-2, 0, 0),
		MaxGlobalIssueDate: start.AddDate(3, 0, 0),
	}}

	if _, err := store.ImportRecords(ctx, records); err != nil {
		t.Fatalf("ImportRecords() error = %v", err)
	}
	if err := store.ImportBounds(ctx, bounds); err != nil {
		t.Fatalf("ImportBounds() error = %v", err)
	}

	loaded, err := store.LoadRecords(ctx)
	if err != nil {
		t.Fatalf("LoadRecords() error = %v", err)
	}
	var mine []timeline.DispensingRecord
	for _, r := range loaded {
		if r.PatientID == patient {
			mine = append(mine, r)
		}
	}
	if len(mine) != len(records) {
		t.Fatalf("loaded %d records, want %d", len(mine), len(records))
	}

	engine, err := timeline.NewEngine(timeline.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	res, err := engine.Run(ctx, mine, bounds)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	events, err := timeline.EventsFromRecords(res.Records)
	if err != nil {
		t.Fatalf("EventsFromRecords() error = %v", err)
	}

	meta := RunMeta{
		ID:         uuid.NewString(),
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
		Config:     engine.Config(),
	}
	if err := store.SaveRun(ctx, meta, res, events, "timeline.events"); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	got, err := store.GetRun(ctx, meta.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Records != len(res.Records) || got.Periods != len(res.Periods) {
		t.Errorf("run = %+v", got)
	}
	if _, err := store.GetRun(ctx, uuid.NewString()); err != ErrRunNotFound {
		t.Errorf("GetRun(unknown) error = %v, want ErrRunNotFound", err)
	}
}

type recordingPublisher struct {
	fail map[string]bool
	sent []string
}

func (p *recordingPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	if p.fail[key] {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, key+"/"+string(value))
	return nil
}

// TestRelayKeepsPatientOrder needs a disposable database in TEST_DATABASE_URL.
func TestRelayKeepsPatientOrder(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	pool, err := Connect(ctx, url, 4)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer pool.Close()
	if err := NewStore(pool, nil).EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}

	ok, blocked := "ok-"+uuid.NewString(), "blocked-"+uuid.NewString()
	var entries []Entry
	for i, key := range []string{ok, blocked, ok, blocked} {
		entries = append(entries, Entry{
			PatientID: key,
			EventType: string(timeline.EventInterrupted),
			Topic:     "timeline.events",
			Key:       key,
			Payload:   json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
		})
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if _, err := enqueue(ctx, tx, entries); err != nil {
		t.Fatalf("enqueue() error = %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	pub := &recordingPublisher{fail: map[string]bool{blocked: true}}
	cfg := DefaultRelayConfig()
	cfg.BatchSize = 1000
	relay := NewRelay(pool, pub, cfg, nil)
	relay.ProcessBatch(ctx)

	var mine []string
	for _, s := range pub.sent {
		if strings.HasPrefix(s, ok) || strings.HasPrefix(s, blocked) {
			mine = append(mine, s)
		}
	}
	want := []string{ok + `/{"seq": 0}`, ok + `/{"seq": 2}`}
	if len(mine) != len(want) || mine[0] != want[0] || mine[1] != want[1] {
		t.Errorf("published = %v, want %v", mine, want)
	}

	var attempts []int
	rows, err := pool.Query(ctx, `SELECT attempts FROM outbox WHERE msg_key = $1 ORDER BY id`, blocked)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for rows.Next() {
		var a int
		if err := rows.Scan(&a); err != nil {
			t.Fatalf("scan: %v", err)
		}
		attempts = append(attempts, a)
	}
	rows.Close()
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 0 {
		t.Errorf("blocked attempts = %v, want [1 0]", attempts)
	}
}
