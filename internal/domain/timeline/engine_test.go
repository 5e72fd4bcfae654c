package timeline

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestEngineRejectsMalformedPatientOnly(t *testing.T) {
	bad := fill("bad", "simvastatin", 30)
	bad.PackSize = -30
	records := []DispensingRecord{
		fill("good", "simvastatin", 0),
		fill("bad", "simvastatin", 0),
		bad,
		fill("good", "simvastatin", 30),
		fill("bad", "simvastatin", 60),
	}
	res := runEngine(t, DefaultConfig(), records, []CohortBounds{boundsFor("good", 1000), boundsFor("bad", 1000)})

	if len(res.Rejects) != 1 {
		t.Fatalf("rejects = %+v, want 1", res.Rejects)
	}
	rej := res.Rejects[0]
	if rej.PatientID != "bad" || rej.RecordIndex != 2 || !errors.Is(rej, ErrNegativeQuantity) {
		t.Errorf("reject = %+v", rej)
	}
	for _, r := range res.Records {
		if r.PatientID == "bad" {
			t.Fatalf("rejected patient has output record %+v", r)
		}
	}
	if len(res.Records) != 2 {
		t.Errorf("records = %d, want 2", len(res.Records))
	}
	if res.Exclusions.RejectedPatients != 1 || res.Exclusions.RejectedRecords != 3 {
		t.Errorf("exclusions = %+v", res.Exclusions)
	}
}

func TestEngineCountsMissingBounds(t *testing.T) {
	records := []DispensingRecord{
		fill("a", "simvastatin", 0),
		fill("a", "simvastatin", 30),
		fill("b", "simvastatin", 0),
	}
	res := runEngine(t, DefaultConfig(), records, []CohortBounds{boundsFor("a", 1000)})
	if res.Exclusions.PatientsWithoutBounds != 1 {
		t.Errorf("patients without bounds = %d, want 1", res.Exclusions.PatientsWithoutBounds)
	}
}

func TestEngineOutputOrder(t *testing.T) {
	records := []DispensingRecord{
		fill("z", "simvastatin", 60),
		fill("a", "simvastatin", 30),
		fill("z", "simvastatin", 0),
		fill("a", "simvastatin", 0),
	}
	res := runEngine(t, DefaultConfig(), records, nil)

	var got []string
	for _, r := range res.Records {
		got = append(got, r.PatientID)
	}
	if want := []string{"z", "z", "a", "a"}; !reflect.DeepEqual(got, want) {
		t.Errorf("patient order = %v, want %v", got, want)
	}
	if !res.Records[0].IssueDate.Equal(on(0)) || res.Records[0].Seq() != 2 {
		t.Errorf("first record = %v seq %d", res.Records[0].IssueDate, res.Records[0].Seq())
	}
}

func TestEngineDeterministicAcrossWorkers(t *testing.T) {
	var records []DispensingRecord
	var bounds []CohortBounds
	for p := 0; p < 40; p++ {
		id := string(rune('A'+p%26)) + string(rune('a'+p/26))
		step := 25 + p%10
		for n := 0; n < 12; n++ {
			drug := "simvastatin"
			if n > 8 && p%3 == 0 {
				drug = "atorvastatin"
			}
			records = append(records, fill(id, drug, n*step))
		}
		bounds = append(bounds, boundsFor(id, 600+p*10))
	}

	serial := DefaultConfig()
	serial.Workers = 1
	parallel := DefaultConfig()
	parallel.Workers = 16

	a := runEngine(t, serial, records, bounds)
	b := runEngine(t, parallel, records, bounds)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("results differ between serial and parallel runs")
	}
}

func TestEngineCancelled(t *testing.T) {
	e, err := NewEngine(DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Run(ctx, []DispensingRecord{fill("a", "simvastatin", 0)}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	stages   []string
	records  int
	rejected int
	events   map[EventType]int
}

func (o *recordingObserver) ObserveStage(stage string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages = append(o.stages, stage)
}

func (o *recordingObserver) AddRecords(n int)        { o.records += n }
func (o *recordingObserver) AddRejected(n int)       { o.rejected += n }
func (o *recordingObserver) AddExcludedStrata(n int) {}
func (o *recordingObserver) AddEvents(kind EventType, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.events == nil {
		o.events = make(map[EventType]int)
	}
	o.events[kind] += n
}

func TestEngineObserver(t *testing.T) {
	obs := &recordingObserver{}
	e, err := NewEngine(DefaultConfig(), nil, WithObserver(obs))
	if err != nil {
		t.Fatal(err)
	}
	records := []DispensingRecord{
		fill("p1", "simvastatin", 0),
		fill("p1", "simvastatin", 30),
		fill("p1", "simvastatin", 60),
		fill("p1", "atorvastatin", 90),
		fill("p1", "atorvastatin", 120),
	}
	if _, err := e.Run(context.Background(), records, []CohortBounds{boundsFor("p1", 1000)}); err != nil {
		t.Fatal(err)
	}

	want := []string{StageIngest, StageGaps, StageDurations, StageLabel, StageAssemble}
	if !reflect.DeepEqual(obs.stages, want) {
		t.Errorf("stages = %v, want %v", obs.stages, want)
	}
	if obs.records != 5 {
		t.Errorf("records = %d, want 5", obs.records)
	}
	if obs.events[EventSwitched] != 1 {
		t.Errorf("switch events = %d, want 1", obs.events[EventSwitched])
	}
}

func TestEngineNormalizesStrengthUnit(t *testing.T) {
	upper := fill("a", "atorvastatin", 0)
	upper.StrengthAmount, upper.StrengthUnit = 20000, "MCG"
	lower := fill("a", "atorvastatin", 30)
	lower.StrengthAmount, lower.StrengthUnit = 20000, " mcg"

	res := runEngine(t, DefaultConfig(), []DispensingRecord{upper, lower}, []CohortBounds{boundsFor("a", 1000)})

	for _, n := range []int{0, 30} {
		r := recordOn(t, res, "a", "atorvastatin", n)
		if r.StrengthUnit != UnitMicrogram {
			t.Errorf("day %d unit = %q, want %q", n, r.StrengthUnit, UnitMicrogram)
		}
		if r.StandardStrength != 20 || r.StandardUnit != UnitMilligram {
			t.Errorf("day %d standard strength = %v %s, want 20 mg", n, r.StandardStrength, r.StandardUnit)
		}
	}
	if len(res.Strata) != 1 {
		t.Errorf("strata = %+v, want a single mcg stratum", res.Strata)
	}
}
