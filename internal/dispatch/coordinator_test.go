package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"intelligence-coordinator/internal/database"
	"intelligence-coordinator/internal/directory"
	"intelligence-coordinator/internal/models"
	"intelligence-coordinator/internal/queue"
)

func newTestCoordinator(t *testing.T, maxFailures, batchSize int) (*Coordinator, *database.DB) {
	t.Helper()
	db := newTestDB(t)

	if err := db.UpsertProducer(&models.Producer{
		GlobalID: "prod-1", SecurityKey: "key-1",
		State: models.ProducerStateActive, DeclaredType: "crawler",
	}); err != nil {
		t.Fatalf("seed producer: %v", err)
	}
	if err := db.UpsertRetailer("ret-1", true); err != nil {
		t.Fatalf("seed retailer: %v", err)
	}

	q := queue.New(db, 5*time.Millisecond, time.Second)
	dir := directory.NewSQLDirectory(db)
	filter := NewEligibilityFilter(db, dir, dir, batchSize)
	return NewCoordinator(db, q, filter, maxFailures, nil), db
}

func TestRequestWorkDispatchesAndReleasesTicket(t *testing.T) {
	coord, db := newTestCoordinator(t, 3, 10)

	insertConfigured(t, db, models.Intelligence{
		GlobalID: "int-1", RetailerGlobalID: "ret-1",
		SuitableProducerTypes: []string{"crawler"},
	})

	items, err := coord.RequestWork(context.Background(), "prod-1", "key-1")
	if err != nil {
		t.Fatalf("request work: %v", err)
	}
	if len(items) != 1 || items[0].GlobalID != "int-1" {
		t.Fatalf("items = %+v, want [int-1]", items)
	}
	if items[0].State != models.StateDispatched {
		t.Errorf("returned state = %s, want DISPATCHED", items[0].State)
	}

	stored, err := db.GetIntelligenceByID("int-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.State != models.StateDispatched {
		t.Errorf("stored state = %s, want DISPATCHED", stored.State)
	}
	if stored.AssignedProducer == nil || stored.AssignedProducer.GlobalID != "prod-1" {
		t.Errorf("assigned producer = %+v", stored.AssignedProducer)
	}

	// No ticket leak: the queue is back at its pre-call baseline.
	depth, err := db.CountTickets()
	if err != nil || depth != 0 {
		t.Errorf("ticket depth after call = %d (err=%v), want 0", depth, err)
	}
}

func TestRequestWorkReleasesTicketOnFailure(t *testing.T) {
	coord, db := newTestCoordinator(t, 3, 10)

	_, err := coord.RequestWork(context.Background(), "prod-1", "wrong-key")
	if !errors.Is(err, directory.ErrOwnershipMismatch) {
		t.Fatalf("expected ErrOwnershipMismatch, got %v", err)
	}

	depth, err := db.CountTickets()
	if err != nil || depth != 0 {
		t.Errorf("ticket depth after failed call = %d (err=%v), want 0", depth, err)
	}
}

func TestRequestWorkEmptyBatch(t *testing.T) {
	coord, _ := newTestCoordinator(t, 3, 10)

	items, err := coord.RequestWork(context.Background(), "prod-1", "key-1")
	if err != nil {
		t.Fatalf("request work: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("items = %+v, want empty", items)
	}
}

func TestReportResultsFinished(t *testing.T) {
	coord, db := newTestCoordinator(t, 3, 10)

	insertConfigured(t, db, models.Intelligence{
		GlobalID: "int-1", RetailerGlobalID: "ret-1",
		SuitableProducerTypes: []string{"crawler"},
	})
	if _, err := coord.RequestWork(context.Background(), "prod-1", "key-1"); err != nil {
		t.Fatalf("request work: %v", err)
	}

	acks := coord.ReportResults(context.Background(), []models.OutcomeReport{{
		GlobalID:         "int-1",
		State:            models.StateFinished,
		ProducerGlobalID: "prod-1",
	}})
	if len(acks) != 1 {
		t.Fatalf("acks = %+v", acks)
	}
	if acks[0].Error != "" || acks[0].Disposition != models.DispositionArchived {
		t.Fatalf("ack = %+v, want archived", acks[0])
	}

	hist, err := db.GetHistoryByID("int-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if hist.State != models.StateFinished || hist.FailuresReason != "" {
		t.Errorf("history = state:%s reason:%q, want FINISHED with empty reason", hist.State, hist.FailuresReason)
	}
	if _, err := db.GetIntelligenceByID("int-1"); err != sql.ErrNoRows {
		t.Errorf("active record must be gone, got %v", err)
	}
}

// Fail the same item until its budget (max=2) is spent: two retries, then
// terminal archival with failures_number=3 and the reason retained.
func TestReportResultsRetryUntilExhaustion(t *testing.T) {
	coord, db := newTestCoordinator(t, 2, 10)

	insertConfigured(t, db, models.Intelligence{
		GlobalID: "int-1", RetailerGlobalID: "ret-1",
		SuitableProducerTypes: []string{"crawler"},
	})

	report := models.OutcomeReport{
		GlobalID:         "int-1",
		State:            models.StateFailed,
		FailuresReason:   "selector drift",
		ProducerGlobalID: "prod-1",
	}

	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := coord.RequestWork(context.Background(), "prod-1", "key-1"); err != nil {
			t.Fatalf("request %d: %v", attempt, err)
		}

		acks := coord.ReportResults(context.Background(), []models.OutcomeReport{report})
		if acks[0].Disposition != models.DispositionRetried || acks[0].Error != "" {
			t.Fatalf("attempt %d ack = %+v, want retried", attempt, acks[0])
		}

		rec, err := db.GetIntelligenceByID("int-1")
		if err != nil {
			t.Fatalf("get after attempt %d: %v", attempt, err)
		}
		if rec.State != models.StateConfigured {
			t.Fatalf("attempt %d: state = %s, want CONFIGURED for re-dispatch", attempt, rec.State)
		}
		if rec.FailuresNumber != attempt {
			t.Fatalf("attempt %d: failures = %d", attempt, rec.FailuresNumber)
		}
	}

	if _, err := coord.RequestWork(context.Background(), "prod-1", "key-1"); err != nil {
		t.Fatalf("final request: %v", err)
	}
	acks := coord.ReportResults(context.Background(), []models.OutcomeReport{report})
	if acks[0].Disposition != models.DispositionArchived {
		t.Fatalf("final ack = %+v, want archived", acks[0])
	}

	hist, err := db.GetHistoryByID("int-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if hist.State != models.StateFailed || hist.FailuresNumber != 3 {
		t.Errorf("history = state:%s failures:%d, want FAILED with 3", hist.State, hist.FailuresNumber)
	}
	if hist.FailuresReason != "selector drift" {
		t.Errorf("history reason = %q, want retained", hist.FailuresReason)
	}
}

func TestReportResultsIsolatesPerItemFailures(t *testing.T) {
	coord, db := newTestCoordinator(t, 3, 10)

	insertConfigured(t, db, models.Intelligence{
		GlobalID: "int-good", RetailerGlobalID: "ret-1",
		SuitableProducerTypes: []string{"crawler"},
	})
	if _, err := coord.RequestWork(context.Background(), "prod-1", "key-1"); err != nil {
		t.Fatalf("request work: %v", err)
	}

	acks := coord.ReportResults(context.Background(), []models.OutcomeReport{
		{GlobalID: "int-ghost", State: models.StateFinished, ProducerGlobalID: "prod-1"},
		{GlobalID: "int-good", State: models.StateFinished, ProducerGlobalID: "prod-1"},
	})
	if len(acks) != 2 {
		t.Fatalf("acks = %+v", acks)
	}
	if acks[0].Error == "" {
		t.Error("unknown intelligence must ack with an error")
	}
	if acks[1].Error != "" || acks[1].Disposition != models.DispositionArchived {
		t.Errorf("good item must still be processed, ack = %+v", acks[1])
	}
}

func TestReportResultsRedeliveredAfterArchive(t *testing.T) {
	coord, db := newTestCoordinator(t, 3, 10)

	insertConfigured(t, db, models.Intelligence{
		GlobalID: "int-1", RetailerGlobalID: "ret-1",
		SuitableProducerTypes: []string{"crawler"},
	})
	if _, err := coord.RequestWork(context.Background(), "prod-1", "key-1"); err != nil {
		t.Fatalf("request work: %v", err)
	}

	report := []models.OutcomeReport{{
		GlobalID: "int-1", State: models.StateFinished, ProducerGlobalID: "prod-1",
	}}
	first := coord.ReportResults(context.Background(), report)
	if first[0].Disposition != models.DispositionArchived {
		t.Fatalf("first report ack = %+v", first[0])
	}

	// A redelivered report for an archived item acks archived, not an error.
	second := coord.ReportResults(context.Background(), report)
	if second[0].Error != "" || second[0].Disposition != models.DispositionArchived {
		t.Errorf("redelivered ack = %+v, want archived", second[0])
	}
}

func TestRequestWorkFIFOAcrossWaiters(t *testing.T) {
	coord, db := newTestCoordinator(t, 3, 1)

	if err := db.UpsertProducer(&models.Producer{
		GlobalID: "prod-2", SecurityKey: "key-2",
		State: models.ProducerStateActive, DeclaredType: "crawler",
	}); err != nil {
		t.Fatalf("seed producer: %v", err)
	}

	insertConfigured(t, db, models.Intelligence{
		GlobalID: "int-1", RetailerGlobalID: "ret-1",
		SuitableProducerTypes: []string{"crawler"},
	})
	insertConfigured(t, db, models.Intelligence{
		GlobalID: "int-2", RetailerGlobalID: "ret-1",
		SuitableProducerTypes: []string{"crawler"},
	})

	type result struct {
		producer string
		items    []models.Intelligence
		err      error
	}
	results := make(chan result, 2)

	run := func(producer, key string) {
		items, err := coord.RequestWork(context.Background(), producer, key)
		results <- result{producer: producer, items: items, err: err}
	}
	go run("prod-1", "key-1")
	go run("prod-2", "key-2")

	claimed := map[string]int{}
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("%s: %v", r.producer, r.err)
		}
		for _, item := range r.items {
			claimed[item.GlobalID]++
		}
	}

	// Serialized admission plus the dispatch compare-and-set: every item is
	// claimed at most once.
	for id, n := range claimed {
		if n > 1 {
			t.Errorf("intelligence %s dispatched %d times", id, n)
		}
	}
	if depth, _ := db.CountTickets(); depth != 0 {
		t.Errorf("ticket depth = %d, want 0", depth)
	}
}
