package dispatch

import (
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"intelligence-coordinator/internal/database"
	"intelligence-coordinator/internal/directory"
	"intelligence-coordinator/internal/models"
)

func errNotFoundForTest(id string) error {
	return fmt.Errorf("producer %s: %w", id, directory.ErrNotFound)
}

func errMismatchForTest(id string) error {
	return fmt.Errorf("producer %s: %w", id, directory.ErrOwnershipMismatch)
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// fakeProducerDirectory implements directory.ProducerDirectory for tests.
type fakeProducerDirectory struct {
	producers map[string]*models.Producer
	err       error
}

func (f *fakeProducerDirectory) Get(globalID, securityKey string) (*models.Producer, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.producers[globalID]
	if !ok {
		return nil, errNotFoundForTest(globalID)
	}
	if p.SecurityKey != securityKey {
		return nil, errMismatchForTest(globalID)
	}
	return p, nil
}

// fakeRetailerDirectory implements directory.RetailerDirectory for tests.
type fakeRetailerDirectory struct {
	active map[string]bool
}

func (f *fakeRetailerDirectory) Exists(globalID string) (bool, error) {
	return f.active[globalID], nil
}

func insertConfigured(t *testing.T, db *database.DB, rec models.Intelligence) {
	t.Helper()
	if rec.State == "" {
		rec.State = models.StateConfigured
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.ModifiedAt.IsZero() {
		rec.ModifiedAt = rec.CreatedAt
	}
	if err := db.InsertIntelligence(&rec); err != nil {
		t.Fatalf("insert intelligence %s: %v", rec.GlobalID, err)
	}
}
