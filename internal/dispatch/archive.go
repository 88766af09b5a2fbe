package dispatch

import (
	"fmt"
	"log"
	"time"

	"intelligence-coordinator/internal/database"
	"intelligence-coordinator/internal/models"
)

// HistoryArchiver moves terminal intelligences into the append-only history
// store.
type HistoryArchiver struct {
	db *database.DB
}

func NewHistoryArchiver(db *database.DB) *HistoryArchiver {
	return &HistoryArchiver{db: db}
}

// Archive writes the immutable terminal copy and removes the active record.
// Idempotent under retry: the history insert is keyed on global_id and
// ignores duplicates, and deleting an already-absent active record is a
// no-op, so a crash between the two steps converges on the next attempt.
func (h *HistoryArchiver) Archive(final *models.Intelligence, now time.Time) error {
	if !final.State.Terminal() {
		return fmt.Errorf("archive intelligence %s: state %s is not terminal", final.GlobalID, final.State)
	}

	rec := &models.HistoryRecord{
		Intelligence: *final,
		ArchivedAt:   now,
	}
	if err := h.db.InsertHistory(rec); err != nil {
		return fmt.Errorf("insert history %s: %w", final.GlobalID, err)
	}
	if err := h.db.DeleteIntelligence(final.GlobalID); err != nil {
		return fmt.Errorf("delete archived intelligence %s: %w", final.GlobalID, err)
	}

	log.Printf("[ARCHIVE] GlobalID=%s State=%s Failures=%d", final.GlobalID, final.State, final.FailuresNumber)
	return nil
}
