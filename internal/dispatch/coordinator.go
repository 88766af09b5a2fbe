package dispatch

import (
	"context"
	"database/sql"
	"log"
	"time"

	"intelligence-coordinator/internal/database"
	"intelligence-coordinator/internal/models"
	"intelligence-coordinator/internal/queue"
)

// Coordinator exposes the two logical operations of the dispatch core:
// RequestWork (enqueue -> wait for head -> select eligible -> release) and
// ReportResults (classify each item, re-queue or archive).
type Coordinator struct {
	db         *database.DB
	queue      *queue.AdmissionQueue
	filter     *EligibilityFilter
	accountant *RetryAccountant
	archiver   *HistoryArchiver
	onUpdate   func() // callback for broadcasting updates
}

func NewCoordinator(db *database.DB, q *queue.AdmissionQueue, filter *EligibilityFilter, maxFailures int, onUpdate func()) *Coordinator {
	return &Coordinator{
		db:         db,
		queue:      q,
		filter:     filter,
		accountant: &RetryAccountant{MaxFailures: maxFailures},
		archiver:   NewHistoryArchiver(db),
		onUpdate:   onUpdate,
	}
}

// RequestWork admits the producer through the FIFO ticket queue and returns
// its eligible batch, with each returned item moved CONFIGURED -> DISPATCHED.
// The admission ticket is released on every exit path.
func (c *Coordinator) RequestWork(ctx context.Context, producerGlobalID, securityKey string) ([]models.Intelligence, error) {
	ticketID, err := c.queue.Enqueue(producerGlobalID)
	if err != nil {
		return nil, err
	}
	defer func() {
		// Release must run even on error paths; an orphaned ticket blocks
		// every later arrival until the sweep catches it.
		if err := c.queue.Release(ticketID); err != nil {
			log.Printf("[ERROR] Failed to release ticket %s: %v", ticketID, err)
		}
	}()

	if err := c.queue.WaitForHead(ctx, ticketID); err != nil {
		return nil, err
	}

	producer, items, err := c.filter.SelectEligible(producerGlobalID, securityKey)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	dispatched := make([]models.Intelligence, 0, len(items))
	for _, item := range items {
		started := now
		attempt := models.ProducerAttempt{
			GlobalID:  producer.GlobalID,
			Type:      producer.DeclaredType,
			StartedAt: &started,
		}

		won, err := c.db.MarkDispatched(item.GlobalID, attempt, now)
		if err != nil {
			log.Printf("[ERROR] Failed to dispatch intelligence %s: %v", item.GlobalID, err)
			continue
		}
		if !won {
			// Another admitted producer claimed it first.
			continue
		}

		item.State = models.StateDispatched
		item.AssignedProducer = &attempt
		item.ModifiedAt = now
		dispatched = append(dispatched, item)
	}

	log.Printf("[ADMIT] Producer=%s Ticket=%s Dispatched=%d", producerGlobalID, ticketID, len(dispatched))
	c.notify()
	return dispatched, nil
}

// ReportResults processes a batch of producer outcome reports as independent
// per-item classifications. One item's failure never aborts the rest; each
// ack carries its own error if any.
func (c *Coordinator) ReportResults(ctx context.Context, reports []models.OutcomeReport) []models.ReportAck {
	acks := make([]models.ReportAck, 0, len(reports))
	for i := range reports {
		select {
		case <-ctx.Done():
			acks = append(acks, models.ReportAck{GlobalID: reports[i].GlobalID, Error: ctx.Err().Error()})
			continue
		default:
		}
		acks = append(acks, c.reportOne(&reports[i]))
	}
	c.notify()
	return acks
}

func (c *Coordinator) reportOne(report *models.OutcomeReport) models.ReportAck {
	ack := models.ReportAck{GlobalID: report.GlobalID}

	rec, err := c.db.GetIntelligenceByID(report.GlobalID)
	if err == sql.ErrNoRows {
		// A re-delivered report for an already-archived item acks as
		// archived instead of failing, keeping reportResults retry-safe.
		if _, herr := c.db.GetHistoryByID(report.GlobalID); herr == nil {
			ack.Disposition = models.DispositionArchived
			return ack
		}
		ack.Error = "unknown intelligence"
		return ack
	}
	if err != nil {
		log.Printf("[ERROR] Failed to load intelligence %s: %v", report.GlobalID, err)
		ack.Error = "persistence failure"
		return ack
	}

	now := time.Now()
	cls, err := c.accountant.Classify(rec, report, now)
	if err != nil {
		ack.Error = err.Error()
		return ack
	}

	if cls.Terminal {
		if err := c.archiver.Archive(cls.Record, now); err != nil {
			log.Printf("[ERROR] Failed to archive intelligence %s: %v", report.GlobalID, err)
			ack.Error = "persistence failure"
			return ack
		}
		ack.Disposition = models.DispositionArchived
		return ack
	}

	if err := c.db.UpdateForRetry(cls.Record); err != nil {
		log.Printf("[ERROR] Failed to update intelligence %s for retry: %v", report.GlobalID, err)
		ack.Error = "persistence failure"
		return ack
	}
	log.Printf("[RETRY] GlobalID=%s Failures=%d Reason=%q", report.GlobalID, cls.Record.FailuresNumber, cls.Record.FailuresReason)
	ack.Disposition = models.DispositionRetried
	return ack
}

func (c *Coordinator) notify() {
	if c.onUpdate != nil {
		c.onUpdate()
	}
}
