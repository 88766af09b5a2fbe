package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"intelligence-coordinator/internal/database"
	"intelligence-coordinator/internal/models"
)

// Admission errors. Both are retryable by the caller.
var (
	// ErrQueueTimeout means the caller waited past its timeout without
	// reaching the head of the queue.
	ErrQueueTimeout = errors.New("queue admission timed out")

	// ErrTicketLost means the ticket was evicted by the housekeeping sweep
	// before admission.
	ErrTicketLost = errors.New("queue ticket lost")
)

// AdmissionQueue is a persisted FIFO ticket queue that admits one producer
// at a time to the dispatch step. It provides ordering hints via a
// read-sorted, poll-and-recheck protocol over the shared ticket table, not
// mutual exclusion: correctness across coordinator instances comes from the
// strict (created_at, global_id) total order plus the compare-and-set on
// dispatch.
type AdmissionQueue struct {
	db           *database.DB
	pollInterval time.Duration
	waitTimeout  time.Duration
}

// New creates an admission queue polling at pollInterval with a per-call
// admission budget of waitTimeout.
func New(db *database.DB, pollInterval, waitTimeout time.Duration) *AdmissionQueue {
	return &AdmissionQueue{
		db:           db,
		pollInterval: pollInterval,
		waitTimeout:  waitTimeout,
	}
}

// Enqueue inserts a ticket for the producer and returns its global ID.
// Ticket IDs are time-ordered (UUIDv7) so the global_id tie-break preserves
// arrival order for tickets created within the same millisecond.
func (q *AdmissionQueue) Enqueue(producerGlobalID string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate ticket id: %w", err)
	}
	ticket := &models.Ticket{
		GlobalID:         id.String(),
		ProducerGlobalID: producerGlobalID,
		CreatedAt:        time.Now(),
	}
	if err := q.db.InsertTicket(ticket); err != nil {
		return "", fmt.Errorf("enqueue ticket: %w", err)
	}
	return ticket.GlobalID, nil
}

// IsHead reports whether ticketID is the head of the queue: no other live
// ticket has an earlier (created_at, global_id) key.
func (q *AdmissionQueue) IsHead(ticketID string) (bool, error) {
	head, err := q.db.HeadTicketID()
	if err != nil {
		return false, fmt.Errorf("query head ticket: %w", err)
	}
	return head == ticketID, nil
}

// WaitForHead blocks until ticketID is head of the queue, rechecking at the
// poll interval. It fails with ErrTicketLost as soon as the ticket is
// observed missing (swept), and with ErrQueueTimeout once the wait budget or
// ctx expires. The ticket is not released here; callers must Release on
// every exit path.
func (q *AdmissionQueue) WaitForHead(ctx context.Context, ticketID string) error {
	deadline := time.NewTimer(q.waitTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		exists, err := q.db.TicketExists(ticketID)
		if err != nil {
			return fmt.Errorf("check ticket %s: %w", ticketID, err)
		}
		if !exists {
			return ErrTicketLost
		}

		isHead, err := q.IsHead(ticketID)
		if err != nil {
			return err
		}
		if isHead {
			return nil
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return ErrQueueTimeout
		case <-ctx.Done():
			return ErrQueueTimeout
		}
	}
}

// Release removes the ticket. Idempotent: releasing an already-absent
// ticket is a no-op.
func (q *AdmissionQueue) Release(ticketID string) error {
	if err := q.db.DeleteTicket(ticketID); err != nil {
		return fmt.Errorf("release ticket %s: %w", ticketID, err)
	}
	return nil
}

// SweepExpired evicts every ticket older than maxAge and returns the number
// removed. Invoked by the housekeeping sweep, never by request handlers.
// Eviction may promote a later ticket to head; a swept ticket represents an
// abandoned caller.
func (q *AdmissionQueue) SweepExpired(maxAge time.Duration) (int64, error) {
	n, err := q.db.SweepTickets(time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("sweep tickets: %w", err)
	}
	if n > 0 {
		log.Printf("[SWEEP] Evicted %d stale tickets (max age %v)", n, maxAge)
	}
	return n, nil
}

// Depth returns the current number of live tickets.
func (q *AdmissionQueue) Depth() (int64, error) {
	return q.db.CountTickets()
}
