package sweeper

import (
	"context"
	"log"
	"time"

	"intelligence-coordinator/internal/queue"
)

// Sweeper periodically evicts stale admission tickets left behind by
// crashed or disconnected producers, self-healing the queue. It is safe to
// run alongside live request-work calls: eviction is a single delete over
// the shared ticket table and cannot corrupt ordering for survivors.
type Sweeper struct {
	queue    *queue.AdmissionQueue
	interval time.Duration
	maxAge   time.Duration
	ctx      context.Context
	onUpdate func() // callback for broadcasting updates
}

// New creates a sweeper evicting tickets older than maxAge every interval.
func New(q *queue.AdmissionQueue, interval, maxAge time.Duration, ctx context.Context, onUpdate func()) *Sweeper {
	return &Sweeper{
		queue:    q,
		interval: interval,
		maxAge:   maxAge,
		ctx:      ctx,
		onUpdate: onUpdate,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start() {
	log.Printf("[SWEEP] Started (interval=%v maxAge=%v)", s.interval, s.maxAge)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Println("[SWEEP] Shutting down")
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce performs a single sweep pass.
func (s *Sweeper) RunOnce() {
	n, err := s.queue.SweepExpired(s.maxAge)
	if err != nil {
		log.Printf("[ERROR] Housekeeping sweep failed: %v", err)
		return
	}
	if n > 0 && s.onUpdate != nil {
		s.onUpdate()
	}
}
