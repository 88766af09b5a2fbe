package models

import "time"

// State is the lifecycle state of an intelligence.
type State string

// Lifecycle states
const (
	StateConfigured State = "CONFIGURED"
	StateDispatched State = "DISPATCHED"
	StateFinished   State = "FINISHED"
	StateFailed     State = "FAILED"
)

// transitions is the closed set of legal state changes. An intelligence is
// re-queued (DISPATCHED -> CONFIGURED) when its producer reports a retryable
// failure.
var transitions = map[State][]State{
	StateConfigured: {StateDispatched},
	StateDispatched: {StateConfigured, StateFinished, StateFailed},
	StateFinished:   {},
	StateFailed:     {},
}

// ValidState reports whether s is a known lifecycle state.
func ValidState(s State) bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from -> to is a legal lifecycle transition.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed
}

// Ticket is one pending admission request in the dispatch queue.
// Tickets are ordered by (CreatedAt, GlobalID); a ticket lives for at most
// the duration of one request-work call plus one sweep interval.
type Ticket struct {
	GlobalID         string    `json:"global_id"`
	ProducerGlobalID string    `json:"producer_global_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// ProducerAttempt records which producer last worked an intelligence.
type ProducerAttempt struct {
	GlobalID  string     `json:"global_id"`
	Type      string     `json:"type"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Intelligence is one unit of collection work with a bounded-retry lifecycle.
type Intelligence struct {
	GlobalID              string           `json:"global_id"`
	RetailerGlobalID      string           `json:"retailer_global_id"`
	SuitableProducerTypes []string         `json:"suitable_producer_types"`
	SecurityScope         string           `json:"security_scope,omitempty"`
	Priority              int              `json:"priority"`
	State                 State            `json:"state"`
	FailuresNumber        int              `json:"failures_number"`
	FailuresReason        string           `json:"failures_reason,omitempty"`
	AssignedProducer      *ProducerAttempt `json:"assigned_producer,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	ModifiedAt            time.Time        `json:"modified_at"`
}

// SuitableFor reports whether producerType may work this intelligence.
func (i *Intelligence) SuitableFor(producerType string) bool {
	for _, t := range i.SuitableProducerTypes {
		if t == producerType {
			return true
		}
	}
	return false
}

// HistoryRecord is the immutable terminal copy of an intelligence. Once a
// history record exists the active record must not.
type HistoryRecord struct {
	Intelligence
	ArchivedAt time.Time `json:"archived_at"`
}

// OutcomeReport is one producer-reported result for a dispatched intelligence.
type OutcomeReport struct {
	GlobalID         string `json:"global_id"`
	State            State  `json:"state"` // FINISHED or FAILED
	FailuresReason   string `json:"failures_reason,omitempty"`
	ProducerGlobalID string `json:"producer_global_id"`
	ProducerType     string `json:"producer_type,omitempty"`
}

// ReportAck is the per-item acknowledgement for one outcome report.
type ReportAck struct {
	GlobalID    string `json:"global_id"`
	Disposition string `json:"disposition"` // retried, archived
	Error       string `json:"error,omitempty"`
}

// Report dispositions
const (
	DispositionRetried  = "retried"
	DispositionArchived = "archived"
)

// Producer is a directory entry for a registered scraping worker.
type Producer struct {
	GlobalID     string `json:"global_id"`
	SecurityKey  string `json:"-"`
	State        string `json:"state"`
	DeclaredType string `json:"declared_type"`
}

// ProducerStateActive is the only directory state allowed to receive work.
const ProducerStateActive = "ACTIVE"

// Metrics holds coordinator counters for the monitor feed.
type Metrics struct {
	QueueDepth         int64 `json:"queue_depth"`
	ConfiguredItems    int64 `json:"configured_items"`
	DispatchedItems    int64 `json:"dispatched_items"`
	ArchivedFinished   int64 `json:"archived_finished"`
	ArchivedFailed     int64 `json:"archived_failed"`
	TotalFailuresCount int64 `json:"total_failures_count"`
}
