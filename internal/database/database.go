package database

import (
	"database/sql"
	"encoding/json"
	"time"

	"intelligence-coordinator/internal/models"
)

// DB wraps the SQL database with helper methods. Every mutation is a
// single-record statement; no multi-record transaction is assumed to be
// available across coordinator instances.
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dataSourceName string) (*DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}
	return &DB{db}, nil
}

// InitSchema initializes the database schema
func (db *DB) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tickets (
		global_id TEXT PRIMARY KEY,
		producer_global_id TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ticket_order ON tickets(created_at_ms, global_id);

	CREATE TABLE IF NOT EXISTS intelligences (
		global_id TEXT PRIMARY KEY,
		retailer_global_id TEXT NOT NULL,
		suitable_producer_types TEXT NOT NULL,
		security_scope TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		failures_number INTEGER NOT NULL DEFAULT 0,
		failures_reason TEXT,
		producer_global_id TEXT,
		producer_type TEXT,
		started_at DATETIME,
		ended_at DATETIME,
		created_at DATETIME NOT NULL,
		modified_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_intel_state ON intelligences(state, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_intel_retailer ON intelligences(retailer_global_id);

	CREATE TABLE IF NOT EXISTS history (
		global_id TEXT PRIMARY KEY,
		retailer_global_id TEXT NOT NULL,
		suitable_producer_types TEXT NOT NULL,
		security_scope TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		failures_number INTEGER NOT NULL DEFAULT 0,
		failures_reason TEXT,
		producer_global_id TEXT,
		producer_type TEXT,
		started_at DATETIME,
		ended_at DATETIME,
		created_at DATETIME NOT NULL,
		modified_at DATETIME NOT NULL,
		archived_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_state ON history(state);

	CREATE TABLE IF NOT EXISTS producers (
		global_id TEXT PRIMARY KEY,
		security_key TEXT NOT NULL,
		state TEXT NOT NULL,
		declared_type TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS retailers (
		global_id TEXT PRIMARY KEY,
		active INTEGER NOT NULL DEFAULT 1
	);
	`

	_, err := db.Exec(schema)
	return err
}

// --- Tickets ---

// InsertTicket inserts a new admission ticket. Ticket timestamps are stored
// as unix milliseconds so the (created_at, global_id) ordering key compares
// exactly, with global_id breaking same-millisecond ties.
func (db *DB) InsertTicket(t *models.Ticket) error {
	_, err := db.Exec(`
		INSERT INTO tickets (global_id, producer_global_id, created_at_ms)
		VALUES (?, ?, ?)
	`, t.GlobalID, t.ProducerGlobalID, t.CreatedAt.UnixMilli())
	return err
}

// TicketExists reports whether a ticket is still live.
func (db *DB) TicketExists(globalID string) (bool, error) {
	var one int
	err := db.QueryRow("SELECT 1 FROM tickets WHERE global_id = ?", globalID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// HeadTicketID returns the global ID of the current head ticket, or ""
// when the queue is empty.
func (db *DB) HeadTicketID() (string, error) {
	var id string
	err := db.QueryRow(`
		SELECT global_id FROM tickets
		ORDER BY created_at_ms ASC, global_id ASC
		LIMIT 1
	`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// DeleteTicket removes a ticket. No-op if the ticket is already gone.
func (db *DB) DeleteTicket(globalID string) error {
	_, err := db.Exec("DELETE FROM tickets WHERE global_id = ?", globalID)
	return err
}

// SweepTickets deletes every ticket created at or before cutoff and returns
// the number evicted.
func (db *DB) SweepTickets(cutoff time.Time) (int64, error) {
	res, err := db.Exec("DELETE FROM tickets WHERE created_at_ms <= ?", cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountTickets returns the current queue depth.
func (db *DB) CountTickets() (int64, error) {
	var n int64
	err := db.QueryRow("SELECT COUNT(*) FROM tickets").Scan(&n)
	return n, err
}

// --- Intelligences ---

const intelColumns = `global_id, retailer_global_id, suitable_producer_types, security_scope,
	       priority, state, failures_number, failures_reason,
	       producer_global_id, producer_type, started_at, ended_at,
	       created_at, modified_at`

// InsertIntelligence inserts a newly registered intelligence.
func (db *DB) InsertIntelligence(rec *models.Intelligence) error {
	types, err := json.Marshal(rec.SuitableProducerTypes)
	if err != nil {
		return err
	}

	var producerID, producerType sql.NullString
	var startedAt, endedAt sql.NullTime
	if rec.AssignedProducer != nil {
		producerID = nullString(rec.AssignedProducer.GlobalID)
		producerType = nullString(rec.AssignedProducer.Type)
		startedAt = nullTimePtr(rec.AssignedProducer.StartedAt)
		endedAt = nullTimePtr(rec.AssignedProducer.EndedAt)
	}

	_, err = db.Exec(`
		INSERT INTO intelligences (`+intelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.GlobalID, rec.RetailerGlobalID, string(types), nullString(rec.SecurityScope),
		rec.Priority, string(rec.State), rec.FailuresNumber, nullString(rec.FailuresReason),
		producerID, producerType, startedAt, endedAt,
		rec.CreatedAt, rec.ModifiedAt)
	return err
}

// GetIntelligenceByID retrieves an active intelligence by its global ID.
func (db *DB) GetIntelligenceByID(globalID string) (*models.Intelligence, error) {
	row := db.QueryRow(`
		SELECT `+intelColumns+`
		FROM intelligences WHERE global_id = ?
	`, globalID)
	return scanIntelligence(row)
}

// ListConfigured returns CONFIGURED intelligences in dispatch order
// (priority ascending, then created_at ascending), at most limit rows.
func (db *DB) ListConfigured(limit int) ([]models.Intelligence, error) {
	rows, err := db.Query(`
		SELECT `+intelColumns+`
		FROM intelligences
		WHERE state = ?
		ORDER BY priority ASC, created_at ASC
		LIMIT ?
	`, string(models.StateConfigured), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanIntelligences(rows)
}

// ListIntelligences retrieves active intelligences with optional filtering,
// newest first.
func (db *DB) ListIntelligences(state, retailerID string, limit int) ([]models.Intelligence, error) {
	query := `SELECT ` + intelColumns + ` FROM intelligences WHERE 1=1`
	args := []interface{}{}

	if state != "" {
		query += " AND state = ?"
		args = append(args, state)
	}

	if retailerID != "" {
		query += " AND retailer_global_id = ?"
		args = append(args, retailerID)
	}

	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanIntelligences(rows)
}

// MarkDispatched moves an intelligence CONFIGURED -> DISPATCHED and records
// the assigned producer. The state predicate makes the transition a
// compare-and-set: when two admitted producers race on the same item, the
// second update matches zero rows and the caller skips the item.
func (db *DB) MarkDispatched(globalID string, producer models.ProducerAttempt, now time.Time) (bool, error) {
	res, err := db.Exec(`
		UPDATE intelligences
		SET state = ?, producer_global_id = ?, producer_type = ?,
		    started_at = ?, ended_at = NULL, modified_at = ?
		WHERE global_id = ? AND state = ?
	`, string(models.StateDispatched), producer.GlobalID, producer.Type,
		now, now, globalID, string(models.StateConfigured))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateForRetry writes back a re-queued intelligence after a retryable
// failure report: bumped failure accounting, attempt metadata, state back
// to CONFIGURED.
func (db *DB) UpdateForRetry(rec *models.Intelligence) error {
	var producerID, producerType sql.NullString
	var startedAt, endedAt sql.NullTime
	if rec.AssignedProducer != nil {
		producerID = nullString(rec.AssignedProducer.GlobalID)
		producerType = nullString(rec.AssignedProducer.Type)
		startedAt = nullTimePtr(rec.AssignedProducer.StartedAt)
		endedAt = nullTimePtr(rec.AssignedProducer.EndedAt)
	}

	_, err := db.Exec(`
		UPDATE intelligences
		SET state = ?, failures_number = ?, failures_reason = ?,
		    producer_global_id = ?, producer_type = ?, started_at = ?, ended_at = ?,
		    modified_at = ?
		WHERE global_id = ?
	`, string(rec.State), rec.FailuresNumber, nullString(rec.FailuresReason),
		producerID, producerType, startedAt, endedAt,
		rec.ModifiedAt, rec.GlobalID)
	return err
}

// DeleteIntelligence removes an active intelligence. No-op if absent.
func (db *DB) DeleteIntelligence(globalID string) error {
	_, err := db.Exec("DELETE FROM intelligences WHERE global_id = ?", globalID)
	return err
}

// --- History ---

// InsertHistory appends a terminal record to the archive. Keyed on
// global_id with INSERT OR IGNORE so re-archiving the same record after a
// partial failure cannot duplicate archive entries.
func (db *DB) InsertHistory(rec *models.HistoryRecord) error {
	types, err := json.Marshal(rec.SuitableProducerTypes)
	if err != nil {
		return err
	}

	var producerID, producerType sql.NullString
	var startedAt, endedAt sql.NullTime
	if rec.AssignedProducer != nil {
		producerID = nullString(rec.AssignedProducer.GlobalID)
		producerType = nullString(rec.AssignedProducer.Type)
		startedAt = nullTimePtr(rec.AssignedProducer.StartedAt)
		endedAt = nullTimePtr(rec.AssignedProducer.EndedAt)
	}

	_, err = db.Exec(`
		INSERT OR IGNORE INTO history (`+intelColumns+`, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.GlobalID, rec.RetailerGlobalID, string(types), nullString(rec.SecurityScope),
		rec.Priority, string(rec.State), rec.FailuresNumber, nullString(rec.FailuresReason),
		producerID, producerType, startedAt, endedAt,
		rec.CreatedAt, rec.ModifiedAt, rec.ArchivedAt)
	return err
}

// GetHistoryByID retrieves an archived record by its global ID.
func (db *DB) GetHistoryByID(globalID string) (*models.HistoryRecord, error) {
	row := db.QueryRow(`
		SELECT `+intelColumns+`, archived_at
		FROM history WHERE global_id = ?
	`, globalID)

	var rec models.HistoryRecord
	var typesJSON string
	var scope, reason, producerID, producerType sql.NullString
	var startedAt, endedAt sql.NullTime
	var state string

	err := row.Scan(&rec.GlobalID, &rec.RetailerGlobalID, &typesJSON, &scope,
		&rec.Priority, &state, &rec.FailuresNumber, &reason,
		&producerID, &producerType, &startedAt, &endedAt,
		&rec.CreatedAt, &rec.ModifiedAt, &rec.ArchivedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(typesJSON), &rec.SuitableProducerTypes); err != nil {
		return nil, err
	}
	rec.State = models.State(state)
	rec.SecurityScope = scope.String
	rec.FailuresReason = reason.String
	rec.AssignedProducer = attemptFrom(producerID, producerType, startedAt, endedAt)

	return &rec, nil
}

// --- Directory ---

// GetProducerByID retrieves a producer directory entry.
func (db *DB) GetProducerByID(globalID string) (*models.Producer, error) {
	var p models.Producer
	err := db.QueryRow(`
		SELECT global_id, security_key, state, declared_type
		FROM producers WHERE global_id = ?
	`, globalID).Scan(&p.GlobalID, &p.SecurityKey, &p.State, &p.DeclaredType)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RetailerActive reports whether a retailer exists and is active.
func (db *DB) RetailerActive(globalID string) (bool, error) {
	var active int
	err := db.QueryRow("SELECT active FROM retailers WHERE global_id = ?", globalID).Scan(&active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active == 1, nil
}

// UpsertProducer writes a producer directory entry. Registration itself is
// owned by the external directory system; this mirrors its writes.
func (db *DB) UpsertProducer(p *models.Producer) error {
	_, err := db.Exec(`
		INSERT INTO producers (global_id, security_key, state, declared_type)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(global_id) DO UPDATE SET security_key = excluded.security_key,
			state = excluded.state, declared_type = excluded.declared_type
	`, p.GlobalID, p.SecurityKey, p.State, p.DeclaredType)
	return err
}

// UpsertRetailer writes a retailer directory entry.
func (db *DB) UpsertRetailer(globalID string, active bool) error {
	activeInt := 0
	if active {
		activeInt = 1
	}
	_, err := db.Exec(`
		INSERT INTO retailers (global_id, active) VALUES (?, ?)
		ON CONFLICT(global_id) DO UPDATE SET active = excluded.active
	`, globalID, activeInt)
	return err
}

// --- Metrics ---

// GetMetrics retrieves coordinator metrics
func (db *DB) GetMetrics() (*models.Metrics, error) {
	var m models.Metrics

	db.QueryRow("SELECT COUNT(*) FROM tickets").Scan(&m.QueueDepth)
	db.QueryRow("SELECT COUNT(*) FROM intelligences WHERE state = ?", string(models.StateConfigured)).Scan(&m.ConfiguredItems)
	db.QueryRow("SELECT COUNT(*) FROM intelligences WHERE state = ?", string(models.StateDispatched)).Scan(&m.DispatchedItems)
	db.QueryRow("SELECT COUNT(*) FROM history WHERE state = ?", string(models.StateFinished)).Scan(&m.ArchivedFinished)
	db.QueryRow("SELECT COUNT(*) FROM history WHERE state = ?", string(models.StateFailed)).Scan(&m.ArchivedFailed)
	db.QueryRow(`SELECT COALESCE(SUM(failures_number), 0) FROM intelligences`).Scan(&m.TotalFailuresCount)

	return &m, nil
}

// --- Helper functions ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIntelligence(row rowScanner) (*models.Intelligence, error) {
	var rec models.Intelligence
	var typesJSON string
	var scope, reason, producerID, producerType sql.NullString
	var startedAt, endedAt sql.NullTime
	var state string

	err := row.Scan(&rec.GlobalID, &rec.RetailerGlobalID, &typesJSON, &scope,
		&rec.Priority, &state, &rec.FailuresNumber, &reason,
		&producerID, &producerType, &startedAt, &endedAt,
		&rec.CreatedAt, &rec.ModifiedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(typesJSON), &rec.SuitableProducerTypes); err != nil {
		return nil, err
	}
	rec.State = models.State(state)
	rec.SecurityScope = scope.String
	rec.FailuresReason = reason.String
	rec.AssignedProducer = attemptFrom(producerID, producerType, startedAt, endedAt)

	return &rec, nil
}

func scanIntelligences(rows *sql.Rows) ([]models.Intelligence, error) {
	recs := []models.Intelligence{}
	for rows.Next() {
		rec, err := scanIntelligence(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func attemptFrom(id, typ sql.NullString, startedAt, endedAt sql.NullTime) *models.ProducerAttempt {
	if !id.Valid {
		return nil
	}
	attempt := &models.ProducerAttempt{GlobalID: id.String, Type: typ.String}
	if startedAt.Valid {
		t := startedAt.Time
		attempt.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		attempt.EndedAt = &t
	}
	return attempt
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
