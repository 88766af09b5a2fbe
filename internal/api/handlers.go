package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	ws "github.com/gorilla/websocket"

	"intelligence-coordinator/internal/database"
	"intelligence-coordinator/internal/directory"
	"intelligence-coordinator/internal/dispatch"
	"intelligence-coordinator/internal/models"
	"intelligence-coordinator/internal/queue"
	"intelligence-coordinator/internal/ratelimit"
	"intelligence-coordinator/internal/websocket"
)

// Server holds all HTTP handlers and dependencies
type Server struct {
	db          *database.DB
	coordinator *dispatch.Coordinator
	rateLimiter *ratelimit.RateLimiter
	wsManager   *websocket.Manager
	upgrader    ws.Upgrader
}

// NewServer creates a new API server
func NewServer(db *database.DB, coordinator *dispatch.Coordinator, wsManager *websocket.Manager, requestsPerMinute int) *Server {
	return &Server{
		db:          db,
		coordinator: coordinator,
		rateLimiter: ratelimit.New(requestsPerMinute),
		wsManager:   wsManager,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// RequestWorkPayload is the body of POST /api/work/request
type RequestWorkPayload struct {
	ProducerGlobalID string `json:"producer_global_id"`
	SecurityKey      string `json:"security_key"`
}

// ReportResultsPayload is the body of POST /api/work/report
type ReportResultsPayload struct {
	Results []models.OutcomeReport `json:"results"`
}

// RegisterIntelligencePayload is the body of POST /api/intelligences
type RegisterIntelligencePayload struct {
	RetailerGlobalID      string   `json:"retailer_global_id"`
	SuitableProducerTypes []string `json:"suitable_producer_types"`
	SecurityScope         string   `json:"security_scope,omitempty"`
	Priority              int      `json:"priority"`
}

// RequestWork handles a producer asking for its next batch of work
func (s *Server) RequestWork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RequestWorkPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.ProducerGlobalID == "" || req.SecurityKey == "" {
		http.Error(w, "producer_global_id and security_key are required", http.StatusBadRequest)
		return
	}

	if !s.rateLimiter.Allow(req.ProducerGlobalID) {
		log.Printf("[RATE_LIMIT] Producer %s exceeded rate limit", req.ProducerGlobalID)
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	items, err := s.coordinator.RequestWork(r.Context(), req.ProducerGlobalID, req.SecurityKey)
	if err != nil {
		s.writeDispatchError(w, req.ProducerGlobalID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(items)
}

func (s *Server) writeDispatchError(w http.ResponseWriter, producerID string, err error) {
	switch {
	case errors.Is(err, queue.ErrQueueTimeout):
		http.Error(w, "Admission queue timeout", http.StatusRequestTimeout)
	case errors.Is(err, queue.ErrTicketLost):
		http.Error(w, "Admission ticket lost", http.StatusConflict)
	case errors.Is(err, directory.ErrOwnershipMismatch):
		http.Error(w, "Security key mismatch", http.StatusUnauthorized)
	case errors.Is(err, directory.ErrNotFound):
		http.Error(w, "Producer not found", http.StatusNotFound)
	default:
		log.Printf("[ERROR] Producer=%s request-work failed: %v", producerID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// ReportResults handles a producer reporting outcomes for dispatched work
func (s *Server) ReportResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ReportResultsPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if len(req.Results) == 0 {
		http.Error(w, "results are required", http.StatusBadRequest)
		return
	}

	acks := s.coordinator.ReportResults(r.Context(), req.Results)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"acks": acks})
}

// RegisterIntelligence handles creation of a new intelligence
func (s *Server) RegisterIntelligence(w http.ResponseWriter, r *http.Request) {
	var req RegisterIntelligencePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := models.NewIntelligenceBuilder().
		RetailerGlobalID(req.RetailerGlobalID).
		SuitableProducerTypes(req.SuitableProducerTypes...).
		SecurityScope(req.SecurityScope).
		Priority(req.Priority).
		Build(time.Now())
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(verr)
			return
		}
		http.Error(w, "Invalid intelligence", http.StatusBadRequest)
		return
	}

	if err := s.db.InsertIntelligence(rec); err != nil {
		log.Printf("[ERROR] Failed to insert intelligence: %v", err)
		http.Error(w, "Failed to create intelligence", http.StatusInternalServerError)
		return
	}

	log.Printf("[REGISTER] GlobalID=%s Retailer=%s Priority=%d", rec.GlobalID, rec.RetailerGlobalID, rec.Priority)
	s.wsManager.Broadcast()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(rec)
}

// ListIntelligences returns active intelligences, bounded and newest first
func (s *Server) ListIntelligences(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	retailerID := r.URL.Query().Get("retailer")

	if state != "" && !models.ValidState(models.State(state)) {
		http.Error(w, "unknown state", http.StatusBadRequest)
		return
	}

	items, err := s.db.ListIntelligences(state, retailerID, 100)
	if err != nil {
		log.Printf("[ERROR] Failed to query intelligences: %v", err)
		http.Error(w, "Failed to fetch intelligences", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(items)
}

// GetMetrics returns coordinator metrics
func (s *Server) GetMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.db.GetMetrics()
	if err != nil {
		log.Printf("[ERROR] Failed to get metrics: %v", err)
		http.Error(w, "Failed to fetch metrics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(metrics)
}

// HandleWebSocket handles WebSocket monitor connections
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ERROR] WebSocket upgrade failed: %v", err)
		return
	}

	s.wsManager.AddClient(conn)
}

// SetupRoutes sets up all HTTP routes
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/work/request", s.RequestWork)
	mux.HandleFunc("/api/work/report", s.ReportResults)

	mux.HandleFunc("/api/intelligences", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			s.RegisterIntelligence(w, r)
		} else if r.Method == http.MethodGet {
			s.ListIntelligences(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/metrics", s.GetMetrics)
	mux.HandleFunc("/ws", s.HandleWebSocket)
}
