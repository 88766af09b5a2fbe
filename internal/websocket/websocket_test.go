package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"

	"intelligence-coordinator/internal/database"
	"intelligence-coordinator/internal/models"
)

func newTestManager(t *testing.T) *Manager {
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

	now := time.Now()
	rec := &models.Intelligence{
		GlobalID:              "int-1",
		RetailerGlobalID:      "ret-1",
		SuitableProducerTypes: []string{"crawler"},
		State:                 models.StateConfigured,
		CreatedAt:             now,
		ModifiedAt:            now,
	}
	if err := db.InsertIntelligence(rec); err != nil {
		t.Fatalf("insert intelligence: %v", err)
	}

	return New(db)
}

func dialTestClient(t *testing.T, m *Manager) *ws.Conn {
	t.Helper()
	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		m.AddClient(conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestAddClientSendsInitialSnapshot(t *testing.T) {
	m := newTestManager(t)
	conn := dialTestClient(t, m)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var update struct {
		Metrics *models.Metrics `json:"metrics"`
	}
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if update.Metrics == nil || update.Metrics.ConfiguredItems != 1 {
		t.Errorf("snapshot metrics = %+v", update.Metrics)
	}
	if m.ClientCount() != 1 {
		t.Errorf("client count = %d, want 1", m.ClientCount())
	}
}

// Overlapping broadcasts (plus the connect-time snapshot) must serialize
// their writes per connection; every frame the client reads has to be a
// complete, decodable snapshot.
func TestConcurrentBroadcastsSerializeWrites(t *testing.T) {
	m := newTestManager(t)
	conn := dialTestClient(t, m)

	// The handler registers the client concurrently with the dialer
	// returning; wait until it is visible before broadcasting.
	for i := 0; i < 100 && m.ClientCount() == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if m.ClientCount() != 1 {
		t.Fatal("client never registered")
	}

	const broadcasts = 20
	var wg sync.WaitGroup
	for i := 0; i < broadcasts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Broadcast()
		}()
	}
	wg.Wait()

	// Initial snapshot plus one frame per broadcast.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < broadcasts+1; i++ {
		var update struct {
			Metrics *models.Metrics `json:"metrics"`
		}
		if err := conn.ReadJSON(&update); err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if update.Metrics == nil {
			t.Fatalf("frame %d missing metrics", i)
		}
	}
}
