package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jaredcannon/addon-manager/internal/catalog"
	"github.com/jaredcannon/addon-manager/internal/download"
	"github.com/jaredcannon/addon-manager/internal/models"
	"github.com/jaredcannon/addon-manager/internal/resolver"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupTestDB creates an in-memory SQLite database for testing
// This is a shared helper used by all test files in the services package
func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err, "Failed to open in-memory database")

	// every pooled connection to :memory: would get its own empty database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, models.AutoMigrate(db), "Failed to run migrations")
	return db
}

// mockWSBroadcaster records broadcasts
type mockWSBroadcaster struct {
	mu       sync.Mutex
	messages []map[string]interface{}
}

func (m *mockWSBroadcaster) Broadcast(channel string, event string, data interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = append(m.messages, map[string]interface{}{
		"channel": channel,
		"event":   event,
		"data":    data,
	})
}

func (m *mockWSBroadcaster) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.messages))
	for _, msg := range m.messages {
		out = append(out, msg["event"].(string))
	}
	return out
}

// mockCapabilityHost records unload calls and fails the ones listed in failures
type mockCapabilityHost struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]error
	onCall   func(kind, addOnID, item string)
}

func newMockCapabilityHost() *mockCapabilityHost {
	return &mockCapabilityHost{failures: make(map[string]error)}
}

func (m *mockCapabilityHost) FailOn(kind, item string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[kind+":"+item] = fmt.Errorf("cannot unload %s", item)
}

// OnCall runs fn after every unload call is recorded
func (m *mockCapabilityHost) OnCall(fn func(kind, addOnID, item string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCall = fn
}

func (m *mockCapabilityHost) record(kind, addOnID, item string) error {
	m.mu.Lock()
	m.calls = append(m.calls, kind+":"+addOnID+":"+item)
	err := m.failures[kind+":"+item]
	onCall := m.onCall
	m.mu.Unlock()
	if onCall != nil {
		onCall(kind, addOnID, item)
	}
	return err
}

func (m *mockCapabilityHost) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.calls...)
}

func (m *mockCapabilityHost) RemoveFile(addOnID, file string) error {
	return m.record("file", addOnID, file)
}

func (m *mockCapabilityHost) UnloadExtension(addOnID, extension string) error {
	return m.record("extension", addOnID, extension)
}

func (m *mockCapabilityHost) UnloadActiveRule(addOnID, rule string) error {
	return m.record("active", addOnID, rule)
}

func (m *mockCapabilityHost) UnloadPassiveRule(addOnID, rule string) error {
	return m.record("passive", addOnID, rule)
}

// mockCatalogProvider serves a fixed remote catalog and counts reads
type mockCatalogProvider struct {
	catalog *catalog.Catalog
	reads   atomic.Int32
}

func (m *mockCatalogProvider) Catalog() (*catalog.Catalog, error) {
	m.reads.Add(1)
	return m.catalog, nil
}

// addOnServer serves files by path. Gated paths are held until the gate closes.
type addOnServer struct {
	*httptest.Server
	files map[string][]byte

	mu    sync.Mutex
	gates map[string]chan struct{}
}

func newAddOnServer(t *testing.T, files map[string][]byte) *addOnServer {
	s := &addOnServer{files: files, gates: make(map[string]chan struct{})}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		data, ok := s.files[r.URL.Path]
		gate := s.gates[r.URL.Path]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		if gate != nil {
			// send a first chunk so the download is visibly running
			w.Write(data[:1])
			w.(http.Flusher).Flush()
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
			data = data[1:]
		}
		w.Write(data)
	}))
	t.Cleanup(s.Close)
	return s
}

// Gate holds responses for the add-on's url until the returned func is called
func (s *addOnServer) Gate(t *testing.T, a models.AddOn) func() {
	path := strings.TrimPrefix(a.URL, s.URL)
	gate := make(chan struct{})
	s.mu.Lock()
	s.gates[path] = gate
	s.mu.Unlock()

	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return release
}

func sha256Of(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

type testEnv struct {
	orch     *Orchestrator
	store    *Store
	host     *mockCapabilityHost
	hub      *mockWSBroadcaster
	provider *mockCatalogProvider
}

func newTestEnv(t *testing.T, remote []models.AddOn, installed []models.AddOn) *testEnv {
	t.Helper()

	db := setupTestDB(t)
	store := NewStore(db)
	for _, a := range installed {
		_, err := store.SaveInstalled(a, a.FilePath)
		require.NoError(t, err)
	}

	remoteCatalog, err := catalog.New(remote)
	require.NoError(t, err)
	provider := &mockCatalogProvider{catalog: remoteCatalog}

	compat, err := catalog.NewCompatibility("2.0.0")
	require.NoError(t, err)

	pcfg := download.DefaultConfig()
	pcfg.ActiveInterval = 10 * time.Millisecond
	pcfg.IdleInterval = 50 * time.Millisecond
	pcfg.CheckDiskSpace = false
	pipeline := download.NewPipeline(context.Background(), pcfg)
	t.Cleanup(pipeline.Shutdown)

	host := newMockCapabilityHost()
	hub := &mockWSBroadcaster{}
	dir := t.TempDir()

	orch, err := NewOrchestrator(OrchestratorConfig{
		AddOnDir:    dir + "/addons",
		DownloadDir: dir + "/downloads",
		IssuePolicy: IssueProceed,
	}, store, provider, resolver.New(compat), pipeline, host, hub)
	require.NoError(t, err)

	return &testEnv{orch: orch, store: store, host: host, hub: hub, provider: provider}
}
