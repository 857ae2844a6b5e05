package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/gofiber/fiber/v2"
	"github.com/jaredcannon/addon-manager/internal/catalog"
	"github.com/jaredcannon/addon-manager/internal/download"
	"github.com/jaredcannon/addon-manager/internal/middleware"
	"github.com/jaredcannon/addon-manager/internal/models"
	"github.com/jaredcannon/addon-manager/internal/resolver"
	"github.com/jaredcannon/addon-manager/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "api-test-secret"

type testServer struct {
	app   *fiber.App
	orch  *services.Orchestrator
	token string
}

// setupTestApp wires real services over an in-memory database and an httptest add-on repository
func setupTestApp(t *testing.T) *testServer {
	payload := []byte("scanner add-on")
	sum := sha256.Sum256(payload)
	repo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scanner-1.0.0.zap" {
			http.NotFound(w, r)
			return
		}
		w.Write(payload)
	}))
	t.Cleanup(repo.Close)

	dir := t.TempDir()
	descriptor := fmt.Sprintf(`addons:
  - id: scanner
    name: Scanner
    version: 1.0.0
    url: %s/scanner-1.0.0.zap
    size: %d
    hash: sha256:%s
    dependencies:
      - id: core
  - id: core
    version: 1.0.0
    url: %s/missing.zap
    mandatory: true
`, repo.URL, len(payload), hex.EncodeToString(sum[:]), repo.URL)
	catalogPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(descriptor), 0644))

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "Failed to open in-memory database")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrate(db))

	store := services.NewStore(db)
	corePath := filepath.Join(dir, "core-1.0.0.zap")
	require.NoError(t, os.WriteFile(corePath, []byte("core"), 0644))
	_, err = store.SaveInstalled(models.AddOn{ID: "core", Version: "1.0.0", Status: models.ReleaseRelease, Mandatory: true}, corePath)
	require.NoError(t, err)

	compat, err := catalog.NewCompatibility("2.0.0")
	require.NoError(t, err)

	pcfg := download.DefaultConfig()
	pcfg.ActiveInterval = 10 * time.Millisecond
	pcfg.CheckDiskSpace = false
	pipeline := download.NewPipeline(context.Background(), pcfg)
	t.Cleanup(pipeline.Shutdown)

	orch, err := services.NewOrchestrator(services.OrchestratorConfig{
		AddOnDir:    filepath.Join(dir, "addons"),
		DownloadDir: filepath.Join(dir, "downloads"),
		IssuePolicy: services.IssueFailClosed,
	}, store, catalog.NewFileSource(catalogPath), resolver.New(compat), pipeline,
		services.NewFileSystemHost(filepath.Join(dir, "home")), nil)
	require.NoError(t, err)

	checker, err := services.NewUpdateChecker(orch, nil, "@every 1h")
	require.NoError(t, err)
	creds := services.NewCredentialServiceWithKeyring(keyring.NewArrayKeyring(nil))

	app := fiber.New()
	api := app.Group("/api/v1")
	guard := middleware.AuthMiddleware(testSecret)
	NewAddOnHandler(orch, checker).RegisterRoutes(api, guard)
	NewDownloadHandler(pipeline).RegisterRoutes(api, guard)
	NewCredentialHandler(creds).RegisterRoutes(api, guard)

	token, err := middleware.GenerateToken(testSecret, "test", time.Hour)
	require.NoError(t, err)

	return &testServer{app: app, orch: orch, token: token}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestAddOnAPI_Install(t *testing.T) {
	s := setupTestApp(t)

	t.Run("Install add-on", func(t *testing.T) {
		resp, body := s.do(t, "POST", "/api/v1/addons/install", InstallRequest{IDs: []string{"scanner"}})
		require.Equal(t, 200, resp.StatusCode, string(body))

		var result services.OperationResult
		require.NoError(t, json.Unmarshal(body, &result))
		assert.Equal(t, []string{"scanner"}, result.Succeeded)
		assert.Empty(t, result.Failed)
	})

	t.Run("List installed", func(t *testing.T) {
		resp, body := s.do(t, "GET", "/api/v1/addons", nil)
		require.Equal(t, 200, resp.StatusCode)

		var addOns []models.AddOn
		require.NoError(t, json.Unmarshal(body, &addOns))
		require.Len(t, addOns, 2)
		assert.Equal(t, "core", addOns[0].ID)
		assert.Equal(t, "scanner", addOns[1].ID)
	})

	t.Run("Status", func(t *testing.T) {
		resp, body := s.do(t, "GET", "/api/v1/addons/scanner/status", nil)
		require.Equal(t, 200, resp.StatusCode)
		assert.Contains(t, string(body), `"status":"INSTALLED"`)

		resp, _ = s.do(t, "GET", "/api/v1/addons/nothing/status", nil)
		assert.Equal(t, 404, resp.StatusCode)
	})

	t.Run("Operations are logged", func(t *testing.T) {
		resp, body := s.do(t, "GET", "/api/v1/operations", nil)
		require.Equal(t, 200, resp.StatusCode)

		var ops []models.AddOnOperation
		require.NoError(t, json.Unmarshal(body, &ops))
		require.Len(t, ops, 1)
		assert.Equal(t, models.OperationStatusSuccess, ops[0].Status)

		resp, _ = s.do(t, "GET", "/api/v1/operations/"+ops[0].ID.String(), nil)
		assert.Equal(t, 200, resp.StatusCode)

		resp, _ = s.do(t, "GET", "/api/v1/operations/not-a-uuid", nil)
		assert.Equal(t, 400, resp.StatusCode)
	})

	t.Run("Downloads are listed", func(t *testing.T) {
		resp, body := s.do(t, "GET", "/api/v1/downloads", nil)
		require.Equal(t, 200, resp.StatusCode)
		assert.Contains(t, string(body), `"active":0`)
	})
}

func TestAddOnAPI_Validation(t *testing.T) {
	s := setupTestApp(t)

	resp, body := s.do(t, "POST", "/api/v1/addons/install", InstallRequest{})
	assert.Equal(t, 400, resp.StatusCode)
	assert.Contains(t, string(body), models.ErrCodeValidationFailed)

	resp, _ = s.do(t, "POST", "/api/v1/addons/uninstall", UninstallRequest{IDs: []string{""}})
	assert.Equal(t, 400, resp.StatusCode)

	resp, _ = s.do(t, "POST", "/api/v1/downloads/cancel", CancelDownloadRequest{URL: "not a url"})
	assert.Equal(t, 400, resp.StatusCode)
}

func TestAddOnAPI_Rejections(t *testing.T) {
	s := setupTestApp(t)

	t.Run("Mandatory uninstall is a conflict", func(t *testing.T) {
		resp, body := s.do(t, "POST", "/api/v1/addons/uninstall", UninstallRequest{IDs: []string{"core"}})
		assert.Equal(t, 409, resp.StatusCode)
		assert.Contains(t, string(body), models.ErrCodeMandatoryAddOn)
		assert.True(t, s.orch.Local().Has("core"))
	})

	t.Run("Unresolvable install lists the issues", func(t *testing.T) {
		resp, body := s.do(t, "POST", "/api/v1/addons/install", InstallRequest{IDs: []string{"ghost"}})
		assert.Equal(t, 409, resp.StatusCode)
		assert.Contains(t, string(body), "issues")
		assert.Contains(t, string(body), "ghost")
	})

	t.Run("Reset of an add-on that is not blocked", func(t *testing.T) {
		resp, _ := s.do(t, "POST", "/api/v1/addons/core/reset", nil)
		assert.Equal(t, 400, resp.StatusCode)
	})

	t.Run("Mutations need a token", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/addons/install", bytes.NewReader([]byte(`{"ids":["scanner"]}`)))
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, 401, resp.StatusCode)
		assert.False(t, s.orch.Local().Has("scanner"))
	})
}

func TestAddOnAPI_Available(t *testing.T) {
	s := setupTestApp(t)

	resp, body := s.do(t, "GET", "/api/v1/addons/available", nil)
	require.Equal(t, 200, resp.StatusCode)

	var available []AvailableAddOn
	require.NoError(t, json.Unmarshal(body, &available))
	require.Len(t, available, 2)

	byID := map[string]AvailableAddOn{}
	for _, a := range available {
		byID[a.ID] = a
	}
	assert.Equal(t, models.StatusInstalled, byID["core"].InstallationStatus)
	assert.Equal(t, "1.0.0", byID["core"].InstalledVersion)
	assert.False(t, byID["core"].UpdateAvailable)
	assert.Equal(t, models.StatusAvailable, byID["scanner"].InstallationStatus)

	resp, body = s.do(t, "GET", "/api/v1/addons/updates", nil)
	require.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(body), `"new":["scanner"]`)
}

func TestCredentialAPI(t *testing.T) {
	s := setupTestApp(t)

	resp, _ := s.do(t, "PUT", "/api/v1/credentials/addons.example.com", StoreTokenRequest{Token: "secret"})
	require.Equal(t, 204, resp.StatusCode)

	resp, body := s.do(t, "GET", "/api/v1/credentials", nil)
	require.Equal(t, 200, resp.StatusCode)
	assert.JSONEq(t, `{"hosts":["addons.example.com"]}`, string(body))
	assert.NotContains(t, string(body), "secret")

	resp, _ = s.do(t, "DELETE", "/api/v1/credentials/addons.example.com", nil)
	assert.Equal(t, 204, resp.StatusCode)
}
