package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/jaredcannon/addon-manager/internal/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupWorkspace writes a config and catalog that point at a local add-on repository
func setupWorkspace(t *testing.T) string {
	origNoColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = origNoColor })

	payloads := map[string][]byte{
		"/core-1.0.0.zap":    []byte("core"),
		"/scanner-1.0.0.zap": []byte("scanner"),
	}
	repo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := payloads[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	t.Cleanup(repo.Close)

	hashOf := func(path string) string {
		sum := sha256.Sum256(payloads[path])
		return "sha256:" + hex.EncodeToString(sum[:])
	}

	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(fmt.Sprintf(`addons:
  - id: core
    version: 1.0.0
    url: %[1]s/core-1.0.0.zap
    hash: %[2]s
  - id: scanner
    version: 1.0.0
    url: %[1]s/scanner-1.0.0.zap
    hash: %[3]s
    dependencies:
      - id: core
  - id: broken
    version: 1.0.0
    url: %[1]s/missing.zap
`, repo.URL, hashOf("/core-1.0.0.zap"), hashOf("/scanner-1.0.0.zap"))), 0644))

	configPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf(`
host_version = "1.0.0"
addon_dir = %q
download_dir = %q
home_dir = %q
database_path = %q
catalog_path = %q
api_secret = "cli-secret"
keyring_backend = "file"
keyring_file_dir = %q
check_disk_free = false
active_poll = "10ms"
`, filepath.Join(dir, "addons"), filepath.Join(dir, "downloads"), filepath.Join(dir, "home"),
		filepath.Join(dir, "addons.db"), catalogPath, filepath.Join(dir, "keyring"))), 0644))
	t.Setenv("ADDON_KEYRING_PASSWORD", "test-password")

	return configPath
}

func run(t *testing.T, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	err := execute(args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestCLI_InstallListUninstall(t *testing.T) {
	cfg := setupWorkspace(t)

	out, _, err := run(t, "-c", cfg, "install", "scanner")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ install core")
	assert.Contains(t, out, "✓ install scanner")

	out, _, err = run(t, "-c", cfg, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "scanner")
	assert.Contains(t, out, "INSTALLED")

	out, _, err = run(t, "-c", cfg, "status", "broken")
	require.NoError(t, err)
	assert.Equal(t, "broken AVAILABLE\n", out)

	out, _, err = run(t, "-c", cfg, "uninstall", "core")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ uninstall core")
	assert.Contains(t, out, "✓ uninstall scanner")
	assert.Contains(t, out, "scanner 100%")

	out, _, err = run(t, "-c", cfg, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no add-ons")
}

func TestCLI_FailureSummary(t *testing.T) {
	cfg := setupWorkspace(t)

	out, stderr, err := run(t, "-c", cfg, "install", "broken")
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken:")
	assert.Contains(t, stderr, "install failed")

	_, stderr, err = run(t, "-c", cfg, "install", "ghost")
	require.Error(t, err)
	assert.Contains(t, stderr, "RESOLUTION_FAILED")
}

func TestCLI_UpdateNothing(t *testing.T) {
	cfg := setupWorkspace(t)

	out, _, err := run(t, "-c", cfg, "update")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to do")
}

func TestCLI_Token(t *testing.T) {
	cfg := setupWorkspace(t)

	out, _, err := run(t, "-c", cfg, "token", "--subject", "ci", "--ttl", "1h")
	require.NoError(t, err)

	claims, err := middleware.ParseToken([]byte("cli-secret"), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ci", claims.Subject)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}
