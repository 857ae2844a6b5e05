package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jaredcannon/addon-manager/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func remoteAddOn(srv *addOnServer, id, version string, payload []byte, deps ...string) models.AddOn {
	path := "/" + id + "-" + version + ".zap"
	srv.files[path] = payload
	a := models.AddOn{
		ID:      id,
		Name:    id,
		Version: version,
		Status:  models.ReleaseRelease,
		URL:     srv.URL + path,
		Size:    int64(len(payload)),
		Hash:    sha256Of(payload),
	}
	for _, d := range deps {
		a.Dependencies = append(a.Dependencies, models.Dependency{ID: d})
	}
	return a
}

func installedAddOn(t *testing.T, id, version string, deps ...string) models.AddOn {
	path := filepath.Join(t.TempDir(), id+"-"+version+".zap")
	require.NoError(t, os.WriteFile(path, []byte(id), 0644))
	a := models.AddOn{
		ID:                 id,
		Name:               id,
		Version:            version,
		Status:             models.ReleaseRelease,
		InstallationStatus: models.StatusInstalled,
		FilePath:           path,
	}
	for _, d := range deps {
		a.Dependencies = append(a.Dependencies, models.Dependency{ID: d})
	}
	return a
}

func TestOrchestrator_InstallPartialFailure(t *testing.T) {
	srv := newAddOnServer(t, map[string][]byte{})
	x := remoteAddOn(srv, "x", "1.0.0", []byte("valid add-on"))
	y := remoteAddOn(srv, "y", "1.0.0", []byte("tampered add-on"))
	y.Hash = sha256Of([]byte("the published bytes"))

	env := newTestEnv(t, []models.AddOn{x, y}, nil)

	result, err := env.orch.Install(context.Background(), []string{"x", "y"})
	require.NoError(t, err, "partial failure is reported in the result")

	assert.Equal(t, []string{"x"}, result.Succeeded)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "y", result.Failed[0].AddOnID)
	assert.Equal(t, models.ErrCodeHashMismatch, result.Failed[0].Code)
	assert.Contains(t, result.Summary(), "y:")
	assert.Equal(t, models.OperationStatusPartial, result.Status())

	status, err := env.orch.Status("x")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInstalled, status)

	status, err = env.orch.Status("y")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAvailable, status)
	assert.False(t, env.orch.Local().Has("y"))

	installed, ok := env.orch.Local().Get("x")
	require.True(t, ok)
	assert.FileExists(t, installed.FilePath)
	assert.Equal(t, "x-1.0.0.zap", filepath.Base(installed.FilePath))

	ops, err := env.store.ListOperations(10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, models.OperationStatusPartial, ops[0].Status)
	assert.Equal(t, []string{"y"}, ops[0].Failed)
}

func TestOrchestrator_InstallDependencies(t *testing.T) {
	t.Run("dependencies are installed too", func(t *testing.T) {
		srv := newAddOnServer(t, map[string][]byte{})
		app := remoteAddOn(srv, "app", "1.0.0", []byte("app"), "lib")
		lib := remoteAddOn(srv, "lib", "1.2.0", []byte("lib"))

		env := newTestEnv(t, []models.AddOn{app, lib}, nil)
		result, err := env.orch.Install(context.Background(), []string{"app"})
		require.NoError(t, err)

		assert.Equal(t, []string{"app", "lib"}, result.Succeeded)
		assert.Empty(t, result.Summary())
		assert.Equal(t, []string{"app", "lib"}, env.orch.Local().IDs())
		assert.Equal(t, []string{"app"}, env.orch.Local().Dependents("lib"))
	})

	t.Run("dependent is not installed when its dependency fails", func(t *testing.T) {
		srv := newAddOnServer(t, map[string][]byte{})
		app := remoteAddOn(srv, "app", "1.0.0", []byte("app"), "lib")
		lib := remoteAddOn(srv, "lib", "1.2.0", []byte("lib"))
		lib.Hash = sha256Of([]byte("different"))

		env := newTestEnv(t, []models.AddOn{app, lib}, nil)
		result, err := env.orch.Install(context.Background(), []string{"app"})
		require.NoError(t, err)

		assert.Empty(t, result.Succeeded)
		assert.ElementsMatch(t, []string{"app", "lib"}, result.FailedIDs())
		assert.Equal(t, 0, env.orch.Local().Len())
		assert.Equal(t, models.OperationStatusFailed, result.Status())
	})

	t.Run("unsatisfiable part is skipped under the proceed policy", func(t *testing.T) {
		srv := newAddOnServer(t, map[string][]byte{})
		app := remoteAddOn(srv, "app", "1.0.0", []byte("app"), "ghost")
		solo := remoteAddOn(srv, "solo", "1.0.0", []byte("solo"))

		env := newTestEnv(t, []models.AddOn{app, solo}, nil)
		result, err := env.orch.Install(context.Background(), []string{"app", "solo"})
		require.NoError(t, err)

		assert.Equal(t, []string{"solo"}, result.Succeeded)
		require.Len(t, result.Issues, 1)
		assert.Equal(t, "app", result.Issues[0].AddOnID)
		assert.Equal(t, models.OperationStatusPartial, result.Status())
	})

	t.Run("fail-closed policy rejects before any change", func(t *testing.T) {
		srv := newAddOnServer(t, map[string][]byte{})
		app := remoteAddOn(srv, "app", "1.0.0", []byte("app"), "ghost")
		solo := remoteAddOn(srv, "solo", "1.0.0", []byte("solo"))

		env := newTestEnv(t, []models.AddOn{app, solo}, nil)
		env.orch.cfg.IssuePolicy = IssueFailClosed

		_, err := env.orch.Install(context.Background(), []string{"app", "solo"})
		require.Error(t, err)
		assert.True(t, models.HasCode(err, models.ErrCodeResolutionFailed))
		assert.Equal(t, 0, env.orch.Local().Len())
		assert.Equal(t, 0, env.orch.Pipeline().ActiveDownloadCount())
		assert.Empty(t, env.orch.Pipeline().AllTasks())

		ops, err := env.store.ListOperations(10)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, models.OperationStatusRejected, ops[0].Status)
	})

	t.Run("existing file in the add-on directory is a collision", func(t *testing.T) {
		srv := newAddOnServer(t, map[string][]byte{})
		solo := remoteAddOn(srv, "solo", "1.0.0", []byte("solo"))

		env := newTestEnv(t, []models.AddOn{solo}, nil)
		require.NoError(t, os.WriteFile(filepath.Join(env.orch.cfg.AddOnDir, "solo-1.0.0.zap"), []byte("stray"), 0644))

		result, err := env.orch.Install(context.Background(), []string{"solo"})
		require.NoError(t, err)
		require.Len(t, result.Failed, 1)
		assert.Equal(t, models.ErrCodeFileCollision, result.Failed[0].Code)
		assert.False(t, env.orch.Local().Has("solo"))
	})
}

func TestOrchestrator_Update(t *testing.T) {
	srv := newAddOnServer(t, map[string][]byte{})
	oldCore := installedAddOn(t, "core", "1.0.0")
	newCore := remoteAddOn(srv, "core", "1.1.0", []byte("core 1.1"))
	newCore.Mandatory = true
	oldCore.Mandatory = true

	env := newTestEnv(t, []models.AddOn{newCore}, []models.AddOn{oldCore})

	result, err := env.orch.Update(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"core"}, result.Succeeded)

	updated, ok := env.orch.Local().Get("core")
	require.True(t, ok)
	assert.Equal(t, "1.1.0", updated.Version)
	assert.FileExists(t, updated.FilePath)
	assert.NoFileExists(t, oldCore.FilePath)

	record, err := env.store.GetInstalled("core")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", record.Version)

	t.Run("nothing left to update", func(t *testing.T) {
		result, err := env.orch.Update(context.Background(), nil)
		require.NoError(t, err)
		assert.True(t, result.ChangeSet.Empty())
		assert.Empty(t, result.Summary())
	})
}

func TestOrchestrator_UninstallProgress(t *testing.T) {
	a := installedAddOn(t, "scanner", "1.0.0")
	a.Capabilities = models.Capabilities{
		Files:       []string{"a.txt", "b.txt", "c.txt"},
		ActiveRules: []string{"rule-1", "rule-2"},
		Extensions:  []string{"ScannerExtension"},
	}
	env := newTestEnv(t, nil, []models.AddOn{a})

	var events []models.UninstallProgressEvent
	progress := &UninstallProgress{}
	env.orch.OnUninstallProgress(func(ev models.UninstallProgressEvent) {
		events = append(events, ev)
		progress.Apply(ev)
	})

	result, err := env.orch.Uninstall(context.Background(), []string{"scanner"})
	require.NoError(t, err)
	assert.Equal(t, []string{"scanner"}, result.Succeeded)

	require.NotEmpty(t, events)
	assert.Equal(t, models.PhaseAddOn, events[0].Phase)
	assert.Equal(t, 15, events[0].Max)

	last := events[len(events)-1]
	assert.Equal(t, models.PhaseFinishedAddOn, last.Phase)
	assert.True(t, last.Success)

	weighted := 0
	for _, ev := range events[1 : len(events)-1] {
		weighted += ev.Phase.Weight()
	}
	assert.Equal(t, 3+2+10*1, weighted)
	assert.Equal(t, 100, progress.Percent())

	assert.False(t, env.orch.Local().Has("scanner"))
	assert.NoFileExists(t, a.FilePath)
	assert.Contains(t, env.hub.Events(), "uninstall:progress")
}

func TestOrchestrator_UninstallMandatoryRejected(t *testing.T) {
	core := installedAddOn(t, "core", "1.0.0")
	core.Mandatory = true
	env := newTestEnv(t, nil, []models.AddOn{core})

	var events []models.UninstallProgressEvent
	env.orch.OnUninstallProgress(func(ev models.UninstallProgressEvent) {
		events = append(events, ev)
	})

	_, err := env.orch.Uninstall(context.Background(), []string{"core"})
	require.Error(t, err)
	assert.True(t, models.HasCode(err, models.ErrCodeMandatoryAddOn))

	assert.Equal(t, int32(0), env.provider.reads.Load())
	assert.Empty(t, events)
	assert.Empty(t, env.host.Calls())
	assert.True(t, env.orch.Local().Has("core"))
	assert.FileExists(t, core.FilePath)

	ops, err := env.store.ListOperations(10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, models.OperationStatusRejected, ops[0].Status)
}

func TestOrchestrator_UninstallClosure(t *testing.T) {
	env := newTestEnv(t, nil, []models.AddOn{
		installedAddOn(t, "core", "1.0.0"),
		installedAddOn(t, "scan", "1.0.0", "core"),
		installedAddOn(t, "report", "1.0.0", "scan"),
		installedAddOn(t, "other", "1.0.0"),
	})

	result, err := env.orch.Uninstall(context.Background(), []string{"core"})
	require.NoError(t, err)
	assert.Equal(t, []string{"core", "report", "scan"}, result.Succeeded)
	assert.Equal(t, []string{"other"}, env.orch.Local().IDs())

	records, err := env.store.ListInstalled()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "other", records[0].AddOnID)
}

func TestOrchestrator_UninstallFailures(t *testing.T) {
	t.Run("extension failure is soft and keeps files", func(t *testing.T) {
		a := installedAddOn(t, "ext", "1.0.0")
		a.Capabilities = models.Capabilities{
			Files:      []string{"ext.dat"},
			Extensions: []string{"Broken"},
		}
		env := newTestEnv(t, nil, []models.AddOn{a})
		env.host.FailOn("extension", "Broken")

		result, err := env.orch.Uninstall(context.Background(), []string{"ext"})
		require.NoError(t, err)
		require.Len(t, result.Failed, 1)
		assert.Equal(t, models.ErrCodeUninstallFailed, result.Failed[0].Code)
		assert.Equal(t, []string{"ext"}, result.RequiresRestart)

		status, err := env.orch.Status("ext")
		require.NoError(t, err)
		assert.Equal(t, models.StatusSoftUninstallationFailed, status)
		assert.FileExists(t, a.FilePath)
		assert.NotContains(t, env.host.Calls(), "file:ext:ext.dat")

		t.Run("blocked add-on cannot be selected again", func(t *testing.T) {
			_, err := env.orch.Uninstall(context.Background(), []string{"ext"})
			assert.NoError(t, err)
			status, _ := env.orch.Status("ext")
			assert.Equal(t, models.StatusSoftUninstallationFailed, status)
		})

		t.Run("reset clears the block", func(t *testing.T) {
			require.NoError(t, env.orch.ClearBlocked("ext"))
			status, err := env.orch.Status("ext")
			require.NoError(t, err)
			assert.Equal(t, models.StatusInstalled, status)

			err = env.orch.ClearBlocked("ext")
			assert.True(t, models.HasCode(err, models.ErrCodeValidationFailed))
		})
	})

	t.Run("file failure is hard", func(t *testing.T) {
		a := installedAddOn(t, "files", "1.0.0")
		a.Capabilities = models.Capabilities{Files: []string{"locked.dat"}}
		env := newTestEnv(t, nil, []models.AddOn{a})
		env.host.FailOn("file", "locked.dat")

		result, err := env.orch.Uninstall(context.Background(), []string{"files"})
		require.NoError(t, err)
		assert.Equal(t, []string{"files"}, result.RequiresRestart)

		record, err := env.store.GetInstalled("files")
		require.NoError(t, err)
		assert.Equal(t, models.StatusUninstallationFailed, record.InstallationStatus)
	})

	t.Run("failure of one add-on does not stop the others", func(t *testing.T) {
		bad := installedAddOn(t, "bad", "1.0.0")
		bad.Capabilities = models.Capabilities{ActiveRules: []string{"stuck"}}
		good := installedAddOn(t, "good", "1.0.0")
		env := newTestEnv(t, nil, []models.AddOn{bad, good})
		env.host.FailOn("active", "stuck")

		result, err := env.orch.Uninstall(context.Background(), []string{"bad", "good"})
		require.NoError(t, err)
		assert.Equal(t, []string{"good"}, result.Succeeded)
		assert.Equal(t, []string{"bad"}, result.FailedIDs())
		assert.Equal(t, models.OperationStatusPartial, result.Status())
	})
}

func TestOrchestrator_Status(t *testing.T) {
	srv := newAddOnServer(t, map[string][]byte{})
	env := newTestEnv(t,
		[]models.AddOn{remoteAddOn(srv, "remote-only", "1.0.0", []byte("r"))},
		[]models.AddOn{installedAddOn(t, "local", "1.0.0")},
	)

	status, err := env.orch.Status("local")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInstalled, status)

	status, err = env.orch.Status("remote-only")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAvailable, status)

	_, err = env.orch.Status("nowhere")
	assert.True(t, models.HasCode(err, models.ErrCodeNotFound))
}

func TestOrchestrator_EmptyRequests(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	_, err := env.orch.Install(context.Background(), nil)
	assert.True(t, models.HasCode(err, models.ErrCodeValidationFailed))

	_, err = env.orch.Uninstall(context.Background(), []string{})
	assert.True(t, models.HasCode(err, models.ErrCodeValidationFailed))
}

func TestManagedFileName(t *testing.T) {
	tests := []struct {
		id, version, url string
		expected         string
	}{
		{"scanner", "1.0.0", "https://example.com/scanner.zap", "scanner-1.0.0.zap"},
		{"Active Scan", "2.0.0-beta.1", "https://example.com/dl?id=1", "active_scan-2.0.0-beta.1.addon"},
		{"../../etc", "1.0.0", "https://example.com/x.ZAP", "etc-1.0.0.zap"},
		{"a/b", "1.0.0+build", "", "a_b-1.0.0_build.addon"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			a := models.AddOn{ID: tt.id, Version: tt.version}
			assert.Equal(t, tt.expected, ManagedFileName(a, tt.url))
		})
	}
}
