package cli

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whiskeyjimb/pinstall/internal/config"
	"github.com/whiskeyjimb/pinstall/internal/install"
	"github.com/whiskeyjimb/pinstall/internal/output"
	"github.com/whiskeyjimb/pinstall/internal/source"
)

// packageTar builds an npm-style tar holding package.json under "package/".
func packageTar(t *testing.T, name, version string) []byte {
	t.Helper()
	body := `{"name":"` + name + `","version":"` + version + `"}`
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: "package/", Mode: 0o755}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "package/package.json", Mode: 0o644, Size: int64(len(body))}))
	_, err := tw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// testConfig points every directory into a temp dir and disables the
// remote registries. Archives go into PackagesDir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.CacheDir = filepath.Join(dir, "cache")
	cfg.JobsDir = filepath.Join(dir, "jobs")
	cfg.PackagesDir = filepath.Join(dir, "packages")
	cfg.RegistryURL = ""
	require.NoError(t, os.MkdirAll(cfg.PackagesDir, 0o755))
	return cfg
}

func addPackage(t *testing.T, cfg *config.Config, name, version string) {
	t.Helper()
	file := source.ArchiveNames(name, version)[1] // .tar
	require.NoError(t, os.WriteFile(filepath.Join(cfg.PackagesDir, file), packageTar(t, name, version), 0o644))
}

func run(t *testing.T, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(cfg, nil)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestInstallCommand_JSON(t *testing.T) {
	cfg := testConfig(t)
	addPackage(t, cfg, "foo", "1.0.0")
	addPackage(t, cfg, "@acme/auth", "2.1.3")

	out, err := run(t, cfg, "install", "--job", "job-1", "-o", "json", "foo@1.0.0", "@acme/auth@2.1.3")
	require.NoError(t, err)

	var rep output.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, "job-1", rep.JobID)
	assert.False(t, rep.HadFailures)
	require.Len(t, rep.Plugins, 2)
	assert.Equal(t, "foo", rep.Plugins[0].Name)
	assert.Equal(t, "@acme/auth", rep.Plugins[1].Name)

	assert.FileExists(t, filepath.Join(cfg.JobsDir, "job-1", "foo", "package.json"))
	assert.FileExists(t, filepath.Join(cfg.JobsDir, "job-1", "@acme", "auth", "package.json"))
}

func TestInstallCommand_PartialFailure(t *testing.T) {
	cfg := testConfig(t)
	addPackage(t, cfg, "foo", "1.0.0")

	_, err := run(t, cfg, "install", "--job", "job-1", "-o", "json", "foo@1.0.0", "missing@1.0.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 plugins failed")

	out, err := run(t, cfg, "install", "--job", "job-2", "-o", "json", "--allow-partial", "foo@1.0.0", "missing@1.0.0")
	require.NoError(t, err)

	var rep output.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.True(t, rep.HadFailures)
	assert.Equal(t, "cache", rep.Plugins[0].Origin, "second run is served from the cache")
	assert.Equal(t, "package_not_found", rep.Plugins[1].Class)
}

func TestInstallCommand_SetsAndFile(t *testing.T) {
	cfg := testConfig(t)
	for _, name := range []string{"a", "b", "c"} {
		addPackage(t, cfg, name, "1.0.0")
	}
	cfg.PluginSets = map[string]config.PluginSet{
		"core": {Plugins: []string{"a@1.0.0", "b@1.0.0"}},
	}
	file := filepath.Join(t.TempDir(), "plugins.yaml")
	require.NoError(t, os.WriteFile(file, []byte("plugins:\n  - name: c\n    version: 1.0.0\n  - name: a\n    version: 1.0.0\n"), 0o644))

	out, err := run(t, cfg, "install", "--job", "job-1", "-o", "json", "--set", "core", "--file", file)
	require.NoError(t, err)

	var rep output.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	var names []string
	for _, p := range rep.Plugins {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)

	_, err = run(t, cfg, "install", "--set", "unknown")
	assert.ErrorContains(t, err, `plugin set "unknown" is not configured`)
}

func TestInstallCommand_InvalidInput(t *testing.T) {
	cfg := testConfig(t)

	_, err := run(t, cfg, "install")
	assert.ErrorContains(t, err, "nothing to install")

	_, err = run(t, cfg, "install", "foo@latest")
	assert.True(t, errors.Is(err, install.ErrInvalidDescriptor), "got %v", err)

	_, err = run(t, cfg, "install", "foo@1.0.0", "foo@2.0.0")
	assert.True(t, errors.Is(err, install.ErrInvalidDescriptor), "got %v", err)
}

func TestInstallCommand_HTTPRegistry(t *testing.T) {
	var hits atomic.Int32
	tarball := packageTar(t, "@acme/auth", "2.1.3")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/@acme/auth/-/auth-2.1.3.tgz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(tarball)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.RegistryURL = srv.URL

	_, err := run(t, cfg, "install", "--job", "job-1", "--quiet", "@acme/auth@2.1.3")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(cfg.JobsDir, "job-1", "@acme", "auth", "package.json"))

	// A second job is served from the cache.
	_, err = run(t, cfg, "install", "--job", "job-2", "--quiet", "@acme/auth@2.1.3")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestInstallCommand_MetricsFile(t *testing.T) {
	cfg := testConfig(t)
	addPackage(t, cfg, "foo", "1.0.0")
	metrics := filepath.Join(t.TempDir(), "pinstall.prom")

	_, err := run(t, cfg, "install", "--quiet", "--metrics-file", metrics, "foo@1.0.0")
	require.NoError(t, err)

	data, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(data), `pinstall_batches_total{had_failures="false"} 1`)
	assert.Contains(t, string(data), `pinstall_fetch_results_total{result="ok"} 1`)
}

func TestCacheCommands(t *testing.T) {
	cfg := testConfig(t)
	for _, v := range []string{"1.0.0", "1.1.0", "2.0.0"} {
		addPackage(t, cfg, "foo", v)
		_, err := run(t, cfg, "install", "--job", "job-"+v, "--quiet", "foo@"+v)
		require.NoError(t, err)
	}

	out, err := run(t, cfg, "cache", "list", "-o", "json")
	require.NoError(t, err)
	var entries []output.EntryReport
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	assert.Len(t, entries, 3)

	// Every version is still linked by its job.
	out, err = run(t, cfg, "cache", "prune", "--keep", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Pruned 0 packages")

	_, err = run(t, cfg, "release", "job-1.0.0", "job-1.1.0")
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(cfg.JobsDir, "job-1.0.0"))

	out, err = run(t, cfg, "cache", "prune", "--keep", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed foo@1.0.0")
	assert.Contains(t, out, "Removed foo@1.1.0")

	// job-2.0.0 still links foo@2.0.0.
	_, err = run(t, cfg, "cache", "remove", "foo@2.0.0")
	assert.ErrorContains(t, err, "foo@2.0.0 is linked by a job")
	assert.DirExists(t, filepath.Join(cfg.JobsDir, "job-2.0.0", "foo"))

	out, err = run(t, cfg, "cache", "remove", "--force", "foo@2.0.0")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed foo@2.0.0")

	_, err = run(t, cfg, "cache", "remove", "foo@2.0.0")
	assert.ErrorContains(t, err, "is not cached")

	out, err = run(t, cfg, "cache", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No packages in the cache.")
}

func TestCacheRemove_AfterRelease(t *testing.T) {
	cfg := testConfig(t)
	addPackage(t, cfg, "foo", "1.0.0")
	_, err := run(t, cfg, "install", "--job", "j1", "--quiet", "foo@1.0.0")
	require.NoError(t, err)

	_, err = run(t, cfg, "cache", "remove", "foo@1.0.0")
	require.Error(t, err)

	_, err = run(t, cfg, "release", "j1")
	require.NoError(t, err)
	out, err := run(t, cfg, "cache", "remove", "foo@1.0.0")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed foo@1.0.0")
}

func TestSetsCommand(t *testing.T) {
	cfg := config.DefaultConfig()
	out, err := run(t, cfg, "sets")
	require.NoError(t, err)
	assert.Contains(t, out, "No plugin sets configured.")

	cfg.PluginSets = map[string]config.PluginSet{
		"core": {Description: "Core generators", Plugins: []string{"a@1.0.0", "b@2.0.0"}},
	}
	out, err = run(t, cfg, "sets")
	require.NoError(t, err)
	assert.Contains(t, out, "SET")
	assert.Contains(t, out, "Core generators")
	assert.Contains(t, out, "a@1.0.0, b@2.0.0")
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, config.DefaultConfig(), "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "pinstall version dev"), out)
}

func TestOutputFlag_RejectsUnknownFormat(t *testing.T) {
	_, err := run(t, config.DefaultConfig(), "cache", "list", "-o", "xml")
	assert.ErrorContains(t, err, `unsupported output format: "xml"`)
}
