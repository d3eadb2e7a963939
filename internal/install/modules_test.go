package install

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobModules_LinkAndFinalize(t *testing.T) {
	modules, err := NewJobModules(t.TempDir())
	require.NoError(t, err)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "index.js"), []byte("x"), 0o644))

	_, err = modules.Link("job-1", "foo", src)
	assert.Error(t, err, "linking into a job that is not open")

	require.NoError(t, modules.Open("job-1"))
	p, err := modules.Link("job-1", "foo", src)
	require.NoError(t, err)

	again, err := modules.Link("job-1", "foo", src)
	require.NoError(t, err)
	assert.Equal(t, p, again)

	target, err := os.Readlink(p)
	require.NoError(t, err)
	assert.Equal(t, src, target)

	got, err := modules.Finalize("job-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"foo": p}, got)
	assert.Equal(t, []string{"job-1"}, modules.Jobs())
	assert.True(t, modules.Referenced()[src])

	require.NoError(t, modules.Release("job-1"))
	assert.NoDirExists(t, modules.Dir("job-1"))
	assert.Empty(t, modules.Referenced())
	assert.DirExists(t, src, "release never touches the cache entry")
}

func TestJobModules_OpenClearsStaleDir(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, "job-1", "old-plugin")
	require.NoError(t, os.MkdirAll(stale, 0o755))

	modules, err := NewJobModules(root)
	require.NoError(t, err)
	require.NoError(t, modules.Open("job-1"))
	assert.NoDirExists(t, stale)
	assert.DirExists(t, modules.Dir("job-1"))

	assert.ErrorIs(t, modules.Open("../job"), ErrInvalidDescriptor)
}

func TestJobModules_ReferencedSeesEarlierRuns(t *testing.T) {
	root := t.TempDir()
	plain, scoped := t.TempDir(), t.TempDir()

	first, err := NewJobModules(root)
	require.NoError(t, err)
	require.NoError(t, first.Open("job-1"))
	_, err = first.Link("job-1", "foo", plain)
	require.NoError(t, err)
	_, err = first.Link("job-1", "@acme/auth", scoped)
	require.NoError(t, err)

	// A new process knows nothing about job-1 but finds its links.
	second, err := NewJobModules(root)
	require.NoError(t, err)
	refs := second.Referenced()
	assert.True(t, refs[plain])
	assert.True(t, refs[scoped])
	assert.Empty(t, second.Jobs())
}

func TestJobModules_CopyFallback(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "index.js"), []byte("x"), 0o644))

	modules, err := NewJobModules(t.TempDir())
	require.NoError(t, err)
	modules.symlink = func(string, string) error { return &fs.PathError{Op: "symlink", Err: errors.ErrUnsupported} }

	require.NoError(t, modules.Open("job-copy"))
	p, err := modules.Link("job-copy", "@scope/pkg", src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(modules.Dir("job-copy"), "@scope", "pkg"), p)

	info, err := os.Lstat(p)
	require.NoError(t, err)
	assert.True(t, info.IsDir(), "fallback produces a real directory")
	assert.FileExists(t, filepath.Join(p, "index.js"))

	_, err = modules.Link("job-copy", "@scope/pkg", t.TempDir())
	assert.Error(t, err, "relinking a name to a different source")
}

func TestJobModules_OpenWhileBusy(t *testing.T) {
	modules, err := NewJobModules(t.TempDir())
	require.NoError(t, err)
	src := t.TempDir()

	require.NoError(t, modules.Open("job-1"))
	_, err = modules.Link("job-1", "foo", src)
	require.NoError(t, err)
	assert.ErrorIs(t, modules.Open("job-1"), ErrJobBusy)

	modules.Close("job-1")
	assert.True(t, modules.Links(src), "closing keeps the links")

	require.NoError(t, modules.Open("job-1"))
	got, err := modules.Finalize("job-1")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.False(t, modules.Links(src))
}
