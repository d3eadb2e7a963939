package install

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// JobModules maintains one directory per generation job holding a link to
// each of the job's installed plugins. Cache entries are immutable, so a
// symlink is enough; platforms that refuse symlinks get a copy instead.
type JobModules struct {
	root    string
	symlink func(oldname, newname string) error
	copyFS  func(dir string, fsys fs.FS) error

	mu   sync.Mutex
	jobs map[string]*jobDir
}

type jobDir struct {
	busy bool // guarded by JobModules.mu

	mu    sync.Mutex
	links map[string]string // plugin name -> cache path
	paths map[string]string // plugin name -> path inside the job dir
}

// NewJobModules creates root if needed.
func NewJobModules(root string) (*JobModules, error) {
	if root == "" {
		root = DefaultJobsDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating jobs dir: %w", err)
	}
	return &JobModules{
		root:    root,
		symlink: os.Symlink,
		copyFS:  os.CopyFS,
		jobs:    make(map[string]*jobDir),
	}, nil
}

// Root returns the jobs root directory.
func (m *JobModules) Root() string { return m.root }

// Dir returns the module directory of a job.
func (m *JobModules) Dir(jobID string) string {
	return filepath.Join(m.root, jobID)
}

// Open starts a batch for jobID in an empty module directory. Links left
// by an earlier batch of the same job are dropped. Opening a job whose
// previous batch has not been closed fails with ErrJobBusy.
func (m *JobModules) Open(jobID string) error {
	if err := ValidateJobID(jobID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok && j.busy {
		return fmt.Errorf("%w: %q", ErrJobBusy, jobID)
	}
	if err := os.RemoveAll(m.Dir(jobID)); err != nil {
		return fmt.Errorf("clearing job dir: %w", err)
	}
	if err := os.MkdirAll(m.Dir(jobID), 0o755); err != nil {
		return fmt.Errorf("creating job dir: %w", err)
	}
	m.jobs[jobID] = &jobDir{links: make(map[string]string), paths: make(map[string]string), busy: true}
	return nil
}

// Close ends the batch opened for jobID. Its links stay until Release or
// the next Open.
func (m *JobModules) Close(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok {
		j.busy = false
	}
}

func (m *JobModules) job(jobID string) (*jobDir, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %q is not open", jobID)
	}
	return j, nil
}

// Link makes sourcePath reachable as <job dir>/<pluginName> and returns
// that path. Linking the same name to the same source twice is a no-op.
func (m *JobModules) Link(jobID, pluginName, sourcePath string) (string, error) {
	j, err := m.job(jobID)
	if err != nil {
		return "", err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if prev, ok := j.links[pluginName]; ok {
		if prev == sourcePath {
			return j.paths[pluginName], nil
		}
		return "", fmt.Errorf("job %q already links %s to %s", jobID, pluginName, prev)
	}

	// Scoped names ("@scope/pkg") nest under their scope directory.
	target := filepath.Join(m.Dir(jobID), filepath.FromSlash(pluginName))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("creating module parent dir: %w", err)
	}

	if err := m.symlink(sourcePath, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("linking %s: %w", pluginName, err)
		}
		// No symlinks here; fall back to a private copy.
		if cerr := m.copyFS(target, os.DirFS(sourcePath)); cerr != nil {
			_ = os.RemoveAll(target)
			return "", fmt.Errorf("copying %s into job dir: %w", pluginName, errors.Join(err, cerr))
		}
	}

	j.links[pluginName] = sourcePath
	j.paths[pluginName] = target
	return target, nil
}

// Finalize returns the job's plugin name -> module path mapping.
func (m *JobModules) Finalize(jobID string) (map[string]string, error) {
	j, err := m.job(jobID)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make(map[string]string, len(j.paths))
	for name, p := range j.paths {
		out[name] = p
	}
	return out, nil
}

// Release forgets jobID and removes its module directory. Cache entries
// are untouched.
func (m *JobModules) Release(jobID string) error {
	if err := ValidateJobID(jobID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.jobs, jobID)
	m.mu.Unlock()

	if err := os.RemoveAll(m.Dir(jobID)); err != nil {
		return fmt.Errorf("removing job dir: %w", err)
	}
	return nil
}

// Jobs lists open job IDs.
func (m *JobModules) Jobs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *JobModules) openJobs() []*jobDir {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]*jobDir, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	return jobs
}

// Links reports whether a job known to this process links cachePath.
func (m *JobModules) Links(cachePath string) bool {
	for _, j := range m.openJobs() {
		if j.linksTo(cachePath) {
			return true
		}
	}
	return false
}

func (j *jobDir) linksTo(cachePath string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, src := range j.links {
		if src == cachePath {
			return true
		}
	}
	return false
}

// Referenced returns the set of cache paths linked by any job, whether
// open in this process or left on disk by an earlier one. An entry in
// this set must not be evicted.
func (m *JobModules) Referenced() map[string]bool {
	refs := make(map[string]bool)
	for _, j := range m.openJobs() {
		j.mu.Lock()
		for _, src := range j.links {
			refs[src] = true
		}
		j.mu.Unlock()
	}
	m.scanLinks(refs)
	return refs
}

// scanLinks adds the symlink targets found in every job dir under root.
// Copied modules do not reference the cache and are skipped.
func (m *JobModules) scanLinks(refs map[string]bool) {
	jobs, err := os.ReadDir(m.root)
	if err != nil {
		return
	}
	for _, job := range jobs {
		if !job.IsDir() {
			continue
		}
		dir := filepath.Join(m.root, job.Name())
		modules, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, mod := range modules {
			p := filepath.Join(dir, mod.Name())
			if mod.IsDir() && strings.HasPrefix(mod.Name(), "@") {
				scoped, err := os.ReadDir(p)
				if err != nil {
					continue
				}
				for _, s := range scoped {
					addLinkTarget(refs, filepath.Join(p, s.Name()))
				}
				continue
			}
			addLinkTarget(refs, p)
		}
	}
}

func addLinkTarget(refs map[string]bool, p string) {
	if target, err := os.Readlink(p); err == nil {
		refs[target] = true
	}
}
