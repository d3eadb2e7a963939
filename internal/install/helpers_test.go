package install

import (
	"archive/tar"
	"bytes"
	"context"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// makeArchive builds a gzip-compressed tar holding files under an npm-style
// "package/" root.
func makeArchive(t testing.TB, files map[string]string) []byte {
	t.Helper()
	prefixed := make(map[string]string, len(files))
	for name, body := range files {
		prefixed["package/"+name] = body
	}
	return gzipBytes(t, tarBytes(t, prefixed))
}

func tarBytes(t testing.TB, files map[string]string) []byte {
	t.Helper()
	return tarWithLinks(t, files, nil)
}

// tarWithLinks is tarBytes plus symlink members (name -> target).
func tarWithLinks(t testing.TB, files, links map[string]string) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	dirs := map[string]bool{}
	for _, name := range names {
		for dir := path.Dir(name); dir != "." && !dirs[dir]; dir = path.Dir(dir) {
			dirs[dir] = true
		}
	}
	dirNames := make([]string, 0, len(dirs))
	for d := range dirs {
		dirNames = append(dirNames, d)
	}
	sort.Strings(dirNames)
	for _, d := range dirNames {
		if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: d + "/", Mode: 0o755}); err != nil {
			t.Fatalf("writing dir header: %v", err)
		}
	}
	for _, name := range names {
		body := files[name]
		if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: name, Mode: 0o644, Size: int64(len(body))}); err != nil {
			t.Fatalf("writing header: %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("writing body: %v", err)
		}
	}
	linkNames := make([]string, 0, len(links))
	for name := range links {
		linkNames = append(linkNames, name)
	}
	sort.Strings(linkNames)
	for _, name := range linkNames {
		if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeSymlink, Name: name, Linkname: links[name], Mode: 0o777}); err != nil {
			t.Fatalf("writing link header: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar: %v", err)
	}
	return buf.Bytes()
}

func gzipBytes(t testing.TB, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

// fakeSource serves archives from memory and counts calls per key.
type fakeSource struct {
	mu       sync.Mutex
	archives map[Key][]byte
	failures map[Key]error
	calls    map[Key]int
	total    atomic.Int64

	// gate, when set, blocks every Fetch until closed.
	gate chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		archives: make(map[Key][]byte),
		failures: make(map[Key]error),
		calls:    make(map[Key]int),
	}
}

func (s *fakeSource) add(t testing.TB, name, version string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archives[Descriptor{Name: name, Version: version}.Key()] = makeArchive(t, map[string]string{
		"package.json": `{"name":"` + name + `","version":"` + version + `"}`,
		"dist/index.js": "module.exports = {};\n",
	})
}

func (s *fakeSource) fail(name, version string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[Descriptor{Name: name, Version: version}.Key()] = err
}

func (s *fakeSource) Fetch(ctx context.Context, name, version string) ([]byte, error) {
	key := Descriptor{Name: name, Version: version}.Key()
	s.total.Add(1)

	s.mu.Lock()
	s.calls[key]++
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failures[key]; ok {
		return nil, err
	}
	data, ok := s.archives[key]
	if !ok {
		return nil, ErrPackageNotFound
	}
	return data, nil
}

func (s *fakeSource) callsFor(name, version string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[Descriptor{Name: name, Version: version}.Key()]
}

// memCache is an in-memory Cache for manager tests that should not touch
// extraction.
type memCache struct {
	mu      sync.Mutex
	root    string
	entries map[Key]Entry
	puts    int
}

func newMemCache(root string) *memCache {
	return &memCache{root: root, entries: make(map[Key]Entry)}
}

func (c *memCache) Has(key Key) bool {
	_, err := c.Get(key)
	return err == nil
}

func (c *memCache) Get(key Key) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (c *memCache) Put(_ context.Context, key Key, archive []byte) (Entry, error) {
	if len(archive) == 0 {
		return Entry{}, &InstallError{Key: key, Op: "extract", Err: ErrExtractionFailed}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	e := Entry{Key: key, Path: path.Join(c.root, key.PathSegment()), Status: StatusReady}
	c.entries[key] = e
	return e, nil
}

func (c *memCache) putCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts
}
