package install

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/klauspost/compress/gzip"
	"github.com/nlepage/go-tarfs"
)

// openArchive exposes a tar or gzip-compressed tar archive as a read-only
// filesystem. When the archive root holds a single directory (npm packs
// everything under "package/"), that directory becomes the root. Symlink
// members are kept if their target stays inside that root.
func openArchive(data []byte) (fs.FS, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty archive", ErrExtractionFailed)
	}

	var reader io.Reader = bytes.NewReader(data)

	const gzipMagic1, gzipMagic2 = 0x1F, 0x8B
	if len(data) >= 2 && data[0] == gzipMagic1 && data[1] == gzipMagic2 {
		gzReader, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("%w: initializing gzip reader: %v", ErrExtractionFailed, err)
		}
		defer func() { _ = gzReader.Close() }()
		reader = gzReader
	}

	tfs, err := tarfs.New(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: reading tar: %v", ErrExtractionFailed, err)
	}

	entries, err := fs.ReadDir(tfs, ".")
	if err != nil {
		return nil, fmt.Errorf("%w: listing archive root: %v", ErrExtractionFailed, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: archive has no files", ErrExtractionFailed)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		sub, err := fs.Sub(tfs, entries[0].Name())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
		}
		return linkFS{sub}, nil
	}
	return linkFS{tfs}, nil
}

// linkFS lets os.CopyFS recreate the symlinks of a tar filesystem. The
// link target is read from the member's tar header.
type linkFS struct {
	fs.FS
}

var _ fs.ReadLinkFS = linkFS{}

func (l linkFS) ReadDir(name string) ([]fs.DirEntry, error) {
	return fs.ReadDir(l.FS, name)
}

// Lstat does not follow links: tar filesystems report members as stored.
func (l linkFS) Lstat(name string) (fs.FileInfo, error) {
	return fs.Stat(l.FS, name)
}

func (l linkFS) ReadLink(name string) (string, error) {
	info, err := l.Lstat(name)
	if err != nil {
		return "", err
	}
	hdr, ok := info.Sys().(*tar.Header)
	if !ok || info.Mode()&fs.ModeSymlink == 0 {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: fs.ErrInvalid}
	}

	target := hdr.Linkname
	if target == "" || path.IsAbs(target) || !fs.ValidPath(path.Join(path.Dir(name), target)) {
		return "", fmt.Errorf("%w: link %s points outside the package: %q", ErrExtractionFailed, name, target)
	}
	return target, nil
}
