package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/whiskeyjimb/pinstall/internal/install"
)

// FSSource serves package archives from a filesystem. An archive for
// name@version is looked up as "<name>-<version>.tgz", then ".tar", where
// a scope separator in name is written as "+": "@scope+pkg-1.0.0.tgz".
type FSSource struct {
	fsys fs.FS
	desc string
}

// NewFSSource serves archives from the root of fsys.
func NewFSSource(fsys fs.FS) *FSSource {
	return &FSSource{fsys: fsys, desc: "fs"}
}

// NewDirSource serves archives from a local directory. A missing directory
// holds no packages.
func NewDirSource(dir string) *FSSource {
	return &FSSource{fsys: os.DirFS(dir), desc: dir}
}

// NewEmbeddedSource serves the archives compiled into the binary. Without
// the embed_packages build tag it never has a package.
func NewEmbeddedSource() *FSSource {
	sub, err := fs.Sub(EmbeddedPackages, "packages")
	if err != nil {
		return &FSSource{fsys: EmbeddedPackages, desc: "embedded"}
	}
	return &FSSource{fsys: sub, desc: "embedded"}
}

// ArchiveNames returns the file names FSSource tries for name@version.
func ArchiveNames(name, version string) []string {
	base := strings.Replace(name, "/", "+", 1) + "-" + version
	return []string{base + ".tgz", base + ".tar"}
}

func (s *FSSource) Fetch(ctx context.Context, name, version string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, file := range ArchiveNames(name, version) {
		data, err := fs.ReadFile(s.fsys, file)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrInvalid) {
			continue
		}
		return nil, fmt.Errorf("%w: reading %s from %s: %v", install.ErrSourceUnavailable, file, s.desc, err)
	}
	return nil, fmt.Errorf("%w: %s@%s not in %s", install.ErrPackageNotFound, name, version, s.desc)
}
