// Package source provides package sources for the install manager: an npm
// style tarball registry, an OCI registry, local directories and the
// packages embedded in the binary.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/whiskeyjimb/pinstall/internal/install"
)

// Chain tries each source in order. It moves on to the next source only
// when a source does not have the package; any other failure is final.
//
// The CLI builds local -> embedded -> remote.
type Chain []install.Source

func (c Chain) Fetch(ctx context.Context, name, version string) ([]byte, error) {
	var misses []error
	for _, s := range c {
		if s == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := s.Fetch(ctx, name, version)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, install.ErrPackageNotFound) {
			return nil, err
		}
		misses = append(misses, err)
	}
	if len(misses) == 0 {
		return nil, fmt.Errorf("%w: %s@%s: no sources configured", install.ErrPackageNotFound, name, version)
	}
	return nil, errors.Join(misses...)
}
