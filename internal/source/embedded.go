//go:build embed_packages

package source

import "embed"

// EmbeddedPackages contains the core plugin archives bundled with the
// binary.
//
// To add embedded packages, copy <name>-<version>.tgz files to the
// internal/source/packages/ directory.
//
//go:embed packages/*.tgz
var EmbeddedPackages embed.FS
