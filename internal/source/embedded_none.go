//go:build !embed_packages

package source

import "embed"

// EmbeddedPackages is empty when built without the embed_packages tag.
var EmbeddedPackages embed.FS
