// Package meta holds build-wide identifiers shared across packages.
package meta

// AppName is the binary name; it also names the config directory (~/.pinstall)
// and the environment variable prefix (PINSTALL_).
const AppName = "pinstall"
