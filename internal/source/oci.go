package source

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	hostplugin "github.com/reglet-dev/reglet-host-sdk/plugin"
	hostdto "github.com/reglet-dev/reglet-host-sdk/plugin/dto"
	hostoci "github.com/reglet-dev/reglet-host-sdk/plugin/oci"
	hostrepository "github.com/reglet-dev/reglet-host-sdk/plugin/repository"
	hostresolvers "github.com/reglet-dev/reglet-host-sdk/plugin/resolvers"
	hostservices "github.com/reglet-dev/reglet-host-sdk/plugin/services"
	hostsigning "github.com/reglet-dev/reglet-host-sdk/plugin/signing"

	"github.com/whiskeyjimb/pinstall/internal/install"
	"github.com/whiskeyjimb/pinstall/internal/meta"
)

// OCIModuleFile is the name the WASM module gets inside the package.
const OCIModuleFile = "plugin.wasm"

// OCIConfig holds configuration for the OCI plugin source.
type OCIConfig struct {
	// Registry is the repository prefix plugin names are resolved under,
	// e.g. "ghcr.io/acme/plugins".
	Registry string

	// BlobDir is where the host SDK keeps pulled blobs.
	// Default: ~/.pinstall/oci/
	BlobDir string

	// RequireSigning controls whether signature verification is mandatory.
	RequireSigning bool

	// Logger for registry operations. If nil, uses slog.Default().
	Logger *slog.Logger
}

// ModuleLoader pulls a plugin and returns the local path of its WASM
// module. *hostplugin.PluginService satisfies it.
type ModuleLoader interface {
	LoadPlugin(ctx context.Context, spec *hostdto.PluginSpecDTO) (string, error)
}

// OCISource pulls WASM plugins from an OCI registry and hands them to the
// cache as a package holding plugin.wasm and a package.json.
type OCISource struct {
	registry string
	loader   ModuleLoader
	logger   *slog.Logger
}

// NewOCISource builds the host SDK plugin stack: env based registry auth,
// a blob repository, cosign integrity checks and a cache -> registry
// resolver chain.
func NewOCISource(cfg OCIConfig) (*OCISource, error) {
	if cfg.Registry == "" {
		return nil, fmt.Errorf("oci source: a registry is required")
	}
	if cfg.BlobDir == "" {
		cfg.BlobDir = DefaultBlobDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// REGISTRY_USERNAME / REGISTRY_PASSWORD
	authProvider := hostoci.NewEnvAuthProvider()
	registryAdapter := hostoci.NewOCIRegistryAdapter(authProvider)

	repository, err := hostrepository.NewFSPluginRepository(cfg.BlobDir)
	if err != nil {
		return nil, fmt.Errorf("opening oci blob dir: %w", err)
	}

	integrityVerifier := hostsigning.NewCosignVerifier(nil, nil)
	integrityService := hostservices.NewIntegrityService(cfg.RequireSigning)

	registryResolver := hostresolvers.NewRegistryPluginResolver(
		registryAdapter,
		repository,
		cfg.Logger,
	)
	cachedResolver := hostresolvers.NewCachedPluginResolver(repository)
	cachedResolver.SetNext(registryResolver)

	service := hostplugin.NewPluginService(
		repository,
		registryAdapter,
		hostplugin.WithResolver(cachedResolver),
		hostplugin.WithIntegrityVerifier(integrityVerifier),
		hostplugin.WithIntegrityService(integrityService),
		hostplugin.WithLogger(cfg.Logger),
	)

	return NewOCISourceWithLoader(cfg.Registry, service, cfg.Logger), nil
}

// NewOCISourceWithLoader builds an OCISource on an existing loader.
func NewOCISourceWithLoader(registry string, loader ModuleLoader, logger *slog.Logger) *OCISource {
	if logger == nil {
		logger = slog.Default()
	}
	return &OCISource{
		registry: strings.TrimRight(registry, "/"),
		loader:   loader,
		logger:   logger,
	}
}

// Reference returns the OCI reference name@version resolves to. Scoped
// names drop the leading "@": "@acme/auth" -> "<registry>/acme/auth".
func (s *OCISource) Reference(name, version string) string {
	return fmt.Sprintf("%s/%s:%s", s.registry, strings.TrimPrefix(name, "@"), version)
}

func (s *OCISource) Fetch(ctx context.Context, name, version string) ([]byte, error) {
	ref := s.Reference(name, version)
	s.logger.Debug("pulling plugin", "ref", ref)

	wasmPath, err := s.loader.LoadPlugin(ctx, &hostdto.PluginSpecDTO{Name: ref})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: pulling %s: %v", classifyRegistryError(err), ref, err)
	}

	module, err := os.ReadFile(wasmPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading pulled module: %v", install.ErrSourceUnavailable, err)
	}
	return packModule(name, version, ref, module)
}

// classifyRegistryError maps host SDK failures onto install failure
// classes. Registry responses arrive as go-containerregistry transport
// errors; reglet-host-sdk v0.1.3 wraps some of them with %v, which leaves
// only the message to go by.
func classifyRegistryError(err error) error {
	var terr *transport.Error
	if errors.As(err, &terr) {
		switch terr.StatusCode {
		case http.StatusNotFound:
			return install.ErrPackageNotFound
		case http.StatusTooManyRequests:
			return install.ErrRateLimited
		}
		for _, d := range terr.Errors {
			switch d.Code {
			case transport.ManifestUnknownErrorCode, transport.NameUnknownErrorCode:
				return install.ErrPackageNotFound
			case transport.TooManyRequestsErrorCode:
				return install.ErrRateLimited
			}
		}
		return install.ErrSourceUnavailable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found"), strings.Contains(msg, "manifest_unknown"), strings.Contains(msg, "name_unknown"):
		return install.ErrPackageNotFound
	case strings.Contains(msg, "toomanyrequests"), strings.Contains(msg, "too many requests"):
		return install.ErrRateLimited
	default:
		return install.ErrSourceUnavailable
	}
}

type ociManifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Main    string `json:"main"`
	OCIRef  string `json:"ociRef"`
}

// packModule wraps a WASM module in a tar so it goes through the same
// extraction as registry tarballs.
func packModule(name, version, ref string, module []byte) ([]byte, error) {
	manifest, err := json.MarshalIndent(ociManifest{Name: name, Version: version, Main: OCIModuleFile, OCIRef: ref}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: encoding manifest: %v", install.ErrSourceUnavailable, err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()
	if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: "package/", Mode: 0o755, ModTime: now}); err != nil {
		return nil, fmt.Errorf("%w: packing module: %v", install.ErrSourceUnavailable, err)
	}
	for _, f := range []struct {
		name string
		body []byte
	}{
		{"package/package.json", manifest},
		{"package/" + OCIModuleFile, module},
	} {
		hdr := &tar.Header{Typeflag: tar.TypeReg, Name: f.name, Mode: 0o644, Size: int64(len(f.body)), ModTime: now}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("%w: packing module: %v", install.ErrSourceUnavailable, err)
		}
		if _, err := tw.Write(f.body); err != nil {
			return nil, fmt.Errorf("%w: packing module: %v", install.ErrSourceUnavailable, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("%w: packing module: %v", install.ErrSourceUnavailable, err)
	}
	return buf.Bytes(), nil
}

// DefaultBlobDir returns the default OCI blob directory.
// ~/.pinstall/oci/
func DefaultBlobDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "."+meta.AppName, "oci")
	}
	return filepath.Join(home, "."+meta.AppName, "oci")
}
