package cli

import (
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/whiskeyjimb/pinstall/internal/config"
	"github.com/whiskeyjimb/pinstall/internal/install"
	"github.com/whiskeyjimb/pinstall/internal/meta"
	"github.com/whiskeyjimb/pinstall/internal/source"
)

// DefaultFactory builds a filesystem-backed manager whose packages come
// from NewSource.
func DefaultFactory(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*install.Manager, error) {
	fetchTimeout, err := cfg.FetchTimeoutDuration()
	if err != nil {
		return nil, err
	}
	return install.New(install.Config{
		CacheDir:     cfg.CacheDir,
		JobsDir:      cfg.JobsDir,
		Source:       source.NewCounting(NewSource(cfg, logger)),
		FetchTimeout: fetchTimeout,
		Concurrency:  cfg.Concurrency,
		Logger:       logger,
		Registerer:   reg,
	})
}

// NewSource builds the package source chain.
//
// Resolution order:
//  1. Local archives: <packages_dir>/<name>-<version>.tgz
//  2. Embedded archives (embed_packages builds)
//  3. Tarball registry: <registry_url>/<name>/-/<basename>-<version>.tgz
//  4. OCI registry: <default_registry>/<name>:<version> (if configured)
func NewSource(cfg *config.Config, logger *slog.Logger) install.Source {
	var chain source.Chain
	if cfg.PackagesDir != "" {
		chain = append(chain, source.NewDirSource(cfg.PackagesDir))
	}
	chain = append(chain, source.NewEmbeddedSource())

	if cfg.RegistryURL != "" {
		opts := []source.HTTPOption{source.WithHTTPLogger(logger)}
		if cfg.RegistryToken != "" {
			opts = append(opts, source.WithToken(cfg.RegistryToken))
		}
		chain = append(chain, source.NewHTTPSource(cfg.RegistryURL, opts...))
	}

	if cfg.DefaultRegistry != "" {
		oci, err := source.NewOCISource(source.OCIConfig{
			Registry:       cfg.DefaultRegistry,
			RequireSigning: cfg.RequireSigning,
			Logger:         logger,
		})
		if err != nil {
			// Continue without it; the other sources still work.
			logger.Warn("OCI source disabled", "registry", cfg.DefaultRegistry, "error", err)
		} else {
			chain = append(chain, oci)
		}
	}
	return chain
}

// connectEvents publishes install events to NATS.
func connectEvents(cfg *config.Config) (install.Observer, func(), error) {
	conn, err := nats.Connect(cfg.NATSURL, nats.Name(meta.AppName))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	obs := install.PublishObserver{Publisher: conn, Subject: cfg.NATSSubject}
	return obs, func() { _ = conn.Drain() }, nil
}
