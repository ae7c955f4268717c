package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haivivi/nexus/pkg/cli"
	"github.com/haivivi/nexus/pkg/engine"
	"github.com/haivivi/nexus/pkg/lineage"
	"github.com/haivivi/nexus/pkg/nexus"
)

var errNoArchive = errors.New("archive_dir is not configured for this context")

// runtime is everything a command needs from one context.
type runtime struct {
	ctx      *cli.Context
	orch     *nexus.Orchestrator
	registry *prometheus.Registry

	// store is nil when the context has no archive_dir.
	store lineage.Store
}

// newRuntime loads both engines of the current context and opens its
// archive.
func newRuntime(ctx context.Context) (*runtime, error) {
	cctx, err := getContext()
	if err != nil {
		return nil, err
	}
	if err := cctx.Validate(); err != nil {
		return nil, err
	}

	logger := slog.Default()
	idle := cctx.Timeout(nexus.DefaultIdleTimeout)
	lopts := engine.LoadOptions{Logger: logger, IdleTimeout: idle}
	cloud, err := engine.Load(ctx, engine.Cloud, cctx.Cloud, lopts)
	if err != nil {
		return nil, fmt.Errorf("cloud engine: %w", err)
	}
	local, err := engine.Load(ctx, engine.Local, cctx.Local, lopts)
	if err != nil {
		return nil, fmt.Errorf("local engine: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt := &runtime{
		ctx: cctx,
		orch: nexus.New(cloud, local,
			nexus.WithIdleTimeout(idle),
			nexus.WithCritiqueLimit(cctx.CritiqueLimit),
			nexus.WithLogger(logger),
			nexus.WithMetrics(nexus.NewMetrics(reg)),
		),
		registry: reg,
	}
	if cctx.ArchiveDir != "" {
		if rt.store, err = openArchive(cctx); err != nil {
			return nil, err
		}
	}
	printVerbose("context %q: cloud=%s local=%s idle=%s", cctx.Name, cloud.Name(), local.Name(), idle)
	return rt, nil
}

func (rt *runtime) Close() error {
	if rt.store != nil {
		return rt.store.Close()
	}
	return nil
}

func openArchive(cctx *cli.Context) (lineage.Store, error) {
	if cctx.ArchiveDir == "" {
		return nil, errNoArchive
	}
	dir := cctx.ArchiveDir
	if cfg, err := getConfig(); err == nil {
		dir = cfg.Resolve(dir)
	}
	store, err := lineage.OpenBadger(lineage.BadgerOptions{Dir: dir, Logger: slog.Default()})
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", dir, err)
	}
	return store, nil
}

// printVerbose prints verbose output if enabled
func printVerbose(format string, args ...any) {
	if verbose {
		slog.Debug(fmt.Sprintf(format, args...))
	}
}
