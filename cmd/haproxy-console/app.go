package main

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/fabian4/haproxy-console/internal/api"
	"github.com/fabian4/haproxy-console/internal/command"
	"github.com/fabian4/haproxy-console/internal/config"
	"github.com/fabian4/haproxy-console/internal/health"
	"github.com/fabian4/haproxy-console/internal/logging"
	"github.com/fabian4/haproxy-console/internal/metrics"
	"github.com/fabian4/haproxy-console/internal/mutator"
	"github.com/fabian4/haproxy-console/internal/ratelimit"
	"github.com/fabian4/haproxy-console/internal/service"
	"github.com/fabian4/haproxy-console/internal/store"
	"github.com/fabian4/haproxy-console/internal/topology"
)

// app is every component wired from one configuration.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	metrics  *metrics.Registry
	store    *store.FS
	proxy    *command.Service
	builder  *topology.Builder
	frontend *mutator.Mutator
	wizard   *service.Wizard
	limiter  *ratelimit.Limiter
}

func newApp(configPath, logLevel string) (*app, error) {
	cfg := config.Default()
	if configPath != "" {
		c, err := config.Load(configPath)
		if err != nil {
			return nil, errors.Wrap(err, "config")
		}
		cfg = c
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, errors.Wrap(err, "logger")
	}

	reg := metrics.NewRegistry()
	fs := store.NewFS()
	exec := command.NewLocal(cfg.Timeouts.Command, log.Named("command"))
	proxy := command.NewService(exec, command.Commands{
		Status:  cfg.Commands.Status,
		Start:   cfg.Commands.Start,
		Stop:    cfg.Commands.Stop,
		Restart: cfg.Commands.Restart,
		Test:    cfg.Commands.Test,
	})
	frontend := mutator.New(fs, cfg.FrontendPath(), cfg.Paths.Certificate, log.Named("mutator"), reg)

	return &app{
		cfg:     cfg,
		log:     log,
		metrics: reg,
		store:   fs,
		proxy:   proxy,
		builder: &topology.Builder{
			Store:      fs,
			MainConfig: cfg.Paths.HAProxyCfg,
			ConfDir:    cfg.Paths.ConfDir,
			Status:     proxy,
			Liveness:   health.NewAnnotator(health.NewTCPProber(cfg.Probe.Timeout), cfg.Probe.Concurrency, reg),
			Logger:     log.Named("topology"),
			Metrics:    reg,
		},
		frontend: frontend,
		wizard:   service.NewWizard(fs, cfg.Paths.ConfDir, frontend, log.Named("wizard")),
		limiter:  ratelimit.NewLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
	}, nil
}

func (a *app) api() *api.Server {
	return &api.Server{
		Topology:   a.builder,
		Controller: a.proxy,
		Store:      a.store,
		ConfDir:    a.cfg.Paths.ConfDir,
		MainConfig: a.cfg.Paths.HAProxyCfg,
		Frontend:   a.frontend,
		Wizard:     a.wizard,
		Limiter:    a.limiter,
		Metrics:    a.metrics,
		Logger:     a.log.Named("api"),
	}
}
