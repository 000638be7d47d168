// Package topology assembles the proxy's frontends, backends, servers and
// synthesized clients into a graph snapshot.
package topology

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/fabian4/haproxy-console/internal/metrics"
	"github.com/fabian4/haproxy-console/internal/model"
	"github.com/fabian4/haproxy-console/internal/parser"
	"github.com/fabian4/haproxy-console/internal/store"
)

// StatusSource reports whether the proxy service is running.
type StatusSource interface {
	Status(ctx context.Context) model.ServiceStatus
}

// LivenessAnnotator fills in server statuses in place.
type LivenessAnnotator interface {
	Annotate(ctx context.Context, backends []model.Backend)
}

// Builder produces a fresh Topology on every call. It holds no parse state.
type Builder struct {
	Store      store.Blob
	MainConfig string
	ConfDir    string
	Status     StatusSource
	Liveness   LivenessAnnotator
	Logger     *zap.Logger
	Metrics    *metrics.Registry
}

// Build never fails: a fragment that cannot be read or parsed is skipped, and
// any other failure yields a topology with Error set and empty collections.
func (b *Builder) Build(ctx context.Context) (topo *model.Topology) {
	start := time.Now()
	logger := b.logger()
	status := model.StatusUnknown
	defer func() {
		if r := recover(); r != nil {
			logger.Error("topology build panicked", zap.Any("panic", r))
			topo = model.NewTopology(status)
			topo.Error = fmt.Sprintf("topology build failed: %v", r)
		}
		if b.Metrics != nil {
			b.Metrics.ObserveBuild(time.Since(start))
		}
	}()

	if b.Status != nil {
		status = b.Status.Status(ctx)
	}
	topo = model.NewTopology(status)

	frontends, backends, err := b.parseAll()
	if err != nil {
		logger.Error("topology build failed", zap.Error(err))
		topo.Error = err.Error()
		return topo
	}
	if b.Liveness != nil {
		b.Liveness.Annotate(ctx, backends)
	}

	topo.Frontends = frontends
	topo.Backends = backends
	topo.Clients = Clients(frontends)
	topo.Edges = Edges(topo.Clients, frontends, backends)

	logger.Debug("topology built",
		zap.Int("frontends", len(frontends)),
		zap.Int("backends", len(backends)),
		zap.Int("edges", len(topo.Edges)),
		zap.Duration("elapsed", time.Since(start)))
	return topo
}

// Sections parses the configuration tree without probing servers or building
// edges.
func (b *Builder) Sections() ([]model.Frontend, []model.Backend, error) {
	return b.parseAll()
}

// parseAll reads the main config, then every fragment in sorted order.
func (b *Builder) parseAll() ([]model.Frontend, []model.Backend, error) {
	frontends := []model.Frontend{}
	backends := []model.Backend{}

	add := func(path string) {
		res, ok := b.parseFile(path)
		if !ok {
			return
		}
		frontends = append(frontends, res.Frontends...)
		backends = append(backends, res.Backends...)
	}

	if b.MainConfig != "" {
		add(b.MainConfig)
	}
	if b.ConfDir != "" {
		names, err := b.Store.ListFiles(b.ConfDir, ".cfg")
		if err != nil {
			return nil, nil, errors.Wrap(err, "list fragments")
		}
		for _, name := range names {
			add(filepath.Join(b.ConfDir, name))
		}
	}
	return frontends, backends, nil
}

func (b *Builder) parseFile(path string) (*parser.Result, bool) {
	logger := b.logger()
	text, err := b.Store.ReadText(path)
	if errors.Is(err, store.ErrNotFound) {
		logger.Debug("config file absent", zap.String("file", path))
		return nil, false
	}
	if err != nil {
		logger.Warn("skipping unreadable config file", zap.String("file", path), zap.Error(err))
		b.countFragment(true)
		return nil, false
	}

	name := filepath.Base(path)
	res, err := parser.Parse(name, text)
	for _, s := range res.Skipped {
		logger.Debug("ignored malformed directive",
			zap.String("file", s.File), zap.Int("line", s.Line), zap.String("text", s.Text), zap.Error(s.Reason))
	}
	if err != nil {
		// keep whatever sections were read before the failure
		logger.Warn("config file only partially parsed", zap.String("file", path), zap.Error(err))
		b.countFragment(true)
		return res, true
	}
	b.countFragment(false)
	return res, true
}

func (b *Builder) countFragment(skipped bool) {
	if b.Metrics != nil {
		b.Metrics.IncFragment(skipped)
	}
}

func (b *Builder) logger() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}
