package health

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/fabian4/haproxy-console/internal/metrics"
	"github.com/fabian4/haproxy-console/internal/model"
)

// DefaultConcurrency caps in-flight probes per annotation.
const DefaultConcurrency = 16

// Annotator probes every server of a topology and records the result on it.
type Annotator struct {
	Prober      Prober
	Concurrency int
	Metrics     *metrics.Registry
}

func NewAnnotator(p Prober, concurrency int, m *metrics.Registry) *Annotator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Annotator{Prober: p, Concurrency: concurrency, Metrics: m}
}

// Annotate sets Status on every server in backends. Each probe writes only
// its own server slot, so the slices are safe to fill concurrently.
func (a *Annotator) Annotate(ctx context.Context, backends []model.Backend) {
	limit := a.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i := range backends {
		servers := backends[i].Servers
		for j := range servers {
			srv := &servers[j]
			g.Go(func() error {
				if ctx.Err() != nil {
					srv.Status = model.Unknown
				} else {
					srv.Status = a.Prober.Probe(ctx, srv.Address, srv.Port)
				}
				if a.Metrics != nil {
					a.Metrics.IncProbe(string(srv.Status))
				}
				return nil
			})
		}
	}
	_ = g.Wait()
}
