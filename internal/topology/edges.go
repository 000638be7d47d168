package topology

import (
	"fmt"
	"strings"

	"github.com/fabian4/haproxy-console/internal/model"
)

// Clients synthesizes one external client per distinct bind port, in order of
// first appearance.
func Clients(frontends []model.Frontend) []model.ExternalClient {
	clients := []model.ExternalClient{}
	seen := make(map[int]bool)
	for _, fe := range frontends {
		for _, b := range fe.Binds {
			if seen[b.Port] {
				continue
			}
			seen[b.Port] = true
			clients = append(clients, model.NewExternalClient(b.Port))
		}
	}
	return clients
}

// Edges links clients to frontends, frontends to backends and backends to
// servers. Backends are referenced by name; unknown names produce no edge.
func Edges(clients []model.ExternalClient, frontends []model.Frontend, backends []model.Backend) []model.Edge {
	byName := make(map[string]*model.Backend, len(backends))
	for i := range backends {
		if _, dup := byName[backends[i].Name]; !dup {
			byName[backends[i].Name] = &backends[i]
		}
	}

	edges := []model.Edge{}
	add := func(e model.Edge) {
		e.ID = fmt.Sprintf("%s:%s->%s:%d", e.Kind, e.Source, e.Target, len(edges))
		edges = append(edges, e)
	}

	for _, c := range clients {
		for _, fe := range frontends {
			for _, b := range fe.Binds {
				if b.Port != c.Port {
					continue
				}
				add(model.Edge{
					Source:   c.ID,
					Target:   fe.ID(),
					Kind:     model.EdgeIncoming,
					Protocol: b.Protocol,
					Port:     b.Port,
				})
			}
		}
	}

	for _, fe := range frontends {
		proto := frontendProtocol(fe)
		for _, r := range fe.Rules {
			be, ok := byName[r.Backend]
			if !ok {
				continue
			}
			add(model.Edge{
				Source:    fe.ID(),
				Target:    be.ID(),
				Kind:      model.EdgeRouting,
				Protocol:  proto,
				Condition: r.Condition,
			})
		}
		if fe.DefaultBackend == "" {
			continue
		}
		if be, ok := byName[fe.DefaultBackend]; ok {
			add(model.Edge{
				Source:   fe.ID(),
				Target:   be.ID(),
				Kind:     model.EdgeDefaultRouting,
				Protocol: proto,
			})
		}
	}

	for _, be := range backends {
		for _, s := range be.Servers {
			add(model.Edge{
				Source:       be.ID(),
				Target:       model.ServerID(be.Name, s.Name),
				Kind:         model.EdgeBackendServer,
				Protocol:     model.ProtocolFor(s.TLS),
				Port:         s.Port,
				ServerStatus: s.Status,
			})
		}
	}
	return edges
}

func frontendProtocol(fe model.Frontend) string {
	if strings.EqualFold(fe.Mode, "tcp") {
		return model.ProtoTCP
	}
	return model.ProtoHTTP
}
