package topology

import (
	"strings"

	"github.com/fabian4/haproxy-console/internal/model"
)

// Decision is where a request for a host would be sent.
type Decision struct {
	Frontend  string `json:"frontend"`
	Backend   string `json:"backend"`
	Condition string `json:"condition,omitempty"`
	Default   bool   `json:"default"`
}

type frontendRoutes struct {
	name     string
	ports    map[int]bool
	byHost   map[string]model.RoutingRule // lower-case host -> first matching rule
	fallback string
}

// RouteTable answers "which backend serves this Host header" from the
// hostname ACLs and use_backend rules of the parsed frontends.
type RouteTable struct {
	frontends []frontendRoutes
}

func NewRouteTable(frontends []model.Frontend) *RouteTable {
	t := &RouteTable{}
	for _, fe := range frontends {
		fr := frontendRoutes{
			name:     fe.Name,
			ports:    make(map[int]bool),
			byHost:   make(map[string]model.RoutingRule),
			fallback: fe.DefaultBackend,
		}
		for _, b := range fe.Binds {
			fr.ports[b.Port] = true
		}

		hostsByACL := make(map[string][]string)
		for _, a := range fe.ACLs {
			if a.Kind != model.ACLHostname {
				continue
			}
			hostsByACL[a.Name] = append(hostsByACL[a.Name], aclHosts(a.Expression)...)
		}
		// rules are evaluated in order, so the first one to claim a host keeps it
		for _, r := range fe.Rules {
			acls, ok := hostConditionACLs(r.Condition, hostsByACL)
			if !ok {
				continue
			}
			for _, name := range acls {
				for _, h := range hostsByACL[name] {
					if _, taken := fr.byHost[h]; !taken {
						fr.byHost[h] = r
					}
				}
			}
		}
		t.frontends = append(t.frontends, fr)
	}
	return t
}

// Match resolves host. A port > 0 limits the search to frontends bound to it.
// When no rule matches, the default backend of the first candidate frontend
// that has one is returned.
func (t *RouteTable) Match(host string, port int) (Decision, bool) {
	h := strings.ToLower(hostOnly(host))
	for _, fr := range t.frontends {
		if port > 0 && !fr.ports[port] {
			continue
		}
		if r, ok := fr.byHost[h]; ok {
			return Decision{Frontend: fr.name, Backend: r.Backend, Condition: r.Condition}, true
		}
	}
	for _, fr := range t.frontends {
		if port > 0 && !fr.ports[port] {
			continue
		}
		if fr.fallback != "" {
			return Decision{Frontend: fr.name, Backend: fr.fallback, Default: true}, true
		}
	}
	return Decision{}, false
}

// aclHosts extracts patterns from "hdr(host) [-i] [-m str] a b c".
func aclHosts(expr string) []string {
	fields := strings.Fields(expr)
	var hosts []string
	for i := 1; i < len(fields); i++ {
		f := fields[i]
		if strings.HasPrefix(f, "-") {
			if f == "-m" || f == "-f" {
				i++
			}
			continue
		}
		hosts = append(hosts, strings.ToLower(f))
	}
	return hosts
}

// hostConditionACLs accepts "a" and "a || b" / "a or b" where every term is a
// hostname ACL. Negations and conjunctions are not host-only and are skipped.
func hostConditionACLs(cond string, hostACLs map[string][]string) ([]string, bool) {
	if cond == "" {
		return nil, false
	}
	var names []string
	terms := strings.Fields(cond)
	for i, term := range terms {
		if term == "||" || term == "or" {
			if i == 0 || i == len(terms)-1 {
				return nil, false
			}
			continue
		}
		if i > 0 && terms[i-1] != "||" && terms[i-1] != "or" {
			return nil, false
		}
		if _, ok := hostACLs[term]; !ok {
			return nil, false
		}
		names = append(names, term)
	}
	return names, len(names) > 0
}

func hostOnly(h string) string {
	if strings.HasPrefix(h, "[") {
		if i := strings.IndexByte(h, ']'); i >= 0 {
			return h[1:i]
		}
	}
	if i := strings.IndexByte(h, ':'); i >= 0 {
		return h[:i]
	}
	return h
}
