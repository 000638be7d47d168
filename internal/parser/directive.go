package parser

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/fabian4/haproxy-console/internal/model"
)

// ErrMalformed marks a line whose keyword is known but whose arguments are not.
var ErrMalformed = errors.New("malformed directive")

// Directive is one classified configuration line.
type Directive interface{ directive() }

// SectionKind names the section a header opens.
type SectionKind string

const (
	KindFrontend SectionKind = "frontend"
	KindBackend  SectionKind = "backend"
	// KindOther is any section whose content is not modeled (global, defaults, listen...).
	KindOther SectionKind = "other"
)

type (
	Header struct {
		Kind SectionKind
		Name string
	}
	Bind           model.Bind
	ACL            model.ACL
	UseBackend     model.RoutingRule
	DefaultBackend string
	Server         model.Server
	Mode           string
	Balance        string
)

func (Header) directive()         {}
func (Bind) directive()           {}
func (ACL) directive()            {}
func (UseBackend) directive()     {}
func (DefaultBackend) directive() {}
func (Server) directive()         {}
func (Mode) directive()           {}
func (Balance) directive()        {}

// otherSections close the open frontend/backend without opening a modeled one.
var otherSections = map[string]struct{}{
	"global":      {},
	"defaults":    {},
	"listen":      {},
	"peers":       {},
	"resolvers":   {},
	"userlist":    {},
	"cache":       {},
	"program":     {},
	"http-errors": {},
	"ring":        {},
	"mailers":     {},
}

// Classify maps a trimmed, non-empty, non-comment line to a directive.
// Unknown keywords yield (nil, nil); known keywords with bad arguments yield an
// error marked ErrMalformed.
func Classify(line string) (Directive, error) {
	kw := firstToken(line)
	if _, ok := otherSections[kw]; ok {
		return Header{Kind: KindOther, Name: kw}, nil
	}
	// A bare keyword with no arguments is not a directive.
	if kw == line {
		return nil, nil
	}
	switch kw {
	case "frontend":
		return header(KindFrontend, line)
	case "backend":
		return header(KindBackend, line)
	case "bind":
		if b, ok := ParseBind(line); ok {
			return Bind(b), nil
		}
	case "acl":
		if a, ok := ParseACL(line); ok {
			return ACL(a), nil
		}
	case "use_backend":
		if r, ok := ParseUseBackend(line); ok {
			return UseBackend(r), nil
		}
	case "default_backend":
		if v, ok := singleValue(line); ok {
			return DefaultBackend(v), nil
		}
	case "server":
		if s, ok := ParseServer(line); ok {
			return Server(s), nil
		}
	case "mode":
		if v, ok := singleValue(line); ok {
			return Mode(v), nil
		}
	case "balance":
		if v, ok := singleValue(line); ok {
			return Balance(v), nil
		}
	default:
		return nil, nil
	}
	return nil, errors.Mark(errors.Newf("%q", kw), ErrMalformed)
}

func header(kind SectionKind, line string) (Directive, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, errors.Mark(errors.Newf("%s without a name", kind), ErrMalformed)
	}
	return Header{Kind: kind, Name: fields[1]}, nil
}

// ParseBind reads "bind <addr>[:port] [ssl ...]".
func ParseBind(line string) (model.Bind, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return model.Bind{}, false
	}
	tls := hasToken(fields, "ssl")
	addr, port, ok := splitAddress(fields[1], model.DefaultPort(tls))
	if !ok {
		return model.Bind{}, false
	}
	if addr == "*" || addr == "" {
		addr = "0.0.0.0"
	}
	return model.Bind{
		Address:  addr,
		Port:     port,
		TLS:      tls,
		Protocol: model.ProtocolFor(tls),
	}, true
}

// ParseACL reads "acl <name> <matcher> <pattern...>".
func ParseACL(line string) (model.ACL, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return model.ACL{}, false
	}
	kind := model.ACLOther
	if strings.Contains(line, "hdr(host)") {
		kind = model.ACLHostname
	}
	return model.ACL{
		Name:       fields[1],
		Expression: strings.Join(fields[2:], " "),
		Kind:       kind,
	}, true
}

// ParseUseBackend reads "use_backend <name> [if|unless <cond...>]".
// The keyword after the name is dropped from the condition.
func ParseUseBackend(line string) (model.RoutingRule, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return model.RoutingRule{}, false
	}
	r := model.RoutingRule{Backend: fields[1]}
	if len(fields) > 3 {
		r.Condition = strings.Join(fields[3:], " ")
	}
	return r, true
}

// ParseServer reads "server <name> <addr>[:port] [check] [ssl ...]".
func ParseServer(line string) (model.Server, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return model.Server{}, false
	}
	addr, port, ok := splitAddress(fields[2], 80)
	if !ok {
		return model.Server{}, false
	}
	return model.Server{
		Name:        fields[1],
		Address:     addr,
		Port:        port,
		TLS:         hasToken(fields, "ssl"),
		HealthCheck: hasToken(fields, "check"),
		Status:      model.Unknown,
	}, true
}

func singleValue(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", false
	}
	return fields[1], true
}

// splitAddress splits on the first colon. A bracketed IPv6 literal keeps its colons.
func splitAddress(addr string, defPort int) (string, int, bool) {
	host, portStr := addr, ""
	if strings.HasPrefix(addr, "[") {
		end := strings.Index(addr, "]")
		if end < 0 {
			return "", 0, false
		}
		host = addr[1:end]
		rest := addr[end+1:]
		if rest != "" {
			if rest[0] != ':' {
				return "", 0, false
			}
			portStr = rest[1:]
		}
	} else if i := strings.IndexByte(addr, ':'); i >= 0 {
		host, portStr = addr[:i], addr[i+1:]
	}
	if portStr == "" {
		return host, defPort, true
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, false
	}
	return host, port, true
}

func hasToken(fields []string, tok string) bool {
	for _, f := range fields {
		if f == tok {
			return true
		}
	}
	return false
}

func firstToken(line string) string {
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i]
	}
	return line
}

// stripComment drops a trailing "# ..." that starts a token.
func stripComment(line string) string {
	for i := 0; i < len(line); i++ {
		if line[i] == '#' && (i == 0 || line[i-1] == ' ' || line[i-1] == '\t') {
			return strings.TrimSpace(line[:i])
		}
	}
	return line
}
