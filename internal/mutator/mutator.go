package mutator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/fabian4/haproxy-console/internal/metrics"
	"github.com/fabian4/haproxy-console/internal/store"
)

// DefaultCertificate is the certificate path written into a new skeleton.
const DefaultCertificate = "/etc/haproxy/certs/cloudflare.pem"

// Skeleton is the content of a freshly created frontend fragment.
func Skeleton(certificate string) string {
	if certificate == "" {
		certificate = DefaultCertificate
	}
	return `# --- Frontend for HTTP (port 80) - handles redirection ---
frontend http_redirect_frontend
    bind *:80
    mode http
    # Redirect all HTTP traffic to HTTPS for the same host
    redirect scheme https code 301 if !{ ssl_fc }

frontend https_frontend
    bind *:443 ssl crt ` + certificate + ` alpn h2,http/1.1

    ` + ACLAnchor + `

    ` + RuleAnchor + `

    # Default backend if no match
    default_backend default_backend
`
}

// Result is what the add-service workflow reports back.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// pathLocks serializes read-modify-write cycles per fragment path within this
// process. Writers in other processes are not excluded.
var pathLocks sync.Map

func lockFor(path string) *sync.Mutex {
	mu, _ := pathLocks.LoadOrStore(filepath.Clean(path), &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Mutator owns edits of one frontend fragment.
type Mutator struct {
	Store       store.Blob
	Path        string
	Certificate string
	Logger      *zap.Logger
	Metrics     *metrics.Registry
}

func New(s store.Blob, path, certificate string, logger *zap.Logger, m *metrics.Registry) *Mutator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mutator{Store: s, Path: path, Certificate: certificate, Logger: logger, Metrics: m}
}

// AddRouting makes the fragment route hostname to "{service}_backend".
// Repeating a call with the same arguments leaves the file unchanged.
func (m *Mutator) AddRouting(ctx context.Context, service, hostname string) Result {
	name := filepath.Base(m.Path)
	if err := validateToken("service name", service); err != nil {
		return m.fail(name, err)
	}
	if err := validateToken("hostname", hostname); err != nil {
		return m.fail(name, err)
	}
	if err := ctx.Err(); err != nil {
		return m.fail(name, err)
	}

	mu := lockFor(m.Path)
	mu.Lock()
	defer mu.Unlock()

	content, created, err := m.load()
	if err != nil {
		return m.fail(name, err)
	}

	e := Insert(content, service, hostname)
	for _, w := range e.Warnings {
		m.Logger.Warn(w, zap.String("file", m.Path), zap.String("service", service))
	}
	if !e.Changed() && !created {
		m.count("noop")
		m.Logger.Info("frontend already routes service",
			zap.String("file", m.Path), zap.String("service", service), zap.String("hostname", hostname))
		return Result{Success: true, Message: fmt.Sprintf("%s already routes %s.", name, service)}
	}

	if err := m.Store.WriteText(m.Path, e.Content); err != nil {
		return m.fail(name, err)
	}
	m.count("added")
	m.Logger.Info("frontend routing added",
		zap.String("file", m.Path),
		zap.String("service", service),
		zap.String("hostname", hostname),
		zap.Bool("created", created),
		zap.Bool("acl_added", e.ACLAdded),
		zap.Bool("rule_added", e.RuleAdded))
	return Result{Success: true, Message: fmt.Sprintf("%s updated successfully.", name)}
}

// RemoveRouting drops the service's hostname ACLs and routing line.
// A missing fragment or absent lines are a successful no-op.
func (m *Mutator) RemoveRouting(ctx context.Context, service string) Result {
	name := filepath.Base(m.Path)
	if err := validateToken("service name", service); err != nil {
		return m.fail(name, err)
	}
	if err := ctx.Err(); err != nil {
		return m.fail(name, err)
	}

	mu := lockFor(m.Path)
	mu.Lock()
	defer mu.Unlock()

	content, err := m.Store.ReadText(m.Path)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Success: true, Message: fmt.Sprintf("%s does not exist.", name)}
	}
	if err != nil {
		return m.fail(name, err)
	}
	e := Remove(content, service)
	if !e.Changed() {
		m.count("noop")
		return Result{Success: true, Message: fmt.Sprintf("%s has no routing for %s.", name, service)}
	}
	if err := m.Store.WriteText(m.Path, e.Content); err != nil {
		return m.fail(name, err)
	}
	m.count("removed")
	m.Logger.Info("frontend routing removed",
		zap.String("file", m.Path),
		zap.String("service", service),
		zap.Int("acls", e.ACLRemoved),
		zap.Int("rules", e.RuleRemoved))
	return Result{Success: true, Message: fmt.Sprintf("%s updated successfully.", name)}
}

// load returns the fragment content, or the skeleton when it does not exist.
func (m *Mutator) load() (string, bool, error) {
	content, err := m.Store.ReadText(m.Path)
	if err == nil {
		return content, false, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		m.Logger.Info("creating frontend fragment", zap.String("file", m.Path))
		return Skeleton(m.Certificate), true, nil
	}
	return "", false, err
}

func (m *Mutator) fail(name string, err error) Result {
	m.count("error")
	m.Logger.Error("frontend update failed", zap.String("file", m.Path), zap.Error(err))
	return Result{Success: false, Message: fmt.Sprintf("Error updating %s: %v", name, err)}
}

func (m *Mutator) count(outcome string) {
	if m.Metrics != nil {
		m.Metrics.IncMutation(outcome)
	}
}

// validateToken rejects values that would split or comment out a config line.
func validateToken(what, v string) error {
	if v == "" {
		return errors.Newf("%s is required", what)
	}
	if strings.ContainsAny(v, " \t\r\n#") {
		return errors.Newf("%s %q must be a single token", what, v)
	}
	return nil
}
