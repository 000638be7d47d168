// Package service implements the add-service workflow: write a backend
// fragment for one upstream, then route its hostname to it.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/fabian4/haproxy-console/internal/mutator"
	"github.com/fabian4/haproxy-console/internal/store"
)

// ErrInvalid marks request validation failures.
var ErrInvalid = errors.New("invalid request")

// Port accepts both 8080 and "8080" in JSON.
type Port int

func (p *Port) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*p = 0
		return nil
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return errors.Newf("port %q is not a number", b)
	}
	*p = Port(n)
	return nil
}

// Request is the wizard form.
type Request struct {
	Name     string `json:"service_name" validate:"required,max=64"`
	IP       string `json:"service_ip" validate:"required,ip|hostname_rfc1123"`
	Port     Port   `json:"service_port" validate:"required,min=1,max=65535"`
	Hostname string `json:"service_url" validate:"required,vhost"`
	HTTPS    bool   `json:"is_https"`
}

// Result is returned on success.
type Result struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	Service         string `json:"service"`
	BackendFile     string `json:"backend_file"`
	FrontendPath    string `json:"frontend_cfg_path"`
	FrontendContent string `json:"frontend_cfg_content"`
}

// Wizard creates backend fragments in ConfDir and routes them through Frontend.
type Wizard struct {
	Store    store.Blob
	ConfDir  string
	Frontend *mutator.Mutator
	Logger   *zap.Logger

	validate *validator.Validate
}

func NewWizard(s store.Blob, confDir string, frontend *mutator.Mutator, logger *zap.Logger) *Wizard {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	_ = v.RegisterValidation("vhost", func(fl validator.FieldLevel) bool {
		h := strings.TrimPrefix(fl.Field().String(), "*.")
		return v.Var(h, "fqdn") == nil || v.Var(h, "hostname_rfc1123") == nil
	})
	return &Wizard{Store: s, ConfDir: confDir, Frontend: frontend, Logger: logger, validate: v}
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// Sanitize turns a display name into a token usable in section and file names.
func Sanitize(name string) string {
	s := unsafeChars.ReplaceAllString(name, "_")
	if s == "" || (!unicode.IsLetter(rune(s[0])) && s[0] != '_') {
		s = "service_" + strings.TrimLeft(s, "_")
	}
	return s
}

// BackendFile is the fragment name for a sanitized service.
func BackendFile(service string) string {
	return "10-" + service + "_backend.cfg"
}

// BackendFragment renders the backend section for one server. IPv6 addresses
// are bracketed so the port stays separable.
func BackendFragment(service, ip string, port int, https bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "backend %s_backend\n", service)
	b.WriteString("    mode http\n")
	b.WriteString("    balance roundrobin\n")
	b.WriteString("    option forwardfor\n")
	b.WriteString("    http-reuse safe\n")
	fmt.Fprintf(&b, "    server %s_server %s check inter 5s fall 3 rise 2", service, net.JoinHostPort(ip, strconv.Itoa(port)))
	if https {
		b.WriteString(" ssl verify none")
	}
	b.WriteString("\n")
	b.WriteString("    timeout connect 10s\n")
	b.WriteString("    timeout server 30s\n")
	b.WriteString("    retries 4\n")
	return b.String()
}

// DecodeRequest parses a JSON wizard form.
func DecodeRequest(b []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(b, &req); err != nil {
		return req, errors.Mark(errors.Wrap(err, "decode wizard request"), ErrInvalid)
	}
	return req, nil
}

// AddService writes the backend fragment and then updates the frontend
// fragment. A frontend failure leaves the backend file in place.
func (w *Wizard) AddService(ctx context.Context, req Request) (*Result, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.IP = strings.TrimSpace(req.IP)
	req.Hostname = strings.ToLower(strings.TrimSpace(req.Hostname))
	if err := w.validate.Struct(req); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "all wizard fields are required and must be well formed"), ErrInvalid)
	}

	svc := Sanitize(req.Name)
	file := BackendFile(svc)
	path := filepath.Join(w.ConfDir, file)
	logger := w.Logger.With(zap.String("service", svc), zap.String("hostname", req.Hostname))

	if err := w.Store.WriteText(path, BackendFragment(svc, req.IP, int(req.Port), req.HTTPS)); err != nil {
		return nil, errors.Wrapf(err, "error creating backend file '%s'", file)
	}
	logger.Info("backend fragment written", zap.String("file", path))

	res := w.Frontend.AddRouting(ctx, svc, req.Hostname)
	if !res.Success {
		logger.Warn("frontend update failed after backend file creation", zap.String("reason", res.Message))
		return nil, errors.Newf("backend created, but frontend update failed: %s", res.Message)
	}

	frontendName := filepath.Base(w.Frontend.Path)
	content, err := w.Store.ReadText(w.Frontend.Path)
	if err != nil {
		content = "Could not retrieve updated " + frontendName + " content."
	}
	return &Result{
		Success:         true,
		Message:         fmt.Sprintf("Backend '%s' and %s updated successfully.", file, frontendName),
		Service:         svc,
		BackendFile:     file,
		FrontendPath:    w.Frontend.Path,
		FrontendContent: content,
	}, nil
}
