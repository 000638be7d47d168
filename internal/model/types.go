package model

import (
	"strconv"
	"time"
)

// Protocols reported on binds, clients and edges.
const (
	ProtoHTTP  = "HTTP"
	ProtoHTTPS = "HTTPS"
	ProtoTCP   = "TCP"
)

// ACL kinds.
const (
	ACLHostname = "hostname"
	ACLOther    = "other"
)

// Section defaults applied when a backend does not say otherwise.
const (
	DefaultMode    = "http"
	DefaultBalance = "roundrobin"
)

// Liveness of a server as seen by a connection probe.
type Liveness string

const (
	Healthy     Liveness = "healthy"
	Unreachable Liveness = "unreachable"
	Unknown     Liveness = "unknown"
)

// ServiceStatus of the proxy process itself.
type ServiceStatus string

const (
	StatusRunning ServiceStatus = "running"
	StatusStopped ServiceStatus = "stopped"
	StatusUnknown ServiceStatus = "unknown"
	StatusError   ServiceStatus = "error"
)

// EdgeKind classifies a topology edge.
type EdgeKind string

const (
	EdgeIncoming       EdgeKind = "incoming"
	EdgeRouting        EdgeKind = "routing"
	EdgeDefaultRouting EdgeKind = "default_routing"
	EdgeBackendServer  EdgeKind = "backend_server"
)

// Bind is one listen address of a frontend.
type Bind struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	TLS      bool   `json:"tls"`
	Protocol string `json:"protocol"`
}

// DefaultPort is the implied port for a bind or server without one.
func DefaultPort(tls bool) int {
	if tls {
		return 443
	}
	return 80
}

// ProtocolFor maps the tls flag to HTTP/HTTPS.
func ProtocolFor(tls bool) string {
	if tls {
		return ProtoHTTPS
	}
	return ProtoHTTP
}

// ACL is a named matcher. Expression is the raw text after the name.
type ACL struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Kind       string `json:"kind"`
}

// RoutingRule is a use_backend line. Condition is empty when unconditional.
type RoutingRule struct {
	Backend   string `json:"backend"`
	Condition string `json:"condition,omitempty"`
}

type Frontend struct {
	Name           string        `json:"name"`
	SourceFile     string        `json:"source_file"`
	Mode           string        `json:"mode,omitempty"`
	Binds          []Bind        `json:"binds"`
	ACLs           []ACL         `json:"acls"`
	Rules          []RoutingRule `json:"rules"`
	DefaultBackend string        `json:"default_backend,omitempty"`
}

// ID is the node key; same-named frontends from different files share it.
func (f *Frontend) ID() string { return "frontend_" + f.Name }

type Backend struct {
	Name       string   `json:"name"`
	SourceFile string   `json:"source_file"`
	Mode       string   `json:"mode"`
	Balance    string   `json:"balance"`
	Servers    []Server `json:"servers"`
}

func (b *Backend) ID() string { return "backend_" + b.Name }

type Server struct {
	Name        string   `json:"name"`
	Address     string   `json:"address"`
	Port        int      `json:"port"`
	TLS         bool     `json:"tls"`
	HealthCheck bool     `json:"health_check"`
	Status      Liveness `json:"status"`
}

// ServerID keys a server node under its backend.
func ServerID(backend, server string) string { return "server_" + backend + "_" + server }

// ExternalClient is synthesized per distinct bind port.
type ExternalClient struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// NewExternalClient names a client node after its port.
func NewExternalClient(port int) ExternalClient {
	c := ExternalClient{ID: "client_" + strconv.Itoa(port), Port: port}
	switch port {
	case 80:
		c.Name, c.Protocol = "HTTP Clients", ProtoHTTP
	case 443:
		c.Name, c.Protocol = "HTTPS Clients", ProtoHTTPS
	default:
		c.Name, c.Protocol = "Port "+strconv.Itoa(port)+" Clients", ProtoTCP
	}
	return c
}

type Edge struct {
	ID           string   `json:"id"`
	Source       string   `json:"source"`
	Target       string   `json:"target"`
	Kind         EdgeKind `json:"kind"`
	Protocol     string   `json:"protocol,omitempty"`
	Condition    string   `json:"condition,omitempty"`
	Port         int      `json:"port,omitempty"`
	ServerStatus Liveness `json:"server_status,omitempty"`
}

// ProxyNode is the single node standing for the proxy service.
type ProxyNode struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Status ServiceStatus `json:"status"`
}

// Topology is a read-only snapshot, rebuilt on every request.
type Topology struct {
	Proxy       ProxyNode        `json:"haproxy"`
	Frontends   []Frontend       `json:"frontends"`
	Backends    []Backend        `json:"backends"`
	Edges       []Edge           `json:"edges"`
	Clients     []ExternalClient `json:"external_clients"`
	Error       string           `json:"error,omitempty"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// NewTopology returns an empty snapshot with non-nil collections.
func NewTopology(status ServiceStatus) *Topology {
	return &Topology{
		Proxy:       ProxyNode{ID: "haproxy", Name: "HAProxy", Status: status},
		Frontends:   []Frontend{},
		Backends:    []Backend{},
		Edges:       []Edge{},
		Clients:     []ExternalClient{},
		GeneratedAt: time.Now().UTC(),
	}
}
