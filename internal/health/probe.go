// Package health probes backend servers with a TCP connect and annotates
// topology servers with the outcome.
package health

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/fabian4/haproxy-console/internal/model"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 2 * time.Second

// Prober reports the liveness of address:port.
type Prober interface {
	Probe(ctx context.Context, address string, port int) model.Liveness
}

// TCPProber dials the server and closes the connection straight away. The
// zero value probes with DefaultTimeout.
type TCPProber struct {
	Timeout time.Duration
	// dial is swapped in tests; nil uses a net.Dialer.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

var _ Prober = (*TCPProber)(nil)

func NewTCPProber(timeout time.Duration) *TCPProber {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := &net.Dialer{Timeout: timeout}
	return &TCPProber{Timeout: timeout, dial: d.DialContext}
}

// Probe returns healthy on connect, unreachable when the dial itself fails
// (refused, timed out, no route) and unknown for anything that prevented a
// dial attempt, such as name resolution.
func (p *TCPProber) Probe(ctx context.Context, address string, port int) model.Liveness {
	if port < 1 || port > 65535 {
		return model.Unknown
	}
	switch address {
	case "", "*", "0.0.0.0", "::":
		address = "127.0.0.1"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := p.dial
	if dial == nil {
		dial = (&net.Dialer{Timeout: timeout}).DialContext
	}
	conn, err := dial(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return classify(err)
	}
	_ = conn.Close()
	return model.Healthy
}

func classify(err error) model.Liveness {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return model.Unknown
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return model.Unreachable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.Unreachable
	}
	return model.Unknown
}
