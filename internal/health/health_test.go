package health

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/haproxy-console/internal/model"
)

func listen(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

// closedPort returns a port that was just released.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestTCPProber_Healthy(t *testing.T) {
	host, port := listen(t)
	p := NewTCPProber(time.Second)
	assert.Equal(t, model.Healthy, p.Probe(context.Background(), host, port))
}

func TestTCPProber_WildcardProbesLoopback(t *testing.T) {
	_, port := listen(t)
	p := NewTCPProber(time.Second)
	assert.Equal(t, model.Healthy, p.Probe(context.Background(), "0.0.0.0", port))
}

func TestTCPProber_ZeroValue(t *testing.T) {
	host, port := listen(t)
	var p TCPProber
	assert.Equal(t, model.Healthy, p.Probe(context.Background(), host, port))
	assert.Equal(t, model.Unreachable, p.Probe(context.Background(), "127.0.0.1", closedPort(t)))
}

func TestTCPProber_Refused(t *testing.T) {
	p := NewTCPProber(time.Second)
	assert.Equal(t, model.Unreachable, p.Probe(context.Background(), "127.0.0.1", closedPort(t)))
}

func TestTCPProber_BadPort(t *testing.T) {
	p := NewTCPProber(time.Second)
	assert.Equal(t, model.Unknown, p.Probe(context.Background(), "127.0.0.1", 0))
}

func TestTCPProber_DNSFailure(t *testing.T) {
	p := NewTCPProber(time.Second)
	p.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Net: network, Err: &net.DNSError{Err: "no such host", Name: "nowhere.invalid"}}
	}
	assert.Equal(t, model.Unknown, p.Probe(context.Background(), "nowhere.invalid", 80))
}

func TestTCPProber_Timeout(t *testing.T) {
	p := NewTCPProber(20 * time.Millisecond)
	p.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	start := time.Now()
	assert.Equal(t, model.Unreachable, p.Probe(context.Background(), "10.255.255.1", 80))
	assert.Less(t, time.Since(start), time.Second)
}

type countingProber struct {
	mu       sync.Mutex
	seen     map[string]int
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (c *countingProber) Probe(_ context.Context, address string, port int) model.Liveness {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	c.mu.Lock()
	c.seen[net.JoinHostPort(address, strconv.Itoa(port))]++
	c.mu.Unlock()
	if port == 8080 {
		return model.Healthy
	}
	return model.Unreachable
}

func TestAnnotator_Annotate(t *testing.T) {
	backends := []model.Backend{
		{Name: "a", Servers: []model.Server{
			{Name: "a1", Address: "10.0.0.1", Port: 8080},
			{Name: "a2", Address: "10.0.0.2", Port: 9090},
		}},
		{Name: "b", Servers: []model.Server{
			{Name: "b1", Address: "10.0.0.3", Port: 8080},
		}},
		{Name: "empty"},
	}
	cp := &countingProber{seen: map[string]int{}}
	NewAnnotator(cp, 2, nil).Annotate(context.Background(), backends)

	assert.Equal(t, model.Healthy, backends[0].Servers[0].Status)
	assert.Equal(t, model.Unreachable, backends[0].Servers[1].Status)
	assert.Equal(t, model.Healthy, backends[1].Servers[0].Status)
	assert.Len(t, cp.seen, 3)
	assert.LessOrEqual(t, cp.peak.Load(), int32(2))
}

func TestAnnotator_CancelledContext(t *testing.T) {
	backends := []model.Backend{{Name: "a", Servers: []model.Server{{Name: "a1", Address: "10.0.0.1", Port: 8080}}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cp := &countingProber{seen: map[string]int{}}
	NewAnnotator(cp, 0, nil).Annotate(ctx, backends)
	assert.Equal(t, model.Unknown, backends[0].Servers[0].Status)
	assert.Empty(t, cp.seen)
}
