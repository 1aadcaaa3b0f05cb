package device

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Prober answers the single question "is this host reachable at L3/L4"
// ahead of a poll, so an offline router costs one connect attempt
// instead of a full three-adapter fallback walk.
type Prober interface {
	ProbeReachable(ctx context.Context, host string, port int) bool
}

// TCPProber probes by opening a TCP connection to the router's native
// API port. It is the default: it needs no privileges and exercises
// the same path the poll will use.
type TCPProber struct {
	Dialer net.Dialer
}

func (p *TCPProber) ProbeReachable(ctx context.Context, host string, port int) bool {
	resolved, err := resolveHost(ctx, host)
	if err != nil {
		return false
	}
	conn, err := p.Dialer.DialContext(ctx, "tcp", net.JoinHostPort(resolved, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// ICMPProber probes with a single echo request. Requires raw socket
// privileges (or net.ipv4.ping_group_range on Linux); used when the
// router's API port is firewalled but ICMP is open.
type ICMPProber struct {
	Privileged bool
}

func (p *ICMPProber) ProbeReachable(ctx context.Context, host string, _ int) bool {
	resolved, err := resolveHost(ctx, host)
	if err != nil {
		return false
	}
	pinger, err := probing.NewPinger(resolved)
	if err != nil {
		return false
	}
	defer pinger.Stop()
	pinger.SetPrivileged(p.Privileged)
	pinger.Count = 1
	pinger.Interval = 100 * time.Millisecond

	if err := pinger.RunWithContext(ctx); err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}

// resolveHost resolves a hostname (IP or DDNS name) once per call so a
// stale DNS answer never outlives a poll.
func resolveHost(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("%w: resolve %s: %v", ErrUnreachable, host, err)
	}
	return addrs[0], nil
}
