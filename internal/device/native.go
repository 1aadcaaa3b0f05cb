package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-routeros/routeros/v3"
)

// NativeAdapter speaks the MikroTik binary API (default port 8728).
// It holds at most one connection and redials lazily after a failure,
// so a supervisor pays the login cost once per healthy stretch.
type NativeAdapter struct {
	target Target
	creds  Credentials

	mu     sync.Mutex
	conn   net.Conn
	client *routeros.Client
}

func NewNativeAdapter(target Target, creds Credentials) *NativeAdapter {
	return &NativeAdapter{target: target, creds: creds}
}

func (a *NativeAdapter) Method() Method { return MethodNative }

func (a *NativeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.drop()
	return nil
}

// drop discards the live connection. Caller holds a.mu.
func (a *NativeAdapter) drop() {
	if a.client != nil {
		_ = a.client.Close()
		a.client = nil
	}
	a.conn = nil
}

// session dials and logs in if needed, then arms the connection with
// the context deadline for the next command exchange.
func (a *NativeAdapter) session(ctx context.Context) (*routeros.Client, error) {
	if a.client == nil {
		addr := net.JoinHostPort(a.target.Host, strconv.Itoa(a.target.Port))
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, classifyDialErr(err)
		}
		client, err := routeros.NewClient(conn)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
		if err := client.Login(a.creds.Username, a.creds.Password); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		a.conn = conn
		a.client = client
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = a.conn.SetDeadline(deadline)
	} else {
		_ = a.conn.SetDeadline(time.Time{})
	}
	return a.client, nil
}

// run executes one API sentence, dropping the connection on any
// transport failure so the next call starts clean.
func (a *NativeAdapter) run(ctx context.Context, sentence ...string) (*routeros.Reply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	client, err := a.session(ctx)
	if err != nil {
		a.drop()
		return nil, err
	}
	reply, err := client.Run(sentence...)
	if err != nil {
		a.drop()
		return nil, a.classifyRunErr(err)
	}
	return reply, nil
}

func (a *NativeAdapter) classifyRunErr(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var operr *net.OpError
	if errors.As(err, &operr) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	// A trap sentence from the device is a protocol-level rejection.
	return fmt.Errorf("%w: %v", ErrProtocol, err)
}

func (a *NativeAdapter) ListInterfaces(ctx context.Context, mode Mode) ([]Interface, error) {
	if mode == ModeNone {
		return nil, nil
	}
	reply, err := a.run(ctx, "/interface/print",
		"=.proplist=name,type,mac-address,comment,running,disabled")
	if err != nil {
		return nil, err
	}
	ifaces := make([]Interface, 0, len(reply.Re))
	for _, re := range reply.Re {
		iface := Interface{
			Name:     re.Map["name"],
			Type:     re.Map["type"],
			MAC:      re.Map["mac-address"],
			Comment:  re.Map["comment"],
			Running:  routerosBool(re.Map["running"]),
			Disabled: routerosBool(re.Map["disabled"]),
		}
		if iface.Name == "" {
			continue
		}
		if !mode.Includes(iface.Type) {
			continue
		}
		ifaces = append(ifaces, iface)
	}
	return ifaces, nil
}

func (a *NativeAdapter) ReadCounters(ctx context.Context, names []string) ([]CounterReading, error) {
	reply, err := a.run(ctx, "/interface/print", "=stats=",
		"=.proplist=name,rx-byte,tx-byte")
	if err != nil {
		return nil, err
	}
	want := nameSet(names)
	sampledAt := time.Now().UTC()
	readings := make([]CounterReading, 0, len(reply.Re))
	for _, re := range reply.Re {
		name := re.Map["name"]
		if name == "" || (want != nil && !want[name]) {
			continue
		}
		rx, rxErr := strconv.ParseUint(re.Map["rx-byte"], 10, 64)
		tx, txErr := strconv.ParseUint(re.Map["tx-byte"], 10, 64)
		if rxErr != nil || txErr != nil {
			return nil, fmt.Errorf("%w: bad counter for %s: rx=%q tx=%q",
				ErrProtocol, name, re.Map["rx-byte"], re.Map["tx-byte"])
		}
		readings = append(readings, CounterReading{
			Name:      name,
			RxBytes:   rx,
			TxBytes:   tx,
			SampledAt: sampledAt,
		})
	}
	return readings, nil
}

func (a *NativeAdapter) ListIPAddresses(ctx context.Context) ([]IPAddress, error) {
	reply, err := a.run(ctx, "/ip/address/print",
		"=.proplist=address,network,interface,dynamic,disabled")
	if err != nil {
		return nil, err
	}
	addrs := make([]IPAddress, 0, len(reply.Re))
	for _, re := range reply.Re {
		addrs = append(addrs, IPAddress{
			Address:   re.Map["address"],
			Network:   re.Map["network"],
			Interface: re.Map["interface"],
			Dynamic:   routerosBool(re.Map["dynamic"]),
			Disabled:  routerosBool(re.Map["disabled"]),
		})
	}
	return addrs, nil
}

func (a *NativeAdapter) ListRoutes(ctx context.Context) ([]Route, error) {
	reply, err := a.run(ctx, "/ip/route/print",
		"=.proplist=dst-address,gateway,distance,active,static")
	if err != nil {
		return nil, err
	}
	routes := make([]Route, 0, len(reply.Re))
	for _, re := range reply.Re {
		distance, _ := strconv.Atoi(re.Map["distance"])
		routes = append(routes, Route{
			DstAddress: re.Map["dst-address"],
			Gateway:    re.Map["gateway"],
			Distance:   distance,
			Active:     routerosBool(re.Map["active"]),
			Static:     routerosBool(re.Map["static"]),
		})
	}
	return routes, nil
}

func nameSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// routerosBool is tolerant of the "yes"/"no" spelling some RouterOS
// versions use in place of "true"/"false".
func routerosBool(s string) bool {
	return s == "true" || s == "yes"
}
