package device

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/require"
)

func TestMode_Includes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode      Mode
		ifaceType string
		want      bool
	}{
		{ModeNone, "ether", false},
		{ModeNone, "vlan", false},
		{ModeStatic, "ether", true},
		{ModeStatic, "vlan", true},
		{ModeStatic, "bridge", true},
		{ModeStatic, "pppoe-out", false},
		{ModeStatic, "wg", false},
		{ModeAll, "ether", true},
		{ModeAll, "pppoe-out", true},
		{ModeAll, "", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode)+"/"+tt.ifaceType, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, tt.mode.Includes(tt.ifaceType))
		})
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	require.False(t, Retryable(ErrAuthFailed))
	require.False(t, Retryable(ErrFeatureUnavailable))
	require.True(t, Retryable(ErrUnreachable))
	require.True(t, Retryable(ErrProtocol))
	require.True(t, Retryable(ErrTimeout))
	require.True(t, Retryable(errors.New("unclassified")))

	// Wrapped sentinels classify the same way.
	require.False(t, Retryable(&net.OpError{Op: "dial", Err: ErrAuthFailed}))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyDialErr(t *testing.T) {
	t.Parallel()

	require.NoError(t, classifyDialErr(nil))

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline exceeded", context.DeadlineExceeded, ErrTimeout},
		{"net timeout", timeoutErr{}, ErrTimeout},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, ErrUnreachable},
		{"unclassified", errors.New("no route to host"), ErrUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.ErrorIs(t, classifyDialErr(tt.err), tt.want)
		})
	}
}

func TestRouterOSBool(t *testing.T) {
	t.Parallel()

	require.True(t, routerosBool("true"))
	require.True(t, routerosBool("yes"))
	require.False(t, routerosBool("false"))
	require.False(t, routerosBool("no"))
	require.False(t, routerosBool(""))
}

func TestNameSet(t *testing.T) {
	t.Parallel()

	require.Nil(t, nameSet(nil))
	require.Nil(t, nameSet([]string{}))

	set := nameSet([]string{"ether1", "ether2"})
	require.True(t, set["ether1"])
	require.False(t, set["ether3"])
}

func TestPDUHelpers(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ether1", pduString(gosnmp.SnmpPDU{Value: []byte("ether1")}))
	require.Equal(t, "ether1", pduString(gosnmp.SnmpPDU{Value: "ether1"}))
	require.Equal(t, "", pduString(gosnmp.SnmpPDU{Value: 42}))

	require.Equal(t, 6, pduInt(gosnmp.SnmpPDU{Value: uint(6)}))

	require.Equal(t, "D4:CA:6D:00:11:22",
		pduMAC(gosnmp.SnmpPDU{Value: []byte{0xd4, 0xca, 0x6d, 0x00, 0x11, 0x22}}))
	require.Equal(t, "", pduMAC(gosnmp.SnmpPDU{Value: []byte{0xd4, 0xca}}))
	require.Equal(t, "", pduMAC(gosnmp.SnmpPDU{Value: "not bytes"}))
}

func TestIANAIfType(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ether", ianaIfType[6])
	require.Equal(t, "vlan", ianaIfType[53])
	require.Equal(t, "vlan", ianaIfType[135])
	require.Equal(t, "bridge", ianaIfType[209])
	_, ok := ianaIfType[999]
	require.False(t, ok)
}

func TestResolveHost(t *testing.T) {
	t.Parallel()

	// IP literals pass through without a lookup.
	addr, err := resolveHost(context.Background(), "192.0.2.1")
	require.NoError(t, err)
	require.Equal(t, "192.0.2.1", addr)

	addr, err = resolveHost(context.Background(), "::1")
	require.NoError(t, err)
	require.Equal(t, "::1", addr)

	// .invalid never resolves.
	_, err = resolveHost(context.Background(), "router.invalid")
	require.ErrorIs(t, err, ErrUnreachable)
}

func TestTCPProber(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	p := &TCPProber{}
	require.True(t, p.ProbeReachable(context.Background(), "127.0.0.1", port))
	require.False(t, p.ProbeReachable(context.Background(), "router.invalid", port))

	_ = ln.Close()
	require.False(t, p.ProbeReachable(context.Background(), "127.0.0.1", port))
}

func TestSNMPAdapter_ListRoutesUnavailable(t *testing.T) {
	t.Parallel()

	a := NewSNMPAdapter(Target{Host: "127.0.0.1", Port: 161})
	_, err := a.ListRoutes(context.Background())
	require.ErrorIs(t, err, ErrFeatureUnavailable)
}

// newRESTServer serves handler over TLS and returns an adapter pointed
// at it with verification disabled, mirroring the self-signed certs
// routers ship with.
func newRESTServer(t *testing.T, handler http.Handler) *RESTAdapter {
	t.Helper()

	server := httptest.NewTLSServer(handler)
	t.Cleanup(server.Close)

	host, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	a := NewRESTAdapter(
		Target{Host: host, Port: port, TLSInsecure: true},
		Credentials{Username: "monitor", Password: "secret"},
	)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

const restInterfaceBody = `[
	{"name":"ether1","type":"ether","mac-address":"D4:CA:6D:00:11:22","comment":"uplink","running":"true","disabled":"false","rx-byte":"1000","tx-byte":"2000"},
	{"name":"vlan100","type":"vlan","mac-address":"D4:CA:6D:00:11:22","comment":"","running":"yes","disabled":"no","rx-byte":"300","tx-byte":"400"},
	{"name":"pppoe-out1","type":"pppoe-out","mac-address":"","comment":"","running":"false","disabled":"false","rx-byte":"5","tx-byte":"6"}
]`

func TestRESTAdapter_ListInterfaces(t *testing.T) {
	t.Parallel()

	a := newRESTServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "monitor", user)
		require.Equal(t, "secret", pass)
		require.Equal(t, "/rest/interface", r.URL.Path)
		_, _ = w.Write([]byte(restInterfaceBody))
	}))

	ifaces, err := a.ListInterfaces(context.Background(), ModeStatic)
	require.NoError(t, err)
	require.Len(t, ifaces, 2)
	require.Equal(t, Interface{
		Name:    "ether1",
		Type:    "ether",
		MAC:     "D4:CA:6D:00:11:22",
		Comment: "uplink",
		Running: true,
	}, ifaces[0])
	require.Equal(t, "vlan100", ifaces[1].Name)
	require.True(t, ifaces[1].Running)

	all, err := a.ListInterfaces(context.Background(), ModeAll)
	require.NoError(t, err)
	require.Len(t, all, 3)

	none, err := a.ListInterfaces(context.Background(), ModeNone)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestRESTAdapter_ReadCounters(t *testing.T) {
	t.Parallel()

	a := newRESTServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(restInterfaceBody))
	}))

	readings, err := a.ReadCounters(context.Background(), []string{"ether1"})
	require.NoError(t, err)
	require.Len(t, readings, 1)
	require.Equal(t, "ether1", readings[0].Name)
	require.Equal(t, uint64(1000), readings[0].RxBytes)
	require.Equal(t, uint64(2000), readings[0].TxBytes)
	require.False(t, readings[0].SampledAt.IsZero())

	all, err := a.ReadCounters(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestRESTAdapter_BadCounter(t *testing.T) {
	t.Parallel()

	a := newRESTServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"name":"ether1","type":"ether","rx-byte":"not-a-number","tx-byte":"0"}]`))
	}))

	_, err := a.ReadCounters(context.Background(), nil)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestRESTAdapter_ErrorStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrAuthFailed},
		{"forbidden", http.StatusForbidden, ErrAuthFailed},
		{"pre-7.1 firmware", http.StatusNotFound, ErrFeatureUnavailable},
		{"server error", http.StatusInternalServerError, ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a := newRESTServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			_, err := a.ListInterfaces(context.Background(), ModeAll)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRESTAdapter_Unreachable(t *testing.T) {
	t.Parallel()

	// A closed server rejects the connection outright.
	server := httptest.NewTLSServer(http.NotFoundHandler())
	addr := server.Listener.Addr().String()
	server.Close()

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	a := NewRESTAdapter(Target{Host: host, Port: port, TLSInsecure: true}, Credentials{})
	_, err = a.ListInterfaces(context.Background(), ModeAll)
	require.ErrorIs(t, err, ErrUnreachable)
}

func TestRESTAdapter_ListIPAddresses(t *testing.T) {
	t.Parallel()

	a := newRESTServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/ip/address", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"address":"192.0.2.1/24","network":"192.0.2.0","interface":"ether1","dynamic":"false","disabled":"false"},
			{"address":"198.51.100.7/30","network":"198.51.100.4","interface":"pppoe-out1","dynamic":"true","disabled":"false"}
		]`))
	}))

	addrs, err := a.ListIPAddresses(context.Background())
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	require.Equal(t, "192.0.2.1/24", addrs[0].Address)
	require.Equal(t, "ether1", addrs[0].Interface)
	require.True(t, addrs[1].Dynamic)
}

func TestRESTAdapter_ListRoutes(t *testing.T) {
	t.Parallel()

	a := newRESTServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/ip/route", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"dst-address":"0.0.0.0/0","gateway":"192.0.2.254","distance":"1","active":"true","static":"true"},
			{"dst-address":"192.0.2.0/24","gateway":"ether1","distance":"0","active":"true","static":"false"}
		]`))
	}))

	routes, err := a.ListRoutes(context.Background())
	require.NoError(t, err)
	require.Len(t, routes, 2)
	require.Equal(t, "0.0.0.0/0", routes[0].DstAddress)
	require.Equal(t, 1, routes[0].Distance)
	require.True(t, routes[0].Static)
	require.False(t, routes[1].Static)
}
