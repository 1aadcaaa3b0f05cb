// Package device provides a uniform capability set over the three
// transports a MikroTik router can be reached by: the native binary
// API, the RouterOS REST API (RouterOS >= 7.1), and SNMP v1/v2c.
//
// Adapters are stateless beyond their connection handling. Callers
// compose them into a fallback strategy; an adapter never falls back
// on its own.
package device

import (
	"context"
	"time"
)

// Method identifies the transport an adapter speaks.
type Method string

const (
	MethodNative Method = "native"
	MethodREST   Method = "rest"
	MethodSNMP   Method = "snmp"
)

func (m Method) String() string { return string(m) }

// Mode filters which interfaces ListInterfaces returns.
type Mode string

const (
	// ModeNone returns no interfaces.
	ModeNone Mode = "none"
	// ModeStatic returns ether, vlan and bridge interfaces.
	ModeStatic Mode = "static"
	// ModeAll returns every interface the device reports.
	ModeAll Mode = "all"
)

// staticTypes are the interface types included by ModeStatic.
var staticTypes = map[string]bool{
	"ether":  true,
	"vlan":   true,
	"bridge": true,
}

// InMode reports whether an interface of the given type passes the mode filter.
func (m Mode) Includes(ifaceType string) bool {
	switch m {
	case ModeNone:
		return false
	case ModeStatic:
		return staticTypes[ifaceType]
	default:
		return true
	}
}

// Interface is one row of the device's interface table.
type Interface struct {
	Name     string
	Type     string
	MAC      string
	Comment  string
	Running  bool
	Disabled bool
}

// CounterReading is a raw 64-bit byte counter snapshot for one interface.
// SampledAt is the monitoring host's reading time; the device clock is
// not trusted.
type CounterReading struct {
	Name      string
	RxBytes   uint64
	TxBytes   uint64
	SampledAt time.Time
}

// IPAddress is one row of the device's address table.
type IPAddress struct {
	Address   string
	Network   string
	Interface string
	Dynamic   bool
	Disabled  bool
}

// Route is one row of the device's routing table.
type Route struct {
	DstAddress string
	Gateway    string
	Distance   int
	Active     bool
	Static     bool
}

// Adapter is the capability set shared by all three transports.
// Every call honors the deadline on its context.
type Adapter interface {
	Method() Method

	// ListInterfaces returns the device's interface table filtered by mode.
	ListInterfaces(ctx context.Context, mode Mode) ([]Interface, error)

	// ReadCounters returns byte counters for the named interfaces, or for
	// all interfaces when names is empty.
	ReadCounters(ctx context.Context, names []string) ([]CounterReading, error)

	// ListIPAddresses returns the device's IP address table.
	ListIPAddresses(ctx context.Context) ([]IPAddress, error)

	// ListRoutes returns the device's routing table. Adapters that cannot
	// serve it (SNMP) fail with ErrFeatureUnavailable.
	ListRoutes(ctx context.Context) ([]Route, error)

	Close() error
}

// Credentials carries the decrypted login material for one router. The
// engine receives it through an opaque accessor and never persists it.
type Credentials struct {
	Username string
	Password string
}

// Target describes how to reach one router over a particular transport.
type Target struct {
	Host          string
	Port          int
	SNMPCommunity string
	SNMPVersion   string // "v1" or "v2c"
	TLSInsecure   bool
}
