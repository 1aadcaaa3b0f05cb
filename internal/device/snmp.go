package device

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
)

// Standard interfaces-MIB and ifXTable OIDs. Counters come from the
// 64-bit HC columns; the 32-bit ifInOctets wraps in seconds on a
// 10 Gbit port and is not used.
const (
	oidIfDescr       = ".1.3.6.1.2.1.2.2.1.2"
	oidIfType        = ".1.3.6.1.2.1.2.2.1.3"
	oidIfPhysAddress = ".1.3.6.1.2.1.2.2.1.6"
	oidIfAdminStatus = ".1.3.6.1.2.1.2.2.1.7"
	oidIfOperStatus  = ".1.3.6.1.2.1.2.2.1.8"
	oidIfName        = ".1.3.6.1.2.1.31.1.1.1.1"
	oidIfHCInOctets  = ".1.3.6.1.2.1.31.1.1.1.6"
	oidIfHCOutOctets = ".1.3.6.1.2.1.31.1.1.1.10"
	oidIfAlias       = ".1.3.6.1.2.1.31.1.1.1.18"
	oidIPAdEntAddr   = ".1.3.6.1.2.1.4.20.1.1"
	oidIPAdEntIfIdx  = ".1.3.6.1.2.1.4.20.1.2"
	oidIPAdEntMask   = ".1.3.6.1.2.1.4.20.1.3"
)

// ianaIfType maps the IANAifType numbers RouterOS reports to the type
// names the rest of the system keys on.
var ianaIfType = map[int]string{
	6:   "ether",
	23:  "ppp",
	24:  "loopback",
	53:  "vlan", // propVirtual; RouterOS reports VLANs as this
	131: "tunnel",
	135: "vlan", // l2vlan
	209: "bridge",
}

// SNMPAdapter reads interface state and counters over SNMP v1/v2c.
// SNMP is stateless UDP, so there is no session to manage beyond the
// socket. Routes are not served: walking the full ipCidrRouteTable on
// a busy router is too expensive, so ListRoutes reports
// ErrFeatureUnavailable and the caller falls back to another adapter.
type SNMPAdapter struct {
	target Target

	mu   sync.Mutex
	conn *gosnmp.GoSNMP
}

func NewSNMPAdapter(target Target) *SNMPAdapter {
	return &SNMPAdapter{target: target}
}

func (a *SNMPAdapter) Method() Method { return MethodSNMP }

func (a *SNMPAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil && a.conn.Conn != nil {
		_ = a.conn.Conn.Close()
	}
	a.conn = nil
	return nil
}

func (a *SNMPAdapter) session(ctx context.Context) (*gosnmp.GoSNMP, error) {
	if a.conn == nil {
		version := gosnmp.Version2c
		if a.target.SNMPVersion == "v1" {
			version = gosnmp.Version1
		}
		community := a.target.SNMPCommunity
		if community == "" {
			community = "public"
		}
		conn := &gosnmp.GoSNMP{
			Target:    a.target.Host,
			Port:      uint16(a.target.Port),
			Community: community,
			Version:   version,
			Timeout:   5 * time.Second,
			Retries:   1,
			MaxOids:   gosnmp.MaxOids,
		}
		if err := conn.Connect(); err != nil {
			return nil, classifyDialErr(err)
		}
		a.conn = conn
	}
	// gosnmp has no context plumbing; honor the deadline by shrinking the
	// per-request timeout to what remains.
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: deadline already expired", ErrTimeout)
		}
		a.conn.Timeout = remaining
	}
	return a.conn, nil
}

func (a *SNMPAdapter) classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "request timeout"):
		// v1/v2c agents silently drop requests with a bad community, so a
		// timeout is also the only authentication failure signal we get.
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case strings.Contains(msg, "connection refused"):
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	default:
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
}

// walk runs a walk over one column, calling fn with the row index and PDU.
func (a *SNMPAdapter) walk(conn *gosnmp.GoSNMP, oid string, fn func(index int, pdu gosnmp.SnmpPDU)) error {
	handler := func(pdu gosnmp.SnmpPDU) error {
		dot := strings.LastIndex(pdu.Name, ".")
		if dot < 0 {
			return nil
		}
		var index int
		if _, err := fmt.Sscanf(pdu.Name[dot+1:], "%d", &index); err != nil {
			return nil
		}
		fn(index, pdu)
		return nil
	}
	if conn.Version == gosnmp.Version1 {
		return conn.Walk(oid, handler)
	}
	return conn.BulkWalk(oid, handler)
}

func pduString(pdu gosnmp.SnmpPDU) string {
	if b, ok := pdu.Value.([]byte); ok {
		return string(b)
	}
	if s, ok := pdu.Value.(string); ok {
		return s
	}
	return ""
}

func pduInt(pdu gosnmp.SnmpPDU) int {
	return int(gosnmp.ToBigInt(pdu.Value).Int64())
}

func pduMAC(pdu gosnmp.SnmpPDU) string {
	b, ok := pdu.Value.([]byte)
	if !ok || len(b) != 6 {
		return ""
	}
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[0], b[1], b[2], b[3], b[4], b[5])
}

type snmpIfRow struct {
	name    string
	typ     int
	mac     string
	alias   string
	oper    int
	admin   int
	rxBytes uint64
	txBytes uint64
}

// walkInterfaceTable gathers the columns needed by both ListInterfaces
// and ReadCounters in one pass over the agent.
func (a *SNMPAdapter) walkInterfaceTable(ctx context.Context, withCounters bool) (map[int]*snmpIfRow, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := a.session(ctx)
	if err != nil {
		return nil, err
	}

	rows := make(map[int]*snmpIfRow)
	row := func(index int) *snmpIfRow {
		r, ok := rows[index]
		if !ok {
			r = &snmpIfRow{}
			rows[index] = r
		}
		return r
	}

	// ifName is the RouterOS interface name; ifDescr is kept as fallback
	// for agents that do not populate the ifXTable column.
	if err := a.walk(conn, oidIfName, func(i int, pdu gosnmp.SnmpPDU) {
		row(i).name = pduString(pdu)
	}); err != nil {
		return nil, a.classify(err)
	}
	if err := a.walk(conn, oidIfDescr, func(i int, pdu gosnmp.SnmpPDU) {
		if row(i).name == "" {
			row(i).name = pduString(pdu)
		}
	}); err != nil {
		return nil, a.classify(err)
	}
	if err := a.walk(conn, oidIfType, func(i int, pdu gosnmp.SnmpPDU) {
		row(i).typ = pduInt(pdu)
	}); err != nil {
		return nil, a.classify(err)
	}
	if err := a.walk(conn, oidIfOperStatus, func(i int, pdu gosnmp.SnmpPDU) {
		row(i).oper = pduInt(pdu)
	}); err != nil {
		return nil, a.classify(err)
	}
	if err := a.walk(conn, oidIfAdminStatus, func(i int, pdu gosnmp.SnmpPDU) {
		row(i).admin = pduInt(pdu)
	}); err != nil {
		return nil, a.classify(err)
	}

	if withCounters {
		if err := a.walk(conn, oidIfHCInOctets, func(i int, pdu gosnmp.SnmpPDU) {
			row(i).rxBytes = gosnmp.ToBigInt(pdu.Value).Uint64()
		}); err != nil {
			return nil, a.classify(err)
		}
		if err := a.walk(conn, oidIfHCOutOctets, func(i int, pdu gosnmp.SnmpPDU) {
			row(i).txBytes = gosnmp.ToBigInt(pdu.Value).Uint64()
		}); err != nil {
			return nil, a.classify(err)
		}
	} else {
		if err := a.walk(conn, oidIfPhysAddress, func(i int, pdu gosnmp.SnmpPDU) {
			row(i).mac = pduMAC(pdu)
		}); err != nil {
			return nil, a.classify(err)
		}
		if err := a.walk(conn, oidIfAlias, func(i int, pdu gosnmp.SnmpPDU) {
			row(i).alias = pduString(pdu)
		}); err != nil {
			return nil, a.classify(err)
		}
	}

	return rows, nil
}

func (a *SNMPAdapter) ListInterfaces(ctx context.Context, mode Mode) ([]Interface, error) {
	if mode == ModeNone {
		return nil, nil
	}
	rows, err := a.walkInterfaceTable(ctx, false)
	if err != nil {
		return nil, err
	}
	ifaces := make([]Interface, 0, len(rows))
	for _, row := range rows {
		if row.name == "" {
			continue
		}
		typ := ianaIfType[row.typ]
		if typ == "" {
			typ = fmt.Sprintf("iftype-%d", row.typ)
		}
		if !mode.Includes(typ) {
			continue
		}
		ifaces = append(ifaces, Interface{
			Name:     row.name,
			Type:     typ,
			MAC:      row.mac,
			Comment:  row.alias,
			Running:  row.oper == 1,
			Disabled: row.admin == 2,
		})
	}
	return ifaces, nil
}

func (a *SNMPAdapter) ReadCounters(ctx context.Context, names []string) ([]CounterReading, error) {
	rows, err := a.walkInterfaceTable(ctx, true)
	if err != nil {
		return nil, err
	}
	want := nameSet(names)
	sampledAt := time.Now().UTC()
	readings := make([]CounterReading, 0, len(rows))
	for _, row := range rows {
		if row.name == "" || (want != nil && !want[row.name]) {
			continue
		}
		readings = append(readings, CounterReading{
			Name:      row.name,
			RxBytes:   row.rxBytes,
			TxBytes:   row.txBytes,
			SampledAt: sampledAt,
		})
	}
	return readings, nil
}

func (a *SNMPAdapter) ListIPAddresses(ctx context.Context) ([]IPAddress, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := a.session(ctx)
	if err != nil {
		return nil, err
	}
	var addrs []IPAddress
	err = conn.Walk(oidIPAdEntAddr, func(pdu gosnmp.SnmpPDU) error {
		// gosnmp decodes the IpAddress type to its dotted string form.
		if s := pduString(pdu); s != "" {
			addrs = append(addrs, IPAddress{Address: s})
		}
		return nil
	})
	if err != nil {
		return nil, a.classify(err)
	}
	return addrs, nil
}

func (a *SNMPAdapter) ListRoutes(ctx context.Context) ([]Route, error) {
	return nil, fmt.Errorf("%w: snmp route table not supported", ErrFeatureUnavailable)
}
