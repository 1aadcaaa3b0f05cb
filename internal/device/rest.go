package device

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// RESTAdapter speaks the RouterOS REST API (RouterOS >= 7.1), which is
// plain HTTPS plus JSON over the www-ssl service. Responses use the
// same property names as the native API, with every value a string.
type RESTAdapter struct {
	target Target
	creds  Credentials
	client *http.Client
}

func NewRESTAdapter(target Target, creds Credentials) *RESTAdapter {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}
	if target.TLSInsecure {
		// Routers ship with self-signed certificates; operators opt in to
		// skipping verification per router.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &RESTAdapter{
		target: target,
		creds:  creds,
		client: &http.Client{Transport: transport},
	}
}

func (a *RESTAdapter) Method() Method { return MethodREST }

func (a *RESTAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *RESTAdapter) get(ctx context.Context, path string, out any) error {
	url := fmt.Sprintf("https://%s/rest%s",
		net.JoinHostPort(a.target.Host, strconv.Itoa(a.target.Port)), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	req.SetBasicAuth(a.creds.Username, a.creds.Password)

	resp, err := a.client.Do(req)
	if err != nil {
		return classifyDialErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: http %d", ErrAuthFailed, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		// Pre-7.1 firmware serves no /rest tree at all.
		return fmt.Errorf("%w: http 404", ErrFeatureUnavailable)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: http %d", ErrProtocol, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return classifyDialErr(err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrProtocol, path, err)
	}
	return nil
}

type restInterface struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	MAC      string `json:"mac-address"`
	Comment  string `json:"comment"`
	Running  string `json:"running"`
	Disabled string `json:"disabled"`
	RxByte   string `json:"rx-byte"`
	TxByte   string `json:"tx-byte"`
}

func (a *RESTAdapter) ListInterfaces(ctx context.Context, mode Mode) ([]Interface, error) {
	if mode == ModeNone {
		return nil, nil
	}
	var rows []restInterface
	if err := a.get(ctx, "/interface", &rows); err != nil {
		return nil, err
	}
	ifaces := make([]Interface, 0, len(rows))
	for _, row := range rows {
		if row.Name == "" || !mode.Includes(row.Type) {
			continue
		}
		ifaces = append(ifaces, Interface{
			Name:     row.Name,
			Type:     row.Type,
			MAC:      row.MAC,
			Comment:  row.Comment,
			Running:  routerosBool(row.Running),
			Disabled: routerosBool(row.Disabled),
		})
	}
	return ifaces, nil
}

func (a *RESTAdapter) ReadCounters(ctx context.Context, names []string) ([]CounterReading, error) {
	var rows []restInterface
	if err := a.get(ctx, "/interface", &rows); err != nil {
		return nil, err
	}
	want := nameSet(names)
	sampledAt := time.Now().UTC()
	readings := make([]CounterReading, 0, len(rows))
	for _, row := range rows {
		if row.Name == "" || (want != nil && !want[row.Name]) {
			continue
		}
		rx, rxErr := strconv.ParseUint(row.RxByte, 10, 64)
		tx, txErr := strconv.ParseUint(row.TxByte, 10, 64)
		if rxErr != nil || txErr != nil {
			return nil, fmt.Errorf("%w: bad counter for %s: rx=%q tx=%q",
				ErrProtocol, row.Name, row.RxByte, row.TxByte)
		}
		readings = append(readings, CounterReading{
			Name:      row.Name,
			RxBytes:   rx,
			TxBytes:   tx,
			SampledAt: sampledAt,
		})
	}
	return readings, nil
}

type restAddress struct {
	Address   string `json:"address"`
	Network   string `json:"network"`
	Interface string `json:"interface"`
	Dynamic   string `json:"dynamic"`
	Disabled  string `json:"disabled"`
}

func (a *RESTAdapter) ListIPAddresses(ctx context.Context) ([]IPAddress, error) {
	var rows []restAddress
	if err := a.get(ctx, "/ip/address", &rows); err != nil {
		return nil, err
	}
	addrs := make([]IPAddress, 0, len(rows))
	for _, row := range rows {
		addrs = append(addrs, IPAddress{
			Address:   row.Address,
			Network:   row.Network,
			Interface: row.Interface,
			Dynamic:   routerosBool(row.Dynamic),
			Disabled:  routerosBool(row.Disabled),
		})
	}
	return addrs, nil
}

type restRoute struct {
	DstAddress string `json:"dst-address"`
	Gateway    string `json:"gateway"`
	Distance   string `json:"distance"`
	Active     string `json:"active"`
	Static     string `json:"static"`
}

func (a *RESTAdapter) ListRoutes(ctx context.Context) ([]Route, error) {
	var rows []restRoute
	if err := a.get(ctx, "/ip/route", &rows); err != nil {
		return nil, err
	}
	routes := make([]Route, 0, len(rows))
	for _, row := range rows {
		distance, _ := strconv.Atoi(row.Distance)
		routes = append(routes, Route{
			DstAddress: row.DstAddress,
			Gateway:    row.Gateway,
			Distance:   distance,
			Active:     routerosBool(row.Active),
			Static:     routerosBool(row.Static),
		})
	}
	return routes, nil
}
