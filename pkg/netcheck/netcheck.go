// Package netcheck reports whether the device has a usable network address.
package netcheck

import (
	"context"
	"net"
	"os"
	"os/exec"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

// NotConnected is the address reported when no usable address exists.
const NotConnected = "not connected"

// Status is the result of one probe.
type Status struct {
	Connected bool   `json:"connected"`
	Hostname  string `json:"hostname"`
	Address   string `json:"address"`
}

// route is the subset of `ip -j route` output the prober needs.
type route struct {
	Dev     string `json:"dev"`
	PrefSrc string `json:"prefsrc"`
}

type Prober struct {
	// Interface restricts the lookup to one device, e.g. wlan0. Empty matches any.
	Interface string

	logger   zerolog.Logger
	routes   func(ctx context.Context) ([]byte, error)
	addrs    func(iface string) ([]net.Addr, error)
	hostname func() (string, error)
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewProber(iface string, logger zerolog.Logger) *Prober {
	return &Prober{
		Interface: iface,
		logger:    logger.With().Str("component", "netcheck").Logger(),
		routes:    ipRoutes,
		addrs:     interfaceAddrs,
		hostname:  os.Hostname,
		sleep:     sleepCtx,
	}
}

// CurrentAddress returns the host name and the source address the kernel
// uses on the configured interface.
func (p *Prober) CurrentAddress(ctx context.Context) (Status, error) {
	host, err := p.hostname()
	if err != nil {
		return Status{Address: NotConnected}, err
	}

	addr := ""
	if out, err := p.routes(ctx); err == nil {
		addr = routeSource(out, p.Interface)
	} else {
		p.logger.Debug().Err(err).Msg("ip route unavailable, falling back to interface addresses")
	}
	if addr == "" && p.Interface != "" {
		addr = p.firstIPv4()
	}

	st := Status{Hostname: host, Address: addr}
	st.Connected = usable(addr)
	if !st.Connected {
		st.Address = NotConnected
	}
	return st, nil
}

// Probe checks the connection up to attempts times, waiting before each
// check to give the interface time to come up. It never fails: the caller
// continues with broker setup either way.
func (p *Prober) Probe(ctx context.Context, attempts int, wait time.Duration) Status {
	if attempts < 1 {
		attempts = 1
	}
	var st Status
	for i := 1; i <= attempts; i++ {
		if err := p.sleep(ctx, wait); err != nil {
			break
		}
		var err error
		st, err = p.CurrentAddress(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Int("attempt", i).Msg("Connection check failed")
		}
		if st.Connected {
			p.logger.Info().Int("attempt", i).Msg("Host appears connected. Continuing with MQTT setup.")
			break
		}
		p.logger.Info().Int("attempt", i).Msg("Host does not appear connected")
	}
	if !st.Connected {
		p.logger.Info().Msg("Host either offline or problems connecting. Continuing with MQTT setup.")
	}
	p.logger.Info().Str("address", st.Address).Str("hostname", st.Hostname).Msg("Host network")
	return st
}

// routeSource returns the preferred source address of the routes on iface.
// Routes are listed by metric, so the first one may belong to another
// interface (a wired eth0 ahead of wlan0); every route is scanned and the
// last match on iface wins.
func routeSource(out []byte, iface string) string {
	var routes []route
	if err := jsoniter.Unmarshal(out, &routes); err != nil {
		return ""
	}
	src := ""
	for _, r := range routes {
		if r.PrefSrc == "" || (iface != "" && r.Dev != iface) {
			continue
		}
		src = r.PrefSrc
	}
	return src
}

func (p *Prober) firstIPv4() string {
	addrs, err := p.addrs(p.Interface)
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
			return ipn.IP.String()
		}
	}
	return ""
}

func usable(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && !ip.IsLoopback() && !ip.IsUnspecified()
}

func ipRoutes(ctx context.Context) ([]byte, error) {
	return exec.CommandContext(ctx, "ip", "-j", "-4", "route").Output()
}

func interfaceAddrs(iface string) ([]net.Addr, error) {
	ifc, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, err
	}
	return ifc.Addrs()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
