package mdns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// SCPIRawPort is the conventional raw-socket SCPI port. LXI announcements
// advertise the web interface port, so their endpoints are rewritten to it.
const SCPIRawPort = 5025

const (
	ServiceSCPIRaw = "_scpi-raw._tcp"
	ServiceLXI     = "_lxi._tcp"
)

// DefaultServices are browsed when no service list is given.
var DefaultServices = []string{ServiceSCPIRaw, ServiceLXI}

// Instrument represents a discovered bench instrument.
type Instrument struct {
	Instance  string // Advertised name: "Rohde & Schwarz FSW-43 #101234"
	Hostname  string // DNS hostname: "fsw43-101234.local."
	Service   string
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Endpoint returns "host:port" for a raw SCPI session, preferring IPv4.
func (i Instrument) Endpoint() string {
	port := i.Port
	if i.Service == ServiceLXI || port == 0 {
		port = SCPIRawPort
	}
	host := strings.TrimSuffix(i.Hostname, ".")
	for _, ip := range i.Addresses {
		if ip.To4() != nil {
			host = ip.String()
			break
		}
	}
	if host == "" && len(i.Addresses) > 0 {
		host = i.Addresses[0].String()
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Discover browses the given DNS-SD services on the local domain until
// timeout or ctx ends. Results are deduplicated per hostname and sorted by
// instance name. A raw SCPI announcement wins over an LXI one for the same
// host.
func Discover(ctx context.Context, timeout time.Duration, services []string) ([]Instrument, error) {
	if len(services) == 0 {
		services = DefaultServices
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu        sync.Mutex
		resultMap = make(map[string]Instrument)
		wg        sync.WaitGroup
	)

	for _, svc := range services {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("resolver error: %w", err)
		}
		entries := make(chan *zeroconf.ServiceEntry)

		wg.Add(1)
		go func(svc string) {
			defer wg.Done()
			for {
				select {
				case e, ok := <-entries:
					if !ok {
						return
					}
					if e == nil {
						continue
					}
					inst := fromEntry(svc, e)
					mu.Lock()
					merge(resultMap, inst)
					mu.Unlock()
				case <-ctx.Done():
					return
				}
			}
		}(svc)

		if err := resolver.Browse(ctx, svc, "local.", entries); err != nil {
			cancel()
			wg.Wait()
			return nil, fmt.Errorf("browse %s: %w", svc, err)
		}
	}

	wg.Wait()

	out := make([]Instrument, 0, len(resultMap))
	for _, inst := range resultMap {
		out = append(out, inst)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Instance < out[b].Instance })
	return out, nil
}

func fromEntry(svc string, e *zeroconf.ServiceEntry) Instrument {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Instrument{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Service:   svc,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
}

func merge(m map[string]Instrument, inst Instrument) {
	key := strings.ToLower(inst.Hostname)
	if key == "" {
		key = inst.Instance
	}
	if prev, ok := m[key]; ok && prev.Service == ServiceSCPIRaw && inst.Service != ServiceSCPIRaw {
		return
	}
	m[key] = inst
}

// Match returns the first instrument whose instance name, hostname or TXT
// records contain pattern, case-insensitively.
func Match(instruments []Instrument, pattern string) (Instrument, bool) {
	p := strings.ToLower(strings.TrimSpace(pattern))
	if p == "" {
		return Instrument{}, false
	}
	for _, inst := range instruments {
		if strings.Contains(strings.ToLower(inst.Instance), p) ||
			strings.Contains(strings.ToLower(inst.Hostname), p) {
			return inst, true
		}
		for _, txt := range inst.TXT {
			if strings.Contains(strings.ToLower(txt), p) {
				return inst, true
			}
		}
	}
	return Instrument{}, false
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
