package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"peershare/models"
)

// Defaults for the LAN advertisement.
const (
	DefaultService         = "_peershare._tcp"
	DefaultDomain          = "local."
	DefaultVersion         = 1
	DefaultRefreshInterval = 10 * time.Second
	DefaultScanTimeout     = 3 * time.Second
	DefaultTTL             = 120
)

// TXT record keys.
const (
	txtAddress   = "addr"
	txtVersion   = "version"
	txtTransport = "transport"
)

const defaultTransport = "tcp"

var errNoAdvertiseAddress = errors.New("discovery: advertised address is required")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config describes what this node advertises and what it browses for.
type Config struct {
	Service string
	Domain  string
	Version int
	TTL     uint32

	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	// StaleAfter is how long a peer may go unseen before it is dropped.
	// Defaults to two refresh intervals plus one scan window.
	StaleAfter time.Duration

	// Self is the advertised session address. Entries carrying it are ignored.
	Self models.PeerAddress
	// Instance defaults to a label derived from Self.
	Instance string
	// Transport is advertised in TXT; peers advertising another are skipped.
	Transport string

	registerFn registerFunc
	browseFn   browseFunc
	now        func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.Version == 0 {
		c.Version = DefaultVersion
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2*c.RefreshInterval + c.ScanTimeout
	}
	if c.Transport == "" {
		c.Transport = defaultTransport
	}
	if strings.TrimSpace(c.Instance) == "" {
		c.Instance = instanceName(c.Self)
	}
	if c.registerFn == nil {
		c.registerFn = zeroconf.Register
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// advertisedPort extracts the port mDNS publishes in the SRV record.
func (c Config) advertisedPort() (int, error) {
	if c.Self == "" {
		return 0, errNoAdvertiseAddress
	}
	_, portText, err := net.SplitHostPort(c.Self.String())
	if err != nil {
		return 0, fmt.Errorf("discovery: advertised address %q: %w", c.Self, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("discovery: advertised address %q has no usable port", c.Self)
	}
	return port, nil
}

func (c Config) txtRecords() []string {
	return []string{
		txtAddress + "=" + c.Self.String(),
		txtVersion + "=" + strconv.Itoa(c.Version),
		txtTransport + "=" + c.Transport,
	}
}

// instanceName turns an address into a DNS-SD instance label,
// e.g. 10.0.0.1:7400 becomes peershare-10-0-0-1-7400.
func instanceName(address models.PeerAddress) string {
	label := strings.NewReplacer(".", "-", ":", "-", "[", "", "]", "").Replace(address.String())
	if label == "" {
		return "peershare"
	}
	return "peershare-" + label
}

func parseTXT(records []string) map[string]string {
	fields := make(map[string]string, len(records))
	for _, record := range records {
		key, value, ok := strings.Cut(record, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		fields[key] = strings.TrimSpace(value)
	}
	return fields
}
