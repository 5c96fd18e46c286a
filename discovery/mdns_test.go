package discovery

import (
	"context"
	"net"
	"slices"
	"testing"

	"github.com/grandcat/zeroconf"

	"peershare/models"
)

type registration struct {
	instance, service, domain string
	port                      int
	txt                       []string
}

func recordingRegister(into *[]registration) registerFunc {
	return func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
		*into = append(*into, registration{instance, service, domain, port, slices.Clone(text)})
		return nil, nil
	}
}

func TestStartBroadcasterAdvertisesSessionAddress(t *testing.T) {
	var got []registration
	broadcaster, err := StartBroadcaster(Config{
		Self:       "192.168.1.20:7400",
		Transport:  "quic",
		registerFn: recordingRegister(&got),
	})
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	defer broadcaster.Stop()

	if len(got) != 1 {
		t.Fatalf("expected one registration, got %d", len(got))
	}
	reg := got[0]
	if reg.instance != "peershare-192-168-1-20-7400" || reg.service != DefaultService || reg.domain != DefaultDomain || reg.port != 7400 {
		t.Fatalf("unexpected registration %+v", reg)
	}
	for _, want := range []string{"addr=192.168.1.20:7400", "version=1", "transport=quic"} {
		if !slices.Contains(reg.txt, want) {
			t.Fatalf("missing TXT record %q in %v", want, reg.txt)
		}
	}
}

func TestStartBroadcasterRejectsUnusableAddress(t *testing.T) {
	for _, self := range []string{"", "host-without-port", "10.0.0.1:0", "10.0.0.1:http"} {
		var got []registration
		_, err := StartBroadcaster(Config{Self: models.PeerAddress(self), registerFn: recordingRegister(&got)})
		if err == nil {
			t.Fatalf("expected %q to be rejected", self)
		}
		if len(got) != 0 {
			t.Fatalf("register called for %q", self)
		}
	}
}

func TestServiceStartAndStop(t *testing.T) {
	var got []registration
	svc, err := Start(Config{
		Self:       "10.0.0.1:7400",
		registerFn: recordingRegister(&got),
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if svc.Broadcaster == nil || svc.Scanner == nil {
		t.Fatalf("expected broadcaster and scanner")
	}
	svc.Stop()

	if _, ok := <-svc.Scanner.Events(); ok {
		t.Fatalf("expected scanner events to close on Stop")
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{Self: "10.0.0.1:7400"}.withDefaults()

	switch {
	case cfg.TTL != DefaultTTL:
		t.Fatalf("TTL = %d", cfg.TTL)
	case cfg.Transport != "tcp":
		t.Fatalf("Transport = %q", cfg.Transport)
	case cfg.Instance != "peershare-10-0-0-1-7400":
		t.Fatalf("Instance = %q", cfg.Instance)
	case cfg.RefreshInterval != DefaultRefreshInterval || cfg.ScanTimeout != DefaultScanTimeout:
		t.Fatalf("intervals = %s/%s", cfg.RefreshInterval, cfg.ScanTimeout)
	case cfg.StaleAfter != 2*DefaultRefreshInterval+DefaultScanTimeout:
		t.Fatalf("StaleAfter = %s", cfg.StaleAfter)
	}
}

func TestParseTXTIgnoresMalformedRecords(t *testing.T) {
	fields := parseTXT([]string{"addr=10.0.0.2:7400", "novalue", "=orphan", " version = 1 "})
	if len(fields) != 2 || fields["addr"] != "10.0.0.2:7400" || fields["version"] != "1" {
		t.Fatalf("unexpected TXT fields %v", fields)
	}
}
