// Package discovery advertises a running feeder on the LAN over mDNS and
// finds feeders advertised by others.
package discovery

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/mpataki/feeder/internal/debug"
)

const ServiceType = "_feeder._tcp"

// Service is one discovered feeder.
type Service struct {
	Name string
	URL  string
	Host string
	Port int
}

// Advertise registers name on the local network. Callers must Shutdown the
// returned server.
func Advertise(name string, port int, url string) (*mdns.Server, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port for mDNS advertisement: %d", port)
	}
	name = serviceName(name)
	service, err := mdns.NewMDNSService(name, ServiceType, "local", "", port, nil, txtRecords(name, url))
	if err != nil {
		return nil, err
	}
	debug.LogKV("discovery", "advertising", "name", name, "port", port, "url", url)
	return mdns.NewServer(&mdns.Config{
		Zone: service,
	})
}

// Find browses for feeders for up to timeout.
func Find(timeout time.Duration) ([]Service, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	var found []Service
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			if svc, ok := serviceFromEntry(e); ok {
				found = append(found, svc)
			}
		}
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	err := mdns.Query(params)
	close(entries)
	<-done
	if err != nil {
		return nil, err
	}
	return dedupe(found), nil
}

// PrintQR renders url as a terminal QR code.
func PrintQR(w io.Writer, url string) error {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, code.ToString(false))
	return err
}

func serviceName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "feeder"
	}
	return name
}

func txtRecords(name, url string) []string {
	return []string{
		fmt.Sprintf("name=%s", name),
		fmt.Sprintf("url=%s", url),
	}
}

func serviceFromEntry(e *mdns.ServiceEntry) (Service, bool) {
	if e == nil || !strings.Contains(e.Name, ServiceType) {
		return Service{}, false
	}
	svc := Service{
		Name: strings.TrimSuffix(strings.SplitN(e.Name, ".", 2)[0], "."),
		Host: e.Host,
		Port: e.Port,
	}
	for _, field := range e.InfoFields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "name":
			svc.Name = value
		case "url":
			svc.URL = value
		}
	}
	if svc.URL == "" && e.AddrV4 != nil && e.Port > 0 {
		svc.URL = "http://" + net.JoinHostPort(e.AddrV4.String(), strconv.Itoa(e.Port))
	}
	return svc, svc.URL != ""
}

func dedupe(in []Service) []Service {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if seen[s.URL] {
			continue
		}
		seen[s.URL] = true
		out = append(out, s)
	}
	return out
}
