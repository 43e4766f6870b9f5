package discovery

import (
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/hashicorp/mdns"
)

func TestServiceFromEntry(t *testing.T) {
	tests := []struct {
		name   string
		entry  *mdns.ServiceEntry
		want   Service
		wantOK bool
	}{
		{
			name: "txt url wins",
			entry: &mdns.ServiceEntry{
				Name:       "kitchen._feeder._tcp.local.",
				Host:       "pi.local.",
				AddrV4:     net.ParseIP("192.168.1.20"),
				Port:       8080,
				InfoFields: []string{"name=kitchen", "url=http://192.168.1.20:8080"},
			},
			want:   Service{Name: "kitchen", URL: "http://192.168.1.20:8080", Host: "pi.local.", Port: 8080},
			wantOK: true,
		},
		{
			name: "address fallback",
			entry: &mdns.ServiceEntry{
				Name:   "barn._feeder._tcp.local.",
				AddrV4: net.ParseIP("10.0.0.7"),
				Port:   9000,
			},
			want:   Service{Name: "barn", URL: "http://10.0.0.7:9000", Port: 9000},
			wantOK: true,
		},
		{
			name:  "other service",
			entry: &mdns.ServiceEntry{Name: "printer._ipp._tcp.local.", Port: 631},
		},
		{
			name:  "nil",
			entry: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := serviceFromEntry(tt.entry)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTxtRecords(t *testing.T) {
	got := txtRecords(serviceName("  "), "http://x:1")
	if got[0] != "name=feeder" || got[1] != "url=http://x:1" {
		t.Fatalf("txt = %v", got)
	}
}

func TestDedupe(t *testing.T) {
	in := []Service{{URL: "a"}, {URL: "b"}, {URL: "a"}}
	if got := dedupe(in); len(got) != 2 {
		t.Fatalf("dedupe = %v", got)
	}
}

func TestAdvertiseRejectsBadPort(t *testing.T) {
	if _, err := Advertise("feeder", 0, "http://x"); err == nil {
		t.Fatal("expected error for port 0")
	}
}

func TestPrintQR(t *testing.T) {
	var buf bytes.Buffer
	if err := PrintQR(&buf, "http://192.168.1.20:8080"); err != nil {
		t.Fatalf("PrintQR: %v", err)
	}
	if !strings.Contains(buf.String(), "█") {
		t.Fatal("expected block characters in QR output")
	}
}
