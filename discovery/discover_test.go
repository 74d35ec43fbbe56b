package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/john/flashforge_link/printer"
)

func TestParseReply(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		sender  string
		want    printer.DiscoveredPrinter
		wantErr bool
	}{
		{
			name:   "full reply",
			reply:  "Workshop 5M@192.168.1.20|model:Flashforge Adventurer 5M Pro|sn:SN1|status:READY",
			sender: "192.168.1.20",
			want:   printer.DiscoveredPrinter{Name: "Workshop 5M", IP: "192.168.1.20", Serial: "SN1", Model: "Flashforge Adventurer 5M Pro", Status: "READY"},
		},
		{
			name:   "ip taken from sender",
			reply:  "AD5X@|sn:SN2",
			sender: "10.0.0.7",
			want:   printer.DiscoveredPrinter{Name: "AD5X", IP: "10.0.0.7", Serial: "SN2"},
		},
		{name: "no at sign", reply: "garbage", wantErr: true},
		{name: "no serial", reply: "x@1.2.3.4|model:y", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReply([]byte(tt.reply), tt.sender)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseReply: %v", err)
			}
			if *got != tt.want {
				t.Errorf("got %+v, want %+v", *got, tt.want)
			}
		})
	}
}

// fakeResponder answers every probe with the given replies.
func fakeResponder(t *testing.T, replies ...string) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 64)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if string(buf[:n]) != probeMessage {
				continue
			}
			for _, r := range replies {
				conn.WriteToUDP([]byte(r), from)
			}
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func TestScanCollectsAndDedupes(t *testing.T) {
	port := fakeResponder(t,
		"A@127.0.0.1|model:Flashforge AD5X|sn:SN1",
		"A@127.0.0.1|model:Flashforge AD5X|sn:SN1",
		"not a printer",
		"B@|model:Flashforge Adventurer 5M|sn:SN2",
	)

	s := &Scanner{
		Port:     port,
		Targets:  []string{"127.0.0.1"},
		Window:   2 * time.Second,
		Idle:     150 * time.Millisecond,
		Attempts: 3,
	}
	got, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d printers, want 2: %+v", len(got), got)
	}
	if got[0].Serial != "SN1" || got[1].Serial != "SN2" {
		t.Errorf("unexpected order: %+v", got)
	}
	if got[1].IP != "127.0.0.1" {
		t.Errorf("sender IP not filled: %+v", got[1])
	}
}

func TestScanNothingFoundIsBounded(t *testing.T) {
	port := fakeResponder(t) // reads probes, never replies

	s := &Scanner{
		Port:     port,
		Targets:  []string{"127.0.0.1"},
		Window:   5 * time.Second,
		Idle:     50 * time.Millisecond,
		Attempts: 3,
	}
	start := time.Now()
	got, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no printers, got %+v", got)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("scan took %v; idle timeout not honoured", elapsed)
	}
}

func TestScanWindowCapsAttempts(t *testing.T) {
	port := fakeResponder(t)

	s := &Scanner{
		Port:     port,
		Targets:  []string{"127.0.0.1"},
		Window:   80 * time.Millisecond,
		Idle:     time.Second,
		Attempts: 5,
	}
	start := time.Now()
	if _, err := s.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("scan took %v; window not honoured", elapsed)
	}
}

func TestScanTransportErrorIsDiscoveryError(t *testing.T) {
	s := &Scanner{Port: 1, Targets: []string{"not a host name at all"}, Window: time.Second, Idle: 10 * time.Millisecond}
	got, err := s.Scan(context.Background())
	var de *printer.DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DiscoveryError, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty list, got %+v", got)
	}
}
