package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/john/flashforge_link/printer"
)

var found = []printer.DiscoveredPrinter{
	{Name: "Workshop", IP: "10.0.0.2", Serial: "SNAD5M01", Model: "Flashforge Adventurer 5M", Status: "READY"},
	{Name: "Garage", IP: "10.0.0.3", Serial: "SNAD3002"},
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		wantIP string
		cancel bool
	}{
		{name: "number", input: "2\n", wantIP: "10.0.0.3"},
		{name: "retry after out of range", input: "7\nfoo\n1\n", wantIP: "10.0.0.2"},
		{name: "manual ip", input: "192.168.1.40\n", wantIP: "192.168.1.40"},
		{name: "listed ip keeps serial", input: "10.0.0.3\n", wantIP: "10.0.0.3"},
		{name: "empty line", input: "\n", cancel: true},
		{name: "eof", input: "", cancel: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			c := NewFromReader(strings.NewReader(tt.input), &out)

			got, err := c.Select(context.Background(), found)
			if tt.cancel {
				if !errors.Is(err, printer.ErrSelectionCancelled) || got != nil {
					t.Fatalf("Select() = %+v, %v; want cancel", got, err)
				}
				return
			}
			if err != nil || got == nil || got.IP != tt.wantIP {
				t.Fatalf("Select() = %+v, %v; want %s", got, err, tt.wantIP)
			}
			if tt.name == "listed ip keeps serial" && got.Serial != "SNAD3002" {
				t.Errorf("serial = %q", got.Serial)
			}
		})
	}
}

func TestSelectListsPrinters(t *testing.T) {
	var out bytes.Buffer
	c := NewFromReader(strings.NewReader("1\n"), &out)
	if _, err := c.Select(context.Background(), found); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"1. Workshop [Flashforge Adventurer 5M] 10.0.0.2", "sn:SNAD3002", "(ready)"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestSelectEmptyListAcceptsIP(t *testing.T) {
	var out bytes.Buffer
	c := NewFromReader(strings.NewReader("10.1.1.1\n"), &out)
	got, err := c.Select(context.Background(), nil)
	if err != nil || got == nil || got.IP != "10.1.1.1" {
		t.Fatalf("Select() = %+v, %v", got, err)
	}
	if !strings.Contains(out.String(), "No printers found") {
		t.Errorf("output = %q", out.String())
	}
}

func TestPairingCode(t *testing.T) {
	var out bytes.Buffer
	c := NewFromReader(strings.NewReader("  a1b2c3d4 \n"), &out)
	code, err := c.PairingCode(context.Background(), found[0])
	if err != nil || code != "a1b2c3d4" {
		t.Fatalf("PairingCode() = %q, %v", code, err)
	}
	if !strings.Contains(out.String(), "Workshop (SNAD5M01)") {
		t.Errorf("prompt = %q", out.String())
	}

	for _, input := range []string{"\n", ""} {
		c := NewFromReader(strings.NewReader(input), io.Discard)
		if _, err := c.PairingCode(context.Background(), found[0]); !errors.Is(err, printer.ErrPairingCancelled) {
			t.Errorf("input %q: err = %v, want ErrPairingCancelled", input, err)
		}
	}
}

func TestPairingCodeHidden(t *testing.T) {
	var out bytes.Buffer
	c := NewFromReader(strings.NewReader(""), &out)
	c.hidden = true
	c.readHidden = func(int) ([]byte, error) { return []byte("secret"), nil }

	code, err := c.PairingCode(context.Background(), found[1])
	if err != nil || code != "secret" {
		t.Fatalf("PairingCode() = %q, %v", code, err)
	}
	if strings.Contains(out.String(), "secret") {
		t.Error("code echoed to output")
	}
}

func TestAskHonoursContext(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	c := NewFromReader(pr, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.PairingCode(ctx, found[0]); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestReadCommand(t *testing.T) {
	c := NewFromReader(strings.NewReader("status\nled on"), io.Discard)
	ctx := context.Background()

	for _, want := range []string{"status", "led on"} {
		got, err := c.ReadCommand(ctx)
		if err != nil || got != want {
			t.Fatalf("ReadCommand() = %q, %v; want %q", got, err, want)
		}
	}
	if _, err := c.ReadCommand(ctx); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}
