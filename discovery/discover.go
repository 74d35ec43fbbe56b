// Package discovery finds printers on the local network via UDP broadcast.
package discovery

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/john/flashforge_link/logger"
	"github.com/john/flashforge_link/printer"
)

const (
	DefaultPort     = 48899
	DefaultWindow   = 10 * time.Second
	DefaultIdle     = 2 * time.Second
	DefaultAttempts = 3

	probeMessage = "discover"
)

var errInvalidReply = errors.New("invalid discovery reply")

// Scanner broadcasts a probe and collects printer replies within a bounded budget.
type Scanner struct {
	// Port printers listen on for discovery probes.
	Port int
	// Targets overrides the broadcast addresses (mainly for tests).
	Targets []string
	// Window bounds the whole scan across all attempts.
	Window time.Duration
	// Idle ends an attempt once no new printer replied for this long.
	Idle time.Duration
	// Attempts is how many broadcasts are sent while nothing was found.
	Attempts int

	Log *logger.Logger
}

// NewScanner returns a scanner with the reference budget.
func NewScanner(log *logger.Logger) *Scanner {
	return &Scanner{
		Port:     DefaultPort,
		Window:   DefaultWindow,
		Idle:     DefaultIdle,
		Attempts: DefaultAttempts,
		Log:      log,
	}
}

// ParseReply parses a discovery reply.
// Format: "Adventurer 5M Pro@192.168.1.20|model:Flashforge Adventurer 5M Pro|sn:SNMOMC9900728|status:READY"
// An empty ip in the reply is filled with the sender address.
func ParseReply(resp []byte, sender string) (*printer.DiscoveredPrinter, error) {
	msg := strings.TrimSpace(string(resp))
	parts := strings.Split(msg, "|")
	head := parts[0]
	at := strings.LastIndex(head, "@")
	if at <= 0 {
		return nil, errInvalidReply
	}

	p := &printer.DiscoveredPrinter{
		Name: head[:at],
		IP:   head[at+1:],
	}
	for _, part := range parts[1:] {
		key, val, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		switch key {
		case "model":
			p.Model = val
		case "sn":
			p.Serial = val
		case "status":
			p.Status = val
		}
	}
	if p.Serial == "" {
		return nil, errInvalidReply
	}
	if p.IP == "" {
		p.IP = sender
	}
	return p, nil
}

// Scan runs the discovery budget. A transport failure yields an empty list
// and a *printer.DiscoveryError.
func (s *Scanner) Scan(ctx context.Context) ([]printer.DiscoveredPrinter, error) {
	log := s.Log
	if log == nil {
		log = logger.Nop()
	}
	window, idle, attempts, port := s.Window, s.Idle, s.Attempts, s.Port
	if window <= 0 {
		window = DefaultWindow
	}
	if idle <= 0 {
		idle = DefaultIdle
	}
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if port == 0 {
		port = DefaultPort
	}

	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	targets := s.Targets
	if len(targets) == 0 {
		addrs, err := broadcastAddresses()
		if err != nil {
			return nil, &printer.DiscoveryError{Err: err}
		}
		targets = addrs
	}
	if len(targets) == 0 {
		return nil, &printer.DiscoveryError{Err: errors.New("no IPv4 broadcast interfaces")}
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, &printer.DiscoveryError{Err: err}
	}
	defer conn.Close()

	found := map[string]printer.DiscoveredPrinter{}
	var order []string

	for attempt := 1; attempt <= attempts && ctx.Err() == nil; attempt++ {
		log.Debugw("discovery broadcast", "attempt", attempt, "targets", targets)
		if err := broadcast(conn, targets, port); err != nil {
			return nil, &printer.DiscoveryError{Err: err}
		}
		if err := collect(ctx, conn, idle, found, &order); err != nil {
			return nil, &printer.DiscoveryError{Err: err}
		}
		if len(found) > 0 {
			break
		}
	}

	result := make([]printer.DiscoveredPrinter, 0, len(order))
	for _, sn := range order {
		result = append(result, found[sn])
	}
	log.Infow("discovery finished", "printers", len(result))
	return result, nil
}

func broadcast(conn *net.UDPConn, targets []string, port int) error {
	var sent int
	var lastErr error
	for _, t := range targets {
		addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(t, fmt.Sprint(port)))
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := conn.WriteToUDP([]byte(probeMessage), addr); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("sending probe: %w", lastErr)
	}
	return nil
}

// collect reads replies until the idle timeout passes without a new printer
// or ctx ends.
func collect(ctx context.Context, conn *net.UDPConn, idle time.Duration, found map[string]printer.DiscoveredPrinter, order *[]string) error {
	buf := make([]byte, 1500)
	idleUntil := time.Now().Add(idle)

	for {
		deadline := idleUntil
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		conn.SetReadDeadline(deadline)

		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil
			}
			return err
		}

		p, err := ParseReply(buf[:n], from.IP.String())
		if err != nil {
			continue
		}
		if _, dup := found[p.Serial]; dup {
			continue
		}
		found[p.Serial] = *p
		*order = append(*order, p.Serial)
		idleUntil = time.Now().Add(idle)
	}
}

func broadcastAddresses() ([]string, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var addrs []string
	for _, iface := range ifs {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		ifAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range ifAddrs {
			n, ok := addr.(*net.IPNet)
			if !ok || n.IP.IsLoopback() {
				continue
			}
			v4 := n.IP.To4()
			if v4 == nil {
				continue
			}
			mask := n.Mask
			switch len(mask) {
			case net.IPv4len:
			case net.IPv6len:
				mask = mask[12:]
			default:
				mask = v4.DefaultMask()
			}
			b := make(net.IP, net.IPv4len)
			binary.BigEndian.PutUint32(b, binary.BigEndian.Uint32(v4)|^binary.BigEndian.Uint32(mask))
			if s := b.String(); !seen[s] {
				seen[s] = true
				addrs = append(addrs, s)
			}
		}
	}
	return addrs, nil
}
