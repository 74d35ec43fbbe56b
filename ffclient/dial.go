package ffclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/john/flashforge_link/logger"
	"github.com/john/flashforge_link/printer"
)

// Dialer opens client pairs and runs identity probes.
type Dialer struct {
	ModernPort  int
	LegacyPort  int
	DialTimeout time.Duration
	HTTP        *http.Client
	Log         *logger.Logger
}

// NewDialer returns a dialer on the standard ports.
func NewDialer(log *logger.Logger) *Dialer {
	if log == nil {
		log = logger.Nop()
	}
	return &Dialer{
		ModernPort:  ModernPort,
		LegacyPort:  LegacyPort,
		DialTimeout: 10 * time.Second,
		HTTP:        &http.Client{Timeout: 10 * time.Second},
		Log:         log,
	}
}

func (d *Dialer) legacyAddr(ip string) string {
	return net.JoinHostPort(ip, strconv.Itoa(d.LegacyPort))
}

func (d *Dialer) dialCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.DialTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.DialTimeout)
}

// Probe opens a short-lived legacy connection, reads the machine identity
// and closes the connection before returning.
func (d *Dialer) Probe(ctx context.Context, ip string) (*printer.Info, error) {
	ctx, cancel := d.dialCtx(ctx)
	defer cancel()

	l, err := DialLegacy(ctx, d.legacyAddr(ip), nil, d.Log.Named("probe"))
	if err != nil {
		return nil, err
	}
	defer l.Close()

	info, err := l.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", ip, err)
	}
	return info, nil
}

// Dial opens the client pair for target. Both clients publish to one
// emitter, exposed as the pair's event source.
func (d *Dialer) Dial(ctx context.Context, target printer.DialTarget) (*printer.ClientPair, error) {
	dctx, cancel := d.dialCtx(ctx)
	defer cancel()

	events := NewEmitter()
	legacy, err := DialLegacy(dctx, d.legacyAddr(target.IP), events, d.Log.Named("legacy"))
	if err != nil {
		return nil, err
	}

	pair := &printer.ClientPair{Legacy: legacy, Events: events}
	if !target.Legacy {
		base := "http://" + net.JoinHostPort(target.IP, strconv.Itoa(d.ModernPort))
		pair.Modern = NewModern(base, target.Serial, target.PairingCode, d.HTTP, events, d.Log.Named("modern"))
	}
	d.Log.Infow("client pair ready", "ip", target.IP, "legacy_only", target.Legacy)
	return pair, nil
}
