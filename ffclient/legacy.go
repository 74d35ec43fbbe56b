package ffclient

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/john/flashforge_link/logger"
	"github.com/john/flashforge_link/printer"
)

// LegacyPort is the TCP port of the legacy line protocol.
const LegacyPort = 8899

const defaultCommandTimeout = 5 * time.Second

// Legacy is the legacy protocol client. Commands are "~Mxxx" lines answered
// by one or more lines ending with "ok"; one command is in flight at a time.
type Legacy struct {
	addr    string
	conn    net.Conn
	router  *replyRouter
	events  *Emitter
	log     *logger.Logger
	timeout time.Duration

	cmdMu     sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// DialLegacy connects to addr and performs the control login.
func DialLegacy(ctx context.Context, addr string, events *Emitter, log *logger.Logger) (*Legacy, error) {
	if log == nil {
		log = logger.Nop()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &printer.TransportError{Op: "dial", Addr: addr, Err: err}
	}

	l := &Legacy{
		addr:    addr,
		conn:    conn,
		events:  events,
		log:     log,
		timeout: defaultCommandTimeout,
	}
	l.router = newReplyRouter(conn,
		func(reply string) { l.log.Debugw("unsolicited reply", "addr", addr, "reply", reply) },
		func(err error) {
			l.log.Warnw("legacy connection lost", "addr", addr, "err", err)
			l.events.Emit(printer.RawEvent{
				Kind: printer.RawError,
				Err:  &printer.TransportError{Op: "read", Addr: addr, Err: err},
			})
		},
	)
	l.router.start()

	if _, err := l.send(ctx, "~M601 S1"); err != nil {
		l.Close()
		return nil, fmt.Errorf("legacy login: %w", err)
	}
	return l, nil
}

// send writes one command and waits for its reply.
func (l *Legacy) send(ctx context.Context, cmd string) (string, error) {
	l.cmdMu.Lock()
	defer l.cmdMu.Unlock()

	w := l.router.expect(cmd)
	if dl, ok := ctx.Deadline(); ok {
		_ = l.conn.SetWriteDeadline(dl)
	} else {
		_ = l.conn.SetWriteDeadline(time.Now().Add(l.timeout))
	}
	if _, err := l.conn.Write([]byte(cmd + "\r\n")); err != nil {
		l.router.clear(w)
		return "", &printer.TransportError{Op: "write " + cmd, Addr: l.addr, Err: err}
	}
	reply, err := l.router.wait(ctx, w, l.timeout)
	if err != nil {
		return "", &printer.TransportError{Op: cmd, Addr: l.addr, Err: err}
	}
	return reply, nil
}

// SendRaw sends a raw command and returns the printer's reply.
func (l *Legacy) SendRaw(ctx context.Context, cmd string) (string, error) {
	reply, err := l.send(ctx, cmd)
	l.events.Emit(printer.RawEvent{Kind: printer.RawCommand, Command: cmd, Reply: reply, Err: err})
	return reply, err
}

// Info queries the machine identity (M115).
func (l *Legacy) Info(ctx context.Context) (*printer.Info, error) {
	reply, err := l.send(ctx, "~M115")
	if err != nil {
		return nil, err
	}
	info := printer.ParseM115(reply)
	if info.TypeName == "" {
		return nil, fmt.Errorf("M115: no machine type in reply %q", strings.TrimSpace(reply))
	}
	l.events.Emit(printer.RawEvent{Kind: printer.RawInfo, Info: info})
	return info, nil
}

// Status gathers the loosely typed legacy field map from M119, M105 and M27.
func (l *Legacy) Status(ctx context.Context) (map[string]any, error) {
	fields := map[string]any{}

	reply, err := l.send(ctx, "~M119")
	if err != nil {
		return nil, err
	}
	printer.ParseM119(reply, fields)

	reply, err = l.send(ctx, "~M105")
	if err != nil {
		return nil, err
	}
	printer.ParseM105(reply, fields)

	reply, err = l.send(ctx, "~M27")
	if err != nil {
		return nil, err
	}
	printer.ParseM27(reply, fields)

	if s, ok := fields["machineStatus"].(string); ok {
		l.events.Emit(printer.RawEvent{Kind: printer.RawStatus, State: s})
	}
	l.events.Emit(printer.RawEvent{Kind: printer.RawTemperature, Temps: tempsFromFields(fields)})
	return fields, nil
}

func tempsFromFields(f map[string]any) map[string]printer.Temperature {
	num := func(k string) float64 {
		v, _ := f[k].(float64)
		return v
	}
	return map[string]printer.Temperature{
		"extruder": {Current: num("t0Temp"), Target: num("t0Target")},
		"bed":      {Current: num("bedTemp"), Target: num("bedTarget")},
	}
}

// Close logs out and closes the connection. Safe to call more than once.
func (l *Legacy) Close() error {
	l.closeOnce.Do(func() {
		l.router.stopped.Store(true)
		if l.cmdMu.TryLock() {
			_ = l.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_, _ = l.conn.Write([]byte("~M602\r\n"))
			l.cmdMu.Unlock()
		}
		l.closeErr = l.conn.Close()
		l.router.stop()
	})
	return l.closeErr
}
