// Package session drives the connect flow and owns the single live
// printer session: its command forwarder, event normalizer and poller.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/john/flashforge_link/backend"
	"github.com/john/flashforge_link/logger"
	"github.com/john/flashforge_link/model"
	"github.com/john/flashforge_link/printer"
)

// Scanner finds printers on the network.
type Scanner interface {
	Scan(ctx context.Context) ([]printer.DiscoveredPrinter, error)
}

// Dialer probes printers and opens client pairs. A probe connection must be
// closed before Probe returns.
type Dialer interface {
	Probe(ctx context.Context, ip string) (*printer.Info, error)
	Dial(ctx context.Context, target printer.DialTarget) (*printer.ClientPair, error)
}

// State is a connect flow stage.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateTryingSaved
	StateSelecting
	StateAwaitingPairingCode
	StateProbing
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateTryingSaved:
		return "trying-saved"
	case StateSelecting:
		return "selecting"
	case StateAwaitingPairingCode:
		return "awaiting-pairing-code"
	case StateProbing:
		return "probing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Deps are the manager's collaborators.
type Deps struct {
	Scanner  Scanner
	Dialer   Dialer
	Store    printer.RecordStore
	Prompter printer.PairingPrompter
	Selector printer.Selector
	Reporter printer.Reporter
	Log      *logger.Logger
}

// Config tunes the connect flow and the sessions it creates.
type Config struct {
	// ForceLegacy skips pairing and the modern client for every printer.
	ForceLegacy  bool
	PollInterval time.Duration
	OnStatus     printer.StatusCallback
	Overrides    backend.Overrides
	EventBuffer  int
}

// ConnectParams describes a direct connect.
type ConnectParams struct {
	IP          string
	Serial      string
	PairingCode string
	Name        string
	Legacy      bool
}

// Manager runs the connect flow. Connect attempts are serialized and at
// most one session exists at a time.
type Manager struct {
	deps      Deps
	cfg       Config
	log       *logger.Logger
	forwarder *Forwarder

	connectMu sync.Mutex
	// installMu orders installs; mu alone is never held across Close.
	installMu sync.Mutex

	mu      sync.Mutex
	state   State
	current *Session
}

// NewManager wires a manager.
func NewManager(deps Deps, cfg Config) *Manager {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.Reporter == nil {
		deps.Reporter = printer.ReporterFunc(func(string) {})
	}
	return &Manager{
		deps:      deps,
		cfg:       cfg,
		log:       deps.Log.Named("connect"),
		forwarder: NewForwarder(),
	}
}

// State returns the current flow stage.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the live session, or nil.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.log.Debugw("state", "from", prev.String(), "to", s.String())
	}
}

func (m *Manager) report(format string, args ...any) {
	m.deps.Reporter.Progress(fmt.Sprintf(format, args...))
}

// Connect runs discovery, tries the saved printer, then falls back to
// interactive selection. A user cancelling selection or pairing yields
// (nil, nil).
func (m *Manager) Connect(ctx context.Context) (*Session, error) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.setState(StateDiscovering)
	m.report("Searching for printers...")
	found, err := m.deps.Scanner.Scan(ctx)
	if err != nil {
		m.log.Warnw("discovery failed", "err", err)
		m.report("Discovery failed: %v", err)
		found = nil
	} else {
		m.report("Found %d printer(s)", len(found))
	}

	if s := m.trySaved(ctx, found); s != nil {
		return s, nil
	}
	if err := ctx.Err(); err != nil {
		m.setState(StateFailed)
		return nil, err
	}

	m.setState(StateSelecting)
	choice, err := m.deps.Selector.Select(ctx, found)
	if err != nil && !printer.IsCancelled(err) {
		m.setState(StateFailed)
		return nil, fmt.Errorf("select printer: %w", err)
	}
	if choice == nil || err != nil {
		m.report("No printer selected")
		m.log.Infow("selection cancelled")
		m.setState(StateFailed)
		return nil, nil
	}

	return m.connectDiscovered(ctx, *choice)
}

// trySaved attempts the last saved printer. Every failure is local to this
// path; nil means fall through to selection.
func (m *Manager) trySaved(ctx context.Context, found []printer.DiscoveredPrinter) *Session {
	if m.deps.Store == nil {
		return nil
	}
	rec, err := m.deps.Store.Last(ctx)
	if err != nil {
		m.log.Warnw("reading saved printer failed", "err", err)
		return nil
	}
	if rec == nil {
		return nil
	}

	m.setState(StateTryingSaved)
	target := printer.DiscoveredPrinter{Name: rec.Name, IP: rec.IP, Serial: rec.Serial}
	matched := false
	for _, p := range found {
		if p.Serial == rec.Serial {
			target.IP = p.IP
			if p.Name != "" {
				target.Name = p.Name
			}
			target.Model = p.Model
			matched = true
			break
		}
	}
	if matched {
		m.report("Found saved printer %s at %s", target.Name, target.IP)
	} else {
		m.report("Saved printer %s not discovered, trying %s", rec.Name, rec.IP)
	}

	m.setState(StateProbing)
	info, err := m.deps.Dialer.Probe(ctx, target.IP)
	if err != nil {
		m.log.Warnw("saved printer probe failed", "ip", target.IP, "serial", rec.Serial, "err", err)
		m.report("Saved printer %s at %s is not reachable", rec.Name, target.IP)
		return nil
	}
	mdl := model.ForType(info.TypeName)

	detected := mdl.Protocol(false)
	if rec.Protocol != printer.ProtocolUnknown && rec.Protocol != detected {
		mismatch := &printer.ProtocolMismatchError{Serial: rec.Serial, Expected: rec.Protocol, Detected: detected}
		m.log.Warnw("saved protocol disagrees with detected model", "err", mismatch)
		m.report("%v; using detected protocol", mismatch)
	}

	code := rec.PairingCode
	if mdl.RequiresPairing(m.cfg.ForceLegacy) && code == "" {
		code, err = m.promptCode(ctx, target)
		if err != nil {
			if printer.IsCancelled(err) {
				m.log.Infow("pairing cancelled for saved printer", "serial", rec.Serial)
				m.report("Pairing cancelled for %s", target.Name)
			} else {
				m.log.Warnw("reading pairing code for saved printer failed", "serial", rec.Serial, "err", err)
				m.report("Could not read pairing code for %s: %v", target.Name, err)
			}
			return nil
		}
	}

	s, err := m.ConnectAndSave(ctx, ConnectParams{
		IP:          target.IP,
		Serial:      rec.Serial,
		PairingCode: code,
		Name:        target.Name,
		Legacy:      m.cfg.ForceLegacy || !mdl.Modern,
	})
	if err != nil {
		m.report("Saved printer failed, choose a printer")
		return nil
	}
	return s
}

// connectDiscovered probes the selected printer, pairs if needed, and
// connects.
func (m *Manager) connectDiscovered(ctx context.Context, p printer.DiscoveredPrinter) (*Session, error) {
	m.setState(StateProbing)
	m.report("Checking %s at %s", p.Name, p.IP)
	info, err := m.deps.Dialer.Probe(ctx, p.IP)
	if err != nil {
		m.setState(StateFailed)
		initErr := &printer.ConnectionInitError{Stage: "probe", IP: p.IP, Serial: p.Serial, Err: err}
		m.report("%v", initErr)
		return nil, initErr
	}
	mdl := model.ForType(info.TypeName)
	m.report("Detected %s", mdl.DisplayName)

	serial := p.Serial
	if serial == "" {
		serial = info.Serial
	}

	var code string
	if mdl.RequiresPairing(m.cfg.ForceLegacy) {
		if saved := m.savedCode(ctx, serial); saved != "" {
			code = saved
		} else {
			code, err = m.promptCode(ctx, p)
			if err != nil && !printer.IsCancelled(err) {
				m.setState(StateFailed)
				return nil, fmt.Errorf("pairing code: %w", err)
			}
			if err != nil {
				m.report("Pairing cancelled")
				m.log.Infow("pairing cancelled", "serial", serial)
				m.setState(StateFailed)
				return nil, nil
			}
		}
	}

	return m.ConnectAndSave(ctx, ConnectParams{
		IP:          p.IP,
		Serial:      serial,
		PairingCode: code,
		Name:        p.Name,
		Legacy:      m.cfg.ForceLegacy || !mdl.Modern,
	})
}

func (m *Manager) savedCode(ctx context.Context, serial string) string {
	if m.deps.Store == nil || serial == "" {
		return ""
	}
	rec, err := m.deps.Store.Get(ctx, serial)
	if err != nil || rec == nil {
		return ""
	}
	return rec.PairingCode
}

// promptCode asks for a pairing code. An empty answer counts as a cancel.
func (m *Manager) promptCode(ctx context.Context, p printer.DiscoveredPrinter) (string, error) {
	if m.deps.Prompter == nil {
		return "", printer.ErrPairingCancelled
	}
	m.setState(StateAwaitingPairingCode)
	m.report("Pairing code required for %s", p.Name)
	code, err := m.deps.Prompter.PairingCode(ctx, p)
	if err != nil {
		if printer.IsCancelled(err) {
			return "", printer.ErrPairingCancelled
		}
		return "", err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return "", printer.ErrPairingCancelled
	}
	return code, nil
}

// ConnectAndSave connects directly, bypassing discovery and selection. On
// success the record is saved and the session installed; any previous
// session is closed first. Failures return a *printer.ConnectionInitError.
func (m *Manager) ConnectAndSave(ctx context.Context, p ConnectParams) (*Session, error) {
	legacy := p.Legacy || m.cfg.ForceLegacy
	fail := func(stage string, err error) (*Session, error) {
		initErr := &printer.ConnectionInitError{Stage: stage, IP: p.IP, Serial: p.Serial, Err: err}
		m.setState(StateFailed)
		m.log.Errorw("connect failed", "stage", stage, "ip", p.IP, "serial", p.Serial, "err", err)
		m.report("%v", initErr)
		return nil, initErr
	}
	if p.IP == "" {
		return fail("validate", errors.New("ip is required"))
	}
	if !legacy && p.PairingCode == "" {
		return fail("validate", errors.New("pairing code is required for the modern protocol"))
	}

	m.setState(StateConnecting)
	m.report("Connecting to %s", p.IP)

	pair, err := m.deps.Dialer.Dial(ctx, printer.DialTarget{
		IP:          p.IP,
		Serial:      p.Serial,
		PairingCode: p.PairingCode,
		Legacy:      legacy,
	})
	if err != nil {
		return fail("dial", err)
	}

	info, err := pair.Legacy.Info(ctx)
	if err != nil {
		pair.Close()
		return fail("info", err)
	}
	mdl := model.ForType(info.TypeName)
	if !legacy && !mdl.Modern {
		pair.Close()
		return fail("validate", &printer.ProtocolMismatchError{
			Serial:   p.Serial,
			Expected: printer.ProtocolModern,
			Detected: printer.ProtocolLegacy,
		})
	}

	be := backend.New(pair.Modern, pair.Legacy, mdl, m.cfg.Overrides, m.deps.Log.Named("backend"))
	features, err := be.Initialize(ctx)
	if err != nil {
		pair.Close()
		return fail("initialize", err)
	}

	name := info.Name
	if name == "" {
		name = p.Name
	}
	serial := p.Serial
	if serial == "" {
		serial = info.Serial
	}

	if m.deps.Store != nil {
		rec := printer.SavedRecord{
			Name:          name,
			IP:            p.IP,
			Serial:        serial,
			PairingCode:   p.PairingCode,
			LastConnected: time.Now().UTC(),
		}
		if !m.cfg.ForceLegacy {
			rec.Protocol = be.Protocol()
		}
		if err := m.deps.Store.Put(ctx, rec); err != nil {
			// The connection itself is fine; losing the record only costs
			// the next saved-path attempt.
			m.log.Warnw("saving printer record failed", "serial", serial, "err", err)
		}
	}

	s := m.install(sessionParams{
		name:         name,
		serial:       serial,
		ip:           p.IP,
		firmware:     info.Firmware,
		pair:         pair,
		backend:      be,
		features:     features,
		pollInterval: m.cfg.PollInterval,
		onStatus:     m.cfg.OnStatus,
		eventBuffer:  m.cfg.EventBuffer,
	})
	m.report("Connected to %s (%s, %s)", name, mdl.DisplayName, s.Protocol)
	return s, nil
}

// install tears down the current session, then creates and starts the new
// one. The old poller and subscription are gone before the new ones exist.
func (m *Manager) install(p sessionParams) *Session {
	m.installMu.Lock()
	defer m.installMu.Unlock()

	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.mu.Unlock()

	// Close waits for an in-flight poll, whose callback may call State.
	if prev != nil {
		if err := prev.Close(); err != nil {
			m.log.Warnw("closing previous session", "err", err)
		}
	}

	p.forwarder = m.forwarder
	p.log = m.deps.Log
	s := newSession(p)

	m.mu.Lock()
	m.current = s
	m.state = StateConnected
	m.mu.Unlock()

	s.startPolling()
	return s
}

// Disconnect closes the live session, if any.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.state = StateIdle
	m.mu.Unlock()

	if s == nil {
		return nil
	}
	m.report("Disconnected from %s", s.Name)
	return s.Close()
}

// Close is Disconnect; the manager can be reused afterwards.
func (m *Manager) Close() error { return m.Disconnect() }
