package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/john/flashforge_link/ffclient"
	"github.com/john/flashforge_link/printer"
)

type fakeScanner struct {
	found []printer.DiscoveredPrinter
	err   error
	calls int
}

func (f *fakeScanner) Scan(context.Context) ([]printer.DiscoveredPrinter, error) {
	f.calls++
	return f.found, f.err
}

type fakeModern struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeModern) Detail(context.Context) (*printer.MachineDetail, error) {
	return &printer.MachineDetail{Status: "ready", RightTemp: 25}, nil
}
func (f *fakeModern) Product(context.Context) (*printer.Product, error) {
	return &printer.Product{LightCtrlState: 1}, nil
}
func (f *fakeModern) JobControl(context.Context, printer.JobAction) error { return nil }
func (f *fakeModern) StartJob(context.Context, printer.StartJobRequest) error { return nil }
func (f *fakeModern) RecentJobs(context.Context) ([]printer.JobEntry, error) { return nil, nil }
func (f *fakeModern) LocalJobs(context.Context) ([]printer.JobEntry, error) { return nil, nil }
func (f *fakeModern) SetLED(context.Context, bool) error { return nil }
func (f *fakeModern) SetFiltration(context.Context, bool, bool) error { return nil }
func (f *fakeModern) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeLegacy struct {
	info *printer.Info

	mu     sync.Mutex
	sent   []string
	closed bool
}

func (f *fakeLegacy) Info(context.Context) (*printer.Info, error) {
	cp := *f.info
	return &cp, nil
}

func (f *fakeLegacy) Status(context.Context) (map[string]any, error) {
	return map[string]any{"machineStatus": "READY"}, nil
}

func (f *fakeLegacy) SendRaw(_ context.Context, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", errors.New("use of closed network connection")
	}
	f.sent = append(f.sent, cmd)
	return "ok", nil
}

func (f *fakeLegacy) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeLegacy) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeLegacy) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// dialed records one Dial call and what it handed out.
type dialed struct {
	target  printer.DialTarget
	legacy  *fakeLegacy
	modern  *fakeModern
	emitter *ffclient.Emitter
}

type fakeDialer struct {
	info     printer.Info
	probeErr error
	dialErr  error

	mu     sync.Mutex
	probes []string
	dials  []dialed
}

func (f *fakeDialer) Probe(_ context.Context, ip string) (*printer.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes = append(f.probes, ip)
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	cp := f.info
	return &cp, nil
}

func (f *fakeDialer) Dial(_ context.Context, t printer.DialTarget) (*printer.ClientPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	info := f.info
	d := dialed{
		target:  t,
		legacy:  &fakeLegacy{info: &info},
		emitter: ffclient.NewEmitter(),
	}
	pair := &printer.ClientPair{Legacy: d.legacy, Events: d.emitter}
	if !t.Legacy {
		d.modern = &fakeModern{}
		pair.Modern = d.modern
	}
	f.dials = append(f.dials, d)
	return pair, nil
}

func (f *fakeDialer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dials)
}

type memStore struct {
	mu      sync.Mutex
	records map[string]printer.SavedRecord
	last    string
}

func newMemStore(recs ...printer.SavedRecord) *memStore {
	s := &memStore{records: map[string]printer.SavedRecord{}}
	for _, r := range recs {
		s.records[r.Serial] = r
		s.last = r.Serial
	}
	return s
}

func (s *memStore) Last(context.Context) (*printer.SavedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == "" {
		return nil, nil
	}
	r := s.records[s.last]
	return &r, nil
}

func (s *memStore) Get(_ context.Context, serial string) (*printer.SavedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[serial]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *memStore) Put(_ context.Context, rec printer.SavedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prev *printer.SavedRecord
	if r, ok := s.records[rec.Serial]; ok {
		prev = &r
	}
	s.records[rec.Serial] = printer.MergeRecord(prev, rec)
	s.last = rec.Serial
	return nil
}

type fakePrompter struct {
	code  string
	err   error
	calls int
}

func (f *fakePrompter) PairingCode(context.Context, printer.DiscoveredPrinter) (string, error) {
	f.calls++
	return f.code, f.err
}

type fakeSelector struct {
	pick  int // index into the list, -1 for none
	calls int
	saw   []printer.DiscoveredPrinter
}

func (f *fakeSelector) Select(_ context.Context, list []printer.DiscoveredPrinter) (*printer.DiscoveredPrinter, error) {
	f.calls++
	f.saw = list
	if f.pick < 0 || f.pick >= len(list) {
		return nil, nil
	}
	p := list[f.pick]
	return &p, nil
}

type lines struct {
	mu  sync.Mutex
	out []string
}

func (l *lines) Progress(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = append(l.out, msg)
}

func (l *lines) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.out {
		if strings.Contains(line, sub) {
			return true
		}
	}
	return false
}
