package session

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/john/flashforge_link/backend"
	"github.com/john/flashforge_link/logger"
	"github.com/john/flashforge_link/model"
	"github.com/john/flashforge_link/printer"
)

// Session is one live printer connection. It owns its client pair, the
// poller, the event subscription and the forwarder binding; Close releases
// all of them.
type Session struct {
	ID       string
	Name     string
	Serial   string
	IP       string
	Firmware string
	Protocol printer.Protocol
	Model    *model.Model

	pair      *printer.ClientPair
	backend   *backend.Backend
	features  printer.FeatureSet
	forwarder *Forwarder
	bindGen   uint64
	events    *Normalizer
	poller    *printer.Poller
	log       *logger.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type sessionParams struct {
	name, serial, ip, firmware string
	pair                       *printer.ClientPair
	backend                    *backend.Backend
	features                   printer.FeatureSet
	forwarder                  *Forwarder
	pollInterval               time.Duration
	onStatus                   printer.StatusCallback
	eventBuffer                int
	log                        *logger.Logger
}

func newSession(p sessionParams) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		Name:      p.name,
		Serial:    p.serial,
		IP:        p.ip,
		Firmware:  p.firmware,
		Protocol:  p.backend.Protocol(),
		Model:     p.backend.Model(),
		pair:      p.pair,
		backend:   p.backend,
		features:  p.features,
		forwarder: p.forwarder,
	}
	s.log = p.log.With("session", s.ID, "serial", p.serial)
	s.events = NewNormalizer(p.pair.Events, p.eventBuffer, s.log.Named("events"))
	s.bindGen = s.forwarder.Bind(p.pair.Legacy, s.Model.AllowsCommand)
	s.poller = printer.NewPoller(s.backend, p.pollInterval, p.onStatus, s.log.Named("poller"))
	return s
}

func (s *Session) notConnected() printer.CommandResult {
	return printer.Failed(printer.ErrNotConnected)
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool { return s.closed.Load() }

// Status queries the printer once.
func (s *Session) Status(ctx context.Context) printer.StatusResult {
	if s.Closed() {
		return printer.StatusResult{
			Status:    printer.Status{MachineState: "unknown"},
			Error:     printer.ErrNotConnected.Error(),
			Timestamp: time.Now(),
		}
	}
	return s.backend.Status(ctx)
}

// ExecuteRaw sends a raw command over the legacy channel.
func (s *Session) ExecuteRaw(ctx context.Context, cmd string) printer.CommandResult {
	if s.Closed() {
		return s.notConnected()
	}
	return s.backend.ExecuteRaw(ctx, cmd)
}

func (s *Session) PauseJob(ctx context.Context) printer.CommandResult {
	if s.Closed() {
		return s.notConnected()
	}
	return s.backend.PauseJob(ctx)
}

func (s *Session) ResumeJob(ctx context.Context) printer.CommandResult {
	if s.Closed() {
		return s.notConnected()
	}
	return s.backend.ResumeJob(ctx)
}

func (s *Session) CancelJob(ctx context.Context) printer.CommandResult {
	if s.Closed() {
		return s.notConnected()
	}
	return s.backend.CancelJob(ctx)
}

func (s *Session) StartJob(ctx context.Context, req printer.StartJobRequest) printer.CommandResult {
	if s.Closed() {
		return s.notConnected()
	}
	return s.backend.StartJob(ctx, req)
}

func (s *Session) SetLED(ctx context.Context, on bool) printer.CommandResult {
	if s.Closed() {
		return s.notConnected()
	}
	return s.backend.SetLED(ctx, on)
}

func (s *Session) SetFiltration(ctx context.Context, mode string) printer.CommandResult {
	if s.Closed() {
		return s.notConnected()
	}
	return s.backend.SetFiltration(ctx, mode)
}

func (s *Session) RecentJobs(ctx context.Context) printer.CommandResult {
	if s.Closed() {
		return s.notConnected()
	}
	return s.backend.RecentJobs(ctx)
}

func (s *Session) LocalJobs(ctx context.Context) printer.CommandResult {
	if s.Closed() {
		return s.notConnected()
	}
	return s.backend.LocalJobs(ctx)
}

// Upload stores a file on the printer. Polling is held off for the
// duration of the transfer.
func (s *Session) Upload(ctx context.Context, name string, r io.Reader, size int64, startNow, leveling bool) printer.CommandResult {
	if s.Closed() {
		return s.notConnected()
	}
	s.poller.Pause()
	defer s.poller.Resume()
	return s.backend.UploadJob(ctx, name, r, size, startNow, leveling)
}

// MaterialStation returns the cached station status.
func (s *Session) MaterialStation() (printer.MaterialStationStatus, error) {
	if s.Closed() {
		return printer.MaterialStationStatus{}, printer.ErrNotConnected
	}
	return s.backend.MaterialStation()
}

// ValidateMaterialMappings checks mappings for a stored job.
func (s *Session) ValidateMaterialMappings(ctx context.Context, file string, mappings []printer.MaterialMapping) (model.MappingReport, error) {
	if s.Closed() {
		return model.MappingReport{}, printer.ErrNotConnected
	}
	return s.backend.ValidateMaterialMappings(ctx, file, mappings)
}

// Features returns the feature snapshot computed at connect time.
func (s *Session) Features() printer.FeatureSet { return s.features.Clone() }

// Events is the normalized event stream, closed when the session closes.
func (s *Session) Events() <-chan Event { return s.events.Events() }

// Call runs a forwarded command by name.
func (s *Session) Call(ctx context.Context, name string, args ...string) printer.CommandResult {
	if s.Closed() {
		return s.notConnected()
	}
	return s.forwarder.Call(ctx, name, args...)
}

// Commands lists the forwarded command names.
func (s *Session) Commands() []string { return s.forwarder.Commands() }

// RefreshNow runs one status poll outside the timer cadence. The result
// also goes to the status callback.
func (s *Session) RefreshNow(ctx context.Context) (printer.StatusResult, error) {
	if s.Closed() {
		return printer.StatusResult{}, printer.ErrNotConnected
	}
	return s.poller.RefreshNow(ctx)
}

func (s *Session) startPolling() { s.poller.Start() }

// Close stops polling, drops the event subscription, unbinds the forwarder
// and closes the clients, in that order.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.poller.Stop()
		s.events.Close()
		s.forwarder.Release(s.bindGen)
		s.closeErr = s.pair.Close()
		s.log.Infow("session closed")
	})
	return s.closeErr
}
