package session

import (
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/john/flashforge_link/logger"
	"github.com/john/flashforge_link/printer"
)

// EventKind is the closed set of normalized events.
type EventKind int

const (
	EventPrinterInfo EventKind = iota + 1
	EventStateChanged
	EventTemperature
	EventCommandSucceeded
	EventCommandFailed
	EventCommandUnsupported
	EventUploadStarted
	EventUploadProgress
	EventUploadCompleted
	EventUploadFailed
	EventConnectionError
	EventPrinterError
)

var eventNames = map[EventKind]string{
	EventPrinterInfo:        "printer-info",
	EventStateChanged:       "state-changed",
	EventTemperature:        "temperature",
	EventCommandSucceeded:   "command-succeeded",
	EventCommandFailed:      "command-failed",
	EventCommandUnsupported: "command-unsupported",
	EventUploadStarted:      "upload-started",
	EventUploadProgress:     "upload-progress",
	EventUploadCompleted:    "upload-completed",
	EventUploadFailed:       "upload-failed",
	EventConnectionError:    "connection-error",
	EventPrinterError:       "printer-error",
}

func (k EventKind) String() string {
	if n, ok := eventNames[k]; ok {
		return n
	}
	return "unknown"
}

// Event is one normalized event. Only the fields relevant to Kind are set.
type Event struct {
	Kind    EventKind
	Old     string
	New     string
	Info    *printer.Info
	Temps   map[string]printer.Temperature
	Command string
	Reply   string
	Err     error
	Upload  printer.UploadProgress
	At      time.Time
}

// DefaultEventBuffer is the channel capacity used when none is given.
const DefaultEventBuffer = 64

// Normalizer turns raw client events into Events. It subscribes once, in
// NewNormalizer, and owns that subscription until Close.
type Normalizer struct {
	log   *logger.Logger
	out   chan Event
	unsub func()

	mu        sync.Mutex
	closed    bool
	lastState string
	lastTemps map[string]printer.Temperature

	dropped atomic.Int64
}

// NewNormalizer subscribes to src.
func NewNormalizer(src printer.EventSource, buffer int, log *logger.Logger) *Normalizer {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	if log == nil {
		log = logger.Nop()
	}
	n := &Normalizer{
		log:       log,
		out:       make(chan Event, buffer),
		lastTemps: map[string]printer.Temperature{},
	}
	if src != nil {
		n.unsub = src.Subscribe(n.handle)
	}
	return n
}

// Events is the normalized stream. It is closed by Close.
func (n *Normalizer) Events() <-chan Event { return n.out }

// Dropped counts events discarded because the consumer fell behind.
func (n *Normalizer) Dropped() int64 { return n.dropped.Load() }

// Close unsubscribes from the raw source and closes the stream. Safe to
// call more than once.
func (n *Normalizer) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	if n.unsub != nil {
		n.unsub()
	}
	close(n.out)
}

func (n *Normalizer) handle(raw printer.RawEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for _, ev := range n.translate(raw) {
		if ev.At.IsZero() {
			ev.At = raw.At
		}
		select {
		case n.out <- ev:
		default:
			n.dropped.Add(1)
			n.log.Debugw("event dropped, consumer is behind", "kind", ev.Kind)
		}
	}
}

// translate runs under n.mu.
func (n *Normalizer) translate(raw printer.RawEvent) []Event {
	switch raw.Kind {
	case printer.RawInfo:
		return []Event{{Kind: EventPrinterInfo, Info: raw.Info}}

	case printer.RawStatus:
		state := printer.NormalizeState(raw.State)
		if state == n.lastState {
			return nil
		}
		old := n.lastState
		n.lastState = state
		return []Event{{Kind: EventStateChanged, Old: old, New: state}}

	case printer.RawTemperature:
		if !n.tempsChanged(raw.Temps) {
			return nil
		}
		temps := make(map[string]printer.Temperature, len(raw.Temps))
		for k, v := range raw.Temps {
			temps[k] = v
			n.lastTemps[k] = v
		}
		return []Event{{Kind: EventTemperature, Temps: temps}}

	case printer.RawCommand:
		ev := Event{Command: raw.Command, Reply: raw.Reply, Err: raw.Err}
		switch {
		case raw.Err == nil && !unsupportedReply(raw.Reply):
			ev.Kind = EventCommandSucceeded
		case printer.IsUnsupported(raw.Err) || unsupportedReply(raw.Reply):
			ev.Kind = EventCommandUnsupported
		default:
			ev.Kind = EventCommandFailed
		}
		out := []Event{ev}
		if raw.Err != nil && printer.IsConnectionFault(raw.Err) {
			out = append(out, Event{Kind: EventConnectionError, Err: raw.Err})
		}
		return out

	case printer.RawUploadStarted:
		return []Event{{Kind: EventUploadStarted, Upload: raw.Upload}}
	case printer.RawUploadProgress:
		return []Event{{Kind: EventUploadProgress, Upload: raw.Upload}}
	case printer.RawUploadDone:
		if raw.Err != nil {
			return []Event{{Kind: EventUploadFailed, Upload: raw.Upload, Err: raw.Err}}
		}
		return []Event{{Kind: EventUploadCompleted, Upload: raw.Upload}}

	case printer.RawError:
		if printer.IsConnectionFault(raw.Err) {
			return []Event{{Kind: EventConnectionError, Err: raw.Err}}
		}
		n.log.Warnw("printer error", "err", raw.Err)
		return []Event{{Kind: EventPrinterError, Err: raw.Err}}
	}
	return nil
}

// tempsChanged compares at 0.1 degree resolution.
func (n *Normalizer) tempsChanged(temps map[string]printer.Temperature) bool {
	if len(temps) == 0 {
		return false
	}
	for k, v := range temps {
		prev, ok := n.lastTemps[k]
		if !ok || tenths(prev.Current) != tenths(v.Current) || tenths(prev.Target) != tenths(v.Target) {
			return true
		}
	}
	return false
}

func tenths(f float64) int64 { return int64(math.Round(f * 10)) }

// unsupportedReply spots the legacy firmware's answers for commands it
// does not implement.
func unsupportedReply(reply string) bool {
	r := strings.ToLower(reply)
	return strings.Contains(r, "unknown command") ||
		strings.Contains(r, "not supported") ||
		strings.Contains(r, "unsupported")
}
