package printer

import (
	"context"
	"time"
)

// JobAction is a modern job control verb.
type JobAction string

const (
	JobPause    JobAction = "pause"
	JobContinue JobAction = "continue"
	JobCancel   JobAction = "cancel"
)

// Product is the modern hardware product query. Non-zero control states
// mean the hardware exposes that control.
type Product struct {
	ChamberTempCtrlState  int `json:"chamberTempCtrlState"`
	ExternalFanCtrlState  int `json:"externalFanCtrlState"`
	InternalFanCtrlState  int `json:"internalFanCtrlState"`
	LightCtrlState        int `json:"lightCtrlState"`
	NozzleTempCtrlState   int `json:"nozzleTempCtrlState"`
	PlatformTempCtrlState int `json:"platformTempCtrlState"`
}

// SlotInfo is one raw material station slot.
type SlotInfo struct {
	SlotID        int    `json:"slotId"`
	HasFilament   bool   `json:"hasFilament"`
	MaterialName  string `json:"materialName"`
	MaterialColor string `json:"materialColor"`
}

// StationInfo is the raw material station block of a machine detail.
type StationInfo struct {
	CurrentSlot int        `json:"currentSlot"`
	SlotCount   int        `json:"slotCnt"`
	Slots       []SlotInfo `json:"slotInfos"`
	StateAction int        `json:"stateAction"`
	StateStep   int        `json:"stateStep"`
}

// MachineDetail is the modern status payload.
type MachineDetail struct {
	Name            string  `json:"name"`
	Status          string  `json:"status"`
	FirmwareVersion string  `json:"firmwareVersion"`
	RightTemp       float64 `json:"rightTemp"`
	RightTargetTemp float64 `json:"rightTargetTemp"`
	PlatTemp        float64 `json:"platTemp"`
	PlatTargetTemp  float64 `json:"platTargetTemp"`
	ChamberTemp     float64 `json:"chamberTemp"`
	ChamberTarget   float64 `json:"chamberTargetTemp"`
	PrintProgress   float64 `json:"printProgress"` // 0.0 - 1.0
	PrintLayer      int     `json:"printLayer"`
	TargetLayer     int     `json:"targetPrintLayer"`
	PrintFileName   string  `json:"printFileName"`
	PrintDuration   float64 `json:"printDuration"`  // seconds
	EstimatedTime   float64 `json:"estimatedTime"`  // seconds
	LightStatus     string  `json:"lightStatus"`    // "open" / "close"
	InternalFanOn   string  `json:"internalFanStatus"`
	ExternalFanOn   string  `json:"externalFanStatus"`
	HasMatlStation  bool    `json:"hasMatlStation"`

	MaterialStation *StationInfo `json:"matlStationInfo,omitempty"`
}

// ToolData is a raw per-tool entry of a job listing.
type ToolData struct {
	ToolID        int     `json:"toolId"`
	SlotID        int     `json:"slotId"`
	MaterialName  string  `json:"materialName"`
	MaterialColor string  `json:"materialColor"`
	FilamentGrams float64 `json:"filamentWeight"`
}

// JobEntry is a raw job listing entry.
type JobEntry struct {
	FileName       string     `json:"gcodeFileName"`
	PrintingTime   float64    `json:"printingTime"` // seconds
	ToolCount      int        `json:"gcodeToolCnt"`
	Tools          []ToolData `json:"gcodeToolDatas"`
	UseMatlStation bool       `json:"useMatlStation"`
}

// ModernClient is the opaque modern protocol client.
type ModernClient interface {
	Detail(ctx context.Context) (*MachineDetail, error)
	Product(ctx context.Context) (*Product, error)
	JobControl(ctx context.Context, action JobAction) error
	StartJob(ctx context.Context, req StartJobRequest) error
	RecentJobs(ctx context.Context) ([]JobEntry, error)
	LocalJobs(ctx context.Context) ([]JobEntry, error)
	SetLED(ctx context.Context, on bool) error
	SetFiltration(ctx context.Context, internal, external bool) error
	Close() error
}

// LegacyClient is the opaque legacy protocol client. Status returns the raw,
// loosely typed field map the legacy protocol yields.
type LegacyClient interface {
	Info(ctx context.Context) (*Info, error)
	Status(ctx context.Context) (map[string]any, error)
	SendRaw(ctx context.Context, cmd string) (string, error)
	Close() error
}

// RawEventKind enumerates what a vendor client may emit.
type RawEventKind int

const (
	RawInfo RawEventKind = iota + 1
	RawStatus
	RawTemperature
	RawCommand
	RawUploadStarted
	RawUploadProgress
	RawUploadDone
	RawError
)

// UploadProgress describes an upload in flight.
type UploadProgress struct {
	FileName string
	Sent     int64
	Total    int64
}

// RawEvent is the unclassified event a vendor client emits.
type RawEvent struct {
	Kind    RawEventKind
	Info    *Info
	State   string
	Temps   map[string]Temperature
	Command string
	Reply   string
	Upload  UploadProgress
	Err     error
	At      time.Time
}

// EventSource is the raw event surface of a client pair. Subscribe returns
// the only handle able to remove that handler.
type EventSource interface {
	Subscribe(handler func(RawEvent)) (unsubscribe func())
}

// ClientPair is an established modern + legacy client pair.
// Modern is nil for legacy-only sessions.
type ClientPair struct {
	Modern ModernClient
	Legacy LegacyClient
	Events EventSource
}

// DialTarget is what a dialer needs to open a client pair. Legacy skips the
// modern client entirely.
type DialTarget struct {
	IP          string
	Serial      string
	PairingCode string
	Legacy      bool
}

// Close closes both clients, returning the first error.
func (p *ClientPair) Close() error {
	var first error
	if p.Modern != nil {
		if err := p.Modern.Close(); err != nil {
			first = err
		}
	}
	if p.Legacy != nil {
		if err := p.Legacy.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// RecordStore persists SavedRecords.
type RecordStore interface {
	Last(ctx context.Context) (*SavedRecord, error)
	Get(ctx context.Context, serial string) (*SavedRecord, error)
	Put(ctx context.Context, rec SavedRecord) error
}

// PairingPrompter asks for a pairing code. It returns ErrPairingCancelled
// (or an empty code) when the user aborts.
type PairingPrompter interface {
	PairingCode(ctx context.Context, p DiscoveredPrinter) (string, error)
}

// Selector lets the user pick a printer. It returns ErrSelectionCancelled
// (or nil) when nothing was picked.
type Selector interface {
	Select(ctx context.Context, printers []DiscoveredPrinter) (*DiscoveredPrinter, error)
}

// Reporter receives human readable progress lines.
type Reporter interface {
	Progress(msg string)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(msg string)

func (f ReporterFunc) Progress(msg string) { f(msg) }
