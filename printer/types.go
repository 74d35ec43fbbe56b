// Package printer holds the data model shared by every layer of the
// connectivity core: saved and discovered printers, capability snapshots,
// status and command envelopes, the client interfaces the core consumes,
// and the status poller.
package printer

import (
	"time"
)

// Protocol identifies which wire protocol a session speaks.
type Protocol string

const (
	// ProtocolUnknown is stored when legacy mode was forced, so a later
	// connect is not locked into the wrong protocol.
	ProtocolUnknown Protocol = ""
	ProtocolLegacy  Protocol = "legacy"
	ProtocolModern  Protocol = "modern"
)

// SavedRecord is the persisted connection record for a printer.
type SavedRecord struct {
	Name          string    `json:"name"`
	IP            string    `json:"ip"`
	Serial        string    `json:"serial"`
	PairingCode   string    `json:"pairing_code,omitempty"`
	Protocol      Protocol  `json:"protocol,omitempty"`
	LastConnected time.Time `json:"last_connected"`
}

// MergeRecord returns next with the pairing code carried over from prev
// when next does not carry one. A stored code is never blanked.
func MergeRecord(prev *SavedRecord, next SavedRecord) SavedRecord {
	if next.PairingCode == "" && prev != nil && prev.Serial == next.Serial {
		next.PairingCode = prev.PairingCode
	}
	return next
}

// DiscoveredPrinter is a printer that answered a discovery broadcast.
type DiscoveredPrinter struct {
	Name   string `json:"name"`
	IP     string `json:"ip"`
	Serial string `json:"serial"`
	Model  string `json:"model,omitempty"`
	Status string `json:"status,omitempty"`
}

// Info is the identity block a printer reports over the legacy protocol.
type Info struct {
	TypeName     string `json:"type_name"`
	Name         string `json:"name"`
	Firmware     string `json:"firmware"`
	Serial       string `json:"serial"`
	MacAddress   string `json:"mac_address,omitempty"`
	ToolCount    int    `json:"tool_count,omitempty"`
	BuildVolumeX int    `json:"build_volume_x,omitempty"`
	BuildVolumeY int    `json:"build_volume_y,omitempty"`
	BuildVolumeZ int    `json:"build_volume_z,omitempty"`
}

// CameraFeature describes camera availability.
type CameraFeature struct {
	Builtin   bool   `json:"builtin"`
	CustomURL string `json:"custom_url,omitempty"`
}

// Available reports whether any camera source exists.
func (c CameraFeature) Available() bool { return c.Builtin || c.CustomURL != "" }

// LEDFeature describes LED control availability.
type LEDFeature struct {
	Builtin bool `json:"builtin"`
	// Custom LEDs are driven through raw M146 commands.
	Custom bool `json:"custom"`
}

// Available reports whether the LEDs can be switched at all.
func (l LEDFeature) Available() bool { return l.Builtin || l.Custom }

// GCodeFeature describes raw command support.
type GCodeFeature struct {
	Available bool     `json:"available"`
	Whitelist []string `json:"whitelist,omitempty"`
}

// JobFeature describes job management support.
type JobFeature struct {
	Modern bool `json:"modern"`
	Upload bool `json:"upload"`
	Recent bool `json:"recent"`
	Local  bool `json:"local"`
}

// FeatureSet is the capability snapshot computed once per session.
type FeatureSet struct {
	Camera          CameraFeature `json:"camera"`
	LED             LEDFeature    `json:"led"`
	Filtration      bool          `json:"filtration"`
	GCode           GCodeFeature  `json:"gcode"`
	Jobs            JobFeature    `json:"jobs"`
	MaterialStation bool          `json:"material_station"`
}

// Clone returns a deep copy so the whitelist slice is never shared.
func (f FeatureSet) Clone() FeatureSet {
	out := f
	if f.GCode.Whitelist != nil {
		out.GCode.Whitelist = append([]string(nil), f.GCode.Whitelist...)
	}
	return out
}

// MaterialSlot is one filament slot in a material station.
type MaterialSlot struct {
	Index         int    `json:"index"`
	Occupied      bool   `json:"occupied"`
	MaterialName  string `json:"material_name,omitempty"`
	MaterialColor string `json:"material_color,omitempty"`
}

// StationState is the derived overall material station state.
type StationState string

const (
	StationReady        StationState = "ready"
	StationBusy         StationState = "busy"
	StationDisconnected StationState = "disconnected"
)

// MaterialStationStatus is rebuilt from the latest telemetry on every read.
type MaterialStationStatus struct {
	Connected  bool           `json:"connected"`
	Slots      []MaterialSlot `json:"slots"`
	ActiveSlot int            `json:"active_slot"` // -1 when none
	State      StationState   `json:"state"`
}

// Temperature is a current/target pair in degrees Celsius.
type Temperature struct {
	Current float64 `json:"current"`
	Target  float64 `json:"target"`
}

// Status is the normalized printer status snapshot.
type Status struct {
	MachineState string      `json:"machine_state"`
	Extruder     Temperature `json:"extruder"`
	Bed          Temperature `json:"bed"`
	Chamber      Temperature `json:"chamber"`

	Progress    float64 `json:"progress"` // 0.0 - 1.0
	Layer       int     `json:"layer"`
	TotalLayers int     `json:"total_layers"`
	FileName    string  `json:"file_name"`

	Elapsed   time.Duration `json:"elapsed"`
	Estimated time.Duration `json:"estimated"`
	Remaining time.Duration `json:"remaining"`

	LEDOn bool `json:"led_on"`

	// Extra carries family specific telemetry such as filtration fans.
	Extra map[string]any `json:"extra,omitempty"`

	MaterialStation *MaterialStationStatus `json:"material_station,omitempty"`
}

// StatusResult wraps a status query. Status is always populated, zeroed on failure.
type StatusResult struct {
	Success   bool      `json:"success"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandResult wraps every public command operation.
type CommandResult struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Err       error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// OK builds a successful CommandResult.
func OK(data any) CommandResult {
	return CommandResult{Success: true, Data: data, Timestamp: time.Now()}
}

// Failed builds a failed CommandResult from err.
func Failed(err error) CommandResult {
	r := CommandResult{Timestamp: time.Now(), Err: err}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// RemainingTime is estimated minus elapsed, never negative.
func RemainingTime(estimated, elapsed time.Duration) time.Duration {
	if elapsed >= estimated {
		return 0
	}
	return estimated - elapsed
}

// ToolRequirement is one tool a job needs, as sliced.
type ToolRequirement struct {
	ToolID        int     `json:"tool_id"`
	MaterialName  string  `json:"material_name"`
	MaterialColor string  `json:"material_color"`
	Weight        float64 `json:"weight,omitempty"`
}

// MaterialMapping maps a job tool onto a material station slot.
type MaterialMapping struct {
	ToolID int `json:"tool_id"`
	SlotID int `json:"slot_id"`
}

// Job is a job listing entry, reshaped per family.
type Job struct {
	FileName        string            `json:"file_name"`
	PrintingTime    time.Duration     `json:"printing_time,omitempty"`
	Tools           []ToolRequirement `json:"tools,omitempty"`
	UsesMaterialBox bool              `json:"uses_material_box,omitempty"`
}

// StartJobRequest describes a job start.
type StartJobRequest struct {
	FileName string            `json:"file_name"`
	Leveling bool              `json:"leveling"`
	Mappings []MaterialMapping `json:"mappings,omitempty"`
}
