package model

import (
	"fmt"
	"strings"
	"sync"

	"github.com/john/flashforge_link/printer"
)

// Station caches the latest raw material station telemetry. Every read
// rebuilds the derived status from that snapshot.
type Station struct {
	mu  sync.Mutex
	raw *printer.StationInfo
}

// Update stores the station block of a machine detail.
func (s *Station) Update(d *printer.MachineDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d == nil || !d.HasMatlStation || d.MaterialStation == nil {
		s.raw = nil
		return
	}
	cp := *d.MaterialStation
	cp.Slots = append([]printer.SlotInfo(nil), d.MaterialStation.Slots...)
	s.raw = &cp
}

// Status derives the station status from the cached telemetry.
func (s *Station) Status() printer.MaterialStationStatus {
	s.mu.Lock()
	raw := s.raw
	s.mu.Unlock()

	if raw == nil {
		return printer.MaterialStationStatus{ActiveSlot: -1, State: printer.StationDisconnected}
	}

	st := printer.MaterialStationStatus{
		Connected:  true,
		ActiveSlot: -1,
		State:      printer.StationReady,
	}
	if raw.CurrentSlot > 0 {
		st.ActiveSlot = raw.CurrentSlot
	}
	if raw.StateAction != 0 {
		st.State = printer.StationBusy
	}
	for _, si := range raw.Slots {
		st.Slots = append(st.Slots, printer.MaterialSlot{
			Index:         si.SlotID,
			Occupied:      si.HasFilament,
			MaterialName:  si.MaterialName,
			MaterialColor: si.MaterialColor,
		})
	}
	return st
}

// Compatible reports whether slot can feed tool. Only an occupied slot with
// the exact material name is compatible; a colour difference is returned as
// a warning and never makes the pair incompatible.
func Compatible(tool printer.ToolRequirement, slot printer.MaterialSlot) (ok bool, warning string) {
	if !slot.Occupied || slot.MaterialName != tool.MaterialName {
		return false, ""
	}
	if !strings.EqualFold(normalizeColor(slot.MaterialColor), normalizeColor(tool.MaterialColor)) {
		warning = fmt.Sprintf("tool %d expects colour %s but slot %d holds %s",
			tool.ToolID, tool.MaterialColor, slot.Index, slot.MaterialColor)
	}
	return true, warning
}

func normalizeColor(c string) string {
	return strings.TrimPrefix(strings.TrimSpace(c), "#")
}

// MappingReport is the outcome of validating a set of tool to slot mappings.
type MappingReport struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// ValidateMappings checks every mapping against the current station state.
func (s *Station) ValidateMappings(tools []printer.ToolRequirement, mappings []printer.MaterialMapping) MappingReport {
	st := s.Status()
	rep := MappingReport{}

	if !st.Connected {
		rep.Errors = append(rep.Errors, "material station is not connected")
		return rep
	}

	slots := make(map[int]printer.MaterialSlot, len(st.Slots))
	for _, sl := range st.Slots {
		slots[sl.Index] = sl
	}
	toolByID := make(map[int]printer.ToolRequirement, len(tools))
	for _, t := range tools {
		toolByID[t.ToolID] = t
	}

	for _, mp := range mappings {
		tool, ok := toolByID[mp.ToolID]
		if !ok {
			rep.Errors = append(rep.Errors, fmt.Sprintf("tool %d is not used by this job", mp.ToolID))
			continue
		}
		slot, ok := slots[mp.SlotID]
		if !ok {
			rep.Errors = append(rep.Errors, fmt.Sprintf("slot %d does not exist", mp.SlotID))
			continue
		}
		if !slot.Occupied {
			rep.Errors = append(rep.Errors, fmt.Sprintf("slot %d is empty", mp.SlotID))
			continue
		}
		compatible, warning := Compatible(tool, slot)
		if !compatible {
			rep.Errors = append(rep.Errors, fmt.Sprintf("tool %d needs %s but slot %d holds %s",
				tool.ToolID, tool.MaterialName, slot.Index, slot.MaterialName))
			continue
		}
		if warning != "" {
			rep.Warnings = append(rep.Warnings, warning)
		}
	}

	rep.Valid = len(rep.Errors) == 0
	return rep
}
