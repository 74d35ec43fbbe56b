// Package model describes the known printer families: their static feature
// templates, the raw commands they accept, and the optional hooks the
// capability backend calls to shape family specific telemetry.
package model

import (
	"strings"

	"github.com/john/flashforge_link/printer"
)

// Family identifies a printer family.
type Family string

const (
	FamilyAdventurer5M    Family = "adventurer-5m"
	FamilyAdventurer5MPro Family = "adventurer-5m-pro"
	FamilyAD5X            Family = "ad5x"
	FamilyGenericLegacy   Family = "generic-legacy"
)

// Model is the per-family capability config. Hooks are optional; a nil
// hook means the family has nothing to add.
type Model struct {
	Family      Family
	DisplayName string
	// Modern reports whether the family speaks the modern protocol.
	Modern   bool
	Template printer.FeatureSet

	AdditionalStatusFields func(st *printer.Status)
	ProcessMachineInfo     func(detail *printer.MachineDetail)
	TransformJobList       func(entries []printer.JobEntry) []printer.Job

	// Station is set for families with a material station.
	Station *Station
}

// RequiresPairing reports whether connecting needs a pairing code.
// Forcing legacy mode always skips pairing.
func (m *Model) RequiresPairing(forceLegacy bool) bool {
	return m.Modern && !forceLegacy
}

// Protocol returns the protocol a session with this model will use.
func (m *Model) Protocol(forceLegacy bool) printer.Protocol {
	if m.Modern && !forceLegacy {
		return printer.ProtocolModern
	}
	return printer.ProtocolLegacy
}

// Classify maps a vendor type string (the M115 "Machine Type") to a family.
// "5M Pro" must be checked before "5M".
func Classify(typeName string) Family {
	t := strings.ToLower(typeName)
	switch {
	case strings.Contains(t, "5m pro"):
		return FamilyAdventurer5MPro
	case strings.Contains(t, "ad5x"):
		return FamilyAD5X
	case strings.Contains(t, "5m"):
		return FamilyAdventurer5M
	default:
		return FamilyGenericLegacy
	}
}

// SpeaksModern reports whether a type string implies the modern protocol.
func SpeaksModern(typeName string) bool {
	return Classify(typeName) != FamilyGenericLegacy
}

// New builds a fresh model for family. Each session gets its own value so
// cached telemetry never leaks between sessions.
func New(family Family) *Model {
	switch family {
	case FamilyAdventurer5M:
		return newAdventurer5M()
	case FamilyAdventurer5MPro:
		return newAdventurer5MPro()
	case FamilyAD5X:
		return newAD5X()
	default:
		return newGenericLegacy()
	}
}

// ForType is New(Classify(typeName)).
func ForType(typeName string) *Model {
	return New(Classify(typeName))
}

// baseCommands is accepted by every family.
var baseCommands = []string{
	"G1", "G28", "G90", "G91", "G92",
	"M17", "M18", "M23", "M24", "M25", "M26", "M27",
	"M104", "M105", "M106", "M107", "M108", "M114", "M115", "M119", "M140",
	"M146", "M601", "M602", "M650", "M651",
}

func withCommands(extra ...string) []string {
	out := make([]string, 0, len(baseCommands)+len(extra))
	out = append(out, baseCommands...)
	return append(out, extra...)
}

// CommandCode extracts the G/M code of a raw command: "~M104 S200" -> "M104".
func CommandCode(cmd string) string {
	cmd = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(cmd), "~"))
	if i := strings.IndexAny(cmd, " \t"); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToUpper(cmd)
}

// AllowsCommand checks a raw command against the model whitelist. An empty
// whitelist allows everything.
func (m *Model) AllowsCommand(cmd string) bool {
	wl := m.Template.GCode.Whitelist
	if len(wl) == 0 {
		return true
	}
	code := CommandCode(cmd)
	for _, c := range wl {
		if c == code {
			return true
		}
	}
	return false
}

// DefaultJobList reshapes raw entries without family specific metadata.
func DefaultJobList(entries []printer.JobEntry) []printer.Job {
	jobs := make([]printer.Job, 0, len(entries))
	for _, e := range entries {
		jobs = append(jobs, printer.Job{
			FileName:     e.FileName,
			PrintingTime: printer.Seconds(e.PrintingTime),
		})
	}
	return jobs
}
