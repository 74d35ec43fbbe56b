package model

import (
	"sync"

	"github.com/john/flashforge_link/printer"
)

func newAdventurer5M() *Model {
	return &Model{
		Family:      FamilyAdventurer5M,
		DisplayName: "Adventurer 5M",
		Modern:      true,
		Template: printer.FeatureSet{
			LED:   printer.LEDFeature{Builtin: true},
			GCode: printer.GCodeFeature{Available: true, Whitelist: withCommands()},
			Jobs:  printer.JobFeature{Modern: true, Upload: true, Recent: true, Local: true},
		},
		TransformJobList: DefaultJobList,
	}
}

func newAdventurer5MPro() *Model {
	m := &Model{
		Family:      FamilyAdventurer5MPro,
		DisplayName: "Adventurer 5M Pro",
		Modern:      true,
		Template: printer.FeatureSet{
			Camera:     printer.CameraFeature{Builtin: true},
			LED:        printer.LEDFeature{Builtin: true},
			Filtration: true,
			GCode:      printer.GCodeFeature{Available: true, Whitelist: withCommands()},
			Jobs:       printer.JobFeature{Modern: true, Upload: true, Recent: true, Local: true},
		},
		TransformJobList: DefaultJobList,
	}

	fans := &filtrationState{}
	m.ProcessMachineInfo = fans.update
	m.AdditionalStatusFields = fans.apply
	return m
}

// filtrationState caches the last reported fan state between the detail
// query and the status shaping of the same poll.
type filtrationState struct {
	mu                 sync.Mutex
	internal, external bool
}

func (f *filtrationState) update(d *printer.MachineDetail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.internal = d.InternalFanOn == "open"
	f.external = d.ExternalFanOn == "open"
}

func (f *filtrationState) apply(st *printer.Status) {
	f.mu.Lock()
	internal, external := f.internal, f.external
	f.mu.Unlock()

	if st.Extra == nil {
		st.Extra = map[string]any{}
	}
	st.Extra["filtration_mode"] = filtrationMode(internal, external)
	st.Extra["internal_fan"] = internal
	st.Extra["external_fan"] = external
}

// filtrationMode names the fan combination the way the printer UI does.
func filtrationMode(internal, external bool) string {
	switch {
	case external:
		return "external"
	case internal:
		return "internal"
	default:
		return "off"
	}
}

func newAD5X() *Model {
	station := &Station{}
	m := &Model{
		Family:      FamilyAD5X,
		DisplayName: "AD5X",
		Modern:      true,
		Template: printer.FeatureSet{
			LED:             printer.LEDFeature{Builtin: true},
			GCode:           printer.GCodeFeature{Available: true, Whitelist: withCommands("M8200")},
			Jobs:            printer.JobFeature{Modern: true, Upload: true, Recent: true, Local: true},
			MaterialStation: true,
		},
		Station:            station,
		ProcessMachineInfo: station.Update,
		TransformJobList:   transformAD5XJobs,
	}
	m.AdditionalStatusFields = func(st *printer.Status) {
		ms := station.Status()
		st.MaterialStation = &ms
	}
	return m
}

func transformAD5XJobs(entries []printer.JobEntry) []printer.Job {
	jobs := make([]printer.Job, 0, len(entries))
	for _, e := range entries {
		j := printer.Job{
			FileName:        e.FileName,
			PrintingTime:    printer.Seconds(e.PrintingTime),
			UsesMaterialBox: e.UseMatlStation,
		}
		for _, td := range e.Tools {
			j.Tools = append(j.Tools, printer.ToolRequirement{
				ToolID:        td.ToolID,
				MaterialName:  td.MaterialName,
				MaterialColor: td.MaterialColor,
				Weight:        td.FilamentGrams,
			})
		}
		jobs = append(jobs, j)
	}
	return jobs
}

func newGenericLegacy() *Model {
	return &Model{
		Family:      FamilyGenericLegacy,
		DisplayName: "FlashForge (legacy)",
		Template: printer.FeatureSet{
			GCode: printer.GCodeFeature{Available: true, Whitelist: withCommands("M28", "M29", "M661")},
			Jobs:  printer.JobFeature{Local: true},
		},
	}
}
