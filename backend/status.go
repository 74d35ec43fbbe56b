package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/john/flashforge_link/printer"
)

// Status prefers the modern detail query and falls back to the legacy field
// map on any modern failure. The fallback is per call, never sticky. When
// both fail the result is unsuccessful but carries a zeroed status.
func (b *Backend) Status(ctx context.Context) printer.StatusResult {
	var modernErr error
	if b.modern != nil {
		d, err := b.modern.Detail(ctx)
		if err == nil {
			return printer.StatusResult{Success: true, Status: b.fromDetail(d), Timestamp: time.Now()}
		}
		modernErr = err
		b.log.Debugw("modern status failed, trying legacy", "err", err)
	}

	raw, err := b.legacy.Status(ctx)
	if err != nil {
		msg := fmt.Sprintf("status unavailable: %v", err)
		if modernErr != nil {
			msg = fmt.Sprintf("status unavailable: modern: %v; legacy: %v", modernErr, err)
		}
		return printer.StatusResult{Status: zeroStatus(), Error: msg, Timestamp: time.Now()}
	}

	st := printer.FromLegacyFields(raw)
	if hook := b.model.AdditionalStatusFields; hook != nil {
		hook(&st)
	}
	return printer.StatusResult{Success: true, Status: st, Timestamp: time.Now()}
}

func zeroStatus() printer.Status {
	return printer.Status{MachineState: "unknown", Extra: map[string]any{}}
}

func (b *Backend) fromDetail(d *printer.MachineDetail) printer.Status {
	if hook := b.model.ProcessMachineInfo; hook != nil {
		hook(d)
	}

	progress := d.PrintProgress
	if progress > 1 {
		progress /= 100
	}
	if progress > 1 {
		progress = 1
	}

	st := printer.Status{
		MachineState: printer.NormalizeState(d.Status),
		Extruder:     printer.Temperature{Current: d.RightTemp, Target: d.RightTargetTemp},
		Bed:          printer.Temperature{Current: d.PlatTemp, Target: d.PlatTargetTemp},
		Chamber:      printer.Temperature{Current: d.ChamberTemp, Target: d.ChamberTarget},
		Progress:     progress,
		Layer:        d.PrintLayer,
		TotalLayers:  d.TargetLayer,
		FileName:     d.PrintFileName,
		Elapsed:      printer.Seconds(d.PrintDuration),
		Estimated:    printer.Seconds(d.EstimatedTime),
		LEDOn:        d.LightStatus == "open",
	}
	st.Remaining = printer.RemainingTime(st.Estimated, st.Elapsed)

	if hook := b.model.AdditionalStatusFields; hook != nil {
		hook(&st)
	}
	return st
}
